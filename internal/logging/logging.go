// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/mcuadros/go-defaults"
)

// Config configures the logger. File is optional; when set, logs are also
// written to a daily rotated file and File itself links to the current one.
type Config struct {
	Level        string        `default:"info"`
	File         string
	MaxAge       time.Duration `default:"168h"`
	RotationTime time.Duration `default:"24h"`
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a text logger writing to w and, if configured, the log file.
// The returned closer releases the file.
func New(cfg Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	defaults.SetDefaults(&cfg)

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		return nil, nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rl, err := rotatelogs.New(
			cfg.File+".%Y%m%d",
			rotatelogs.WithLinkName(filepath.Clean(cfg.File)),
			rotatelogs.WithMaxAge(cfg.MaxAge),
			rotatelogs.WithRotationTime(cfg.RotationTime),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = io.MultiWriter(w, rl)
		closer = rl
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}
