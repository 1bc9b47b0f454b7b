package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcuadros/go-defaults"
	"golang.org/x/image/bmp"
)

// ErrCaptureTimeout is returned by a Sensor when no finger was placed in time
var ErrCaptureTimeout = errors.New("no finger detected within timeout")

// Sensor captures one fingerprint and returns it BMP-encoded
type Sensor interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Simulated failure modes
const (
	FailNone    = ""
	FailTimeout = "timeout"
	FailError   = "error"
)

// SimulatedConfig configures a SimulatedSensor
type SimulatedConfig struct {
	Delay  time.Duration `default:"1500ms"`
	Width  int           `default:"256"`
	Height int           `default:"288"`

	// Fail forces every capture to fail with FailTimeout or FailError
	Fail string
}

// SimulatedSensor produces synthetic ridge patterns after a fixed delay
type SimulatedSensor struct {
	cfg   SimulatedConfig
	clock clockwork.Clock
	count atomic.Int64
}

var _ Sensor = (*SimulatedSensor)(nil)

// NewSimulatedSensor creates a SimulatedSensor
func NewSimulatedSensor(cfg SimulatedConfig, clock clockwork.Clock) (*SimulatedSensor, error) {
	defaults.SetDefaults(&cfg)
	switch cfg.Fail {
	case FailNone, FailTimeout, FailError:
	default:
		return nil, fmt.Errorf("unknown failure mode %q", cfg.Fail)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SimulatedSensor{cfg: cfg, clock: clock}, nil
}

// Capture waits for the configured delay and returns a new image
func (s *SimulatedSensor) Capture(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.clock.After(s.cfg.Delay):
	}

	switch s.cfg.Fail {
	case FailTimeout:
		return nil, ErrCaptureTimeout
	case FailError:
		return nil, errors.New("sensor communication error")
	}

	n := s.count.Add(1)
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, ridges(s.cfg.Width, s.cfg.Height, float64(n))); err != nil {
		return nil, fmt.Errorf("encoding bmp: %w", err)
	}
	return buf.Bytes(), nil
}

// ridges draws concentric whorls around an off-centre core; phase varies the
// pattern between captures
func ridges(width, height int, phase float64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	cx := float64(width)/2 + 10*math.Sin(phase)
	cy := float64(height)/2 + 10*math.Cos(phase)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			d := math.Hypot(dx, dy*0.85) + 4*math.Sin(math.Atan2(dy, dx)*2+phase)
			v := 128 + 110*math.Sin(d/2.6)
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return img
}
