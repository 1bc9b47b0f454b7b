package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcuadros/go-defaults"
)

// WorkerConfig configures the sensor worker loop
type WorkerConfig struct {
	PollInterval   time.Duration `default:"100ms"`
	CaptureTimeout time.Duration `default:"15s"`
}

// Worker watches the communication directory for capture requests and
// drives the sensor
type Worker struct {
	comm   *CommDir
	sensor Sensor
	cfg    WorkerConfig
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewWorker creates a Worker
func NewWorker(comm *CommDir, sensor Sensor, cfg WorkerConfig, clock clockwork.Clock) *Worker {
	defaults.SetDefaults(&cfg)
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{
		comm:   comm,
		sensor: sensor,
		cfg:    cfg,
		clock:  clock,
		logger: slog.Default().With("component", "worker"),
	}
}

// Run processes capture requests until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	if err := w.comm.Cleanup(); err != nil {
		return err
	}
	if err := w.comm.WriteStatus(StatusInitializing, "Starting fingerprint device...", ""); err != nil {
		return err
	}
	if err := w.comm.WriteStatus(StatusReady, "Service ready. Waiting for capture requests...", ""); err != nil {
		return err
	}
	w.logger.Info("Worker ready", "poll_interval", w.cfg.PollInterval)

	ticker := w.clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := w.comm.WriteStatus(StatusStopped, "Service stopped", ""); err != nil {
				w.logger.Error("Failed to write final status", "error", err)
			}
			w.logger.Info("Worker stopped")
			return nil
		case <-ticker.Chan():
		}

		requested, err := w.comm.TakeRequest()
		if err != nil {
			w.logger.Error("Failed to read capture request", "error", err)
			continue
		}
		if requested {
			w.process(ctx)
		}
	}
}

// process handles a single capture request
func (w *Worker) process(ctx context.Context) {
	w.logger.Info("Capture requested")
	if err := w.comm.WriteStatus(StatusCapturing, "Place finger on sensor now...", ""); err != nil {
		w.logger.Error("Failed to write status", "error", err)
	}

	captureCtx, cancel := clockwork.WithTimeout(ctx, w.clock, w.cfg.CaptureTimeout)
	defer cancel()

	data, err := w.sensor.Capture(captureCtx)
	if err == nil && len(data) == 0 {
		err = errors.New("sensor returned an empty image")
	}
	if err == nil {
		err = w.comm.WriteImage(data)
	}

	switch {
	case err == nil:
		w.logger.Info("Capture complete", "bytes", len(data))
		w.report(StatusSuccess, "Fingerprint captured successfully!", "", "")

	case ctx.Err() != nil:
		// shutting down; Run writes the final status

	case errors.Is(err, ErrCaptureTimeout), errors.Is(err, context.DeadlineExceeded):
		w.logger.Warn("Capture timed out", "timeout", w.cfg.CaptureTimeout)
		w.report(StatusError, "No finger detected within timeout", ErrorCodeTimeout, fmt.Sprintf("Capture timeout: %v", err))

	default:
		w.logger.Error("Capture failed", "error", err)
		w.report(StatusError, fmt.Sprintf("Capture failed: %v", err), ErrorCodeCapture, fmt.Sprintf("Capture error: %v", err))
	}
}

func (w *Worker) report(status, message, code, logLine string) {
	if err := w.comm.WriteStatus(status, message, code); err != nil {
		w.logger.Error("Failed to write status", "error", err)
	}
	if logLine == "" {
		return
	}
	if err := w.comm.LogError(logLine); err != nil {
		w.logger.Error("Failed to write error log", "error", err)
	}
}
