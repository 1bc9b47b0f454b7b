package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/fingerprint-kiosk/internal/bridge"
	"github.com/zombor/fingerprint-kiosk/internal/config"
	"github.com/zombor/fingerprint-kiosk/internal/logging"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("scan-bridge")
	var (
		addr           = fs.StringLong("addr", ":8080", "HTTP listen address")
		commDir        = fs.StringLong("comm-dir", "./fingerprint_comm", "Directory shared with the sensor worker")
		pollInterval   = fs.DurationLong("poll-interval", 0, "How often the worker checks for capture requests (default 100ms)")
		captureTimeout = fs.DurationLong("capture-timeout", 0, "Give up waiting for a finger after this long (default 15s)")
		simDelay       = fs.DurationLong("simulate-delay", 0, "Simulated sensor capture delay (default 1.5s)")
		simFail        = fs.StringLong("simulate-fail", "", "Force simulated captures to fail: 'timeout' or 'error'")
		accessLog      = fs.BoolLong("access-log", "Log every HTTP request")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn, error")
		logFile        = fs.StringLong("log-file", "", "Also write logs to this file, rotated daily (optional)")
		_              = fs.StringLong("config", "", "TOML config file (optional)")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SCAN_BRIDGE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(config.TOMLParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger, logCloser, err := logging.New(logging.Config{Level: *logLevel, File: *logFile}, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comm, err := bridge.NewCommDir(*commDir, nil)
	if err != nil {
		slog.Error("Failed to initialize communication directory", "error", err)
		os.Exit(1)
	}

	sensor, err := bridge.NewSimulatedSensor(bridge.SimulatedConfig{
		Delay: *simDelay,
		Fail:  *simFail,
	}, nil)
	if err != nil {
		slog.Error("Failed to initialize sensor", "error", err)
		os.Exit(1)
	}
	slog.Info("Using simulated sensor", "fail", *simFail)

	worker := bridge.NewWorker(comm, sensor, bridge.WorkerConfig{
		PollInterval:   *pollInterval,
		CaptureTimeout: *captureTimeout,
	}, nil)

	var access io.Writer
	if *accessLog {
		access = os.Stderr
	}
	server := bridge.NewServer(comm, access, nil)

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.Run(ctx)
	}()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Listen(*addr)
	}()

	slog.Info("Bridge started", "address", *addr, "comm_dir", comm.Path(""))

	failed := false
	select {
	case <-ctx.Done():
		slog.Info("Shutting down...")
	case err := <-serverDone:
		slog.Error("Server error", "error", err)
		failed = true
	case err := <-workerDone:
		slog.Error("Worker stopped unexpectedly", "error", err)
		failed = true
		workerDone <- nil
	}
	stop()

	if err := server.Shutdown(); err != nil {
		slog.Error("Failed to shut down server", "error", err)
	}
	if err := <-workerDone; err != nil {
		slog.Error("Worker error", "error", err)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
}
