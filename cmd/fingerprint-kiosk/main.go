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
	"github.com/zombor/fingerprint-kiosk/internal/capture"
	"github.com/zombor/fingerprint-kiosk/internal/config"
	"github.com/zombor/fingerprint-kiosk/internal/enrollment"
	"github.com/zombor/fingerprint-kiosk/internal/kiosk"
	"github.com/zombor/fingerprint-kiosk/internal/logging"
	"github.com/zombor/fingerprint-kiosk/internal/scansession"
	"github.com/zombor/fingerprint-kiosk/internal/tui"
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

	fs := ff.NewFlagSet("fingerprint-kiosk")
	var (
		ui           = fs.StringLong("ui", "web", "Front end: 'web' or 'tui'")
		addr         = fs.StringLong("addr", ":3000", "HTTP listen address for the web UI")
		captureURL   = fs.StringLong("capture-url", "http://localhost:8080/api", "Capture service base URL")
		pollInterval = fs.DurationLong("poll-interval", 0, "Status poll interval (default 500ms)")
		scanTimeout  = fs.DurationLong("scan-timeout", 0, "Give up on a scan after this long (default 15s)")
		cacheBase64  = fs.BoolLong("cache-base64", "Keep a base64 copy of each captured image")
		dbPath       = fs.StringLong("db", "fingerprint-kiosk.db", "Database file path")
		storagePath  = fs.StringLong("storage", "./captures", "Capture storage directory path")
		backendURL   = fs.StringLong("backend-url", "http://localhost:8080/api", "Enrollment backend base URL")
		registerURL  = fs.StringLong("register-url", "", "Multipart registration endpoint (default {backend-url}/admin/auth/register)")
		submitMode   = fs.StringLong("submit-mode", "multipart", "Registration payload: 'multipart' or 'json'")
		authUser     = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass     = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel     = fs.StringLong("log-level", "info", "Log level: debug, info, warn, error")
		logFile      = fs.StringLong("log-file", "", "Also write logs to this file, rotated daily (optional)")
		_            = fs.StringLong("config", "", "TOML config file (optional)")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("FINGERPRINT_KIOSK"),
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

	if *ui != "web" && *ui != "tui" {
		fmt.Fprintf(os.Stderr, "error: invalid ui %q, want 'web' or 'tui'\n", *ui)
		os.Exit(1)
	}

	// The terminal UI owns stderr, so it only logs to the file
	var logOut io.Writer = os.Stderr
	if *ui == "tui" {
		logOut = io.Discard
	}
	logger, logCloser, err := logging.New(logging.Config{Level: *logLevel, File: *logFile}, logOut)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize capture device and session
	device := capture.NewClient(capture.Config{BaseURL: *captureURL})
	session := scansession.New(device, scansession.Config{
		PollInterval: *pollInterval,
		ScanTimeout:  *scanTimeout,
		CacheBase64:  *cacheBase64,
	}, scansession.WithDescriber(capture.DescribeImage))
	defer session.Close()

	cfg := session.Config()
	slog.Info("Scan session ready",
		"capture_url", *captureURL,
		"poll_interval", cfg.PollInterval,
		"scan_timeout", cfg.ScanTimeout,
	)

	if *ui == "tui" {
		if err := tui.Run(ctx, session); err != nil {
			slog.Error("Terminal UI error", "error", err)
			os.Exit(1)
		}
		return
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := enrollment.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := enrollment.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize backend
	backend, err := enrollment.NewHTTPBackend(enrollment.BackendConfig{
		BaseURL:     *backendURL,
		Mode:        enrollment.SubmitMode(*submitMode),
		RegisterURL: *registerURL,
	})
	if err != nil {
		slog.Error("Failed to initialize backend", "error", err)
		os.Exit(1)
	}
	slog.Info("Enrollment backend", "url", *backendURL, "mode", backend.Mode())

	enrollmentService := enrollment.NewService(db, store, backend)

	basicAuth := kiosk.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := kiosk.NewServer(session, enrollmentService, basicAuth)

	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := server.ListenAndServe(ctx, *addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shut down")
}
