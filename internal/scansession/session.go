package scansession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcuadros/go-defaults"
)

var (
	// ErrTriggerFailed is returned by Start when the device refuses to begin a capture
	ErrTriggerFailed = errors.New("trigger failed")

	// ErrClosed is returned by operations on a closed session
	ErrClosed = errors.New("session closed")

	errEmptyImage = errors.New("empty image payload")
)

// Config holds the session timing and capture options
type Config struct {
	PollInterval time.Duration `default:"500ms"`
	ScanTimeout  time.Duration `default:"15s"`

	// CacheBase64 stores the base64 encoding on the captured image as soon
	// as it is loaded
	CacheBase64 bool
}

// Snapshot is the externally visible state of a session
type Snapshot struct {
	State        State          `json:"state"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Icon         string         `json:"icon"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
	Attempt      uint64         `json:"attempt"`
	ImageLoading bool           `json:"image_loading"`
	Image        *CapturedImage `json:"image,omitempty"`
	Seq          uint64         `json:"seq"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Option configures a Session
type Option func(*Session)

// WithClock replaces the wall clock, mainly for tests
func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) { s.clock = clock }
}

// WithLogger sets the logger used for swallowed polling errors and failures
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithIDGenerator replaces the uuid-based capture ID generator
func WithIDGenerator(ids IDGenerator) Option {
	return func(s *Session) { s.ids = ids }
}

// WithDescriber fills width and height on captured images
func WithDescriber(describe DescribeFunc) Option {
	return func(s *Session) { s.describe = describe }
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

// Session drives one capture device through scan attempts. All transitions
// are serialized by mu; every asynchronous result is checked against the
// attempt generation and the current state before it is applied.
type Session struct {
	device   Device
	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	ids      IDGenerator
	describe DescribeFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	snap        Snapshot
	generation  uint64
	closed      bool
	ticker      clockwork.Ticker
	timeout     clockwork.Timer
	stopPoll    context.CancelFunc
	stopImage   context.CancelFunc
	subscribers map[int]func(Snapshot)
	nextSubID   int

	// notifyMu is taken before mu is released so subscribers observe
	// snapshots in transition order.
	notifyMu sync.Mutex
	current  atomic.Pointer[Snapshot]
}

// New creates a session in StateReady
func New(device Device, cfg Config, opts ...Option) *Session {
	defaults.SetDefaults(&cfg)

	s := &Session{
		device:      device,
		cfg:         cfg,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		ids:         uuidGenerator{},
		subscribers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())

	s.snap = Snapshot{
		State:     StateReady,
		Title:     titleReady,
		Message:   msgReady,
		Icon:      StateReady.Icon(),
		UpdatedAt: s.clock.Now(),
	}
	snap := s.snap
	s.current.Store(&snap)
	return s
}

// Config returns the effective configuration after defaults were applied
func (s *Session) Config() Config {
	return s.cfg
}

// Snapshot returns the latest published state. It never blocks on a
// transition in progress.
func (s *Session) Snapshot() Snapshot {
	return *s.current.Load()
}

// Subscribe registers fn to receive every published snapshot. fn runs on the
// goroutine that performed the transition and must not call Start, Cancel,
// Retake or Close synchronously.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Start begins a scan attempt. It is a no-op while a scan is in progress.
// A trigger failure moves the session to StateError and is also returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.snap.State == StateScanning {
		s.mu.Unlock()
		return nil
	}
	if s.stopImage != nil {
		s.stopImage()
		s.stopImage = nil
	}
	s.generation++
	gen := s.generation
	s.snap.Attempt = gen
	s.snap.Image = nil
	s.snap.ImageLoading = false
	s.snap.ErrorKind = ErrorNone
	s.transitionLocked(StateScanning, titleScanning, msgPlaceFinger)
	s.unlockAndPublish()

	s.logger.Info("Starting scan", "attempt", gen)
	if err := s.device.Trigger(ctx); err != nil {
		s.logger.Error("Failed to start scan", "attempt", gen, "error", err)
		s.mu.Lock()
		if s.isCurrentLocked(gen) {
			s.snap.ErrorKind = ErrorTrigger
			s.transitionLocked(StateError, titleFailed, msgTriggerFailed)
			s.unlockAndPublish()
		} else {
			s.mu.Unlock()
		}
		return fmt.Errorf("%w: %w", ErrTriggerFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrentLocked(gen) {
		// cancelled or closed while the trigger was in flight
		return nil
	}

	pollCtx, stop := context.WithCancel(s.baseCtx)
	s.stopPoll = stop
	s.ticker = s.clock.NewTicker(s.cfg.PollInterval)
	s.timeout = s.clock.AfterFunc(s.cfg.ScanTimeout, func() { s.expire(gen) })
	go s.poll(pollCtx, gen, s.ticker)
	return nil
}

// Cancel abandons a scan in progress and returns to StateReady. Responses
// still in flight are discarded when they arrive.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.snap.State != StateScanning {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked()
	s.logger.Info("Scan cancelled", "attempt", s.generation)
	s.transitionLocked(StateReady, titleCancelled, msgCancelled)
	s.unlockAndPublish()
}

// Retake discards the captured image and starts a new attempt
func (s *Session) Retake(ctx context.Context) error {
	return s.Start(ctx)
}

// Close stops all timers and in-flight work without a state transition
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimersLocked()
	if s.stopImage != nil {
		s.stopImage()
		s.stopImage = nil
	}
	s.baseCancel()
}

// timersArmed reports whether the poll ticker and timeout timer are live
func (s *Session) timersArmed() (poll, timeout bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticker != nil, s.timeout != nil
}

func (s *Session) poll(ctx context.Context, gen uint64, ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		if ctx.Err() != nil {
			return
		}

		report, err := s.device.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Polling error", "attempt", gen, "error", err)
			continue
		}
		if report == nil {
			continue
		}
		if !s.handleReport(gen, report) {
			return
		}
	}
}

// handleReport applies one status report and reports whether polling
// should continue
func (s *Session) handleReport(gen uint64, report *StatusReport) bool {
	s.mu.Lock()
	if !s.isCurrentLocked(gen) {
		s.mu.Unlock()
		return false
	}

	switch report.Status {
	case StatusCapturing:
		message := report.Message
		if message == "" {
			message = msgProcessing
		}
		if s.snap.Message == message && s.snap.Title == titleScanning {
			s.mu.Unlock()
			return true
		}
		s.transitionLocked(StateScanning, titleScanning, message)
		s.unlockAndPublish()
		return true

	case StatusSuccess:
		s.stopTimersLocked()
		s.snap.ImageLoading = true
		s.transitionLocked(StateSuccess, titleComplete, msgLoadingImage)
		imageCtx, stop := context.WithCancel(s.baseCtx)
		s.stopImage = stop
		s.logger.Info("Scan succeeded", "attempt", gen)
		s.unlockAndPublish()
		go s.loadImage(imageCtx, gen)
		return false

	case StatusError:
		s.stopTimersLocked()
		message := report.Message
		if message == "" {
			message = msgDeviceError
		}
		s.snap.ErrorKind = ErrorDevice
		s.logger.Warn("Device reported scan error", "attempt", gen, "message", report.Message)
		s.transitionLocked(StateError, titleFailed, message)
		s.unlockAndPublish()
		return false

	default:
		s.mu.Unlock()
		return true
	}
}

func (s *Session) loadImage(ctx context.Context, gen uint64) {
	image, err := s.fetchImage(ctx)

	s.mu.Lock()
	if s.generation != gen || s.snap.State != StateSuccess || !s.snap.ImageLoading {
		s.mu.Unlock()
		return
	}
	if s.stopImage != nil {
		s.stopImage()
		s.stopImage = nil
	}
	s.snap.ImageLoading = false
	if err != nil {
		s.logger.Error("Failed to load image", "attempt", gen, "error", err)
		s.snap.ErrorKind = ErrorImageLoad
		s.transitionLocked(StateError, titleImageFailed, msgImageFailed)
	} else {
		s.snap.Image = image
		s.transitionLocked(StateSuccess, titleComplete, msgCaptured)
	}
	s.unlockAndPublish()
}

func (s *Session) fetchImage(ctx context.Context) (*CapturedImage, error) {
	data, contentType, err := s.device.Image(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching image: %w", err)
	}
	if len(data) == 0 {
		return nil, errEmptyImage
	}

	image := &CapturedImage{
		ID:          s.ids.Generate(),
		Data:        data,
		ContentType: contentType,
		Size:        len(data),
		CapturedAt:  s.clock.Now(),
	}
	if s.describe != nil {
		image.Width, image.Height = s.describe(data, contentType)
	}
	if s.cfg.CacheBase64 {
		image.Base64 = image.EncodeBase64()
	}
	return image, nil
}

// expire fires once per attempt when the scan timeout elapses
func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if !s.isCurrentLocked(gen) {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked()
	s.snap.ErrorKind = ErrorTimeout
	s.logger.Warn("Scan timed out", "attempt", gen, "timeout", s.cfg.ScanTimeout)
	s.transitionLocked(StateError, titleTimeout, msgTimeout)
	s.unlockAndPublish()
}

// isCurrentLocked reports whether gen is still the scanning attempt
func (s *Session) isCurrentLocked(gen uint64) bool {
	return !s.closed && s.generation == gen && s.snap.State == StateScanning
}

func (s *Session) stopTimersLocked() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	if s.stopPoll != nil {
		s.stopPoll()
		s.stopPoll = nil
	}
}

func (s *Session) transitionLocked(state State, title, message string) {
	s.snap.State = state
	s.snap.Title = title
	s.snap.Message = message
	s.snap.Icon = state.Icon()
	s.publishLocked()
}

// publishLocked stamps the snapshot and makes it visible to Snapshot
func (s *Session) publishLocked() {
	s.snap.Seq++
	s.snap.UpdatedAt = s.clock.Now()
	snap := s.snap
	s.current.Store(&snap)
}

// unlockAndPublish releases mu and delivers the current snapshot to
// subscribers, holding notifyMu across the handoff to keep ordering
func (s *Session) unlockAndPublish() {
	snap := s.snap
	subs := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
