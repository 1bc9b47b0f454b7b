package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/fingerprint-kiosk/internal/capture"
	"github.com/zombor/fingerprint-kiosk/internal/scansession"
)

var (
	// ErrInvalidDetails is returned when user details fail validation
	ErrInvalidDetails = errors.New("invalid user details")

	// ErrWrongStep is returned when an operation does not apply to the current step
	ErrWrongStep = errors.New("operation not allowed at this step")

	// ErrSlotsFull is returned when both thumbs already have every capture
	ErrSlotsFull = errors.New("all fingerprints already captured")

	// ErrNoCaptures is returned when there is nothing to remove
	ErrNoCaptures = errors.New("no captures to remove")

	// ErrIncomplete is returned when submitting before every capture is taken
	ErrIncomplete = errors.New("enrollment incomplete")

	// ErrNoImage is returned when no captured image was supplied
	ErrNoImage = errors.New("no captured image")

	// ErrRejected is returned when the backend answers with success=false
	ErrRejected = errors.New("rejected by backend")

	// ErrNoSession is returned when nobody is logged in
	ErrNoSession = errors.New("no active session")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var ordinals = []string{"First", "Second", "Third", "Fourth", "Fifth"}

const defaultQuality = "good"

// IDGenerator generates unique IDs for captures
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service drives the enrollment workflow and the login session
type Service struct {
	db          DB
	storage     Storage
	backend     Backend
	idGenerator IDGenerator
	timeSource  TimeSource

	mu    sync.Mutex
	draft *Draft
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, storage Storage, backend Backend) *Service {
	return NewServiceWithDeps(db, storage, backend, uuidGenerator{}, defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, backend Backend, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		backend:     backend,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Draft returns a copy of the enrollment in progress
func (s *Service) Draft() (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return draft.clone(), nil
}

// Progress summarizes the enrollment in progress
func (s *Service) Progress() (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.loadLocked()
	if err != nil {
		return Progress{}, err
	}
	return progressOf(draft), nil
}

// UpdateDetails validates details and advances to fingerprint capture. Field
// errors are returned alongside ErrInvalidDetails.
func (s *Service) UpdateDetails(details UserDetails) (map[string]string, error) {
	details.FullName = strings.TrimSpace(details.FullName)
	details.Email = strings.TrimSpace(details.Email)
	details.Department = strings.TrimSpace(details.Department)

	if fieldErrs := validateDetails(details); len(fieldErrs) > 0 {
		return fieldErrs, ErrInvalidDetails
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.editLocked()
	if err != nil {
		return nil, err
	}
	if draft.Step == StepComplete {
		return nil, ErrWrongStep
	}

	draft.Details = details
	draft.Step = StepFingerprints
	return nil, s.saveLocked(draft)
}

func validateDetails(details UserDetails) map[string]string {
	fieldErrs := map[string]string{}
	if details.FullName == "" {
		fieldErrs["fullName"] = "Full name is required"
	}
	switch {
	case details.Email == "":
		fieldErrs["email"] = "Email is required"
	case !emailPattern.MatchString(details.Email):
		fieldErrs["email"] = "Please enter a valid email address"
	}
	return fieldErrs
}

// Back returns from fingerprint capture to the details form, keeping captures
func (s *Service) Back() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.editLocked()
	if err != nil {
		return err
	}
	if draft.Step != StepFingerprints {
		return ErrWrongStep
	}
	draft.Step = StepDetails
	return s.saveLocked(draft)
}

// AddCapture stores img as the next capture of the current slot
func (s *Service) AddCapture(img *scansession.CapturedImage) (*Capture, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, ErrNoImage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.editLocked()
	if err != nil {
		return nil, err
	}
	if draft.Step != StepFingerprints {
		return nil, ErrWrongStep
	}
	if draft.allComplete() {
		return nil, ErrSlotsFull
	}

	slot := draft.CurrentSlot
	if draft.count(slot) >= CapturesPerSlot {
		slot = otherSlot(slot)
	}
	index := draft.count(slot)

	id := s.idGenerator.Generate()
	filename := fmt.Sprintf("%s_%s_thumb_%d%s", id, slot, index+1, capture.FileExtension(img.ContentType))
	storedAs, err := s.storage.Save(filename, img.Data)
	if err != nil {
		return nil, fmt.Errorf("saving capture: %w", err)
	}

	capturedAt := img.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = s.timeSource.Now()
	}
	c := Capture{
		ID:          id,
		Slot:        slot,
		Index:       index,
		StoredAs:    storedAs,
		ContentType: img.ContentType,
		Quality:     defaultQuality,
		Width:       img.Width,
		Height:      img.Height,
		CapturedAt:  capturedAt,
	}
	draft.Captures[slot] = append(draft.Captures[slot], c)
	draft.CurrentSlot = slot
	draft.CurrentIndex = draft.count(slot)

	if draft.count(slot) >= CapturesPerSlot && draft.count(otherSlot(slot)) < CapturesPerSlot {
		draft.CurrentSlot = otherSlot(slot)
		draft.CurrentIndex = draft.count(draft.CurrentSlot)
	}

	if err := s.saveLocked(draft); err != nil {
		s.storage.Delete(storedAs)
		return nil, err
	}

	slog.Info("Capture added", "slot", slot, "index", index, "id", id)
	return &c, nil
}

// RemoveLast discards the most recent capture of the current slot. When the
// current slot is empty it steps back into the previous slot.
func (s *Service) RemoveLast() (*Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.editLocked()
	if err != nil {
		return nil, err
	}
	if draft.Step != StepFingerprints {
		return nil, ErrWrongStep
	}

	slot := draft.CurrentSlot
	if draft.count(slot) == 0 && slot == SlotLeft {
		slot = SlotRight
	}
	n := draft.count(slot)
	if n == 0 {
		return nil, ErrNoCaptures
	}

	removed := draft.Captures[slot][n-1]
	draft.Captures[slot] = draft.Captures[slot][:n-1]
	draft.CurrentSlot = slot
	draft.CurrentIndex = n - 1

	if err := s.saveLocked(draft); err != nil {
		return nil, err
	}
	if err := s.storage.Delete(removed.StoredAs); err != nil {
		slog.Warn("Failed to delete capture file", "filename", removed.StoredAs, "error", err)
	}
	return &removed, nil
}

// RetakeCurrent discards the most recent capture so it can be scanned again
func (s *Service) RetakeCurrent() (*Capture, error) {
	return s.RemoveLast()
}

// Complete submits the enrollment to the backend
func (s *Service) Complete(ctx context.Context) (*SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.editLocked()
	if err != nil {
		return nil, err
	}
	if draft.Step != StepFingerprints || !draft.allComplete() {
		return nil, ErrIncomplete
	}

	files := make([]CaptureFile, 0, CapturesPerSlot*len(Slots))
	for _, slot := range Slots {
		for _, c := range draft.Captures[slot] {
			data, err := s.storage.Get(c.StoredAs)
			if err != nil {
				return nil, fmt.Errorf("reading capture %s: %w", c.ID, err)
			}
			files = append(files, CaptureFile{
				Slot:        slot,
				Index:       c.Index,
				Data:        data,
				ContentType: c.ContentType,
			})
		}
	}

	result, err := s.backend.Register(ctx, draft.Details, files)
	if err != nil {
		slog.Error("Registration failed", "full_name", draft.Details.FullName, "error", err)
		return nil, fmt.Errorf("submitting registration: %w", err)
	}
	if !result.Success {
		return result, rejection(result)
	}

	draft.Step = StepComplete
	if err := s.saveLocked(draft); err != nil {
		return nil, err
	}

	slog.Info("Registration complete", "full_name", draft.Details.FullName)
	return result, nil
}

// Reset discards the enrollment in progress. Files of an unsubmitted draft
// are removed.
func (s *Service) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.loadLocked()
	if err != nil {
		return err
	}

	if err := s.db.DeleteDraft(); err != nil {
		return fmt.Errorf("deleting draft: %w", err)
	}
	if draft.Step != StepComplete {
		for _, slot := range Slots {
			for _, c := range draft.Captures[slot] {
				if err := s.storage.Delete(c.StoredAs); err != nil {
					slog.Warn("Failed to delete capture file", "filename", c.StoredAs, "error", err)
				}
			}
		}
	}

	s.draft = newDraft(s.timeSource.Now())
	return nil
}

// Login identifies the user behind img and stores the resulting session
func (s *Service) Login(ctx context.Context, img *scansession.CapturedImage) (*AuthSession, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, ErrNoImage
	}

	result, err := s.backend.Login(ctx, LoginRequest{
		Fingerprint: img.EncodeBase64(),
		Timestamp:   s.timeSource.Now().UTC(),
		Metadata: LoginMetadata{
			Width:   img.Width,
			Height:  img.Height,
			Quality: defaultQuality,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}
	if !result.Success || result.User == nil || result.Token == "" {
		return nil, rejection(result)
	}

	session := &AuthSession{
		User:      *result.User,
		Token:     result.Token,
		LoginTime: s.timeSource.Now(),
	}
	if err := s.db.SaveSession(session); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	slog.Info("User logged in", "user_id", session.User.ID)
	return session, nil
}

// Logout ends the backend session. The stored session is cleared even when
// the backend call fails.
func (s *Service) Logout(ctx context.Context) error {
	session, err := s.db.GetSession()
	if errors.Is(err, ErrNotFound) {
		return ErrNoSession
	}
	if err != nil {
		return fmt.Errorf("getting session: %w", err)
	}

	backendErr := s.backend.Logout(ctx, session.Token)
	if backendErr != nil {
		slog.Warn("Backend logout failed", "user_id", session.User.ID, "error", backendErr)
	}

	if err := s.db.DeleteSession(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// CurrentSession returns the logged-in session
func (s *Service) CurrentSession() (*AuthSession, error) {
	session, err := s.db.GetSession()
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return session, nil
}

func (s *Service) loadLocked() (*Draft, error) {
	if s.draft != nil {
		return s.draft, nil
	}

	draft, err := s.db.GetDraft()
	switch {
	case errors.Is(err, ErrNotFound):
		draft = newDraft(s.timeSource.Now())
	case err != nil:
		return nil, fmt.Errorf("loading draft: %w", err)
	}
	if draft.Captures == nil {
		draft.Captures = map[Slot][]Capture{}
	}
	s.draft = draft
	return draft, nil
}

// editLocked returns a copy of the current draft. Changes to it become
// visible once saveLocked has stored them.
func (s *Service) editLocked() (*Draft, error) {
	draft, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return draft.clone(), nil
}

func (s *Service) saveLocked(draft *Draft) error {
	draft.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveDraft(draft); err != nil {
		return fmt.Errorf("saving draft: %w", err)
	}
	s.draft = draft
	return nil
}

func rejection(result *SubmitResult) error {
	if result != nil && result.Message != "" {
		return fmt.Errorf("%w: %s", ErrRejected, result.Message)
	}
	return ErrRejected
}

func otherSlot(slot Slot) Slot {
	if slot == SlotRight {
		return SlotLeft
	}
	return SlotRight
}

func ordinal(n int) string {
	if n >= 1 && n <= len(ordinals) {
		return ordinals[n-1]
	}
	return fmt.Sprintf("%dth", n)
}

func progressOf(draft *Draft) Progress {
	total := CapturesPerSlot * len(Slots)
	completed := 0
	for _, slot := range Slots {
		completed += min(draft.count(slot), CapturesPerSlot)
	}

	slotCompleted := draft.count(draft.CurrentSlot)
	p := Progress{
		Step:              draft.Step,
		CurrentSlot:       draft.CurrentSlot,
		CurrentScanNumber: min(draft.CurrentIndex+1, CapturesPerSlot),
		Completed:         completed,
		Total:             total,
		Percentage:        int(math.Round(float64(completed) * 100 / float64(total))),
		SlotCompleted:     slotCompleted,
		SlotComplete:      slotCompleted >= CapturesPerSlot,
		AllComplete:       draft.allComplete(),
	}

	switch {
	case draft.Step == StepDetails:
		p.Prompt = "Enter your details"
		p.ButtonText = "Continue"
	case draft.Step == StepComplete:
		p.Prompt = "Registration complete"
		p.ButtonText = "Done"
	case p.AllComplete:
		p.Prompt = "All fingerprints captured"
		p.ButtonText = "Submit Registration"
	default:
		n := ordinal(p.CurrentScanNumber)
		label := draft.CurrentSlot.Label()
		p.Prompt = fmt.Sprintf("Ready for %s %s Scan", n, label)
		p.ButtonText = fmt.Sprintf("Scan %s %s", n, label)
	}
	return p
}

func (d *Draft) clone() *Draft {
	c := *d
	c.Captures = make(map[Slot][]Capture, len(d.Captures))
	for slot, captures := range d.Captures {
		c.Captures[slot] = append([]Capture(nil), captures...)
	}
	return &c
}
