package enrollment

import (
	"encoding/json"
	"fmt"
	"time"
)

// CapturesPerSlot is the number of captures enrolled for each thumb
const CapturesPerSlot = 5

// Slot identifies which thumb a capture belongs to
type Slot string

const (
	SlotRight Slot = "right"
	SlotLeft  Slot = "left"
)

// Slots lists the enrollment slots in capture order
var Slots = []Slot{SlotRight, SlotLeft}

// Label returns the display name of the slot
func (s Slot) Label() string {
	if s == SlotLeft {
		return "Left Thumb"
	}
	return "Right Thumb"
}

// Step is the enrollment workflow step
type Step string

const (
	StepDetails      Step = "details"
	StepFingerprints Step = "fingerprints"
	StepComplete     Step = "complete"
)

// UserDetails holds the identity being enrolled
type UserDetails struct {
	FullName   string `json:"fullName"`
	Email      string `json:"email"`
	Department string `json:"department,omitempty"`
}

// Capture is one enrolled fingerprint image; the bytes live in Storage
type Capture struct {
	ID          string    `json:"id"`
	Slot        Slot      `json:"slot"`
	Index       int       `json:"index"`
	StoredAs    string    `json:"stored_as"`
	ContentType string    `json:"content_type"`
	Quality     string    `json:"quality"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Draft is an enrollment in progress
type Draft struct {
	Step         Step               `json:"step"`
	CurrentSlot  Slot               `json:"current_slot"`
	CurrentIndex int                `json:"current_index"`
	Details      UserDetails        `json:"details"`
	Captures     map[Slot][]Capture `json:"captures"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func newDraft(now time.Time) *Draft {
	return &Draft{
		Step:        StepDetails,
		CurrentSlot: SlotRight,
		Captures: map[Slot][]Capture{
			SlotRight: {},
			SlotLeft:  {},
		},
		UpdatedAt: now,
	}
}

func (d *Draft) count(slot Slot) int {
	return len(d.Captures[slot])
}

func (d *Draft) allComplete() bool {
	for _, slot := range Slots {
		if d.count(slot) < CapturesPerSlot {
			return false
		}
	}
	return true
}

// CaptureFile is a capture with its bytes, as sent to the backend
type CaptureFile struct {
	Slot        Slot
	Index       int
	Data        []byte
	ContentType string
}

// UserID accepts both numeric and string identifiers from the backend
type UserID string

// UnmarshalJSON implements json.Unmarshaler
func (id *UserID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*id = UserID(n.String())
	return nil
}

// User is the identity record returned by the backend
type User struct {
	ID       UserID `json:"id"`
	Name     string `json:"name,omitempty"`
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email,omitempty"`
}

// DisplayName returns the best available name for the user
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.FullName != "" {
		return u.FullName
	}
	return string(u.ID)
}

// SubmitResult is the backend's answer to a registration or login
type SubmitResult struct {
	Success bool   `json:"success"`
	User    *User  `json:"user,omitempty"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// AuthSession is the logged-in state kept between kiosk restarts
type AuthSession struct {
	User      User      `json:"user"`
	Token     string    `json:"token"`
	LoginTime time.Time `json:"login_time"`
}

// Progress summarizes a draft for display
type Progress struct {
	Step              Step   `json:"step"`
	CurrentSlot       Slot   `json:"current_slot"`
	CurrentScanNumber int    `json:"current_scan_number"`
	Completed         int    `json:"completed"`
	Total             int    `json:"total"`
	Percentage        int    `json:"percentage"`
	SlotCompleted     int    `json:"slot_completed"`
	SlotComplete      bool   `json:"slot_complete"`
	AllComplete       bool   `json:"all_complete"`
	Prompt            string `json:"prompt"`
	ButtonText        string `json:"button_text"`
}
