package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
)

// File names inside the communication directory
const (
	RequestFlagFile = "capture_request.flag"
	StatusFile      = "status.json"
	ImageFile       = "latest_capture.bmp"
	ErrorLogFile    = "error.log"
)

// Worker lifecycle and capture statuses written to the status file
const (
	StatusInitializing = "initializing"
	StatusReady        = "ready"
	StatusCapturing    = "capturing"
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusStopped      = "stopped"
)

// Machine-readable error codes written alongside StatusError
const (
	ErrorCodeTimeout       = "timeout"
	ErrorCodeCapture       = "capture_error"
	ErrorCodeDevice        = "device_error"
	ErrorCodeStatusMissing = "status_file_missing"
)

const timestampLayout = "2006-01-02T15:04:05.000000"

// ErrNoImage is returned when no capture has been written yet
var ErrNoImage = errors.New("no image available")

// Status is the content of the status file
type Status struct {
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	Timestamp string  `json:"timestamp"`
	ImagePath *string `json:"image_path"`
	Error     *string `json:"error"`
}

// CommDir is the file-based channel between the HTTP API and the sensor worker
type CommDir struct {
	dir   string
	clock clockwork.Clock
}

// NewCommDir creates dir if needed
func NewCommDir(dir string, clock clockwork.Clock) (*CommDir, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating communication directory: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CommDir{dir: dir, clock: clock}, nil
}

// Path returns the absolute location of a file in the directory
func (c *CommDir) Path(name string) string {
	return filepath.Join(c.dir, name)
}

// RequestCapture raises the capture request flag
func (c *CommDir) RequestCapture() error {
	if err := os.WriteFile(c.Path(RequestFlagFile), nil, 0644); err != nil {
		return fmt.Errorf("writing request flag: %w", err)
	}
	return nil
}

// TakeRequest consumes the capture request flag and reports whether one was raised
func (c *CommDir) TakeRequest() (bool, error) {
	err := os.Remove(c.Path(RequestFlagFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("removing request flag: %w", err)
	}
	return true, nil
}

// WriteStatus replaces the status file. errorCode is omitted when empty.
func (c *CommDir) WriteStatus(status, message, errorCode string) error {
	s := Status{
		Status:    status,
		Message:   message,
		Timestamp: c.clock.Now().Format(timestampLayout),
	}
	if status == StatusSuccess {
		path := c.Path(ImageFile)
		s.ImagePath = &path
	}
	if errorCode != "" {
		s.Error = &errorCode
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	return c.writeAtomic(StatusFile, data)
}

// ReadStatus returns the current status. A missing file means the worker is
// not running.
func (c *CommDir) ReadStatus() (*Status, error) {
	data, err := os.ReadFile(c.Path(StatusFile))
	if errors.Is(err, os.ErrNotExist) {
		code := ErrorCodeStatusMissing
		return &Status{
			Status:  StatusError,
			Message: "Service not running",
			Error:   &code,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &s, nil
}

// WriteImage replaces the latest capture
func (c *CommDir) WriteImage(data []byte) error {
	return c.writeAtomic(ImageFile, data)
}

// ReadImage returns the latest capture or ErrNoImage
func (c *CommDir) ReadImage() ([]byte, error) {
	data, err := os.ReadFile(c.Path(ImageFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoImage
	}
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return data, nil
}

// LogError appends a timestamped line to the error log
func (c *CommDir) LogError(message string) error {
	f, err := os.OpenFile(c.Path(ErrorLogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening error log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s: %s\n", c.clock.Now().Format(timestampLayout), message); err != nil {
		return fmt.Errorf("writing error log: %w", err)
	}
	return nil
}

// Cleanup removes a stale request flag and capture left by an earlier run
func (c *CommDir) Cleanup() error {
	for _, name := range []string{RequestFlagFile, ImageFile} {
		if err := os.Remove(c.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}
	return nil
}

// writeAtomic writes through a temp file so readers never see a partial file
func (c *CommDir) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(c.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("setting mode on %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), c.Path(name)); err != nil {
		return fmt.Errorf("replacing %s: %w", name, err)
	}
	return nil
}
