package scansession

import (
	"context"
	"encoding/base64"
	"time"
)

// Statuses reported by the capture service
const (
	StatusCapturing = "capturing"
	StatusSuccess   = "success"
	StatusError     = "error"
)

// StatusReport is one answer from the capture service's status endpoint
type StatusReport struct {
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	ImagePath *string `json:"image_path,omitempty"`
	Error     *string `json:"error,omitempty"`
}

// Device defines the external capture service a session drives
type Device interface {
	// Trigger asks the sensor to begin a capture
	Trigger(ctx context.Context) error

	// Status fetches the sensor's current self-reported status
	Status(ctx context.Context) (*StatusReport, error)

	// Image fetches the most recently captured image
	Image(ctx context.Context) (data []byte, contentType string, err error)
}

// CapturedImage is the image obtained after a successful scan
type CapturedImage struct {
	ID          string    `json:"id"`
	Data        []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	Base64      string    `json:"-"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	Size        int       `json:"size"`
	CapturedAt  time.Time `json:"captured_at"`
}

// EncodeBase64 returns the cached base64 form, encoding on demand when the
// session was configured without caching
func (c *CapturedImage) EncodeBase64() string {
	if c.Base64 != "" {
		return c.Base64
	}
	return base64.StdEncoding.EncodeToString(c.Data)
}

// DescribeFunc reports the pixel dimensions of an image payload, or zeros
// when the format is not understood
type DescribeFunc func(data []byte, contentType string) (width, height int)

// IDGenerator generates unique IDs for captured images
type IDGenerator interface {
	Generate() string
}
