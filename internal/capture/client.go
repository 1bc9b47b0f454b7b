package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"

	"github.com/zombor/fingerprint-kiosk/internal/scansession"
)

// maxImageSize bounds the image download; sensor bitmaps are well under this
const maxImageSize = 10 << 20

// Config configures the capture service client
type Config struct {
	BaseURL string        `default:"http://localhost:8080/api"`
	Timeout time.Duration `default:"5s"`
}

// Client implements scansession.Device against the capture service's HTTP API
type Client struct {
	baseURL string
	client  *http.Client
}

var _ scansession.Device = (*Client)(nil)

// NewClient creates a new capture service client
func NewClient(cfg Config) *Client {
	defaults.SetDefaults(&cfg)
	return NewClientWithHTTP(cfg.BaseURL, &http.Client{Timeout: cfg.Timeout})
}

// NewClientWithHTTP creates a client with a custom http.Client for testing
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpClient,
	}
}

// triggerRequest is the body the trigger endpoint expects
type triggerRequest struct {
	Action string `json:"action"`
}

// Trigger asks the capture service to start a scan
func (c *Client) Trigger(ctx context.Context) error {
	jsonData, err := json.Marshal(triggerRequest{Action: "start_scan"})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/trigger-scan", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling trigger endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("trigger endpoint error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Status fetches the capture service's current status report
func (c *Client) Status(ctx context.Context) (*scansession.StatusReport, error) {
	url := fmt.Sprintf("%s/status", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling status endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint error (status %d)", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	report, err := parseStatusReport(body)
	if err != nil {
		return nil, fmt.Errorf("parsing status: %w", err)
	}
	return report, nil
}

// Image downloads the latest captured image
func (c *Client) Image(ctx context.Context) ([]byte, string, error) {
	url := fmt.Sprintf("%s/image", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("calling image endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("could not load image (status %d)", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading image: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("image endpoint returned no data")
	}
	if len(data) > maxImageSize {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageSize)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = DetectContentType(data)
	}
	return data, contentType, nil
}
