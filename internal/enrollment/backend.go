package enrollment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"

	"github.com/zombor/fingerprint-kiosk/internal/capture"
)

// SubmitMode selects the registration payload shape
type SubmitMode string

const (
	// SubmitMultipart sends raw capture files per slot as multipart/form-data
	SubmitMultipart SubmitMode = "multipart"

	// SubmitJSON sends base64 captures in a JSON document
	SubmitJSON SubmitMode = "json"
)

// multipart field names per slot
var slotFields = map[Slot]string{
	SlotRight: "RightThumbFingerPrints",
	SlotLeft:  "LeftThumbFingerPrints",
}

// Backend submits enrollment and login requests
type Backend interface {
	// Register submits the details and every capture file
	Register(ctx context.Context, details UserDetails, files []CaptureFile) (*SubmitResult, error)

	// Login submits a single capture for identification
	Login(ctx context.Context, req LoginRequest) (*SubmitResult, error)

	// Logout ends the backend session for token
	Logout(ctx context.Context, token string) error
}

// LoginRequest is the JSON body of a login
type LoginRequest struct {
	Fingerprint string        `json:"fingerprint"`
	Timestamp   time.Time     `json:"timestamp"`
	Metadata    LoginMetadata `json:"metadata"`
}

// LoginMetadata describes the submitted capture
type LoginMetadata struct {
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Quality string `json:"quality"`
}

// registerRequest is the JSON body of a registration in SubmitJSON mode
type registerRequest struct {
	FullName     string            `json:"fullName"`
	Email        string            `json:"email"`
	Department   string            `json:"department,omitempty"`
	Fingerprints map[Slot][]string `json:"fingerprints"`
	Timestamp    time.Time         `json:"timestamp"`
}

// HTTPError is a non-2xx response from the backend
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
}

// BackendConfig configures the HTTP backend
type BackendConfig struct {
	BaseURL string        `default:"http://localhost:8080/api"`
	Mode    SubmitMode    `default:"multipart"`
	Timeout time.Duration `default:"30s"`

	// RegisterURL overrides the multipart registration endpoint, which the
	// admin service usually hosts apart from the auth API
	RegisterURL string
}

// HTTPBackend implements Backend over HTTP
type HTTPBackend struct {
	cfg    BackendConfig
	client *http.Client
	now    func() time.Time
}

var _ Backend = (*HTTPBackend)(nil)

// NewHTTPBackend creates a new HTTPBackend
func NewHTTPBackend(cfg BackendConfig) (*HTTPBackend, error) {
	defaults.SetDefaults(&cfg)
	return NewHTTPBackendWithClient(cfg, &http.Client{Timeout: cfg.Timeout})
}

// NewHTTPBackendWithClient creates a new HTTPBackend with a custom client for testing
func NewHTTPBackendWithClient(cfg BackendConfig, client *http.Client) (*HTTPBackend, error) {
	defaults.SetDefaults(&cfg)
	switch cfg.Mode {
	case SubmitMultipart, SubmitJSON:
	default:
		return nil, fmt.Errorf("unknown submit mode %q", cfg.Mode)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.RegisterURL == "" {
		cfg.RegisterURL = cfg.BaseURL + "/admin/auth/register"
	}
	return &HTTPBackend{cfg: cfg, client: client, now: time.Now}, nil
}

// Mode returns the configured registration payload shape
func (b *HTTPBackend) Mode() SubmitMode {
	return b.cfg.Mode
}

// Register submits a registration in the configured shape
func (b *HTTPBackend) Register(ctx context.Context, details UserDetails, files []CaptureFile) (*SubmitResult, error) {
	if b.cfg.Mode == SubmitJSON {
		return b.registerJSON(ctx, details, files)
	}
	return b.registerMultipart(ctx, details, files)
}

func (b *HTTPBackend) registerMultipart(ctx context.Context, details UserDetails, files []CaptureFile) (*SubmitResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for _, file := range files {
		field, ok := slotFields[file.Slot]
		if !ok {
			return nil, fmt.Errorf("unknown slot %q", file.Slot)
		}
		contentType := file.ContentType
		if contentType == "" {
			contentType = "image/bmp"
		}
		filename := fmt.Sprintf("%s_thumb_%d%s", file.Slot, file.Index+1, capture.FileExtension(contentType))

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("creating form part: %w", err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, fmt.Errorf("writing form part: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing form: %w", err)
	}

	u, err := url.Parse(b.cfg.RegisterURL)
	if err != nil {
		return nil, fmt.Errorf("parsing register URL: %w", err)
	}
	query := u.Query()
	query.Set("fullName", details.FullName)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return b.do(req)
}

func (b *HTTPBackend) registerJSON(ctx context.Context, details UserDetails, files []CaptureFile) (*SubmitResult, error) {
	reqBody := registerRequest{
		FullName:     details.FullName,
		Email:        details.Email,
		Department:   details.Department,
		Fingerprints: map[Slot][]string{SlotRight: {}, SlotLeft: {}},
		Timestamp:    b.now().UTC(),
	}
	for _, file := range files {
		reqBody.Fingerprints[file.Slot] = append(reqBody.Fingerprints[file.Slot], base64.StdEncoding.EncodeToString(file.Data))
	}

	return b.postJSON(ctx, b.cfg.BaseURL+"/auth/register", reqBody)
}

// Login submits a single base64 capture
func (b *HTTPBackend) Login(ctx context.Context, req LoginRequest) (*SubmitResult, error) {
	if req.Timestamp.IsZero() {
		req.Timestamp = b.now().UTC()
	}
	return b.postJSON(ctx, b.cfg.BaseURL+"/auth/login", req)
}

// Logout ends the session identified by token
func (b *HTTPBackend) Logout(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/auth/logout", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	_, err = b.do(req)
	return err
}

func (b *HTTPBackend) postJSON(ctx context.Context, url string, body any) (*SubmitResult, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return b.do(req)
}

// do sends req and decodes the standard {success, user, token, message} answer
func (b *HTTPBackend) do(req *http.Request) (*SubmitResult, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode}
		var errBody struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &errBody) == nil {
			httpErr.Message = errBody.Message
		}
		return nil, httpErr
	}

	var result SubmitResult
	if len(bytes.TrimSpace(body)) == 0 {
		result.Success = true
		return &result, nil
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &result, nil
}
