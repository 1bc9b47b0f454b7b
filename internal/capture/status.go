package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zombor/fingerprint-kiosk/internal/scansession"
)

// parseStatusReport decodes a status payload. The bridge writes status.json
// with a trailing newline and optional null fields; a UTF-8 BOM from editors
// on the sensor host is tolerated too.
func parseStatusReport(body []byte) (*scansession.StatusReport, error) {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty status body")
	}

	var report scansession.StatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	report.Status = strings.ToLower(strings.TrimSpace(report.Status))
	if report.Status == "" {
		return nil, fmt.Errorf("status field missing")
	}
	report.Message = strings.TrimSpace(report.Message)

	return &report, nil
}
