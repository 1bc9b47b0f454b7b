package capture

import (
	"bytes"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"net/http"

	_ "golang.org/x/image/bmp" // Register BMP decoder, the sensor's native format
)

// DetectContentType sniffs the MIME type of an image payload
func DetectContentType(data []byte) string {
	// http.DetectContentType knows BMP, PNG, JPEG and GIF signatures
	contentType := http.DetectContentType(data)
	if contentType == "text/plain; charset=utf-8" {
		return "application/octet-stream"
	}
	return contentType
}

// DescribeImage returns the dimensions of an image payload without decoding
// its pixels. Unknown or truncated payloads yield zeros.
func DescribeImage(data []byte, contentType string) (width, height int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// FileExtension maps an image content type to the extension used when a
// capture is written to disk or uploaded
func FileExtension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	default:
		return ".bmp"
	}
}
