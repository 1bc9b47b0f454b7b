package scansession

// State is the lifecycle state of a scan session
type State string

const (
	StateReady    State = "ready"
	StateScanning State = "scanning"
	StateSuccess  State = "success"
	StateError    State = "error"
)

// Icon returns the status glyph shown next to the state
func (s State) Icon() string {
	switch s {
	case StateScanning:
		return "⏳"
	case StateSuccess:
		return "✅"
	case StateError:
		return "❌"
	default:
		return "🔍"
	}
}

// Terminal reports whether no automatic transition leaves this state
func (s State) Terminal() bool {
	return s != StateScanning
}

// ErrorKind classifies why a session ended in StateError
type ErrorKind string

const (
	ErrorNone      ErrorKind = ""
	ErrorTrigger   ErrorKind = "trigger_failure"
	ErrorTimeout   ErrorKind = "scan_timeout"
	ErrorDevice    ErrorKind = "device_error"
	ErrorImageLoad ErrorKind = "image_load_failure"
)

// User-facing titles and messages
const (
	titleReady       = "Ready to Scan"
	titleScanning    = "Scanning..."
	titleComplete    = "Scan Complete"
	titleFailed      = "Scan Failed"
	titleTimeout     = "Scan Timeout"
	titleImageFailed = "Image Load Failed"
	titleCancelled   = "Scan Cancelled"
	msgReady         = `Click "Start Scan" to begin fingerprint capture`
	msgPlaceFinger   = "Place your finger on the sensor"
	msgProcessing    = "Processing fingerprint..."
	msgLoadingImage  = "Loading captured fingerprint..."
	msgCaptured      = "Fingerprint captured successfully!"
	msgDeviceError   = "An error occurred during scanning"
	msgTriggerFailed = "Could not start fingerprint scan"
	msgTimeout       = "No fingerprint detected. Please try again."
	msgImageFailed   = "Could not load captured fingerprint"
	msgCancelled     = `Click "Start Scan" to try again`
)
