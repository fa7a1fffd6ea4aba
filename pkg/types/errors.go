package types

import "errors"

// ErrNoUpdateAvailable indicates the manifest does not describe firmware newer
// than the running image.
var ErrNoUpdateAvailable = errors.New("no update available")

// ErrManifestMalformed indicates a fetched manifest failed structural validation.
var ErrManifestMalformed = errors.New("manifest malformed")

// ErrAlreadyRunning indicates an update session is already in progress.
var ErrAlreadyRunning = errors.New("update already in progress")

// ErrCancelled indicates the session was cancelled cooperatively.
var ErrCancelled = errors.New("update cancelled")

// ErrorCode classifies update failures for the status channel.
type ErrorCode string

const (
	CodeNone                ErrorCode = ""
	CodeNoNetwork           ErrorCode = "NO_NETWORK"
	CodeManifestUnreachable ErrorCode = "MANIFEST_UNREACHABLE"
	CodeManifestMalformed   ErrorCode = "MANIFEST_MALFORMED"
	CodeNoUpdateAvailable   ErrorCode = "NO_UPDATE_AVAILABLE"
	CodeDownloadFailed      ErrorCode = "DOWNLOAD_FAILED"
	CodeSizeMismatch        ErrorCode = "SIZE_MISMATCH"
	CodeChecksumMismatch    ErrorCode = "CHECKSUM_MISMATCH"
	CodeActivationFailed    ErrorCode = "ACTIVATION_FAILED"
	CodeLowMemory           ErrorCode = "LOW_MEMORY"
	CodeAlreadyRunning      ErrorCode = "ALREADY_RUNNING"
	CodeCancelled           ErrorCode = "CANCELLED"
)

// Recoverable reports whether the caller may retry with a fresh check.
// SIZE_MISMATCH and CHECKSUM_MISMATCH demand a fresh check but are not
// operator-terminal; ACTIVATION_FAILED requires operator intervention.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeActivationFailed:
		return false
	default:
		return true
	}
}

// UpdateError pairs an error code with its cause so boundary operations return
// a typed result.
type UpdateError struct {
	Code ErrorCode
	Err  error
}

func (e *UpdateError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *UpdateError) Unwrap() error { return e.Err }

// E wraps err with an error code.
func E(code ErrorCode, err error) *UpdateError {
	return &UpdateError{Code: code, Err: err}
}

// CodeOf extracts the error code from err, or CodeNone.
func CodeOf(err error) ErrorCode {
	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue.Code
	}
	return CodeNone
}
