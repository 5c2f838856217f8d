// Package weberr defines the typed errors shared by the fetch pipeline and
// the transform worker pool. Every failure a caller can observe carries a
// stable code so tool clients can branch without parsing messages.
package weberr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes. These travel across the worker wire protocol and into
// tool responses, so they never change once released.
const (
	CodeInvalidURL          = "invalid-url"
	CodeBlockedHost         = "blocked-host"
	CodeTimeout             = "timeout"
	CodeAborted             = "aborted"
	CodeTooManyRedirects    = "too-many-redirects"
	CodeMissingLocation     = "missing-redirect-location"
	CodeUnsupportedEncoding = "unsupported-content-encoding"
	CodeBinaryContent       = "binary-content-detected"
	CodeQueueFull           = "queue-full"
	CodeWorkerExit          = "worker-exit"
	CodePoolClosed          = "pool-closed"
	CodeRateLimited         = "rate-limited"
	CodeTransformFailed     = "transform-failed"
	CodeDNSFailure          = "dns-failure"
)

// Error is a fetch or transform failure with a stable code.
type Error struct {
	Code       string
	Message    string
	URL        string
	StatusCode int
	Details    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.URL)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with the given code and formatted message.
func New(code, url, format string, args ...any) *Error {
	return &Error{Code: code, URL: url, Message: fmt.Sprintf(format, args...)}
}

// HTTPStatusCode returns the code for a non-success HTTP status.
// 429 maps to rate-limited, everything else to http-<status>.
func HTTPStatusCode(status int) string {
	if status == http.StatusTooManyRequests {
		return CodeRateLimited
	}
	return fmt.Sprintf("http-%d", status)
}

// FromStatus creates an Error for a non-success HTTP response.
func FromStatus(status int, url string) *Error {
	return &Error{
		Code:       HTTPStatusCode(status),
		Message:    fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status)),
		URL:        url,
		StatusCode: status,
	}
}

// CodeOf extracts the stable code from err, or "" if err carries none.
func CodeOf(err error) string {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
