package workerpool

import (
	"errors"

	"github.com/j0hanz/fetch-url-mcp-sub001/converter"
	"github.com/j0hanz/fetch-url-mcp-sub001/weberr"
)

// Message types on the pool ↔ worker wire.
const (
	msgTransform = "transform"
	msgCancel    = "cancel"
	msgResult    = "result"
	msgError     = "error"
	msgCancelled = "cancelled"
)

// jobMessage travels pool → worker. For the process transport it is
// JSON-encoded, one message per line; the goroutine transport hands the
// struct over directly, sharing the HTML buffer without a copy.
type jobMessage struct {
	Type             string `json:"type"`
	ID               string `json:"id"`
	URL              string `json:"url,omitempty"`
	HTML             []byte `json:"html,omitempty"`
	IncludeMetadata  bool   `json:"includeMetadata,omitempty"`
	SkipNoiseRemoval bool   `json:"skipNoiseRemoval,omitempty"`
	InputTruncated   bool   `json:"inputTruncated,omitempty"`
}

// errorPayload is the wire shape of a transform failure. Name carries the
// stable error code when the worker recognized one.
type errorPayload struct {
	Name       string `json:"name"`
	Message    string `json:"message"`
	URL        string `json:"url,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Details    string `json:"details,omitempty"`
}

// workerMessage travels worker → pool.
type workerMessage struct {
	Type   string            `json:"type"`
	ID     string            `json:"id"`
	Result *converter.Result `json:"result,omitempty"`
	Error  *errorPayload     `json:"error,omitempty"`
}

// valid reports whether an inbound message has the shape its type requires.
// Malformed messages are dropped by the pool rather than crashing it.
func (m workerMessage) valid() bool {
	if m.ID == "" {
		return false
	}
	switch m.Type {
	case msgResult:
		return m.Result != nil
	case msgError:
		return m.Error != nil
	case msgCancelled:
		return true
	}
	return false
}

// knownCodes is the set of stable codes a worker may report back.
var knownCodes = map[string]bool{
	weberr.CodeInvalidURL:          true,
	weberr.CodeBlockedHost:         true,
	weberr.CodeTimeout:             true,
	weberr.CodeAborted:             true,
	weberr.CodeTooManyRedirects:    true,
	weberr.CodeMissingLocation:     true,
	weberr.CodeUnsupportedEncoding: true,
	weberr.CodeBinaryContent:       true,
	weberr.CodeQueueFull:           true,
	weberr.CodeWorkerExit:          true,
	weberr.CodePoolClosed:          true,
	weberr.CodeRateLimited:         true,
	weberr.CodeTransformFailed:     true,
	weberr.CodeDNSFailure:          true,
}

// errorFromPayload reconstructs a typed error from the wire shape,
// preserving code, URL, status, and details when the worker reported a
// recognized error, and falling back to a generic transform failure.
func errorFromPayload(p *errorPayload) error {
	if knownCodes[p.Name] {
		return &weberr.Error{
			Code:       p.Name,
			Message:    p.Message,
			URL:        p.URL,
			StatusCode: p.StatusCode,
			Details:    p.Details,
		}
	}
	return &weberr.Error{
		Code:    weberr.CodeTransformFailed,
		Message: p.Message,
		URL:     p.URL,
	}
}

// payloadFromError serializes an error for the wire.
func payloadFromError(err error, url string) *errorPayload {
	var we *weberr.Error
	if errors.As(err, &we) {
		return &errorPayload{
			Name:       we.Code,
			Message:    we.Message,
			URL:        we.URL,
			StatusCode: we.StatusCode,
			Details:    we.Details,
		}
	}
	return &errorPayload{
		Name:    weberr.CodeTransformFailed,
		Message: err.Error(),
		URL:     url,
	}
}
