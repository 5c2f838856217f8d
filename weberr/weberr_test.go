package weberr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	e := New(CodeBlockedHost, "http://10.0.0.1/", "private address is not allowed")
	want := "blocked-host: private address is not allowed (http://10.0.0.1/)"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}

	noURL := New(CodeQueueFull, "", "queue is full")
	if noURL.Error() != "queue-full: queue is full" {
		t.Errorf("Error() = %q", noURL.Error())
	}
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{404, "http-404"},
		{500, "http-500"},
		{403, "http-403"},
		{429, CodeRateLimited},
	}
	for _, tt := range tests {
		if got := HTTPStatusCode(tt.status); got != tt.want {
			t.Errorf("HTTPStatusCode(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestFromStatus(t *testing.T) {
	e := FromStatus(404, "https://example.com/missing")
	if e.Code != "http-404" {
		t.Errorf("code = %s", e.Code)
	}
	if e.StatusCode != 404 {
		t.Errorf("status = %d", e.StatusCode)
	}
}

func TestCodeOfUnwraps(t *testing.T) {
	base := New(CodeTimeout, "https://example.com/", "fetch timed out")
	wrapped := fmt.Errorf("outer context: %w", base)

	if CodeOf(wrapped) != CodeTimeout {
		t.Errorf("CodeOf(wrapped) = %q", CodeOf(wrapped))
	}
	if !HasCode(wrapped, CodeTimeout) {
		t.Error("HasCode should see through wrapping")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("plain errors carry no code")
	}
	if CodeOf(nil) != "" {
		t.Error("nil error carries no code")
	}
}
