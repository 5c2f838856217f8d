package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/miekg/dns"

	"github.com/j0hanz/fetch-url-mcp-sub001/dnssafe"
	"github.com/j0hanz/fetch-url-mcp-sub001/weberr"
	"github.com/j0hanz/fetch-url-mcp-sub001/weburl"
)

// newTestFetcher builds a Fetcher that accepts loopback targets so it can
// talk to httptest servers. No DNS is involved since the targets are
// literal IPs.
func newTestFetcher(t *testing.T, opts Options) *Fetcher {
	t.Helper()
	policy := weburl.Policy{AllowPrivate: true}
	opts.Policy = policy
	resolver := dnssafe.New(policy, nil, dnssafe.WithQueryFunc(
		func(context.Context, string, uint16) (*dns.Msg, error) {
			return nil, fmt.Errorf("unexpected DNS query for literal IP target")
		}))
	return New(resolver, opts)
}

const testHTML = "<html><head><title>Hello</title></head><body><p>Hi there, this is plain page text.</p></body></html>"

func TestFetchSimplePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent header")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, testHTML)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(res.Body) != testHTML {
		t.Errorf("body mismatch: %q", res.Body)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d", res.StatusCode)
	}
	if res.Truncated || res.DecodeFallback {
		t.Errorf("unexpected flags: truncated=%v fallback=%v", res.Truncated, res.DecodeFallback)
	}
	if !strings.HasPrefix(res.ContentType, "text/html") {
		t.Errorf("content type = %q", res.ContentType)
	}
}

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		// Relative Location must resolve against the current URL.
		w.Header().Set("Location", "c#fragment")
		w.WriteHeader(http.StatusMovedPermanently)
	})
	mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Fragment != "" {
			t.Error("fragment should have been stripped")
		}
		fmt.Fprint(w, "final page content here")
	})

	f := newTestFetcher(t, Options{})
	res, err := f.Fetch(context.Background(), srv.URL+"/a")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(res.Body) != "final page content here" {
		t.Errorf("body = %q", res.Body)
	}
	if res.FinalURL != srv.URL+"/c" {
		t.Errorf("final URL = %q, want %q", res.FinalURL, srv.URL+"/c")
	}
}

func TestFetchTooManyRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxRedirects: 3})
	_, err := f.Fetch(context.Background(), srv.URL+"/start")
	if weberr.CodeOf(err) != weberr.CodeTooManyRedirects {
		t.Errorf("expected too-many-redirects, got %v", err)
	}
}

func TestFetchRedirectBudgetBoundary(t *testing.T) {
	// Exactly maxRedirects hops lands on the final page.
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		from, to := fmt.Sprintf("/%d", i), fmt.Sprintf("/%d", i+1)
		mux.HandleFunc(from, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, to, http.StatusFound)
		})
	}
	mux.HandleFunc("/3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "made it")
	})

	f := newTestFetcher(t, Options{MaxRedirects: 3})
	res, err := f.Fetch(context.Background(), srv.URL+"/0")
	if err != nil {
		t.Fatalf("chain within budget should succeed: %v", err)
	}
	if string(res.Body) != "made it" {
		t.Errorf("body = %q", res.Body)
	}
}

func TestFetchRedirectWithoutLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), srv.URL)
	if weberr.CodeOf(err) != weberr.CodeMissingLocation {
		t.Errorf("expected missing-redirect-location, got %v", err)
	}
}

func TestFetchRedirectToBlockedTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), srv.URL)
	if weberr.CodeOf(err) != weberr.CodeBlockedHost {
		t.Errorf("metadata redirect target should be blocked, got %v", err)
	}
}

func TestFetchHTTPErrors(t *testing.T) {
	tests := []struct {
		status   int
		wantCode string
	}{
		{http.StatusNotFound, "http-404"},
		{http.StatusInternalServerError, "http-500"},
		{http.StatusTooManyRequests, weberr.CodeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			f := newTestFetcher(t, Options{})
			_, err := f.Fetch(context.Background(), srv.URL)
			if weberr.CodeOf(err) != tt.wantCode {
				t.Errorf("status %d: code = %v, want %s", tt.status, err, tt.wantCode)
			}
		})
	}
}

func TestFetchInvalidURLRejectedBeforeNetwork(t *testing.T) {
	f := newTestFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), "ftp://example.com/")
	if weberr.CodeOf(err) != weberr.CodeInvalidURL {
		t.Errorf("expected invalid-url, got %v", err)
	}
}

func TestFetchTruncation(t *testing.T) {
	big := strings.Repeat("This sentence pads the body well past the cap. ", 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, big)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxContentBytes: 1000})
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !res.Truncated {
		t.Error("expected truncated result")
	}
	if len(res.Body) != 1000 {
		t.Errorf("body length = %d, want 1000", len(res.Body))
	}
	if string(res.Body) != big[:1000] {
		t.Error("truncated body is not a prefix of the original")
	}
}

func TestFetchBinaryRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), srv.URL)
	if weberr.CodeOf(err) != weberr.CodeBinaryContent {
		t.Errorf("expected binary-content-detected, got %v", err)
	}
}

func TestFetchAborted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	f := newTestFetcher(t, Options{})
	_, err := f.Fetch(ctx, srv.URL)
	if weberr.CodeOf(err) != weberr.CodeAborted {
		t.Errorf("expected aborted, got %v", err)
	}
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{Timeout: 100 * time.Millisecond})
	_, err := f.Fetch(context.Background(), srv.URL)
	if weberr.CodeOf(err) != weberr.CodeTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestFetchGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		fmt.Fprint(gz, testHTML)
		gz.Close()
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(res.Body) != testHTML {
		t.Errorf("gzip body mismatch: %q", res.Body)
	}
	if res.DecodeFallback {
		t.Error("unexpected decode fallback")
	}
}

func TestFetchBrotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		fmt.Fprint(bw, testHTML)
		bw.Close()
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(res.Body) != testHTML {
		t.Errorf("brotli body mismatch: %q", res.Body)
	}
}

func TestFetchDeflateZlib(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "deflate")
		zw := zlib.NewWriter(w)
		fmt.Fprint(zw, testHTML)
		zw.Close()
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(res.Body) != testHTML {
		t.Errorf("zlib deflate body mismatch: %q", res.Body)
	}
}

func TestFetchDeflateRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "deflate")
		fw, _ := flate.NewWriter(w, flate.DefaultCompression)
		fmt.Fprint(fw, testHTML)
		fw.Close()
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(res.Body) != testHTML {
		t.Errorf("raw deflate body mismatch: %q", res.Body)
	}
}

func TestFetchUnsupportedEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "zstd")
		fmt.Fprint(w, "whatever")
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), srv.URL)
	if weberr.CodeOf(err) != weberr.CodeUnsupportedEncoding {
		t.Errorf("expected unsupported-content-encoding, got %v", err)
	}
}

func TestFetchDecodeFallback(t *testing.T) {
	// Claims gzip but sends plain text. The decoder fails on the header and
	// the raw bytes are served instead.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		fmt.Fprint(w, testHTML)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !res.DecodeFallback {
		t.Error("expected DecodeFallback to be set")
	}
	if string(res.Body) != testHTML {
		t.Errorf("fallback body mismatch: %q", res.Body)
	}
}
