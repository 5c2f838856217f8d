// Package fetcher retrieves public web pages safely. Every redirect hop is
// re-validated through URL policy and DNS preflight, response bodies are
// decoded and byte-capped as streams, and binary payloads are rejected
// before they can reach the text pipeline.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/j0hanz/fetch-url-mcp-sub001/dnssafe"
	"github.com/j0hanz/fetch-url-mcp-sub001/weberr"
	"github.com/j0hanz/fetch-url-mcp-sub001/weburl"
)

// DefaultMaxRedirects is the redirect hop budget when none is configured.
const DefaultMaxRedirects = 5

// DefaultMaxContentBytes caps decoded response bodies at 5 MiB.
const DefaultMaxContentBytes int64 = 5 * 1024 * 1024

// Result contains a fetched, decoded, capped response body.
type Result struct {
	Body        []byte
	FinalURL    string
	StatusCode  int
	ContentType string

	// Truncated is set when the byte cap cut the body short.
	Truncated bool

	// DecodeFallback is set when decompression failed and the raw,
	// undecoded bytes were served instead.
	DecodeFallback bool
}

// Options configures a Fetcher. Zero values fall back to defaults.
type Options struct {
	Timeout         time.Duration
	UserAgent       string
	MaxContentBytes int64
	MaxRedirects    int
	Policy          weburl.Policy
	Logger          *slog.Logger
}

// Fetcher fetches web content with per-hop SSRF checks.
type Fetcher struct {
	client       *http.Client
	resolver     *dnssafe.Resolver
	policy       weburl.Policy
	userAgent    string
	maxBytes     int64
	maxRedirects int
	logger       *slog.Logger
}

// New creates a Fetcher. Automatic redirect following is disabled on the
// underlying client; hops are performed manually so each destination can be
// re-validated before the request is issued.
func New(resolver *dnssafe.Resolver, opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fetchurl/1.0"
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = DefaultMaxContentBytes
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		// Content decoding is handled explicitly in decode.go.
		DisableCompression: true,
	}

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		resolver:     resolver,
		policy:       opts.Policy,
		userAgent:    opts.UserAgent,
		maxBytes:     opts.MaxContentBytes,
		maxRedirects: opts.MaxRedirects,
		logger:       opts.Logger,
	}
}

// Fetch validates rawURL, follows redirects manually with a DNS preflight
// on every hop, and returns the decoded, capped body together with the
// final URL it was reached at.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	current, err := f.policy.ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	for hop := 0; hop <= f.maxRedirects; hop++ {
		if _, err := f.resolver.Preflight(ctx, current.Hostname()); err != nil {
			return nil, err
		}

		resp, err := f.do(ctx, current)
		if err != nil {
			return nil, err
		}

		if isRedirect(resp.StatusCode) {
			next, err := f.redirectTarget(current, resp)
			if err != nil {
				return nil, err
			}
			if hop < f.maxRedirects {
				f.logger.Debug("following redirect",
					"from", current.String(), "to", next.String(), "status", resp.StatusCode)
			}
			current = next
			continue
		}

		return f.readResponse(current, resp)
	}

	return nil, weberr.New(weberr.CodeTooManyRedirects, current.String(),
		"stopped after %d redirects", f.maxRedirects)
}

// do issues a single non-following request for u.
func (f *Fetcher) do(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classifyTransportError(ctx, u, err)
	}
	return resp, nil
}

// redirectTarget resolves and validates the Location of a 3xx response.
// The stale response body is closed immediately so the connection does not
// leak while the next hop is prepared.
func (f *Fetcher) redirectTarget(current *url.URL, resp *http.Response) (*url.URL, error) {
	loc := resp.Header.Get("Location")
	_ = resp.Body.Close()

	if loc == "" {
		return nil, weberr.New(weberr.CodeMissingLocation, current.String(),
			"redirect response %d has no Location header", resp.StatusCode)
	}

	next, err := current.Parse(loc)
	if err != nil {
		return nil, weberr.New(weberr.CodeInvalidURL, current.String(),
			"invalid redirect location %q: %v", loc, err)
	}
	if err := f.policy.ValidateParsed(next); err != nil {
		return nil, err
	}
	next.Fragment = ""
	return next, nil
}

// readResponse decodes and caps the body of a non-redirect response.
func (f *Fetcher) readResponse(u *url.URL, resp *http.Response) (*Result, error) {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, weberr.FromStatus(resp.StatusCode, u.String())
	}

	data, truncated, fellBack, err := decodeBody(
		resp.Body, resp.Header.Get("Content-Encoding"), f.maxBytes, u.String(), f.logger)
	if err != nil {
		return nil, err
	}

	return &Result{
		Body:           data,
		FinalURL:       u.String(),
		StatusCode:     resp.StatusCode,
		ContentType:    resp.Header.Get("Content-Type"),
		Truncated:      truncated,
		DecodeFallback: fellBack,
	}, nil
}

// classifyTransportError maps request failures to typed errors, keeping
// caller cancellation and timeouts distinguishable.
func (f *Fetcher) classifyTransportError(ctx context.Context, u *url.URL, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return weberr.New(weberr.CodeAborted, u.String(), "fetch aborted")
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return weberr.New(weberr.CodeTimeout, u.String(), "fetch timed out")
	}
	return fmt.Errorf("fetch %s: %w", u.String(), err)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
