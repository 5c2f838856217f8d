// Package mcpserver exposes the safe-fetch pipeline and transform pool as a
// Model Context Protocol tool server. The fetch_url tool is the only outer
// surface; everything security-sensitive happens in the packages it wires
// together.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/j0hanz/fetch-url-mcp-sub001/cache"
	"github.com/j0hanz/fetch-url-mcp-sub001/converter"
	"github.com/j0hanz/fetch-url-mcp-sub001/fetcher"
	"github.com/j0hanz/fetch-url-mcp-sub001/metrics"
	"github.com/j0hanz/fetch-url-mcp-sub001/weberr"
	"github.com/j0hanz/fetch-url-mcp-sub001/workerpool"
)

const serverVersion = "1.0.0"

// Server wires the fetcher, worker pool, and result cache behind an MCP
// tool surface.
type Server struct {
	fetcher *fetcher.Fetcher
	pool    *workerpool.Pool
	cache   *cache.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger
	mcp     *mcp.Server
}

// Options configures a Server.
type Options struct {
	Fetcher *fetcher.Fetcher
	Pool    *workerpool.Pool
	Cache   *cache.Cache
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// New creates the MCP server and registers its tools.
func New(opts Options) (*Server, error) {
	if opts.Fetcher == nil || opts.Pool == nil {
		return nil, fmt.Errorf("mcpserver: fetcher and pool are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		fetcher: opts.Fetcher,
		pool:    opts.Pool,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    "fetch-url",
		Version: serverVersion,
	}, nil)
	s.registerFetchURL()

	return s, nil
}

// Run serves the MCP protocol over stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// fetchURLInput is the schema of the fetch_url tool.
type fetchURLInput struct {
	URL              string `json:"url" jsonschema:"required" jsonschema_description:"Public http(s) URL to fetch and convert to markdown"`
	IncludeMetadata  bool   `json:"includeMetadata,omitempty" jsonschema_description:"Include page metadata (description, open graph tags, canonical URL)"`
	SkipNoiseRemoval bool   `json:"skipNoiseRemoval,omitempty" jsonschema_description:"Convert the full page without readability noise removal"`
}

// fetchURLOutput is the structured result of the fetch_url tool.
type fetchURLOutput struct {
	Markdown  string            `json:"markdown"`
	Title     string            `json:"title,omitempty"`
	URL       string            `json:"url"`
	Truncated bool              `json:"truncated"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Cached    bool              `json:"cached,omitempty"`
}

func (s *Server) registerFetchURL() {
	mcp.AddTool(s.mcp,
		&mcp.Tool{
			Name:        "fetch_url",
			Description: "Fetch a public web page and convert it to markdown. Redirects are followed with SSRF re-validation on every hop; large responses are truncated.",
		},
		func(ctx context.Context, _ *mcp.CallToolRequest, args fetchURLInput) (*mcp.CallToolResult, any, error) {
			return s.handleFetchURL(ctx, args)
		},
	)
}

func (s *Server) handleFetchURL(ctx context.Context, args fetchURLInput) (*mcp.CallToolResult, any, error) {
	reqLogger := s.logger.With("tool", "fetch_url", "url", args.URL)
	ctx = workerpool.WithLogger(ctx, reqLogger)

	opts := converter.Options{
		IncludeMetadata:  args.IncludeMetadata,
		SkipNoiseRemoval: args.SkipNoiseRemoval,
	}

	key := cache.Key(args.URL, opts)
	if s.cache != nil {
		if cached := s.cache.Get(key); cached != nil {
			reqLogger.Debug("serving cached transform")
			return toolSuccess(resultOutput(cached, args.URL, true))
		}
	}

	s.metrics.IncFetch()
	fetched, err := s.fetcher.Fetch(ctx, args.URL)
	if err != nil {
		s.metrics.IncFetchError(weberr.CodeOf(err))
		reqLogger.Warn("fetch failed", "code", weberr.CodeOf(err), "error", err)
		return toolError(err)
	}

	opts.InputTruncated = fetched.Truncated
	result, err := s.pool.Transform(ctx, fetched.Body, fetched.FinalURL, opts)
	if err != nil {
		s.metrics.IncFetchError(weberr.CodeOf(err))
		reqLogger.Warn("transform failed", "code", weberr.CodeOf(err), "error", err)
		return toolError(err)
	}

	if s.cache != nil {
		s.cache.Put(key, result)
	}
	return toolSuccess(resultOutput(result, fetched.FinalURL, false))
}

func resultOutput(r *converter.Result, url string, cached bool) fetchURLOutput {
	return fetchURLOutput{
		Markdown:  r.Markdown,
		Title:     r.Title,
		URL:       url,
		Truncated: r.Truncated,
		Metadata:  r.Metadata,
		Cached:    cached,
	}
}

func toolSuccess(out fetchURLOutput) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: out.Markdown}},
	}, out, nil
}

// toolError reports a failure to the client as tool output rather than a
// protocol error, keeping the stable code visible.
func toolError(err error) (*mcp.CallToolResult, any, error) {
	msg := err.Error()
	if code := weberr.CodeOf(err); code == "" {
		msg = fmt.Sprintf("fetch failed: %v", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}, nil, nil
}
