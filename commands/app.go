package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/j0hanz/fetch-url-mcp-sub001/cache"
	"github.com/j0hanz/fetch-url-mcp-sub001/config"
	"github.com/j0hanz/fetch-url-mcp-sub001/dnssafe"
	"github.com/j0hanz/fetch-url-mcp-sub001/fetcher"
	"github.com/j0hanz/fetch-url-mcp-sub001/metrics"
	"github.com/j0hanz/fetch-url-mcp-sub001/weburl"
	"github.com/j0hanz/fetch-url-mcp-sub001/workerpool"
)

// app holds the assembled pipeline shared by the serve and fetch commands.
type app struct {
	Fetcher *fetcher.Fetcher
	Pool    *workerpool.Pool
	Cache   *cache.Cache
	Metrics *metrics.Metrics
}

// buildApp wires config into the fetch pipeline, transform pool, and cache.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	policy := weburl.Policy{
		AllowPrivate:    cfg.Fetch.AllowPrivate,
		BlockedSuffixes: cfg.Fetch.BlockedSuffixes,
		MaxURLLength:    cfg.Fetch.MaxURLLength,
	}

	resolver := dnssafe.New(policy, logger,
		dnssafe.WithLookupTimeout(cfg.GetLookupTimeout()),
		dnssafe.WithMaxCNAMEDepth(cfg.DNS.MaxCNAMEDepth),
	)

	f := fetcher.New(resolver, fetcher.Options{
		Timeout:         cfg.GetFetchTimeout(),
		UserAgent:       cfg.GetUserAgent(),
		MaxContentBytes: cfg.Fetch.MaxContentBytes,
		MaxRedirects:    cfg.Fetch.MaxRedirects,
		Policy:          policy,
		Logger:          logger,
	})

	factory, err := hostFactory(cfg.Pool.Transport, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	pool, err := workerpool.New(workerpool.Config{
		MinWorkers:      cfg.Pool.MinWorkers,
		MaxWorkers:      cfg.Pool.MaxWorkers,
		TaskTimeout:     cfg.GetTaskTimeout(),
		QueueMultiplier: cfg.Pool.QueueMultiplier,
		AckGrace:        cfg.GetAckGrace(),
		HostFactory:     factory,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &app{
		Fetcher: f,
		Pool:    pool,
		Cache:   cache.New(cfg.GetCacheTTL(), cfg.Cache.MaxEntries),
		Metrics: m,
	}, nil
}

// hostFactory selects the worker transport. The process transport re-execs
// this binary with the hidden transform-worker command so a crashing or
// runaway transform cannot take the server down with it.
func hostFactory(transport string, logger *slog.Logger) (workerpool.HostFactory, error) {
	switch transport {
	case "", "goroutine":
		return workerpool.GoroutineHostFactory(), nil
	case "process":
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable path: %w", err)
		}
		return workerpool.ProcessHostFactory(exe, []string{workerCommandName}, logger), nil
	default:
		return nil, fmt.Errorf("unknown pool transport %q", transport)
	}
}

func (a *app) Close() {
	a.Pool.Close()
}
