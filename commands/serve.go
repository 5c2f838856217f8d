package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/j0hanz/fetch-url-mcp-sub001/mcpserver"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the fetch_url tool over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	application, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	srv, err := mcpserver.New(mcpserver.Options{
		Fetcher: application.Fetcher,
		Pool:    application.Pool,
		Cache:   application.Cache,
		Metrics: application.Metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		startMetricsListener(ctx, cfg.Metrics.Addr, application, logger)
	}

	logger.Info("starting MCP server", "transport", cfg.Pool.Transport)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("MCP server stopped")
	return nil
}

// startMetricsListener serves /metrics on its own listener. Failures are
// logged rather than fatal; the tool surface stays up without metrics.
func startMetricsListener(ctx context.Context, addr string, application *app, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", application.Metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics listener starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
