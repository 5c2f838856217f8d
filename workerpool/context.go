package workerpool

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// WithLogger attaches a request-scoped logger to ctx. The pool captures it
// at submission time and restores it around settlement, so logs emitted
// from worker message handlers still correlate to the originating request.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// loggerFrom returns the request-scoped logger, or the default logger when
// none was attached.
func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
