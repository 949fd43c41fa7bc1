// Package observability provides logging, metrics, tracing, and the
// structured event sink the router and breakers report through.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/claudette/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
// In quiet mode only warnings and errors are emitted, and output goes to
// stderr so the response body on stdout stays clean.
func SetupLogger(cfg config.Config, quiet, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch {
	case debug:
		opts.Level = slog.LevelDebug
	case quiet:
		opts.Level = slog.LevelWarn
	case cfg.IsDev():
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stderr, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
