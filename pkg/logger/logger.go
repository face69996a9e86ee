package logger

import (
	"io"
	"log/slog"
	"os"
)

// Setup configures the process-wide logger for the given environment and
// installs it as the slog default. Production gets JSON at Info for log
// aggregators; everything else gets human-readable text at Debug.
func Setup(env string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler.WithAttrs([]slog.Attr{
		slog.String("service", "gatewarden"),
	}))
	slog.SetDefault(log)

	return log
}

// Discard returns a logger that drops everything. Tests pass it to
// constructors that require a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
