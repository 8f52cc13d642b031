package observability

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide JSON logger. dev environments get
// debug level plus source locations; everything else logs info and up.

func NewLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	if env == "dev" {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
