// Package logging builds the process logger: colored tint output for
// development, JSON for production.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/chaz8081/gghub/internal/config"
)

// New returns a logger for cfg writing to stderr.
func New(cfg *config.Config, version string) *slog.Logger {
	return NewWithWriter(os.Stderr, cfg.Env, config.ParseLogLevel(cfg.LogLevel), version)
}

// NewWithWriter returns a logger writing to w. env "prod" selects JSON;
// anything else selects tint.
func NewWithWriter(w io.Writer, env string, level slog.Level, version string) *slog.Logger {
	if env != "prod" {
		h := tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(h).With(
		"app", "gghub",
		"version", version,
		"env", env,
	)
}
