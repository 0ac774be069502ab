// Package logging configures the process-wide zerolog logger used by
// every other package in this module.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options controls how the root logger is constructed.
type Options struct {
	Level   string // debug, info, warn, error
	Console bool   // human-readable console writer instead of JSON
	Service string
}

// New builds a zerolog.Logger per Options, tagging every event with
// the service name.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if opts.Console {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	if opts.Service != "" {
		logger = logger.With().Str("service", opts.Service).Logger()
	}
	return logger
}

// Nop returns a logger that discards everything, for tests and
// packages that weren't given an explicit logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
