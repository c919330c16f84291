// Package logging builds the structured logger shared by the engine, server and CLI.
package logging

import (
	"fmt"
	"io"
	"time"

	charmLog "github.com/charmbracelet/log"

	"leadflow/internal/config"
)

// New returns a leveled key/value logger writing to w.
func New(w io.Writer, cfg config.LoggingConfig) (*charmLog.Logger, error) {
	if w == nil {
		w = io.Discard
	}
	levelName := cfg.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := charmLog.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("parse logging level %q: %w", cfg.Level, err)
	}
	formatter := charmLog.TextFormatter
	switch cfg.Format {
	case "logfmt":
		formatter = charmLog.LogfmtFormatter
	case "json":
		formatter = charmLog.JSONFormatter
	}
	return charmLog.NewWithOptions(w, charmLog.Options{
		Level:           level,
		Prefix:          "leadflow",
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

// Discard returns a logger that drops everything, for tests and library callers.
func Discard() *charmLog.Logger {
	return charmLog.NewWithOptions(io.Discard, charmLog.Options{Level: charmLog.FatalLevel})
}
