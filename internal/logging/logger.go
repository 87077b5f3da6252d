package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/edvin/stackback/internal/config"
)

// NewRunLogger creates a structured zerolog.Logger for one invocation. Every
// run gets a fresh log file named {mode}_{timestamp}.log under the configured
// log directory, in addition to console output on stderr. The caller must
// close the returned io.Closer when the run ends.
func NewRunLogger(cfg *config.Config, mode, timestamp string) (zerolog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.LogDir, 0750); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("create log directory %s: %w", cfg.LogDir, err)
	}

	path := filepath.Join(cfg.LogDir, fmt.Sprintf("%s_%s.log", mode, timestamp))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	logger := zerolog.New(zerolog.MultiLevelWriter(console, f)).
		With().
		Timestamp().
		Str("mode", mode).
		Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level), f, nil
}
