// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ffbatch/config"
)

// FileName is the log file written for day t.
func FileName(t time.Time) string {
	return "ffbatch-" + t.Format("2006-01-02") + ".log"
}

// Setup sets the global level from LOG_LEVEL and sends log output to a
// console writer on stderr and to a daily file in LOG_DIR. The returned
// closer closes the file.
func Setup(cfg *config.Config) (io.Closer, error) {
	return setup(cfg, os.Stderr, time.Now())
}

func setup(cfg *config.Config, console io.Writer, now time.Time) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(cfg.LogDir, FileName(now)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	cw := zerolog.ConsoleWriter{Out: console, TimeFormat: time.DateTime}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(cw, f)).With().Timestamp().Logger()
	return f, nil
}
