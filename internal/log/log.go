// Package log initializes the process-wide slog logger from configuration:
// console and/or rotating file output, fanned out with io.MultiWriter the
// way the teacher's log package composed its appenders, with
// gopkg.in/natefinch/lumberjack.v2 doing the file rotation.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOutput configures rotating file logging.
type FileOutput struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the recognized `log:` configuration section.
type Config struct {
	Level   string      `mapstructure:"level"`
	Format  string      `mapstructure:"format"` // "text" or "json"
	Console bool        `mapstructure:"console"`
	File    *FileOutput `mapstructure:"file"`
}

// Init builds a slog.Logger from cfg and installs it as the default logger.
func Init(cfg Config) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var writers []io.Writer
	if cfg.Console || cfg.File == nil {
		writers = append(writers, os.Stdout)
	}
	if cfg.File != nil {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File.Filename,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log: unrecognized level %q", s)
	}
}
