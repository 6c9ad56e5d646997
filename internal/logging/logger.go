package logging

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"migranthub/internal/config"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrNoFilePath is returned when file output is requested without a path.
var ErrNoFilePath = errors.New("logging: file output requires file_path")

// New builds the process logger. Output is stdout, stderr, file or both
// (stdout plus file); file output rotates through lumberjack and the returned
// closer must be closed on exit. Closer is nil when nothing needs closing.
func New(cfg config.LoggingConfig, app config.AppConfig) (*zerolog.Logger, io.Closer, error) {
	console := normalize(cfg.Format) == "console"

	var (
		sinks  []io.Writer
		closer io.Closer
	)
	switch out := normalize(cfg.Output); out {
	case "stderr":
		sinks = append(sinks, terminal(os.Stderr, console))
	case "file", "both":
		rotator, err := rotatingFile(cfg)
		if err != nil {
			return nil, nil, err
		}
		closer = rotator
		sinks = append(sinks, rotator)
		if out == "both" {
			sinks = append(sinks, terminal(os.Stdout, console))
		}
	default:
		sinks = append(sinks, terminal(os.Stdout, console))
	}

	w := sinks[0]
	if len(sinks) > 1 {
		w = zerolog.MultiLevelWriter(sinks...)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(w).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("app", app.Name).
		Str("env", app.Environment).
		Str("version", app.Version).
		Logger()
	return &logger, closer, nil
}

// rotatingFile always writes JSON so files stay machine readable.
func rotatingFile(cfg config.LoggingConfig) (*lumberjack.Logger, error) {
	if strings.TrimSpace(cfg.FilePath) == "" {
		return nil, ErrNoFilePath
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}, nil
}

func terminal(w io.Writer, console bool) io.Writer {
	if !console {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
}

// parseLevel falls back to info for empty or unknown levels.
func parseLevel(raw string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(normalize(raw))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
