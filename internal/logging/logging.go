package logging

import (
	"io"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"github.com/op/go-logging"
)

var stdoutLogFormat = logging.MustStringFormatter(
	`%{color:reset}%{color}%{time:2006-01-02 15:04:05.000} [%{level}] [%{module}/%{shortfunc}] %{message}`,
)

var fileLogFormat = logging.MustStringFormatter(
	`%{time:2006-01-02 15:04:05.000} [%{level}] [%{module}/%{shortfunc}] %{message}`,
)

type Options struct {
	Level string
	// File enables a rotated log file when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Quiet suppresses the stdout backend. Ignored when no file is set.
	Quiet bool
}

// Setup installs the process wide go-logging backends. The returned closer
// flushes and closes the log file, if any.
func Setup(opts Options) io.Closer {
	var backends []logging.Backend
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		w := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    withDefault(opts.MaxSizeMB, 10),
			MaxBackups: withDefault(opts.MaxBackups, 3),
			MaxAge:     withDefault(opts.MaxAgeDays, 30),
		}
		backendFile := logging.NewLogBackend(w, "", 0)
		backends = append(backends, logging.NewBackendFormatter(backendFile, fileLogFormat))
		closer = w
	}
	if opts.File == "" || !opts.Quiet {
		backendStdout := logging.NewLogBackend(os.Stdout, "", 0)
		backends = append(backends, logging.NewBackendFormatter(backendStdout, stdoutLogFormat))
	}

	logging.SetBackend(backends...)
	logging.SetLevel(ParseLevel(opts.Level), "")
	return closer
}

// ParseLevel maps a level name onto a go-logging level, defaulting to INFO.
func ParseLevel(s string) logging.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logging.DEBUG
	case "notice":
		return logging.NOTICE
	case "warn", "warning":
		return logging.WARNING
	case "error":
		return logging.ERROR
	case "critical":
		return logging.CRITICAL
	default:
		return logging.INFO
	}
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
