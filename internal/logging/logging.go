// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects level, format and an optional log directory.
type Options struct {
	Level  string
	Format string
	// Dir receives one JSON log file per process start; only the newest MaxFiles
	// files are kept.
	Dir      string
	MaxFiles int
	// Out defaults to stderr.
	Out io.Writer
}

// New returns the root logger. The returned closer releases the log file, if any.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	switch strings.ToLower(opts.Format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	if opts.Dir != "" {
		f, err := openLogFile(opts.Dir, opts.MaxFiles)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), closer, nil
}

// ParseLevel accepts debug, info, warn and error; empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// openLogFile creates a timestamped log file in dir and removes the oldest files
// beyond maxFiles.
func openLogFile(dir string, maxFiles int) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf("modelworker-%s.log", time.Now().Format("2006-01-02T15-04-05.000")))
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	if maxFiles > 0 {
		if err := cleanupOldLogs(dir, maxFiles); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to cleanup old logs: %v\n", err)
		}
	}
	return f, nil
}

func cleanupOldLogs(dir string, maxFiles int) error {
	files, err := filepath.Glob(filepath.Join(dir, "modelworker-*.log"))
	if err != nil {
		return err
	}
	if len(files) <= maxFiles {
		return nil
	}
	// The timestamp format sorts chronologically.
	sort.Strings(files)
	for _, f := range files[:len(files)-maxFiles] {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("remove %s: %w", f, err)
		}
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
