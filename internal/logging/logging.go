// Package logging builds the gateway's leveled sink: slog text lines written
// to both stderr and an append-only log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config log level (case-insensitive) onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger at the given level writing to stderr and to file.
// The returned closer releases the file handle. If the file cannot be
// opened the logger still works, writing to stderr only.
func New(level, file string) (*slog.Logger, func() error, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	out := io.Writer(os.Stderr)
	closer := func() error { return nil }
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: cannot open log file %s: %v\n", file, err)
		} else {
			out = io.MultiWriter(os.Stderr, f)
			closer = f.Close
		}
	}

	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
	return slog.New(h), closer, nil
}
