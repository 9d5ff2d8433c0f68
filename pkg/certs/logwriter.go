package certs

import (
	"bufio"
	"context"
	"log/slog"
	"strings"
)

// logWriter is an io.Writer adapter that routes openssl output through structured logging
type logWriter struct {
	logger *slog.Logger
	source string
}

func newLogWriter(logger *slog.Logger, source string) *logWriter {
	return &logWriter{
		logger: logger,
		source: source,
	}
}

// Write logs each non-empty line. Lines that look like failures are logged
// at warning level, everything else at debug.
func (lw *logWriter) Write(p []byte) (n int, err error) {
	scanner := bufio.NewScanner(strings.NewReader(string(p)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		level := slog.LevelDebug
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "unable to") || strings.Contains(lower, "failed") {
			level = slog.LevelWarn
		}
		lw.logger.Log(context.Background(), level, line, "source", lw.source)
	}
	return len(p), nil
}
