package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

func Setup(level, format string) (*slog.Logger, error) {
	handler, err := newHandler(os.Stdout, level, format)
	if err != nil {
		return nil, err
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func newHandler(w io.Writer, level, format string) (slog.Handler, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}
	if err := levelVar.UnmarshalText([]byte(normalized)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: levelVar}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
