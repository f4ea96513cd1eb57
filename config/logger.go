package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the line-oriented logger of the CLI: slog text lines by default, JSON with LOG_FORMAT=json.
// Every line carries a timestamp.
func NewLogger(w io.Writer, cfg LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	options := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Format, ErrUnsupportedLogFormat)
	}
}
