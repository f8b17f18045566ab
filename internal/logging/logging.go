package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the root logger. Output is JSON on stderr; LOG_LEVEL
// selects the minimum level and defaults to info.
func NewLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
