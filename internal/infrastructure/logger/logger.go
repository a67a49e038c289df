// Package logger builds the service-wide zerolog logger.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mindmitra/services/couples-api/internal/config"
)

// New creates the root logger. Development gets the console writer; any
// other environment logs JSON so collectors can parse fields.
func New(cfg *config.Config) zerolog.Logger {
	var out = os.Stdout
	var writer zerolog.LevelWriter

	if strings.EqualFold(cfg.Environment, "development") {
		writer = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		})
	} else {
		writer = zerolog.MultiLevelWriter(out)
	}

	return zerolog.New(writer).
		Level(parseLevel(cfg.LogLevel)).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()
}

func parseLevel(raw string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
