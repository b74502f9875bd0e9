package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for the process-wide logger.
type Config struct {
	Level   string    // "debug", "info", ... (default "info", env CAMFLEET_LOG_LEVEL)
	Output  io.Writer // defaults to os.Stderr
	Service string    // service name attached to every entry
	Pretty  bool      // console writer for interactive use
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger exactly once. Later calls are
// no-ops; use SetLevel for runtime changes.
func Configure(cfg Config) {
	once.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339
		zerolog.SetGlobalLevel(parseLevel(cfg.Level))

		writer := cfg.Output
		if writer == nil {
			writer = os.Stderr
		}
		if cfg.Pretty {
			writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
		}

		service := cfg.Service
		if service == "" {
			service = "camfleet"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

// SetLevel adjusts the global level at runtime (config hot reload).
func SetLevel(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

func parseLevel(level string) zerolog.Level {
	if level == "" {
		level = os.Getenv("CAMFLEET_LOG_LEVEL")
	}
	if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && level != "" {
		return parsed
	}
	return zerolog.InfoLevel
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}
