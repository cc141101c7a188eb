package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level, format and destination of the process logger.
type Config struct {
	Level  string // trace, debug, info, warn, error; default info
	Format string // console or json; default console
	Output string // stdout or stderr; default stderr

	// Writer replaces Output when set.
	Writer io.Writer
}

// New builds a logger from cfg. Output defaults to stderr so that stdout
// stays free for the MCP stdio transport.
func New(cfg Config) (zerolog.Logger, error) {
	levelName := strings.ToLower(strings.TrimSpace(cfg.Level))
	if levelName == "" {
		levelName = "info"
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}

	output := cfg.Writer
	if output == nil {
		switch strings.ToLower(cfg.Output) {
		case "", "stderr":
			output = os.Stderr
		case "stdout":
			output = os.Stdout
		default:
			return zerolog.Nop(), fmt.Errorf("logging: invalid output %q", cfg.Output)
		}
	}

	switch strings.ToLower(cfg.Format) {
	case "", "console":
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.Writer != nil,
		}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("logging: invalid format %q", cfg.Format)
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}
