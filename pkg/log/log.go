package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger components derive from. It discards
// everything until Init runs, so library use without setup stays silent.
var Logger = zerolog.New(io.Discard)

// Config holds logging configuration
type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Init builds the root logger. Unknown or empty level strings fall back
// to info.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithComponent derives a logger scoped to one engine component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTask derives a logger scoped to one task execution. Run, node and
// task id always travel together in this runtime, so they are stamped
// as one unit.
func WithTask(runID, nodeID int64, taskID string) zerolog.Logger {
	return Logger.With().
		Int64("run_id", runID).
		Int64("node_id", nodeID).
		Str("task_id", taskID).
		Logger()
}
