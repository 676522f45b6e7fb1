package diag

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

const (
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiReset  = "\033[0m"
)

// consoleSink mirrors the primary channel to a human-facing writer with
// level-keyed ANSI colors. Color is suppressed when the writer is not a
// terminal.
type consoleSink struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
}

func newConsoleSink(out io.Writer) *consoleSink {
	color := false
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &consoleSink{out: out, color: color}
}

func (c *consoleSink) write(ts string, level slog.Level, msg string) {
	name := level.String()
	if c.color {
		name = levelColor(level) + name + ansiReset
	}
	c.mu.Lock()
	_, _ = fmt.Fprintf(c.out, "%s | %s | %s\n", ts, name, msg)
	c.mu.Unlock()
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level >= slog.LevelInfo:
		return ansiGreen
	default:
		return ansiCyan
	}
}
