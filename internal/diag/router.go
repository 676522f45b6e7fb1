// Package diag implements the session diagnostics core: a multi-channel
// log router, per-session metrics accounting, scoped operation timing,
// and session lifecycle bookkeeping.
package diag

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Channel names one independent log stream. Messages emitted to one
// channel never appear in another.
type Channel string

const (
	// ChannelSession is the primary channel. It is the only channel
	// mirrored to the interactive console sink.
	ChannelSession     Channel = "session"
	ChannelPipeline    Channel = "pipeline"
	ChannelPerformance Channel = "performance"
	ChannelAPI         Channel = "api"
	ChannelTransport   Channel = "transport"
)

// Channels lists every channel in sink-file order.
var Channels = []Channel{
	ChannelSession,
	ChannelPipeline,
	ChannelPerformance,
	ChannelAPI,
	ChannelTransport,
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type channelSink struct {
	// mu serializes writes so lines within one channel keep call order.
	mu   sync.Mutex
	file *os.File
	min  slog.Level
}

// Router delivers leveled messages to independent per-channel append-only
// log files under a single directory. The session channel additionally
// mirrors to a console sink. Emit never returns an error: a payload that
// cannot be serialized degrades to a plain string form instead.
type Router struct {
	dir     string
	sinks   map[Channel]*channelSink
	console *consoleSink
	clock   func() time.Time
}

// NewRouter creates the log directory if needed and opens one append-mode
// sink file per channel. defaultLevel applies to every channel unless
// overridden by name in channelLevels.
func NewRouter(dir string, defaultLevel slog.Level, channelLevels map[string]string) (*Router, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	r := &Router{
		dir:     dir,
		sinks:   make(map[Channel]*channelSink, len(Channels)),
		console: newConsoleSink(os.Stdout),
		clock:   time.Now,
	}

	for _, ch := range Channels {
		min := defaultLevel
		if override, ok := channelLevels[string(ch)]; ok {
			min = ParseLevel(override)
		}
		path := filepath.Join(dir, string(ch)+".log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open channel sink %s: %w", ch, err)
		}
		r.sinks[ch] = &channelSink{file: file, min: min}
	}
	return r, nil
}

// Dir returns the log directory the router writes under.
func (r *Router) Dir() string {
	return r.dir
}

// Close closes every channel sink. Emit calls after Close are dropped.
func (r *Router) Close() error {
	var firstErr error
	for _, sink := range r.sinks {
		sink.mu.Lock()
		if sink.file != nil {
			if err := sink.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			sink.file = nil
		}
		sink.mu.Unlock()
	}
	return firstErr
}

// Emit writes a timestamped, leveled line to the channel's sink when level
// clears the channel minimum. A non-nil payload is serialized and written
// as a secondary debug-level line. Unknown channels fall back to the
// session channel rather than losing the message.
func (r *Router) Emit(ch Channel, level slog.Level, msg string, payload any) {
	sink, ok := r.sinks[ch]
	if !ok {
		ch = ChannelSession
		sink = r.sinks[ch]
		if sink == nil {
			return
		}
	}

	if level >= sink.min {
		r.writeLine(ch, sink, level, msg)
	}
	if payload != nil && slog.LevelDebug >= sink.min {
		r.writeLine(ch, sink, slog.LevelDebug, "payload: "+serializePayload(payload))
	}
}

func (r *Router) writeLine(ch Channel, sink *channelSink, level slog.Level, msg string) {
	ts := r.clock().Format("15:04:05.000")
	line := fmt.Sprintf("%s | %-8s | %-12s | %s\n", ts, level.String(), ch, msg)

	sink.mu.Lock()
	if sink.file != nil {
		// Write failures are swallowed: logging must never fail the caller.
		_, _ = sink.file.WriteString(line)
	}
	sink.mu.Unlock()

	if ch == ChannelSession && r.console != nil {
		r.console.write(ts, level, msg)
	}
}

// Debug emits at debug level.
func (r *Router) Debug(ch Channel, msg string, payload any) {
	r.Emit(ch, slog.LevelDebug, msg, payload)
}

// Info emits at info level.
func (r *Router) Info(ch Channel, msg string, payload any) {
	r.Emit(ch, slog.LevelInfo, msg, payload)
}

// Warn emits at warn level.
func (r *Router) Warn(ch Channel, msg string, payload any) {
	r.Emit(ch, slog.LevelWarn, msg, payload)
}

// Error emits at error level.
func (r *Router) Error(ch Channel, msg string, payload any) {
	r.Emit(ch, slog.LevelError, msg, payload)
}

// serializePayload renders a payload for the log, falling back to %+v when
// the value is not JSON-serializable.
func serializePayload(payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%+v", payload)
	}
	return string(data)
}
