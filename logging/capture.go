package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log line.
type Entry struct {
	Level     string         `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Channel is an ordered in-memory log buffer that can be switched on and off.
// Appends, clears and exports are serialized so an export never sees a torn buffer.
type Channel struct {
	mutex   sync.Mutex
	enabled bool
	level   slog.Level
	entries []Entry
	now     func() time.Time
}

func NewChannel() *Channel {
	return &Channel{
		level: slog.LevelInfo,
		now:   time.Now,
	}
}

func (c *Channel) SetEnabled(enabled bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.enabled = enabled
}

func (c *Channel) Enabled() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.enabled
}

// SetLevel sets the minimum level that is captured.
func (c *Channel) SetLevel(level slog.Level) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.level = level
}

func (c *Channel) Level() slog.Level {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.level
}

func (c *Channel) accepts(level slog.Level) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.enabled && level >= c.level
}

func (c *Channel) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = nil
}

// Append captures a message. It is dropped when capture is off or the level is too low.
func (c *Channel) Append(level slog.Level, message string) {
	c.appendEntry(level, c.now(), message, nil)
}

func (c *Channel) appendEntry(level slog.Level, ts time.Time, message string, attrs map[string]any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.enabled || level < c.level {
		return
	}
	if ts.IsZero() {
		ts = c.now()
	}
	c.entries = append(c.entries, Entry{
		Level:     LevelName(level),
		Timestamp: ts,
		Message:   message,
		Attrs:     attrs,
	})
}

// Export returns a snapshot of the buffer in capture order. The buffer is left intact.
func (c *Channel) Export() []Entry {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Channel) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// CaptureHandler tees slog records into a Channel before passing them on.
type CaptureHandler struct {
	next    slog.Handler
	channel *Channel
	attrs   []slog.Attr
	group   string
}

func NewCaptureHandler(next slog.Handler, channel *Channel) *CaptureHandler {
	return &CaptureHandler{next: next, channel: channel}
}

func (h *CaptureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || h.channel.accepts(level)
}

func (h *CaptureHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.channel.accepts(record.Level) {
		attrs := make(map[string]any, len(h.attrs)+record.NumAttrs())
		for _, a := range h.attrs {
			attrs[a.Key] = a.Value.Resolve().Any()
		}
		record.Attrs(func(a slog.Attr) bool {
			attrs[h.qualify(a.Key)] = a.Value.Resolve().Any()
			return true
		})
		if len(attrs) == 0 {
			attrs = nil
		}
		h.channel.appendEntry(record.Level, record.Time, record.Message, attrs)
	}

	if h.next.Enabled(ctx, record.Level) {
		return h.next.Handle(ctx, record)
	}
	return nil
}

func (h *CaptureHandler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	qualified := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	qualified = append(qualified, h.attrs...)
	for _, a := range attrs {
		qualified = append(qualified, slog.Attr{Key: h.qualify(a.Key), Value: a.Value})
	}
	return &CaptureHandler{
		next:    h.next.WithAttrs(attrs),
		channel: h.channel,
		attrs:   qualified,
		group:   h.group,
	}
}

func (h *CaptureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &CaptureHandler{
		next:    h.next.WithGroup(name),
		channel: h.channel,
		attrs:   h.attrs,
		group:   h.qualify(name),
	}
}
