// Package monitorlog implements the monitor/log service: a
// fixed-size ring buffer of human-readable log lines shown in the admin
// UI, fed by a slog.Handler layered on top of the process logger
// (internal/logger) rather than owning logging itself.
package monitorlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Line is one ring-buffer entry, kept structured enough for the admin UI
// to color by level without re-parsing the formatted text.
type Line struct {
	Time  time.Time
	Level slog.Level
	Text  string
}

// Buffer is a fixed-capacity, overwrite-oldest ring buffer of Lines,
// coroutine-safe since log handlers may be invoked from any goroutine.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Line
	capacity int
	next     int
	size     int
}

// NewBuffer constructs a ring buffer holding at most capacity lines.
// Non-positive capacity defaults to 500.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &Buffer{entries: make([]Line, capacity), capacity: capacity}
}

func (b *Buffer) push(l Line) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = l
	b.next = (b.next + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Snapshot returns the buffered lines in chronological order.
func (b *Buffer) Snapshot() []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Line, 0, b.size)
	start := (b.next - b.size + b.capacity) % b.capacity
	for i := 0; i < b.size; i++ {
		out = append(out, b.entries[(start+i)%b.capacity])
	}
	return out
}

// Handler is an slog.Handler that formats each record into a human-readable
// line and appends it to a Buffer, then delegates to an underlying handler
// for the process's real log sink. It never suppresses a record: Enabled
// always defers to the underlying handler.
type Handler struct {
	underlying slog.Handler
	buf        *Buffer
	attrs      []slog.Attr
	groups     []string
}

// NewHandler wraps underlying with a tee into buf.
func NewHandler(underlying slog.Handler, buf *Buffer) *Handler {
	return &Handler{underlying: underlying, buf: buf}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.underlying.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var b []byte
	b = fmt.Appendf(b, "%s [%s] %s", r.Time.Format(time.RFC3339), r.Level, r.Message)
	for _, a := range h.attrs {
		b = fmt.Appendf(b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		b = fmt.Appendf(b, " %s=%v", a.Key, a.Value)
		return true
	})
	h.buf.push(Line{Time: r.Time, Level: r.Level, Text: string(b)})
	return h.underlying.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{underlying: h.underlying.WithAttrs(attrs), buf: h.buf, attrs: merged, groups: h.groups}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &Handler{underlying: h.underlying.WithGroup(name), buf: h.buf, attrs: h.attrs, groups: groups}
}
