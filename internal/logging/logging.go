// Package logging wires structured logging through the scheduler without
// any component reaching for a global. Every component is constructed
// with a *slog.Logger (Default fills in a discard logger otherwise) and
// scopes it once, at construction, with .With("component", "..."). Only
// cmd/contimg-scheduler owns output format/level/destination.
//
// Log points are state transitions, acquisitions, retries, and recoveries
// — never a tight loop like a timing-regex scan or a subband sort.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. Standard
// pattern for optional logger parameters:
//
//	func New(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger).With("component", "worker")
//	    return &Component{logger: logger}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler wraps an slog.Handler and filters records by a
// per-component minimum level, so an operator can raise verbosity on, say,
// "worker" without touching "watcher" or "monitor". A record without a
// "component" attribute falls back to defaultLevel. Handle() reads the
// level map via a lock-free atomic snapshot; SetLevel/ClearLevel replace
// it with a copy-on-write update.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	preAttrs []slog.Attr

	levelSnapshot *atomic.Pointer[map[string]slog.Level]
}

// NewComponentFilterHandler wraps next, filtering by a per-component minimum level.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	snapshot := &atomic.Pointer[map[string]slog.Level]{}
	empty := make(map[string]slog.Level)
	snapshot.Store(&empty)

	return &ComponentFilterHandler{
		next:          next,
		defaultLevel:  defaultLevel,
		levelSnapshot: snapshot,
	}
}

// Enabled always returns true; actual filtering happens in Handle() where
// the "component" attribute is visible.
func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	levels := *h.levelSnapshot.Load()

	component := h.findComponent(r)

	minLevel := h.defaultLevel
	if component != "" {
		if level, ok := levels[component]; ok {
			minLevel = level
		}
	}

	if r.Level < minLevel {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) findComponent(r slog.Record) string {
	for _, attr := range h.preAttrs {
		if attr.Key == "component" {
			if s, ok := attr.Value.Resolve().Any().(string); ok {
				return s
			}
		}
	}

	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				component = s
				return false
			}
		}
		return true
	})
	return component
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	newPreAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newPreAttrs, h.preAttrs)
	newPreAttrs = append(newPreAttrs, attrs...)

	return &ComponentFilterHandler{
		next:          h.next.WithAttrs(attrs),
		defaultLevel:  h.defaultLevel,
		preAttrs:      newPreAttrs,
		levelSnapshot: h.levelSnapshot,
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{
		next:          h.next.WithGroup(name),
		defaultLevel:  h.defaultLevel,
		preAttrs:      h.preAttrs,
		levelSnapshot: h.levelSnapshot,
	}
}

// SetLevel sets the minimum log level for a specific component at runtime.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	oldLevels := *h.levelSnapshot.Load()
	newLevels := make(map[string]slog.Level, len(oldLevels)+1)
	maps.Copy(newLevels, oldLevels)
	newLevels[component] = level
	h.levelSnapshot.Store(&newLevels)
}

// ClearLevel reverts a component to the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	oldLevels := *h.levelSnapshot.Load()
	if _, ok := oldLevels[component]; !ok {
		return
	}
	newLevels := make(map[string]slog.Level, len(oldLevels))
	for k, v := range oldLevels {
		if k != component {
			newLevels[k] = v
		}
	}
	h.levelSnapshot.Store(&newLevels)
}

// Level returns the current minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	levels := *h.levelSnapshot.Load()
	if level, ok := levels[component]; ok {
		return level
	}
	return h.defaultLevel
}

// DefaultLevel returns the minimum level used for components without an
// explicit override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}
