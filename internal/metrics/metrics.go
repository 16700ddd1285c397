// Package metrics is a fire-and-forget event sink. Callers record what
// happened and move on; a sink that blocks or errors would turn telemetry
// into a dependency.
package metrics

import (
	"context"
	"log/slog"
)

// Sink receives operational events. Implementations must not block.
type Sink interface {
	Record(event string, attrs ...slog.Attr)
}

// Slog emits events at debug level through a logger.
type Slog struct {
	Logger *slog.Logger
}

func (s Slog) Record(event string, attrs ...slog.Attr) {
	if s.Logger == nil {
		return
	}
	s.Logger.LogAttrs(context.Background(), slog.LevelDebug, event, attrs...)
}

// Noop drops every event.
type Noop struct{}

func (Noop) Record(string, ...slog.Attr) {}
