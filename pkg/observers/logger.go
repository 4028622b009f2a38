package observers

import (
	"context"
	"log/slog"

	"github.com/harunnryd/callbot/pkg/metrics"
)

// LoggerObserver mirrors events into the service log. Lifecycle events
// (call boundaries, AMD and intent decisions) log at info, the rest at debug.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log.With("component", "call_events")}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := slog.LevelDebug
	if metrics.IsLifecycle(ev.Name) {
		level = slog.LevelInfo
	}
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := []slog.Attr{
		slog.String(metrics.TagCallID, ev.CallID()),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		if k != metrics.TagCallID {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	for k, v := range sanitizeFields(ev.Fields) {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(ctx, level, ev.Name, attrs...)
}

// MultiObserver fans an event out to every non-nil observer in order.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, obs := range list {
		if obs != nil {
			m.list = append(m.list, obs)
		}
	}
	return m
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		obs.RecordEvent(ev)
	}
}
