package metrics

import (
	"context"
	"io"
	"log/slog"
)

// JSONLObserver appends one JSON line per event. The call id sits at the
// top level; other tags and fields are grouped.
type JSONLObserver struct {
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.String(TagCallID, ev.CallID()),
		slog.Time("at", ev.Time),
		slog.Float64("value", ev.Value),
	}
	if len(ev.Tags) > 1 {
		tags := make([]any, 0, len(ev.Tags))
		for k, v := range ev.Tags {
			if k == TagCallID {
				continue
			}
			tags = append(tags, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("tags", tags...))
	}
	if len(ev.Fields) > 0 {
		fields := make([]any, 0, len(ev.Fields))
		for k, v := range ev.Fields {
			fields = append(fields, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("fields", fields...))
	}
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, "call_event", attrs...)
}
