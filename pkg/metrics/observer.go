package metrics

import "time"

// MetricsEvent is one timestamped observation about a call.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// CallID returns the call the event belongs to, or "".
func (ev MetricsEvent) CallID() string {
	return ev.Tags[TagCallID]
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(ev MetricsEvent)

func (f ObserverFunc) RecordEvent(ev MetricsEvent) { f(ev) }
