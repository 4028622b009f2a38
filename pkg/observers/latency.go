package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callbot/pkg/metrics"
)

// Targets are the per-turn latency budgets in milliseconds.
type Targets struct {
	BargeInMS int64
	ASRMS     int64
	IntentMS  int64
	TotalMS   int64
}

func DefaultTargets() Targets {
	return Targets{BargeInMS: 150, ASRMS: 400, IntentMS: 600, TotalMS: 1000}
}

// LatencySummary aggregates one call's turns.
type LatencySummary struct {
	Turns      int
	BargeIns   int
	Misses     int
	MaxTotalMS int64
}

type LatencyObserver struct {
	mu      sync.Mutex
	turns   map[string]*turnTrace
	summary map[string]*LatencySummary
	targets Targets
	log     *slog.Logger
}

type turnTrace struct {
	speechEnd time.Time
	asrMS     int64
	step      string
}

func NewLatencyObserver(log *slog.Logger, targets Targets) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	if targets == (Targets{}) {
		targets = DefaultTargets()
	}
	return &LatencyObserver{
		turns:   make(map[string]*turnTrace),
		summary: make(map[string]*LatencySummary),
		targets: targets,
		log:     log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags[metrics.TagCallID]
	}
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.turns[callID]
	if t == nil {
		t = &turnTrace{asrMS: -1}
		o.turns[callID] = t
	}
	sum := o.summary[callID]
	if sum == nil {
		sum = &LatencySummary{}
		o.summary[callID] = sum
	}
	switch ev.Name {
	case metrics.EventSpeechEnd:
		t.speechEnd = ev.Time
		t.step = ev.Tags[metrics.TagStep]
	case metrics.EventASRFinal:
		t.asrMS = int64(ev.Value)
	case metrics.EventBargeIn:
		sum.BargeIns++
		if int64(ev.Value) > o.targets.BargeInMS {
			sum.Misses++
			o.log.Warn("barge_in_slow", "call_id", callID, "ms", int64(ev.Value), "target_ms", o.targets.BargeInMS)
		}
	case metrics.EventIntentResolved:
		o.closeTurnLocked(callID, t, sum, int64(ev.Value), ev.Time)
		delete(o.turns, callID)
	case metrics.EventCallEnded:
		delete(o.turns, callID)
	}
}

func (o *LatencyObserver) closeTurnLocked(callID string, t *turnTrace, sum *LatencySummary, intentMS int64, at time.Time) {
	total := durationMs(t.speechEnd, at)
	ok := total <= o.targets.TotalMS &&
		t.asrMS <= o.targets.ASRMS &&
		intentMS <= o.targets.IntentMS
	sum.Turns++
	if !ok {
		sum.Misses++
	}
	if total > sum.MaxTotalMS {
		sum.MaxTotalMS = total
	}
	o.log.Info("latency",
		"call_id", callID,
		"step", t.step,
		"asr_ms", t.asrMS,
		"intent_ms", intentMS,
		"total_ms", total,
		"within_target", ok,
	)
}

// Summary returns the aggregate for callID and forgets it.
func (o *LatencyObserver) Summary(callID string) LatencySummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	sum := o.summary[callID]
	delete(o.summary, callID)
	if sum == nil {
		return LatencySummary{}
	}
	return *sum
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
