package metrics

import "time"

// Event names emitted by the call engine.
const (
	EventCallStarted    = "call_started"
	EventCallEnded      = "call_ended"
	EventCallLaunched   = "call_launched"
	EventAMDDecision    = "amd_decision"
	EventPlaybackDone   = "playback_done"
	EventRecordingDone  = "recording_done"
	EventSpeechStart    = "speech_start"
	EventSpeechEnd      = "speech_end"
	EventBargeIn        = "barge_in"
	EventASRPartial     = "asr_partial"
	EventASRFinal       = "asr_final"
	EventIntentResolved = "intent_resolved"
	EventStepDone       = "step_done"
)

const (
	TagCallID = "call_id"
	TagStep   = "step"
)

// lifecycle events are kept whole: never sampled, never dropped.
var lifecycle = map[string]bool{
	EventCallStarted:    true,
	EventCallEnded:      true,
	EventCallLaunched:   true,
	EventAMDDecision:    true,
	EventIntentResolved: true,
	EventStepDone:       true,
}

// IsLifecycle reports whether name marks a call boundary or a decision.
func IsLifecycle(name string) bool {
	return lifecycle[name]
}

// NewEvent builds an event tagged with the call id.
func NewEvent(name, callID string, value float64, fields map[string]any) MetricsEvent {
	return MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   map[string]string{TagCallID: callID},
		Fields: fields,
	}
}

// Record forwards ev to obs when obs is set.
func Record(obs Observer, ev MetricsEvent) {
	if obs == nil {
		return
	}
	obs.RecordEvent(ev)
}
