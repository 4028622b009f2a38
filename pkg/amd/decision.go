// Package amd decides whether a human or an answering machine picked up.
package amd

import "strings"

type Result string

const (
	Human    Result = "HUMAN"
	Machine  Result = "MACHINE"
	NotSure  Result = "NOTSURE"
	NoAnswer Result = "NO_ANSWER"
)

// Decision methods.
const (
	MethodNative        = "native"
	MethodNativeUnknown = "native_unknown"
	MethodTranscript    = "transcript"
	MethodFrames        = "frames"
	MethodCapture       = "capture"
	MethodHybrid        = "hybrid"
	MethodFallback      = "fallback"
)

// Evidence holds whatever signals contributed to a decision.
type Evidence struct {
	NativeHint     string   `json:"native_hint,omitempty"`
	Transcript     string   `json:"transcript,omitempty"`
	Words          int      `json:"words,omitempty"`
	Phrases        []string `json:"phrases,omitempty"`
	Beep           bool     `json:"beep,omitempty"`
	BeepFrames     int      `json:"beep_frames,omitempty"`
	SpeechSeconds  float64  `json:"speech_seconds,omitempty"`
	SilenceSeconds float64  `json:"silence_seconds,omitempty"`
	LongestSeconds float64  `json:"longest_seconds,omitempty"`
	Segments       int      `json:"segments,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type Decision struct {
	Result     Result   `json:"result"`
	Confidence float64  `json:"confidence"`
	Method     string   `json:"method"`
	Evidence   Evidence `json:"evidence"`
}

// IsMachine is true for answering machines only.
func (d Decision) IsMachine() bool { return d.Result == Machine }

// FromNativeHint maps the PBX detector status onto a decision.
func FromNativeHint(hint string) Decision {
	ev := Evidence{NativeHint: hint}
	switch strings.ToUpper(strings.TrimSpace(hint)) {
	case "HUMAN":
		return Decision{Result: Human, Confidence: 0.8, Method: MethodNative, Evidence: ev}
	case "MACHINE":
		return Decision{Result: Machine, Confidence: 0.9, Method: MethodNative, Evidence: ev}
	case "NOTSURE":
		return Decision{Result: NotSure, Confidence: 0.5, Method: MethodNative, Evidence: ev}
	default:
		return Decision{Result: NotSure, Confidence: 0, Method: MethodNativeUnknown, Evidence: ev}
	}
}
