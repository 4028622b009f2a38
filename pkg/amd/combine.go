package amd

// Combine merges the native hint decision with an acoustic one. A nil
// acoustic decision yields the native decision.
func Combine(native Decision, acoustic *Decision) Decision {
	if acoustic == nil {
		return native
	}
	a := *acoustic
	out := func(d Decision) Decision {
		d.Method = MethodHybrid
		d.Evidence = mergeEvidence(native.Evidence, a.Evidence)
		return d
	}
	switch {
	case a.Result == native.Result:
		if a.Confidence > native.Confidence {
			return out(a)
		}
		return out(native)
	case a.Confidence > 0.9:
		return out(a)
	case native.Confidence > 0.9:
		return out(native)
	case a.Result == Machine && native.Result == Human && a.Confidence > 0.7:
		return out(a)
	case native.Result == Machine && a.Result == Human && native.Confidence > 0.7:
		return out(native)
	case a.Confidence > native.Confidence:
		return out(a)
	default:
		return out(native)
	}
}

func mergeEvidence(native, acoustic Evidence) Evidence {
	acoustic.NativeHint = native.NativeHint
	return acoustic
}

// mergeFrames folds a frame-level pass into a transcript or capture
// decision. The frame verdict replaces the base one when it is more
// confident, except that a frame HUMAN never overrides a confident MACHINE.
func mergeFrames(base, frames Decision) Decision {
	out := base
	switch {
	case frames.Result == NotSure:
	case base.Result == Machine && frames.Result == Human && base.Confidence > 0.7:
	case frames.Confidence > base.Confidence:
		out.Result, out.Confidence = frames.Result, frames.Confidence
	}

	ev := frames.Evidence
	out.Evidence.Beep = out.Evidence.Beep || ev.Beep
	if ev.BeepFrames > out.Evidence.BeepFrames {
		out.Evidence.BeepFrames = ev.BeepFrames
	}
	out.Evidence.SpeechSeconds = ev.SpeechSeconds
	out.Evidence.SilenceSeconds = ev.SilenceSeconds
	out.Evidence.LongestSeconds = ev.LongestSeconds
	out.Evidence.Segments = ev.Segments
	if len(out.Evidence.Phrases) == 0 {
		out.Evidence.Phrases = ev.Phrases
	}
	if out.Evidence.Transcript == "" {
		out.Evidence.Transcript = ev.Transcript
	}
	return out
}
