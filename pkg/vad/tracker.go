package vad

import "time"

type Transition int

const (
	None Transition = iota
	SpeechStart
	SpeechEnd
)

func (t Transition) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// RunTracker accumulates speech and silence per frame and reports edges.
// Speech starts on the first speech frame; it ends once silence has lasted
// endSilence.
type RunTracker struct {
	frame      time.Duration
	endSilence time.Duration

	inSpeech bool
	speech   time.Duration
	silence  time.Duration
	run      time.Duration
	frames   int
}

func NewRunTracker(frame, endSilence time.Duration) *RunTracker {
	return &RunTracker{frame: frame, endSilence: endSilence}
}

func (r *RunTracker) Observe(speech bool) Transition {
	r.frames++
	if speech {
		r.speech += r.frame
		r.run = 0
		if !r.inSpeech {
			r.inSpeech = true
			return SpeechStart
		}
		return None
	}
	r.silence += r.frame
	if !r.inSpeech {
		return None
	}
	r.run += r.frame
	if r.run >= r.endSilence {
		r.inSpeech = false
		r.run = 0
		return SpeechEnd
	}
	return None
}

func (r *RunTracker) InSpeech() bool { return r.inSpeech }
func (r *RunTracker) SpeechDuration() time.Duration { return r.speech }
func (r *RunTracker) SilenceDuration() time.Duration { return r.silence }
func (r *RunTracker) Frames() int { return r.frames }
