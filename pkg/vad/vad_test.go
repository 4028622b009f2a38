package vad

import (
	"math"
	"testing"
	"time"

	"github.com/harunnryd/callbot/pkg/wav"
)

func tone(n int, amp float64) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(amp * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return wav.PCM(s)
}

func TestDetectorGate(t *testing.T) {
	d := New(Config{Mode: 2})
	if d.FrameBytes() != 640 {
		t.Fatalf("expected 640 byte frames, got %d", d.FrameBytes())
	}
	if d.IsSpeech(make([]byte, 640)) {
		t.Fatalf("silence classified as speech")
	}
	if !d.IsSpeech(tone(320, 8000)) {
		t.Fatalf("loud tone classified as silence")
	}
	if got := len(d.Split(make([]byte, 640*3+10))); got != 3 {
		t.Fatalf("expected 3 frames, got %d", got)
	}
}

func TestRunTrackerEdges(t *testing.T) {
	r := NewRunTracker(20*time.Millisecond, 100*time.Millisecond)
	if r.Observe(true) != SpeechStart {
		t.Fatalf("expected speech start on first speech frame")
	}
	if r.Observe(true) != None {
		t.Fatalf("no edge while speaking")
	}
	for i := 0; i < 4; i++ {
		if tr := r.Observe(false); tr != None {
			t.Fatalf("early edge %v at silence frame %d", tr, i)
		}
	}
	if r.Observe(false) != SpeechEnd {
		t.Fatalf("expected speech end after 100ms of silence")
	}
	if r.InSpeech() {
		t.Fatalf("still in speech after end")
	}
	if r.SpeechDuration() != 40*time.Millisecond || r.SilenceDuration() != 100*time.Millisecond {
		t.Fatalf("unexpected totals %v %v", r.SpeechDuration(), r.SilenceDuration())
	}
}
