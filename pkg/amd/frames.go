package amd

import (
	"math"
	"math/cmplx"
	"strings"

	"github.com/mjibson/go-dsp/fft"

	"github.com/harunnryd/callbot/pkg/vad"
	"github.com/harunnryd/callbot/pkg/wav"
)

// Thresholds tune the frame-level decision.
type Thresholds struct {
	MachineSpeechSeconds float64 `mapstructure:"machine_speech_seconds"`
	HumanSpeechSeconds   float64 `mapstructure:"human_speech_seconds"`
	BeepLowHz            float64 `mapstructure:"beep_low_hz"`
	BeepHighHz           float64 `mapstructure:"beep_high_hz"`
	BeepRatio            float64 `mapstructure:"beep_ratio"`
	BeepMinFrames        int     `mapstructure:"beep_min_frames"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MachineSpeechSeconds: 2.8,
		HumanSpeechSeconds:   1.2,
		BeepLowHz:            800,
		BeepHighHz:           2000,
		BeepRatio:            3.0,
		BeepMinFrames:        3,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MachineSpeechSeconds <= 0 {
		t.MachineSpeechSeconds = d.MachineSpeechSeconds
	}
	if t.HumanSpeechSeconds <= 0 {
		t.HumanSpeechSeconds = d.HumanSpeechSeconds
	}
	if t.BeepLowHz <= 0 {
		t.BeepLowHz = d.BeepLowHz
	}
	if t.BeepHighHz <= t.BeepLowHz {
		t.BeepHighHz = d.BeepHighHz
	}
	if t.BeepRatio <= 0 {
		t.BeepRatio = d.BeepRatio
	}
	if t.BeepMinFrames <= 0 {
		t.BeepMinFrames = d.BeepMinFrames
	}
	return t
}

// FrameStats summarizes a frame-level pass.
type FrameStats struct {
	SpeechFrames  int
	SilenceFrames int
	Segments      []float64
	Longest       float64
	BeepFrames    int
	Beep          bool
	Keywords      []string
}

// AnalyzeFrames runs the VAD and beep detector over pcm and applies the
// frame-level decision rules. transcript may be empty.
func AnalyzeFrames(det *vad.Detector, pcm []byte, transcript string, th Thresholds) (Decision, FrameStats) {
	th = th.withDefaults()
	stats := scanFrames(det, pcm, th)
	stats.Keywords = matchPhrases(strings.ToLower(strings.TrimSpace(transcript)), vmKeywords)

	frameSec := det.FrameDuration().Seconds()
	speech := float64(stats.SpeechFrames) * frameSec
	ev := Evidence{
		Transcript:     transcript,
		Phrases:        stats.Keywords,
		Beep:           stats.Beep,
		BeepFrames:     stats.BeepFrames,
		SpeechSeconds:  speech,
		SilenceSeconds: float64(stats.SilenceFrames) * frameSec,
		LongestSeconds: stats.Longest,
		Segments:       len(stats.Segments),
	}
	d := Decision{Method: MethodFrames, Evidence: ev}

	switch {
	case stats.Beep:
		d.Result, d.Confidence = Machine, 0.95
	case len(stats.Keywords) > 0:
		d.Result, d.Confidence = Machine, math.Min(0.85+0.05*float64(len(stats.Keywords)), 0.95)
	case stats.Longest > th.MachineSpeechSeconds:
		d.Result = Machine
		d.Confidence = 0.8 + math.Min((stats.Longest-th.MachineSpeechSeconds)*0.1, 0.15)
	case stats.Longest < th.HumanSpeechSeconds && speech > 0.5:
		d.Result = Human
		d.Confidence = 0.75 + math.Min((th.HumanSpeechSeconds-stats.Longest)*0.1, 0.2)
	case shortSegments(stats.Segments, 1.0) >= 2:
		d.Result, d.Confidence = Human, 0.7
	case speech < 0.3:
		d.Result, d.Confidence = NotSure, 0.3
	default:
		d.Result, d.Confidence = NotSure, 0.5
	}
	return d, stats
}

func scanFrames(det *vad.Detector, pcm []byte, th Thresholds) FrameStats {
	var stats FrameStats
	frameSec := det.FrameDuration().Seconds()
	run := 0
	closeRun := func() {
		if run == 0 {
			return
		}
		seg := float64(run) * frameSec
		stats.Segments = append(stats.Segments, seg)
		if seg > stats.Longest {
			stats.Longest = seg
		}
		run = 0
	}
	for _, frame := range det.Split(pcm) {
		if det.IsSpeech(frame) {
			stats.SpeechFrames++
			run++
		} else {
			stats.SilenceFrames++
			closeRun()
		}
		if IsBeepFrame(frame, det.SampleRate(), th) {
			stats.BeepFrames++
		}
	}
	closeRun()
	stats.Beep = stats.BeepFrames >= th.BeepMinFrames
	return stats
}

// IsBeepFrame compares mean spectral magnitude inside the beep band with
// the band below it.
func IsBeepFrame(frame []byte, sampleRate int, th Thresholds) bool {
	samples := wav.Samples(frame)
	n := len(samples)
	if n < 2 || sampleRate <= 0 {
		return false
	}
	x := make([]float64, n)
	for i, s := range samples {
		x[i] = float64(s) / 32768.0
	}
	spectrum := fft.FFTReal(x)

	var beepSum, lowSum float64
	var beepN, lowN int
	for k := 0; k <= n/2; k++ {
		freq := float64(k) * float64(sampleRate) / float64(n)
		mag := cmplx.Abs(spectrum[k])
		switch {
		case freq >= th.BeepLowHz && freq <= th.BeepHighHz:
			beepSum += mag
			beepN++
		case freq < th.BeepLowHz:
			lowSum += mag
			lowN++
		}
	}
	if beepN == 0 || lowN == 0 {
		return false
	}
	beep := beepSum / float64(beepN)
	low := lowSum / float64(lowN)
	if low <= 1e-9 {
		return beep > 1e-3
	}
	return beep/low > th.BeepRatio
}

func shortSegments(segs []float64, limit float64) int {
	n := 0
	for _, s := range segs {
		if s < limit {
			n++
		}
	}
	return n
}
