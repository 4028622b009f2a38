// Package vad classifies PCM16 frames as speech or silence and tracks the
// resulting speech/silence runs.
package vad

import (
	"math"
	"time"

	"github.com/harunnryd/callbot/pkg/wav"
)

// modeThresholds maps aggressiveness 0..3 to the RMS level a frame must exceed.
var modeThresholds = [4]float64{250, 400, 600, 900}

type Config struct {
	Mode       int     `mapstructure:"mode"`
	Threshold  float64 `mapstructure:"threshold"`
	SampleRate int     `mapstructure:"sample_rate"`
	FrameMS    int     `mapstructure:"frame_ms"`
}

func (c Config) withDefaults() Config {
	if c.Mode < 0 || c.Mode > 3 {
		c.Mode = 2
	}
	if c.Threshold <= 0 {
		c.Threshold = modeThresholds[c.Mode]
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameMS <= 0 {
		c.FrameMS = 20
	}
	return c
}

// Detector is an energy gate over fixed-size frames.
type Detector struct {
	cfg Config
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// FrameBytes is the PCM16 size of one frame.
func (d *Detector) FrameBytes() int {
	return d.cfg.SampleRate * d.cfg.FrameMS / 1000 * 2
}

func (d *Detector) FrameDuration() time.Duration {
	return time.Duration(d.cfg.FrameMS) * time.Millisecond
}

func (d *Detector) SampleRate() int { return d.cfg.SampleRate }

// IsSpeech reports whether the frame energy is above the gate.
func (d *Detector) IsSpeech(frame []byte) bool {
	return RMS(wav.Samples(frame)) >= d.cfg.Threshold
}

// RMS is the root mean square of the samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Split cuts pcm into whole frames, dropping any remainder.
func (d *Detector) Split(pcm []byte) [][]byte {
	size := d.FrameBytes()
	if size <= 0 {
		return nil
	}
	out := make([][]byte, 0, len(pcm)/size)
	for off := 0; off+size <= len(pcm); off += size {
		out = append(out, pcm[off:off+size])
	}
	return out
}
