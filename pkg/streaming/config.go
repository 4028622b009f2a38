package streaming

import (
	"strings"
	"time"

	"github.com/harunnryd/callbot/pkg/vad"
)

type Config struct {
	Addr           string   `mapstructure:"addr"`
	Path           string   `mapstructure:"path"`
	FrameMS        int      `mapstructure:"frame_ms"`
	SampleRate     int      `mapstructure:"sample_rate"`
	EndSilenceMS   int      `mapstructure:"end_silence_ms"`
	Language       string   `mapstructure:"language"`
	StopTimeoutMS  int      `mapstructure:"stop_timeout_ms"`
	VADThreshold   float64  `mapstructure:"vad_threshold"`
	AMDWindowMS    int      `mapstructure:"amd_window_ms"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8765"
	}
	if c.Path == "" {
		c.Path = "/stream/"
	}
	if !strings.HasSuffix(c.Path, "/") {
		c.Path += "/"
	}
	if c.FrameMS <= 0 {
		c.FrameMS = 20
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.EndSilenceMS <= 0 {
		c.EndSilenceMS = 900
	}
	if c.Language == "" {
		c.Language = "fr"
	}
	if c.StopTimeoutMS <= 0 {
		c.StopTimeoutMS = 3000
	}
	if c.AMDWindowMS <= 0 {
		c.AMDWindowMS = 4000
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

func (c Config) vadConfig() vad.Config {
	return vad.Config{SampleRate: c.SampleRate, FrameMS: c.FrameMS, Threshold: c.VADThreshold}
}

func (c Config) endSilence() time.Duration {
	return time.Duration(c.EndSilenceMS) * time.Millisecond
}

func (c Config) stopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMS) * time.Millisecond
}

// greetingBytes is how much leading caller audio is kept for the frame AMD pass.
func (c Config) greetingBytes() int {
	return c.SampleRate * 2 * c.AMDWindowMS / 1000
}
