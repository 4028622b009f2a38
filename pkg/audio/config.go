package audio

import (
	"path/filepath"
	"strings"
	"time"
)

// ListenConfig holds the polling and silence-cutoff timings.
type ListenConfig struct {
	PlaybackPollMS     int   `mapstructure:"playback_poll_ms"`
	PlaybackMaxWaitMS  int   `mapstructure:"playback_max_wait_ms"`
	PlaybackSettleMS   int   `mapstructure:"playback_settle_ms"`
	RecordPollMS       int   `mapstructure:"record_poll_ms"`
	GraceMS            int   `mapstructure:"grace_ms"`
	StopSettleMS       int   `mapstructure:"stop_settle_ms"`
	RecordMaxDurationS int   `mapstructure:"record_max_duration_s"`
	MinRecordingBytes  int64 `mapstructure:"min_recording_bytes"`
	OverlapWindowMS    int   `mapstructure:"overlap_window_ms"`
}

type Config struct {
	SoundsDir       string             `mapstructure:"sounds_dir"`
	SoundPrefix     string             `mapstructure:"sound_prefix"`
	RecordingsDir   string             `mapstructure:"recordings_dir"`
	Language        string             `mapstructure:"language"`
	PromptDurations map[string]float64 `mapstructure:"prompt_durations"`
	PromptTexts     map[string]string  `mapstructure:"prompt_texts"`
	Listen          ListenConfig       `mapstructure:"listen"`
}

func (c Config) withDefaults() Config {
	if c.SoundPrefix == "" {
		c.SoundPrefix = "minibot"
	}
	if c.RecordingsDir == "" {
		c.RecordingsDir = "/var/spool/asterisk/recording"
	}
	if c.Language == "" {
		c.Language = "fr"
	}
	l := &c.Listen
	setDefault(&l.PlaybackPollMS, 300)
	setDefault(&l.PlaybackMaxWaitMS, 60000)
	setDefault(&l.PlaybackSettleMS, 500)
	setDefault(&l.RecordPollMS, 500)
	setDefault(&l.GraceMS, 1000)
	setDefault(&l.StopSettleMS, 500)
	setDefault(&l.RecordMaxDurationS, 30)
	setDefault(&l.OverlapWindowMS, 2000)
	if l.MinRecordingBytes <= 0 {
		l.MinRecordingBytes = 1000
	}
	return c
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// OverlapWindow is how early recording starts before a prompt ends.
func (c Config) OverlapWindow() time.Duration { return ms(c.Listen.OverlapWindowMS) }

// PromptName strips any directory and the .wav extension.
func PromptName(prompt string) string {
	return strings.TrimSuffix(filepath.Base(prompt), ".wav")
}

// PromptText returns the scripted text of a prompt, if configured.
func (c Config) PromptText(prompt string) string {
	return c.PromptTexts[PromptName(prompt)]
}

// RecordingPath is where the PBX writes a named recording.
func (c Config) RecordingPath(name string) string {
	return filepath.Join(c.RecordingsDir, name+".wav")
}
