package callbot

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/harunnryd/callbot/pkg/amd"
	"github.com/harunnryd/callbot/pkg/ari"
	"github.com/harunnryd/callbot/pkg/assembly"
	"github.com/harunnryd/callbot/pkg/audio"
	"github.com/harunnryd/callbot/pkg/configutil"
	"github.com/harunnryd/callbot/pkg/intent"
	"github.com/harunnryd/callbot/pkg/queue"
	"github.com/harunnryd/callbot/pkg/store"
	"github.com/harunnryd/callbot/pkg/streaming"
	"github.com/harunnryd/callbot/pkg/supervisor"
	"github.com/harunnryd/callbot/pkg/transports/twilio"
	"github.com/spf13/viper"
)

type Config struct {
	ARI           ari.Config          `mapstructure:"ari"`
	Audio         audio.Config        `mapstructure:"audio"`
	AMD           amd.Config          `mapstructure:"amd"`
	Intent        intent.EngineConfig `mapstructure:"intent"`
	Streaming     StreamingConfig     `mapstructure:"streaming"`
	Persistence   store.Config        `mapstructure:"persistence"`
	Queue         queue.Config        `mapstructure:"queue"`
	Launcher      LauncherConfig      `mapstructure:"launcher"`
	Supervisor    supervisor.Config   `mapstructure:"supervisor"`
	Assembly      assembly.Config     `mapstructure:"assembly"`
	Scenarios     ScenariosConfig     `mapstructure:"scenarios"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	Transcriber VendorConfig `mapstructure:"transcriber"`
	Intent      VendorConfig `mapstructure:"intent"`
	Recognizer  VendorConfig `mapstructure:"recognizer"`
}

// StreamingConfig switches the conversation from recorded answers to the
// live audio stream with barge-in.
type StreamingConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	streaming.Config `mapstructure:",squash"`
}

type LauncherConfig struct {
	Provider string                  `mapstructure:"provider"`
	ARI      queue.ARILauncherConfig `mapstructure:"ari"`
	Twilio   twilio.Config           `mapstructure:"twilio"`
}

type ScenariosConfig struct {
	Default string   `mapstructure:"default"`
	Files   []string `mapstructure:"files"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	// EventsFile receives every metrics event as one JSON line.
	EventsFile string  `mapstructure:"events_file"`
	SampleRate float64 `mapstructure:"sample_rate"`
	BufferSize int     `mapstructure:"buffer_size"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

const (
	LauncherARI    = "ari"
	LauncherTwilio = "twilio"
)

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ari.url", "http://localhost:8088")
	v.SetDefault("ari.app", "robot")
	v.SetDefault("ari.reconnect_delay_ms", 5000)
	v.SetDefault("ari.request_timeout_ms", 10000)

	v.SetDefault("audio.sounds_dir", "/var/lib/asterisk/sounds/minibot")
	v.SetDefault("audio.sound_prefix", "minibot")
	v.SetDefault("audio.recordings_dir", "/var/spool/asterisk/recording")
	v.SetDefault("audio.language", "fr")
	v.SetDefault("audio.listen.playback_poll_ms", 300)
	v.SetDefault("audio.listen.playback_max_wait_ms", 60000)
	v.SetDefault("audio.listen.record_poll_ms", 500)
	v.SetDefault("audio.listen.record_max_duration_s", 30)
	v.SetDefault("audio.listen.min_recording_bytes", 1000)
	v.SetDefault("audio.listen.overlap_window_ms", 2000)

	v.SetDefault("amd.hybrid", true)
	v.SetDefault("amd.capture_max_seconds", 10)
	v.SetDefault("amd.capture_silence_seconds", 0.6)
	v.SetDefault("amd.min_capture_bytes", 1000)
	v.SetDefault("amd.silence_threshold", 0.9)
	v.SetDefault("amd.language", "fr")

	v.SetDefault("intent.timeout_ms", 10000)
	v.SetDefault("intent.target_latency_ms", 600)
	v.SetDefault("intent.breaker_threshold", 3)
	v.SetDefault("intent.breaker_cooldown_s", 30)

	v.SetDefault("streaming.enabled", false)
	v.SetDefault("streaming.addr", ":8765")
	v.SetDefault("streaming.path", "/stream/")
	v.SetDefault("streaming.frame_ms", 20)
	v.SetDefault("streaming.sample_rate", 16000)
	v.SetDefault("streaming.end_silence_ms", 900)
	v.SetDefault("streaming.language", "fr")

	v.SetDefault("persistence.driver", "memory")
	v.SetDefault("persistence.max_conns", 10)
	v.SetDefault("persistence.auto_migrate", true)

	v.SetDefault("queue.max_concurrent", 8)
	v.SetDefault("queue.delay_between_calls_ms", 2000)
	v.SetDefault("queue.check_interval_ms", 5000)
	v.SetDefault("queue.retry_delay_s", 300)
	v.SetDefault("queue.call_timeout_s", 120)

	v.SetDefault("launcher.provider", LauncherARI)
	v.SetDefault("launcher.ari.trunk", "bitcall")
	v.SetDefault("launcher.ari.context", "outbound-robot")
	v.SetDefault("launcher.ari.priority", 1)
	v.SetDefault("launcher.ari.timeout_s", 30)
	v.SetDefault("launcher.ari.max_retries", 2)
	v.SetDefault("launcher.ari.retry_backoff_ms", 500)
	v.SetDefault("launcher.twilio.server_addr", ":8080")
	v.SetDefault("launcher.twilio.voice_path", "/voice")

	v.SetDefault("supervisor.default_scenario", "production")
	v.SetDefault("supervisor.recordings_dir", "/var/spool/asterisk/recording")
	v.SetDefault("supervisor.finalize_timeout_ms", 30000)

	v.SetDefault("assembly.sounds_dir", "/var/lib/asterisk/sounds/minibot")
	v.SetDefault("assembly.recordings_dir", "/var/spool/asterisk/recording")
	v.SetDefault("assembly.output_dir", "assembled_audio")
	v.SetDefault("assembly.transcripts_dir", "transcripts")
	v.SetDefault("assembly.sox_path", "sox")
	v.SetDefault("assembly.client_gain_db", 12)
	v.SetDefault("assembly.gap_seconds", 0.4)
	v.SetDefault("assembly.sample_rate", 8000)

	v.SetDefault("scenarios.default", "production")

	v.SetDefault("vendors.transcriber.provider", "whisper")
	v.SetDefault("vendors.intent.provider", "ollama")
	v.SetDefault("vendors.recognizer.provider", "deepgram")

	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.buffer_size", 2048)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.ARI.Username, "ari.username"); err != nil {
		return err
	}
	if strings.TrimSpace(c.Vendors.Transcriber.Provider) == "" {
		return fmt.Errorf("vendors.transcriber.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Intent.Provider) == "" {
		return fmt.Errorf("vendors.intent.provider is required")
	}
	if c.Streaming.Enabled && strings.TrimSpace(c.Vendors.Recognizer.Provider) == "" {
		return fmt.Errorf("vendors.recognizer.provider is required when streaming is enabled")
	}
	switch strings.ToLower(strings.TrimSpace(c.Launcher.Provider)) {
	case LauncherARI:
	case LauncherTwilio:
		tw := c.Launcher.Twilio
		for path, value := range map[string]string{
			"launcher.twilio.account_sid": tw.AccountSID,
			"launcher.twilio.auth_token":  tw.AuthToken,
			"launcher.twilio.from":        tw.From,
			"launcher.twilio.sip_domain":  tw.SIPDomain,
		} {
			if err := configutil.RequireString(value, path); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("launcher.provider must be %q or %q, got %q", LauncherARI, LauncherTwilio, c.Launcher.Provider)
	}
	driver := strings.ToLower(strings.TrimSpace(c.Persistence.Driver))
	if driver != "" && driver != "memory" {
		if err := configutil.RequireString(c.Persistence.DSN, "persistence.dsn"); err != nil {
			return err
		}
	}
	if c.Queue.MaxConcurrent < 0 {
		return fmt.Errorf("queue.max_concurrent must not be negative")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be within [0,1]")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.Transcriber.Settings = expandSettings(cfg.Vendors.Transcriber.Settings)
	cfg.Vendors.Intent.Settings = expandSettings(cfg.Vendors.Intent.Settings)
	cfg.Vendors.Recognizer.Settings = expandSettings(cfg.Vendors.Recognizer.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
