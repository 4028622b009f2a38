package callbot

import (
	"fmt"
	"strings"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
	"github.com/harunnryd/callbot/pkg/configutil"
	"github.com/harunnryd/callbot/pkg/intent"
	"github.com/harunnryd/callbot/pkg/providers/deepgram"
	"github.com/harunnryd/callbot/pkg/providers/mock"
	"github.com/harunnryd/callbot/pkg/providers/ollama"
	"github.com/harunnryd/callbot/pkg/providers/whisper"
)

type TranscriberFactory func(cfg VendorConfig) (stt.Transcriber, error)
type IntentFactory func(cfg VendorConfig) (intent.Classifier, error)
type RecognizerFactoryBuilder func(cfg VendorConfig) (stt.RecognizerFactory, error)

type ProviderRegistry struct {
	transcriber map[string]TranscriberFactory
	intent      map[string]IntentFactory
	recognizer  map[string]RecognizerFactoryBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		transcriber: make(map[string]TranscriberFactory),
		intent:      make(map[string]IntentFactory),
		recognizer:  make(map[string]RecognizerFactoryBuilder),
	}
}

// DefaultProviders registers every built-in vendor.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterTranscriber("whisper", buildWhisper)
	r.RegisterTranscriber("mock", buildMockTranscriber)
	r.RegisterIntent("ollama", buildOllama)
	r.RegisterIntent("mock", buildMockIntent)
	r.RegisterIntent("none", func(VendorConfig) (intent.Classifier, error) { return nil, nil })
	r.RegisterIntent("keywords", func(VendorConfig) (intent.Classifier, error) { return nil, nil })
	r.RegisterRecognizer("deepgram", buildDeepgram)
	r.RegisterRecognizer("mock", buildMockRecognizer)
	return r
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.transcriber[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterIntent(name string, factory IntentFactory) {
	r.intent[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterRecognizer(name string, factory RecognizerFactoryBuilder) {
	r.recognizer[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) BuildTranscriber(cfg VendorConfig) (stt.Transcriber, error) {
	fn := r.transcriber[normalizeProvider(cfg.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("transcriber provider not registered: %s", cfg.Provider)
	}
	return fn(cfg)
}

// BuildIntent may return a nil classifier; the engine then runs on keywords alone.
func (r *ProviderRegistry) BuildIntent(cfg VendorConfig) (intent.Classifier, error) {
	fn := r.intent[normalizeProvider(cfg.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("intent provider not registered: %s", cfg.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildRecognizer(cfg VendorConfig) (stt.RecognizerFactory, error) {
	fn := r.recognizer[normalizeProvider(cfg.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("recognizer provider not registered: %s", cfg.Provider)
	}
	return fn(cfg)
}

func buildWhisper(cfg VendorConfig) (stt.Transcriber, error) {
	var wc whisper.Config
	if err := configutil.DecodeValidated(cfg.Settings, whisper.SettingsSchema, &wc); err != nil {
		return nil, fmt.Errorf("vendors.transcriber.settings: %w", err)
	}
	return whisper.New(wc), nil
}

var mockTranscriberSchema = configutil.Schema{Optional: []string{"default", "texts"}}

func buildMockTranscriber(cfg VendorConfig) (stt.Transcriber, error) {
	var mc struct {
		Default string            `mapstructure:"default"`
		Texts   map[string]string `mapstructure:"texts"`
	}
	if err := configutil.DecodeValidated(cfg.Settings, mockTranscriberSchema, &mc); err != nil {
		return nil, fmt.Errorf("vendors.transcriber.settings: %w", err)
	}
	t := mock.NewTranscriber(mc.Texts)
	t.Default = mc.Default
	return t, nil
}

func buildOllama(cfg VendorConfig) (intent.Classifier, error) {
	var oc ollama.Config
	if err := configutil.DecodeValidated(cfg.Settings, ollama.SettingsSchema, &oc); err != nil {
		return nil, fmt.Errorf("vendors.intent.settings: %w", err)
	}
	c, err := ollama.New(oc)
	if err != nil {
		return nil, fmt.Errorf("vendors.intent.settings: %w", err)
	}
	return c, nil
}

var mockIntentSchema = configutil.Schema{Optional: []string{"default", "confidence"}}

func buildMockIntent(cfg VendorConfig) (intent.Classifier, error) {
	var mc struct {
		Default    string  `mapstructure:"default"`
		Confidence float64 `mapstructure:"confidence"`
	}
	if err := configutil.DecodeValidated(cfg.Settings, mockIntentSchema, &mc); err != nil {
		return nil, fmt.Errorf("vendors.intent.settings: %w", err)
	}
	ic := mock.IntentConfig{}
	if mc.Default != "" {
		in, ok := intent.Parse(mc.Default)
		if !ok {
			return nil, fmt.Errorf("vendors.intent.settings.default: unknown intent %q", mc.Default)
		}
		ic.Default = intent.Result{Intent: in, Confidence: mc.Confidence}
	}
	return mock.NewIntentClassifier(ic), nil
}

var deepgramSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "language", "sample_rate", "encoding", "interim", "utterance_end_ms"},
}

func buildDeepgram(cfg VendorConfig) (stt.RecognizerFactory, error) {
	var base deepgram.Config
	if err := configutil.DecodeValidated(cfg.Settings, deepgramSchema, &base); err != nil {
		return nil, fmt.Errorf("vendors.recognizer.settings: %w", err)
	}
	return func(c stt.Config) stt.StreamingRecognizer {
		dc := base
		dc.SessionID = c.SessionID
		if c.SampleRate > 0 {
			dc.SampleRate = c.SampleRate
		}
		if c.Language != "" && dc.Language == "" {
			dc.Language = c.Language
		}
		return deepgram.New(dc)
	}, nil
}

var mockRecognizerSchema = configutil.Schema{Optional: []string{"transcript", "partial", "after_bytes"}}

func buildMockRecognizer(cfg VendorConfig) (stt.RecognizerFactory, error) {
	var mc struct {
		Transcript string `mapstructure:"transcript"`
		Partial    string `mapstructure:"partial"`
		AfterBytes int    `mapstructure:"after_bytes"`
	}
	if err := configutil.DecodeValidated(cfg.Settings, mockRecognizerSchema, &mc); err != nil {
		return nil, fmt.Errorf("vendors.recognizer.settings: %w", err)
	}
	return func(c stt.Config) stt.StreamingRecognizer {
		return mock.NewRecognizer(mock.RecognizerConfig{
			SessionID:  c.SessionID,
			Transcript: mc.Transcript,
			Partial:    mc.Partial,
			AfterBytes: mc.AfterBytes,
		})
	}, nil
}
