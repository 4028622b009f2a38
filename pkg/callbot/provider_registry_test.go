package callbot

import (
	"context"
	"strings"
	"testing"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
	"github.com/harunnryd/callbot/pkg/intent"
)

func TestDefaultProvidersBuildMocks(t *testing.T) {
	r := DefaultProviders()

	tr, err := r.BuildTranscriber(VendorConfig{
		Provider: " Mock ",
		Settings: map[string]any{
			"default": "oui",
			"texts":   map[string]any{"q1.wav": "non"},
		},
	})
	if err != nil {
		t.Fatalf("transcriber: %v", err)
	}
	got, err := tr.Transcribe(context.Background(), "/tmp/q1.wav", "fr")
	if err != nil || got.Text != "non" {
		t.Fatalf("unexpected transcription %+v %v", got, err)
	}
	got, _ = tr.Transcribe(context.Background(), "/tmp/other.wav", "fr")
	if got.Text != "oui" {
		t.Fatalf("expected default text, got %q", got.Text)
	}

	ic, err := r.BuildIntent(VendorConfig{Provider: "mock", Settings: map[string]any{"default": "deny", "confidence": 0.9}})
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	res, err := ic.Classify(context.Background(), "peu importe", intent.ContextGreeting)
	if err != nil || res.Intent != intent.Deny {
		t.Fatalf("unexpected intent %+v %v", res, err)
	}

	factory, err := r.BuildRecognizer(VendorConfig{Provider: "mock", Settings: map[string]any{"transcript": "oui"}})
	if err != nil {
		t.Fatalf("recognizer: %v", err)
	}
	if rec := factory(stt.Config{SessionID: "chan-1"}); rec == nil || rec.Name() != "mock_recognizer" {
		t.Fatalf("unexpected recognizer %v", rec)
	}
}

func TestKeywordOnlyIntentProviders(t *testing.T) {
	r := DefaultProviders()
	for _, name := range []string{"none", "keywords"} {
		ic, err := r.BuildIntent(VendorConfig{Provider: name})
		if err != nil || ic != nil {
			t.Fatalf("%s: expected nil classifier, got %v %v", name, ic, err)
		}
	}
}

func TestProviderRegistryErrors(t *testing.T) {
	r := DefaultProviders()

	if _, err := r.BuildTranscriber(VendorConfig{Provider: "acme"}); err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("expected unregistered transcriber, got %v", err)
	}
	if _, err := r.BuildRecognizer(VendorConfig{Provider: "deepgram"}); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected missing api_key, got %v", err)
	}
	if _, err := r.BuildIntent(VendorConfig{Provider: "mock", Settings: map[string]any{"default": "maybe"}}); err == nil {
		t.Fatalf("expected unknown intent error")
	}
	if _, err := r.BuildTranscriber(VendorConfig{Provider: "mock", Settings: map[string]any{"voice": "x"}}); err == nil || !strings.Contains(err.Error(), "voice") {
		t.Fatalf("expected unknown setting error, got %v", err)
	}
}

func TestDeepgramFactoryCarriesSession(t *testing.T) {
	r := DefaultProviders()
	factory, err := r.BuildRecognizer(VendorConfig{Provider: "deepgram", Settings: map[string]any{"api_key": "k"}})
	if err != nil {
		t.Fatalf("recognizer: %v", err)
	}
	rec := factory(stt.Config{SessionID: "chan-7", SampleRate: 8000, Language: "fr"})
	if rec == nil || rec.Name() != "deepgram_streaming" {
		t.Fatalf("unexpected recognizer %v", rec)
	}
}
