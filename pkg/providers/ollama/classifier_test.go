package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"

	"github.com/harunnryd/callbot/pkg/intent"
	"github.com/harunnryd/callbot/pkg/resilience"
)

func TestParseVerdictRestoresBrace(t *testing.T) {
	res, err := ParseVerdict(`{"intent": "Positif", "confidence": 0.92`, intent.ContextGreeting)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Intent != intent.Affirm || res.Confidence != 0.92 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestParseVerdictUnknownIntent(t *testing.T) {
	res, err := ParseVerdict("```json\n{\"intent\": \"digression\"}\n```", intent.ContextGeneral)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Intent != intent.Unsure || res.Confidence != 0.5 {
		t.Fatalf("expected unsure fallback, got %+v", res)
	}
}

func TestParseVerdictRejectsProse(t *testing.T) {
	if _, err := ParseVerdict("I think the caller agrees", intent.ContextGeneral); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestClassifyRoundTrip(t *testing.T) {
	var got api.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(api.ChatResponse{
			Model:   "phi3",
			Message: api.Message{Role: "assistant", Content: `{"intent": "price", "confidence": 0.8`},
			Done:    true,
		})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := c.Classify(context.Background(), "c'est combien", intent.ContextFinalOffer)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Intent != intent.Price {
		t.Fatalf("unexpected intent %s", res.Intent)
	}
	if got.Model != "phi3" || got.Stream == nil || *got.Stream || len(got.Messages) != 2 || got.Messages[1].Content != "c'est combien" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestClassifyRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"server busy"}`))
	}))
	defer srv.Close()
	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.Classify(context.Background(), "oui", intent.ContextGeneral)
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "localhost"}); err == nil {
		t.Fatalf("expected invalid base_url error")
	}
}
