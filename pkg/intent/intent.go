// Package intent classifies caller answers into the closed set of intents
// the conversation table is keyed on.
package intent

import (
	"context"
	"regexp"
	"strings"
	"time"
)

type Intent string

const (
	Affirm        Intent = "affirm"
	Deny          Intent = "deny"
	Callback      Intent = "callback"
	Price         Intent = "price"
	Interested    Intent = "interested"
	NotInterested Intent = "not_interested"
	Unsure        Intent = "unsure"
)

// All lists every intent in declaration order.
func All() []Intent {
	return []Intent{Affirm, Deny, Callback, Price, Interested, NotInterested, Unsure}
}

// Parse accepts the canonical names plus the legacy French labels some models answer with.
func Parse(s string) (Intent, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "affirm", "positif", "positive", "yes":
		return Affirm, true
	case "deny", "négatif", "negatif", "negative", "no":
		return Deny, true
	case "callback", "neutre", "neutral":
		return Callback, true
	case "price":
		return Price, true
	case "interested":
		return Interested, true
	case "not_interested":
		return NotInterested, true
	case "unsure":
		return Unsure, true
	}
	return "", false
}

// Context selects the prompt family used by model-backed classifiers.
type Context string

const (
	ContextGeneral       Context = "general"
	ContextGreeting      Context = "greeting"
	ContextQualification Context = "qualification"
	ContextFinalOffer    Context = "final_offer"
)

type Result struct {
	Intent     Intent
	Confidence float64
	Method     string
	Latency    time.Duration
	Metadata   map[string]any
}

// Classifier is implemented by keyword and model backends.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, text string, c Context) (Result, error)
}

var cleanRe = regexp.MustCompile(`[^\p{L}\p{N}_\s'-]`)

// CleanText strips punctuation (apostrophes and hyphens kept) and collapses whitespace.
func CleanText(text string) string {
	return strings.Join(strings.Fields(cleanRe.ReplaceAllString(text, " ")), " ")
}
