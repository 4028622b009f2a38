package mock

import (
	"context"
	"strings"

	"github.com/harunnryd/callbot/pkg/intent"
)

type IntentConfig struct {
	// Responses maps a lowercased answer to a canned verdict.
	Responses map[string]intent.Result
	Default   intent.Result
	Err       error
}

// IntentClassifier stands in for a model-backed intent backend.
type IntentClassifier struct {
	cfg IntentConfig
}

func NewIntentClassifier(cfg IntentConfig) *IntentClassifier {
	if cfg.Default.Intent == "" {
		cfg.Default = intent.Result{Intent: intent.Unsure, Confidence: 0.5}
	}
	return &IntentClassifier{cfg: cfg}
}

func (c *IntentClassifier) Name() string { return "mock_intent" }

func (c *IntentClassifier) Classify(ctx context.Context, text string, ic intent.Context) (intent.Result, error) {
	if c.cfg.Err != nil {
		return intent.Result{}, c.cfg.Err
	}
	if res, ok := c.cfg.Responses[strings.ToLower(strings.TrimSpace(text))]; ok {
		res.Method = c.Name()
		return res, nil
	}
	res := c.cfg.Default
	res.Method = c.Name()
	return res, nil
}

var _ intent.Classifier = (*IntentClassifier)(nil)
