package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/harunnryd/callbot/pkg/configutil"
	"github.com/harunnryd/callbot/pkg/intent"
	"github.com/harunnryd/callbot/pkg/resilience"
)

type Config struct {
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// SettingsSchema lists the keys accepted under vendors.intent.settings.
var SettingsSchema = configutil.Schema{Optional: []string{"base_url", "model", "timeout_sec"}}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = "phi3"
	}
	if c.TimeoutSec <= 0 {
		c.TimeoutSec = 10
	}
	return c
}

// Classifier asks a local Ollama chat model for a JSON intent verdict.
type Classifier struct {
	cfg Config
	api *api.Client
}

func New(cfg Config) (*Classifier, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("ollama: invalid base_url %q", cfg.BaseURL)
	}
	hc := &http.Client{
		Timeout:   time.Duration(cfg.TimeoutSec) * time.Second,
		Transport: rateLimitTransport{next: http.DefaultTransport},
	}
	return &Classifier{cfg: cfg, api: api.NewClient(base, hc)}, nil
}

func (c *Classifier) Name() string { return "ollama" }

type verdict struct {
	Intent     string   `json:"intent"`
	Confidence *float64 `json:"confidence"`
}

func (c *Classifier) Classify(ctx context.Context, text string, ic intent.Context) (intent.Result, error) {
	stream := false
	req := &api.ChatRequest{
		Model: c.cfg.Model,
		Messages: []api.Message{
			{Role: "system", Content: promptFor(ic)},
			{Role: "user", Content: text},
		},
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.05,
			"top_p":       0.15,
			"num_predict": 20,
			"stop":        []string{"}"},
		},
	}
	var reply strings.Builder
	replied := false
	err := c.api.Chat(ctx, req, func(resp api.ChatResponse) error {
		replied = true
		reply.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		var se api.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
			return intent.Result{}, resilience.RateLimitError{Provider: "ollama", Message: se.ErrorMessage}
		}
		return intent.Result{}, fmt.Errorf("ollama chat: %w", err)
	}
	if !replied {
		return intent.Result{}, errors.New("ollama chat: empty reply")
	}
	return ParseVerdict(reply.String(), ic)
}

// rateLimitTransport surfaces 429 answers as rate limit errors whatever
// body the server sent.
type rateLimitTransport struct {
	next http.RoundTripper
}

func (t rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusTooManyRequests {
		return resp, err
	}
	resp.Body.Close()
	return nil, resilience.RateLimitError{Provider: "ollama", Message: "ollama: " + resp.Status}
}

// ParseVerdict decodes the model reply. The stop token strips the closing
// brace, so it is restored when missing.
func ParseVerdict(content string, ic intent.Context) (intent.Result, error) {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "```"))
	if start := strings.Index(raw, "{"); start > 0 {
		raw = raw[start:]
	}
	if !strings.HasSuffix(raw, "}") {
		raw += "}"
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return intent.Result{}, fmt.Errorf("ollama json decode: %w", err)
	}
	meta := map[string]any{"raw_response": content, "context": string(ic)}
	in, ok := intent.Parse(v.Intent)
	if !ok {
		return intent.Result{Intent: intent.Unsure, Confidence: 0.5, Method: "ollama", Metadata: meta}, nil
	}
	conf := 0.7
	if v.Confidence != nil {
		conf = *v.Confidence
	}
	return intent.Result{Intent: in, Confidence: conf, Method: "ollama", Metadata: meta}, nil
}

var _ intent.Classifier = (*Classifier)(nil)
