package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
	"github.com/harunnryd/callbot/pkg/configutil"
	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/resilience"
)

type Config struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Language   string `mapstructure:"language"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// SettingsSchema lists the keys accepted under vendors.transcriber.settings.
var SettingsSchema = configutil.Schema{Optional: []string{"base_url", "api_key", "model", "language", "timeout_sec"}}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:9000"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = "base"
	}
	if c.Language == "" {
		c.Language = "fr"
	}
	if c.TimeoutSec <= 0 {
		c.TimeoutSec = 30
	}
	return c
}

// Transcriber posts recorded files to an OpenAI-compatible Whisper server.
type Transcriber struct {
	cfg    Config
	Client *http.Client
}

func New(cfg Config) *Transcriber {
	cfg = cfg.withDefaults()
	return &Transcriber{cfg: cfg, Client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}}
}

func (t *Transcriber) Name() string { return "whisper" }

type verboseResponse struct {
	Text                string  `json:"text"`
	Language            string  `json:"language"`
	LanguageProbability float64 `json:"language_probability"`
	Duration            float64 `json:"duration"`
}

func (t *Transcriber) Transcribe(ctx context.Context, path, language string) (stt.Transcription, error) {
	if language == "" {
		language = t.cfg.Language
	}
	f, err := os.Open(path)
	if err != nil {
		return stt.Transcription{}, errorsx.Wrap(err, errorsx.ReasonTranscribe)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return stt.Transcription{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return stt.Transcription{}, errorsx.Wrap(err, errorsx.ReasonTranscribe)
	}
	_ = mw.WriteField("model", t.cfg.Model)
	_ = mw.WriteField("language", language)
	_ = mw.WriteField("response_format", "verbose_json")
	if err := mw.Close(); err != nil {
		return stt.Transcription{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return stt.Transcription{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return stt.Transcription{}, errorsx.Wrap(err, errorsx.ReasonTranscribe)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		data, _ := io.ReadAll(resp.Body)
		return stt.Transcription{}, errorsx.Wrap(resilience.RateLimitError{Provider: "whisper", Message: string(data)}, errorsx.ReasonTranscribe)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return stt.Transcription{}, errorsx.Wrap(fmt.Errorf("whisper error: %s", strings.TrimSpace(string(data))), errorsx.ReasonTranscribe)
	}
	var out verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return stt.Transcription{}, errorsx.Wrap(err, errorsx.ReasonTranscribe)
	}
	return stt.Transcription{
		Text:               strings.TrimSpace(out.Text),
		Language:           out.Language,
		LanguageConfidence: out.LanguageProbability,
		Duration:           time.Duration(out.Duration * float64(time.Second)),
	}, nil
}

func (t *Transcriber) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

var _ stt.Transcriber = (*Transcriber)(nil)
