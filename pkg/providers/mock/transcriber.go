package mock

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
)

// Transcriber answers from a table keyed by file base name.
type Transcriber struct {
	mu      sync.Mutex
	texts   map[string]string
	Default string
	Err     error
	calls   []string
}

func NewTranscriber(texts map[string]string) *Transcriber {
	if texts == nil {
		texts = map[string]string{}
	}
	return &Transcriber{texts: texts}
}

func (t *Transcriber) Name() string { return "mock_transcriber" }

func (t *Transcriber) Set(file, text string) {
	t.mu.Lock()
	t.texts[file] = text
	t.mu.Unlock()
}

func (t *Transcriber) Transcribe(ctx context.Context, path, language string) (stt.Transcription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, path)
	if t.Err != nil {
		return stt.Transcription{}, t.Err
	}
	text, ok := t.texts[filepath.Base(path)]
	if !ok {
		text = t.Default
	}
	return stt.Transcription{Text: text, Language: language, LanguageConfidence: 1}, nil
}

// Calls returns the paths transcribed so far.
func (t *Transcriber) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

var _ stt.Transcriber = (*Transcriber)(nil)
