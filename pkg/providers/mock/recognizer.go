package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
)

type RecognizerConfig struct {
	SessionID string
	// Transcript is emitted as a final result once AfterBytes of audio arrived.
	Transcript string
	Partial    string
	AfterBytes int
}

// Recognizer is a deterministic streaming recognizer for tests and dry runs.
type Recognizer struct {
	cfg     RecognizerConfig
	out     chan stt.Result
	mu      sync.Mutex
	started bool
	closed  bool
	emitted bool
	bytes   int
}

func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	if cfg.AfterBytes <= 0 {
		cfg.AfterBytes = 1
	}
	return &Recognizer{cfg: cfg, out: make(chan stt.Result, 16)}
}

func (r *Recognizer) Name() string { return "mock_recognizer" }

func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.out)
	}
	r.started = false
	return nil
}

func (r *Recognizer) SendAudio(pcm []byte) error {
	sent := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return errors.New("not started")
	}
	r.bytes += len(pcm)
	if r.emitted || r.cfg.Transcript == "" || r.bytes < r.cfg.AfterBytes {
		return nil
	}
	r.emitted = true
	if r.cfg.Partial != "" {
		r.out <- stt.Result{Kind: stt.ResultPartial, Text: r.cfg.Partial, Latency: time.Since(sent), At: time.Now()}
	}
	r.out <- stt.Result{Kind: stt.ResultFinal, Text: r.cfg.Transcript, Confidence: 0.9, Latency: time.Since(sent), At: time.Now()}
	return nil
}

func (r *Recognizer) Results() <-chan stt.Result { return r.out }

var _ stt.StreamingRecognizer = (*Recognizer)(nil)
