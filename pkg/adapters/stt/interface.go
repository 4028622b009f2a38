package stt

import (
	"context"
	"time"
)

// Transcription is the result of a batch transcription of a recorded file.
type Transcription struct {
	Text               string
	Language           string
	LanguageConfidence float64
	Duration           time.Duration
}

// Transcriber turns a recorded file into text.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Transcribe reads the audio file at path. language may be empty.
	Transcribe(ctx context.Context, path, language string) (Transcription, error)
}

type ResultKind string

const (
	ResultPartial ResultKind = "partial"
	ResultFinal   ResultKind = "final"
)

// Result is one hypothesis from a streaming recognizer.
type Result struct {
	Kind       ResultKind
	Text       string
	Confidence float64
	// Latency is measured from the last audio sent to the result arrival.
	Latency time.Duration
	At      time.Time
}

// StreamingRecognizer defines the contract for continuous recognition vendors.
type StreamingRecognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the vendor connection.
	Start(ctx context.Context) error
	// Close shuts down the connection and closes Results.
	Close() error
	// SendAudio forwards little-endian PCM16 audio.
	SendAudio(pcm []byte) error
	// Results returns a channel of partial and final hypotheses.
	Results() <-chan Result
}

// Config contains vendor-agnostic recognizer configuration.
type Config struct {
	SessionID  string
	SampleRate int
	Language   string
}

// RecognizerFactory builds a recognizer for one audio stream.
type RecognizerFactory func(cfg Config) StreamingRecognizer
