package audio

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/sentiment"
	"github.com/harunnryd/callbot/pkg/wav"
)

// Placeholder transcripts for answers that carried no speech.
const (
	TextSilence = "silence"
	TextError   = "error"
)

// Answer is one processed client recording.
type Answer struct {
	File      string
	Text      string
	Sentiment sentiment.Result
}

// Silent is true when nothing usable was said.
func (a Answer) Silent() bool {
	return a.Text == TextSilence || a.Text == TextError || a.Text == ""
}

// ProcessRecording transcribes and scores a recording, trimming its first
// trim of audio when trim is positive.
func (a *IO) ProcessRecording(ctx context.Context, path string, trim time.Duration) Answer {
	silence := Answer{File: path, Text: TextSilence, Sentiment: sentiment.Result{Label: sentiment.Neutral}}
	info, err := os.Stat(path)
	if err != nil {
		a.log.Warn("recording_missing", "path", path)
		return silence
	}
	if info.Size() < a.cfg.Listen.MinRecordingBytes {
		a.log.Info("recording_too_small", "path", path, "bytes", info.Size())
		return silence
	}

	if trim > 0 {
		dst := strings.TrimSuffix(path, ".wav") + "_trimmed.wav"
		kept, err := wav.TrimFile(path, dst, trim)
		switch {
		case err != nil:
			a.log.Warn("recording_trim_failed", "path", path, "error", err)
		case kept == 0:
			silence.File = dst
			return silence
		default:
			path = dst
		}
	}

	if a.deps.Transcriber == nil {
		return silence
	}
	tr, err := a.deps.Transcriber.Transcribe(ctx, path, a.cfg.Language)
	if err != nil {
		a.log.Error("transcription_failed", "path", path, "error", errorsx.Wrap(err, errorsx.ReasonTranscribe))
		return Answer{File: path, Text: TextError, Sentiment: sentiment.Result{Label: sentiment.Unclear}}
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		silence.File = path
		return silence
	}
	res := a.deps.Sentiment.Classify(text)
	a.log.Info("answer_processed", "sentiment", res.Label, "confidence", res.Confidence, "chars", len(text))
	return Answer{File: path, Text: text, Sentiment: res}
}
