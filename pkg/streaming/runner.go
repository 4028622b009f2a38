package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/callbot/pkg/audio"
	"github.com/harunnryd/callbot/pkg/scenario"
	"github.com/harunnryd/callbot/pkg/sentiment"
	"github.com/harunnryd/callbot/pkg/turn"
)

// Audio is the slice of audio.IO the runner drives.
type Audio interface {
	StartPlayback(ctx context.Context, channel, prompt string) (string, error)
	WaitPlayback(ctx context.Context, playbackID string) error
	Play(ctx context.Context, channel, prompt string) error
	StartCapture(ctx context.Context, channel, name string) error
	StopCapture(name, text string, s sentiment.Result) string
}

// Runner plays each step with barge-in and takes the answer from the
// session mailbox instead of a recorded file.
type Runner struct {
	channel   string
	audio     Audio
	session   *Session
	sentiment sentiment.Classifier
	log       *slog.Logger
}

func NewRunner(channel string, a Audio, session *Session, classifier sentiment.Classifier, log *slog.Logger) *Runner {
	if classifier == nil {
		classifier = sentiment.NewKeywordClassifier()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{channel: channel, audio: a, session: session, sentiment: classifier, log: log.With("call_id", channel)}
}

func (r *Runner) RunStep(ctx context.Context, step *scenario.Step) (scenario.Turn, error) {
	r.session.BeginStep(step.Name, step.Context)
	turns := r.session.Turns()
	turns.OnPromptStart(turn.StrategyFor(step.BargeIn))

	name := fmt.Sprintf("%s_%s_%d", step.Name, r.channel, time.Now().UnixMilli())
	id, playErr := r.audio.StartPlayback(ctx, r.channel, step.Prompt)
	if playErr != nil {
		r.log.Warn("step_prompt_failed", "step", step.Name, "error", playErr.Error())
	}
	// Capture overlaps the prompt so a barge-in keeps its onset.
	capturing := true
	if err := r.audio.StartCapture(ctx, r.channel, name); err != nil {
		r.log.Warn("step_capture_failed", "step", step.Name, "error", err.Error())
		capturing = false
	}
	if playErr == nil {
		if err := r.audio.WaitPlayback(ctx, id); err != nil {
			turns.OnPromptEnd()
			if capturing {
				r.audio.StopCapture(name, audio.TextSilence, sentiment.Result{Label: sentiment.Neutral})
			}
			return scenario.Turn{}, err
		}
	}
	turns.OnPromptEnd()
	listenStart := time.Now()

	tr, err := r.session.WaitForTransition(ctx, step.MaxWait)
	text := strings.TrimSpace(tr.Text)
	score := sentiment.Result{Label: sentiment.Neutral}
	if text == "" {
		text = audio.TextSilence
	} else {
		score = r.sentiment.Classify(text)
	}
	file := ""
	if capturing {
		file = r.audio.StopCapture(name, text, score)
	}
	if err != nil {
		return scenario.Turn{}, err
	}

	t := scenario.Turn{
		Intent:     tr.Intent,
		Confidence: tr.Confidence,
		Text:       text,
		Sentiment:  score,
		BargeIn:    r.session.StepBargedIn(),
		Method:     tr.Method,
		File:       file,
		Latency: scenario.Latencies{
			ASR:    tr.ASRLatency,
			Intent: tr.IntentLatency,
			Total:  time.Since(listenStart),
		},
	}
	r.log.Info("step_resolved",
		"step", step.Name,
		"intent", string(t.Intent),
		"confidence", t.Confidence,
		"barge_in", t.BargeIn,
		"method", t.Method,
	)
	return t, nil
}

func (r *Runner) PlayFinal(ctx context.Context, step *scenario.Step) error {
	r.session.BeginStep(step.Name, step.Context)
	turns := r.session.Turns()
	turns.OnPromptStart(turn.PoliteStrategy{})
	err := r.audio.Play(ctx, r.channel, step.Prompt)
	turns.OnPromptEnd()
	turns.OnTurnResolved()
	return err
}

var _ scenario.StepRunner = (*Runner)(nil)
