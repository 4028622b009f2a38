package callbot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/callbot/pkg/audio"
	"github.com/harunnryd/callbot/pkg/intent"
	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/scenario"
	"github.com/harunnryd/callbot/pkg/sentiment"
)

// MethodSilence marks a turn where nothing usable was recorded.
const MethodSilence = "silence"

// recordedRunner answers each step from a recorded file: the prompt plays,
// the answer is recorded until silence, then transcribed and classified.
type recordedRunner struct {
	channel  string
	io       *audio.IO
	intents  *intent.Engine
	observer metrics.Observer
	log      *slog.Logger
}

func newRecordedRunner(channel string, io *audio.IO, intents *intent.Engine, obs metrics.Observer, log *slog.Logger) *recordedRunner {
	return &recordedRunner{channel: channel, io: io, intents: intents, observer: obs, log: log}
}

func (r *recordedRunner) RunStep(ctx context.Context, step *scenario.Step) (scenario.Turn, error) {
	start := time.Now()
	name := fmt.Sprintf("%s_%s_%d", step.Name, r.channel, start.UnixMilli())
	opts := audio.ListenOptions{MaxDuration: step.MaxWait, MaxSilence: step.MaxSilence}

	ans, err := r.listen(ctx, step, name, opts)
	if err != nil {
		if ctx.Err() != nil {
			return scenario.Turn{}, ctx.Err()
		}
		r.log.Warn("step_listen_failed", "step", step.Name, "error", err.Error())
		ans = audio.Answer{File: ans.File, Text: audio.TextSilence, Sentiment: sentiment.Result{Label: sentiment.Neutral}}
	}

	t := scenario.Turn{
		Intent:    intent.Unsure,
		Text:      ans.Text,
		Sentiment: ans.Sentiment,
		Method:    MethodSilence,
		File:      ans.File,
	}
	if !ans.Silent() {
		res := r.intents.Classify(ctx, ans.Text, step.Context)
		t.Intent = res.Intent
		t.Confidence = res.Confidence
		t.Method = res.Method
		t.Latency.Intent = res.Latency
	}
	t.Latency.Total = time.Since(start)

	metrics.Record(r.observer, metrics.NewEvent(metrics.EventIntentResolved, r.channel,
		float64(t.Latency.Intent.Milliseconds()), map[string]any{
			metrics.TagStep: step.Name,
			"intent":        string(t.Intent),
			"confidence":    t.Confidence,
			"method":        t.Method,
		}))
	r.log.Info("step_resolved",
		"step", step.Name,
		"intent", string(t.Intent),
		"confidence", t.Confidence,
		"sentiment", string(t.Sentiment.Label),
		"method", t.Method,
	)
	return t, nil
}

// listen overlaps the recording with the prompt tail when the prompt is
// long enough; otherwise it plays first and records afterwards.
func (r *recordedRunner) listen(ctx context.Context, step *scenario.Step, name string, opts audio.ListenOptions) (audio.Answer, error) {
	if d := r.io.PromptDuration(step.Prompt); d > r.io.Config().OverlapWindow() {
		ans, err := r.io.PlayAndRecordOverlap(ctx, r.channel, step.Prompt, name, d, opts)
		if err == nil || ctx.Err() != nil {
			return ans, err
		}
		r.log.Warn("step_overlap_failed", "step", step.Name, "error", err.Error())
	} else if err := r.io.Play(ctx, r.channel, step.Prompt); err != nil {
		if ctx.Err() != nil {
			return audio.Answer{}, err
		}
		r.log.Warn("step_prompt_failed", "step", step.Name, "error", err.Error())
	}
	return r.io.ListenAndClassify(ctx, r.channel, name, opts)
}

func (r *recordedRunner) PlayFinal(ctx context.Context, step *scenario.Step) error {
	return r.io.Play(ctx, r.channel, step.Prompt)
}

var _ scenario.StepRunner = (*recordedRunner)(nil)
