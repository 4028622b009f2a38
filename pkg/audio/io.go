// Package audio implements play and record primitives over the PBX
// command client: polling completion, custom silence cutoff and
// overlap capture.
package audio

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
	"github.com/harunnryd/callbot/pkg/ari"
	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/provenance"
	"github.com/harunnryd/callbot/pkg/sentiment"
	"github.com/harunnryd/callbot/pkg/wav"
)

// Commands is the subset of the PBX client used for audio.
type Commands interface {
	Play(ctx context.Context, channelID, media, playbackID string) (ari.Playback, error)
	PlaybackExists(ctx context.Context, playbackID string) (bool, error)
	Record(ctx context.Context, channelID string, opts ari.RecordOptions) error
	LiveRecordingExists(ctx context.Context, name string) (bool, error)
	StopRecording(ctx context.Context, name string) error
}

// ListenOptions bound one answer capture.
type ListenOptions struct {
	MaxDuration time.Duration
	MaxSilence  time.Duration
}

type Deps struct {
	Commands    Commands
	Tracker     *provenance.Tracker
	Transcriber stt.Transcriber
	Sentiment   sentiment.Classifier
	Observer    metrics.Observer
	Logger      *slog.Logger
}

// IO is bound to one call.
type IO struct {
	callID string
	cfg    Config
	deps   Deps
	log    *slog.Logger
}

func New(callID string, cfg Config, deps Deps) *IO {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Sentiment == nil {
		deps.Sentiment = sentiment.NewKeywordClassifier()
	}
	return &IO{
		callID: callID,
		cfg:    cfg.withDefaults(),
		deps:   deps,
		log:    log.With("call_id", callID),
	}
}

func (a *IO) Config() Config { return a.cfg }

// Play starts a prompt and blocks until the PBX reports it finished.
func (a *IO) Play(ctx context.Context, channel, prompt string) error {
	id, err := a.StartPlayback(ctx, channel, prompt)
	if err != nil {
		return err
	}
	return a.WaitPlayback(ctx, id)
}

// StartPlayback issues the play command and records the bot segment.
func (a *IO) StartPlayback(ctx context.Context, channel, prompt string) (string, error) {
	name := PromptName(prompt)
	id := uuid.NewString()
	media := "sound:" + a.cfg.SoundPrefix + "/" + name
	if _, err := a.deps.Commands.Play(ctx, channel, media, id); err != nil {
		a.log.Error("playback_start_failed", "prompt", name, "error", err)
		return "", errorsx.Wrap(err, errorsx.ReasonPlayback)
	}
	if a.deps.Tracker != nil {
		a.deps.Tracker.TrackBot(a.callID, name+".wav")
	}
	a.log.Debug("playback_started", "prompt", name, "playback_id", id)
	return id, nil
}

// WaitPlayback polls until the playback is gone, then settles.
func (a *IO) WaitPlayback(ctx context.Context, playbackID string) error {
	start := time.Now()
	deadline := start.Add(ms(a.cfg.Listen.PlaybackMaxWaitMS))
	for time.Now().Before(deadline) {
		exists, err := a.deps.Commands.PlaybackExists(ctx, playbackID)
		if err != nil {
			a.log.Warn("playback_poll_failed", "playback_id", playbackID, "error", err)
			break
		}
		if !exists {
			metrics.Record(a.deps.Observer, metrics.NewEvent(metrics.EventPlaybackDone, a.callID,
				float64(time.Since(start).Milliseconds()), map[string]any{"playback_id": playbackID}))
			return sleep(ctx, ms(a.cfg.Listen.PlaybackSettleMS))
		}
		if err := sleep(ctx, ms(a.cfg.Listen.PlaybackPollMS)); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	a.log.Warn("playback_wait_exhausted", "playback_id", playbackID)
	return nil
}

// RecordWithSilenceDetection records until the assumed answer has been
// followed by silence, the terminator ends it, or maxDuration passes.
func (a *IO) RecordWithSilenceDetection(ctx context.Context, channel, name string, maxDuration, silence time.Duration) (string, error) {
	if err := a.startRecording(ctx, channel, name); err != nil {
		return "", err
	}
	path := a.cfg.RecordingPath(name)
	return path, a.silenceLoop(ctx, name, time.Now(), maxDuration, silence)
}

// PlayAndRecordOverlap starts recording one overlap window before the
// prompt ends so no answer is lost, then trims that window away.
func (a *IO) PlayAndRecordOverlap(ctx context.Context, channel, prompt, name string, promptDuration time.Duration, opts ListenOptions) (Answer, error) {
	if promptDuration <= 0 {
		promptDuration = a.PromptDuration(prompt)
	}
	window := a.cfg.OverlapWindow()
	playbackID, err := a.StartPlayback(ctx, channel, prompt)
	if err != nil {
		return Answer{}, err
	}
	lead := promptDuration - window
	if lead < 0 {
		lead = 0
	}
	if err := sleep(ctx, lead); err != nil {
		return Answer{}, err
	}
	recStart := time.Now()
	if err := a.startRecording(ctx, channel, name); err != nil {
		return Answer{}, err
	}
	if err := a.WaitPlayback(ctx, playbackID); err != nil {
		return Answer{}, err
	}
	if err := a.silenceLoop(ctx, name, recStart, opts.MaxDuration, opts.MaxSilence); err != nil {
		return Answer{}, err
	}
	ans := a.ProcessRecording(ctx, a.cfg.RecordingPath(name), window)
	a.trackAnswer(name, ans)
	return ans, nil
}

// ListenAndClassify records one answer, transcribes it and scores it.
func (a *IO) ListenAndClassify(ctx context.Context, channel, name string, opts ListenOptions) (Answer, error) {
	path, err := a.RecordWithSilenceDetection(ctx, channel, name, opts.MaxDuration, opts.MaxSilence)
	if err != nil {
		return Answer{Text: TextSilence, Sentiment: sentiment.Result{Label: sentiment.Neutral}}, err
	}
	ans := a.ProcessRecording(ctx, path, 0)
	a.trackAnswer(name, ans)
	return ans, nil
}

// StartCapture begins an open-ended recording of the caller. The streaming
// runner ends it with StopCapture once the turn is resolved.
func (a *IO) StartCapture(ctx context.Context, channel, name string) error {
	return a.startRecording(ctx, channel, name)
}

// StopCapture stops a capture and records it as the client segment with the
// text recognized while it ran.
func (a *IO) StopCapture(name, text string, s sentiment.Result) string {
	a.stopRecording(name)
	ans := Answer{File: a.cfg.RecordingPath(name), Text: text, Sentiment: s}
	a.trackAnswer(name, ans)
	return ans.File
}

// PromptDuration comes from config or from the prompt's WAV header.
func (a *IO) PromptDuration(prompt string) time.Duration {
	name := PromptName(prompt)
	if secs, ok := a.cfg.PromptDurations[name]; ok && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if a.cfg.SoundsDir == "" {
		return 0
	}
	d, err := wav.FileDuration(filepath.Join(a.cfg.SoundsDir, name+".wav"))
	if err != nil {
		a.log.Debug("prompt_duration_unknown", "prompt", name, "error", err)
		return 0
	}
	return d
}

func (a *IO) startRecording(ctx context.Context, channel, name string) error {
	err := a.deps.Commands.Record(ctx, channel, ari.RecordOptions{
		Name:               name,
		Format:             "wav",
		MaxDurationSeconds: a.cfg.Listen.RecordMaxDurationS,
		TerminateOn:        "#",
		Beep:               false,
		IfExists:           "overwrite",
	})
	if err != nil {
		a.log.Error("recording_start_failed", "name", name, "error", err)
		return errorsx.Wrap(err, errorsx.ReasonRecording)
	}
	a.log.Debug("recording_started", "name", name)
	return nil
}

func (a *IO) silenceLoop(ctx context.Context, name string, start time.Time, maxDuration, silence time.Duration) error {
	if maxDuration <= 0 {
		maxDuration = time.Duration(a.cfg.Listen.RecordMaxDurationS) * time.Second
	}
	grace := ms(a.cfg.Listen.GraceMS)
	var speechAt time.Time
	defer func() {
		metrics.Record(a.deps.Observer, metrics.NewEvent(metrics.EventRecordingDone, a.callID,
			float64(time.Since(start).Milliseconds()), map[string]any{"name": name}))
	}()
	for {
		elapsed := time.Since(start)
		if elapsed >= maxDuration {
			a.stopRecording(name)
			a.log.Debug("recording_max_duration", "name", name, "elapsed_ms", elapsed.Milliseconds())
			return nil
		}
		live, err := a.deps.Commands.LiveRecordingExists(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn("recording_poll_failed", "name", name, "error", err)
			return nil
		}
		if !live {
			a.log.Debug("recording_ended", "name", name, "elapsed_ms", elapsed.Milliseconds())
			return nil
		}
		switch {
		case speechAt.IsZero() && elapsed >= grace:
			speechAt = time.Now()
		case !speechAt.IsZero() && time.Since(speechAt) >= silence:
			a.stopRecording(name)
			return sleep(ctx, ms(a.cfg.Listen.StopSettleMS))
		}
		if err := sleep(ctx, ms(a.cfg.Listen.RecordPollMS)); err != nil {
			a.stopRecording(name)
			return err
		}
	}
}

func (a *IO) stopRecording(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.deps.Commands.StopRecording(ctx, name); err != nil {
		a.log.Warn("recording_stop_failed", "name", name, "error", err)
	}
}

func (a *IO) trackAnswer(name string, ans Answer) {
	if a.deps.Tracker == nil {
		return
	}
	file := filepath.Base(ans.File)
	if file == "." || file == "" {
		file = name + ".wav"
	}
	a.deps.Tracker.TrackClient(a.callID, file, ans.Text, string(ans.Sentiment.Label), ans.Sentiment.Confidence)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
