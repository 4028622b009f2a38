package callbot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
	"github.com/harunnryd/callbot/pkg/amd"
	"github.com/harunnryd/callbot/pkg/ari"
	"github.com/harunnryd/callbot/pkg/audio"
	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/intent"
	"github.com/harunnryd/callbot/pkg/logging"
	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/provenance"
	"github.com/harunnryd/callbot/pkg/redact"
	"github.com/harunnryd/callbot/pkg/scenario"
	"github.com/harunnryd/callbot/pkg/sentiment"
	"github.com/harunnryd/callbot/pkg/store"
	"github.com/harunnryd/callbot/pkg/streaming"
	"github.com/harunnryd/callbot/pkg/supervisor"
)

// ChannelCommands is the PBX surface a call worker needs.
type ChannelCommands interface {
	audio.Commands
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
}

type HandlerDeps struct {
	Commands    ChannelCommands
	Store       store.Store
	Tracker     *provenance.Tracker
	Transcriber stt.Transcriber
	Sentiment   sentiment.Classifier
	Intents     *intent.Engine
	AMD         *amd.Detector
	Scenarios   *scenario.Library
	// Streaming is nil when answers come from recorded files.
	Streaming *streaming.Server
	Observer  metrics.Observer
	Logger    *slog.Logger
}

// CallHandler runs one answered call: AMD, the scenario, and the
// persistence of its outcome.
type CallHandler struct {
	audio audio.Config
	deps  HandlerDeps
	log   *slog.Logger
	now   func() time.Time
}

func NewCallHandler(audioCfg audio.Config, deps HandlerDeps) *CallHandler {
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	if deps.Sentiment == nil {
		deps.Sentiment = sentiment.NewKeywordClassifier()
	}
	if deps.Intents == nil {
		deps.Intents = intent.NewEngine(nil, intent.EngineConfig{})
	}
	if deps.Scenarios == nil {
		deps.Scenarios = scenario.NewLibrary(scenario.Production)
	}
	return &CallHandler{
		audio: audioCfg,
		deps:  deps,
		log:   logging.NewComponentLogger(base, "call"),
		now:   time.Now,
	}
}

// callOutcome feeds the post-call contact status.
type callOutcome struct {
	machine   bool
	completed bool
	silent    bool
	lead      bool
	// failed is set when the conversation itself raised an error.
	failed bool
}

// contactStatus maps a call outcome onto the contact lifecycle.
func contactStatus(o callOutcome) store.ContactStatus {
	switch {
	case o.failed:
		return store.ContactNotInterested
	case o.machine, !o.completed, o.silent:
		return store.ContactNoAnswer
	case o.lead:
		return store.ContactLeads
	default:
		return store.ContactNotInterested
	}
}

func (h *CallHandler) HandleCall(ctx context.Context, sess *supervisor.Session) error {
	log := h.log.With("call_id", sess.ChannelID)
	persistCtx := context.WithoutCancel(ctx)

	if err := h.deps.Commands.Answer(ctx, sess.ChannelID); err != nil {
		h.recordAttempt(persistCtx, sess, store.ContactNoAnswer)
		return errorsx.Wrap(err, errorsx.ReasonARIAnswer)
	}
	log.Info("call_answered", "phone", redact.Phone(sess.Phone), "scenario", sess.Scenario)

	if sess.RecordingFile != "" {
		err := h.deps.Commands.Record(ctx, sess.ChannelID, ari.RecordOptions{
			Name:        sess.RecordingFile,
			Format:      "wav",
			TerminateOn: "none",
			IfExists:    "overwrite",
		})
		if err != nil {
			log.Warn("full_recording_failed", "file", sess.RecordingFile, "error", err.Error())
		}
	}

	rec := store.CallRecord{
		CallID:     sess.ChannelID,
		Phone:      sess.Phone,
		CampaignID: sess.CampaignID,
		Status:     store.CallAnswered,
		StartedAt:  sess.StartedAt,
	}
	if err := h.deps.Store.CreateCallRecord(persistCtx, rec); err != nil {
		h.persistFailed("create_call", sess.ChannelID, err)
	}

	io := audio.New(sess.ChannelID, h.audio, audio.Deps{
		Commands:    h.deps.Commands,
		Tracker:     h.deps.Tracker,
		Transcriber: h.deps.Transcriber,
		Sentiment:   h.deps.Sentiment,
		Observer:    h.deps.Observer,
		Logger:      h.log,
	})

	var live *streaming.Session
	var frames amd.FrameSource
	if h.deps.Streaming != nil {
		live = h.deps.Streaming.Claim(sess.ChannelID)
		if live != nil {
			frames = live
		}
		defer h.deps.Streaming.Release(sess.ChannelID)
	}

	decision := amd.FromNativeHint(sess.AMDHint)
	if h.deps.AMD != nil {
		decision = h.deps.AMD.Decide(ctx, sess.ChannelID, sess.ChannelID, sess.AMDHint, io, frames)
	}
	rec.AMDResult = string(decision.Result)
	if ctx.Err() != nil {
		h.complete(persistCtx, sess, rec, callOutcome{})
		return ctx.Err()
	}
	if decision.IsMachine() {
		log.Info("call_machine_detected", "method", decision.Method, "confidence", decision.Confidence)
		h.complete(persistCtx, sess, rec, callOutcome{machine: true, completed: true})
		h.hangup(sess.ChannelID)
		return nil
	}

	sc := h.deps.Scenarios.Get(sess.Scenario)
	runner := h.stepRunner(sess, io, live, log)

	machine := scenario.NewMachine(sc, log).OnTurn(func(step *scenario.Step, t scenario.Turn) {
		sess.SetStep(step.Name)
		h.saveInteraction(persistCtx, sess.ChannelID, step, t)
	})
	res, err := machine.Run(ctx, runner)

	outcome := callOutcome{
		completed: err == nil && res.Outcome != "",
		silent:    allSilent(res.Turns),
		lead:      res.Lead,
	}
	rec.FinalSentiment = string(res.FinalSentiment.Label)
	rec.IsInterested = res.Lead || res.FinalSentiment.Label == sentiment.Positive
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		log.Info("call_hung_up_during_conversation", "step", sess.Step())
	default:
		outcome.failed = true
		rec.Status = store.CallFailed
		log.Error("conversation_failed", "step", sess.Step(), "error", err.Error())
	}
	h.complete(persistCtx, sess, rec, outcome)
	log.Info("call_conversation_done",
		"outcome", string(res.Outcome),
		"lead", res.Lead,
		"path", res.Path,
		"retries", res.Retries,
		"final_sentiment", rec.FinalSentiment,
	)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	h.hangup(sess.ChannelID)
	if outcome.failed {
		return err
	}
	return nil
}

// stepRunner picks the live stream runner when streaming is on.
func (h *CallHandler) stepRunner(sess *supervisor.Session, io *audio.IO, live *streaming.Session, log *slog.Logger) scenario.StepRunner {
	if live == nil {
		return newRecordedRunner(sess.ChannelID, io, h.deps.Intents, h.deps.Observer, log)
	}
	return streaming.NewRunner(sess.ChannelID, io, live, h.deps.Sentiment, h.log)
}

func (h *CallHandler) saveInteraction(ctx context.Context, callID string, step *scenario.Step, t scenario.Turn) {
	in := store.Interaction{
		CallID:           callID,
		QuestionNumber:   step.Question,
		QuestionPlayed:   step.Prompt,
		Transcription:    t.Text,
		AudioPath:        t.File,
		Sentiment:        string(t.Sentiment.Label),
		Confidence:       t.Sentiment.Confidence,
		ResponseDuration: t.Latency.Total.Seconds(),
		Language:         h.audio.Language,
		Intent:           string(t.Intent),
		IntentConfidence: t.Confidence,
		ASRLatencyMS:     float64(t.Latency.ASR.Milliseconds()),
		IntentLatencyMS:  float64(t.Latency.Intent.Milliseconds()),
		BargeIn:          t.BargeIn,
		ProcessingMethod: t.Method,
		PlayedAt:         h.now(),
	}
	if err := h.deps.Store.AppendInteraction(ctx, in); err != nil {
		h.persistFailed("append_interaction", callID, err)
	}
}

func (h *CallHandler) complete(ctx context.Context, sess *supervisor.Session, rec store.CallRecord, o callOutcome) {
	if err := h.deps.Store.UpdateCallRecord(ctx, rec); err != nil {
		h.persistFailed("update_call", sess.ChannelID, err)
	}
	h.recordAttempt(ctx, sess, contactStatus(o))
}

func (h *CallHandler) recordAttempt(ctx context.Context, sess *supervisor.Session, status store.ContactStatus) {
	if sess.Phone == "" || sess.Phone == supervisor.DefaultPhone {
		return
	}
	if err := h.deps.Store.RecordContactAttempt(ctx, sess.Phone, status, h.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.persistFailed("record_contact_attempt", sess.ChannelID, err)
	}
	h.log.Info("contact_status_updated", "call_id", sess.ChannelID, "phone", redact.Phone(sess.Phone), "status", string(status))
}

func (h *CallHandler) hangup(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.deps.Commands.Hangup(ctx, channelID); err != nil {
		h.log.Warn("hangup_failed", "call_id", channelID, "error", err.Error())
	}
}

func (h *CallHandler) persistFailed(op, callID string, err error) {
	h.log.Warn("persistence_failed", "op", op, "call_id", callID, "error", errorsx.Wrap(err, errorsx.ReasonPersistence).Error())
}

func allSilent(turns []scenario.StepTurn) bool {
	for _, t := range turns {
		if !(audio.Answer{Text: t.Text}).Silent() {
			return false
		}
	}
	return true
}

var _ supervisor.CallHandler = (*CallHandler)(nil)
