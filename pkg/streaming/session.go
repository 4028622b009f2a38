package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
	"github.com/harunnryd/callbot/pkg/amd"
	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/intent"
	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/turn"
	"github.com/harunnryd/callbot/pkg/vad"
)

// minGreeting is the least audio worth a frame AMD pass.
const minGreeting = 500 * time.Millisecond

// PlaybackStopper cancels whatever is playing on a channel.
type PlaybackStopper interface {
	StopChannelPlaybacks(ctx context.Context, channelID string) (int, error)
}

// SessionState is a snapshot of one streaming conversation.
type SessionState struct {
	ChannelID        string
	Step             string
	Partials         []string
	Finals           []string
	Intents          []intent.Result
	BargeIns         int
	Overwrites       int
	ASRLatencyAvg    time.Duration
	IntentLatencyAvg time.Duration
}

type SessionDeps struct {
	Stopper  PlaybackStopper
	Engine   *intent.Engine
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Session joins the audio side of a call (VAD edges, recognizer results)
// with the call worker waiting on the conversation.
type Session struct {
	id      string
	cfg     Config
	deps    SessionDeps
	turns   turn.Manager
	mailbox *Mailbox
	log     *slog.Logger

	mu          sync.Mutex
	state       SessionState
	intentCtx   intent.Context
	stepBargeIn bool
	lastFrame   time.Time
	greeting    []byte

	// claimed is guarded by the owning Server's mutex.
	claimed bool
}

func NewSession(channelID string, cfg Config, deps SessionDeps) *Session {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Engine == nil {
		deps.Engine = intent.NewEngine(nil, intent.EngineConfig{})
	}
	s := &Session{
		id:        channelID,
		cfg:       cfg,
		deps:      deps,
		mailbox:   NewMailbox(),
		log:       log.With("call_id", channelID),
		state:     SessionState{ChannelID: channelID},
		intentCtx: intent.ContextGeneral,
	}
	s.turns = turn.NewManager(turn.InterruptFunc(s.interrupt))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Turns() turn.Manager { return s.turns }

func (s *Session) Mailbox() *Mailbox { return s.mailbox }

// BeginStep scopes classification and barge-in accounting to a new step.
func (s *Session) BeginStep(step string, c intent.Context) {
	if c == "" {
		c = intent.ContextGeneral
	}
	s.mu.Lock()
	s.state.Step = step
	s.intentCtx = c
	s.stepBargeIn = false
	s.mu.Unlock()
	s.mailbox.Reset()
}

// StepBargedIn reports whether the caller interrupted the current step's prompt.
func (s *Session) StepBargedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepBargeIn
}

// FeedGreeting keeps the leading caller audio until the AMD window is full.
func (s *Session) FeedGreeting(frame []byte) {
	limit := s.cfg.greetingBytes()
	s.mu.Lock()
	defer s.mu.Unlock()
	if room := limit - len(s.greeting); room > 0 {
		if len(frame) > room {
			frame = frame[:room]
		}
		s.greeting = append(s.greeting, frame...)
	}
}

// GreetingFrames runs the frame AMD pass over the buffered greeting and the
// first final transcript. It reports false until enough audio has arrived.
func (s *Session) GreetingFrames(th amd.Thresholds) (amd.Decision, bool) {
	det := vad.New(s.cfg.vadConfig())
	s.mu.Lock()
	pcm := append([]byte(nil), s.greeting...)
	text := ""
	if len(s.state.Finals) > 0 {
		text = s.state.Finals[0]
	}
	s.mu.Unlock()

	frames := len(pcm) / det.FrameBytes()
	if time.Duration(frames)*det.FrameDuration() < minGreeting {
		return amd.Decision{}, false
	}
	d, _ := amd.AnalyzeFrames(det, pcm, text, th)
	s.log.Debug("stream_amd_frames", "result", d.Result, "confidence", d.Confidence, "longest_s", d.Evidence.LongestSeconds)
	return d, true
}

// OnSpeechStart returns true when the prompt was interrupted.
func (s *Session) OnSpeechStart() bool {
	s.emit(metrics.EventSpeechStart, 0, nil)
	if !s.turns.OnSpeechStart() {
		return false
	}
	latency := s.turns.BargeInLatency()
	s.mu.Lock()
	s.state.BargeIns++
	s.stepBargeIn = true
	s.mu.Unlock()
	s.log.Info("barge_in", "step", s.step(), "stop_ms", latency.Milliseconds())
	s.emit(metrics.EventBargeIn, float64(latency.Milliseconds()), nil)
	return true
}

func (s *Session) OnSpeechEnd() {
	s.turns.OnSpeechEnd()
	s.emit(metrics.EventSpeechEnd, 0, nil)
}

// MarkAudio records when the last audio frame reached the recognizer.
func (s *Session) MarkAudio(at time.Time) {
	s.mu.Lock()
	s.lastFrame = at
	s.mu.Unlock()
}

// OnResult consumes one recognizer hypothesis. Finals are classified and
// posted to the mailbox.
func (s *Session) OnResult(ctx context.Context, res stt.Result) {
	if res.Kind != stt.ResultFinal {
		s.mu.Lock()
		s.state.Partials = append(s.state.Partials, res.Text)
		s.mu.Unlock()
		s.emit(metrics.EventASRPartial, float64(res.Latency.Milliseconds()), map[string]any{"text": res.Text})
		return
	}
	asr := res.Latency
	s.mu.Lock()
	if asr <= 0 && !s.lastFrame.IsZero() {
		asr = time.Since(s.lastFrame)
	}
	s.state.Finals = append(s.state.Finals, res.Text)
	s.state.ASRLatencyAvg = movingAverage(s.state.ASRLatencyAvg, asr)
	c := s.intentCtx
	s.mu.Unlock()
	s.emit(metrics.EventASRFinal, float64(asr.Milliseconds()), map[string]any{"text": res.Text})

	start := time.Now()
	result := s.deps.Engine.Classify(ctx, res.Text, c)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.state.Intents = append(s.state.Intents, result)
	s.state.IntentLatencyAvg = movingAverage(s.state.IntentLatencyAvg, elapsed)
	s.mu.Unlock()

	s.mailbox.Put(Transition{
		Intent:        result.Intent,
		Confidence:    result.Confidence,
		Text:          res.Text,
		Method:        MethodStreaming,
		ASRLatency:    asr,
		IntentLatency: elapsed,
		At:            time.Now(),
	})
	s.emit(metrics.EventIntentResolved, float64(elapsed.Milliseconds()), map[string]any{
		"intent":     string(result.Intent),
		"confidence": result.Confidence,
		"method":     result.Method,
	})
}

// WaitForTransition blocks until the current step's answer is resolved.
func (s *Session) WaitForTransition(ctx context.Context, timeout time.Duration) (Transition, error) {
	t, err := s.mailbox.Wait(ctx, timeout)
	if err != nil {
		return Transition{}, err
	}
	s.turns.OnTurnResolved()
	if t.TimedOut() {
		s.log.Info("transition_timeout", "step", s.step(), "timeout_ms", timeout.Milliseconds())
	}
	return t, nil
}

// State returns a copy of the session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.Partials = append([]string(nil), s.state.Partials...)
	out.Finals = append([]string(nil), s.state.Finals...)
	out.Intents = append([]intent.Result(nil), s.state.Intents...)
	out.Overwrites = s.mailbox.Overwrites()
	return out
}

func (s *Session) interrupt(reason string) error {
	if s.deps.Stopper == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.stopTimeout())
	defer cancel()
	n, err := s.deps.Stopper.StopChannelPlaybacks(ctx, s.id)
	if err != nil {
		s.log.Warn("barge_in_stop_failed", "reason", reason, "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
		return err
	}
	s.log.Debug("playbacks_stopped", "reason", reason, "count", n)
	return nil
}

var _ amd.FrameSource = (*Session)(nil)

func (s *Session) step() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Step
}

func (s *Session) emit(name string, value float64, fields map[string]any) {
	if s.deps.Observer == nil {
		return
	}
	ev := metrics.NewEvent(name, s.id, value, fields)
	ev.Tags[metrics.TagStep] = s.step()
	s.deps.Observer.RecordEvent(ev)
}

func movingAverage(avg, sample time.Duration) time.Duration {
	if avg == 0 {
		return sample
	}
	return time.Duration(0.9*float64(avg) + 0.1*float64(sample))
}
