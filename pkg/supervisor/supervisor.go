// Package supervisor owns the table of in-progress calls. Each call started on
// the event stream gets its own worker goroutine; the supervisor finalizes the
// call (record, contact, assembly, transcript) when that worker exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callbot/pkg/ari"
	"github.com/harunnryd/callbot/pkg/assembly"
	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/logging"
	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/provenance"
	"github.com/harunnryd/callbot/pkg/redact"
	"github.com/harunnryd/callbot/pkg/store"
)

const (
	DefaultPhone   = "unknown"
	DefaultAMDHint = "UNKNOWN"
)

// CallHandler runs the conversation of one call. It returns when the call
// is over or ctx is canceled by the hangup.
type CallHandler interface {
	HandleCall(ctx context.Context, sess *Session) error
}

type HandlerFunc func(ctx context.Context, sess *Session) error

func (f HandlerFunc) HandleCall(ctx context.Context, sess *Session) error { return f(ctx, sess) }

type Hanguper interface {
	Hangup(ctx context.Context, channelID string) error
}

type Config struct {
	DefaultScenario   string `mapstructure:"default_scenario"`
	RecordingsDir     string `mapstructure:"recordings_dir"`
	FinalizeTimeoutMS int    `mapstructure:"finalize_timeout_ms"`
	DrainPollMS       int    `mapstructure:"drain_poll_ms"`
}

func (c Config) withDefaults() Config {
	if c.DefaultScenario == "" {
		c.DefaultScenario = "production"
	}
	if c.RecordingsDir == "" {
		c.RecordingsDir = "/var/spool/asterisk/recording"
	}
	if c.FinalizeTimeoutMS <= 0 {
		c.FinalizeTimeoutMS = 30000
	}
	if c.DrainPollMS <= 0 {
		c.DrainPollMS = 200
	}
	return c
}

type Deps struct {
	Handler     CallHandler
	Hangup      Hanguper
	Store       store.Store
	Tracker     *provenance.Tracker
	Assembler   assembly.Assembler
	Transcripts assembly.TranscriptGenerator
	Observer    metrics.Observer
	Logger      *slog.Logger
}

// Supervisor implements ari.CallHandler and runner.Drainer.
type Supervisor struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	draining atomic.Bool
	wg       sync.WaitGroup
	now      func() time.Time
}

func New(cfg Config, deps Deps) *Supervisor {
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	if deps.Tracker == nil {
		deps.Tracker = provenance.NewTracker()
	}
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		log:      logging.NewComponentLogger(base, "supervisor"),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Tracker is the provenance ledger shared with call workers.
func (s *Supervisor) Tracker() *provenance.Tracker { return s.deps.Tracker }

// OnCallStarted registers the channel and spawns its worker.
func (s *Supervisor) OnCallStarted(evt ari.Event) {
	channelID := evt.ChannelID()
	if channelID == "" {
		s.log.Warn("call_started_without_channel")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ChannelID:     channelID,
		Phone:         evt.Arg(0, DefaultPhone),
		AMDHint:       evt.Arg(1, DefaultAMDHint),
		Scenario:      evt.Arg(2, s.cfg.DefaultScenario),
		CampaignID:    evt.Arg(3, ""),
		RecordingFile: evt.Arg(4, ""),
		StartedAt:     s.now(),
		Ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	s.mu.Lock()
	if s.draining.Load() {
		s.mu.Unlock()
		cancel()
		s.log.Warn("call_rejected_draining", "call_id", channelID)
		go s.hangup(channelID)
		return
	}
	if _, exists := s.sessions[channelID]; exists {
		s.mu.Unlock()
		cancel()
		s.log.Warn("call_already_running", "call_id", channelID)
		return
	}
	s.sessions[channelID] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	s.deps.Tracker.Start(channelID)
	s.log.Info("call_started",
		"call_id", channelID,
		"phone", redact.Phone(sess.Phone),
		"amd_hint", sess.AMDHint,
		"scenario", sess.Scenario,
		"campaign_id", sess.CampaignID,
	)
	metrics.Record(s.deps.Observer, metrics.NewEvent(metrics.EventCallStarted, channelID, 1, map[string]any{
		"scenario": sess.Scenario,
		"amd_hint": sess.AMDHint,
	}))
	go s.work(sess)
}

// OnCallEnded cancels the worker; finalization runs once it has returned.
func (s *Supervisor) OnCallEnded(evt ari.Event) {
	channelID := evt.ChannelID()
	sess, ok := s.Session(channelID)
	if !ok {
		s.log.Debug("call_ended_unknown", "call_id", channelID)
		return
	}
	sess.markEnded(s.now())
	sess.cancel()
	s.log.Info("call_hangup", "call_id", channelID)
}

func (s *Supervisor) Session(channelID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[channelID]
	return sess, ok
}

func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Supervisor) Draining() bool { return s.draining.Load() }

// Drain refuses new calls and waits until every worker has finalized.
func (s *Supervisor) Drain() error {
	s.mu.Lock()
	s.draining.Store(true)
	active := len(s.sessions)
	s.mu.Unlock()
	s.log.Info("supervisor_draining", "active", active)
	s.wg.Wait()
	return nil
}

// WaitForEmpty polls the table until it is empty or ctx ends.
func (s *Supervisor) WaitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(time.Duration(s.cfg.DrainPollMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) work(sess *Session) {
	defer s.wg.Done()
	defer s.remove(sess)
	defer s.finalize(sess)
	defer s.recoverPanic(sess, "handle", true)

	if s.deps.Handler == nil {
		return
	}
	err := s.deps.Handler.HandleCall(sess.Ctx, sess)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.log.Error("call_failed", append([]any{"call_id", sess.ChannelID}, errorsx.LogAttrs(err)...)...)
	s.hangup(sess.ChannelID)
}

// recoverPanic keeps a faulty call from taking the process down with it.
func (s *Supervisor) recoverPanic(sess *Session, stage string, hangup bool) {
	r := recover()
	if r == nil {
		return
	}
	s.log.Error("call_worker_panic", "call_id", sess.ChannelID, "stage", stage, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
	if hangup {
		s.hangup(sess.ChannelID)
	}
}

func (s *Supervisor) remove(sess *Session) {
	sess.cancel()
	s.mu.Lock()
	if cur, ok := s.sessions[sess.ChannelID]; ok && cur == sess {
		delete(s.sessions, sess.ChannelID)
	}
	s.mu.Unlock()
	close(sess.done)
}

func (s *Supervisor) hangup(channelID string) {
	if s.deps.Hangup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Hangup.Hangup(ctx, channelID); err != nil && !ari.IsNotFound(err) {
		s.log.Warn("hangup_failed", "call_id", channelID, "error", err.Error())
	}
}

// finalize stamps the stored call, links the full recording to the contact
// and hands the provenance ledger to assembly and transcript generation.
// Every step is best effort.
func (s *Supervisor) finalize(sess *Session) {
	defer s.recoverPanic(sess, "finalize", false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.FinalizeTimeoutMS)*time.Millisecond)
	defer cancel()

	ended := sess.EndedAt()
	if ended.IsZero() {
		ended = s.now()
		sess.markEnded(ended)
	}
	segs := s.deps.Tracker.Sequence(sess.ChannelID)
	recordingPath := ""
	if sess.RecordingFile != "" {
		recordingPath = filepath.Join(s.cfg.RecordingsDir, sess.RecordingFile+".wav")
	}

	rec, recErr := s.loadRecord(ctx, sess)
	if recErr == nil {
		rec.EndedAt = ended
		rec.Duration = int(ended.Sub(rec.StartedAt).Seconds())
		if rec.Status != store.CallFailed {
			rec.Status = store.CallCompleted
		}
		if recordingPath != "" {
			rec.RecordingPath = recordingPath
		}
	}

	if sess.Phone != DefaultPhone && recordingPath != "" && s.deps.Store != nil {
		if c, err := s.deps.Store.GetContact(ctx, sess.Phone); err == nil {
			c.AudioRecordingPath = recordingPath
			c.CallDuration = int(ended.Sub(sess.StartedAt).Seconds())
			if err := s.deps.Store.UpdateContact(ctx, c); err != nil {
				s.persistFailed("update_contact", sess.ChannelID, err)
			}
		}
	}

	assembled := ""
	if len(segs) > 0 && s.deps.Assembler != nil {
		path, err := s.deps.Assembler.Assemble(ctx, sess.ChannelID, segs)
		if err != nil {
			s.log.Warn("call_assembly_failed", "call_id", sess.ChannelID, "segments", len(segs), "error", err.Error())
		} else {
			assembled = path
			rec.AssembledAudioPath = path
		}
	}

	if recErr == nil {
		if err := s.deps.Store.UpdateCallRecord(ctx, rec); err != nil {
			s.persistFailed("update_call", sess.ChannelID, err)
		}
	}

	if len(segs) > 0 && s.deps.Transcripts != nil {
		meta := assembly.CallMeta{
			CallID:         sess.ChannelID,
			Phone:          sess.Phone,
			CampaignID:     sess.CampaignID,
			StartedAt:      sess.StartedAt,
			EndedAt:        ended,
			Duration:       int(ended.Sub(sess.StartedAt).Seconds()),
			AssembledAudio: assembled,
		}
		if recErr == nil {
			meta.AMDResult = rec.AMDResult
			meta.FinalSentiment = rec.FinalSentiment
			meta.Interested = rec.IsInterested
			meta.Duration = rec.Duration
		}
		if _, err := s.deps.Transcripts.Generate(meta, segs); err != nil {
			s.log.Warn("call_transcript_failed", "call_id", sess.ChannelID, "error", err.Error())
		}
	}

	duration := ended.Sub(sess.StartedAt)
	s.log.Info("call_ended", "call_id", sess.ChannelID, "duration_s", duration.Seconds(), "segments", len(segs), "assembled", assembled)
	metrics.Record(s.deps.Observer, metrics.NewEvent(metrics.EventCallEnded, sess.ChannelID, duration.Seconds(), map[string]any{
		"segments": len(segs),
	}))
}

func (s *Supervisor) loadRecord(ctx context.Context, sess *Session) (store.CallRecord, error) {
	if s.deps.Store == nil {
		return store.CallRecord{}, store.ErrNotFound
	}
	rec, err := s.deps.Store.GetCallRecord(ctx, sess.ChannelID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.persistFailed("get_call", sess.ChannelID, err)
	}
	return rec, err
}

func (s *Supervisor) persistFailed(op, callID string, err error) {
	s.log.Warn("persistence_failed", "op", op, "call_id", callID, "error", errorsx.Wrap(err, errorsx.ReasonPersistence).Error())
}

var _ ari.CallHandler = (*Supervisor)(nil)
