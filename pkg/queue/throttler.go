// Package queue launches the outbound call queue while keeping the number of
// simultaneous calls under the trunk's limit.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/logging"
	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/redact"
	"github.com/harunnryd/callbot/pkg/store"
)

type Config struct {
	MaxConcurrent       int `mapstructure:"max_concurrent"`
	DelayBetweenCallsMS int `mapstructure:"delay_between_calls_ms"`
	CheckIntervalMS     int `mapstructure:"check_interval_ms"`
	RetryDelayS         int `mapstructure:"retry_delay_s"`
	CallTimeoutS        int `mapstructure:"call_timeout_s"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.DelayBetweenCallsMS < 0 {
		c.DelayBetweenCallsMS = 0
	} else if c.DelayBetweenCallsMS == 0 {
		c.DelayBetweenCallsMS = 2000
	}
	if c.CheckIntervalMS <= 0 {
		c.CheckIntervalMS = 5000
	}
	if c.RetryDelayS <= 0 {
		c.RetryDelayS = 300
	}
	if c.CallTimeoutS <= 0 {
		c.CallTimeoutS = 120
	}
	return c
}

func (c Config) delay() time.Duration       { return time.Duration(c.DelayBetweenCallsMS) * time.Millisecond }
func (c Config) interval() time.Duration    { return time.Duration(c.CheckIntervalMS) * time.Millisecond }
func (c Config) retryDelay() time.Duration  { return time.Duration(c.RetryDelayS) * time.Second }
func (c Config) callTimeout() time.Duration { return time.Duration(c.CallTimeoutS) * time.Second }

// TickStats summarizes one pass over the queue.
type TickStats struct {
	Cleaned   int
	Completed int
	Active    int
	Slots     int
	Launched  int
	Failed    int
}

// Throttler drives call_queue: it reconciles finished calls, recycles stuck
// and retrying entries, then launches pending ones into the free slots.
type Throttler struct {
	cfg      Config
	store    store.Store
	launcher Launcher
	observer metrics.Observer
	log      *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewThrottler(cfg Config, st store.Store, launcher Launcher, obs metrics.Observer) *Throttler {
	return &Throttler{
		cfg:      cfg.withDefaults(),
		store:    st,
		launcher: launcher,
		observer: obs,
		log:      logging.NewComponentLogger(slog.Default(), "throttler"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run ticks every check interval until ctx is canceled.
func (t *Throttler) Run(ctx context.Context) error {
	t.log.Info("throttler_started",
		"max_concurrent", t.cfg.MaxConcurrent,
		"delay_between_calls", t.cfg.delay().String(),
		"check_interval", t.cfg.interval().String(),
		"call_timeout", t.cfg.callTimeout().String(),
		"retry_delay", t.cfg.retryDelay().String(),
	)
	ticker := time.NewTicker(t.cfg.interval())
	defer ticker.Stop()
	iteration := 0
	for {
		iteration++
		stats, err := t.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			t.log.Error("queue_tick_failed", "error", err.Error())
		} else if stats.Launched > 0 || iteration%5 == 1 {
			t.log.Info("queue_status", "active", stats.Active, "max", t.cfg.MaxConcurrent, "slots", stats.Slots, "launched", stats.Launched)
		}
		select {
		case <-ctx.Done():
			t.log.Info("throttler_stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one full pass.
func (t *Throttler) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	cleaned, err := t.cleanupStuck(ctx)
	if err != nil {
		return stats, err
	}
	stats.Cleaned = cleaned
	if stats.Completed, err = t.reconcileCompleted(ctx); err != nil {
		return stats, err
	}
	if err := t.requeueRetrying(ctx); err != nil {
		return stats, err
	}
	if stats.Active, err = t.store.CountQueue(ctx, store.QueueCalling); err != nil {
		return stats, persistErr("count_calling", err)
	}
	stats.Slots = t.cfg.MaxConcurrent - stats.Active
	if stats.Slots <= 0 {
		return stats, nil
	}
	stats.Launched, stats.Failed, err = t.launchNext(ctx, stats.Slots)
	return stats, err
}

func (t *Throttler) cleanupStuck(ctx context.Context) (int, error) {
	calling, err := t.store.QueueByStatus(ctx, store.QueueCalling)
	if err != nil {
		return 0, persistErr("list_calling", err)
	}
	threshold := t.now().Add(-t.cfg.callTimeout())
	cleaned := 0
	for _, e := range calling {
		if e.LastAttemptAt.IsZero() || !e.LastAttemptAt.Before(threshold) {
			continue
		}
		t.log.Warn("queue_entry_stuck", "entry_id", e.ID, "call_id", e.CallID, "phone", redact.Phone(e.Phone))
		switch {
		case e.CallID != "" && t.callEnded(ctx, e.CallID):
			e.Status = store.QueueCompleted
		case e.CanRetry():
			e.Status = store.QueuePending
			e.ErrorMessage = "timeout: call stuck"
		default:
			e.Status = store.QueueFailed
			e.ErrorMessage = "timeout: call stuck"
		}
		if err := t.store.UpdateQueueEntry(ctx, e); err != nil {
			return cleaned, persistErr("update_queue", err)
		}
		cleaned++
	}
	return cleaned, nil
}

func (t *Throttler) callEnded(ctx context.Context, callID string) bool {
	rec, err := t.store.GetCallRecord(ctx, callID)
	return err == nil && rec.Ended()
}

// reconcileCompleted closes calling entries whose call ended and folds the
// outcome into the contact and campaign.
func (t *Throttler) reconcileCompleted(ctx context.Context) (int, error) {
	calling, err := t.store.QueueByStatus(ctx, store.QueueCalling)
	if err != nil {
		return 0, persistErr("list_calling", err)
	}
	done := 0
	for _, e := range calling {
		if e.CallID == "" {
			continue
		}
		rec, err := t.store.GetCallRecord(ctx, e.CallID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				t.log.Warn("call_lookup_failed", "call_id", e.CallID, "error", err.Error())
			}
			continue
		}
		if !rec.Ended() {
			continue
		}
		e.Status = store.QueueCompleted
		if err := t.store.UpdateQueueEntry(ctx, e); err != nil {
			return done, persistErr("update_queue", err)
		}
		done++
		t.log.Info("queue_call_completed", "call_id", e.CallID, "duration_s", rec.Duration, "sentiment", rec.FinalSentiment)
		t.updateContact(ctx, e, rec)
		t.updateCampaign(ctx, e, rec)
	}
	return done, nil
}

func (t *Throttler) updateContact(ctx context.Context, e store.QueueEntry, rec store.CallRecord) {
	c, err := t.store.GetContact(ctx, e.Phone)
	if err != nil {
		return
	}
	// Still Calling means the conversation never set an outcome.
	if c.Status == store.ContactCalling {
		c.Status = store.ContactNoAnswer
	}
	c.Attempts = e.Attempts
	c.LastAttempt = e.LastAttemptAt
	if rec.RecordingPath != "" {
		c.AudioRecordingPath = rec.RecordingPath
	}
	c.CallDuration = rec.Duration
	c.FinalStatus = string(rec.Status)
	c.Transcript = fmt.Sprintf("Sentiment: %s, Interested: %t", rec.FinalSentiment, rec.IsInterested)
	if err := t.store.UpdateContact(ctx, c); err != nil {
		t.log.Warn("contact_update_failed", "phone", redact.Phone(e.Phone), "error", persistErr("update_contact", err).Error())
	}
}

func (t *Throttler) updateCampaign(ctx context.Context, e store.QueueEntry, rec store.CallRecord) {
	if e.CampaignID == "" {
		return
	}
	camp, err := t.store.GetCampaign(ctx, e.CampaignID)
	if err != nil {
		return
	}
	if rec.Status == store.CallCompleted {
		camp.SuccessfulCalls++
	}
	switch {
	case rec.FinalSentiment == "positive" || rec.IsInterested:
		camp.PositiveResponses++
	case rec.FinalSentiment == "negative":
		camp.NegativeResponses++
	}
	if err := t.store.UpdateCampaign(ctx, camp); err != nil {
		t.log.Warn("campaign_update_failed", "campaign_id", e.CampaignID, "error", persistErr("update_campaign", err).Error())
	}
}

func (t *Throttler) requeueRetrying(ctx context.Context) error {
	retrying, err := t.store.QueueByStatus(ctx, store.QueueRetrying)
	if err != nil {
		return persistErr("list_retrying", err)
	}
	threshold := t.now().Add(-t.cfg.retryDelay())
	for _, e := range retrying {
		if !e.LastAttemptAt.IsZero() && e.LastAttemptAt.After(threshold) {
			continue
		}
		e.Status = store.QueuePending
		if err := t.store.UpdateQueueEntry(ctx, e); err != nil {
			return persistErr("update_queue", err)
		}
	}
	return nil
}

func (t *Throttler) launchNext(ctx context.Context, slots int) (launched, failed int, err error) {
	pending, err := t.store.NextPending(ctx, slots)
	if err != nil {
		return 0, 0, persistErr("next_pending", err)
	}
	for _, e := range pending {
		if ctx.Err() != nil {
			return launched, failed, ctx.Err()
		}
		if !t.campaignAllows(ctx, &e) {
			if e.Status == store.QueueFailed {
				failed++
				if err := t.store.UpdateQueueEntry(ctx, e); err != nil {
					return launched, failed, persistErr("update_queue", err)
				}
			}
			continue
		}
		if !e.CanRetry() {
			e.Status = store.QueueFailed
			e.ErrorMessage = "max attempts reached"
			failed++
			t.log.Warn("queue_entry_exhausted", "entry_id", e.ID, "attempts", e.Attempts, "max", e.MaxAttempts)
			if err := t.store.UpdateQueueEntry(ctx, e); err != nil {
				return launched, failed, persistErr("update_queue", err)
			}
			continue
		}

		if launched > 0 {
			if err := t.sleep(ctx, t.cfg.delay()); err != nil {
				return launched, failed, err
			}
		}
		now := t.now()
		callID, lerr := t.launcher.Launch(ctx, LaunchRequest{Phone: e.Phone, Scenario: e.Scenario, CampaignID: e.CampaignID})
		e.Attempts++
		e.LastAttemptAt = now
		if lerr != nil {
			e.ErrorMessage = lerr.Error()
			if e.CanRetry() {
				e.Status = store.QueueRetrying
				t.log.Warn("launch_failed_retrying", "entry_id", e.ID, "attempt", e.Attempts, "max", e.MaxAttempts, "error", lerr.Error())
			} else {
				e.Status = store.QueueFailed
				failed++
				t.log.Error("launch_failed", append([]any{"entry_id", e.ID, "attempts", e.Attempts}, errorsx.LogAttrs(lerr)...)...)
			}
			if err := t.store.UpdateQueueEntry(ctx, e); err != nil {
				return launched, failed, persistErr("update_queue", err)
			}
			continue
		}

		e.Status = store.QueueCalling
		e.CallID = callID
		e.ErrorMessage = ""
		if err := t.store.UpdateQueueEntry(ctx, e); err != nil {
			return launched, failed, persistErr("update_queue", err)
		}
		if c, err := t.store.GetContact(ctx, e.Phone); err == nil {
			c.Status = store.ContactCalling
			c.Attempts = e.Attempts
			c.LastAttempt = now
			if err := t.store.UpdateContact(ctx, c); err != nil {
				t.log.Warn("contact_update_failed", "phone", redact.Phone(e.Phone), "error", err.Error())
			}
		}
		launched++
		t.log.Info("call_launched", "call_id", callID, "phone", redact.Phone(e.Phone), "campaign_id", e.CampaignID, "slot", launched, "slots", slots)
		metrics.Record(t.observer, metrics.NewEvent(metrics.EventCallLaunched, callID, 1, map[string]any{
			"campaign_id": e.CampaignID,
			"attempt":     e.Attempts,
		}))
	}
	return launched, failed, nil
}

// campaignAllows skips entries of paused campaigns and fails those whose
// campaign is missing or completed. Entries without a campaign always run.
func (t *Throttler) campaignAllows(ctx context.Context, e *store.QueueEntry) bool {
	if e.CampaignID == "" {
		return true
	}
	camp, err := t.store.GetCampaign(ctx, e.CampaignID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.Status = store.QueueFailed
		e.ErrorMessage = "campaign not found"
		return false
	case err != nil:
		t.log.Warn("campaign_lookup_failed", "campaign_id", e.CampaignID, "error", err.Error())
		return false
	}
	switch camp.Status {
	case store.CampaignPaused:
		return false
	case store.CampaignCompleted:
		e.Status = store.QueueFailed
		e.ErrorMessage = "campaign completed"
		return false
	}
	return true
}

func persistErr(op string, err error) error {
	return errorsx.Wrap(fmt.Errorf("%s: %w", op, err), errorsx.ReasonPersistence)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
