package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callbot/pkg/ari"
	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/store"
)

type fakeLauncher struct {
	mu    sync.Mutex
	reqs  []LaunchRequest
	fail  error
	count int
}

func (f *fakeLauncher) Launch(_ context.Context, req LaunchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.fail != nil {
		return "", f.fail
	}
	f.count++
	return fmt.Sprintf("call-%d", f.count), nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newThrottler(t *testing.T, cfg Config, st store.Store, l Launcher) (*Throttler, *clock, *int) {
	t.Helper()
	th := NewThrottler(cfg, st, l, metrics.NewMemoryObserver())
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	th.now = c.now
	sleeps := 0
	th.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}
	return th, c, &sleeps
}

func enqueue(t *testing.T, st store.Store, n int, campaign string) {
	t.Helper()
	for i := 0; i < n; i++ {
		phone := fmt.Sprintf("+3360000%04d", i)
		_ = st.UpsertContact(context.Background(), store.Contact{Phone: phone})
		if _, err := st.Enqueue(context.Background(), store.QueueEntry{Phone: phone, Scenario: "production", CampaignID: campaign}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func TestCallingNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	enqueue(t, st, 10, "")
	l := &fakeLauncher{}
	th, _, sleeps := newThrottler(t, Config{MaxConcurrent: 3}, st, l)

	stats, err := th.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Launched != 3 || *sleeps != 2 {
		t.Fatalf("expected 3 launches with 2 pauses, got %+v sleeps=%d", stats, *sleeps)
	}
	for i := 0; i < 3; i++ {
		if _, err := th.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		if n, _ := st.CountQueue(ctx, store.QueueCalling); n > 3 {
			t.Fatalf("calling entries exceeded the limit: %d", n)
		}
	}
	if len(l.reqs) != 3 {
		t.Fatalf("no launches expected while full, got %d", len(l.reqs))
	}

	_ = st.CreateCallRecord(ctx, store.CallRecord{CallID: "call-1", Status: store.CallCompleted, EndedAt: time.Now()})
	stats, _ = th.Tick(ctx)
	if stats.Completed != 1 || stats.Launched != 1 {
		t.Fatalf("expected one slot recycled, got %+v", stats)
	}
	if n, _ := st.CountQueue(ctx, store.QueueCalling); n != 3 {
		t.Fatalf("expected 3 calling, got %d", n)
	}
	c, _ := st.GetContact(ctx, l.reqs[3].Phone)
	if c.Status != store.ContactCalling || c.Attempts != 1 {
		t.Fatalf("launched contact not marked calling: %+v", c)
	}
}

func TestLaunchFailureRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, _ = st.Enqueue(ctx, store.QueueEntry{Phone: "+1", Scenario: "production", MaxAttempts: 2})
	l := &fakeLauncher{fail: errors.New("trunk busy")}
	th, clk, _ := newThrottler(t, Config{RetryDelayS: 60}, st, l)

	if _, err := th.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	retrying, _ := st.QueueByStatus(ctx, store.QueueRetrying)
	if len(retrying) != 1 || retrying[0].Attempts != 1 || retrying[0].ErrorMessage != "trunk busy" {
		t.Fatalf("expected retrying entry, got %+v", retrying)
	}

	clk.t = clk.t.Add(30 * time.Second)
	_, _ = th.Tick(ctx)
	if len(l.reqs) != 1 {
		t.Fatalf("retry must wait for the retry delay")
	}

	clk.t = clk.t.Add(31 * time.Second)
	_, _ = th.Tick(ctx)
	failed, _ := st.QueueByStatus(ctx, store.QueueFailed)
	if len(failed) != 1 || failed[0].Attempts != 2 {
		t.Fatalf("expected failed entry after max attempts, got %+v", failed)
	}
}

func TestCampaignStatusGatesLaunch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.UpsertCampaign(ctx, store.Campaign{CampaignID: "paused", Status: store.CampaignPaused})
	_ = st.UpsertCampaign(ctx, store.Campaign{CampaignID: "done", Status: store.CampaignCompleted})
	_ = st.UpsertCampaign(ctx, store.Campaign{CampaignID: "live"})
	for _, camp := range []string{"paused", "done", "missing", "live"} {
		_, _ = st.Enqueue(ctx, store.QueueEntry{Phone: "+" + camp, Scenario: "production", CampaignID: camp})
	}
	l := &fakeLauncher{}
	th, _, _ := newThrottler(t, Config{}, st, l)
	stats, err := th.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Launched != 1 || len(l.reqs) != 1 || l.reqs[0].CampaignID != "live" {
		t.Fatalf("only the live campaign should launch: %+v %+v", stats, l.reqs)
	}
	if stats.Failed != 2 {
		t.Fatalf("expected missing and completed campaigns to fail, got %d", stats.Failed)
	}
	pending, _ := st.QueueByStatus(ctx, store.QueuePending)
	if len(pending) != 1 || pending[0].CampaignID != "paused" {
		t.Fatalf("paused entry should stay pending: %+v", pending)
	}
}

func TestStuckCallsAreRecycled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := &fakeLauncher{}
	th, clk, _ := newThrottler(t, Config{CallTimeoutS: 120, MaxConcurrent: 1}, st, l)
	old := clk.t.Add(-5 * time.Minute)

	retry, _ := st.Enqueue(ctx, store.QueueEntry{Phone: "+1", Scenario: "production", MaxAttempts: 3})
	retry.Status, retry.Attempts, retry.LastAttemptAt, retry.CallID = store.QueueCalling, 1, old, "lost"
	_ = st.UpdateQueueEntry(ctx, retry)

	exhausted, _ := st.Enqueue(ctx, store.QueueEntry{Phone: "+2", Scenario: "production", MaxAttempts: 1})
	exhausted.Status, exhausted.Attempts, exhausted.LastAttemptAt, exhausted.CallID = store.QueueCalling, 1, old, "lost2"
	_ = st.UpdateQueueEntry(ctx, exhausted)

	stats, err := th.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Cleaned != 2 {
		t.Fatalf("expected two stuck entries, got %+v", stats)
	}
	failed, _ := st.QueueByStatus(ctx, store.QueueFailed)
	if len(failed) != 1 || failed[0].ID != exhausted.ID || failed[0].ErrorMessage == "" {
		t.Fatalf("exhausted entry should fail: %+v", failed)
	}
	if len(l.reqs) != 1 || l.reqs[0].Phone != "+1" {
		t.Fatalf("recycled entry should be relaunched: %+v", l.reqs)
	}
}

func TestExhaustedEntriesAreNeverLaunched(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := &fakeLauncher{}
	th, clk, _ := newThrottler(t, Config{CallTimeoutS: 120}, st, l)

	seeded, _ := st.Enqueue(ctx, store.QueueEntry{Phone: "+1", Scenario: "production", MaxAttempts: 2})
	seeded.Attempts = 2
	_ = st.UpdateQueueEntry(ctx, seeded)

	unlaunched, _ := st.Enqueue(ctx, store.QueueEntry{Phone: "+2", Scenario: "production", MaxAttempts: 1})
	unlaunched.Status, unlaunched.Attempts, unlaunched.LastAttemptAt = store.QueueCalling, 1, clk.t.Add(-5*time.Minute)
	_ = st.UpdateQueueEntry(ctx, unlaunched)

	stats, err := th.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(l.reqs) != 0 {
		t.Fatalf("exhausted entries must not be launched: %+v", l.reqs)
	}
	if stats.Cleaned != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	failed, _ := st.QueueByStatus(ctx, store.QueueFailed)
	if len(failed) != 2 {
		t.Fatalf("expected both entries failed, got %+v", failed)
	}
	for _, e := range failed {
		if e.Attempts != e.MaxAttempts || e.ErrorMessage == "" {
			t.Fatalf("unexpected failed entry %+v", e)
		}
	}
}

func TestReconcileUpdatesContactAndCampaign(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.UpsertCampaign(ctx, store.Campaign{CampaignID: "camp"})
	_ = st.UpsertContact(ctx, store.Contact{Phone: "+lead", Status: store.ContactLeads})
	_ = st.UpsertContact(ctx, store.Contact{Phone: "+silent", Status: store.ContactCalling})

	th, clk, _ := newThrottler(t, Config{}, st, &fakeLauncher{})
	for i, phone := range []string{"+lead", "+silent"} {
		e, _ := st.Enqueue(ctx, store.QueueEntry{Phone: phone, Scenario: "production", CampaignID: "camp"})
		e.Status, e.Attempts, e.LastAttemptAt = store.QueueCalling, 1, clk.t
		e.CallID = fmt.Sprintf("c%d", i)
		_ = st.UpdateQueueEntry(ctx, e)
	}
	_ = st.CreateCallRecord(ctx, store.CallRecord{CallID: "c0", Status: store.CallCompleted, FinalSentiment: "positive", IsInterested: true, Duration: 40, RecordingPath: "/rec/c0.wav", EndedAt: clk.t})
	_ = st.CreateCallRecord(ctx, store.CallRecord{CallID: "c1", Status: store.CallCompleted, FinalSentiment: "negative", EndedAt: clk.t})

	stats, err := th.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Completed != 2 {
		t.Fatalf("expected two completions, got %+v", stats)
	}
	lead, _ := st.GetContact(ctx, "+lead")
	if lead.Status != store.ContactLeads || lead.CallDuration != 40 || lead.AudioRecordingPath != "/rec/c0.wav" {
		t.Fatalf("lead contact not reconciled: %+v", lead)
	}
	if lead.Transcript != "Sentiment: positive, Interested: true" {
		t.Fatalf("unexpected transcript summary %q", lead.Transcript)
	}
	silent, _ := st.GetContact(ctx, "+silent")
	if silent.Status != store.ContactNoAnswer {
		t.Fatalf("contact left in Calling should become No_answer, got %s", silent.Status)
	}
	camp, _ := st.GetCampaign(ctx, "camp")
	if camp.SuccessfulCalls != 2 || camp.PositiveResponses != 1 || camp.NegativeResponses != 1 {
		t.Fatalf("unexpected campaign counters %+v", camp)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st := store.NewMemory()
	th, _, _ := newThrottler(t, Config{CheckIntervalMS: 10}, st, &fakeLauncher{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- th.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}

type fakeOriginator struct {
	reqs []ari.OriginateRequest
	errs []error
}

func (f *fakeOriginator) Originate(_ context.Context, req ari.OriginateRequest) (ari.Channel, error) {
	f.reqs = append(f.reqs, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return ari.Channel{}, err
		}
	}
	return ari.Channel{ID: "chan-1"}, nil
}

func TestARILauncherBuildsOriginate(t *testing.T) {
	o := &fakeOriginator{}
	l := NewARILauncher(ARILauncherConfig{}, o)
	id, err := l.Launch(context.Background(), LaunchRequest{Phone: "0611111111", Scenario: "production", CampaignID: "camp"})
	if err != nil || id != "chan-1" {
		t.Fatalf("launch: %s %v", id, err)
	}
	req := o.reqs[0]
	if req.Endpoint != "PJSIP/0611111111@bitcall" || req.Context != "outbound-robot" || req.Extension != "0611111111" || req.Priority != 1 {
		t.Fatalf("unexpected originate %+v", req)
	}
	if req.Variables["ARG1"] != "0611111111" || req.Variables["ARG2"] != "production" || req.Variables["ARG3"] != "camp" {
		t.Fatalf("unexpected variables %+v", req.Variables)
	}
}

func TestARILauncherRetriesServerErrorsOnly(t *testing.T) {
	o := &fakeOriginator{errs: []error{&ari.StatusError{Status: http.StatusServiceUnavailable}}}
	l := NewARILauncher(ARILauncherConfig{MaxRetries: 2, RetryBackoffMS: 1}, o)
	if _, err := l.Launch(context.Background(), LaunchRequest{Phone: "1"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(o.reqs) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(o.reqs))
	}

	o = &fakeOriginator{errs: []error{&ari.StatusError{Status: http.StatusBadRequest}}}
	l = NewARILauncher(ARILauncherConfig{MaxRetries: 2, RetryBackoffMS: 1}, o)
	_, err := l.Launch(context.Background(), LaunchRequest{Phone: "1"})
	if err == nil || len(o.reqs) != 1 {
		t.Fatalf("4xx must not be retried: %v attempts=%d", err, len(o.reqs))
	}
	if !errorsx.HasReason(err, errorsx.ReasonLaunch) {
		t.Fatalf("expected launch reason, got %v", err)
	}
}
