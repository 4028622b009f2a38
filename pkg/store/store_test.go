package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(context.Background(), Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
	if _, err := Open(context.Background(), Config{Driver: "mongo"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: "postgres"}); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestCallRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	start := time.Now()
	if err := m.CreateCallRecord(ctx, CallRecord{CallID: "c1", Phone: "+33600000001", Status: CallAnswered, StartedAt: start}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := m.GetCallRecord(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Ended() {
		t.Fatalf("fresh call must not be ended")
	}
	rec.EndedAt = start.Add(42 * time.Second)
	rec.Duration = 42
	rec.Status = CallCompleted
	if err := m.UpdateCallRecord(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ = m.GetCallRecord(ctx, "c1")
	if !rec.Ended() || rec.Duration != 42 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := m.GetCallRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.UpdateCallRecord(ctx, CallRecord{CallID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestInteractionsKeepOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i, step := range []string{"hello", "q1", "q2"} {
		if err := m.AppendInteraction(ctx, Interaction{CallID: "c1", QuestionNumber: i + 1, QuestionPlayed: step}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, _ := m.Interactions(ctx, "c1")
	if len(got) != 3 || got[0].QuestionPlayed != "hello" || got[2].QuestionNumber != 3 {
		t.Fatalf("unexpected interactions: %+v", got)
	}
	if got[0].PlayedAt.IsZero() {
		t.Fatalf("played_at should default to now")
	}
}

func TestContactAttempts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.UpsertContact(ctx, Contact{Phone: "+33600000002"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	c, _ := m.GetContact(ctx, "+33600000002")
	if c.Status != ContactNew {
		t.Fatalf("expected New, got %s", c.Status)
	}
	_ = m.UpdateContactStatus(ctx, c.Phone, ContactCalling)
	at := time.Now()
	if err := m.RecordContactAttempt(ctx, c.Phone, ContactLeads, at); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	c, _ = m.GetContact(ctx, c.Phone)
	if c.Status != ContactLeads || c.Attempts != 1 || !c.LastAttempt.Equal(at) {
		t.Fatalf("unexpected contact: %+v", c)
	}
	if err := m.UpdateContactStatus(ctx, "+0", ContactCalling); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNextPendingOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()
	low, _ := m.Enqueue(ctx, QueueEntry{Phone: "1", Priority: 1, CreatedAt: base})
	highLate, _ := m.Enqueue(ctx, QueueEntry{Phone: "2", Priority: 3, CreatedAt: base.Add(2 * time.Second)})
	highEarly, _ := m.Enqueue(ctx, QueueEntry{Phone: "3", Priority: 3, CreatedAt: base.Add(time.Second)})
	done, _ := m.Enqueue(ctx, QueueEntry{Phone: "4", Priority: 3, CreatedAt: base})
	done.Status = QueueCompleted
	_ = m.UpdateQueueEntry(ctx, done)

	got, _ := m.NextPending(ctx, 2)
	if len(got) != 2 || got[0].ID != highEarly.ID || got[1].ID != highLate.ID {
		t.Fatalf("unexpected order: %+v", got)
	}
	all, _ := m.NextPending(ctx, 10)
	if len(all) != 3 || all[2].ID != low.ID {
		t.Fatalf("expected low priority last: %+v", all)
	}
	if n, _ := m.CountQueue(ctx, QueuePending); n != 3 {
		t.Fatalf("expected 3 pending, got %d", n)
	}
	if low.MaxAttempts != 1 || low.Status != QueuePending {
		t.Fatalf("enqueue defaults not applied: %+v", low)
	}
}
