package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory keeps everything in process; used by tests and dry runs.
type Memory struct {
	mu           sync.Mutex
	seq          int64
	calls        map[string]CallRecord
	interactions map[string][]Interaction
	contacts     map[string]Contact
	campaigns    map[string]Campaign
	queue        map[int64]QueueEntry
}

func NewMemory() *Memory {
	return &Memory{
		calls:        make(map[string]CallRecord),
		interactions: make(map[string][]Interaction),
		contacts:     make(map[string]Contact),
		campaigns:    make(map[string]Campaign),
		queue:        make(map[int64]QueueEntry),
	}
}

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) CreateCallRecord(ctx context.Context, rec CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.calls[rec.CallID]; ok {
		rec.ID = existing.ID
	} else {
		rec.ID = m.nextID()
	}
	m.calls[rec.CallID] = rec
	return nil
}

func (m *Memory) UpdateCallRecord(ctx context.Context, rec CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.calls[rec.CallID]
	if !ok {
		return ErrNotFound
	}
	rec.ID = existing.ID
	m.calls[rec.CallID] = rec
	return nil
}

func (m *Memory) GetCallRecord(ctx context.Context, callID string) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) AppendInteraction(ctx context.Context, in Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in.ID = m.nextID()
	if in.PlayedAt.IsZero() {
		in.PlayedAt = time.Now()
	}
	m.interactions[in.CallID] = append(m.interactions[in.CallID], in)
	return nil
}

func (m *Memory) Interactions(ctx context.Context, callID string) ([]Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Interaction(nil), m.interactions[callID]...), nil
}

func (m *Memory) UpsertContact(ctx context.Context, c Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.contacts[c.Phone]; ok {
		c.ID = existing.ID
	} else {
		c.ID = m.nextID()
	}
	if c.Status == "" {
		c.Status = ContactNew
	}
	m.contacts[c.Phone] = c
	return nil
}

func (m *Memory) GetContact(ctx context.Context, phone string) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[phone]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) UpdateContact(ctx context.Context, c Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.contacts[c.Phone]
	if !ok {
		return ErrNotFound
	}
	c.ID = existing.ID
	m.contacts[c.Phone] = c
	return nil
}

func (m *Memory) UpdateContactStatus(ctx context.Context, phone string, status ContactStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[phone]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	m.contacts[phone] = c
	return nil
}

func (m *Memory) RecordContactAttempt(ctx context.Context, phone string, status ContactStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[phone]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.Attempts++
	c.LastAttempt = at
	m.contacts[phone] = c
	return nil
}

func (m *Memory) UpsertCampaign(ctx context.Context, c Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.campaigns[c.CampaignID]; ok {
		c.ID = existing.ID
	} else {
		c.ID = m.nextID()
	}
	if c.Status == "" {
		c.Status = CampaignActive
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	m.campaigns[c.CampaignID] = c
	return nil
}

func (m *Memory) GetCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) UpdateCampaign(ctx context.Context, c Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.campaigns[c.CampaignID]
	if !ok {
		return ErrNotFound
	}
	c.ID = existing.ID
	m.campaigns[c.CampaignID] = c
	return nil
}

func (m *Memory) Enqueue(ctx context.Context, e QueueEntry) (QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.nextID()
	if e.Status == "" {
		e.Status = QueuePending
	}
	if e.Priority <= 0 {
		e.Priority = 1
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 1
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.queue[e.ID] = e
	return e, nil
}

func (m *Memory) QueueByStatus(ctx context.Context, status QueueStatus) ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QueueEntry
	for _, e := range m.queue {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) NextPending(ctx context.Context, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	pending, _ := m.QueueByStatus(ctx, QueuePending)
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (m *Memory) UpdateQueueEntry(ctx context.Context, e QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[e.ID]; !ok {
		return ErrNotFound
	}
	m.queue[e.ID] = e
	return nil
}

func (m *Memory) CountQueue(ctx context.Context, status QueueStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.queue {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
