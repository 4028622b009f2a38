// Package provenance keeps the ordered ledger of audio played to and
// recorded from each call.
package provenance

import (
	"sync"
	"time"
)

type Role string

const (
	RoleBot    Role = "bot"
	RoleClient Role = "client"
)

// Segment is one played prompt or one recorded answer.
type Segment struct {
	Role          Role      `json:"type"`
	File          string    `json:"file"`
	Timestamp     time.Time `json:"timestamp"`
	Transcription string    `json:"transcription,omitempty"`
	Sentiment     string    `json:"sentiment,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
}

// Tracker is safe for concurrent use across call workers.
type Tracker struct {
	mu    sync.Mutex
	calls map[string][]Segment
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{calls: make(map[string][]Segment), now: time.Now}
}

// Start opens an empty ledger for the call, dropping any previous one.
func (t *Tracker) Start(callID string) {
	t.mu.Lock()
	t.calls[callID] = make([]Segment, 0, 16)
	t.mu.Unlock()
}

// Track appends a segment. Calls without a ledger get one implicitly.
func (t *Tracker) Track(callID string, seg Segment) {
	if seg.Timestamp.IsZero() {
		seg.Timestamp = t.now()
	}
	t.mu.Lock()
	t.calls[callID] = append(t.calls[callID], seg)
	t.mu.Unlock()
}

func (t *Tracker) TrackBot(callID, file string) {
	t.Track(callID, Segment{Role: RoleBot, File: file})
}

func (t *Tracker) TrackClient(callID, file, transcription, sentiment string, confidence float64) {
	t.Track(callID, Segment{
		Role:          RoleClient,
		File:          file,
		Transcription: transcription,
		Sentiment:     sentiment,
		Confidence:    confidence,
	})
}

// Sequence returns the ledger in insertion order and forgets it.
func (t *Tracker) Sequence(callID string) []Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.calls[callID]
	if !ok {
		return nil
	}
	delete(t.calls, callID)
	return seq
}

func (t *Tracker) Len(callID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls[callID])
}
