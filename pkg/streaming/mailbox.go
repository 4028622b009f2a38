package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/callbot/pkg/intent"
)

const (
	MethodStreaming = "streaming"
	MethodTimeout   = "timeout"
)

// Transition is a resolved caller turn waiting for the call worker.
type Transition struct {
	Intent        intent.Intent
	Confidence    float64
	Text          string
	Method        string
	ASRLatency    time.Duration
	IntentLatency time.Duration
	At            time.Time
}

// TimedOut reports whether the transition was synthesized by a wait timeout.
func (t Transition) TimedOut() bool { return t.Method == MethodTimeout }

// Mailbox is a single-slot hand-off between the recognizer goroutine and the
// call worker. A newer transition replaces an unread one.
type Mailbox struct {
	mu         sync.Mutex
	pending    *Transition
	overwrites int
	ready      chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Put stores t, replacing any unread transition.
func (m *Mailbox) Put(t Transition) {
	m.mu.Lock()
	if m.pending != nil {
		m.overwrites++
	}
	m.pending = &t
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Take empties the slot.
func (m *Mailbox) Take() (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Transition{}, false
	}
	t := *m.pending
	m.pending = nil
	return t, true
}

// Reset drops an unread transition left over from a previous step.
func (m *Mailbox) Reset() {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
	select {
	case <-m.ready:
	default:
	}
}

// Overwrites counts transitions replaced before they were read.
func (m *Mailbox) Overwrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overwrites
}

// Wait blocks until a transition arrives, timeout elapses or ctx is done.
// A timeout yields an unsure transition with zero confidence.
func (m *Mailbox) Wait(ctx context.Context, timeout time.Duration) (Transition, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if t, ok := m.Take(); ok {
			return t, nil
		}
		select {
		case <-m.ready:
		case <-timer.C:
			return Transition{Intent: intent.Unsure, Method: MethodTimeout, At: time.Now()}, nil
		case <-ctx.Done():
			return Transition{}, ctx.Err()
		}
	}
}
