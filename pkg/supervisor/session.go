package supervisor

import (
	"context"
	"sync"
	"time"
)

// Session is one in-progress call. Ctx is canceled on hangup.
type Session struct {
	ChannelID     string
	Phone         string
	AMDHint       string
	Scenario      string
	CampaignID    string
	RecordingFile string
	StartedAt     time.Time
	Ctx           context.Context

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	step    string
	endedAt time.Time
}

// Done is closed after the call has been finalized and removed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) SetStep(step string) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
}

func (s *Session) Step() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// EndedAt is zero until the hangup was seen.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

func (s *Session) markEnded(at time.Time) {
	s.mu.Lock()
	if s.endedAt.IsZero() {
		s.endedAt = at
	}
	s.mu.Unlock()
}
