// Package turn tracks who holds the floor on a call and gates barge-in.
package turn

import "time"

type State int

const (
	StateIdle State = iota
	StatePlaying
	StateListening
	StateProcessing
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePlaying:
		return "PLAYING"
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	default:
		return "UNKNOWN"
	}
}

type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }

// StrategyFor maps a step's barge-in flag onto a strategy.
func StrategyFor(bargeIn bool) Strategy {
	if bargeIn {
		return AggressiveStrategy{}
	}
	return PoliteStrategy{}
}

type Manager interface {
	// OnPromptStart marks a prompt as playing under the given strategy.
	OnPromptStart(strategy Strategy)
	OnPromptEnd()
	// OnSpeechStart returns true when the caller barged in and playback was stopped.
	OnSpeechStart() bool
	OnSpeechEnd()
	OnTurnResolved()
	AddListener(listener StateListener)
	State() State
	BargeIns() int
	BargeInLatency() time.Duration
}
