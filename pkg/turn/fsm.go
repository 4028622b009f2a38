package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

var validTransitions = map[State][]State{
	StateIdle:       {StatePlaying, StateListening},
	StatePlaying:    {StateListening, StateIdle},
	StateListening:  {StateProcessing, StatePlaying, StateIdle},
	StateProcessing: {StateListening, StatePlaying, StateIdle},
}

// stateMachine implements the finite state machine for turn management.
type stateMachine struct {
	mu           sync.RWMutex
	currentState State
	enteredAt    time.Time
	listeners    []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateIdle, enteredAt: time.Now()}
}

// State returns the current state.
func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (sm *stateMachine) Transition(state State, reason string) error {
	sm.mu.Lock()
	if !transitionValid(sm.currentState, state) {
		from := sm.currentState
		sm.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}
	event := StateChange{
		FromState: sm.currentState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	sm.currentState = state
	sm.enteredAt = event.Timestamp
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// force moves to state unless already there; used where any origin is legal.
func (sm *stateMachine) force(state State, reason string) {
	if sm.State() == state {
		return
	}
	if err := sm.Transition(state, reason); err != nil && state == StateIdle {
		sm.mu.Lock()
		sm.currentState = StateIdle
		sm.mu.Unlock()
	}
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

type manager struct {
	sm          *stateMachine
	interrupter Interrupter

	mu             sync.Mutex
	strategy       Strategy
	promptStart    time.Time
	bargeIns       int
	bargeInLatency time.Duration
}

// NewManager starts idle; interrupter may be nil when barge-in is never used.
func NewManager(interrupter Interrupter) Manager {
	return &manager{sm: newStateMachine(), interrupter: interrupter, strategy: PoliteStrategy{}}
}

func (m *manager) State() State { return m.sm.State() }

func (m *manager) AddListener(listener StateListener) { m.sm.AddListener(listener) }

func (m *manager) OnPromptStart(strategy Strategy) {
	if strategy == nil {
		strategy = PoliteStrategy{}
	}
	m.mu.Lock()
	m.strategy = strategy
	m.promptStart = time.Now()
	m.mu.Unlock()
	m.sm.force(StatePlaying, "prompt start")
}

func (m *manager) OnPromptEnd() {
	if m.sm.State() == StatePlaying {
		_ = m.sm.Transition(StateListening, "prompt complete")
	}
}

func (m *manager) OnSpeechStart() bool {
	state := m.sm.State()
	m.mu.Lock()
	enabled := m.strategy.BargeInEnabled()
	m.mu.Unlock()

	if state != StatePlaying {
		if state == StateIdle {
			_ = m.sm.Transition(StateListening, "speech start")
		}
		return false
	}
	if !enabled {
		return false
	}
	start := time.Now()
	if m.interrupter != nil {
		_ = m.interrupter.Interrupt("barge_in")
	}
	m.mu.Lock()
	m.bargeIns++
	m.bargeInLatency = time.Since(start)
	m.mu.Unlock()
	_ = m.sm.Transition(StateListening, "barge-in detected")
	return true
}

func (m *manager) OnSpeechEnd() {
	if m.sm.State() == StateListening {
		_ = m.sm.Transition(StateProcessing, "speech end")
	}
}

func (m *manager) OnTurnResolved() {
	m.sm.force(StateIdle, "turn resolved")
}

func (m *manager) BargeIns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bargeIns
}

// BargeInLatency is how long the last interrupt command took.
func (m *manager) BargeInLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bargeInLatency
}
