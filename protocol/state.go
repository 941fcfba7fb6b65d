package protocol

import (
	"sync"
)

// ConnState is a connection's position in the Connecting→Authenticating→
// Ready→Draining→Closed lifecycle of spec.md §4.C4.
type ConnState int

const (
	Connecting ConnState = iota
	Authenticating
	Ready
	Draining
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Ready:
		return "Ready"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// validTransitions encodes the state table of spec.md §4.C4 as an explicit
// switch-backed map, rather than a class hierarchy, per the REDESIGN FLAGS
// preference for flat state tables over inheritance.
var validTransitions = map[ConnState]map[ConnState]bool{
	Connecting:     {Authenticating: true, Closed: true},
	Authenticating: {Ready: true, Closed: true},
	Ready:          {Ready: true, Draining: true, Closed: true},
	Draining:       {Closed: true},
	Closed:         {},
}

// StateMachine tracks a single connection's lifecycle state, guarded by a
// mutex since reads (current state) and writes (transitions) can race
// between the reader goroutine and a watchdog/drain trigger.
type StateMachine struct {
	mu    sync.Mutex
	state ConnState
}

// NewStateMachine returns a machine starting in Connecting.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: Connecting}
}

// Current returns the machine's current state.
func (m *StateMachine) Current() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition attempts to move to next, reporting whether the transition is
// legal per the state table. Illegal transitions leave the state unchanged.
func (m *StateMachine) Transition(next ConnState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !validTransitions[m.state][next] {
		return false
	}
	m.state = next
	return true
}

// IsTerminal reports whether the state accepts no further frames.
func (m *StateMachine) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Closed
}
