package app

import (
	"sync"
	"time"

	"github.com/dkeye/Cast/internal/core"
)

var transitions = map[core.ConnectionState][]core.ConnectionState{
	core.StateNew:          {core.StateConnecting, core.StateConnected, core.StateFailed},
	core.StateConnecting:   {core.StateConnected, core.StateDisconnected, core.StateFailed},
	core.StateConnected:    {core.StateDisconnected, core.StateFailed},
	core.StateDisconnected: {core.StateConnecting, core.StateConnected, core.StateFailed},
	core.StateFailed:       {},
	core.StateClosed:       {},
}

// CanTransition reports whether from -> to is a legal connectivity change.
// CLOSED is reachable from every state except itself.
func CanTransition(from, to core.ConnectionState) bool {
	if to == core.StateClosed {
		return from != core.StateClosed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConnectionStateMachine tracks the connectivity of one session.
type ConnectionStateMachine struct {
	mu        sync.Mutex
	state     core.ConnectionState
	changedAt time.Time
}

func NewConnectionStateMachine() *ConnectionStateMachine {
	return &ConnectionStateMachine{state: core.StateNew, changedAt: time.Now()}
}

func (m *ConnectionStateMachine) State() core.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionStateMachine) ChangedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedAt
}

// Apply moves to next if the transition is legal and returns the previous state.
func (m *ConnectionStateMachine) Apply(next core.ConnectionState) (core.ConnectionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	if !CanTransition(prev, next) {
		return prev, false
	}
	m.state = next
	m.changedAt = time.Now()
	return prev, true
}

// Close forces the terminal CLOSED state.
func (m *ConnectionStateMachine) Close() {
	m.Apply(core.StateClosed)
}
