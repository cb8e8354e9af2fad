package lifecycle

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hotwellkz/wabridge/internal/bus"
)

// State represents the session lifecycle state.
type State string

const (
	Uninitialized   State = "UNINITIALIZED"
	Initializing    State = "INITIALIZING"
	AwaitingPairing State = "AWAITING_PAIRING"
	Authenticating  State = "AUTHENTICATING"
	Ready           State = "READY"
	Disconnected    State = "DISCONNECTED"
	Failed          State = "FAILED"
)

// validTransitions defines allowed state transitions. Any connected-side
// state can drop to Disconnected, and any can fail on an unrecoverable auth
// error. Failed only leaves via an explicit re-initialize.
var validTransitions = map[State][]State{
	Uninitialized:   {Initializing},
	Initializing:    {AwaitingPairing, Authenticating, Ready, Disconnected, Failed},
	AwaitingPairing: {Authenticating, Disconnected, Failed},
	Authenticating:  {Ready, Disconnected, Failed},
	Ready:           {Disconnected, Failed},
	Disconnected:    {Initializing, Failed},
	Failed:          {Initializing},
}

// StateChange is the payload broadcast on every transition.
type StateChange struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Reason  string    `json:"reason,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	At      time.Time `json:"at"`
}

// Machine tracks and enforces session state transitions. Transitions are the
// deterministic application of the table above; there is no hidden state.
type Machine struct {
	mu               sync.RWMutex
	current          State
	lastTransitionAt time.Time
	bus              *bus.Bus
}

// NewMachine creates a state machine starting in Uninitialized.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current:          Uninitialized,
		lastTransitionAt: time.Now(),
		bus:              b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// LastTransitionAt returns when the machine last changed state.
func (m *Machine) LastTransitionAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTransitionAt
}

// Transition attempts to move to a new state, recording the reason and
// reconnect attempt count in the broadcast payload. Returns an error if the
// transition is not in the table.
func (m *Machine) Transition(to State, reason string, attempt int) error {
	m.mu.Lock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := StateChange{
		From:    m.current,
		To:      to,
		Reason:  reason,
		Attempt: attempt,
		At:      time.Now(),
	}
	m.current = to
	m.lastTransitionAt = change.At
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSessionStateChanged,
			Timestamp: change.At,
			Payload:   change,
		})
	}
	return nil
}
