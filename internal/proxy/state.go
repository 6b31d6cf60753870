package proxy

import "fmt"

// State is one phase of a bastion session's lifecycle.
type State int

const (
	// StateAccepted: TCP connection accepted, nothing exchanged yet.
	StateAccepted State = iota

	// StateHandshaking: SSH version exchange and key exchange as server.
	StateHandshaking

	// StateAuthenticating: the client is offering credentials.
	StateAuthenticating

	// StateAuthorizing: identity proven, RBAC decision pending.
	StateAuthorizing

	// StateConnecting: outbound SSH connection to the target in progress.
	StateConnecting

	// StateRelaying: channel data flowing in both directions.
	StateRelaying

	// StateClosed: clean teardown after relaying.
	StateClosed

	// StateFailed: terminal failure, reachable from any non-terminal state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorizing:
		return "authorizing"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CanTransition is the pure transition relation of the session state
// machine. The happy path advances strictly in declaration order;
// StateFailed is reachable from every non-terminal state; StateClosed
// only follows StateRelaying.
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch s {
	case StateAccepted:
		return to == StateHandshaking
	case StateHandshaking:
		return to == StateAuthenticating
	case StateAuthenticating:
		return to == StateAuthorizing
	case StateAuthorizing:
		return to == StateConnecting
	case StateConnecting:
		return to == StateRelaying
	case StateRelaying:
		return to == StateClosed
	}
	return false
}

// Machine tracks the current state of one session. Not safe for
// concurrent use — a session advances from its own goroutine only.
type Machine struct {
	current State
}

// Current returns the machine's current state.
func (m *Machine) Current() State { return m.current }

// Advance moves to the next state, rejecting transitions the relation
// does not allow. An invalid transition is a programming error in the
// broker, surfaced instead of silently reordered.
func (m *Machine) Advance(to State) error {
	if !m.current.CanTransition(to) {
		return fmt.Errorf("proxy: invalid session transition %s -> %s", m.current, to)
	}
	m.current = to
	return nil
}
