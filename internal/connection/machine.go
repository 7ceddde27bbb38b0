// Package connection keeps a transport session alive: a state machine
// decides what each connection update requires and the Supervisor carries
// the decision out.
package connection

import "chatrelay/internal/domain"

// Decision is the action a connection update calls for.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionRefreshGroups
	DecisionReinit
	DecisionWipeAndReinit
	DecisionHalt
)

func (d Decision) String() string {
	switch d {
	case DecisionRefreshGroups:
		return "refresh_groups"
	case DecisionReinit:
		return "reinit"
	case DecisionWipeAndReinit:
		return "wipe_and_reinit"
	case DecisionHalt:
		return "halt"
	default:
		return "none"
	}
}

// DecisionFor maps a close reason to the recovery it needs.
func DecisionFor(r domain.DisconnectReason) Decision {
	switch domain.ClassOf(r) {
	case domain.CloseInvalidating:
		return DecisionWipeAndReinit
	case domain.CloseFatal:
		return DecisionHalt
	default:
		return DecisionReinit
	}
}

// Machine tracks the connection state of one session. It is not safe for
// concurrent use; the Supervisor owns it.
type Machine struct {
	state      domain.ConnectionState
	lastReason domain.DisconnectReason
	lastCode   int
}

func NewMachine() *Machine {
	return &Machine{state: domain.StateIdle}
}

// Begin marks the start of an initialization.
func (m *Machine) Begin() {
	m.state = domain.StateConnecting
}

// Reset returns the machine to Idle, forgetting the last close.
func (m *Machine) Reset() {
	*m = Machine{state: domain.StateIdle}
}

// Observe applies an update and returns the action it requires.
func (m *Machine) Observe(u domain.ConnectionUpdate) Decision {
	switch u.State {
	case domain.StateOpen:
		m.state = domain.StateOpen
		return DecisionRefreshGroups
	case domain.StateConnecting:
		m.state = domain.StateConnecting
		return DecisionNone
	case domain.StateClosed:
		m.state = domain.StateClosed
		m.lastReason = u.Reason
		m.lastCode = u.Code
		return DecisionFor(u.Reason)
	default:
		return DecisionNone
	}
}

func (m *Machine) State() domain.ConnectionState { return m.state }

// LastClose returns the reason and raw code of the most recent close.
func (m *Machine) LastClose() (domain.DisconnectReason, int) {
	return m.lastReason, m.lastCode
}
