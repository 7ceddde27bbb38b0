package domain

import (
	"context"
	"fmt"
)

// ConnectionState is the lifecycle position of a transport session.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// DisconnectReason is the closed set of reasons a session can end with.
// Any code the adapters cannot map is ReasonUnrecognized.
type DisconnectReason int

const (
	ReasonUnrecognized DisconnectReason = iota
	ReasonLoggedOut
	ReasonBadSession
	ReasonConnectionClosed
	ReasonConnectionLost
	ReasonConnectionReplaced
	ReasonTimedOut
	ReasonRestartRequired
	ReasonMultideviceMismatch
	ReasonForbidden
	ReasonUnavailableService
)

var reasonNames = map[DisconnectReason]string{
	ReasonUnrecognized:        "unrecognized",
	ReasonLoggedOut:           "logged_out",
	ReasonBadSession:          "bad_session",
	ReasonConnectionClosed:    "connection_closed",
	ReasonConnectionLost:      "connection_lost",
	ReasonConnectionReplaced:  "connection_replaced",
	ReasonTimedOut:            "timed_out",
	ReasonRestartRequired:     "restart_required",
	ReasonMultideviceMismatch: "multidevice_mismatch",
	ReasonForbidden:           "forbidden",
	ReasonUnavailableService:  "unavailable_service",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// AllReasons lists every DisconnectReason, Unrecognized included.
func AllReasons() []DisconnectReason {
	return []DisconnectReason{
		ReasonUnrecognized, ReasonLoggedOut, ReasonBadSession,
		ReasonConnectionClosed, ReasonConnectionLost, ReasonConnectionReplaced,
		ReasonTimedOut, ReasonRestartRequired, ReasonMultideviceMismatch,
		ReasonForbidden, ReasonUnavailableService,
	}
}

// ReasonFromCode maps a WhatsApp-web status code to a DisconnectReason.
// 408 is shared by connection-lost and timed-out; it maps to lost.
func ReasonFromCode(code int) DisconnectReason {
	switch code {
	case 401:
		return ReasonLoggedOut
	case 500:
		return ReasonBadSession
	case 428:
		return ReasonConnectionClosed
	case 408:
		return ReasonConnectionLost
	case 440:
		return ReasonConnectionReplaced
	case 515:
		return ReasonRestartRequired
	case 411:
		return ReasonMultideviceMismatch
	case 403:
		return ReasonForbidden
	case 503:
		return ReasonUnavailableService
	default:
		return ReasonUnrecognized
	}
}

// ConnectionUpdate is emitted by a session whenever its connection changes.
type ConnectionUpdate struct {
	State  ConnectionState
	Reason DisconnectReason // set when State is StateClosed
	Code   int              // raw code reported by the network, if any
	Err    error            // underlying error, if any

	// Generation identifies the session that produced the update. The
	// supervisor stamps it; adapters leave it zero.
	Generation uint64
}

// Group is the metadata of a group the bot participates in.
type Group struct {
	ID           string
	Subject      string
	Participants int
}

// EventSink receives everything a session produces.
type EventSink interface {
	PublishEvent(evt InboundEvent)
	PublishUpdate(update ConnectionUpdate)
}

// SessionStore holds the material a session needs to resume without a new
// login (credentials, keys).
type SessionStore interface {
	Load(ctx context.Context) (map[string][]byte, error)
	Save(ctx context.Context, name string, data []byte) error
	Wipe(ctx context.Context) error
	Exists() bool
}

// Session is a live connection to the messaging network.
type Session interface {
	// SelfID is the bot's own address, used for mention detection.
	SelfID() string
	Send(ctx context.Context, to string, content OutboundContent, opts SendOptions) error
	MarkRead(ctx context.Context, evt InboundEvent) error
	FetchGroups(ctx context.Context) ([]Group, error)
	// Terminate closes the session. It is safe to call more than once.
	Terminate() error
}

// Transport creates sessions. Initialize returns once the session is
// started; connection progress is reported through the sink.
type Transport interface {
	Name() string
	Initialize(ctx context.Context, store SessionStore, sink EventSink) (Session, error)
}
