package tracking

import (
	"errors"
	"time"

	"github.com/loqalabs/tilawa/internal/capture"
	"github.com/loqalabs/tilawa/internal/protocol"
)

// State is the lifecycle of one live tracking session.
type State int32

const (
	Disconnected State = iota
	WarmingUp
	Tracking
	Uncertain
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case WarmingUp:
		return "warming_up"
	case Tracking:
		return "tracking"
	case Uncertain:
		return "uncertain"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrConnectFailed     = errors.New("connect failed")
	ErrTransportDropped  = errors.New("transport dropped")
	ErrSessionActive     = errors.New("session already active")
	ErrSessionClosed     = errors.New("session closed")
	ErrStopped           = errors.New("session stopped")
	ErrPermissionDenied  = capture.ErrPermissionDenied
	ErrDeviceUnavailable = capture.ErrDeviceUnavailable
	ErrMalformedMessage  = protocol.ErrMalformedMessage
)

type EventKind int

const (
	EventState EventKind = iota + 1
	EventUpdate
	EventNotice
	EventStatus
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventUpdate:
		return "update"
	case EventNotice:
		return "notice"
	case EventStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Event is delivered to the single consumer of Session.Events.
//
// EventState carries State and, for Error, the cause in Err.
// EventUpdate carries a *protocol.Update, EventStatus a *protocol.Status,
// and EventNotice the text of a *protocol.ServerError.
type Event struct {
	Kind    EventKind
	ConnID  string
	State   State
	Err     error
	Message protocol.Message
	Notice  string
	At      time.Time
}

// Update returns the update payload when Kind is EventUpdate.
func (e Event) Update() (*protocol.Update, bool) {
	u, ok := e.Message.(*protocol.Update)
	return u, ok
}
