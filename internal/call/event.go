package call

import "time"

// EventType discriminates manager events.
type EventType string

const (
	// EventState fires on every session status transition.
	EventState EventType = "state"
	// EventIncoming fires when a new inbound invitation is registered.
	EventIncoming EventType = "incoming"
	// EventMissed fires when an invitation ends unanswered: busy-rejected,
	// timed out, or withdrawn by the caller before accept.
	EventMissed EventType = "missed"
)

// Event is the typed notification emitted to subscribers (notification
// bridge, HTTP event stream). Replaces published-property polling: every
// transition is pushed exactly once.
type Event struct {
	Type        EventType   `json:"type"`
	Call        Call        `json:"call"`
	State       Status      `json:"state,omitempty"`
	EngineState EngineState `json:"engine_state,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	TS          time.Time   `json:"ts"`
}

// Record is what the registry hands to the history sink when a session
// reaches a terminal state.
type Record struct {
	ID        string
	Caller    string
	Callee    string
	Media     MediaKind
	Outcome   Status // ended or failed
	Reason    string
	CreatedAt time.Time
	EndedAt   time.Time
}

// Recorder persists terminal calls. Implemented by internal/storage;
// a nil Recorder disables history.
type Recorder interface {
	RecordCall(rec Record) error
}
