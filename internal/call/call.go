// Package call owns the call-session state machine and the registry that
// routes signaling envelopes to it. It talks to the network only through
// signaling.Transport and to the media stack only through Engine, so both
// can be swapped for in-process fakes in tests.
package call

import (
	"time"
)

// MediaKind is fixed at call creation. Video can be toggled off mid-call
// but the declared kind never changes.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusInitiating   Status = "initiating"
	StatusIncoming     Status = "incoming"
	StatusAnswering    Status = "answering"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusEnding       Status = "ending"
	StatusEnded        Status = "ended"
	StatusFailed       Status = "failed"
)

// Terminal reports whether a session in this status is finished and must
// be evicted from the registry.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Call identifies one attempted or in-progress session.
type Call struct {
	ID        string    `json:"id"`
	Caller    string    `json:"caller"`
	Callee    string    `json:"callee"`
	Media     MediaKind `json:"media"`
	CreatedAt time.Time `json:"created_at"`
}

// Other returns the remote participant as seen from self.
func (c Call) Other(self string) string {
	if c.Caller == self {
		return c.Callee
	}
	return c.Caller
}

// CallID derives the deterministic identifier for a participant pair:
// the two ids sorted and concatenated. Both sides of a simultaneous dial
// compute the same id, which is what makes glare detectable.
func CallID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + b
}

// designatedOfferer returns the participant that keeps its offer when
// both sides dial at once: the one sorting first.
func designatedOfferer(a, b string) string {
	if b < a {
		return b
	}
	return a
}
