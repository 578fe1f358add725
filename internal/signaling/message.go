// Package signaling carries call-control envelopes between two users
// through the hosted backend's pub/sub channel. It is pure transport:
// offer/answer/candidate payloads are opaque here, call semantics live
// in internal/call.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message kinds. The first five drive the call state machine; chat and
// presence share the same pipe so the app needs a single backend socket.
const (
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindCandidate = "ice-candidate"
	KindHangup    = "hangup"
	KindBusy      = "busy"
	KindChat      = "chat"
	KindPresence  = "presence"
)

// MediaAudio/MediaVideo mark the declared kind of a call on its offer.
const (
	MediaAudio = "audio"
	MediaVideo = "video"
)

// Message is the wire envelope. Payload stays raw JSON end to end — the
// core only routes on Kind/CallID/From.
type Message struct {
	Kind    string          `json:"kind"`
	CallID  string          `json:"call_id,omitempty"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Media   string          `json:"media,omitempty"` // set on offers only
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts"`
}

// NewMessage builds an envelope with the timestamp filled in.
func NewMessage(kind, callID, from, to string, payload json.RawMessage) *Message {
	return &Message{
		Kind:    kind,
		CallID:  callID,
		From:    from,
		To:      to,
		Payload: payload,
		TS:      time.Now().UnixMilli(),
	}
}

// Validate checks the fields the router depends on.
func (m *Message) Validate() error {
	if m.Kind == "" {
		return fmt.Errorf("signaling: missing kind")
	}
	if m.From == "" {
		return fmt.Errorf("signaling: missing from")
	}
	// Presence beacons may broadcast (empty To); everything else is
	// addressed to exactly one user.
	if m.To == "" && m.Kind != KindPresence {
		return fmt.Errorf("signaling: missing to")
	}
	switch m.Kind {
	case KindOffer, KindAnswer, KindCandidate, KindHangup, KindBusy:
		if m.CallID == "" {
			return fmt.Errorf("signaling: %s without call_id", m.Kind)
		}
	}
	return nil
}
