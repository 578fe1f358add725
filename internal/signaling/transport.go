package signaling

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by Send when the backend channel cannot
// accept the message. The call layer folds it into a failed session.
var ErrUnavailable = errors.New("signaling unavailable")

// Transport is the only surface the call/chat/presence layers need from
// the backend. One subscription delivers every envelope addressed to the
// local user, in the order the channel received them; routing by call
// identifier happens above.
type Transport interface {
	// Send dispatches one envelope, best effort. A returned error means
	// the envelope was not handed to the backend.
	Send(ctx context.Context, msg *Message) error

	// Subscribe returns a stream of inbound envelopes. cancel releases
	// the stream; after cancel the channel is closed.
	Subscribe() (ch chan *Message, cancel func())

	// Online reports whether the backend channel is currently usable.
	Online() bool

	// OnOnlineChange registers a callback fired on connect/disconnect.
	OnOnlineChange(fn func(online bool))

	// Close tears the transport down and closes all subscriptions.
	Close() error
}
