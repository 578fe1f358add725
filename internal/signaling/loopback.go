package signaling

import (
	"context"
	"fmt"
	"sync"
)

// LoopbackHub wires transports together in-process, one per user id.
// It backs tests and the -loopback dev mode: same Transport contract as
// the websocket client, same in-order delivery per receiver.
type LoopbackHub struct {
	mu    sync.RWMutex
	users map[string]*loopbackTransport
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{users: make(map[string]*loopbackTransport)}
}

// Transport returns (creating if needed) the transport for userID.
func (h *LoopbackHub) Transport(userID string) Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.users[userID]; ok {
		return t
	}
	t := &loopbackTransport{
		hub:       h,
		userID:    userID,
		online:    true,
		listeners: make(map[chan *Message]struct{}),
		inbox:     make(chan *Message, 256),
		done:      make(chan struct{}),
	}
	go t.pump()
	h.users[userID] = t
	return t
}

// Disconnect marks a user's transport offline without closing it, so
// tests can exercise SignalingUnavailable paths.
func (h *LoopbackHub) Disconnect(userID string) {
	h.mu.RLock()
	t := h.users[userID]
	h.mu.RUnlock()
	if t != nil {
		t.setOnline(false)
	}
}

// Reconnect restores a disconnected transport.
func (h *LoopbackHub) Reconnect(userID string) {
	h.mu.RLock()
	t := h.users[userID]
	h.mu.RUnlock()
	if t != nil {
		t.setOnline(true)
	}
}

func (h *LoopbackHub) route(msg *Message) error {
	if msg.To == "" { // presence broadcast
		h.mu.RLock()
		targets := make([]*loopbackTransport, 0, len(h.users))
		for id, t := range h.users {
			if id != msg.From {
				targets = append(targets, t)
			}
		}
		h.mu.RUnlock()
		for _, t := range targets {
			select {
			case t.inbox <- msg:
			case <-t.done:
			}
		}
		return nil
	}

	h.mu.RLock()
	dst := h.users[msg.To]
	h.mu.RUnlock()
	if dst == nil {
		return fmt.Errorf("%w: no such user %q", ErrUnavailable, msg.To)
	}
	select {
	case dst.inbox <- msg:
		return nil
	case <-dst.done:
		return fmt.Errorf("%w: %q closed", ErrUnavailable, msg.To)
	}
}

type loopbackTransport struct {
	hub    *LoopbackHub
	userID string
	inbox  chan *Message
	done   chan struct{}

	mu        sync.RWMutex
	online    bool
	onOnline  []func(bool)
	listeners map[chan *Message]struct{}
}

func (t *loopbackTransport) Send(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if !t.Online() {
		return fmt.Errorf("%w: %q offline", ErrUnavailable, t.userID)
	}
	return t.hub.route(msg)
}

func (t *loopbackTransport) Subscribe() (chan *Message, func()) {
	ch := make(chan *Message, 64)
	t.mu.Lock()
	t.listeners[ch] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

func (t *loopbackTransport) Online() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

func (t *loopbackTransport) OnOnlineChange(fn func(bool)) {
	t.mu.Lock()
	t.onOnline = append(t.onOnline, fn)
	t.mu.Unlock()
}

func (t *loopbackTransport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
		close(t.done)
	}
	t.mu.Lock()
	for ch := range t.listeners {
		close(ch)
	}
	t.listeners = make(map[chan *Message]struct{})
	t.mu.Unlock()
	return nil
}

// pump preserves arrival order: one goroutine drains the inbox and fans
// out to subscribers sequentially.
func (t *loopbackTransport) pump() {
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.inbox:
			t.mu.RLock()
			for ch := range t.listeners {
				select {
				case ch <- msg:
				case <-t.done:
				}
			}
			t.mu.RUnlock()
		}
	}
}

func (t *loopbackTransport) setOnline(online bool) {
	t.mu.Lock()
	changed := t.online != online
	t.online = online
	callbacks := append([]func(bool){}, t.onOnline...)
	t.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range callbacks {
		fn(online)
	}
}
