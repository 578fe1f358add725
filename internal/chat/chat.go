// Package chat sends and receives text messages over the same signaling
// pipe the calls use, persisting conversations locally.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/chime/internal/signaling"
	"github.com/petervdpas/chime/internal/storage"
)

// Message is one chat message as seen by the UI.
type Message struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"` // the remote side of the conversation
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type wirePayload struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// Store is the persistence chat needs. Implemented by storage.DB.
type Store interface {
	SaveMessage(m storage.MessageRow) error
	MessagesWith(peer string, limit int) ([]storage.MessageRow, error)
}

// Service routes chat envelopes and keeps history.
type Service struct {
	selfID string
	sig    signaling.Transport
	store  Store

	listenerMu sync.RWMutex
	listeners  map[chan Message]struct{}

	cancelSub func()
	done      chan struct{}
}

// New creates a Service subscribed to the signaling feed.
func New(sig signaling.Transport, store Store, selfID string) *Service {
	s := &Service{
		selfID:    selfID,
		sig:       sig,
		store:     store,
		listeners: make(map[chan Message]struct{}),
		done:      make(chan struct{}),
	}
	ch, cancel := sig.Subscribe()
	s.cancelSub = cancel
	go s.consume(ch)
	return s
}

// Send delivers a message to a peer and records it locally.
func (s *Service) Send(ctx context.Context, to, body string) (Message, error) {
	if to == "" || to == s.selfID {
		return Message{}, fmt.Errorf("chat: invalid recipient %q", to)
	}
	if body == "" {
		return Message{}, fmt.Errorf("chat: empty message")
	}
	m := Message{
		ID:        uuid.NewString(),
		Peer:      to,
		Sender:    s.selfID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	payload, _ := json.Marshal(wirePayload{ID: m.ID, Body: m.Body})
	msg := signaling.NewMessage(signaling.KindChat, "", s.selfID, to, payload)
	if err := s.sig.Send(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("chat: send: %w", err)
	}
	s.record(m)
	return m, nil
}

// History returns the conversation with a peer, oldest first.
func (s *Service) History(peer string, limit int) ([]Message, error) {
	if s.store == nil {
		return nil, nil
	}
	rows, err := s.store.MessagesWith(peer, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, Message{
			ID: r.ID, Peer: r.Peer, Sender: r.Sender,
			Body: r.Body, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// Subscribe returns a feed of messages (sent and received) plus cancel.
func (s *Service) Subscribe() (chan Message, func()) {
	ch := make(chan Message, 32)
	s.listenerMu.Lock()
	s.listeners[ch] = struct{}{}
	s.listenerMu.Unlock()

	cancel := func() {
		s.listenerMu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close detaches from the signaling feed. Idempotent.
func (s *Service) Close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	s.cancelSub()

	s.listenerMu.Lock()
	for ch := range s.listeners {
		close(ch)
	}
	s.listeners = make(map[chan Message]struct{})
	s.listenerMu.Unlock()
}

func (s *Service) consume(ch chan *signaling.Message) {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Kind != signaling.KindChat || msg.From == s.selfID {
				continue
			}
			var p wirePayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				log.Printf("CHAT: malformed message from %s: %v", msg.From, err)
				continue
			}
			m := Message{
				ID:        p.ID,
				Peer:      msg.From,
				Sender:    msg.From,
				Body:      p.Body,
				CreatedAt: time.UnixMilli(msg.TS).UTC(),
			}
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			s.record(m)
		}
	}
}

// record persists and fans out one message.
func (s *Service) record(m Message) {
	if s.store != nil {
		row := storage.MessageRow{
			ID: m.ID, Peer: m.Peer, Sender: m.Sender,
			Body: m.Body, CreatedAt: m.CreatedAt,
		}
		if err := s.store.SaveMessage(row); err != nil {
			log.Printf("CHAT: persist failed: %v", err)
		}
	}
	s.listenerMu.RLock()
	for ch := range s.listeners {
		select {
		case ch <- m:
		default:
		}
	}
	s.listenerMu.RUnlock()
}
