// Package notify turns call events into user-facing notifications: the
// full-screen incoming-call alert, the live in-call banner, and the
// missed-call feed.
package notify

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/chime/internal/call"
	"github.com/petervdpas/chime/internal/storage"
	"github.com/petervdpas/chime/internal/util"
)

// Notification kinds.
const (
	KindIncomingCall = "incoming-call"
	KindCallBanner   = "call-banner"
	KindMissedCall   = "missed-call"
	KindCallEnded    = "call-ended"
)

// bannerWindow is how long a transient banner stays visible before it is
// auto-retired. The incoming-call alert is not transient: it stands until
// the call is answered, rejected or missed.
const bannerWindow = 4 * time.Second

// Record is one notification as shown to the user.
type Record struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CallID    string    `json:"call_id,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence the bridge needs. Implemented by storage.DB;
// nil disables persistence.
type Store interface {
	SaveNotification(n storage.NotificationRow) error
	MarkNotificationRead(id string) error
	ClearNotifications() error
}

// Bridge consumes manager events and maintains the alert surface.
type Bridge struct {
	selfID string
	store  Store
	recent *util.RingBuffer[Record]

	mu     sync.RWMutex
	alert  *Record // current incoming-call alert, nil when none
	banner *Record // current in-call banner, nil when none

	listenerMu sync.RWMutex
	listeners  map[chan Record]struct{}

	cancelSub func()
	done      chan struct{}
}

// New creates a Bridge subscribed to the manager's event stream.
func New(mgr *call.Manager, store Store, selfID string) *Bridge {
	b := &Bridge{
		selfID:    selfID,
		store:     store,
		recent:    util.NewRingBuffer[Record](128),
		listeners: make(map[chan Record]struct{}),
		done:      make(chan struct{}),
	}
	ch, cancel := mgr.Subscribe()
	b.cancelSub = cancel
	go b.consume(ch)
	return b
}

// Subscribe returns a feed of new notifications plus a cancel func.
func (b *Bridge) Subscribe() (chan Record, func()) {
	ch := make(chan Record, 32)
	b.listenerMu.Lock()
	b.listeners[ch] = struct{}{}
	b.listenerMu.Unlock()

	cancel := func() {
		b.listenerMu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.listenerMu.Unlock()
	}
	return ch, cancel
}

// ActiveAlert returns the current incoming-call alert, if any.
func (b *Bridge) ActiveAlert() (Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.alert == nil {
		return Record{}, false
	}
	return *b.alert, true
}

// Banner returns the current in-call banner, if any.
func (b *Bridge) Banner() (Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.banner == nil {
		return Record{}, false
	}
	return *b.banner, true
}

// Recent returns the in-memory notification feed, oldest first.
func (b *Bridge) Recent() []Record {
	return b.recent.Snapshot()
}

// MarkRead flags one persisted notification as seen.
func (b *Bridge) MarkRead(id string) {
	if b.store != nil {
		if err := b.store.MarkNotificationRead(id); err != nil {
			log.Printf("NOTIFY: mark read failed: %v", err)
		}
	}
}

// ClearAll wipes the persisted notification list.
func (b *Bridge) ClearAll() {
	if b.store != nil {
		if err := b.store.ClearNotifications(); err != nil {
			log.Printf("NOTIFY: clear failed: %v", err)
		}
	}
}

// Close detaches from the manager. Idempotent.
func (b *Bridge) Close() {
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}
	b.cancelSub()

	b.listenerMu.Lock()
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = make(map[chan Record]struct{})
	b.listenerMu.Unlock()
}

func (b *Bridge) consume(ch chan call.Event) {
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.handle(ev)
		}
	}
}

func (b *Bridge) handle(ev call.Event) {
	switch ev.Type {
	case call.EventIncoming:
		b.onIncoming(ev)
	case call.EventMissed:
		b.onMissed(ev)
	case call.EventState:
		b.onState(ev)
	}
}

func (b *Bridge) onIncoming(ev call.Event) {
	rec := Record{
		ID:        uuid.NewString(),
		Kind:      KindIncomingCall,
		CallID:    ev.Call.ID,
		Title:     "Incoming " + string(ev.Call.Media) + " call",
		Message:   ev.Call.Caller,
		CreatedAt: ev.TS,
	}
	b.mu.Lock()
	b.alert = &rec
	b.mu.Unlock()
	b.publish(rec, publishOpts{})
}

func (b *Bridge) onMissed(ev call.Event) {
	rec := Record{
		ID:        uuid.NewString(),
		Kind:      KindMissedCall,
		CallID:    ev.Call.ID,
		Title:     "Missed call",
		Message:   ev.Call.Caller + " (" + ev.Reason + ")",
		CreatedAt: ev.TS,
	}
	// A busy-declined collision is missed too, but its alert never
	// existed; only retire the alert belonging to this call.
	b.clearAlert(ev.Call.ID)
	b.publish(rec, publishOpts{persist: true})
}

func (b *Bridge) onState(ev call.Event) {
	switch ev.State {
	case call.StatusAnswering, call.StatusConnecting:
		// Alert retires the moment the call is answered.
		b.clearAlert(ev.Call.ID)
	case call.StatusConnected:
		rec := Record{
			ID:        uuid.NewString(),
			Kind:      KindCallBanner,
			CallID:    ev.Call.ID,
			Title:     "In call with " + ev.Call.Other(b.selfID),
			Message:   string(ev.Call.Media),
			CreatedAt: ev.TS,
		}
		b.mu.Lock()
		b.banner = &rec
		b.mu.Unlock()
		b.publish(rec, publishOpts{transient: true})
	case call.StatusEnded, call.StatusFailed:
		b.clearAlert(ev.Call.ID)
		b.mu.Lock()
		hadBanner := b.banner != nil
		b.banner = nil
		b.mu.Unlock()
		if hadBanner {
			rec := Record{
				ID:        uuid.NewString(),
				Kind:      KindCallEnded,
				CallID:    ev.Call.ID,
				Title:     "Call ended",
				Message:   ev.Reason,
				CreatedAt: ev.TS,
			}
			b.publish(rec, publishOpts{transient: true})
		}
	}
}

// clearAlert retires the standing alert if it belongs to callID. Events
// for other calls (a busy-declined collision) must not touch it.
func (b *Bridge) clearAlert(callID string) {
	b.mu.Lock()
	if b.alert != nil && b.alert.CallID == callID {
		b.alert = nil
	}
	b.mu.Unlock()
}

type publishOpts struct {
	persist   bool // survives restart (missed calls)
	transient bool // auto-retires after the display window
}

func (b *Bridge) publish(rec Record, opts publishOpts) {
	b.recent.Push(rec)

	b.listenerMu.RLock()
	for ch := range b.listeners {
		select {
		case ch <- rec:
		default:
		}
	}
	b.listenerMu.RUnlock()

	if opts.persist && b.store != nil {
		row := storage.NotificationRow{
			ID: rec.ID, Kind: rec.Kind, Title: rec.Title,
			Message: rec.Message, Read: rec.Read, CreatedAt: rec.CreatedAt,
		}
		if err := b.store.SaveNotification(row); err != nil {
			log.Printf("NOTIFY: persist failed: %v", err)
		}
	}
	if opts.transient {
		id := rec.ID
		time.AfterFunc(bannerWindow, func() { b.retire(id) })
	}
}

// retire drops a transient banner after its display window.
func (b *Bridge) retire(id string) {
	b.mu.Lock()
	if b.banner != nil && b.banner.ID == id {
		b.banner = nil
	}
	b.mu.Unlock()
}
