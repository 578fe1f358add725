// Package presence tracks which contacts are reachable, fed by presence
// envelopes on the signaling link and periodic beacons of our own.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/chime/internal/signaling"
)

const (
	beaconInterval = 30 * time.Second
	peerTTL        = 90 * time.Second
	offlineGrace   = 24 * time.Hour
)

// SeenPeer is one contact's last known presence.
type SeenPeer struct {
	DisplayName  string    `json:"display_name"`
	Reachable    bool      `json:"reachable"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since,omitempty"`
}

// PeerEvent is pushed to subscribers on table changes.
type PeerEvent struct {
	Type   string    `json:"type"` // update | remove
	PeerID string    `json:"peer_id,omitempty"`
	Peer   *SeenPeer `json:"peer,omitempty"`
}

type beacon struct {
	DisplayName string `json:"display_name"`
	Bye         bool   `json:"bye,omitempty"`
}

// Table is the presence registry for one local user.
type Table struct {
	selfID      string
	displayName string
	sig         signaling.Transport

	mu        sync.Mutex
	peers     map[string]SeenPeer
	listeners []chan PeerEvent

	cancelSub func()
	done      chan struct{}
}

// NewTable starts consuming presence envelopes and beaconing.
func NewTable(sig signaling.Transport, selfID, displayName string) *Table {
	t := &Table{
		selfID:      selfID,
		displayName: displayName,
		sig:         sig,
		peers:       map[string]SeenPeer{},
		listeners:   make([]chan PeerEvent, 0),
		done:        make(chan struct{}),
	}
	ch, cancel := sig.Subscribe()
	t.cancelSub = cancel
	go t.consume(ch)
	go t.beaconLoop()
	return t
}

func (t *Table) consume(ch chan *signaling.Message) {
	for {
		select {
		case <-t.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Kind != signaling.KindPresence || msg.From == t.selfID {
				continue
			}
			var b beacon
			if err := json.Unmarshal(msg.Payload, &b); err != nil {
				log.Printf("PRESENCE: malformed beacon from %s: %v", msg.From, err)
				continue
			}
			if b.Bye {
				t.MarkOffline(msg.From)
			} else {
				t.Upsert(msg.From, b.DisplayName)
			}
		}
	}
}

func (t *Table) beaconLoop() {
	t.sendBeacon(false)
	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()
	prune := time.NewTicker(peerTTL)
	defer prune.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sendBeacon(false)
		case <-prune.C:
			t.PruneStale(time.Now().Add(-peerTTL), time.Now().Add(-offlineGrace))
		}
	}
}

// sendBeacon broadcasts presence. Empty To means fan-out to contacts on
// the backend side; send errors are routine while offline.
func (t *Table) sendBeacon(bye bool) {
	payload, _ := json.Marshal(beacon{DisplayName: t.displayName, Bye: bye})
	msg := signaling.NewMessage(signaling.KindPresence, "", t.selfID, "", payload)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.sig.Send(ctx, msg); err != nil {
		log.Printf("PRESENCE: beacon send failed: %v", err)
	}
}

// Upsert records a live sighting of a peer.
func (t *Table) Upsert(id, displayName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer := SeenPeer{
		DisplayName: displayName,
		Reachable:   true,
		LastSeen:    time.Now(),
	}
	t.peers[id] = peer
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &peer})
}

// MarkOffline flips a peer to unreachable without forgetting it.
func (t *Table) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	wasOnline := sp.OfflineSince.IsZero()
	sp.Reachable = false
	if wasOnline {
		sp.OfflineSince = time.Now()
	}
	t.peers[id] = sp
	if wasOnline {
		t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
	}
}

// Get returns one peer's presence.
func (t *Table) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

// Snapshot returns a copy of the table.
func (t *Table) Snapshot() map[string]SeenPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]SeenPeer, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale moves silent peers offline, then forgets peers offline past
// the grace period.
func (t *Table) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.peers {
		if sp.OfflineSince.IsZero() {
			if sp.LastSeen.Before(ttlCutoff) {
				sp.Reachable = false
				sp.OfflineSince = time.Now()
				t.peers[id] = sp
				t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
			}
		} else {
			if sp.OfflineSince.Before(graceCutoff) {
				delete(t.peers, id)
				t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
			}
		}
	}
}

// Subscribe returns a channel of table changes.
func (t *Table) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (t *Table) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Close sends a goodbye beacon and stops the loops. Idempotent.
func (t *Table) Close() {
	select {
	case <-t.done:
		return
	default:
		close(t.done)
	}
	t.sendBeacon(true)
	t.cancelSub()
	t.mu.Lock()
	for _, ch := range t.listeners {
		close(ch)
	}
	t.listeners = nil
	t.mu.Unlock()
}

func (t *Table) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
