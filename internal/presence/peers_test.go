package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/petervdpas/chime/internal/signaling"
)

func recvEvent(t *testing.T, ch chan PeerEvent) PeerEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer event")
	}
	return PeerEvent{}
}

func sendBeaconFrom(t *testing.T, hub *signaling.LoopbackHub, from, name string, bye bool) {
	t.Helper()
	payload, _ := json.Marshal(beacon{DisplayName: name, Bye: bye})
	msg := signaling.NewMessage(signaling.KindPresence, "", from, "", payload)
	if err := hub.Transport(from).Send(context.Background(), msg); err != nil {
		t.Fatalf("beacon from %s: %v", from, err)
	}
}

func TestBeaconUpdatesTable(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	table := NewTable(hub.Transport("alice"), "alice", "Alice")
	t.Cleanup(table.Close)

	events := table.Subscribe()
	defer table.Unsubscribe(events)

	sendBeaconFrom(t, hub, "bob", "Bob", false)

	ev := recvEvent(t, events)
	if ev.Type != "update" || ev.PeerID != "bob" {
		t.Fatalf("event %+v", ev)
	}
	if ev.Peer == nil || !ev.Peer.Reachable || ev.Peer.DisplayName != "Bob" {
		t.Fatalf("peer %+v", ev.Peer)
	}
	if got, ok := table.Get("bob"); !ok || !got.Reachable {
		t.Fatalf("table entry %+v, %v", got, ok)
	}
}

func TestByeMarksOffline(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	table := NewTable(hub.Transport("alice"), "alice", "Alice")
	t.Cleanup(table.Close)

	events := table.Subscribe()
	defer table.Unsubscribe(events)

	sendBeaconFrom(t, hub, "bob", "Bob", false)
	recvEvent(t, events)

	sendBeaconFrom(t, hub, "bob", "Bob", true)
	ev := recvEvent(t, events)
	if ev.Type != "update" || ev.Peer == nil || ev.Peer.Reachable {
		t.Fatalf("event %+v", ev)
	}
	got, ok := table.Get("bob")
	if !ok || got.Reachable || got.OfflineSince.IsZero() {
		t.Fatalf("entry %+v, want offline with timestamp", got)
	}

	// A second bye must not reset the offline timestamp or re-notify.
	since := got.OfflineSince
	sendBeaconFrom(t, hub, "bob", "Bob", true)
	time.Sleep(100 * time.Millisecond)
	got, _ = table.Get("bob")
	if !got.OfflineSince.Equal(since) {
		t.Fatal("offline timestamp moved on duplicate bye")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestOwnBeaconIgnored(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := NewTable(hub.Transport("alice"), "alice", "Alice")
	t.Cleanup(alice.Close)
	bob := NewTable(hub.Transport("bob"), "bob", "Bob")
	t.Cleanup(bob.Close)

	// Bob's startup beacon reaches alice (alice's own went out before bob
	// joined the hub, so bob learns about alice on her next interval).
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := alice.Get("bob"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := alice.Get("bob"); !ok {
		t.Fatal("alice never saw bob's beacon")
	}
	if _, ok := alice.Get("alice"); ok {
		t.Fatal("table must not track the local user")
	}
}

func TestPruneStale(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	table := NewTable(hub.Transport("alice"), "alice", "Alice")
	t.Cleanup(table.Close)

	table.Upsert("bob", "Bob")

	// Everyone seen before now is stale: bob flips offline.
	table.PruneStale(time.Now().Add(time.Second), time.Now().Add(-time.Hour))
	got, ok := table.Get("bob")
	if !ok || got.Reachable {
		t.Fatalf("entry %+v, want offline", got)
	}

	// Next pass with the grace cutoff in the future forgets him.
	events := table.Subscribe()
	defer table.Unsubscribe(events)
	table.PruneStale(time.Now(), time.Now().Add(time.Second))
	if _, ok := table.Get("bob"); ok {
		t.Fatal("peer should be forgotten after the grace period")
	}
	ev := recvEvent(t, events)
	if ev.Type != "remove" || ev.PeerID != "bob" {
		t.Fatalf("event %+v, want remove", ev)
	}
}

func TestCloseSendsGoodbye(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	watcher, cancel := hub.Transport("carol").Subscribe()
	defer cancel()

	table := NewTable(hub.Transport("alice"), "alice", "Alice")

	// Drain the startup beacon first.
	select {
	case msg := <-watcher:
		if msg.Kind != signaling.KindPresence {
			t.Fatalf("got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no startup beacon")
	}

	table.Close()
	select {
	case msg := <-watcher:
		var b beacon
		if err := json.Unmarshal(msg.Payload, &b); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if !b.Bye {
			t.Fatalf("beacon %+v, want bye", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no goodbye beacon")
	}
}
