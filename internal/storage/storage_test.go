package storage

import (
	"testing"
	"time"

	"github.com/petervdpas/chime/internal/call"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndPing(t *testing.T) {
	db := openTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if v, err := db.Meta("missing"); err != nil || v != "" {
		t.Fatalf("missing key: %q, %v", v, err)
	}
	if err := db.SetMeta("schema", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := db.Meta("schema"); v != "1" {
		t.Fatalf("got %q, want 1", v)
	}
}

func TestCallHistory(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []call.Record{
		{ID: "alicebob", Caller: "alice", Callee: "bob", Media: call.MediaAudio,
			Outcome: call.StatusEnded, Reason: "local-hangup",
			CreatedAt: base, EndedAt: base.Add(time.Minute)},
		{ID: "alicecarol", Caller: "carol", Callee: "alice", Media: call.MediaVideo,
			Outcome: call.StatusFailed, Reason: "timeout",
			CreatedAt: base.Add(time.Hour), EndedAt: base.Add(time.Hour + 45*time.Second)},
	}
	for _, r := range records {
		if err := db.RecordCall(r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	recent, err := db.RecentCalls(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d entries, want 2", len(recent))
	}
	// Newest first.
	if recent[0].CallID != "alicecarol" || recent[1].CallID != "alicebob" {
		t.Fatalf("order: %s, %s", recent[0].CallID, recent[1].CallID)
	}
	if recent[0].Outcome != "failed" || recent[0].Reason != "timeout" {
		t.Fatalf("entry %+v", recent[0])
	}

	withBob, err := db.CallsWith("bob", 10)
	if err != nil {
		t.Fatalf("with bob: %v", err)
	}
	if len(withBob) != 1 || withBob[0].CallID != "alicebob" {
		t.Fatalf("filter by peer: %+v", withBob)
	}
}

func TestNotifications(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	rows := []NotificationRow{
		{ID: "n1", Kind: "missed-call", Title: "Missed call", Message: "bob", CreatedAt: now},
		{ID: "n2", Kind: "missed-call", Title: "Missed call", Message: "carol", CreatedAt: now.Add(time.Second)},
	}
	for _, n := range rows {
		if err := db.SaveNotification(n); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := db.RecentNotifications(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "n2" {
		t.Fatalf("got %+v, want newest first", got)
	}
	if got[0].Read || got[1].Read {
		t.Fatal("fresh notifications must be unread")
	}

	if err := db.MarkNotificationRead("n1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	got, _ = db.RecentNotifications(10)
	for _, n := range got {
		if n.ID == "n1" && !n.Read {
			t.Fatal("n1 should be read")
		}
	}

	if err := db.ClearNotifications(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = db.RecentNotifications(10)
	if len(got) != 0 {
		t.Fatalf("after clear: %d entries", len(got))
	}
}

func TestMessages(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	msgs := []MessageRow{
		{ID: "m1", Peer: "bob", Sender: "alice", Body: "hi", CreatedAt: now},
		{ID: "m2", Peer: "bob", Sender: "bob", Body: "hey", CreatedAt: now.Add(time.Second)},
		{ID: "m3", Peer: "carol", Sender: "alice", Body: "later", CreatedAt: now.Add(2 * time.Second)},
	}
	for _, m := range msgs {
		if err := db.SaveMessage(m); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	// Redelivery of the same id is harmless.
	if err := db.SaveMessage(msgs[0]); err != nil {
		t.Fatalf("duplicate save: %v", err)
	}

	conv, err := db.MessagesWith("bob", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(conv) != 2 {
		t.Fatalf("got %d messages, want 2", len(conv))
	}
	// Oldest first.
	if conv[0].ID != "m1" || conv[1].ID != "m2" {
		t.Fatalf("order: %s, %s", conv[0].ID, conv[1].ID)
	}
}
