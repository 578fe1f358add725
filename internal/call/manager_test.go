package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/chime/internal/signaling"
)

type capturingRecorder struct {
	mu   sync.Mutex
	recs []Record
}

func (r *capturingRecorder) RecordCall(rec Record) error {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	return nil
}

func (r *capturingRecorder) all() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.recs...)
}

type side struct {
	id      string
	mgr     *Manager
	factory *fakeFactory
	events  chan Event
}

func newSide(t *testing.T, hub *signaling.LoopbackHub, id string, cfg Config) *side {
	t.Helper()
	factory := &fakeFactory{}
	cfg.SelfID = id
	cfg.Transport = hub.Transport(id)
	cfg.Engines = factory
	mgr := New(cfg)
	events, cancel := mgr.Subscribe()
	t.Cleanup(func() {
		cancel()
		mgr.Close()
	})
	return &side{id: id, mgr: mgr, factory: factory, events: events}
}

func sendRaw(t *testing.T, hub *signaling.LoopbackHub, msg *signaling.Message) {
	t.Helper()
	tr := hub.Transport(msg.From)
	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("raw send: %v", err)
	}
}

func offerPayload(sdp string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"sdp": sdp})
	return b
}

func TestOutboundCallLifecycle(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	bob := newSide(t, hub, "bob", Config{})

	sess, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if sess.Call().ID != CallID("alice", "bob") {
		t.Fatalf("call id %q, want deterministic pair id", sess.Call().ID)
	}

	waitState(t, alice.events, StatusInitiating)
	waitState(t, alice.events, StatusConnecting)

	inc := waitEvent(t, bob.events, func(ev Event) bool { return ev.Type == EventIncoming })
	if inc.Call.Caller != "alice" || inc.Call.ID != sess.Call().ID {
		t.Fatalf("incoming event %+v, want caller alice with matching id", inc.Call)
	}

	bobSess := bob.mgr.Active()
	if bobSess == nil {
		t.Fatal("bob has no active session")
	}
	if err := bobSess.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitState(t, bob.events, StatusAnswering)
	waitState(t, bob.events, StatusConnecting)

	// The answer reaches alice's engine.
	waitFor(t, func() bool {
		typ, _ := alice.factory.last(t).remote()
		return typ == "answer"
	})

	alice.factory.last(t).setState(EngineConnected)
	bob.factory.last(t).setState(EngineConnected)
	waitState(t, alice.events, StatusConnected)
	waitState(t, bob.events, StatusConnected)

	sess.End()
	ended := waitState(t, alice.events, StatusEnded)
	if ended.Reason != ReasonLocalHangup {
		t.Fatalf("alice end reason %q, want %q", ended.Reason, ReasonLocalHangup)
	}
	bobEnded := waitState(t, bob.events, StatusEnded)
	if bobEnded.Reason != ReasonRemoteHangup {
		t.Fatalf("bob end reason %q, want %q", bobEnded.Reason, ReasonRemoteHangup)
	}

	if alice.mgr.Active() != nil || bob.mgr.Active() != nil {
		t.Fatal("terminal sessions must be evicted")
	}
}

func TestStartCallValidation(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	newSide(t, hub, "bob", Config{})

	if _, err := alice.mgr.StartCall(context.Background(), "", MediaAudio); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("empty target: got %v, want ErrInvalidTarget", err)
	}
	if _, err := alice.mgr.StartCall(context.Background(), "alice", MediaAudio); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("self target: got %v, want ErrInvalidTarget", err)
	}

	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("second call: got %v, want ErrAlreadyInCall", err)
	}
}

func TestImmediateHangupAfterStart(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	newSide(t, hub, "bob", Config{})

	sess, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	sess.End()
	sess.End() // idempotent

	waitState(t, alice.events, StatusInitiating)
	waitState(t, alice.events, StatusEnding)
	ended := waitState(t, alice.events, StatusEnded)
	if ended.Reason != ReasonLocalHangup {
		t.Fatalf("reason %q, want %q", ended.Reason, ReasonLocalHangup)
	}
	if alice.mgr.Active() != nil {
		t.Fatal("session must be evicted after hangup")
	}
}

func TestBusySecondOffer(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	bob := newSide(t, hub, "bob", Config{})
	carol := newSide(t, hub, "carol", Config{})

	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitEvent(t, bob.events, func(ev Event) bool { return ev.Type == EventIncoming })

	if _, err := carol.mgr.StartCall(context.Background(), "bob", MediaVideo); err != nil {
		t.Fatalf("carol StartCall: %v", err)
	}

	missed := waitEvent(t, bob.events, func(ev Event) bool { return ev.Type == EventMissed })
	if missed.Reason != ReasonBusy || missed.Call.Caller != "carol" {
		t.Fatalf("missed event %+v, want busy from carol", missed)
	}

	failed := waitState(t, carol.events, StatusFailed)
	if failed.Reason != ReasonBusy {
		t.Fatalf("carol failure reason %q, want %q", failed.Reason, ReasonBusy)
	}

	// bob's original invitation is untouched by the rejected one.
	if s := bob.mgr.Active(); s == nil || s.Call().Caller != "alice" {
		t.Fatal("bob's ringing invitation from alice must survive")
	}
}

func TestCandidatesBufferedUntilAccept(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	bob := newSide(t, hub, "bob", Config{})

	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitEvent(t, bob.events, func(ev Event) bool { return ev.Type == EventIncoming })

	// Trickle candidates arrive while bob is still ringing.
	aliceEng := alice.factory.last(t)
	aliceEng.emitCandidate("cand-1")
	aliceEng.emitCandidate("cand-2")
	aliceEng.emitCandidate("cand-3")

	// Give the envelopes time to land in bob's buffer.
	waitFor(t, func() bool {
		s := bob.mgr.Active()
		if s == nil {
			return false
		}
		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		return n == 3
	})

	bobSess := bob.mgr.Active()
	if err := bobSess.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	waitFor(t, func() bool {
		return len(bob.factory.last(t).received()) == 3
	})
	got := bob.factory.last(t).received()
	want := []string{"cand-1", "cand-2", "cand-3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate order %v, want %v", got, want)
		}
	}
}

func TestHangupBeforeOfferIsSuppressed(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	bob := newSide(t, hub, "bob", Config{})
	id := CallID("alice", "bob")

	// The hangup outruns its offer on the relay: the offer was minted
	// first but delivered second.
	offer := signaling.NewMessage(signaling.KindOffer, id, "alice", "bob", offerPayload("sdp"))
	offer.Media = string(MediaAudio)
	time.Sleep(10 * time.Millisecond)
	sendRaw(t, hub, signaling.NewMessage(signaling.KindHangup, id, "alice", "bob", nil))
	time.Sleep(50 * time.Millisecond)
	sendRaw(t, hub, offer)

	select {
	case ev := <-bob.events:
		t.Fatalf("unexpected event %+v for a withdrawn invitation", ev)
	case <-time.After(200 * time.Millisecond):
	}
	if bob.mgr.Active() != nil {
		t.Fatal("suppressed offer must not create a session")
	}
}

func TestRedialAfterHangupRings(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	bob := newSide(t, hub, "bob", Config{})

	sess, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitEvent(t, bob.events, func(ev Event) bool { return ev.Type == EventIncoming })
	sess.End()
	waitState(t, alice.events, StatusEnded)
	waitState(t, bob.events, StatusEnded)

	// The pair id repeats on redial; the previous call's teardown must
	// not eat the new offer on either side.
	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); err != nil {
		t.Fatalf("redial: %v", err)
	}
	inc := waitEvent(t, bob.events, func(ev Event) bool { return ev.Type == EventIncoming })
	if inc.Call.ID != CallID("alice", "bob") {
		t.Fatalf("redial incoming id %q", inc.Call.ID)
	}
	if bob.mgr.Active() == nil {
		t.Fatal("redial must register a ringing session")
	}
}

func TestGlareLoserWithdrawsAndAnswers(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	// "bob" sorts after "alice", so bob is the side that must withdraw.
	bob := newSide(t, hub, "bob", Config{})
	aliceRaw, cancelRaw := hub.Transport("alice").Subscribe()
	defer cancelRaw()

	if _, err := bob.mgr.StartCall(context.Background(), "alice", MediaAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, bob.events, StatusInitiating)

	id := CallID("alice", "bob")
	offer := signaling.NewMessage(signaling.KindOffer, id, "alice", "bob", offerPayload("alice-offer"))
	offer.Media = string(MediaAudio)
	sendRaw(t, hub, offer)

	// Bob answers instead of ringing: answering → connecting, and no
	// incoming alert for a call both users already wanted.
	waitState(t, bob.events, StatusAnswering)
	waitState(t, bob.events, StatusConnecting)

	s := bob.mgr.Active()
	if s == nil || s.Snapshot().Outbound {
		t.Fatal("bob's active session must be the inbound replacement")
	}

	// Alice receives bob's original offer and then the glare answer.
	sawAnswer := false
	deadline := time.After(2 * time.Second)
	for !sawAnswer {
		select {
		case msg := <-aliceRaw:
			if msg.Kind == signaling.KindAnswer && msg.CallID == id {
				sawAnswer = true
			}
		case <-deadline:
			t.Fatal("alice never received the glare answer")
		}
	}
}

func TestGlareWinnerIgnoresRemoteOffer(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	bobRaw, cancelRaw := hub.Transport("bob").Subscribe()
	defer cancelRaw()
	go func() {
		for range bobRaw {
		}
	}()

	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, alice.events, StatusInitiating)

	id := CallID("alice", "bob")
	offer := signaling.NewMessage(signaling.KindOffer, id, "bob", "alice", offerPayload("bob-offer"))
	offer.Media = string(MediaAudio)
	sendRaw(t, hub, offer)

	// Alice keeps her own attempt: no answering, session stays outbound.
	select {
	case ev := <-alice.events:
		if ev.State == StatusAnswering || ev.Type == EventIncoming {
			t.Fatalf("glare winner must ignore the remote offer, got %+v", ev)
		}
	case <-time.After(200 * time.Millisecond):
	}
	if s := alice.mgr.Active(); s == nil || !s.Snapshot().Outbound {
		t.Fatal("alice's outbound attempt must survive glare")
	}
}

func TestRingTimeoutOutbound(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{RingTimeout: 60 * time.Millisecond})
	bobRaw, cancelRaw := hub.Transport("bob").Subscribe()
	defer cancelRaw()
	go func() {
		for range bobRaw {
		}
	}()

	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	failed := waitState(t, alice.events, StatusFailed)
	if failed.Reason != ReasonTimeout {
		t.Fatalf("reason %q, want %q", failed.Reason, ReasonTimeout)
	}
}

func TestRingTimeoutIncomingIsMissed(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	bob := newSide(t, hub, "bob", Config{RingTimeout: 60 * time.Millisecond})
	aliceRaw, cancelRaw := hub.Transport("alice").Subscribe()
	defer cancelRaw()
	go func() {
		for range aliceRaw {
		}
	}()

	id := CallID("alice", "bob")
	offer := signaling.NewMessage(signaling.KindOffer, id, "alice", "bob", offerPayload("sdp"))
	offer.Media = string(MediaVideo)
	sendRaw(t, hub, offer)

	waitEvent(t, bob.events, func(ev Event) bool { return ev.Type == EventIncoming })
	failed := waitState(t, bob.events, StatusFailed)
	if failed.Reason != ReasonTimeout {
		t.Fatalf("reason %q, want %q", failed.Reason, ReasonTimeout)
	}
	missed := waitEvent(t, bob.events, func(ev Event) bool { return ev.Type == EventMissed })
	if missed.Call.Caller != "alice" {
		t.Fatalf("missed call from %q, want alice", missed.Call.Caller)
	}
}

func TestRemoteBusyFailsOutbound(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	_, cancelRaw := hub.Transport("bob").Subscribe()
	defer cancelRaw()

	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, alice.events, StatusConnecting)

	id := CallID("alice", "bob")
	sendRaw(t, hub, signaling.NewMessage(signaling.KindBusy, id, "bob", "alice", nil))

	failed := waitState(t, alice.events, StatusFailed)
	if failed.Reason != ReasonBusy {
		t.Fatalf("reason %q, want %q", failed.Reason, ReasonBusy)
	}
}

func TestDisconnectedRecovers(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	bob := newSide(t, hub, "bob", Config{})

	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitEvent(t, bob.events, func(ev Event) bool { return ev.Type == EventIncoming })
	if err := bob.mgr.Active().Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	eng := alice.factory.last(t)
	eng.setState(EngineConnected)
	waitState(t, alice.events, StatusConnected)

	eng.setState(EngineDisconnected)
	waitState(t, alice.events, StatusDisconnected)

	eng.setState(EngineConnected)
	waitState(t, alice.events, StatusConnected)

	eng.setState(EngineFailed)
	failed := waitState(t, alice.events, StatusFailed)
	if failed.Reason != ReasonConnectivity {
		t.Fatalf("reason %q, want %q", failed.Reason, ReasonConnectivity)
	}
}

func TestTogglesOnlyWhileConnected(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	newSide(t, hub, "bob", Config{})

	sess, err := alice.mgr.StartCall(context.Background(), "bob", MediaVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, alice.events, StatusConnecting)

	// Outside connected the toggle is a no-op returning the current flag.
	if got := sess.ToggleAudio(); got != true {
		t.Fatalf("pre-connect audio toggle returned %v, want unchanged true", got)
	}
	if got := sess.ToggleVideo(); got != true {
		t.Fatalf("pre-connect video toggle returned %v, want unchanged true", got)
	}

	alice.factory.last(t).setState(EngineConnected)
	waitState(t, alice.events, StatusConnected)

	if got := sess.ToggleAudio(); got != false {
		t.Fatalf("audio toggle returned %v, want false", got)
	}
	if got := sess.ToggleAudio(); got != true {
		t.Fatalf("second audio toggle returned %v, want true", got)
	}
	if got := sess.ToggleSpeaker(); got != true {
		t.Fatalf("speaker toggle returned %v, want true", got)
	}
}

func TestRejectEndsQuietly(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	bob := newSide(t, hub, "bob", Config{})

	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitEvent(t, bob.events, func(ev Event) bool { return ev.Type == EventIncoming })

	bob.mgr.Active().Reject()
	ended := waitState(t, bob.events, StatusEnded)
	if ended.Reason != ReasonRejected {
		t.Fatalf("bob reason %q, want %q", ended.Reason, ReasonRejected)
	}
	// A local reject is not a missed call.
	select {
	case ev := <-bob.events:
		if ev.Type == EventMissed {
			t.Fatal("reject must not produce a missed-call event")
		}
	case <-time.After(100 * time.Millisecond):
	}

	// Caller sees the remote hangup.
	waitState(t, alice.events, StatusEnded)
}

func TestHistoryRecorded(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	rec := &capturingRecorder{}
	alice := newSide(t, hub, "alice", Config{History: rec})
	newSide(t, hub, "bob", Config{})

	sess, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, alice.events, StatusConnecting)
	sess.End()
	waitState(t, alice.events, StatusEnded)

	waitFor(t, func() bool { return len(rec.all()) == 1 })
	r := rec.all()[0]
	if r.ID != CallID("alice", "bob") || r.Outcome != StatusEnded || r.Reason != ReasonLocalHangup {
		t.Fatalf("record %+v, want ended/local-hangup with pair id", r)
	}
	if !r.EndedAt.After(r.CreatedAt) && !r.EndedAt.Equal(r.CreatedAt) {
		t.Fatal("record timestamps out of order")
	}
}

func TestEngineInitFailureFailsCall(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	alice.factory.failNew = true
	newSide(t, hub, "bob", Config{})

	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	failed := waitState(t, alice.events, StatusFailed)
	if failed.Reason != ReasonConnectivity {
		t.Fatalf("reason %q, want %q", failed.Reason, ReasonConnectivity)
	}
	if alice.mgr.Active() != nil {
		t.Fatal("failed session must be evicted")
	}
}

func TestSignalingLossFailsCall(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	alice := newSide(t, hub, "alice", Config{})
	newSide(t, hub, "bob", Config{})

	hub.Disconnect("alice")
	if _, err := alice.mgr.StartCall(context.Background(), "bob", MediaAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	failed := waitState(t, alice.events, StatusFailed)
	if failed.Reason != ReasonSignaling {
		t.Fatalf("reason %q, want %q", failed.Reason, ReasonSignaling)
	}
}
