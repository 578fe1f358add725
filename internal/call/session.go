package call

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/petervdpas/chime/internal/signaling"
)

// Lifecycle events fed to the FSM. The FSM is the single source of truth
// for what transition is legal from where; every mutation of a session
// happens under its mutex, so inbound signaling, engine callbacks and UI
// intents are serialized no matter which goroutine they arrive on.
const (
	evDial       = "dial"        // idle → initiating
	evRing       = "ring"        // idle → incoming
	evOfferSent  = "offer-sent"  // initiating → connecting
	evAccept     = "accept"      // incoming → answering
	evAnswerSent = "answer-sent" // answering → connecting
	evMediaUp    = "media-up"    // connecting|disconnected → connected
	evMediaLost  = "media-lost"  // connected → disconnected
	evHangup     = "hangup"      // any non-terminal → ending
	evFinish     = "finish"      // ending → ended
	evFail       = "fail"        // any non-terminal → failed
)

var nonTerminal = []string{
	string(StatusIdle), string(StatusInitiating), string(StatusIncoming),
	string(StatusAnswering), string(StatusConnecting), string(StatusConnected),
	string(StatusDisconnected), string(StatusEnding),
}

func newLifecycleFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StatusIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(StatusIdle)}, Dst: string(StatusInitiating)},
			{Name: evRing, Src: []string{string(StatusIdle)}, Dst: string(StatusIncoming)},
			{Name: evOfferSent, Src: []string{string(StatusInitiating)}, Dst: string(StatusConnecting)},
			{Name: evAccept, Src: []string{string(StatusIncoming)}, Dst: string(StatusAnswering)},
			{Name: evAnswerSent, Src: []string{string(StatusAnswering)}, Dst: string(StatusConnecting)},
			{Name: evMediaUp, Src: []string{string(StatusConnecting), string(StatusDisconnected)}, Dst: string(StatusConnected)},
			{Name: evMediaLost, Src: []string{string(StatusConnected)}, Dst: string(StatusDisconnected)},
			{Name: evHangup, Src: nonTerminal, Dst: string(StatusEnding)},
			{Name: evFinish, Src: []string{string(StatusEnding)}, Dst: string(StatusEnded)},
			{Name: evFail, Src: nonTerminal, Dst: string(StatusFailed)},
		},
		fsm.Callbacks{},
	)
}

// sdpPayload and candidatePayload wrap the opaque engine strings for the
// wire. Nothing inspects the SDP or candidate beyond this envelope.
type sdpPayload struct {
	SDP string `json:"sdp"`
}

type candidatePayload struct {
	Candidate string `json:"candidate"`
}

// Session owns one call's lifecycle from creation to a terminal state.
// Created and evicted only by the Manager.
type Session struct {
	call     Call
	selfID   string
	outbound bool

	sig signaling.Transport
	mgr *Manager

	mu          sync.Mutex
	life        *fsm.FSM
	engine      Engine
	engineState EngineState
	remoteOffer json.RawMessage   // inbound only, applied on Accept
	remoteSet   bool              // remote description applied to engine
	pending     []json.RawMessage // candidates that arrived too early
	audioOn     bool
	videoOn     bool
	speakerOn   bool
	reason      string
	ringTimer   *time.Timer
	withdrawn   bool
}

// SessionStatus is the snapshot handed to the HTTP surface and tests.
type SessionStatus struct {
	Call        Call        `json:"call"`
	Outbound    bool        `json:"outbound"`
	State       Status      `json:"state"`
	EngineState EngineState `json:"engine_state"`
	AudioOn     bool        `json:"audio_on"`
	VideoOn     bool        `json:"video_on"`
	SpeakerOn   bool        `json:"speaker_on"`
	Reason      string      `json:"reason,omitempty"`
}

func newSession(mgr *Manager, c Call, outbound bool) *Session {
	return &Session{
		call:        c,
		selfID:      mgr.selfID,
		outbound:    outbound,
		sig:         mgr.sig,
		mgr:         mgr,
		life:        newLifecycleFSM(),
		engineState: EngineNew,
		audioOn:     true,
		videoOn:     c.Media == MediaVideo,
	}
}

// Call returns the immutable call record.
func (s *Session) Call() Call { return s.call }

// State returns the current lifecycle status.
func (s *Session) State() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		Call:        s.call,
		Outbound:    s.outbound,
		State:       s.currentLocked(),
		EngineState: s.engineState,
		AudioOn:     s.audioOn,
		VideoOn:     s.videoOn,
		SpeakerOn:   s.speakerOn,
		Reason:      s.reason,
	}
}

func (s *Session) currentLocked() Status { return Status(s.life.Current()) }

// stepLocked performs one transition and pushes the resulting state to
// subscribers. An illegal transition is a bug at the call site, so it is
// logged loudly.
func (s *Session) stepLocked(event string) bool {
	if err := s.life.Event(context.Background(), event); err != nil {
		log.Printf("CALL [%s]: transition %s from %s refused: %v", s.call.ID, event, s.currentLocked(), err)
		return false
	}
	s.emitStateLocked()
	return true
}

func (s *Session) emitStateLocked() {
	if s.withdrawn {
		return
	}
	s.mgr.emit(Event{
		Type:        EventState,
		Call:        s.call,
		State:       s.currentLocked(),
		EngineState: s.engineState,
		Reason:      s.reason,
		TS:          time.Now().UTC(),
	})
}

// ─── outbound path ───

// begin moves idle→initiating, creates the engine and kicks off the
// asynchronous offer. Every failure past registration is folded into the
// state machine rather than returned.
func (s *Session) begin() {
	s.mu.Lock()
	if !s.stepLocked(evDial) {
		s.mu.Unlock()
		return
	}
	eng, err := s.mgr.engines.NewEngine(EngineConfig{
		CallID:     s.call.ID,
		Media:      s.call.Media,
		ICEServers: s.mgr.iceServers,
	})
	if err != nil {
		log.Printf("CALL [%s]: engine init failed: %v", s.call.ID, err)
		s.terminateLocked(StatusFailed, ReasonConnectivity)
		s.mu.Unlock()
		return
	}
	s.engine = eng
	s.wireEngineLocked(eng)
	s.startRingTimerLocked()
	s.mu.Unlock()

	go s.sendOffer(eng)
}

func (s *Session) sendOffer(eng Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sdp, err := eng.CreateOffer(ctx)
	if err != nil {
		log.Printf("CALL [%s]: create offer failed: %v", s.call.ID, err)
		s.fail(ReasonConnectivity)
		return
	}
	payload, _ := json.Marshal(sdpPayload{SDP: sdp})
	msg := signaling.NewMessage(signaling.KindOffer, s.call.ID, s.selfID, s.call.Callee, payload)
	msg.Media = string(s.call.Media)
	if err := s.sig.Send(ctx, msg); err != nil {
		log.Printf("CALL [%s]: offer send failed: %v", s.call.ID, err)
		s.fail(ReasonSignaling)
		return
	}

	s.mu.Lock()
	if s.currentLocked() == StatusInitiating {
		s.stepLocked(evOfferSent)
	}
	s.mu.Unlock()
}

// ─── inbound path ───

// ring publishes the Incoming state for a freshly registered invitation.
func (s *Session) ring() {
	s.mu.Lock()
	if s.stepLocked(evRing) {
		s.startRingTimerLocked()
	}
	s.mu.Unlock()
}

// Accept answers an incoming invitation. Valid only from Incoming.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.currentLocked() != StatusIncoming {
		s.mu.Unlock()
		return ErrInvalidStateTransition
	}
	s.stepLocked(evAccept)
	s.stopRingTimerLocked()

	eng, err := s.mgr.engines.NewEngine(EngineConfig{
		CallID:     s.call.ID,
		Media:      s.call.Media,
		ICEServers: s.mgr.iceServers,
	})
	if err != nil {
		log.Printf("CALL [%s]: engine init failed: %v", s.call.ID, err)
		s.terminateLocked(StatusFailed, ReasonConnectivity)
		s.mu.Unlock()
		return ErrConnectivityFailed
	}
	s.engine = eng
	s.wireEngineLocked(eng)

	var offer sdpPayload
	if err := json.Unmarshal(s.remoteOffer, &offer); err != nil {
		log.Printf("CALL [%s]: malformed offer payload: %v", s.call.ID, err)
		s.terminateLocked(StatusFailed, ReasonConnectivity)
		s.mu.Unlock()
		return ErrConnectivityFailed
	}
	if err := eng.SetRemoteDescription("offer", offer.SDP); err != nil {
		log.Printf("CALL [%s]: apply offer failed: %v", s.call.ID, err)
		s.terminateLocked(StatusFailed, ReasonConnectivity)
		s.mu.Unlock()
		return ErrConnectivityFailed
	}
	s.remoteSet = true
	s.flushCandidatesLocked()

	sdp, err := eng.CreateAnswer(ctx)
	if err != nil {
		log.Printf("CALL [%s]: create answer failed: %v", s.call.ID, err)
		s.terminateLocked(StatusFailed, ReasonConnectivity)
		s.mu.Unlock()
		return ErrConnectivityFailed
	}
	s.mu.Unlock()

	go s.sendAnswer(sdp)
	return nil
}

func (s *Session) sendAnswer(sdp string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, _ := json.Marshal(sdpPayload{SDP: sdp})
	msg := signaling.NewMessage(signaling.KindAnswer, s.call.ID, s.selfID, s.call.Other(s.selfID), payload)
	if err := s.sig.Send(ctx, msg); err != nil {
		log.Printf("CALL [%s]: answer send failed: %v", s.call.ID, err)
		s.fail(ReasonSignaling)
		return
	}

	s.mu.Lock()
	if s.currentLocked() == StatusAnswering {
		s.stepLocked(evAnswerSent)
	}
	s.mu.Unlock()
}

// ─── teardown ───

// End hangs up from any non-terminal state. Idempotent: a terminal
// session ignores it. The hangup signal is fire-and-forget, the local
// transition never waits on the network.
func (s *Session) End() { s.hangupWith(ReasonLocalHangup) }

// Reject declines an invitation. Same wire behavior as End.
func (s *Session) Reject() { s.hangupWith(ReasonRejected) }

func (s *Session) hangupWith(reason string) {
	s.mu.Lock()
	if s.currentLocked().Terminal() {
		s.mu.Unlock()
		return
	}
	s.terminateLocked(StatusEnded, reason)
	s.mu.Unlock()

	s.sendHangupAsync()
}

func (s *Session) sendHangupAsync() {
	msg := signaling.NewMessage(signaling.KindHangup, s.call.ID, s.selfID, s.call.Other(s.selfID), nil)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.sig.Send(ctx, msg); err != nil {
			log.Printf("CALL [%s]: hangup send failed (already tearing down): %v", s.call.ID, err)
		}
	}()
}

// fail forces the session into Failed from any goroutine.
func (s *Session) fail(reason string) {
	s.mu.Lock()
	if !s.currentLocked().Terminal() {
		s.terminateLocked(StatusFailed, reason)
	}
	s.mu.Unlock()
}

// terminateLocked is the single funnel into Ended/Failed: stops the ring
// timer, walks the FSM, detaches the engine and tells the registry.
func (s *Session) terminateLocked(outcome Status, reason string) {
	cur := s.currentLocked()
	if cur.Terminal() {
		return
	}
	s.stopRingTimerLocked()
	s.reason = reason
	wasIncoming := cur == StatusIncoming

	if outcome == StatusEnded {
		if cur != StatusEnding {
			s.stepLocked(evHangup)
		}
		s.stepLocked(evFinish)
	} else {
		s.stepLocked(evFail)
	}

	if s.engine != nil {
		eng := s.engine
		s.engine = nil
		// Close on its own goroutine: the engine may call back into
		// handleEngineState, which needs the session mutex.
		go eng.Close()
	}

	missed := wasIncoming && (reason == ReasonRemoteHangup || reason == ReasonTimeout)
	s.mgr.finish(s, Record{
		ID:        s.call.ID,
		Caller:    s.call.Caller,
		Callee:    s.call.Callee,
		Media:     s.call.Media,
		Outcome:   s.currentLocked(),
		Reason:    reason,
		CreatedAt: s.call.CreatedAt,
		EndedAt:   time.Now().UTC(),
	}, missed)
}

// withdraw silences a glare-losing outbound attempt: no events, no
// history record. The inbound offer for the same id takes over.
func (s *Session) withdraw() {
	s.mu.Lock()
	if s.currentLocked().Terminal() {
		s.mu.Unlock()
		return
	}
	s.withdrawn = true
	s.stopRingTimerLocked()
	if s.currentLocked() != StatusEnding {
		_ = s.life.Event(context.Background(), evHangup)
	}
	_ = s.life.Event(context.Background(), evFinish)
	eng := s.engine
	s.engine = nil
	s.mu.Unlock()

	if eng != nil {
		go eng.Close()
	}
}

// ─── inbound signaling ───

// handleMessage processes one envelope already routed to this session.
func (s *Session) handleMessage(msg *signaling.Message) {
	switch msg.Kind {
	case signaling.KindOffer:
		// At-least-once delivery: a duplicate of the offer that created
		// this session. Idempotent ignore.
		log.Printf("CALL [%s]: duplicate offer from %s ignored", s.call.ID, msg.From)

	case signaling.KindAnswer:
		s.handleAnswer(msg)

	case signaling.KindCandidate:
		s.handleCandidate(msg)

	case signaling.KindHangup:
		s.mu.Lock()
		if s.currentLocked().Terminal() {
			s.mu.Unlock()
			return
		}
		log.Printf("CALL [%s]: remote hangup", s.call.ID)
		s.terminateLocked(StatusEnded, ReasonRemoteHangup)
		s.mu.Unlock()

	case signaling.KindBusy:
		s.mu.Lock()
		if s.currentLocked().Terminal() {
			s.mu.Unlock()
			return
		}
		log.Printf("CALL [%s]: remote is busy", s.call.ID)
		s.terminateLocked(StatusFailed, ReasonBusy)
		s.mu.Unlock()
	}
}

func (s *Session) handleAnswer(msg *signaling.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.currentLocked()
	if cur != StatusConnecting && cur != StatusAnswering {
		// Stale answer: late delivery from an attempt already torn down.
		log.Printf("CALL [%s]: answer ignored in state %s", s.call.ID, cur)
		return
	}
	if s.remoteSet || s.engine == nil {
		log.Printf("CALL [%s]: duplicate answer ignored", s.call.ID)
		return
	}

	var answer sdpPayload
	if err := json.Unmarshal(msg.Payload, &answer); err != nil {
		log.Printf("CALL [%s]: malformed answer payload: %v", s.call.ID, err)
		s.terminateLocked(StatusFailed, ReasonConnectivity)
		return
	}
	if err := s.engine.SetRemoteDescription("answer", answer.SDP); err != nil {
		log.Printf("CALL [%s]: apply answer failed: %v", s.call.ID, err)
		s.terminateLocked(StatusFailed, ReasonConnectivity)
		return
	}
	s.remoteSet = true
	s.stopRingTimerLocked() // answered; connectivity checks take over
	s.flushCandidatesLocked()
}

func (s *Session) handleCandidate(msg *signaling.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentLocked().Terminal() {
		log.Printf("CALL [%s]: candidate after teardown dropped", s.call.ID)
		return
	}
	if !s.remoteSet || s.engine == nil {
		// Trickle candidates may outrun the answer (or the accept).
		// Park them in arrival order until the engine can take them.
		s.pending = append(s.pending, msg.Payload)
		return
	}
	s.applyCandidateLocked(msg.Payload)
}

// flushCandidatesLocked replays buffered candidates in arrival order,
// exactly once: the buffer is cleared here.
func (s *Session) flushCandidatesLocked() {
	if len(s.pending) == 0 {
		return
	}
	buffered := s.pending
	s.pending = nil
	for _, payload := range buffered {
		s.applyCandidateLocked(payload)
	}
}

func (s *Session) applyCandidateLocked(payload json.RawMessage) {
	var cand candidatePayload
	if err := json.Unmarshal(payload, &cand); err != nil {
		log.Printf("CALL [%s]: malformed candidate dropped: %v", s.call.ID, err)
		return
	}
	if err := s.engine.AddCandidate(cand.Candidate); err != nil {
		// A single bad candidate is not fatal; the engine keeps probing
		// with the rest of the pool.
		log.Printf("CALL [%s]: add candidate failed: %v", s.call.ID, err)
	}
}

// ─── engine callbacks ───

func (s *Session) wireEngineLocked(eng Engine) {
	eng.OnCandidate(func(candidate string) {
		payload, _ := json.Marshal(candidatePayload{Candidate: candidate})
		msg := signaling.NewMessage(signaling.KindCandidate, s.call.ID, s.selfID, s.call.Other(s.selfID), payload)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.sig.Send(ctx, msg); err != nil {
			log.Printf("CALL [%s]: candidate send failed: %v", s.call.ID, err)
			s.fail(ReasonSignaling)
		}
	})
	eng.OnStateChange(s.handleEngineState)
}

// handleEngineState folds connectivity transitions into the lifecycle.
// disconnected is recoverable: the engine may report connected again.
func (s *Session) handleEngineState(state EngineState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.engineState = state
	cur := s.currentLocked()
	if cur.Terminal() {
		return
	}

	switch state {
	case EngineConnected, EngineCompleted:
		if cur == StatusConnecting || cur == StatusDisconnected {
			if s.stepLocked(evMediaUp) {
				s.stopRingTimerLocked()
				metricCallsConnected.Inc()
				metricSetupSeconds.Observe(time.Since(s.call.CreatedAt).Seconds())
			}
		}
	case EngineFailed:
		log.Printf("CALL [%s]: connectivity failed", s.call.ID)
		s.terminateLocked(StatusFailed, ReasonConnectivity)
	case EngineDisconnected:
		if cur == StatusConnected {
			log.Printf("CALL [%s]: media path lost, waiting for recovery", s.call.ID)
			s.stepLocked(evMediaLost)
		}
	case EngineClosed:
		s.terminateLocked(StatusEnded, ReasonEngineClosed)
	}
}

// ─── ring timeout ───

func (s *Session) startRingTimerLocked() {
	d := s.mgr.ringTimeout
	if d <= 0 {
		return
	}
	s.ringTimer = time.AfterFunc(d, s.onRingTimeout)
}

func (s *Session) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// onRingTimeout fires when an invitation stays unanswered: an unanswered
// call must not hold the single-active-call slot forever.
func (s *Session) onRingTimeout() {
	s.mu.Lock()
	cur := s.currentLocked()
	ringing := cur == StatusInitiating || cur == StatusIncoming ||
		(cur == StatusConnecting && s.outbound && !s.remoteSet)
	if !ringing {
		s.mu.Unlock()
		return
	}
	log.Printf("CALL [%s]: no answer within %s", s.call.ID, s.mgr.ringTimeout)
	s.terminateLocked(StatusFailed, ReasonTimeout)
	s.mu.Unlock()

	if s.outbound {
		s.sendHangupAsync()
	}
}

// ─── in-call controls ───
//
// Toggles are user convenience, not safety critical: outside Connected
// they log and change nothing.

// ToggleAudio flips the local audio flag. Returns the new enabled state.
func (s *Session) ToggleAudio() bool {
	return s.toggle("audio", &s.audioOn, Engine.SetAudioEnabled)
}

// ToggleVideo flips the local video flag. Returns the new enabled state.
func (s *Session) ToggleVideo() bool {
	return s.toggle("video", &s.videoOn, Engine.SetVideoEnabled)
}

// ToggleSpeaker flips speakerphone routing. Returns the new state.
func (s *Session) ToggleSpeaker() bool {
	return s.toggle("speaker", &s.speakerOn, Engine.SetSpeaker)
}

func (s *Session) toggle(name string, flag *bool, apply func(Engine, bool) error) bool {
	s.mu.Lock()
	if s.currentLocked() != StatusConnected || s.engine == nil {
		on := *flag
		s.mu.Unlock()
		log.Printf("CALL [%s]: %s toggle ignored outside connected", s.call.ID, name)
		return on
	}
	*flag = !*flag
	on := *flag
	eng := s.engine
	s.mu.Unlock()

	if err := apply(eng, on); err != nil {
		log.Printf("CALL [%s]: %s toggle delegate failed: %v", s.call.ID, name, err)
	}
	log.Printf("CALL [%s]: %s enabled=%v", s.call.ID, name, on)
	return on
}

// SwitchCamera asks the engine to use the other capture device. Valid
// only while Connected; otherwise a logged no-op.
func (s *Session) SwitchCamera() {
	s.mu.Lock()
	if s.currentLocked() != StatusConnected || s.engine == nil {
		s.mu.Unlock()
		log.Printf("CALL [%s]: camera switch ignored outside connected", s.call.ID)
		return
	}
	eng := s.engine
	s.mu.Unlock()

	if err := eng.SwitchCamera(); err != nil {
		log.Printf("CALL [%s]: camera switch failed: %v", s.call.ID, err)
	}
}
