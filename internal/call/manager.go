package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/chime/internal/signaling"
)

const (
	defaultRingTimeout = 45 * time.Second

	// How long a finished call id keeps suppressing stragglers. Covers
	// reordered offers racing behind their hangup and late candidates.
	tombstoneTTL = 2 * time.Minute
	maxTombs     = 128
)

// Config wires a Manager to its collaborators.
type Config struct {
	SelfID      string
	Transport   signaling.Transport
	Engines     EngineFactory
	RingTimeout time.Duration // 0 means the default, negative disables
	ICEServers  []string
	History     Recorder // nil disables call history
}

// Manager is the call registry: at most one live session, signaling
// dispatch, glare resolution and the busy policy all live here.
type Manager struct {
	selfID      string
	sig         signaling.Transport
	engines     EngineFactory
	ringTimeout time.Duration
	iceServers  []string
	history     Recorder

	mu     sync.Mutex
	active *Session
	tombs  map[string]time.Time

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	cancelSub func()
	done      chan struct{}
	loopDone  chan struct{}
}

// New creates a Manager and starts consuming signaling immediately.
func New(cfg Config) *Manager {
	rt := cfg.RingTimeout
	switch {
	case rt == 0:
		rt = defaultRingTimeout
	case rt < 0:
		rt = 0
	}
	m := &Manager{
		selfID:      cfg.SelfID,
		sig:         cfg.Transport,
		engines:     cfg.Engines,
		ringTimeout: rt,
		iceServers:  cfg.ICEServers,
		history:     cfg.History,
		tombs:       make(map[string]time.Time),
		listeners:   make(map[chan Event]struct{}),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	ch, cancel := m.sig.Subscribe()
	m.cancelSub = cancel
	go m.dispatchLoop(ch)
	return m
}

// Subscribe returns a channel of call events plus a cancel func.
// Slow consumers lose events rather than stall dispatch.
func (m *Manager) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 64)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) emit(ev Event) {
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

// Active returns the live session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// StartCall places an outbound call. Only structural problems come back
// as errors; everything downstream (signaling loss, no answer, media
// failure) is reported through events on the session.
func (m *Manager) StartCall(ctx context.Context, target string, media MediaKind) (*Session, error) {
	if target == "" || target == m.selfID {
		return nil, ErrInvalidTarget
	}
	if media != MediaVideo {
		media = MediaAudio
	}
	c := Call{
		ID:        CallID(m.selfID, target),
		Caller:    m.selfID,
		Callee:    target,
		Media:     media,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyInCall
	}
	s := newSession(m, c, true)
	m.active = s
	// A fresh dial to the same peer reuses the pair id; don't let the
	// previous call's tombstone eat the answer.
	delete(m.tombs, c.ID)
	m.mu.Unlock()

	log.Printf("CALL [%s]: dialing %s (%s)", c.ID, target, media)
	metricCallsStarted.WithLabelValues("outbound").Inc()
	metricActiveCalls.Set(1)
	s.begin()
	return s, nil
}

// ─── signaling dispatch ───

// dispatchLoop is the single goroutine that routes envelopes, which
// preserves per-sender arrival order end to end.
func (m *Manager) dispatchLoop(ch chan *signaling.Message) {
	defer close(m.loopDone)
	for {
		select {
		case <-m.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.route(msg)
		}
	}
}

func (m *Manager) route(msg *signaling.Message) {
	switch msg.Kind {
	case signaling.KindOffer, signaling.KindAnswer, signaling.KindCandidate,
		signaling.KindHangup, signaling.KindBusy:
	default:
		return // chat and presence have their own subscribers
	}
	if msg.From == m.selfID {
		return
	}

	m.mu.Lock()
	if tomb, ok := m.tombs[msg.CallID]; ok && time.Since(tomb) < tombstoneTTL {
		// The pair id is deterministic, so a redial reuses the id of the
		// call just torn down. Only an offer minted before the hangup
		// landed is a straggler; a later one is a fresh invitation.
		if msg.Kind == signaling.KindOffer && msg.TS >= tomb.UnixMilli() {
			delete(m.tombs, msg.CallID)
		} else {
			m.mu.Unlock()
			if msg.Kind == signaling.KindOffer {
				// Hangup already seen for this id: the invitation was
				// withdrawn before it got here. Never surface an alert.
				log.Printf("CALL [%s]: offer suppressed, call already ended", msg.CallID)
			}
			return
		}
	}
	act := m.active
	m.mu.Unlock()

	if act != nil && act.call.ID == msg.CallID {
		if msg.Kind == signaling.KindOffer && act.outbound {
			m.resolveGlare(act, msg)
			return
		}
		act.handleMessage(msg)
		return
	}

	switch msg.Kind {
	case signaling.KindOffer:
		m.handleNewOffer(msg, false)
	case signaling.KindHangup:
		// Hangup outran its offer. Tombstone the id so the offer is
		// suppressed when it finally lands.
		m.mu.Lock()
		m.tombstoneLocked(msg.CallID)
		m.mu.Unlock()
		log.Printf("CALL [%s]: hangup for unknown call, tombstoned", msg.CallID)
	default:
		log.Printf("CALL [%s]: stale %s for unknown call dropped", msg.CallID, msg.Kind)
	}
}

// handleNewOffer registers an inbound invitation, or answers busy when a
// call is already live.
func (m *Manager) handleNewOffer(msg *signaling.Message, autoAccept bool) {
	media := MediaKind(msg.Media)
	if media != MediaVideo {
		media = MediaAudio
	}
	c := Call{
		ID:        msg.CallID,
		Caller:    msg.From,
		Callee:    m.selfID,
		Media:     media,
		CreatedAt: time.Now().UTC(),
	}
	if want := CallID(msg.From, m.selfID); msg.CallID != want {
		log.Printf("CALL [%s]: offer id does not match pair id %s", msg.CallID, want)
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		log.Printf("CALL [%s]: busy, declining offer from %s", msg.CallID, msg.From)
		m.sendBusyAsync(msg)
		m.emit(Event{Type: EventMissed, Call: c, Reason: ReasonBusy, TS: time.Now().UTC()})
		return
	}
	s := newSession(m, c, false)
	s.remoteOffer = msg.Payload // set before the session is visible
	m.active = s
	m.mu.Unlock()

	metricCallsStarted.WithLabelValues("inbound").Inc()
	metricActiveCalls.Set(1)
	s.ring()

	if autoAccept {
		if err := s.Accept(context.Background()); err != nil {
			log.Printf("CALL [%s]: glare auto-answer failed: %v", msg.CallID, err)
		}
		return
	}
	log.Printf("CALL [%s]: incoming %s call from %s", c.ID, media, msg.From)
	m.emit(Event{Type: EventIncoming, Call: c, State: StatusIncoming, TS: time.Now().UTC()})
}

// resolveGlare handles both sides dialing each other at once. The pair id
// is deterministic, so the collision is detectable; the side sorting
// first keeps its offer, the other withdraws silently and answers.
func (m *Manager) resolveGlare(act *Session, msg *signaling.Message) {
	if designatedOfferer(m.selfID, msg.From) == m.selfID {
		log.Printf("CALL [%s]: glare, keeping own offer and ignoring %s's", msg.CallID, msg.From)
		return
	}
	log.Printf("CALL [%s]: glare, withdrawing own offer and answering %s's", msg.CallID, msg.From)

	m.mu.Lock()
	if m.active == act {
		m.active = nil
	}
	m.mu.Unlock()
	act.withdraw()

	// Both users already chose to talk: answer instead of ringing.
	m.handleNewOffer(msg, true)
}

func (m *Manager) sendBusyAsync(offer *signaling.Message) {
	msg := signaling.NewMessage(signaling.KindBusy, offer.CallID, m.selfID, offer.From, nil)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.sig.Send(ctx, msg); err != nil {
			log.Printf("CALL [%s]: busy reply failed: %v", offer.CallID, err)
		}
	}()
}

// ─── eviction ───

// finish is called by the session (under its own mutex) once it reaches
// a terminal state: evict, tombstone, record, notify.
func (m *Manager) finish(s *Session, rec Record, missed bool) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.tombstoneLocked(rec.ID)
	m.mu.Unlock()

	metricActiveCalls.Set(0)
	metricCallsEnded.WithLabelValues(string(rec.Outcome), rec.Reason).Inc()
	log.Printf("CALL [%s]: %s (%s), duration %s", rec.ID, rec.Outcome, rec.Reason,
		rec.EndedAt.Sub(rec.CreatedAt).Round(time.Millisecond))

	if missed {
		m.emit(Event{Type: EventMissed, Call: s.call, Reason: rec.Reason, TS: rec.EndedAt})
	}
	if m.history != nil {
		go func() {
			if err := m.history.RecordCall(rec); err != nil {
				log.Printf("CALL [%s]: history write failed: %v", rec.ID, err)
			}
		}()
	}
}

func (m *Manager) tombstoneLocked(id string) {
	now := time.Now()
	if len(m.tombs) >= maxTombs {
		for k, t := range m.tombs {
			if now.Sub(t) >= tombstoneTTL {
				delete(m.tombs, k)
			}
		}
	}
	m.tombs[id] = now
}

// Close stops dispatch and tears down any live session. Idempotent.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	m.cancelSub()
	<-m.loopDone

	if s := m.Active(); s != nil {
		s.End()
	}

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan Event]struct{})
	m.listenerMu.Unlock()
}
