package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeEngine is a scripted stand-in for the media stack: descriptions are
// canned strings and connectivity transitions are driven by the test.
type fakeEngine struct {
	cfg EngineConfig

	mu          sync.Mutex
	onCandidate func(string)
	onState     func(EngineState)
	remoteType  string
	remoteSDP   string
	candidates  []string
	closed      bool

	failOffer  bool
	failAnswer bool
	failRemote bool
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (string, error) {
	if e.failOffer {
		return "", errors.New("scripted offer failure")
	}
	return "offer-sdp:" + e.cfg.CallID, nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context) (string, error) {
	if e.failAnswer {
		return "", errors.New("scripted answer failure")
	}
	return "answer-sdp:" + e.cfg.CallID, nil
}

func (e *fakeEngine) SetRemoteDescription(sdpType, sdp string) error {
	if e.failRemote {
		return errors.New("scripted remote description failure")
	}
	e.mu.Lock()
	e.remoteType, e.remoteSDP = sdpType, sdp
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) AddCandidate(candidate string) error {
	e.mu.Lock()
	e.candidates = append(e.candidates, candidate)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) OnCandidate(fn func(string)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnStateChange(fn func(EngineState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *fakeEngine) SetAudioEnabled(bool) error { return nil }
func (e *fakeEngine) SetVideoEnabled(bool) error { return nil }
func (e *fakeEngine) SetSpeaker(bool) error      { return nil }
func (e *fakeEngine) SwitchCamera() error        { return nil }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	already := e.closed
	e.closed = true
	fn := e.onState
	e.mu.Unlock()
	if !already && fn != nil {
		fn(EngineClosed)
	}
	return nil
}

func (e *fakeEngine) setState(st EngineState) {
	e.mu.Lock()
	fn := e.onState
	e.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (e *fakeEngine) emitCandidate(c string) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (e *fakeEngine) received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.candidates...)
}

func (e *fakeEngine) remote() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteType, e.remoteSDP
}

// fakeFactory hands out fakeEngines and remembers them per call id.
type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
	failNew bool

	failOffer  bool
	failAnswer bool
	failRemote bool
}

func (f *fakeFactory) NewEngine(cfg EngineConfig) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew {
		return nil, errors.New("scripted engine init failure")
	}
	e := &fakeEngine{
		cfg:        cfg,
		failOffer:  f.failOffer,
		failAnswer: f.failAnswer,
		failRemote: f.failRemote,
	}
	f.engines = append(f.engines, e)
	return e, nil
}

// last blocks briefly until an engine exists, since sessions create them
// on goroutines in some paths.
func (f *fakeFactory) last(t *testing.T) *fakeEngine {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.engines)
		var e *fakeEngine
		if n > 0 {
			e = f.engines[n-1]
		}
		f.mu.Unlock()
		if e != nil {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no engine created")
	return nil
}

// waitEvent pulls events until want matches or the deadline passes.
func waitEvent(t *testing.T, ch chan Event, want func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed")
			}
			if want(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func waitState(t *testing.T, ch chan Event, st Status) Event {
	t.Helper()
	return waitEvent(t, ch, func(ev Event) bool {
		return ev.Type == EventState && ev.State == st
	})
}

// waitFor polls cond until true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
