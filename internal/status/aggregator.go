// Package status folds the health of the signaling link, local storage
// and configuration into one snapshot the UI can render as a banner.
package status

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petervdpas/chime/internal/signaling"
)

// Pinger is the storage health probe.
type Pinger interface {
	Ping() error
}

// Snapshot is the aggregated health view.
type Snapshot struct {
	SignalingOnline bool      `json:"signaling_online"`
	StorageOK       bool      `json:"storage_ok"`
	ConfigOK        bool      `json:"config_ok"`
	ConfigError     string    `json:"config_error,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// CanCall reports whether placing a call can currently succeed.
// Storage is best-effort: history loss does not block calling.
func (s Snapshot) CanCall() bool {
	return s.SignalingOnline && s.ConfigOK
}

var (
	metricSignalingUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chime",
		Subsystem: "status",
		Name:      "signaling_up",
		Help:      "1 when the signaling link is online.",
	})
	metricStorageUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chime",
		Subsystem: "status",
		Name:      "storage_up",
		Help:      "1 when the local database answers pings.",
	})
)

func init() {
	prometheus.MustRegister(metricSignalingUp, metricStorageUp)
}

// Aggregator watches its inputs and pushes snapshots to subscribers.
type Aggregator struct {
	sig    signaling.Transport
	pinger Pinger

	mu   sync.RWMutex
	snap Snapshot

	listenerMu sync.RWMutex
	listeners  map[chan Snapshot]struct{}

	done chan struct{}
}

// New creates an Aggregator and starts its probe loop. The config state
// is pushed in by the config watcher via SetConfigState.
func New(sig signaling.Transport, pinger Pinger) *Aggregator {
	a := &Aggregator{
		sig:       sig,
		pinger:    pinger,
		listeners: make(map[chan Snapshot]struct{}),
		done:      make(chan struct{}),
	}
	a.snap = Snapshot{
		SignalingOnline: sig.Online(),
		StorageOK:       pinger != nil && pinger.Ping() == nil,
		ConfigOK:        true,
		CheckedAt:       time.Now().UTC(),
	}
	a.applyMetrics(a.snap)

	sig.OnOnlineChange(func(online bool) {
		a.update(func(s *Snapshot) { s.SignalingOnline = online })
		if !online {
			log.Printf("STATUS: signaling offline")
		} else {
			log.Printf("STATUS: signaling restored")
		}
	})
	go a.probeLoop()
	return a
}

// Current returns the latest snapshot.
func (a *Aggregator) Current() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap
}

// SetConfigState records the result of the last config (re)load.
func (a *Aggregator) SetConfigState(ok bool, errMsg string) {
	a.update(func(s *Snapshot) {
		s.ConfigOK = ok
		s.ConfigError = errMsg
	})
}

// Subscribe returns a snapshot feed plus a cancel func. The current
// snapshot is delivered immediately.
func (a *Aggregator) Subscribe() (chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)
	a.listenerMu.Lock()
	a.listeners[ch] = struct{}{}
	a.listenerMu.Unlock()
	ch <- a.Current()

	cancel := func() {
		a.listenerMu.Lock()
		if _, ok := a.listeners[ch]; ok {
			delete(a.listeners, ch)
			close(ch)
		}
		a.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close stops the probe loop. Idempotent.
func (a *Aggregator) Close() {
	select {
	case <-a.done:
		return
	default:
		close(a.done)
	}
	a.listenerMu.Lock()
	for ch := range a.listeners {
		close(ch)
	}
	a.listeners = make(map[chan Snapshot]struct{})
	a.listenerMu.Unlock()
}

func (a *Aggregator) probeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			ok := a.pinger != nil && a.pinger.Ping() == nil
			a.update(func(s *Snapshot) { s.StorageOK = ok })
		}
	}
}

func (a *Aggregator) update(mutate func(*Snapshot)) {
	a.mu.Lock()
	before := a.snap
	mutate(&a.snap)
	a.snap.CheckedAt = time.Now().UTC()
	after := a.snap
	a.mu.Unlock()

	if before.SignalingOnline == after.SignalingOnline &&
		before.StorageOK == after.StorageOK &&
		before.ConfigOK == after.ConfigOK &&
		before.ConfigError == after.ConfigError {
		return
	}
	a.applyMetrics(after)

	a.listenerMu.RLock()
	for ch := range a.listeners {
		select {
		case ch <- after:
		default:
		}
	}
	a.listenerMu.RUnlock()
}

func (a *Aggregator) applyMetrics(s Snapshot) {
	metricSignalingUp.Set(boolGauge(s.SignalingOnline))
	metricStorageUp.Set(boolGauge(s.StorageOK))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
