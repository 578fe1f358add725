// Package rtc implements the call.Engine boundary on top of Pion WebRTC.
// It handles description and candidate plumbing plus connectivity state;
// capture hardware is attached by the platform shell, so the media
// controls here only record intent.
package rtc

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/chime/internal/call"
)

// Factory builds one peer connection per session.
type Factory struct{}

// NewFactory returns the default engine factory.
func NewFactory() *Factory { return &Factory{} }

// NewEngine creates a peer connection configured with cfg's ICE servers.
func (f *Factory) NewEngine(cfg call.EngineConfig) (call.Engine, error) {
	conf := webrtc.Configuration{}
	for _, u := range cfg.ICEServers {
		conf.ICEServers = append(conf.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := webrtc.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	e := &engine{callID: cfg.CallID, pc: pc}

	// recvonly transceivers so CreateOffer/CreateAnswer always produce
	// valid m-lines with ICE credentials, even before capture attaches.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("RTC [%s]: AddTransceiver(audio) error: %v", cfg.CallID, err)
	}
	if cfg.Media == call.MediaVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("RTC [%s]: AddTransceiver(video) error: %v", cfg.CallID, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON().Candidate)
		}
	})
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		log.Printf("RTC [%s]: ice state %s", cfg.CallID, st)
		e.mu.Lock()
		fn := e.onState
		e.mu.Unlock()
		if fn != nil {
			fn(mapState(st))
		}
	})

	return e, nil
}

type engine struct {
	callID string
	pc     *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(string)
	onState     func(call.EngineState)
	audioOn     bool
	videoOn     bool
	speakerOn   bool
}

func (e *engine) CreateOffer(ctx context.Context) (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (e *engine) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (e *engine) SetRemoteDescription(sdpType, sdp string) error {
	var t webrtc.SDPType
	switch sdpType {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unknown sdp type %q", sdpType)
	}
	return e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sdp})
}

func (e *engine) AddCandidate(candidate string) error {
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

func (e *engine) OnCandidate(fn func(string)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *engine) OnStateChange(fn func(call.EngineState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

// The capture pipeline lives in the platform shell, outside this module.
// Toggles therefore record intent and log; the shell reads the flags.

func (e *engine) SetAudioEnabled(on bool) error {
	e.mu.Lock()
	e.audioOn = on
	e.mu.Unlock()
	log.Printf("RTC [%s]: audio enabled=%v", e.callID, on)
	return nil
}

func (e *engine) SetVideoEnabled(on bool) error {
	e.mu.Lock()
	e.videoOn = on
	e.mu.Unlock()
	log.Printf("RTC [%s]: video enabled=%v", e.callID, on)
	return nil
}

func (e *engine) SetSpeaker(on bool) error {
	e.mu.Lock()
	e.speakerOn = on
	e.mu.Unlock()
	log.Printf("RTC [%s]: speaker=%v", e.callID, on)
	return nil
}

func (e *engine) SwitchCamera() error {
	log.Printf("RTC [%s]: camera switch requested", e.callID)
	return nil
}

func (e *engine) Close() error {
	return e.pc.Close()
}

func mapState(st webrtc.ICEConnectionState) call.EngineState {
	switch st {
	case webrtc.ICEConnectionStateNew:
		return call.EngineNew
	case webrtc.ICEConnectionStateChecking:
		return call.EngineChecking
	case webrtc.ICEConnectionStateConnected:
		return call.EngineConnected
	case webrtc.ICEConnectionStateCompleted:
		return call.EngineCompleted
	case webrtc.ICEConnectionStateFailed:
		return call.EngineFailed
	case webrtc.ICEConnectionStateDisconnected:
		return call.EngineDisconnected
	case webrtc.ICEConnectionStateClosed:
		return call.EngineClosed
	}
	return call.EngineNew
}
