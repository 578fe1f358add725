package call

import "context"

// EngineState mirrors the connectivity states reported by the underlying
// peer-connection library. The session maps these onto its own lifecycle
// but also keeps the raw value observable, since the UI shows both.
type EngineState string

const (
	EngineNew          EngineState = "new"
	EngineChecking     EngineState = "checking"
	EngineConnected    EngineState = "connected"
	EngineCompleted    EngineState = "completed"
	EngineFailed       EngineState = "failed"
	EngineDisconnected EngineState = "disconnected"
	EngineClosed       EngineState = "closed"
)

// EngineConfig is passed to the factory when a session needs a media path.
type EngineConfig struct {
	CallID     string
	Media      MediaKind
	ICEServers []string
}

// Engine is the capability boundary to the real-time media library: given
// exchanged descriptions and candidates it establishes a peer media path.
// Descriptions and candidates are opaque strings here — the session only
// stores, forwards and sequences them.
type Engine interface {
	// CreateOffer produces and installs the local description for an
	// outbound call.
	CreateOffer(ctx context.Context) (sdp string, err error)

	// CreateAnswer produces and installs the local description for an
	// inbound call. Valid only after SetRemoteDescription.
	CreateAnswer(ctx context.Context) (sdp string, err error)

	// SetRemoteDescription applies the remote offer or answer.
	SetRemoteDescription(sdpType, sdp string) error

	// AddCandidate applies one remote connectivity candidate. Callers
	// must not invoke it before SetRemoteDescription; the session
	// buffers early candidates.
	AddCandidate(candidate string) error

	// OnCandidate registers the sink for locally discovered candidates.
	OnCandidate(fn func(candidate string))

	// OnStateChange registers the sink for connectivity transitions.
	OnStateChange(fn func(state EngineState))

	// Local media controls. Capture hardware lives outside this module,
	// so implementations may only record intent.
	SetAudioEnabled(on bool) error
	SetVideoEnabled(on bool) error
	SetSpeaker(on bool) error
	SwitchCamera() error

	Close() error
}

// EngineFactory creates one Engine per session.
type EngineFactory interface {
	NewEngine(cfg EngineConfig) (Engine, error)
}
