package call

import (
	"errors"

	"github.com/petervdpas/chime/internal/signaling"
)

// Structural errors are returned synchronously and never mutate session
// state. Runtime failures (signaling, connectivity, timeout) are folded
// into the state machine instead and surface as Failed events.
var (
	ErrInvalidTarget          = errors.New("invalid call target")
	ErrAlreadyInCall          = errors.New("already in a call")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConnectivityFailed     = errors.New("connectivity failed")
	ErrBusy                   = errors.New("remote is busy")
	ErrTimeout                = errors.New("call timed out")
)

// ErrSignalingUnavailable aliases the transport sentinel so callers can
// match either package with errors.Is.
var ErrSignalingUnavailable = signaling.ErrUnavailable

// Failure reasons attached to terminal events and history records.
const (
	ReasonNone         = ""
	ReasonBusy         = "busy"
	ReasonTimeout      = "timeout"
	ReasonSignaling    = "signaling-unavailable"
	ReasonConnectivity = "connectivity-failed"
	ReasonRemoteHangup = "remote-hangup"
	ReasonLocalHangup  = "local-hangup"
	ReasonRejected     = "rejected"
	ReasonEngineClosed = "engine-closed"
)
