package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/petervdpas/chime/internal/call"
)

// registerCall wires the call intents and the SSE event feed.
func registerCall(mux *http.ServeMux, mgr *call.Manager) {
	if mgr == nil {
		return
	}

	// GET /api/call — the active session, if any.
	handleGet(mux, "/api/call", func(w http.ResponseWriter, r *http.Request) {
		s := mgr.Active()
		if s == nil {
			writeJSON(w, map[string]any{"active": false})
			return
		}
		writeJSON(w, map[string]any{"active": true, "session": s.Snapshot()})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Target string `json:"target"`
		Media  string `json:"media"`
	}) {
		s, err := mgr.StartCall(r.Context(), req.Target, call.MediaKind(req.Media))
		if err != nil {
			httpCallError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": "started", "session": s.Snapshot()})
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		s := mgr.Active()
		if s == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		if err := s.Accept(r.Context()); err != nil {
			httpCallError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": "accepted", "session": s.Snapshot()})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		s := mgr.Active()
		if s == nil {
			writeJSON(w, map[string]string{"status": "no_call"})
			return
		}
		s.Reject()
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/hangup — idempotent, safe to mash the button.
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		s := mgr.Active()
		if s == nil {
			writeJSON(w, map[string]string{"status": "no_call"})
			return
		}
		s.End()
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		s := mgr.Active()
		if s == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"audio_on": s.ToggleAudio()})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		s := mgr.Active()
		if s == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"video_on": s.ToggleVideo()})
	})

	// POST /api/call/toggle-speaker
	handlePost(mux, "/api/call/toggle-speaker", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		s := mgr.Active()
		if s == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"speaker_on": s.ToggleSpeaker()})
	})

	// POST /api/call/switch-camera
	handlePost(mux, "/api/call/switch-camera", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		s := mgr.Active()
		if s == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		s.SwitchCamera()
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/call/events — SSE stream of every call event. Each
	// connection gets its own subscription; canceled on disconnect so the
	// manager never accumulates stale listeners.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		events, cancel := mgr.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}

func httpCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrInvalidTarget):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, call.ErrAlreadyInCall), errors.Is(err, call.ErrInvalidStateTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
