package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/petervdpas/chime/internal/call"
	"github.com/petervdpas/chime/internal/chat"
	"github.com/petervdpas/chime/internal/notify"
	"github.com/petervdpas/chime/internal/presence"
	"github.com/petervdpas/chime/internal/status"
	"github.com/petervdpas/chime/internal/storage"
)

func registerStatus(mux *http.ServeMux, agg *status.Aggregator, mgr *call.Manager) {
	if agg == nil {
		return
	}

	// GET /api/status — one-shot health snapshot.
	handleGet(mux, "/api/status", func(w http.ResponseWriter, r *http.Request) {
		snap := agg.Current()
		out := map[string]any{
			"status":   snap,
			"can_call": snap.CanCall(),
		}
		if mgr != nil {
			if s := mgr.Active(); s != nil {
				out["call"] = s.Snapshot()
			}
		}
		writeJSON(w, out)
	})

	// GET /api/status/events — SSE stream of snapshots, current first.
	handleGet(mux, "/api/status/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		snaps, cancel := agg.Subscribe()
		defer cancel()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				data, _ := json.Marshal(snap)
				fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}

func registerNotifications(mux *http.ServeMux, bridge *notify.Bridge) {
	if bridge == nil {
		return
	}

	// GET /api/notifications — alert, banner and the recent feed.
	handleGet(mux, "/api/notifications", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"recent": bridge.Recent()}
		if alert, ok := bridge.ActiveAlert(); ok {
			out["alert"] = alert
		}
		if banner, ok := bridge.Banner(); ok {
			out["banner"] = banner
		}
		writeJSON(w, out)
	})

	// POST /api/notifications/read
	handlePost(mux, "/api/notifications/read", func(w http.ResponseWriter, r *http.Request, req struct {
		ID string `json:"id"`
	}) {
		if req.ID == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		bridge.MarkRead(req.ID)
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/notifications/clear
	handlePost(mux, "/api/notifications/clear", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		bridge.ClearAll()
		writeJSON(w, map[string]string{"status": "cleared"})
	})
}

func registerHistory(mux *http.ServeMux, store *storage.DB) {
	if store == nil {
		return
	}

	// GET /api/history?peer=&limit=
	handleGet(mux, "/api/history", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		peer := r.URL.Query().Get("peer")

		var (
			entries []storage.CallEntry
			err     error
		)
		if peer != "" {
			entries, err = store.CallsWith(peer, limit)
		} else {
			entries, err = store.RecentCalls(limit)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"calls": entries})
	})
}

func registerChat(mux *http.ServeMux, svc *chat.Service) {
	if svc == nil {
		return
	}

	// POST /api/chat/send
	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}) {
		m, err := svc.Send(r.Context(), req.To, req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, m)
	})

	// GET /api/chat/history?peer=&limit=
	handleGet(mux, "/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		if peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		msgs, err := svc.History(peer, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"messages": msgs})
	})

	// GET /api/chat/events — SSE stream of sent and received messages.
	handleGet(mux, "/api/chat/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		msgs, cancel := svc.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				data, _ := json.Marshal(m)
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}

func registerPresence(mux *http.ServeMux, table *presence.Table) {
	if table == nil {
		return
	}

	// GET /api/peers — current presence table.
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"peers": table.Snapshot()})
	})

	// GET /api/peers/events — SSE stream of presence changes.
	handleGet(mux, "/api/peers/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		ch := table.Subscribe()
		defer table.Unsubscribe(ch)

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, _ := json.Marshal(ev)
				fmt.Fprintf(w, "event: peer\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}
