// Package httpapi is the local control surface: the UI shell drives
// calls and reads state over these endpoints.
package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/chime/internal/call"
	"github.com/petervdpas/chime/internal/chat"
	"github.com/petervdpas/chime/internal/notify"
	"github.com/petervdpas/chime/internal/presence"
	"github.com/petervdpas/chime/internal/status"
	"github.com/petervdpas/chime/internal/storage"
)

// Deps collects everything the routes need. Nil fields disable the
// corresponding endpoints.
type Deps struct {
	Calls    *call.Manager
	Notify   *notify.Bridge
	Status   *status.Aggregator
	Chat     *chat.Service
	Presence *presence.Table
	Store    *storage.DB
}

// Server is the local HTTP listener.
type Server struct {
	srv *http.Server
}

// New builds the server with all routes registered.
func New(bind string, d Deps) *Server {
	mux := http.NewServeMux()
	registerCall(mux, d.Calls)
	registerStatus(mux, d.Status, d.Calls)
	registerNotifications(mux, d.Notify)
	registerHistory(mux, d.Store)
	registerChat(mux, d.Chat)
	registerPresence(mux, d.Presence)
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	log.Printf("HTTP: listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
