// Package app wires the pieces together and runs them until the context
// is canceled.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/chime/internal/call"
	"github.com/petervdpas/chime/internal/chat"
	"github.com/petervdpas/chime/internal/config"
	"github.com/petervdpas/chime/internal/httpapi"
	"github.com/petervdpas/chime/internal/notify"
	"github.com/petervdpas/chime/internal/presence"
	"github.com/petervdpas/chime/internal/rtc"
	"github.com/petervdpas/chime/internal/signaling"
	"github.com/petervdpas/chime/internal/status"
	"github.com/petervdpas/chime/internal/storage"
)

type Options struct {
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	selfID := cfg.Identity.UserID

	log.Printf("APP: starting as %s", selfID)

	// ── storage
	db, err := storage.Open(cfg.DataDir(opt.CfgPath))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	log.Printf("APP: database at %s", db.Path())

	// ── signaling
	var transport signaling.Transport
	if cfg.Loopback {
		log.Printf("APP: loopback signaling (dev mode)")
		transport = signaling.NewLoopbackHub().Transport(selfID)
	} else {
		transport = signaling.NewWS(signaling.WSConfig{
			URL:        cfg.Backend.SignalingURL,
			UserID:     selfID,
			AuthSecret: cfg.Backend.AuthSecret,
			TokenTTL:   time.Duration(cfg.Backend.TokenTTLSec) * time.Second,
		})
	}
	defer transport.Close()

	// ── call core
	mgr := call.New(call.Config{
		SelfID:      selfID,
		Transport:   transport,
		Engines:     rtc.NewFactory(),
		RingTimeout: cfg.RingTimeout(),
		ICEServers:  cfg.Call.ICEServers,
		History:     db,
	})
	defer mgr.Close()

	// ── surrounding services
	bridge := notify.New(mgr, db, selfID)
	defer bridge.Close()

	agg := status.New(transport, db)
	defer agg.Close()

	chatSvc := chat.New(transport, db, selfID)
	defer chatSvc.Close()

	peers := presence.NewTable(transport, selfID, cfg.Identity.DisplayName)
	defer peers.Close()

	// ── config watch: edits flip the status banner, valid edits apply
	// where hot-reload is safe (nothing call-critical changes mid-call).
	stopWatch, err := config.Watch(opt.CfgPath,
		func(config.Config) { agg.SetConfigState(true, "") },
		func(err error) { agg.SetConfigState(false, err.Error()) },
	)
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	// ── http surface
	srv := httpapi.New(cfg.HTTP.Bind, httpapi.Deps{
		Calls:    mgr,
		Notify:   bridge,
		Status:   agg,
		Chat:     chatSvc,
		Presence: peers,
		Store:    db,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Printf("APP: shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("APP: http shutdown: %v", err)
	}
	return nil
}
