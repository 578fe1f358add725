// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/petervdpas/chime/internal/app"
	"github.com/petervdpas/chime/internal/config"
)

var (
	cfgPath  = flag.String("config", "chime.json", "Path to the configuration file")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	userID   = flag.String("user", "", "Override identity.user_id")
	loopback = flag.Bool("loopback", false, "Use in-process loopback signaling (dev)")
	bind     = flag.String("bind", "", "Override http.bind")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chime v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *userID != "" {
		cfg.Identity.UserID = *userID
	}
	if *loopback {
		cfg.Loopback = true
	}
	if *bind != "" {
		cfg.HTTP.Bind = *bind
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{CfgPath: *cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("run: %v", err)
	}
}

func showUsage() {
	fmt.Fprintf(os.Stderr, `chime — call and messaging core

Usage:
  chime [flags]

Flags:
`)
	flag.PrintDefaults()
}
