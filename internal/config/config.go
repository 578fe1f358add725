// Package config loads and validates the chime configuration file and
// watches it for edits while running.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/petervdpas/chime/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Backend  Backend  `json:"backend"`
	Call     Call     `json:"call"`
	Storage  Storage  `json:"storage"`
	HTTP     HTTP     `json:"http"`

	// Loopback wires signaling in-process instead of through the backend.
	// Development only: lets two local identities call each other.
	Loopback bool `json:"loopback"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Backend struct {
	SignalingURL string `json:"signaling_url"` // ws:// or wss://
	AuthSecret   string `json:"auth_secret"`
	TokenTTLSec  int    `json:"token_ttl_seconds"`
}

type Call struct {
	RingTimeoutSec int      `json:"ring_timeout_seconds"`
	ICEServers     []string `json:"ice_servers"`
}

type Storage struct {
	// DataDir holds the SQLite database. Relative paths resolve against
	// the config file's directory.
	DataDir string `json:"data_dir"`
}

type HTTP struct {
	Bind string `json:"bind"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Backend: Backend{
			TokenTTLSec: 3600,
		},
		Call: Call{
			RingTimeoutSec: 45,
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
		},
		Storage: Storage{DataDir: "data"},
		HTTP:    HTTP{Bind: "127.0.0.1:8090"},
	}
}

// Load reads the config file, filling in defaults. A missing file is
// created with defaults so first run produces something editable.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if werr := util.WriteJSONFile(path, cfg); werr != nil {
			return cfg, fmt.Errorf("write default config: %w", werr)
		}
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Backend.TokenTTLSec <= 0 {
		cfg.Backend.TokenTTLSec = 3600
	}
	if cfg.Call.RingTimeoutSec == 0 {
		cfg.Call.RingTimeoutSec = 45
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.HTTP.Bind == "" {
		cfg.HTTP.Bind = "127.0.0.1:8090"
	}
	return cfg, nil
}

// Validate reports the first structural problem with the configuration.
func (c Config) Validate() error {
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	if !c.Loopback {
		if c.Backend.SignalingURL == "" {
			return errors.New("backend.signaling_url is required")
		}
		u, err := url.Parse(c.Backend.SignalingURL)
		if err != nil {
			return fmt.Errorf("backend.signaling_url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("backend.signaling_url: scheme %q, want ws or wss", u.Scheme)
		}
		if c.Backend.AuthSecret == "" {
			return errors.New("backend.auth_secret is required")
		}
	}
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must not be negative")
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q is not a stun/turn URL", s)
		}
	}
	return nil
}

// RingTimeout converts the configured seconds to a duration. Negative
// disables the timeout at the call layer.
func (c Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

// DataDir resolves the storage directory against the config location.
func (c Config) DataDir(configPath string) string {
	return util.ResolvePath(filepath.Dir(configPath), c.Storage.DataDir)
}
