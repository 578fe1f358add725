package signaling

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// WSConfig configures the websocket transport to the hosted backend.
type WSConfig struct {
	URL        string        // wss endpoint of the backend's signaling relay
	UserID     string        // local user, becomes the JWT subject
	AuthSecret string        // shared HS256 secret for the relay
	TokenTTL   time.Duration // lifetime of each minted token
}

// WSTransport is a reconnecting websocket client. Each (re)connect dials
// with a freshly minted JWT; the backend routes envelopes by the token
// subject, so there is no extra subscribe handshake.
type WSTransport struct {
	cfg WSConfig

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.RWMutex
	online    bool
	onOnline  []func(bool)
	listeners map[chan *Message]struct{}

	done chan struct{}
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 25 * time.Second
	wsBackoffMax   = 30 * time.Second
)

// NewWS creates the transport and starts its connect loop immediately.
func NewWS(cfg WSConfig) *WSTransport {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	t := &WSTransport{
		cfg:       cfg,
		listeners: make(map[chan *Message]struct{}),
		done:      make(chan struct{}),
	}
	go t.run()
	return t
}

// Send implements Transport. Errors are reported as ErrUnavailable so the
// call layer can treat every transport failure uniformly.
func (t *WSTransport) Send(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	t.writeMu.Lock()
	conn := t.conn
	if conn == nil {
		t.writeMu.Unlock()
		return fmt.Errorf("%w: not connected", ErrUnavailable)
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	err := conn.WriteJSON(msg)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe implements Transport.
func (t *WSTransport) Subscribe() (chan *Message, func()) {
	ch := make(chan *Message, 64)
	t.mu.Lock()
	t.listeners[ch] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

// Online implements Transport.
func (t *WSTransport) Online() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

// OnOnlineChange implements Transport.
func (t *WSTransport) OnOnlineChange(fn func(bool)) {
	t.mu.Lock()
	t.onOnline = append(t.onOnline, fn)
	t.mu.Unlock()
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
		close(t.done)
	}

	t.writeMu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.writeMu.Unlock()

	t.mu.Lock()
	for ch := range t.listeners {
		close(ch)
	}
	t.listeners = make(map[chan *Message]struct{})
	t.mu.Unlock()
	return nil
}

// run dials, reads until the connection drops, then retries with backoff.
func (t *WSTransport) run() {
	backoff := time.Second
	for {
		select {
		case <-t.done:
			return
		default:
		}

		conn, err := t.dial()
		if err != nil {
			log.Printf("SIGNAL: dial %s failed: %v (retry in %s)", t.cfg.URL, err, backoff)
			select {
			case <-t.done:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > wsBackoffMax {
				backoff = wsBackoffMax
			}
			continue
		}
		backoff = time.Second

		t.writeMu.Lock()
		t.conn = conn
		t.writeMu.Unlock()
		t.setOnline(true)
		log.Printf("SIGNAL: connected to %s as %s", t.cfg.URL, t.cfg.UserID)

		t.readLoop(conn)

		t.setOnline(false)
		t.writeMu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.writeMu.Unlock()
		conn.Close()
	}
}

// dial opens the socket with a fresh token in the Authorization header.
func (t *WSTransport) dial() (*websocket.Conn, error) {
	token, err := t.mintToken()
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(t.cfg.URL, header)
	return conn, err
}

// mintToken signs a short-lived HS256 token identifying the local user.
func (t *WSTransport) mintToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   t.cfg.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.cfg.TokenTTL)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(t.cfg.AuthSecret))
}

// readLoop decodes envelopes and fans them out until the socket errors.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				t.writeMu.Lock()
				if t.conn == conn {
					conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
					conn.WriteMessage(websocket.PingMessage, nil)
				}
				t.writeMu.Unlock()
			}
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-t.done:
			default:
				log.Printf("SIGNAL: read error: %v", err)
			}
			return
		}
		if err := msg.Validate(); err != nil {
			log.Printf("SIGNAL: dropping malformed envelope: %v", err)
			continue
		}
		t.deliver(&msg)
	}
}

func (t *WSTransport) deliver(msg *Message) {
	t.mu.RLock()
	for ch := range t.listeners {
		select {
		case ch <- msg:
		default:
			log.Printf("SIGNAL: subscriber stalled, dropping %s for call %s", msg.Kind, msg.CallID)
		}
	}
	t.mu.RUnlock()
}

func (t *WSTransport) setOnline(online bool) {
	t.mu.Lock()
	changed := t.online != online
	t.online = online
	callbacks := append([]func(bool){}, t.onOnline...)
	t.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range callbacks {
		fn(online)
	}
}
