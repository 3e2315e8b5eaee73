package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/relay/pkg/clock"
	"github.com/aussiebroadwan/relay/pkg/jwtx"
	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned when writing to a connection that has been closed.
	ErrClosed = errors.New("gateway: connection closed")
	// ErrNotFound is returned by SendTo for an id with no open connection.
	ErrNotFound = errors.New("gateway: connection not found")
)

// State is a connection's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateOpen
	StateRejected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateRejected:
		return "rejected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is one client connection. It is created on upgrade and only reaches
// the registry once admitted.
type Conn struct {
	id          string
	ws          *websocket.Conn
	gw          *Gateway
	clock       clock.Clock
	logger      *slog.Logger
	remoteIP    string
	connectedAt time.Time

	// Set during admission, read-only afterwards. Nil when the gateway does
	// not authenticate.
	claims *jwtx.Claims

	state  atomic.Int32
	alive  atomic.Bool
	missed atomic.Int32
	expiry atomic.Pointer[clock.Timer]

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *Conn) ID() string { return c.id }

// Subject returns the authenticated principal, or "" for anonymous
// connections.
func (c *Conn) Subject() string {
	if c.claims == nil {
		return ""
	}
	return c.claims.Subject
}

// Claims returns the claims the connection was admitted with.
func (c *Conn) Claims() (jwtx.Claims, bool) {
	if c.claims == nil {
		return jwtx.Claims{}, false
	}
	return *c.claims, true
}

func (c *Conn) RemoteIP() string       { return c.remoteIP }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }
func (c *Conn) State() State           { return State(c.state.Load()) }
func (c *Conn) Logger() *slog.Logger   { return c.logger }

// Alive reports whether the last liveness probe was answered.
func (c *Conn) Alive() bool { return c.alive.Load() }

// Send writes v as a JSON text message.
func (c *Conn) Send(v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Conn) write(data []byte) error {
	if s := c.State(); s == StateClosing || s == StateClosed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("gateway: write: %w", err)
	}
	return nil
}

// ping sends a liveness probe.
func (c *Conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.gw.cfg.WriteTimeout))
}

func (c *Conn) onPong(string) error {
	c.alive.Store(true)
	c.missed.Store(0)
	return nil
}

// Close sends a close frame with code and reason and tears the connection
// down. Only the first call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.closeBy(code, reason, time.Now().Add(c.gw.cfg.WriteTimeout))
}

// closeBy is Close with the close frame bounded by deadline. A peer that has
// stopped reading cannot hold the caller past it.
func (c *Conn) closeBy(code int, reason string, deadline time.Time) {
	c.closeOnce.Do(func() {
		wasOpen := c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))

		c.expiry.Load().Stop()
		c.gw.registry.remove(c.id)

		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("close frame not sent", "err", err)
		}
		_ = c.ws.Close()

		if !wasOpen {
			return
		}
		c.state.Store(int32(StateClosed))
		c.gw.metrics.ConnectionClosed()
		c.logger.Debug("connection closed", "code", code, "reason", reason)
		c.gw.handler.OnClose(c)
	})
}

// terminate drops the socket without a close handshake.
func (c *Conn) terminate() {
	_ = c.ws.Close()
}

// scheduleExpiry arranges a one-off notification when the admitted token
// expires. The connection stays open; the client is expected to reconnect
// with a fresh token.
func (c *Conn) scheduleExpiry() {
	if c.claims == nil || c.claims.ExpiresAt == nil {
		return
	}

	remaining := c.claims.ExpiresAt.Sub(c.clock.Now())
	c.expiry.Store(c.clock.AfterFunc(remaining, func() {
		if err := c.Send(tokenExpired()); err != nil {
			c.logger.Debug("expiry notice not sent", "err", err)
			return
		}
		c.logger.Info("token expired on open connection")
	}))
}
