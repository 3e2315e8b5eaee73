// Package gateway accepts long-lived WebSocket connections, authenticates
// them with the same tokens as the HTTP API, and keeps track of them until
// they close.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/aussiebroadwan/relay/internal/relay/metrics"
	"github.com/aussiebroadwan/relay/pkg/clock"
	"github.com/aussiebroadwan/relay/pkg/httpx"
	"github.com/aussiebroadwan/relay/pkg/idx"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// AuthMethod selects how connections are admitted.
type AuthMethod string

const (
	AuthNone  AuthMethod = "none"
	AuthToken AuthMethod = "token"
)

const (
	DefaultTokenParam      = "token"
	DefaultPingInterval    = 30 * time.Second
	DefaultMaxMissedPings  = 2
	DefaultMaxMessageBytes = 64 << 10
	DefaultWriteTimeout    = 5 * time.Second

	shutdownReason = "server shutting down"
)

// Authenticator validates handshake tokens. The token service satisfies it.
type Authenticator interface {
	Validate(ctx context.Context, token string, class domain.TokenClass) domain.Verdict
}

type Config struct {
	AuthMethod      AuthMethod
	TokenParam      string
	PingInterval    time.Duration
	MaxMissedPings  int
	MaxMessageBytes int64
	WriteTimeout    time.Duration

	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(*http.Request) bool
}

func (c *Config) setDefaults() {
	if c.AuthMethod == "" {
		c.AuthMethod = AuthToken
	}
	if c.TokenParam == "" {
		c.TokenParam = DefaultTokenParam
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MaxMissedPings <= 0 {
		c.MaxMissedPings = DefaultMaxMissedPings
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

type Option func(*Gateway)

func WithAuthenticator(a Authenticator) Option { return func(g *Gateway) { g.auth = a } }
func WithHandler(h Handler) Option { return func(g *Gateway) { g.handler = h } }
func WithClock(c clock.Clock) Option { return func(g *Gateway) { g.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(g *Gateway) { g.metrics = m } }

// Gateway is an http.Handler that upgrades requests to WebSocket
// connections.
type Gateway struct {
	cfg      Config
	auth     Authenticator
	handler  Handler
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	registry Registry

	// mu orders admissions against the start of shutdown. Once closing is
	// set no connection is registered and no handler goroutine is counted.
	mu      sync.Mutex
	closing bool
	active  map[*Conn]struct{}
	wg      sync.WaitGroup

	started atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stop    sync.Once
}

func New(cfg Config, opts ...Option) (*Gateway, error) {
	cfg.setDefaults()

	g := &Gateway{
		cfg:    cfg,
		clock:  clock.Real(),
		logger: slog.Default(),
		active: make(map[*Conn]struct{}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	switch cfg.AuthMethod {
	case AuthToken:
		if g.auth == nil {
			return nil, errors.New("gateway: token auth requires an authenticator")
		}
	case AuthNone:
		g.auth = nil
	default:
		return nil, fmt.Errorf("gateway: unknown auth method %q", cfg.AuthMethod)
	}

	if g.handler == nil {
		g.handler = LogHandler{Logger: g.logger}
	}

	g.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      cfg.CheckOrigin,
	}
	return g, nil
}

// Registry exposes the open connections.
func (g *Gateway) Registry() *Registry { return &g.registry }

// Accepting reports whether new connections are admitted.
func (g *Gateway) Accepting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closing
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		httpx.ErrTemporarilyUnavailable.WithDescription("server shutting down").Write(w)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		g.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	id := idx.Prefixed("conn").String()
	ip := httpx.IPKeyExtractor(r)
	c := &Conn{
		id:          id,
		ws:          ws,
		gw:          g,
		clock:       g.clock,
		logger:      g.logger.With("conn_id", id, "remote_ip", ip),
		remoteIP:    ip,
		connectedAt: g.clock.Now(),
	}
	c.alive.Store(true)

	g.track(c)
	defer g.untrack(c)

	if !g.admit(r.Context(), c, r.URL.Query().Get(g.cfg.TokenParam)) {
		return
	}

	g.handler.OnConnect(c)
	g.readLoop(c)
}

// admit authenticates c and registers it. It reports whether c is open.
func (g *Gateway) admit(ctx context.Context, c *Conn, token string) bool {
	c.state.Store(int32(StateAuthenticating))

	if g.auth != nil {
		v := g.auth.Validate(ctx, token, domain.ClassAccess)
		if !v.Valid {
			g.reject(c, v)
			return false
		}
		c.claims = v.Claims
		c.logger = c.logger.With("sub", v.Claims.Subject)
	}

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		c.state.Store(int32(StateRejected))
		c.Close(websocket.CloseGoingAway, shutdownReason)
		return false
	}
	c.state.Store(int32(StateOpen))
	c.scheduleExpiry()
	g.registry.add(c)
	g.mu.Unlock()

	g.metrics.ConnectionAdmitted()
	c.logger.Debug("connection admitted")
	return true
}

func (g *Gateway) reject(c *Conn, v domain.Verdict) {
	c.state.Store(int32(StateRejected))
	g.metrics.ConnectionRejected()
	c.logger.Info("connection rejected",
		"error_kind", v.ErrorKind,
		"reason", v.Reason,
	)

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	err := c.ws.WriteJSON(authError(string(v.ErrorKind), v.Message))
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("auth error not sent", "err", err)
	}

	c.Close(websocket.ClosePolicyViolation, v.Message)
}

func (g *Gateway) readLoop(c *Conn) {
	c.ws.SetReadLimit(g.cfg.MaxMessageBytes)
	c.ws.SetPongHandler(c.onPong)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.logger.Info("message too large", "limit", g.cfg.MaxMessageBytes)
				c.Close(websocket.CloseMessageTooBig, "message too large")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Debug("connection read failed", "err", err)
				c.Close(websocket.CloseNormalClosure, "")
			default:
				c.Close(websocket.CloseNormalClosure, "")
			}
			return
		}

		g.dispatch(c, data)
	}
}

func (g *Gateway) dispatch(c *Conn, data []byte) {
	msg, err := parseInbound(data)
	if err != nil {
		g.metrics.Message("invalid")
		c.logger.Warn("dropping malformed message", "err", err)
		return
	}

	if msg.Type == TypePing {
		g.metrics.Message(TypePing)
		if err := c.Send(pong()); err != nil {
			c.logger.Debug("pong not sent", "err", err)
		}
		return
	}

	g.metrics.Message("application")
	g.handler.OnMessage(c, msg)
}

// Broadcast sends v to every open connection and returns how many writes
// succeeded.
func (g *Gateway) Broadcast(v any) (int, error) {
	return g.sendAll(v, func(*Conn) bool { return true })
}

// SendToSubject sends v to every open connection of subject.
func (g *Gateway) SendToSubject(subject string, v any) (int, error) {
	return g.sendAll(v, func(c *Conn) bool { return c.Subject() == subject })
}

// SendTo sends v to the open connection with id.
func (g *Gateway) SendTo(id string, v any) error {
	c, ok := g.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	return c.Send(v)
}

func (g *Gateway) sendAll(v any, match func(*Conn) bool) (int, error) {
	data, err := encode(v)
	if err != nil {
		return 0, err
	}

	sent := 0
	g.registry.Range(func(c *Conn) bool {
		if !match(c) {
			return true
		}
		if err := c.write(data); err != nil {
			c.logger.Debug("send failed", "err", err)
			return true
		}
		sent++
		return true
	})
	return sent, nil
}

// Start runs the liveness loop until Shutdown.
func (g *Gateway) Start() {
	if !g.started.CompareAndSwap(false, true) {
		return
	}
	ticker := g.clock.NewTicker(g.cfg.PingInterval)
	go g.run(ticker)
	g.logger.Info("gateway liveness loop started", "interval", g.cfg.PingInterval)
}

func (g *Gateway) run(ticker *clock.Ticker) {
	defer close(g.doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Sweep()
		case <-g.stopCh:
			return
		}
	}
}

// Sweep runs one liveness round. A connection that has not answered the
// previous probe accrues a miss; at MaxMissedPings consecutive misses it is
// closed with CloseLivenessTimeout. Everything else is probed again.
func (g *Gateway) Sweep() {
	g.registry.Range(func(c *Conn) bool {
		if !c.alive.Load() {
			if missed := c.missed.Add(1); int(missed) >= g.cfg.MaxMissedPings {
				g.metrics.Evicted()
				c.logger.Info("evicting unresponsive connection", "missed", missed)
				c.Close(CloseLivenessTimeout, "liveness timeout")
				return true
			}
		}

		c.alive.Store(false)
		if err := c.ping(); err != nil {
			c.logger.Debug("ping failed", "err", err)
		}
		return true
	})
}

// Shutdown stops admitting connections, closes every open connection with
// 1001 and waits for their goroutines. If ctx ends first the remaining
// sockets are dropped and ctx.Err() is returned.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	g.stop.Do(func() { close(g.stopCh) })
	if g.started.Load() {
		<-g.doneCh
	}

	deadline := time.Now().Add(g.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	done := make(chan struct{})
	go func() {
		var eg errgroup.Group
		eg.SetLimit(64)
		g.registry.Range(func(c *Conn) bool {
			eg.Go(func() error {
				c.closeBy(websocket.CloseGoingAway, shutdownReason, deadline)
				return nil
			})
			return true
		})
		_ = eg.Wait()
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("gateway stopped")
		return nil
	case <-ctx.Done():
		stragglers := g.terminateAll()
		g.logger.Warn("gateway shutdown deadline reached", "stragglers", stragglers)
		return ctx.Err()
	}
}

// terminateAll drops every registered or in-flight socket without a close
// handshake and returns how many there were.
func (g *Gateway) terminateAll() int {
	g.registry.Range(func(c *Conn) bool {
		c.terminate()
		return true
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.active {
		c.terminate()
	}
	return len(g.active)
}

func (g *Gateway) track(c *Conn) {
	g.mu.Lock()
	g.active[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) untrack(c *Conn) {
	g.mu.Lock()
	delete(g.active, c)
	g.mu.Unlock()
}
