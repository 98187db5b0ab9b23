// Package realtime pushes lifecycle events to browser WebSocket connections.
package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sesionesfotosia/headshot-hub/internal/auth"
	"github.com/sesionesfotosia/headshot-hub/internal/events"
)

const (
	writeWait          = 10 * time.Second
	maxClientMsgBytes  = 4096
	defaultPingPeriod  = 30 * time.Second
	defaultMaxPerUser  = 5
	defaultPongTimeout = 60 * time.Second
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[strings.TrimRight(o, "/")] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Router fans bus events out to each user's WebSocket connections.
type Router struct {
	authProvider auth.Provider
	bus          *events.Bus
	logger       *zap.Logger
	upgrader     websocket.Upgrader

	pingPeriod  time.Duration
	pongTimeout time.Duration
	maxPerUser  int

	mu            sync.Mutex
	clients       map[string]*clientConn // conn_id -> conn
	clientsByUser map[string]int
}

type clientConn struct {
	id     string
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex // serializes writes
}

// Options configures the Router.
type Options struct {
	AllowedOrigins  []string
	MaxConnsPerUser int
	PingPeriod      time.Duration
	PongTimeout     time.Duration
}

// New creates a new Router.
func New(ap auth.Provider, bus *events.Bus, logger *zap.Logger, opts Options) *Router {
	if opts.MaxConnsPerUser <= 0 {
		opts.MaxConnsPerUser = defaultMaxPerUser
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	return &Router{
		authProvider:  ap,
		bus:           bus,
		logger:        logger.With(zap.String("component", "realtime")),
		upgrader:      makeUpgrader(opts.AllowedOrigins),
		pingPeriod:    opts.PingPeriod,
		pongTimeout:   opts.PongTimeout,
		maxPerUser:    opts.MaxConnsPerUser,
		clients:       make(map[string]*clientConn),
		clientsByUser: make(map[string]int),
	}
}

// HandleClientWS authenticates a browser and streams that user's events
// until the connection drops.
func (r *Router) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	// Browsers cannot set headers on the WebSocket handshake, so the session
	// token travels in the query string.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	}

	identity, err := r.authProvider.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	connID := uuid.New().String()
	if !r.reserve(identity.UserID) {
		r.logger.Warn("too many websocket connections for user",
			zap.String("user_id", identity.UserID), zap.Int("limit", r.maxPerUser))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer r.release(identity.UserID, connID)

	// Subscribe before the handshake completes so no event published after
	// the client sees the upgrade is missed.
	sub := r.bus.Subscribe(identity.UserID)
	defer r.bus.Unsubscribe(sub)

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("client websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	cc := &clientConn{id: connID, userID: identity.UserID, conn: conn}
	r.mu.Lock()
	r.clients[connID] = cc
	r.mu.Unlock()

	log := r.logger.With(zap.String("user_id", identity.UserID), zap.String("conn_id", connID))
	log.Info("client connected")

	conn.SetReadLimit(maxClientMsgBytes)
	_ = conn.SetReadDeadline(time.Now().Add(r.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.pongTimeout))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The client sends nothing we act on; reading drives pong handling
		// and notices the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.Debug("client read ended", zap.Error(err))
				return
			}
		}
	}()

	ticker := time.NewTicker(r.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			log.Info("client disconnected", zap.Int64("dropped_events", sub.Dropped()))
			return
		case e, ok := <-sub.C:
			if !ok {
				cc.close(websocket.CloseGoingAway, "server shutting down")
				return
			}
			if err := cc.send(e); err != nil {
				log.Debug("send event failed", zap.String("type", e.Type), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := cc.ping(); err != nil {
				log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (r *Router) reserve(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clientsByUser[userID] >= r.maxPerUser {
		return false
	}
	r.clientsByUser[userID]++
	return true
}

func (r *Router) release(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, connID)
	r.clientsByUser[userID]--
	if r.clientsByUser[userID] <= 0 {
		delete(r.clientsByUser, userID)
	}
}

// Connections returns the number of open client connections.
func (r *Router) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// CloseAll sends a close frame to every client. Handlers exit once their
// read loops observe the close.
func (r *Router) CloseAll() {
	r.mu.Lock()
	clients := make([]*clientConn, 0, len(r.clients))
	for _, cc := range r.clients {
		clients = append(clients, cc)
	}
	r.mu.Unlock()

	for _, cc := range clients {
		cc.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (cc *clientConn) send(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	_ = cc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return cc.conn.WriteMessage(websocket.TextMessage, data)
}

func (cc *clientConn) ping() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (cc *clientConn) close(code int, reason string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	_ = cc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
