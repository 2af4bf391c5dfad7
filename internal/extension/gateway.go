// Package extension accepts and manages persistent WebSocket
// connections from browser extensions, multiplexing automation commands
// and responses by session.
package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tabd/internal/protocol"
)

// ErrRegistrationRejected is sent to extensions whose registration
// cannot be resolved to a session.
var ErrRegistrationRejected = errors.New("extension registration rejected")

// RegisterFunc resolves an extension registration to a session id. The
// daemon controller supplies the policy (cached id, FIFO awaiting pick,
// or creation of a fresh session).
type RegisterFunc func(windowID int, cachedSessionID string) (string, error)

// Config holds gateway configuration.
type Config struct {
	// Port is the loopback TCP port to listen on. 0 picks an ephemeral
	// port (used by tests).
	Port int
	// HeartbeatInterval is the delay between protocol pings.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long to wait for a pong before closing.
	HeartbeatTimeout time.Duration
}

// DefaultConfig returns gateway defaults.
func DefaultConfig() Config {
	return Config{
		Port:              9222,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// Gateway is the daemon's single point of contact for extension
// connections. Event callbacks are assigned by the controller before
// Start; they run on the gateway's per-connection goroutines.
type Gateway struct {
	config   Config
	register RegisterFunc
	log      *logrus.Entry

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup

	OnConnected    func(sessionID string, conn *Conn)
	OnDisconnected func(sessionID string)
	OnResponse     func(sessionID string, resp protocol.ExtensionResponse)
}

// NewGateway creates a gateway. register must be non-nil.
func NewGateway(config Config, register RegisterFunc) *Gateway {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 10 * time.Second
	}
	return &Gateway{
		config:   config,
		register: register,
		conns:    make(map[string]*Conn),
		log:      logrus.WithField("component", "extension"),
		upgrader: websocket.Upgrader{
			// The endpoint is loopback-only; the extension connects
			// from a browser origin, so origin checking is disabled.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the loopback listener and begins serving connections.
func (g *Gateway) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", g.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleWS)
	g.server = &http.Server{Handler: mux}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.WithError(err).Error("extension server stopped")
		}
	}()

	g.log.WithField("addr", listener.Addr().String()).Info("extension gateway listening")
	return nil
}

// Port returns the bound TCP port.
func (g *Gateway) Port() int {
	if g.listener == nil {
		return g.config.Port
	}
	return g.listener.Addr().(*net.TCPAddr).Port
}

// Stop closes all connections and the listener.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.conns = make(map[string]*Conn)
	g.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	var err error
	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = g.server.Shutdown(ctx)
	}
	g.wg.Wait()
	return err
}

// handleWS upgrades the connection and runs the registration handshake:
// the first frame must be a register message.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	reg, err := g.readRegistration(ws)
	if err != nil {
		g.log.WithError(err).Warn("extension registration failed")
		ws.Close()
		return
	}

	sessionID, err := g.register(reg.WindowID, reg.CachedSessionID)
	if err != nil {
		g.log.WithError(err).WithField("window", reg.WindowID).
			Warn("registration rejected")
		ws.Close()
		return
	}

	conn := newConn(ws, sessionID)
	g.bind(sessionID, conn)

	if err := conn.Send(protocol.MsgSessionAssigned, protocol.SessionAssignedPayload{SessionID: sessionID}); err != nil {
		g.unbind(conn)
		conn.Close()
		return
	}

	g.log.WithFields(logrus.Fields{
		"session": sessionID,
		"window":  reg.WindowID,
	}).Info("extension connected")

	if g.OnConnected != nil {
		g.OnConnected(sessionID, conn)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		conn.heartbeat(g.config.HeartbeatInterval, g.config.HeartbeatTimeout)
	}()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.readLoop(conn)
	}()
}

// readRegistration reads and validates the handshake frame.
func (g *Gateway) readRegistration(ws *websocket.Conn) (*protocol.RegisterPayload, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading register frame: %w", err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing register frame: %w", err)
	}
	if env.Type != protocol.MsgRegister {
		return nil, fmt.Errorf("%w: first frame was %q, expected register",
			ErrRegistrationRejected, env.Type)
	}

	var reg protocol.RegisterPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &reg); err != nil {
			return nil, fmt.Errorf("parsing register payload: %w", err)
		}
	}
	return &reg, nil
}

// bind records the connection under the session id, replacing and
// closing any previous connection for the same session.
func (g *Gateway) bind(sessionID string, conn *Conn) {
	g.mu.Lock()
	old := g.conns[sessionID]
	g.conns[sessionID] = conn
	g.mu.Unlock()

	if old != nil && old != conn {
		g.log.WithField("session", sessionID).
			Info("replacing existing extension connection")
		old.Close()
	}
}

// unbind removes the connection if it is still the current one for its
// session. Returns whether it was removed.
func (g *Gateway) unbind(conn *Conn) bool {
	sessionID := conn.SessionID()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conns[sessionID] == conn {
		delete(g.conns, sessionID)
		return true
	}
	return false
}

// readLoop dispatches inbound frames until the connection drops.
func (g *Gateway) readLoop(conn *Conn) {
	defer func() {
		conn.Close()
		current := g.unbind(conn)
		sessionID := conn.SessionID()
		g.log.WithField("session", sessionID).Info("extension disconnected")
		// A replaced connection must not fire a disconnect for the
		// session its successor now serves.
		if current && g.OnDisconnected != nil {
			g.OnDisconnected(sessionID)
		}
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.log.WithError(err).Debug("dropping malformed extension frame")
			continue
		}

		switch env.Type {
		case protocol.MsgResponse:
			var resp protocol.ExtensionResponse
			if err := json.Unmarshal(env.Payload, &resp); err != nil {
				g.log.WithError(err).Debug("dropping malformed extension response")
				continue
			}
			if g.OnResponse != nil {
				g.OnResponse(conn.SessionID(), resp)
			}
		case protocol.MsgPing:
			_ = conn.Send(protocol.MsgPong, nil)
		case protocol.MsgPong:
			conn.notePong()
		default:
			g.log.WithField("type", env.Type).Debug("ignoring unknown extension frame")
		}
	}
}

// SendCommand forwards a command to the session's extension. Returns
// false when the session has no live connection or the write fails.
func (g *Gateway) SendCommand(sessionID string, cmd protocol.ExtensionCommand) bool {
	conn := g.GetConnection(sessionID)
	if conn == nil {
		return false
	}
	if err := conn.Send(protocol.MsgCommand, cmd); err != nil {
		g.log.WithError(err).WithField("session", sessionID).
			Warn("failed to send command to extension")
		return false
	}
	return true
}

// IsConnected reports whether the session has a live extension.
func (g *Gateway) IsConnected(sessionID string) bool {
	return g.GetConnection(sessionID) != nil
}

// GetConnection returns the session's connection, or nil.
func (g *Gateway) GetConnection(sessionID string) *Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[sessionID]
}

// ConnectionCount returns the number of live extension connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// UpdateSessionID rekeys a connection after its registration resolved
// to a different session id than the one it was recorded under.
func (g *Gateway) UpdateSessionID(oldID, newID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	conn, ok := g.conns[oldID]
	if !ok {
		return false
	}
	delete(g.conns, oldID)
	conn.setSessionID(newID)
	g.conns[newID] = conn
	return true
}
