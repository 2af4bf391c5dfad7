// Package daemon wires the session registry, browser supervisor,
// extension gateway, command router, and client server into one
// controller that owns startup and shutdown.
package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tabd/internal/browser"
	"tabd/internal/config"
	"tabd/internal/extension"
	"tabd/internal/ipc"
	"tabd/internal/protocol"
	"tabd/internal/router"
	"tabd/internal/session"
)

// drainPollInterval is how often shutdown checks for outstanding work.
const drainPollInterval = 100 * time.Millisecond

// Controller composes the daemon. All cross-component event flow runs
// through its handlers; the leaf components never reference each other
// directly.
type Controller struct {
	cfg config.Config
	log *logrus.Entry

	registry *session.Registry
	browsers *browser.Supervisor
	gateway  *extension.Gateway
	router   *router.Router
	server   *ipc.Server

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// NewController builds and wires all components without starting them.
func NewController(cfg config.Config) *Controller {
	c := &Controller{
		cfg: cfg,
		log: logrus.WithField("component", "daemon"),
	}

	c.registry = session.NewRegistry()

	browserCfg := browser.DefaultConfig()
	browserCfg.ExecutablePath = cfg.BrowserPath
	c.browsers = browser.NewSupervisor(browserCfg)
	c.browsers.OnStarted = c.onBrowserStarted
	c.browsers.OnExited = c.onBrowserExited
	c.browsers.OnError = func(sessionID string, err error) {
		c.log.WithError(err).WithField("session", sessionID).Warn("browser process error")
	}

	c.gateway = extension.NewGateway(extension.Config{
		Port:              cfg.WSPort,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, c.resolveRegistration)
	c.gateway.OnConnected = c.onExtensionConnected
	c.gateway.OnDisconnected = c.onExtensionDisconnected
	c.gateway.OnResponse = c.onExtensionResponse

	c.router = router.NewRouter(router.Config{
		CommandTimeout: cfg.CommandTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	}, c.registry, c.gateway, c.browsers)

	c.server = ipc.NewServer(cfg.SocketPath, ipc.Handlers{
		Command:           c.handleCommand,
		Endpoint:          c.endpoint,
		RegisterExtension: c.registerOverIPC,
		Info:              func() any { return c.Info() },
		// Stop tears the server down; it must not run on the
		// connection goroutine the server is waiting on.
		Shutdown: func() { go c.Stop() },
	})

	return c
}

// Start brings up the extension gateway, then the client server.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("daemon already started")
	}

	if err := c.gateway.Start(); err != nil {
		return fmt.Errorf("starting extension gateway: %w", err)
	}
	if err := c.server.Start(); err != nil {
		c.gateway.Stop()
		return fmt.Errorf("starting client server: %w", err)
	}

	c.running = true
	c.startedAt = time.Now()
	c.log.WithFields(logrus.Fields{
		"socket": c.cfg.SocketPath,
		"port":   c.gateway.Port(),
	}).Info("daemon started")
	return nil
}

// Stop shuts the daemon down: stop accepting work, let in-flight
// commands drain, cancel whatever remains, kill browsers, then tear
// down the servers. Idempotent.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	c.log.Info("daemon stopping")

	deadline := time.Now().Add(c.cfg.ShutdownTimeout)
	for time.Now().Before(deadline) {
		if c.router.PendingCount() == 0 && c.router.QueuedCount() == 0 {
			break
		}
		time.Sleep(drainPollInterval)
	}
	c.router.CancelAll()

	c.browsers.KillAll()

	var firstErr error
	if err := c.server.Stop(); err != nil {
		firstErr = err
	}
	if err := c.gateway.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}

	c.log.Info("daemon stopped")
	return firstErr
}

// IsRunning reports whether the daemon accepts commands.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// handleCommand serves one client command: resolve or create the target
// session, rewrite the command to its canonical id, and submit.
func (c *Controller) handleCommand(cmd *protocol.Command) protocol.CommandResponse {
	if !c.IsRunning() {
		id := ""
		if cmd != nil {
			id = cmd.ID
		}
		return protocol.ErrorResponse(id, "Daemon is shutting down")
	}
	if err := cmd.Validate(); err != nil {
		id := ""
		if cmd != nil {
			id = cmd.ID
		}
		return protocol.ErrorResponse(id, "Invalid command structure")
	}

	// Only navigation-class commands may bring a session into
	// existence; everything else needs one to already be there. The
	// default session is resolved through the command's profile
	// directory, so each profile gets its own.
	var s *session.Session
	if cmd.SessionID == "" || cmd.SessionID == session.DefaultName {
		s = c.registry.GetDefault(cmd.Profile)
		if s == nil {
			if !protocol.IsNavigationType(cmd.Type) {
				return protocol.ErrorResponse(cmd.ID,
					fmt.Sprintf("Session not found: %s", session.DefaultName))
			}
			var err error
			if s, err = c.registry.GetOrCreateDefault(cmd.Profile); err != nil {
				return protocol.ErrorResponse(cmd.ID, fmt.Sprintf("Failed to create session: %v", err))
			}
		}
	} else if s = c.registry.Resolve(cmd.SessionID); s == nil {
		if !protocol.IsNavigationType(cmd.Type) {
			return protocol.ErrorResponse(cmd.ID,
				fmt.Sprintf("Session not found: %s", cmd.SessionID))
		}
		var err error
		if s, err = c.registry.Create(cmd.SessionID, cmd.Profile); err != nil {
			// Lost a creation race; the session exists now.
			if s = c.registry.Resolve(cmd.SessionID); s == nil {
				return protocol.ErrorResponse(cmd.ID, fmt.Sprintf("Failed to create session: %v", err))
			}
		}
	}
	cmd.SessionID = s.ID

	return c.router.Submit(cmd)
}

// endpoint reports where extensions connect. The gateway's bound port
// is authoritative, not the configured one.
func (c *Controller) endpoint() protocol.EndpointPayload {
	return protocol.EndpointPayload{IP: "127.0.0.1", Port: c.gateway.Port()}
}

// registerOverIPC answers a register_extension request on the client
// socket with the WebSocket endpoint to connect to.
func (c *Controller) registerOverIPC(reg *protocol.RegisterPayload) (any, error) {
	if !c.IsRunning() {
		return nil, fmt.Errorf("daemon is shutting down")
	}
	return c.endpoint(), nil
}

// resolveRegistration picks the session for a registering extension:
// the cached session when it is live and unclaimed, else the oldest
// session awaiting an extension, else a new session.
func (c *Controller) resolveRegistration(windowID int, cachedSessionID string) (string, error) {
	if cachedSessionID != "" {
		if s := c.registry.Resolve(cachedSessionID); s != nil && s.State() != session.StateActive {
			return s.ID, nil
		}
	}

	if s := c.registry.AssignNextAwaiting(); s != nil {
		return s.ID, nil
	}

	if cachedSessionID != "" && session.ValidName(cachedSessionID) {
		if s, err := c.registry.Create(cachedSessionID, ""); err == nil {
			return s.ID, nil
		}
	}
	s, err := c.registry.CreateGenerated("")
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

func (c *Controller) onExtensionConnected(sessionID string, conn *extension.Conn) {
	if err := c.registry.SetExtensionConn(sessionID, conn); err != nil {
		c.log.WithError(err).WithField("session", sessionID).
			Warn("extension connected for unknown session")
		return
	}
	c.router.NotifyExtensionConnected(sessionID)
}

func (c *Controller) onExtensionDisconnected(sessionID string) {
	if err := c.registry.SetExtensionConn(sessionID, nil); err != nil {
		c.log.WithError(err).WithField("session", sessionID).
			Debug("disconnect for unknown session")
	}
	c.router.HandleExtensionDisconnected(sessionID)
}

func (c *Controller) onExtensionResponse(sessionID string, resp protocol.ExtensionResponse) {
	c.router.HandleExtensionResponse(sessionID, resp)
}

func (c *Controller) onBrowserStarted(sessionID string, p *browser.Process) {
	if err := c.registry.SetBrowserProcess(sessionID, p); err != nil {
		c.log.WithError(err).WithField("session", sessionID).
			Warn("browser started for unknown session")
	}
}

// onBrowserExited clears the process handle. A session with no
// extension and no prospect of one is marked disconnected.
func (c *Controller) onBrowserExited(sessionID string, exitCode int) {
	if err := c.registry.SetBrowserProcess(sessionID, nil); err != nil {
		return
	}
	s := c.registry.Get(sessionID)
	if s == nil {
		return
	}
	switch s.State() {
	case session.StateActive, session.StateAwaitingExtension:
	default:
		c.registry.UpdateState(sessionID, session.StateDisconnected)
	}
}

// SessionInfo is one session's snapshot in Info.
type SessionInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ProfileDir string    `json:"profileDir,omitempty"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
	BrowserPID int       `json:"browserPid,omitempty"`
}

// Info is a point-in-time snapshot of the daemon for status reporting.
type Info struct {
	Running     bool          `json:"running"`
	StartedAt   time.Time     `json:"startedAt"`
	SocketPath  string        `json:"socketPath"`
	WSPort      int           `json:"wsPort"`
	Sessions    []SessionInfo `json:"sessions"`
	Connections int           `json:"connections"`
	Browsers    int           `json:"browsers"`
	Pending     int           `json:"pendingCommands"`
}

// Info snapshots the daemon state.
func (c *Controller) Info() Info {
	c.mu.Lock()
	running := c.running
	startedAt := c.startedAt
	c.mu.Unlock()

	info := Info{
		Running:     running,
		StartedAt:   startedAt,
		SocketPath:  c.cfg.SocketPath,
		WSPort:      c.gateway.Port(),
		Connections: c.gateway.ConnectionCount(),
		Browsers:    c.browsers.Count(),
		Pending:     c.router.PendingCount(),
	}
	for _, s := range c.registry.List() {
		si := SessionInfo{
			ID:         s.ID,
			Name:       s.Name,
			ProfileDir: s.ProfileDir,
			State:      string(s.State()),
			CreatedAt:  s.CreatedAt,
		}
		if bi := c.browsers.GetInfo(s.ID); bi != nil {
			si.BrowserPID = bi.PID
		}
		info.Sessions = append(info.Sessions, si)
	}
	return info
}
