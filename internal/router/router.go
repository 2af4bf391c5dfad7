// Package router is the daemon's command scheduler: it enforces
// at-most-one-in-flight per session, queues overflow FIFO, launches
// browsers for navigation commands, applies per-command timeouts, and
// matches extension responses to their submitters.
package router

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tabd/internal/browser"
	"tabd/internal/protocol"
	"tabd/internal/session"
)

// SessionStore is the router's view of the session registry.
type SessionStore interface {
	Resolve(idOrName string) *session.Session
	Create(name, profileDir string) (*session.Session, error)
	GetDefault(profileDir string) *session.Session
	GetOrCreateDefault(profileDir string) (*session.Session, error)
	UpdateState(id string, state session.State) error
}

// Gateway is the router's view of the extension gateway.
type Gateway interface {
	IsConnected(sessionID string) bool
	SendCommand(sessionID string, cmd protocol.ExtensionCommand) bool
}

// Supervisor is the router's view of the browser supervisor.
type Supervisor interface {
	Has(sessionID string) bool
	Launch(opts browser.LaunchOptions) (*browser.Process, error)
	Kill(sessionID string) bool
}

// Config holds router timing configuration.
type Config struct {
	// CommandTimeout bounds each forwarded command.
	CommandTimeout time.Duration
	// ConnectTimeout bounds waiting for an extension to register after
	// a browser launch.
	ConnectTimeout time.Duration
}

// DefaultConfig returns router defaults.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: 30 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
}

// resolver delivers exactly one response to a submitter. Buffered so
// the resolving side never blocks.
type resolver chan protocol.CommandResponse

type pendingCommand struct {
	cmd   *protocol.Command
	res   resolver
	timer *time.Timer
}

type queuedCommand struct {
	cmd *protocol.Command
	res resolver
}

type connWaiter struct {
	ch    chan bool
	timer *time.Timer
}

// Router schedules commands per session. One mutex guards all four
// tables; their invariants interlock (every pending entry has exactly
// one in-flight entry for its session).
type Router struct {
	config   Config
	sessions SessionStore
	gateway  Gateway
	browsers Supervisor
	log      *logrus.Entry

	mu       sync.Mutex
	pending  map[string]*pendingCommand  // command id -> pending
	inFlight map[string]string           // session id -> command id
	queues   map[string][]*queuedCommand // session id -> FIFO overflow
	waiters  map[string][]*connWaiter    // session id -> arrival waiters
}

// NewRouter creates a router over the given collaborators.
func NewRouter(config Config, sessions SessionStore, gateway Gateway, browsers Supervisor) *Router {
	if config.CommandTimeout == 0 {
		config.CommandTimeout = 30 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	return &Router{
		config:   config,
		sessions: sessions,
		gateway:  gateway,
		browsers: browsers,
		pending:  make(map[string]*pendingCommand),
		inFlight: make(map[string]string),
		queues:   make(map[string][]*queuedCommand),
		waiters:  make(map[string][]*connWaiter),
		log:      logrus.WithField("component", "router"),
	}
}

// Submit runs a command through the full decision tree and blocks until
// it resolves. Every failure path returns a structured response; Submit
// never panics on malformed input.
func (r *Router) Submit(cmd *protocol.Command) protocol.CommandResponse {
	if err := cmd.Validate(); err != nil {
		id := ""
		if cmd != nil {
			id = cmd.ID
		}
		return protocol.ErrorResponse(id, "Invalid command structure")
	}

	s := r.resolveSession(cmd)
	if s == nil {
		return protocol.ErrorResponse(cmd.ID,
			fmt.Sprintf("Session not found: %s", cmd.SessionID))
	}

	if !r.gateway.IsConnected(s.ID) {
		if !protocol.IsNavigationType(cmd.Type) {
			return protocol.ErrorResponse(cmd.ID,
				"Extension not connected. Run a navigation command to launch a browser for this session.")
		}
		if resp := r.autoLaunch(s, cmd); resp != nil {
			return *resp
		}
	}

	res := make(resolver, 1)
	r.dispatch(s.ID, cmd, res)
	return <-res
}

// resolveSession finds the target session, creating one for
// navigation-class commands naming a session that does not exist. The
// default session is keyed by the command's profile directory, never by
// bare name, so each profile gets its own.
func (r *Router) resolveSession(cmd *protocol.Command) *session.Session {
	if cmd.SessionID == "" || cmd.SessionID == session.DefaultName {
		if s := r.sessions.GetDefault(cmd.Profile); s != nil {
			return s
		}
		if !protocol.IsNavigationType(cmd.Type) {
			return nil
		}
		s, err := r.sessions.GetOrCreateDefault(cmd.Profile)
		if err != nil {
			return nil
		}
		return s
	}

	if s := r.sessions.Resolve(cmd.SessionID); s != nil {
		return s
	}
	if !protocol.IsNavigationType(cmd.Type) {
		return nil
	}
	if !session.ValidName(cmd.SessionID) {
		s, err := r.sessions.GetOrCreateDefault(cmd.Profile)
		if err != nil {
			return nil
		}
		return s
	}
	s, err := r.sessions.Create(cmd.SessionID, cmd.Profile)
	if err != nil {
		// Lost a creation race; the session exists now.
		return r.sessions.Resolve(cmd.SessionID)
	}
	return s
}

// autoLaunch brings a browser up for the session (when none is running)
// and waits for its extension to register. Returns nil when the session
// is ready for dispatch, or the failure response to deliver.
func (r *Router) autoLaunch(s *session.Session, cmd *protocol.Command) *protocol.CommandResponse {
	launched := false
	if !r.browsers.Has(s.ID) {
		if err := r.sessions.UpdateState(s.ID, session.StateAwaitingExtension); err != nil {
			resp := protocol.ErrorResponse(cmd.ID, fmt.Sprintf("Session not found: %s", cmd.SessionID))
			return &resp
		}

		url, _ := cmd.Params["url"].(string)
		_, err := r.browsers.Launch(browser.LaunchOptions{
			SessionID:  s.ID,
			ProfileDir: s.ProfileDir,
			URL:        url,
		})
		switch {
		case errors.Is(err, browser.ErrAlreadyRunning):
			// A concurrent command won the launch; wait alongside it.
		case err != nil:
			r.sessions.UpdateState(s.ID, session.StateDisconnected)
			resp := protocol.ErrorResponse(cmd.ID,
				fmt.Sprintf("Failed to launch browser: %v", err))
			return &resp
		default:
			launched = true
			r.log.WithField("session", s.ID).Info("browser launched for navigation command")
		}
	}

	if !r.WaitForExtension(s.ID) {
		if launched {
			r.browsers.Kill(s.ID)
			r.sessions.UpdateState(s.ID, session.StateDisconnected)
		}
		resp := protocol.ErrorResponse(cmd.ID,
			"Failed to launch browser: timed out waiting for extension to connect")
		return &resp
	}
	return nil
}

// WaitForExtension blocks until the session's extension is connected or
// the connect timeout elapses. Returns whether the extension arrived.
func (r *Router) WaitForExtension(sessionID string) bool {
	if r.gateway.IsConnected(sessionID) {
		return true
	}

	w := &connWaiter{ch: make(chan bool, 1)}
	w.timer = time.AfterFunc(r.config.ConnectTimeout, func() {
		r.removeWaiter(sessionID, w)
		w.ch <- false
	})

	r.mu.Lock()
	// The extension may have registered while the waiter was built.
	if r.gateway.IsConnected(sessionID) {
		r.mu.Unlock()
		w.timer.Stop()
		return true
	}
	r.waiters[sessionID] = append(r.waiters[sessionID], w)
	r.mu.Unlock()

	return <-w.ch
}

// removeWaiter drops one waiter from the session's list if present.
func (r *Router) removeWaiter(sessionID string, target *connWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiters[sessionID]
	for i, w := range list {
		if w == target {
			r.waiters[sessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.waiters[sessionID]) == 0 {
		delete(r.waiters, sessionID)
	}
}

// NotifyExtensionConnected resolves every waiter for the session.
func (r *Router) NotifyExtensionConnected(sessionID string) {
	r.mu.Lock()
	list := r.waiters[sessionID]
	delete(r.waiters, sessionID)
	r.mu.Unlock()

	for _, w := range list {
		w.timer.Stop()
		w.ch <- true
	}
}

// dispatch queues the command when one is already in flight for the
// session, otherwise sends it immediately.
func (r *Router) dispatch(sessionID string, cmd *protocol.Command, res resolver) {
	r.mu.Lock()
	if _, busy := r.inFlight[sessionID]; busy {
		r.queues[sessionID] = append(r.queues[sessionID], &queuedCommand{cmd: cmd, res: res})
		r.mu.Unlock()
		return
	}
	r.inFlight[sessionID] = cmd.ID
	r.mu.Unlock()

	r.send(sessionID, cmd, res)
}

// send forwards one command whose in-flight slot is already claimed.
// The pending entry and its timer are registered before the write so a
// fast response cannot race past the table.
func (r *Router) send(sessionID string, cmd *protocol.Command, res resolver) {
	timer := time.AfterFunc(r.config.CommandTimeout, func() {
		r.timeout(sessionID, cmd.ID)
	})

	r.mu.Lock()
	r.pending[cmd.ID] = &pendingCommand{cmd: cmd, res: res, timer: timer}
	r.mu.Unlock()

	if !r.gateway.SendCommand(sessionID, cmd.ToExtension()) {
		r.mu.Lock()
		p, ok := r.pending[cmd.ID]
		if ok {
			delete(r.pending, cmd.ID)
			if r.inFlight[sessionID] == cmd.ID {
				delete(r.inFlight, sessionID)
			}
		}
		r.mu.Unlock()
		if ok {
			p.timer.Stop()
			p.res <- protocol.ErrorResponse(cmd.ID, "Failed to send command to extension")
		}
		r.drain(sessionID)
	}
}

// timeout fires when a forwarded command got no response in time.
func (r *Router) timeout(sessionID, cmdID string) {
	r.mu.Lock()
	p, ok := r.pending[cmdID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, cmdID)
	if r.inFlight[sessionID] == cmdID {
		delete(r.inFlight, sessionID)
	}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"session": sessionID,
		"command": cmdID,
	}).Warn("command timed out")
	p.res <- protocol.ErrorResponse(cmdID, "Command timed out")
	r.drain(sessionID)
}

// HandleExtensionResponse matches a response to its pending command and
// resolves the submitter. Unmatched responses are stale and dropped.
func (r *Router) HandleExtensionResponse(sessionID string, resp protocol.ExtensionResponse) {
	r.mu.Lock()
	p, ok := r.pending[resp.ID]
	if !ok {
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{
			"session": sessionID,
			"command": resp.ID,
		}).Debug("dropping stale extension response")
		return
	}
	delete(r.pending, resp.ID)
	if r.inFlight[sessionID] == resp.ID {
		delete(r.inFlight, sessionID)
	}
	r.mu.Unlock()

	p.timer.Stop()
	p.res <- protocol.CommandResponse{
		ID:      resp.ID,
		Success: resp.Success,
		Data:    resp.Data,
		Error:   resp.Error,
	}
	r.drain(sessionID)
}

// drain sends the head of the session's queue when nothing is in flight.
func (r *Router) drain(sessionID string) {
	r.mu.Lock()
	if _, busy := r.inFlight[sessionID]; busy {
		r.mu.Unlock()
		return
	}
	q := r.queues[sessionID]
	if len(q) == 0 {
		delete(r.queues, sessionID)
		r.mu.Unlock()
		return
	}
	next := q[0]
	if len(q) == 1 {
		delete(r.queues, sessionID)
	} else {
		r.queues[sessionID] = q[1:]
	}
	r.inFlight[sessionID] = next.cmd.ID
	r.mu.Unlock()

	r.send(sessionID, next.cmd, next.res)
}

// HandleExtensionDisconnected fails the session's in-flight command and
// every queued command, and clears its slot.
func (r *Router) HandleExtensionDisconnected(sessionID string) {
	r.mu.Lock()
	var inflight *pendingCommand
	if cmdID, ok := r.inFlight[sessionID]; ok {
		inflight = r.pending[cmdID]
		delete(r.pending, cmdID)
		delete(r.inFlight, sessionID)
	}
	queued := r.queues[sessionID]
	delete(r.queues, sessionID)
	r.mu.Unlock()

	if inflight != nil {
		inflight.timer.Stop()
		inflight.res <- protocol.ErrorResponse(inflight.cmd.ID, "Extension disconnected")
	}
	for _, qc := range queued {
		qc.res <- protocol.ErrorResponse(qc.cmd.ID, "Extension disconnected")
	}

	if inflight != nil || len(queued) > 0 {
		r.log.WithFields(logrus.Fields{
			"session": sessionID,
			"queued":  len(queued),
		}).Warn("failed commands after extension disconnect")
	}
}

// CancelAll fails every pending, queued, and waiting entry. Used on
// daemon shutdown.
func (r *Router) CancelAll() {
	r.mu.Lock()
	pending := r.pending
	queues := r.queues
	waiters := r.waiters
	r.pending = make(map[string]*pendingCommand)
	r.inFlight = make(map[string]string)
	r.queues = make(map[string][]*queuedCommand)
	r.waiters = make(map[string][]*connWaiter)
	r.mu.Unlock()

	const msg = "Command cancelled: daemon shutting down"
	for _, p := range pending {
		p.timer.Stop()
		p.res <- protocol.ErrorResponse(p.cmd.ID, msg)
	}
	for _, q := range queues {
		for _, qc := range q {
			qc.res <- protocol.ErrorResponse(qc.cmd.ID, msg)
		}
	}
	for _, list := range waiters {
		for _, w := range list {
			w.timer.Stop()
			w.ch <- false
		}
	}
}

// PendingCount returns the number of submitted-but-unanswered commands.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// QueuedCount returns the number of commands waiting behind in-flight
// ones across all sessions.
func (r *Router) QueuedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.queues {
		n += len(q)
	}
	return n
}
