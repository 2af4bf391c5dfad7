// Package session provides the authoritative registry of automation
// sessions and their bindings to extension connections and browser
// processes.
package session

import (
	"encoding/json"
	"sync"
	"time"
)

// State represents the lifecycle state of a session.
type State string

const (
	// StatePending indicates the session exists but no browser or
	// extension has been associated with it yet.
	StatePending State = "pending"
	// StateAwaitingExtension indicates a browser was launched for the
	// session and the daemon is waiting for its extension to register.
	StateAwaitingExtension State = "awaiting_extension"
	// StateActive indicates an extension connection is bound.
	StateActive State = "active"
	// StateDisconnected indicates the extension connection dropped.
	StateDisconnected State = "disconnected"
)

// ExtensionConn is the registry's view of an open extension transport.
// The gateway owns the connection; the registry only observes it and
// closes it best-effort on session deletion.
type ExtensionConn interface {
	Close() error
}

// BrowserHandle is the registry's non-owning view of a browser child
// process managed by the supervisor.
type BrowserHandle interface {
	Pid() int
}

// Session binds one browser window (via its extension) to the daemon's
// routing identity.
type Session struct {
	ID         string
	Name       string
	ProfileDir string
	CreatedAt  time.Time

	mu    sync.RWMutex
	state State
	conn  ExtensionConn
	proc  BrowserHandle
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ExtensionConn returns the bound extension connection, or nil.
func (s *Session) ExtensionConn() ExtensionConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// BrowserProcess returns the observed browser process handle, or nil.
func (s *Session) BrowserProcess() BrowserHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc
}

// setState transitions the session without touching the connection.
func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// setConn binds or clears the extension connection. A non-nil handle
// forces state active; nil forces disconnected, keeping the invariant
// active ⇔ conn != nil.
func (s *Session) setConn(conn ExtensionConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	if conn != nil {
		s.state = StateActive
	} else {
		s.state = StateDisconnected
	}
}

func (s *Session) setProc(proc BrowserHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = proc
}

// MarshalJSON serializes the observable view of the session.
func (s *Session) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pid int
	if s.proc != nil {
		pid = s.proc.Pid()
	}
	return json.Marshal(struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		ProfileDir string `json:"profileDir,omitempty"`
		State      string `json:"state"`
		CreatedAt  string `json:"createdAt"`
		Connected  bool   `json:"connected"`
		BrowserPID int    `json:"browserPid,omitempty"`
	}{
		ID:         s.ID,
		Name:       s.Name,
		ProfileDir: s.ProfileDir,
		State:      string(s.state),
		CreatedAt:  s.CreatedAt.Format(time.RFC3339),
		Connected:  s.conn != nil,
		BrowserPID: pid,
	})
}
