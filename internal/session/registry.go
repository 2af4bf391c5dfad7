package session

import (
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNameInvalid is returned when a session name fails validation.
	ErrNameInvalid = errors.New("session name invalid")
	// ErrNameTaken is returned when a live session already owns the name.
	ErrNameTaken = errors.New("session name already in use")
	// ErrNotFound is returned when no session matches the given id.
	ErrNotFound = errors.New("session not found")
)

// DefaultName is the reserved session name scoped per profile directory.
const DefaultName = "default"

// namePattern constrains session names to a filesystem- and URL-safe set.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// defaultProfileKey is the sentinel for an unset profile directory. The
// NUL prefix keeps it distinct from any real filesystem path, so the
// default session for "no profile" is independent of any explicit one.
const defaultProfileKey = "\x00default"

// ValidName reports whether name is acceptable as a session name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// profileKey normalizes a profile directory to its default-index key.
func profileKey(profileDir string) string {
	if profileDir == "" {
		return defaultProfileKey
	}
	return profileDir
}

// Registry is the single source of truth for sessions. One mutex guards
// all three indices so multi-index updates stay atomic.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Session
	byName   map[string]string // name -> id
	defaults map[string]string // profileKey -> id of the default session

	log *logrus.Entry
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Session),
		byName:   make(map[string]string),
		defaults: make(map[string]string),
		log:      logrus.WithField("component", "session"),
	}
}

// Create registers a new session with the given name and profile
// directory. The session starts in StatePending. Names are unique among
// live sessions, except DefaultName, which is unique per profile
// directory and indexed only through the defaults table.
func (r *Registry) Create(name, profileDir string) (*Session, error) {
	if !ValidName(name) {
		return nil, ErrNameInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if name == DefaultName {
		if _, taken := r.defaults[profileKey(profileDir)]; taken {
			return nil, ErrNameTaken
		}
	} else if _, taken := r.byName[name]; taken {
		return nil, ErrNameTaken
	}

	s := &Session{
		ID:         uuid.NewString(),
		Name:       name,
		ProfileDir: profileDir,
		CreatedAt:  time.Now(),
		state:      StatePending,
	}
	r.byID[s.ID] = s
	if name == DefaultName {
		r.defaults[profileKey(profileDir)] = s.ID
	} else {
		r.byName[name] = s.ID
	}

	r.log.WithFields(logrus.Fields{
		"session": s.ID,
		"name":    name,
	}).Info("session created")
	return s, nil
}

// CreateGenerated registers a session with a generated unique name, used
// when an extension registers without a usable identifier.
func (r *Registry) CreateGenerated(profileDir string) (*Session, error) {
	name := "window-" + uuid.NewString()[:8]
	return r.Create(name, profileDir)
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// GetByName returns the live session with the given name, or nil. The
// default name resolves to the unset-profile default; callers with a
// profile in hand use GetDefault instead.
func (r *Registry) GetByName(name string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupName(name)
}

func (r *Registry) lookupName(name string) *Session {
	if name == DefaultName {
		if id, ok := r.defaults[defaultProfileKey]; ok {
			return r.byID[id]
		}
		return nil
	}
	if id, ok := r.byName[name]; ok {
		return r.byID[id]
	}
	return nil
}

// Resolve looks a session up by id first, then by name.
func (r *Registry) Resolve(idOrName string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byID[idOrName]; ok {
		return s
	}
	return r.lookupName(idOrName)
}

// GetDefault returns the live default session for the profile, or nil.
func (r *Registry) GetDefault(profileDir string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.defaults[profileKey(profileDir)]; ok {
		return r.byID[id]
	}
	return nil
}

// GetOrCreateDefault returns the live default session for the profile,
// creating it if none exists.
func (r *Registry) GetOrCreateDefault(profileDir string) (*Session, error) {
	r.mu.RLock()
	id, ok := r.defaults[profileKey(profileDir)]
	if ok {
		s := r.byID[id]
		r.mu.RUnlock()
		if s != nil {
			return s, nil
		}
	} else {
		r.mu.RUnlock()
	}
	s, err := r.Create(DefaultName, profileDir)
	if errors.Is(err, ErrNameTaken) {
		// Lost a race with a concurrent creator; return the winner.
		if existing := r.GetDefault(profileDir); existing != nil {
			return existing, nil
		}
	}
	return s, err
}

// List returns all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// ListByState returns all live sessions currently in the given state.
func (r *Registry) ListByState(state State) []*Session {
	var out []*Session
	for _, s := range r.List() {
		if s.State() == state {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Delete removes a session from all indices, closing any held extension
// connection best-effort. Returns whether the session existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, id)
	delete(r.byName, s.Name)
	pk := profileKey(s.ProfileDir)
	if r.defaults[pk] == id {
		delete(r.defaults, pk)
	}
	r.mu.Unlock()

	if conn := s.ExtensionConn(); conn != nil {
		_ = conn.Close()
	}
	r.log.WithField("session", id).Info("session deleted")
	return true
}

// UpdateState transitions the session to the given state.
func (r *Registry) UpdateState(id string, state State) error {
	s := r.Get(id)
	if s == nil {
		return ErrNotFound
	}
	s.setState(state)
	return nil
}

// SetExtensionConn binds or clears the session's extension connection.
// A non-nil handle transitions the session to active; nil transitions it
// to disconnected.
func (r *Registry) SetExtensionConn(id string, conn ExtensionConn) error {
	s := r.Get(id)
	if s == nil {
		return ErrNotFound
	}
	s.setConn(conn)
	return nil
}

// SetBrowserProcess records or clears the session's browser handle.
func (r *Registry) SetBrowserProcess(id string, proc BrowserHandle) error {
	s := r.Get(id)
	if s == nil {
		return ErrNotFound
	}
	s.setProc(proc)
	return nil
}

// AssignNextAwaiting returns the awaiting_extension session with the
// earliest CreatedAt, or nil. The caller transitions its state after
// binding; this is a pure FIFO pick.
func (r *Registry) AssignNextAwaiting() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var next *Session
	for _, s := range r.byID {
		if s.State() != StateAwaitingExtension {
			continue
		}
		if next == nil || s.CreatedAt.Before(next.CreatedAt) {
			next = s
		}
	}
	return next
}
