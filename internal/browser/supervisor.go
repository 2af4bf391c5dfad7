// Package browser launches and supervises headed browser child
// processes, one per session.
package browser

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyRunning is returned when the session already owns a browser.
	ErrAlreadyRunning = errors.New("browser already running for session")
	// ErrNoExecutable is returned when no browser executable can be found.
	ErrNoExecutable = errors.New("no browser executable found")
)

// automationFlags are always appended so the spawned browser behaves
// headed but automation-friendly.
var automationFlags = []string{
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-default-apps",
	"--disable-popup-blocking",
	"--disable-translate",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
}

// Config holds supervisor configuration.
type Config struct {
	// ExecutablePath overrides browser discovery when set.
	ExecutablePath string
	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration
	// KillWait is how long to wait for exit after SIGKILL.
	KillWait time.Duration
}

// DefaultConfig returns supervisor defaults.
func DefaultConfig() Config {
	return Config{
		GracefulTimeout: 5 * time.Second,
		KillWait:        500 * time.Millisecond,
	}
}

// Process is one supervised browser child process.
type Process struct {
	SessionID  string
	LaunchedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	exited   bool
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code, or -1 if the process has not exited.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		return -1
	}
	return p.exitCode
}

func (p *Process) recordExit(code int) {
	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

// Info is the observable summary of a supervised process.
type Info struct {
	PID        int       `json:"pid"`
	SessionID  string    `json:"sessionId"`
	LaunchedAt time.Time `json:"launchedAt"`
}

// LaunchOptions configure a single browser launch.
type LaunchOptions struct {
	SessionID      string
	ProfileDir     string
	URL            string
	ExecutablePath string
	ExtraArgs      []string
}

// Supervisor manages browser child processes keyed by session id.
// Lifecycle callbacks are assigned by the controller before Launch is
// first called; they are invoked from the supervisor's goroutines.
type Supervisor struct {
	config Config
	log    *logrus.Entry

	mu    sync.Mutex
	procs map[string]*Process

	OnStarted func(sessionID string, p *Process)
	OnExited  func(sessionID string, exitCode int)
	OnError   func(sessionID string, err error)
}

// NewSupervisor creates a supervisor with the given configuration.
func NewSupervisor(config Config) *Supervisor {
	if config.GracefulTimeout == 0 {
		config.GracefulTimeout = 5 * time.Second
	}
	if config.KillWait == 0 {
		config.KillWait = 500 * time.Millisecond
	}
	return &Supervisor{
		config: config,
		procs:  make(map[string]*Process),
		log:    logrus.WithField("component", "browser"),
	}
}

// FindExecutable returns the browser executable path: the configured
// override first, then the first platform candidate that exists and is
// executable. Returns ErrNoExecutable when nothing qualifies.
func (s *Supervisor) FindExecutable() (string, error) {
	if s.config.ExecutablePath != "" {
		if canExecute(s.config.ExecutablePath) {
			return s.config.ExecutablePath, nil
		}
		return "", fmt.Errorf("%w: configured path %q is not executable",
			ErrNoExecutable, s.config.ExecutablePath)
	}
	for _, candidate := range executableCandidates() {
		if canExecute(candidate) {
			return candidate, nil
		}
	}
	return "", ErrNoExecutable
}

// buildArgs assembles the browser argument vector: user-data-dir first
// when a profile is set, then the fixed automation flags, caller args,
// and finally --new-window <url> when a URL is given.
func buildArgs(opts LaunchOptions) []string {
	var args []string
	if opts.ProfileDir != "" {
		args = append(args, "--user-data-dir="+opts.ProfileDir)
	}
	args = append(args, automationFlags...)
	args = append(args, opts.ExtraArgs...)
	if opts.URL != "" {
		args = append(args, "--new-window", opts.URL)
	}
	return args
}

// Launch spawns a browser for the session. It refuses when a browser is
// already registered for the session id.
func (s *Supervisor) Launch(opts LaunchOptions) (*Process, error) {
	s.mu.Lock()
	if _, exists := s.procs[opts.SessionID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	// Reserve the slot before the (slow) spawn so concurrent launches
	// for the same session cannot race past the check.
	s.procs[opts.SessionID] = nil
	s.mu.Unlock()

	proc, err := s.spawn(opts)
	if err != nil {
		s.mu.Lock()
		delete(s.procs, opts.SessionID)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.procs[opts.SessionID] = proc
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"session": opts.SessionID,
		"pid":     proc.Pid(),
	}).Info("browser launched")

	if s.OnStarted != nil {
		s.OnStarted(opts.SessionID, proc)
	}

	go s.watch(proc)
	return proc, nil
}

func (s *Supervisor) spawn(opts LaunchOptions) (*Process, error) {
	execPath := opts.ExecutablePath
	if execPath == "" {
		var err error
		execPath, err = s.FindExecutable()
		if err != nil {
			return nil, err
		}
	}

	cmd := exec.Command(execPath, buildArgs(opts)...)
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn browser: %w", err)
	}

	return &Process{
		SessionID:  opts.SessionID,
		LaunchedAt: time.Now(),
		cmd:        cmd,
		done:       make(chan struct{}),
	}, nil
}

// watch waits for the process to exit, removes bookkeeping, and emits
// the exit event. Bookkeeping is removed before the callback so event
// handlers observe the supervisor without the dead process.
func (s *Supervisor) watch(proc *Process) {
	err := proc.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
			if s.OnError != nil {
				s.OnError(proc.SessionID, err)
			}
		}
	}
	proc.recordExit(code)

	s.mu.Lock()
	if s.procs[proc.SessionID] == proc {
		delete(s.procs, proc.SessionID)
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"session": proc.SessionID,
		"pid":     proc.cmd.Process.Pid,
		"code":    code,
	}).Info("browser exited")

	if s.OnExited != nil {
		s.OnExited(proc.SessionID, code)
	}
}

// Kill terminates the session's browser: SIGTERM, wait up to the
// graceful timeout, SIGKILL, wait up to the kill wait. Returns whether
// the session had a known browser.
func (s *Supervisor) Kill(sessionID string) bool {
	s.mu.Lock()
	proc := s.procs[sessionID]
	s.mu.Unlock()
	if proc == nil {
		return false
	}

	pid := proc.Pid()
	_ = terminateProcess(pid)

	select {
	case <-proc.done:
		return true
	case <-time.After(s.config.GracefulTimeout):
	}

	s.log.WithFields(logrus.Fields{
		"session": sessionID,
		"pid":     pid,
	}).Warn("browser did not exit gracefully, force killing")
	_ = killProcess(pid)

	select {
	case <-proc.done:
	case <-time.After(s.config.KillWait):
	}
	return true
}

// KillAll terminates every managed browser concurrently.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id, p := range s.procs {
		if p != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			s.Kill(sessionID)
		}(id)
	}
	wg.Wait()
}

// GetProcess returns the session's browser process, or nil.
func (s *Supervisor) GetProcess(sessionID string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[sessionID]
}

// GetInfo returns a summary of the session's browser, or nil.
func (s *Supervisor) GetInfo(sessionID string) *Info {
	proc := s.GetProcess(sessionID)
	if proc == nil {
		return nil
	}
	return &Info{
		PID:        proc.Pid(),
		SessionID:  proc.SessionID,
		LaunchedAt: proc.LaunchedAt,
	}
}

// Has reports whether the session's browser slot is claimed. A launch
// still inside spawn counts: the slot is reserved before the process
// exists, and callers seeing true must wait rather than launch again.
func (s *Supervisor) Has(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[sessionID]
	return ok
}

// List returns all supervised processes.
func (s *Supervisor) List() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of supervised processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.procs {
		if p != nil {
			n++
		}
	}
	return n
}
