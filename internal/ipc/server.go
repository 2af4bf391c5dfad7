// Package ipc implements the daemon's local client endpoint: a unix
// socket speaking newline-delimited JSON envelopes, one request per
// connection.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tabd/internal/protocol"
)

// maxLineBytes bounds a single request line. Screenshot uploads travel
// the other direction, so requests stay small.
const maxLineBytes = 1 << 20

// Handlers are the daemon callbacks the server dispatches into.
type Handlers struct {
	// Command resolves an automation command and blocks until it
	// completes or fails.
	Command func(cmd *protocol.Command) protocol.CommandResponse

	// Endpoint reports where extensions should connect.
	Endpoint func() protocol.EndpointPayload

	// RegisterExtension handles a registration request arriving over
	// the client socket instead of the WebSocket channel.
	RegisterExtension func(reg *protocol.RegisterPayload) (any, error)

	// Info snapshots daemon state for status reporting.
	Info func() any

	// Shutdown asks the daemon to stop. Called after the reply is
	// written so the requesting client gets an acknowledgement.
	Shutdown func()
}

// Server owns the unix socket listener. Connections are tracked so Stop
// can tear them down.
type Server struct {
	socketPath string
	handlers   Handlers
	log        *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewServer creates a client server on the given socket path.
func NewServer(socketPath string, handlers Handlers) *Server {
	return &Server{
		socketPath: socketPath,
		handlers:   handlers,
		conns:      make(map[net.Conn]struct{}),
		log:        logrus.WithField("component", "ipc"),
	}
}

// Start binds the socket and begins accepting connections. A stale
// socket file left by a dead daemon is removed; a live one is an error.
func (s *Server) Start() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		probe, err := net.DialTimeout("unix", s.socketPath, time.Second)
		if err == nil {
			probe.Close()
			return fmt.Errorf("daemon already running on %s", s.socketPath)
		}
		s.log.WithField("path", s.socketPath).Info("removing stale socket file")
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	// The socket is the daemon's only control surface; keep it private
	// to the owning user.
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.closed = false
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(listener)
	}()

	s.log.WithField("path", s.socketPath).Info("client server listening")
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.WithError(err).Error("accept failed")
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener, destroys open connections, and removes the
// socket file. Safe to call when not started.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	s.listener = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing socket file: %w", err)
	}
	return nil
}

// handleConn serves exactly one request line, replies, and closes.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := readLine(reader)
	if err != nil {
		if len(line) > 0 {
			s.writeError(conn, "", "Invalid command structure")
		}
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		s.log.WithError(err).Debug("unparseable request line")
		s.writeError(conn, "", "Invalid command structure")
		return
	}

	s.dispatch(conn, &env)
}

// readLine reads one newline-terminated line up to maxLineBytes.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return line, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("request line exceeds %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (s *Server) dispatch(conn net.Conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgPing:
		s.writeEnvelope(conn, protocol.MsgPong, nil)

	case protocol.MsgGetEndpoint:
		if s.handlers.Endpoint == nil {
			s.writeError(conn, "", "Endpoint lookup unavailable")
			return
		}
		s.writeEnvelope(conn, protocol.MsgEndpoint, s.handlers.Endpoint())

	case protocol.MsgRegisterExtension:
		s.handleRegisterExtension(conn, env)

	case protocol.MsgInfo:
		if s.handlers.Info == nil {
			s.writeError(conn, "", "Info unavailable")
			return
		}
		s.writeEnvelope(conn, protocol.MsgInfo, s.handlers.Info())

	case protocol.MsgShutdown:
		if s.handlers.Shutdown == nil {
			s.writeError(conn, "", "Shutdown unavailable")
			return
		}
		s.writeEnvelope(conn, protocol.MsgResponse, protocol.SuccessResponse("shutdown", nil))
		s.handlers.Shutdown()

	case protocol.MsgCommand:
		s.handleCommand(conn, env)

	default:
		s.log.WithField("type", env.Type).Debug("unknown request type")
		s.writeError(conn, "", "Invalid command structure")
	}
}

func (s *Server) handleRegisterExtension(conn net.Conn, env *protocol.Envelope) {
	if s.handlers.RegisterExtension == nil {
		s.writeError(conn, "", "Extension registration unavailable")
		return
	}
	var reg protocol.RegisterPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &reg); err != nil {
			s.writeError(conn, "", "Invalid command structure")
			return
		}
	}
	result, err := s.handlers.RegisterExtension(&reg)
	if err != nil {
		s.writeError(conn, "", err.Error())
		return
	}
	s.writeEnvelope(conn, protocol.MsgRegistration, result)
}

func (s *Server) handleCommand(conn net.Conn, env *protocol.Envelope) {
	if s.handlers.Command == nil {
		s.writeError(conn, "", "Command handling unavailable")
		return
	}
	var cmd protocol.Command
	if len(env.Payload) == 0 {
		s.writeError(conn, "", "Invalid command structure")
		return
	}
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		s.writeError(conn, "", "Invalid command structure")
		return
	}

	resp := s.handlers.Command(&cmd)
	s.writeEnvelope(conn, protocol.MsgResponse, resp)
}

func (s *Server) writeError(conn net.Conn, id, msg string) {
	s.writeEnvelope(conn, protocol.MsgResponse, protocol.ErrorResponse(id, msg))
}

// writeEnvelope writes one newline-terminated envelope.
func (s *Server) writeEnvelope(conn net.Conn, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		s.log.WithError(err).Error("failed to encode reply payload")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.log.WithError(err).Error("failed to encode reply")
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.log.WithError(err).Debug("failed to write reply")
	}
}
