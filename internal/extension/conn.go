package extension

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tabd/internal/protocol"
)

// Conn is one registered extension connection. Writes are serialized by
// a mutex because gorilla/websocket permits a single concurrent writer.
type Conn struct {
	ws  *websocket.Conn
	log *logrus.Entry

	mu        sync.RWMutex
	sessionID string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	pong      chan struct{}
}

func newConn(ws *websocket.Conn, sessionID string) *Conn {
	return &Conn{
		ws:        ws,
		sessionID: sessionID,
		done:      make(chan struct{}),
		pong:      make(chan struct{}, 1),
		log:       logrus.WithField("component", "extension"),
	}
}

// SessionID returns the session this connection is bound to.
func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Conn) setSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// Send marshals payload into an envelope frame and writes it.
func (c *Conn) Send(msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Done is closed when the connection has been shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// heartbeat sends a protocol-level ping every interval and closes the
// connection when no pong arrives within the timeout. The extension
// protocol defines its own ping/pong frames, so WS control frames are
// not used here.
func (c *Conn) heartbeat(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// A pong that arrived between rounds is stale; drop it so
			// it cannot answer for the ping about to go out.
			select {
			case <-c.pong:
			default:
			}
			if err := c.Send(protocol.MsgPing, nil); err != nil {
				c.Close()
				return
			}
			select {
			case <-c.pong:
			case <-c.done:
				return
			case <-time.After(timeout):
				c.log.WithField("session", c.SessionID()).
					Warn("extension heartbeat timed out, closing connection")
				c.Close()
				return
			}
		}
	}
}

// notePong wakes a waiting heartbeat round. Non-blocking: a pong with
// no waiter is stale and dropped.
func (c *Conn) notePong() {
	select {
	case c.pong <- struct{}{}:
	default:
	}
}
