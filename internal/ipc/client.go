package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"tabd/internal/protocol"
)

// Client talks to the daemon's unix socket. The protocol is one request
// per connection, so the client dials per call and carries no state
// beyond the socket path.
type Client struct {
	socketPath string
	dialer     net.Dialer
}

// NewClient creates a client for the daemon at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Ping checks that a daemon is listening and responsive.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.roundTrip(ctx, protocol.MsgPing, nil)
	if err != nil {
		return err
	}
	if reply.Type != protocol.MsgPong {
		return fmt.Errorf("unexpected reply type %q to ping", reply.Type)
	}
	return nil
}

// GetEndpoint asks the daemon where extensions should connect.
func (c *Client) GetEndpoint(ctx context.Context) (*protocol.EndpointPayload, error) {
	reply, err := c.roundTrip(ctx, protocol.MsgGetEndpoint, nil)
	if err != nil {
		return nil, err
	}
	if reply.Type != protocol.MsgEndpoint {
		return nil, fmt.Errorf("unexpected reply type %q to get_endpoint", reply.Type)
	}
	var endpoint protocol.EndpointPayload
	if err := json.Unmarshal(reply.Payload, &endpoint); err != nil {
		return nil, fmt.Errorf("parsing endpoint reply: %w", err)
	}
	return &endpoint, nil
}

// SendCommand submits a command and blocks until the daemon resolves
// it. The context bounds the whole round trip, including any browser
// launch the daemon performs on the far side.
func (c *Client) SendCommand(ctx context.Context, cmd *protocol.Command) (*protocol.CommandResponse, error) {
	reply, err := c.roundTrip(ctx, protocol.MsgCommand, cmd)
	if err != nil {
		return nil, err
	}
	if reply.Type != protocol.MsgResponse {
		return nil, fmt.Errorf("unexpected reply type %q to command", reply.Type)
	}
	var resp protocol.CommandResponse
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return nil, fmt.Errorf("parsing command response: %w", err)
	}
	return &resp, nil
}

// Info fetches the daemon's status snapshot as raw JSON; the caller
// decodes it into its own view.
func (c *Client) Info(ctx context.Context) (json.RawMessage, error) {
	reply, err := c.roundTrip(ctx, protocol.MsgInfo, nil)
	if err != nil {
		return nil, err
	}
	if reply.Type != protocol.MsgInfo {
		return nil, fmt.Errorf("unexpected reply type %q to info", reply.Type)
	}
	return reply.Payload, nil
}

// Shutdown asks the daemon to stop and waits for the acknowledgement.
func (c *Client) Shutdown(ctx context.Context) error {
	reply, err := c.roundTrip(ctx, protocol.MsgShutdown, nil)
	if err != nil {
		return err
	}
	if reply.Type != protocol.MsgResponse {
		return fmt.Errorf("unexpected reply type %q to shutdown", reply.Type)
	}
	var resp protocol.CommandResponse
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return fmt.Errorf("parsing shutdown reply: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("daemon refused shutdown: %s", resp.Error)
	}
	return nil
}

// roundTrip dials, sends one envelope line, and reads one reply line.
func (c *Client) roundTrip(ctx context.Context, msgType string, payload any) (*protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	data = append(data, '\n')

	conn, err := c.dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Abandon the connection if the context is cancelled mid-read.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	line, err := readLine(bufio.NewReaderSize(conn, 64*1024))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading reply: %w", err)
	}

	var reply protocol.Envelope
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("parsing reply: %w", err)
	}
	return &reply, nil
}
