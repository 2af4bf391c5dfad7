// Package protocol defines the JSON wire types shared by clients, the
// daemon, and the browser extension.
package protocol

import "encoding/json"

// IPC message types carried in the Envelope.Type field.
const (
	MsgCommand           = "command"
	MsgResponse          = "response"
	MsgPing              = "ping"
	MsgPong              = "pong"
	MsgGetEndpoint       = "get_endpoint"
	MsgEndpoint          = "endpoint"
	MsgRegisterExtension = "register_extension"
	MsgRegistration      = "registration"
	MsgInfo              = "info"
	MsgShutdown          = "shutdown"
)

// Extension channel message types. Register and SessionAssigned only
// appear on the WebSocket channel; ping/pong/command/response are shared
// with the IPC constants above.
const (
	MsgRegister        = "register"
	MsgSessionAssigned = "session_assigned"
)

// Envelope is the newline-delimited JSON envelope used on the client
// socket and the message framing on the extension channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it. Marshal errors are
// surfaced so callers can convert them into error responses.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, Payload: raw}, nil
}

// Command is a client-submitted automation command.
type Command struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Profile   string         `json:"profile,omitempty"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// CommandResponse is the reply delivered to the submitting client.
// ExtensionResponse shares the identical shape; responses from the
// extension are copied through verbatim.
type CommandResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExtensionCommand is the wire form forwarded to the extension.
type ExtensionCommand struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ExtensionResponse is a response frame received from the extension.
type ExtensionResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RegisterPayload is the first frame an extension sends after connecting.
type RegisterPayload struct {
	WindowID        int    `json:"windowId"`
	CachedSessionID string `json:"cachedSessionId,omitempty"`
}

// SessionAssignedPayload tells the extension which session it is bound to.
type SessionAssignedPayload struct {
	SessionID string `json:"sessionId"`
}

// EndpointPayload is the reply to a get_endpoint request.
type EndpointPayload struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// ErrorResponse builds a failed CommandResponse. An empty id is reported
// as "unknown" so clients can always correlate something.
func ErrorResponse(id, msg string) CommandResponse {
	if id == "" {
		id = "unknown"
	}
	return CommandResponse{ID: id, Success: false, Error: msg}
}

// SuccessResponse builds a successful CommandResponse.
func SuccessResponse(id string, data any) CommandResponse {
	return CommandResponse{ID: id, Success: true, Data: data}
}
