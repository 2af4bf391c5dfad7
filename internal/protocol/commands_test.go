package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCommand_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"valid navigate", Command{ID: "c1", Type: CmdNavigate}, false},
		{"valid eval", Command{ID: "c2", Type: CmdEval}, false},
		{"missing id", Command{Type: CmdClick}, true},
		{"missing type", Command{ID: "c3"}, true},
		{"unknown type", Command{ID: "c4", Type: "teleport"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCommand) {
				t.Errorf("Validate() error = %v, want ErrInvalidCommand", err)
			}
		})
	}
}

func TestCommand_ToExtension_Navigate(t *testing.T) {
	cmd := Command{
		ID:     "c1",
		Type:   CmdNavigate,
		Params: map[string]any{"url": "https://example.com"},
	}

	ext := cmd.ToExtension()
	if ext.Type != CmdOpen {
		t.Errorf("ToExtension() Type = %q, want %q", ext.Type, CmdOpen)
	}
	if ext.ID != "c1" {
		t.Errorf("ToExtension() ID = %q, want c1", ext.ID)
	}
	if ext.Params["url"] != "https://example.com" {
		t.Errorf("ToExtension() url = %v, want example.com", ext.Params["url"])
	}
}

func TestCommand_ToExtension_TabCommands(t *testing.T) {
	tests := []struct {
		cmdType    string
		wantAction string
	}{
		{CmdTabNew, "new"},
		{CmdTabClose, "close"},
		{CmdTabSwitch, "switch"},
		{CmdTabList, "list"},
	}

	for _, tt := range tests {
		t.Run(tt.cmdType, func(t *testing.T) {
			cmd := Command{
				ID:     "c4",
				Type:   tt.cmdType,
				Params: map[string]any{"url": "https://g"},
			}

			ext := cmd.ToExtension()
			if ext.Type != CmdTab {
				t.Errorf("ToExtension() Type = %q, want tab", ext.Type)
			}
			if ext.Params["action"] != tt.wantAction {
				t.Errorf("ToExtension() action = %v, want %q", ext.Params["action"], tt.wantAction)
			}
			if ext.Params["url"] != "https://g" {
				t.Errorf("ToExtension() url = %v, carried params lost", ext.Params["url"])
			}
		})
	}
}

func TestCommand_ToExtension_DoesNotMutateOriginal(t *testing.T) {
	cmd := Command{
		ID:     "c5",
		Type:   CmdTabNew,
		Params: map[string]any{"url": "https://g"},
	}

	_ = cmd.ToExtension()
	if _, ok := cmd.Params["action"]; ok {
		t.Error("ToExtension() mutated the original command params")
	}
}

func TestCommand_ToExtension_Passthrough(t *testing.T) {
	cmd := Command{ID: "c6", Type: CmdSnapshot}
	ext := cmd.ToExtension()
	if ext.Type != CmdSnapshot {
		t.Errorf("ToExtension() Type = %q, want snapshot", ext.Type)
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgResponse, CommandResponse{ID: "c1", Success: true})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Type != MsgResponse {
		t.Errorf("Type = %q, want %q", decoded.Type, MsgResponse)
	}

	var resp CommandResponse
	if err := json.Unmarshal(decoded.Payload, &resp); err != nil {
		t.Fatalf("Unmarshal payload error = %v", err)
	}
	if resp.ID != "c1" || !resp.Success {
		t.Errorf("payload = %+v, want id c1 success", resp)
	}
}

func TestEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(MsgPong, nil)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if len(env.Payload) != 0 {
		t.Errorf("Payload = %s, want empty", env.Payload)
	}
}

func TestErrorResponse_UnknownID(t *testing.T) {
	resp := ErrorResponse("", "parse failure")
	if resp.ID != "unknown" {
		t.Errorf("ID = %q, want unknown", resp.ID)
	}
	if resp.Success {
		t.Error("Success = true, want false")
	}
}
