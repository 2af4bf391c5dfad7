package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tabd/internal/config"
	"tabd/internal/ipc"
	"tabd/internal/protocol"
	"tabd/internal/session"
)

// testConfig returns a config pointing at per-test paths with timeouts
// short enough for failure cases to resolve quickly.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SocketPath = filepath.Join(t.TempDir(), "tabd.sock")
	cfg.WSPort = 0
	cfg.CommandTimeout = 5 * time.Second
	cfg.ConnectTimeout = 5 * time.Second
	cfg.ShutdownTimeout = time.Second
	return cfg
}

// fakeBrowser writes a script that stays alive until killed.
func fakeBrowser(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake browser script is unix-only")
	}
	path := filepath.Join(t.TempDir(), "fake-browser")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func startController(t *testing.T, cfg config.Config) *Controller {
	t.Helper()
	c := NewController(cfg)
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// dialExtension connects a scripted extension to the gateway and
// completes the registration handshake.
func dialExtension(t *testing.T, c *Controller, cached string) (*websocket.Conn, string) {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/", c.gateway.Port())
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	env, err := protocol.NewEnvelope(protocol.MsgRegister, protocol.RegisterPayload{
		WindowID:        1,
		CachedSessionID: cached,
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply protocol.Envelope
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if reply.Type != protocol.MsgSessionAssigned {
		t.Fatalf("first frame type = %q, want session_assigned", reply.Type)
	}
	var assigned protocol.SessionAssignedPayload
	if err := json.Unmarshal(reply.Payload, &assigned); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return ws, assigned.SessionID
}

func TestController_StartStop(t *testing.T) {
	cfg := testConfig(t)
	c := NewController(cfg)
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	client := ipc.NewClient(cfg.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Error("socket file still present after Stop")
	}
	// Stop is idempotent.
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestController_Endpoint(t *testing.T) {
	cfg := testConfig(t)
	c := startController(t, cfg)

	client := ipc.NewClient(cfg.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	endpoint, err := client.GetEndpoint(ctx)
	if err != nil {
		t.Fatalf("GetEndpoint() error = %v", err)
	}
	if endpoint.IP != "127.0.0.1" || endpoint.Port != c.gateway.Port() {
		t.Errorf("endpoint = %+v, want 127.0.0.1:%d", endpoint, c.gateway.Port())
	}
}

func TestController_NavigateAutoCreatesAndLaunches(t *testing.T) {
	cfg := testConfig(t)
	cfg.BrowserPath = fakeBrowser(t)
	c := startController(t, cfg)

	client := ipc.NewClient(cfg.SocketPath)
	result := make(chan *protocol.CommandResponse, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := client.SendCommand(ctx, &protocol.Command{
			ID:        "c1",
			SessionID: "default",
			Type:      protocol.CmdNavigate,
			Params:    map[string]any{"url": "https://example.com"},
		})
		if err != nil {
			t.Errorf("SendCommand() error = %v", err)
			result <- nil
			return
		}
		result <- resp
	}()

	// The daemon creates the default session and launches a browser.
	waitFor(t, 5*time.Second, func() bool {
		s := c.registry.GetByName(session.DefaultName)
		return s != nil && c.browsers.Has(s.ID)
	})

	// The extension inside that browser registers with no cached id and
	// is matched to the launched session FIFO.
	ws, assigned := dialExtension(t, c, "")
	wantID := c.registry.GetByName(session.DefaultName).ID
	if assigned != wantID {
		t.Fatalf("assigned = %q, want launched session %q", assigned, wantID)
	}

	// The command arrives translated to the extension shape.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	for {
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if env.Type == protocol.MsgCommand {
			break
		}
	}
	var cmd protocol.ExtensionCommand
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if cmd.ID != "c1" || cmd.Type != protocol.CmdOpen {
		t.Fatalf("forwarded command = %+v, want id c1 type open", cmd)
	}
	if cmd.Params["url"] != "https://example.com" {
		t.Errorf("forwarded url = %v, want https://example.com", cmd.Params["url"])
	}

	reply, err := protocol.NewEnvelope(protocol.MsgResponse, protocol.ExtensionResponse{
		ID:      "c1",
		Success: true,
		Data:    map[string]any{"navigatedTo": "https://example.com"},
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if err := ws.WriteJSON(reply); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	select {
	case resp := <-result:
		if resp == nil {
			t.Fatal("no response")
		}
		if !resp.Success || resp.ID != "c1" {
			t.Fatalf("client response = %+v, want success for c1", resp)
		}
		data, ok := resp.Data.(map[string]any)
		if !ok || data["navigatedTo"] != "https://example.com" {
			t.Errorf("response data = %+v, not passed through", resp.Data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("client response never arrived")
	}
}

func TestController_SnapshotUnknownSession(t *testing.T) {
	cfg := testConfig(t)
	startController(t, cfg)

	client := ipc.NewClient(cfg.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.SendCommand(ctx, &protocol.Command{
		ID:        "c2",
		SessionID: "ghost",
		Type:      protocol.CmdSnapshot,
	})
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if resp.Success || resp.Error != "Session not found: ghost" {
		t.Errorf("response = %+v, want session-not-found", resp)
	}
}

func TestController_SnapshotDisconnectedSession(t *testing.T) {
	cfg := testConfig(t)
	c := startController(t, cfg)

	s, err := c.registry.Create("lonely", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	client := ipc.NewClient(cfg.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.SendCommand(ctx, &protocol.Command{
		ID:        "c2",
		SessionID: s.ID,
		Type:      protocol.CmdSnapshot,
	})
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if resp.Success {
		t.Fatal("snapshot succeeded without an extension")
	}
	if !strings.HasPrefix(resp.Error, "Extension not connected.") {
		t.Errorf("error = %q, want extension-not-connected", resp.Error)
	}
}

func TestController_DefaultSessionPerProfile(t *testing.T) {
	cfg := testConfig(t)
	c := startController(t, cfg)

	plain, err := c.registry.GetOrCreateDefault("")
	if err != nil {
		t.Fatalf("GetOrCreateDefault(\"\") error = %v", err)
	}
	work, err := c.registry.GetOrCreateDefault("/tmp/work-profile")
	if err != nil {
		t.Fatalf("GetOrCreateDefault(/tmp/work-profile) error = %v", err)
	}

	// Commands are routed to the default session of their own profile;
	// handleCommand rewrites the command to the canonical id it picked.
	cmd := &protocol.Command{ID: "c1", SessionID: "default", Profile: "/tmp/work-profile", Type: protocol.CmdSnapshot}
	c.handleCommand(cmd)
	if cmd.SessionID != work.ID {
		t.Errorf("profile-qualified default resolved to %q, want %q", cmd.SessionID, work.ID)
	}

	cmd = &protocol.Command{ID: "c2", SessionID: "default", Type: protocol.CmdSnapshot}
	c.handleCommand(cmd)
	if cmd.SessionID != plain.ID {
		t.Errorf("unset-profile default resolved to %q, want %q", cmd.SessionID, plain.ID)
	}
}

func TestController_ConcurrentNavigationsShareNewSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.BrowserPath = fakeBrowser(t)
	cfg.ConnectTimeout = 200 * time.Millisecond
	c := startController(t, cfg)

	// Concurrent first navigations naming the same new session: one
	// creates it, the rest must ride along rather than be rejected.
	const n = 4
	results := make(chan protocol.CommandResponse, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			results <- c.handleCommand(&protocol.Command{
				ID:        fmt.Sprintf("c%d", i),
				SessionID: "shared",
				Type:      protocol.CmdNavigate,
				Params:    map[string]any{"url": "https://example.com"},
			})
		}(i)
	}

	for i := 0; i < n; i++ {
		select {
		case resp := <-results:
			if strings.HasPrefix(resp.Error, "Failed to create session") {
				t.Errorf("response = %+v, creation race loser was rejected", resp)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("command did not resolve")
		}
	}

	if c.registry.GetByName("shared") == nil {
		t.Error("session was not created")
	}
	if got := c.registry.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1 session for one name", got)
	}
}

func TestController_RegistrationCachedSession(t *testing.T) {
	cfg := testConfig(t)
	c := startController(t, cfg)

	s, err := c.registry.Create("revived", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, assigned := dialExtension(t, c, s.ID)
	if assigned != s.ID {
		t.Errorf("assigned = %q, want cached session %q", assigned, s.ID)
	}
	waitFor(t, 2*time.Second, func() bool { return s.State() == session.StateActive })
}

func TestController_RegistrationCreatesSession(t *testing.T) {
	cfg := testConfig(t)
	c := startController(t, cfg)

	_, assigned := dialExtension(t, c, "")
	s := c.registry.Get(assigned)
	if s == nil {
		t.Fatal("assigned session not in registry")
	}
	waitFor(t, 2*time.Second, func() bool { return s.State() == session.StateActive })
}

func TestController_RegistrationCachedNameForNewSession(t *testing.T) {
	cfg := testConfig(t)
	c := startController(t, cfg)

	// The cached id names no existing session but is a valid name, so a
	// session is created under it.
	_, assigned := dialExtension(t, c, "window-main")
	s := c.registry.Get(assigned)
	if s == nil || s.Name != "window-main" {
		t.Fatalf("assigned session = %+v, want name window-main", s)
	}
}

func TestController_DisconnectMarksSession(t *testing.T) {
	cfg := testConfig(t)
	c := startController(t, cfg)

	ws, assigned := dialExtension(t, c, "")
	s := c.registry.Get(assigned)
	waitFor(t, 2*time.Second, func() bool { return s.State() == session.StateActive })

	ws.Close()
	waitFor(t, 2*time.Second, func() bool { return s.State() == session.StateDisconnected })
}

func TestController_RejectsWhileStopped(t *testing.T) {
	cfg := testConfig(t)
	c := NewController(cfg)
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	resp := c.handleCommand(&protocol.Command{ID: "c9", Type: protocol.CmdScreenshot})
	if resp.Success || resp.Error != "Daemon is shutting down" {
		t.Errorf("response = %+v, want shutting-down rejection", resp)
	}
}

func TestController_ShutdownOverSocket(t *testing.T) {
	cfg := testConfig(t)
	c := startController(t, cfg)

	client := ipc.NewClient(cfg.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return !c.IsRunning() })
}

func TestController_InfoSnapshot(t *testing.T) {
	cfg := testConfig(t)
	c := startController(t, cfg)

	_, assigned := dialExtension(t, c, "")
	waitFor(t, 2*time.Second, func() bool {
		s := c.registry.Get(assigned)
		return s != nil && s.State() == session.StateActive
	})

	info := c.Info()
	if !info.Running {
		t.Error("Info.Running = false for started daemon")
	}
	if info.WSPort != c.gateway.Port() {
		t.Errorf("Info.WSPort = %d, want %d", info.WSPort, c.gateway.Port())
	}
	if info.Connections != 1 {
		t.Errorf("Info.Connections = %d, want 1", info.Connections)
	}
	if len(info.Sessions) != 1 || info.Sessions[0].ID != assigned {
		t.Errorf("Info.Sessions = %+v, want the one registered session", info.Sessions)
	}
}
