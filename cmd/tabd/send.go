package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tabd/internal/ipc"
	"tabd/internal/protocol"
)

var sendCmd = &cobra.Command{
	Use:   "send <type> [key=value...]",
	Short: "Send an automation command to the daemon",
	Long: `Send one automation command and print the response as JSON.

Parameters are given as key=value pairs; values that parse as JSON are
passed through typed, anything else is sent as a string.

Examples:
  tabd send navigate url=https://example.com
  tabd send --session work screenshot
  tabd send tab_switch index=2`,
	Args: cobra.MinimumNArgs(1),
	Run:  runSend,
}

func init() {
	sendCmd.Flags().String("session", "default", "Session name or id to target")
	sendCmd.Flags().String("profile", "", "Browser profile directory for new sessions")
	sendCmd.Flags().Duration("timeout", 60*time.Second, "How long to wait for the response")
}

func runSend(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	cmdType := args[0]
	if !protocol.IsCommandType(cmdType) {
		fmt.Fprintf(os.Stderr, "Unknown command type %q\n", cmdType)
		os.Exit(1)
	}

	params := make(map[string]any)
	for _, arg := range args[1:] {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" {
			fmt.Fprintf(os.Stderr, "Parameter %q is not key=value\n", arg)
			os.Exit(1)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			params[key] = typed
		} else {
			params[key] = value
		}
	}

	sessionName, _ := cmd.Flags().GetString("session")
	profile, _ := cmd.Flags().GetString("profile")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	command := &protocol.Command{
		ID:        uuid.NewString(),
		SessionID: sessionName,
		Profile:   profile,
		Type:      cmdType,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if len(params) > 0 {
		command.Params = params
	}

	client := ipc.NewClient(cfg.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := client.SendCommand(ctx, command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to send command: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	if !resp.Success {
		os.Exit(1)
	}
}
