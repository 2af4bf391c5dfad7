package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tabd/internal/daemon"
	"tabd/internal/ipc"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background daemon",
	Long: `Manage the background daemon that owns sessions, browser
processes, and extension connections. Clients talk to it over a local
unix socket; browser extensions connect over a loopback WebSocket.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Run:   runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Run:   runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Run:   runDaemonStatus,
}

var daemonInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show daemon information",
	Run:   runDaemonInfo,
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonInfoCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	d := daemon.NewController(cfg)
	if err := d.Start(); err != nil {
		logrus.WithError(err).Fatal("Failed to start daemon")
	}

	<-ctx.Done()
	logrus.Info("Shutdown signal received")

	if err := d.Stop(); err != nil {
		logrus.WithError(err).Error("Daemon shutdown error")
		os.Exit(1)
	}
}

func runDaemonStop(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	client := ipc.NewClient(cfg.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to stop daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Daemon stopped")
}

func runDaemonStatus(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	client := ipc.NewClient(cfg.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		fmt.Println("Daemon is not running")
		os.Exit(1)
	}
	fmt.Println("Daemon is running")
	fmt.Printf("Socket: %s\n", cfg.SocketPath)
}

func runDaemonInfo(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	client := ipc.NewClient(cfg.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := client.Info(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Daemon is not running: %v\n", err)
		os.Exit(1)
	}

	var info daemon.Info
	if err := json.Unmarshal(raw, &info); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse daemon info: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Daemon v%s\n", appVersion)
	fmt.Printf("Socket: %s\n", info.SocketPath)
	fmt.Printf("Extension port: %d\n", info.WSPort)
	fmt.Printf("Uptime: %s\n", time.Since(info.StartedAt).Round(time.Second))
	fmt.Printf("Extensions: %d connected\n", info.Connections)
	fmt.Printf("Browsers: %d running\n", info.Browsers)
	fmt.Printf("Pending commands: %d\n", info.Pending)
	fmt.Printf("Sessions: %d\n", len(info.Sessions))
	for _, s := range info.Sessions {
		fmt.Printf("  %s  %-20s %s\n", s.ID, s.Name, s.State)
	}
}
