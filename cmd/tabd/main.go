package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tabd/internal/config"
)

const (
	appName    = "tabd"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Browser automation session daemon",
	Long: `Tabd routes automation commands from local clients to browser
extensions. It manages named sessions, launches browsers on demand, and
keeps one persistent WebSocket per browser window.`,
	Version: appVersion,
}

func init() {
	// Global flags, layered over TAB_* environment variables.
	rootCmd.PersistentFlags().String("socket", "", "Socket path for daemon communication")
	rootCmd.PersistentFlags().Int("port", 0, "Port for extension WebSocket connections")
	rootCmd.PersistentFlags().String("browser", "", "Browser executable path override")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(sendCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides on top.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Root().PersistentFlags()
	if v, _ := flags.GetString("socket"); v != "" {
		cfg.SocketPath = v
	}
	if v, _ := flags.GetInt("port"); v != 0 {
		cfg.WSPort = v
	}
	if v, _ := flags.GetString("browser"); v != "" {
		cfg.BrowserPath = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
