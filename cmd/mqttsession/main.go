// mqttsession keeps a fleet of MQTT client sessions connected, journals
// their events and serves status, publishing and live events over HTTP.
//
// Subcommands:
//   - run: start the daemon
//   - publish: one-shot publish through a configured session
//   - token: mint an API bearer token
//   - watch: stream live session events from a running daemon
//   - migrate: apply, roll back or list journal schema migrations
//   - version: print build information
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/mqttsession/internal/infrastructure/config"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv overrides the default configuration path.
const configEnv = "MQTTSESSION_CONFIG"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Tests call it to run subcommands
// in-process.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "mqttsession",
		Short: "Managed MQTT client sessions",
		Long: `mqttsession keeps a set of MQTT client sessions connected to their
brokers, journals every connect, disconnect, message and error event,
and exposes session status, publishing and live events over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"configuration file (default $"+configEnv+" or "+defaultConfigPath+")")

	load := func() (*config.Config, string, error) {
		path := getConfigPath(configPath)
		cfg, err := config.Load(path)
		if err != nil {
			return nil, path, fmt.Errorf("loading config: %w", err)
		}
		return cfg, path, nil
	}

	root.AddCommand(
		runCmd(load),
		publishCmd(load),
		tokenCmd(load),
		watchCmd(load),
		migrateCmd(load),
		versionCmd(),
	)
	return root
}

// configLoader loads the configuration selected by the root flags.
type configLoader func() (*config.Config, string, error)

// getConfigPath returns the configuration file path: the flag, then
// MQTTSESSION_CONFIG, then the default.
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}
