// Package cmd provides the CLI commands for the Carapace Agent.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "carapace-agent",
	Short: "Carapace Agent - untrusted-host relay",
	Long: `carapace-agent runs on the untrusted client host. It accepts local
CLI requests on a Unix socket and local HTTP requests on a loopback
listener, relays each to the trusted Server over a framed TCP channel, and
auto-reconnects with backoff if that connection drops.

The Agent carries no config file: every setting comes from the environment
(CARAPACE_SERVER_HOST, CARAPACE_SERVER_PORT, CARAPACE_CLI_SOCKET,
CARAPACE_HTTP_LISTEN_ADDR, CARAPACE_LOG_LEVEL, CARAPACE_DEV_MODE).

Commands:
  start       Start the Agent
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
