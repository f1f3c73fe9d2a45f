// Package cmd provides the CLI commands for the Carapace Server.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/carapace-gateway/carapace/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "carapace-server",
	Short: "Carapace Server - capability gateway trusted host",
	Long: `carapace-server is the trusted half of Carapace: it accepts framed
connections from Agents running on untrusted hosts, evaluates every
CLI/HTTP request against a declarative policy file, dispatches approved
requests, filters their responses, and records an audit trail.

Quick start:
  1. Write a policy file: carapace-policy.yaml
  2. Run: carapace-server start --listen 0.0.0.0:7420

Configuration:
  Config is loaded from carapace.yaml in the current directory,
  $HOME/.carapace/, or /etc/carapace/.

  Environment variables override config values with the CARAPACE_ prefix.
  Example: CARAPACE_LISTEN=0.0.0.0:7420

Commands:
  start       Start the Server
  version     Print version information`,
}

// Execute runs the root command. Exit codes follow spec.md §6: 0 on
// graceful shutdown, 1 on configuration error, 2 on listen failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var listenErr *ListenError
		if errors.As(err, &listenErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./carapace.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
