// Package cmd provides the CLI commands for pnar-gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "pnar-gate",
	Short: "pnar-gate - request security layer for the pnar API",
	Long: `pnar-gate authenticates, authorizes and rate-limits requests to the pnar API
and attaches the security headers to every response.

Configuration comes from the environment preset selected by PNAR_ENV
(development or production), an optional .env file and PNAR_* variables.
Example: PNAR_RATE_LIMIT_CAPACITY=200

Commands:
  serve          Start the HTTP gateway
  hash-password  Hash a password read from stdin
  roles          Print the role hierarchy`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.Version = version + " (" + commit + ")"
}
