// Package cmd provides the CLI commands for countersign.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/countersign-labs/countersign/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "countersign",
	Short: "Countersign - context-scoped authorization engine",
	Long: `Countersign is a policy-extensible authorization engine for account
abstractions. Accounts register context rules (signer sets plus policies,
scoped to invocation contexts) and the engine answers check-auth requests:
which rule, if any, authorizes each context of an invocation.

Quick start:
  1. Create a config file: countersign.yaml
  2. Run: countersign serve

Configuration:
  Config is loaded from countersign.yaml in the current directory,
  $HOME/.countersign/, or /etc/countersign/.

  Environment variables can override config values with the COUNTERSIGN_ prefix.
  Example: COUNTERSIGN_SERVER_HTTP_ADDR=127.0.0.1:9090

Commands:
  serve       Start the authorization server
  hash-key    Generate an argon2id hash for an admin API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./countersign.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
