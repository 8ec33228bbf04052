// Package cmd provides the CLI commands for hostwaf.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hostwaf/hostwaf/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hostwaf",
	Short: "hostwaf - host-routing web application firewall",
	Long: `hostwaf is a multi-tenant web application firewall. It evaluates every
request against a global ruleset, resolves the request host to a route,
evaluates the route's own ruleset, and forwards admitted requests to the
route's origin. Hosts without an enabled route are denied.

Quick start:
  1. Create a config file: hostwaf init-config
  2. Run: hostwaf serve

Configuration:
  Config is loaded from hostwaf.yaml in the current directory,
  $HOME/.hostwaf/, or /etc/hostwaf/.

  Environment variables can override config values with the HOSTWAF_ prefix.
  Example: HOSTWAF_SERVER_EDGE_ADDR=:9090

Commands:
  serve        Start the firewall
  init-config  Write a starter configuration file
  version      Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./hostwaf.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
