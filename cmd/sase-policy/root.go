package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"opensase/sase-policy/pkg/cli"
	"opensase/sase-policy/pkg/config"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sase-policy",
	Short: "sase-policy - tiered network policy decision engine",
	Long: `sase-policy answers allow, deny, inspect and rate-limit decisions for
network flows at a SASE edge.

Lookups pass through a decision cache, a probabilistic prefilter and a
first-match rule store. Rule sets are versioned and swapped atomically, so
a reload never blocks lookups and never leaves a stale cached decision.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults and SASE_* variables when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads --config with environment overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError("", err.Error())
	}
	return cfg, nil
}
