package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "servicemon",
	Short: "Instrumented HTTP service with a Prometheus metrics endpoint",
	Long: `servicemon serves synthetic business endpoints (/products, /orders) and
health probes (/healthz, /readyz). Every request is counted and timed, and the
telemetry is exposed on /metrics in the Prometheus text format.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (YAML)")
}
