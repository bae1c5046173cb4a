// Package main implements the hwtest command line: validate a rack
// configuration, watch a running rack's status traffic, and serve a
// complete test stand (rack, monitors, metrics endpoint).
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "hwtest"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "HALT/HASS test stand control",
		Version: Version,
		Long: `hwtest drives a hardware stress-test stand: it brings up the
instrument rack from a YAML configuration, streams telemetry over NATS,
evaluates state-dependent thresholds, and records failures.`,
	}

	rootCmd.PersistentFlags().String("config", "rack.yaml", "Path to the rack configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
