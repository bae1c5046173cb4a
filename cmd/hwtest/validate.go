package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/czalinski/hwtest/config"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a rack configuration file",
		Long: `Load the configuration, run every structural check (driver
references, channel alias uniqueness, identity fields, thresholds), and
print a summary of the rack it describes. Exits non-zero on the first
problem found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(path)
			if err != nil {
				fmt.Printf("%s %s\n", color.New(color.FgRed).Sprint("INVALID"), path)
				return err
			}

			fmt.Printf("%s %s\n\n", color.New(color.FgGreen).Sprint("OK"), path)
			fmt.Printf("Rack: %s\n", cfg.Rack.ID)
			if cfg.Rack.Description != "" {
				fmt.Printf("  %s\n", cfg.Rack.Description)
			}

			fmt.Printf("\nInstruments (%d):\n", len(cfg.Rack.Instruments))
			for _, inst := range cfg.Rack.Instruments {
				fmt.Printf("  %s: %s (%s %s)\n", inst.ID, inst.Driver, inst.Manufacturer, inst.Model)
				for _, ch := range inst.Channels {
					if ch.Alias != "" {
						fmt.Printf("    %s -> %s\n", ch.ID, ch.Alias)
					} else {
						fmt.Printf("    %s\n", ch.ID)
					}
				}
			}

			if len(cfg.Monitors) > 0 {
				fmt.Printf("\nMonitors (%d):\n", len(cfg.Monitors))
				for _, mon := range cfg.Monitors {
					fmt.Printf("  %s watches %s\n", mon.ID, mon.Source)
				}
			}

			if len(cfg.Thresholds) > 0 {
				fmt.Printf("\nThreshold states (%d):\n", len(cfg.Thresholds))
				for _, set := range cfg.Thresholds {
					fmt.Printf("  %s: %d channels constrained\n", set.State, len(set.Thresholds))
				}
			}

			if cfg.Recorder.Path != "" {
				fmt.Printf("\nRecorder: %s\n", cfg.Recorder.Path)
			}

			return nil
		},
	}
}
