package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/czalinski/hwtest/config"
	"github.com/czalinski/hwtest/monitor"
	"github.com/czalinski/hwtest/natsclient"
	"github.com/czalinski/hwtest/pkg/retry"
	"github.com/czalinski/hwtest/rack"
	"github.com/czalinski/hwtest/stream"
	"github.com/czalinski/hwtest/types"
)

func statusCmd() *cobra.Command {
	var watch time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Watch a running rack's status traffic",
		Long: `Connect to the bus and print rack status, environmental state
transitions, and monitor results as they arrive. The rack publishes status
on lifecycle changes, so start a watch before driving the rack, or leave it
running alongside a test.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger := setupLogger(cmd)

			timeout, err := cfg.NATS.TimeoutDuration()
			if err != nil {
				return err
			}
			client, err := natsclient.NewClient(cfg.NATS.URL,
				natsclient.WithName(appName+"-status"),
				natsclient.WithTimeout(timeout),
			)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := retry.Do(ctx, retry.Quick(), func() error {
				return client.Connect(ctx)
			}); err != nil {
				return err
			}
			defer func() {
				closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer closeCancel()
				_ = client.Close(closeCtx)
			}()

			rackID := cfg.Rack.ID
			fmt.Printf("Watching rack %s on %s for %s\n\n",
				color.New(color.FgCyan).Sprint(rackID), cfg.NATS.URL, watch)

			subjects := map[string]func([]byte){
				stream.StatusSubject(rackID): printRackStatus,
				stream.StateSubject(rackID): func(payload []byte) {
					var tr types.StateTransition
					if err := json.Unmarshal(payload, &tr); err != nil {
						return
					}
					fmt.Printf("%s state %s -> %s",
						color.New(color.FgYellow).Sprint("STATE"), tr.From, tr.To)
					if tr.Reason != "" {
						fmt.Printf(" (%s)", tr.Reason)
					}
					fmt.Println()
				},
				stream.ResultSubject(rackID): printMonitorResult,
			}
			for subject, handler := range subjects {
				sub, err := client.Subscribe(ctx, subject, handler)
				if err != nil {
					logger.Error("subscription failed", "subject", subject, "error", err)
					return err
				}
				defer func() { _ = sub.Unsubscribe() }()
			}

			select {
			case <-time.After(watch):
			case <-ctx.Done():
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&watch, "watch", 30*time.Second, "How long to watch before exiting")
	return cmd
}

func printRackStatus(payload []byte) {
	var status rack.RackStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return
	}

	health := color.New(color.FgRed).Sprint("NOT READY")
	if status.Ready {
		health = color.New(color.FgGreen).Sprint("READY")
	}
	fmt.Printf("%s rack %s %s\n", color.New(color.FgCyan).Sprint("RACK"), status.RackID, health)
	for _, inst := range status.Instruments {
		marker := instrumentMarker(inst.State)
		fmt.Printf("  %s %s [%s]", marker, inst.ID, inst.State)
		if inst.Identity != nil {
			fmt.Printf(" %s %s", inst.Identity.Manufacturer, inst.Identity.Model)
		}
		if inst.Error != "" {
			fmt.Printf(" %s", color.New(color.FgRed).Sprint(inst.Error))
		}
		fmt.Println()
	}
}

func instrumentMarker(state string) string {
	switch state {
	case "ready":
		return color.New(color.FgGreen).Sprint("✓")
	case "error":
		return color.New(color.FgRed).Sprint("✗")
	default:
		return color.New(color.FgYellow).Sprint("·")
	}
}

func printMonitorResult(payload []byte) {
	var result monitor.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return
	}

	var verdict string
	switch result.Verdict {
	case monitor.VerdictPass:
		verdict = color.New(color.FgGreen).Sprint(result.Verdict)
	case monitor.VerdictFail:
		verdict = color.New(color.FgRed).Sprint(result.Verdict)
	case monitor.VerdictError:
		verdict = color.New(color.FgHiRed).Sprint(result.Verdict)
	default:
		verdict = color.New(color.FgYellow).Sprint(result.Verdict)
	}

	fmt.Printf("%s %s %s in %s", color.New(color.FgMagenta).Sprint("RESULT"),
		result.Monitor, verdict, result.State)
	for _, v := range result.Violations {
		fmt.Printf("\n    %s = %v outside %s", v.Channel, v.Value, v.Threshold)
	}
	if result.Detail != "" {
		fmt.Printf(" (%s)", result.Detail)
	}
	fmt.Println()
}
