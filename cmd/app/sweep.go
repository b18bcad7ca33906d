package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/untibullet/pr-router/internal/models"
)

func sweepCmd(configPath *string) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep and print its summary",
		Long: `Run a single escalation pass over open review assignments.
Intended for cron-style scheduling when the in-process scheduler is disabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var now time.Time
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at value %q: %w", at, err)
				}
				now = parsed.UTC()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.trigger.Run(ctx, now)
			if err != nil {
				return fmt.Errorf("escalation sweep failed: %w", err)
			}

			printStats(stats)
			if len(stats.Errors) > 0 {
				return fmt.Errorf("sweep finished with %d errors", len(stats.Errors))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "evaluate thresholds at this RFC3339 time instead of now")
	return cmd
}

func printStats(stats models.SweepStats) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Printf("Reminded:  %s\n", green(stats.RemindedCount))
	fmt.Printf("Escalated: %s\n", green(stats.EscalatedCount))
	if len(stats.Errors) == 0 {
		fmt.Printf("Errors:    %s\n", green(0))
		return
	}

	fmt.Printf("Errors:    %s\n", red(len(stats.Errors)))
	for _, e := range stats.Errors {
		fmt.Printf("  %s [%s] %s\n", e.AssignmentID, e.Stage, red(e.Message))
	}
}
