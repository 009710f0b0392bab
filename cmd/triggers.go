package cmd

import (
	"context"
	"fmt"

	"github.com/DominicWuest/perfscepter/internal/engine"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run one scheduling cycle, starting the next queued job of every idle configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine, log *logrus.Logger) error {
			report, err := e.Scheduler.Cycle(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Visited %d queues: %d promoted, %d popped, %d evicted, %d errors\n",
				report.Queues, report.Promoted, report.Popped, report.Evicted, report.Errors)
			return nil
		})
	},
}

var driveCmd = &cobra.Command{
	Use:   "drive [job-id]",
	Short: "Run one driving pass over a job, or over all running jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine, log *logrus.Logger) error {
			if len(args) == 1 {
				return e.Driver.Drive(ctx, args[0])
			}
			driven, err := e.Driver.DriveAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Drove %d jobs\n", driven)
			return nil
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restart or fail running jobs which made no progress for too long",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine, log *logrus.Logger) error {
			report, err := e.Recover(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Found %d frozen jobs: %d restarted, %d failed, %d errors\n",
				report.Frozen, report.Restarted, report.Failed, report.Errors)
			return nil
		})
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduling cycle followed by one driving pass over all running jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine, log *logrus.Logger) error {
			report, err := e.Tick(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Promoted %d jobs, drove %d jobs\n", report.Schedule.Promoted, report.Driven)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd, driveCmd, recoverCmd, tickCmd)
}
