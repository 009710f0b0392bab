package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/DominicWuest/perfscepter/internal/engine"
	"github.com/DominicWuest/perfscepter/pkg/job"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit job.yml",
	Short: "Submit a job read from a yaml file into the queue of its configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobYaml, err := os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "failed to open job yaml")
		}
		defer jobYaml.Close()
		j, err := job.GetJobFromConfig(jobYaml)
		if err != nil {
			return err
		}

		return withEngine(cmd, func(ctx context.Context, e *engine.Engine, log *logrus.Logger) error {
			if err := e.Submit(ctx, j); err != nil {
				return err
			}
			log.WithField("job-id", j.ID).Infof("Submitted job into queue %s", j.Configuration)
			fmt.Fprintln(cmd.OutOrStdout(), j.ID)
			return nil
		})
	},
}

var (
	cancelUser   string
	cancelReason string
	cancelAdmin  bool
)

var cancelCmd = &cobra.Command{
	Use:   "cancel job-id",
	Short: "Cancel a job",
	Long: `Cancel a job on behalf of a user. Only the owner of a job may cancel it, unless --admin is set.
Queued jobs are cancelled right away, running jobs by their next driving pass.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by := cancelUser
		if by == "" {
			u, err := user.Current()
			if err != nil {
				return errors.WithHint(errors.Wrap(err, "failed to look up current user"), "Pass the user with --user.")
			}
			by = u.Username
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine, log *logrus.Logger) error {
			return e.Driver.Cancel(ctx, args[0], by, cancelAdmin, cancelReason)
		})
	},
}

var (
	statusAll   bool
	statusQueue string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a job, the unfinished jobs or the queue of a configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine, log *logrus.Logger) error {
			out := cmd.OutOrStdout()
			switch {
			case statusQueue != "":
				return printQueue(ctx, out, e, statusQueue)
			case len(args) == 1:
				j, err := e.Jobs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printJob(out, j)
				return nil
			}

			statuses := []job.Status{job.Queued, job.Running}
			if statusAll {
				statuses = append(statuses, job.Completed, job.Failed, job.Cancelled)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCONFIGURATION\tOWNER\tUPDATED")
			for _, status := range statuses {
				cursor := ""
				for {
					jobs, next, err := e.Jobs.List(ctx, status, cursor, 100)
					if err != nil {
						return err
					}
					for _, j := range jobs {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Status, j.Configuration, j.Owner, j.Updated.Format(time.DateTime))
					}
					if next == "" {
						break
					}
					cursor = next
				}
			}
			return w.Flush()
		})
	},
}

func printJob(out io.Writer, j *job.Job) {
	fmt.Fprintf(out, "Job %s: %s\n", j.ID, j.Status)
	fmt.Fprintf(out, "Owner: %s, configuration: %s, mode: %s\n", j.Owner, j.Configuration, j.Mode)
	for _, c := range j.Changes {
		fmt.Fprintf(out, "  %s: %d attempts\n", c.Change, len(c.Attempts))
	}
	for _, c := range j.Culprits {
		fmt.Fprintf(out, "Culprit: %s", c.Change)
		if c.Info != nil {
			fmt.Fprintf(out, " %q by %s", c.Info.Subject, c.Info.Author)
		}
		if c.MergedParent != "" {
			fmt.Fprintf(out, " (merges %s)", c.MergedParent)
		}
		fmt.Fprintln(out)
	}
	if j.Inconclusive {
		fmt.Fprintln(out, "Inconclusive: the attempt budget ran out")
	}
	if j.Failure != nil {
		fmt.Fprintf(out, "Failure: %s\n", j.Failure.Error())
	}
	if j.Cancellation != nil {
		fmt.Fprintf(out, "Cancelled by %s: %s\n", j.Cancellation.By, j.Cancellation.Reason)
	}
}

func printQueue(ctx context.Context, out io.Writer, e *engine.Engine, configuration string) error {
	stats, err := e.Scheduler.Stats(ctx, configuration)
	if err != nil {
		return err
	}
	q, err := e.Scheduler.Queue(ctx, configuration)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Queue %s: %d queued, %d running, median wait %s over %d samples\n",
		configuration, stats.Queued, stats.Running, stats.MedianWait, stats.Samples)
	for _, entry := range q.Entries {
		fmt.Fprintf(out, "  %s\t%s\t%s\n", entry.JobID, entry.Status, entry.Enqueued.Format(time.DateTime))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(submitCmd, cancelCmd, statusCmd)

	cancelCmd.Flags().StringVarP(&cancelUser, "user", "u", "", "The user cancelling the job, the current user if empty.")
	cancelCmd.Flags().StringVarP(&cancelReason, "reason", "r", "", "Why the job is cancelled.")
	cancelCmd.Flags().BoolVar(&cancelAdmin, "admin", false, "Cancel the job as an administrator.")

	statusCmd.Flags().BoolVarP(&statusAll, "all", "a", false, "Also list finished jobs.")
	statusCmd.Flags().StringVar(&statusQueue, "queue", "", "Show the queue of this configuration instead.")
}
