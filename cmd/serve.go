package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/DominicWuest/perfscepter/internal/server"
	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the triggers on their cron schedules and serve the API",
	Long: `Run the tick, recover and fetch triggers on the schedules configured under cron,
and serve the API for inspecting jobs and queues until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, cfg, log, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if err := e.Close(); err != nil {
				log.Errorf("Failed to close stores - %v", err)
			}
		}()

		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))))
		triggers := []struct {
			name     string
			schedule string
			run      func(context.Context) error
		}{
			{"tick", cfg.Cron.Tick, func(ctx context.Context) error {
				report, err := e.Tick(ctx)
				log.Debugf("Tick promoted %d jobs and drove %d jobs", report.Schedule.Promoted, report.Driven)
				return err
			}},
			{"recover", cfg.Cron.Recover, func(ctx context.Context) error {
				report, err := e.Recover(ctx)
				if report.Frozen > 0 {
					log.Infof("Recovered %d frozen jobs: %d restarted, %d failed", report.Frozen, report.Restarted, report.Failed)
				}
				return err
			}},
			{"fetch", cfg.Cron.Fetch, e.Fetch},
		}
		for _, trigger := range triggers {
			if trigger.schedule == "" {
				log.Infof("Trigger %s is disabled", trigger.name)
				continue
			}
			if _, err := c.AddFunc(trigger.schedule, func() {
				if err := trigger.run(ctx); err != nil {
					log.Errorf("Trigger %s failed - %v", trigger.name, err)
				}
			}); err != nil {
				return errors.Wrapf(err, "invalid schedule %q of trigger %s", trigger.schedule, trigger.name)
			}
		}
		c.Start()
		defer func() {
			<-c.Stop().Done()
		}()

		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		srv := server.New(e, server.Options{Admins: cfg.Server.Admins}, log)
		return srv.Run(ctx, addr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "The address to serve on, overriding server.addr.")
}
