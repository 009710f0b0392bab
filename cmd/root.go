package cmd

import (
	"context"
	"io"
	"os"

	"github.com/DominicWuest/perfscepter/internal/config"
	"github.com/DominicWuest/perfscepter/internal/engine"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var (
	verbosity  int
	quiet      bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "perfscepter",
	Short: "Bisect performance and functional regressions over ranges of commits",
	Long: `perfscepter finds the commits which introduced a performance or functional regression.

Jobs are submitted into per-configuration queues. Every trigger (schedule, drive, recover, tick)
performs one bounded pass over the persisted state and exits, so they can be run by any scheduler.
serve runs the triggers on cron schedules and serves an API for inspecting jobs.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase the log verbosity, may be repeated.")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Disable all logging.")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "perfscepter.yml", "The configuration file.")
}

// newLogger returns a logger at the level selected by the verbosity flags.
func newLogger(out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)

	// Set logging format
	formatter := &prefixed.TextFormatter{
		FullTimestamp: true,
	}
	log.SetFormatter(formatter)

	// Set logger verbosity
	if quiet {
		log.SetOutput(io.Discard)
	} else if verbosity == 0 {
		log.SetLevel(logrus.WarnLevel)
	} else if verbosity == 1 {
		log.SetLevel(logrus.InfoLevel)
	} else if verbosity == 2 {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.TraceLevel)
	}
	return log
}

// openEngine loads the configuration and opens an engine on it.
func openEngine(cmd *cobra.Command) (*engine.Engine, *config.Config, *logrus.Logger, error) {
	log := newLogger(cmd.ErrOrStderr())
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	e, err := engine.New(cmd.Context(), cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return e, cfg, log, nil
}

// withEngine runs fn on a freshly opened engine and closes it afterwards.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine, log *logrus.Logger) error) error {
	e, _, log, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Errorf("Failed to close stores - %v", err)
		}
	}()
	return fn(cmd.Context(), e, log)
}
