/*
Package recovery finds running jobs which stopped making progress and restarts or fails them.

A job is frozen when it has been running without progress for at least the frozen threshold.
Every frozen job is restarted a bounded number of times, counted in an expiring key-value entry.
Once the retries are used up the job is failed with [job.FrozenMessage]. The sweep never
promotes jobs, so queues stay untouched.
*/
package recovery

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/DominicWuest/perfscepter/internal/metrics"
	"github.com/DominicWuest/perfscepter/pkg/job"
	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Driver restarts and fails jobs. It is satisfied by [job.Driver].
type Driver interface {
	Restart(ctx context.Context, id string) error
	Fail(ctx context.Context, id, message string) error
}

// Options configure a [Sweeper].
type Options struct {
	FrozenThreshold time.Duration `yaml:"frozenThreshold" default:"6h"`
	MaxRetries      int           `yaml:"maxRetries" default:"3" validate:"min=0"`
	RetryTTL        time.Duration `yaml:"retryTTL" default:"168h"` // Lifetime of a job's retry counter
	PageSize        int           `yaml:"pageSize" default:"100" validate:"min=1"`
}

// A Report summarizes one sweep.
type Report struct {
	Frozen    int // Frozen jobs found
	Restarted int
	Failed    int
	Errors    int // Frozen jobs which could not be handled
}

// A Sweeper handles frozen jobs.
type Sweeper struct {
	Jobs     *job.Repository
	Driver   Driver
	Counters store.KV

	Options Options

	Log logrus.FieldLogger
	Now func() time.Time
}

// NewSweeper returns a sweeper over jobs, keeping retry counters in counters.
func NewSweeper(jobs *job.Repository, driver Driver, counters store.KV, opts Options, log logrus.FieldLogger) *Sweeper {
	if log == nil {
		// Mute logger
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = muted
	}
	return &Sweeper{
		Jobs:     jobs,
		Driver:   driver,
		Counters: counters,
		Options:  opts,
		Log:      log,
	}
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RetryKey is the key of the retry counter of the job with the given id.
func RetryKey(id string) string {
	return "frozen-retries:" + id
}

// Frozen reports whether j is frozen at now.
func (s *Sweeper) Frozen(j *job.Job, now time.Time) bool {
	return j.Status == job.Running && now.Sub(j.Updated) >= s.Options.FrozenThreshold
}

// Sweep restarts or fails every frozen job. Failures of single jobs are logged and counted,
// they do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	now := s.now()

	// Collect first so restarted jobs are not visited twice
	var frozen []*job.Job
	cursor := ""
	for {
		jobs, next, err := s.Jobs.List(ctx, job.Running, cursor, s.Options.PageSize)
		if err != nil {
			return report, err
		}
		for _, j := range jobs {
			if s.Frozen(j, now) {
				frozen = append(frozen, j)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	for _, j := range frozen {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Frozen++

		log := s.Log.WithField("job-id", j.ID)
		restarted, err := s.recover(ctx, j, now, log)
		switch {
		case err != nil:
			report.Errors++
			log.Errorf("Failed to recover frozen job - %v", err)
		case restarted:
			report.Restarted++
		default:
			report.Failed++
		}
	}

	if report.Frozen > 0 {
		s.Log.Infof("Recovery sweep found %d frozen jobs: %d restarted, %d failed", report.Frozen, report.Restarted, report.Failed)
	}
	return report, nil
}

// recover restarts j if it has retries left and fails it otherwise.
func (s *Sweeper) recover(ctx context.Context, j *job.Job, now time.Time, log logrus.FieldLogger) (bool, error) {
	retries, err := s.Retries(ctx, j.ID)
	if err != nil {
		return false, err
	}
	frozenFor := now.Sub(j.Updated).Round(time.Minute)

	if retries >= s.Options.MaxRetries {
		log.Warnf("Failing job frozen for %s after %d restarts", frozenFor, retries)
		if err := s.Driver.Fail(ctx, j.ID, job.FrozenMessage); err != nil {
			return false, err
		}
		metrics.FrozenJobs.WithLabelValues("failed").Inc()
		if err := s.Counters.Delete(ctx, RetryKey(j.ID)); err != nil {
			log.Warnf("Failed to delete retry counter - %v", err)
		}
		return false, nil
	}

	n, err := s.Counters.Incr(ctx, RetryKey(j.ID), s.Options.RetryTTL)
	if err != nil {
		return false, errors.Wrapf(err, "failed to count retry of job %s", j.ID)
	}
	log.Warnf("Restarting job frozen for %s (retry %d/%d)", frozenFor, n, s.Options.MaxRetries)
	if err := s.Driver.Restart(ctx, j.ID); err != nil {
		return false, err
	}
	metrics.FrozenJobs.WithLabelValues("restarted").Inc()
	return true, nil
}

// Retries returns the number of times the job with the given id was restarted while frozen.
func (s *Sweeper) Retries(ctx context.Context, id string) (int, error) {
	value, err := s.Counters.Get(ctx, RetryKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, errors.Wrapf(err, "failed to read retries of job %s", id)
	}
	n, err := strconv.Atoi(string(value))
	if err != nil {
		return 0, errors.Wrapf(err, "retry counter of job %s is not a number", id)
	}
	return n, nil
}
