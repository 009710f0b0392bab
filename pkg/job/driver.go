package job

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/DominicWuest/perfscepter/internal/metrics"
	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/DominicWuest/perfscepter/pkg/compare"
	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/DominicWuest/perfscepter/pkg/timing"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Options configure a [Driver].
type Options struct {
	InitialAttempts  int `yaml:"initialAttempts" default:"10" validate:"min=1"`  // Attempts started on every new change
	AttemptIncrement int `yaml:"attemptIncrement" default:"1" validate:"min=1"`  // Attempts added to both sides of an undecided pair
	AttemptBudget    int `yaml:"attemptBudget" default:"400" validate:"min=1"`   // Maximum number of attempts over all changes of a job

	Parallelism int     `yaml:"parallelism" default:"16" validate:"min=1"` // Attempts polled concurrently
	PollRate    float64 `yaml:"pollRate" default:"50"`                     // Attempt polls per second, or unlimited if 0

	MaxRecoverableRetries int           `yaml:"maxRecoverableRetries" default:"3"`
	RetryBackoff          time.Duration `yaml:"retryBackoff" default:"1m"` // Doubled on every consecutive retry

	PageSize int `yaml:"pageSize" default:"100"`

	Policy compare.Policy `yaml:"policy"`
}

// FrozenMessage is the failure cause of jobs failed by [Driver.Fail] without a message.
const FrozenMessage = "the job stopped making progress and could not be recovered"

// A Driver advances running jobs. Every call performs one bounded pass and returns.
type Driver struct {
	Jobs     *Repository
	Env      *quest.Env
	Resolver change.Resolver
	Timings  *timing.Store // Optional, records the durations of completed jobs

	Options Options

	Log logrus.FieldLogger
	Now func() time.Time

	limiter *rate.Limiter
}

// NewDriver returns a driver of the jobs in jobs.
func NewDriver(jobs *Repository, env *quest.Env, resolver change.Resolver, opts Options, log logrus.FieldLogger) *Driver {
	if log == nil {
		// Mute logger
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = muted
	}
	limit := rate.Inf
	if opts.PollRate > 0 {
		limit = rate.Limit(opts.PollRate)
	}
	return &Driver{
		Jobs:     jobs,
		Env:      env,
		Resolver: resolver,
		Options:  opts,
		Log:      log,
		limiter:  rate.NewLimiter(limit, max(1, opts.Parallelism)),
	}
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Drive performs one driving pass over the job with the given id.
// Driving a finished job does nothing. Driving a queued job only applies a pending cancellation.
func (d *Driver) Drive(ctx context.Context, id string) error {
	j, err := d.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	return d.drive(ctx, j, false)
}

// DriveAll performs one driving pass over every running job. Failures of single jobs are
// logged and do not stop the others. It returns the number of jobs driven without error.
func (d *Driver) DriveAll(ctx context.Context) (int, error) {
	driven := 0
	err := d.Jobs.EachID(ctx, Running, d.Options.PageSize, func(id string) error {
		if err := d.Drive(ctx, id); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.Log.WithField("job-id", id).Errorf("Failed to drive job - %v", err)
			return nil
		}
		driven++
		return nil
	})
	return driven, err
}

// Restart drops the remote handles of all pending executions of a running job and drives it
// immediately, ignoring any retry backoff. The next polls start the remote work anew.
func (d *Driver) Restart(ctx context.Context, id string) error {
	j, err := d.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != Running {
		return errors.Newf("cannot restart job %s in state %s", id, j.Status)
	}

	for _, c := range j.Changes {
		for _, a := range c.Attempts {
			a.Reset()
		}
	}
	j.RetryCount = 0
	j.NextRunAfter = time.Time{}
	j.Updated = d.now()
	if err := d.Jobs.Save(ctx, j); err != nil {
		return err
	}

	d.Log.WithField("job-id", id).Info("Restarting job")
	return d.drive(ctx, j, true)
}

// Fail moves an unfinished job to Failed with the given message as cause.
// Failing a finished job does nothing.
func (d *Driver) Fail(ctx context.Context, id, message string) error {
	j, err := d.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	if message == "" {
		message = FrozenMessage
	}
	j.fail(Failure{Cause: message}, d.now())
	d.Log.WithField("job-id", id).Warnf("Failed job - %s", message)
	return d.Jobs.Save(ctx, j)
}

// Cancel cancels the job with the given id on behalf of user. Only the owner of a job or an
// administrator may cancel it. Queued jobs are cancelled right away, running jobs by their
// next driving pass.
func (d *Driver) Cancel(ctx context.Context, id, user string, admin bool, reason string) error {
	j, err := d.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !admin && user != j.Owner {
		return errors.Wrapf(ErrForbidden, "%s may not cancel job %s of %s", user, id, j.Owner)
	}
	switch j.Status {
	case Cancelled:
		return nil
	case Completed, Failed:
		return errors.Wrapf(ErrTerminal, "job %s is %s", id, j.Status)
	}

	now := d.now()
	if err := d.Jobs.RequestCancel(ctx, id, CancelRequest{By: user, Reason: reason, Requested: now}); err != nil {
		return err
	}
	if j.Status == Queued {
		if err := j.Cancel(user, reason, now); err != nil {
			return err
		}
		return d.Jobs.Save(ctx, j)
	}
	d.Log.WithField("job-id", id).Infof("Requested cancellation by %s", user)
	return nil
}

func (d *Driver) drive(ctx context.Context, j *Job, force bool) error {
	if j.Status.Terminal() {
		return nil
	}
	log := d.Log.WithField("job-id", j.ID)
	now := d.now()

	req, err := d.Jobs.CancelRequest(ctx, j.ID)
	if err != nil {
		return err
	}
	if req != nil {
		if err := j.Cancel(req.By, req.Reason, now); err != nil {
			return err
		}
		log.Infof("Cancelled job on request of %s - %s", req.By, req.Reason)
		return d.Jobs.Save(ctx, j)
	}

	if j.Status != Running {
		return nil
	}
	if !force && now.Before(j.NextRunAfter) {
		log.Debugf("Skipping job until %s", j.NextRunAfter.Format(time.RFC3339))
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.DrivePasses.Observe(time.Since(start).Seconds())
	}()

	progress, err := d.pass(ctx, j, log)
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil && quest.IsTransient(err):
		j.RetryCount++
		if j.RetryCount > d.Options.MaxRecoverableRetries {
			log.Errorf("Giving up on job after %d transient failures - %v", j.RetryCount, err)
			j.fail(Failure{Retryable: true, Retried: j.RetryCount - 1, Cause: "retry limit exceeded: " + err.Error()}, d.now())
		} else {
			backoff := d.Options.RetryBackoff << (j.RetryCount - 1)
			j.NextRunAfter = d.now().Add(backoff)
			log.Warnf("Retrying job in %s after transient failure - %v", backoff, err)
		}
	case err != nil:
		log.Errorf("Job failed - %v", err)
		j.fail(Failure{Cause: err.Error()}, d.now())
	case progress:
		j.RetryCount = 0
		j.NextRunAfter = time.Time{}
		if !j.Status.Terminal() {
			j.Updated = d.now()
		}
	default:
		return nil
	}

	if err := d.Jobs.Save(ctx, j); err != nil {
		return err
	}
	if j.Status == Completed {
		d.recordTiming(ctx, j, log)
	}
	return nil
}

// pass advances the attempts of j and explores or finishes it once they are all done.
// Errors marked with [quest.ErrTransient] are retried by later passes, all others fail the job.
func (d *Driver) pass(ctx context.Context, j *Job, log logrus.FieldLogger) (bool, error) {
	quests, err := d.Env.DecodeAll(j.Quests)
	if err != nil {
		return false, err
	}
	if len(quests) == 0 {
		return false, errors.New("job has no quests")
	}

	progress := d.addInitialAttempts(j)
	polled, err := d.poll(ctx, j, quests)
	if err != nil {
		return progress, err
	}
	progress = progress || polled
	if !j.done(len(quests)) {
		return progress, nil
	}

	if f := j.allFailed(); f != nil {
		log.Errorf("Job failed - %s", f)
		j.fail(*f, d.now())
		return true, nil
	}

	work, exhausted, err := d.explore(ctx, j, quests, log)
	if err != nil {
		return progress, err
	}
	if work {
		d.addInitialAttempts(j)
		if _, err := d.poll(ctx, j, quests); err != nil {
			return true, err
		}
		return true, nil
	}

	return true, d.finish(ctx, j, quests, exhausted, log)
}

// addInitialAttempts adds the initial attempts to every change without any.
func (d *Driver) addInitialAttempts(j *Job) bool {
	added := false
	for _, c := range j.Changes {
		if len(c.Attempts) == 0 {
			addAttempts(c, max(1, d.Options.InitialAttempts))
			added = true
		}
	}
	return added
}

func addAttempts(c *ChangeState, n int) {
	for range n {
		c.Attempts = append(c.Attempts, &quest.Attempt{})
	}
}

// poll polls all unfinished attempts of j concurrently.
func (d *Driver) poll(ctx context.Context, j *Job, quests []quest.Quest) (bool, error) {
	var progress atomic.Bool
	sem := semaphore.NewWeighted(int64(max(1, d.Options.Parallelism)))
	g, gctx := errgroup.WithContext(ctx)

	type pending struct {
		change  change.Change
		attempt *quest.Attempt
	}
	var attempts []pending
	for _, c := range j.Changes {
		for _, a := range c.Attempts {
			if !a.Done(len(quests)) {
				attempts = append(attempts, pending{c.Change, a})
			}
		}
	}

	for _, p := range attempts {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := d.limiter.Wait(gctx); err != nil {
				return err
			}
			changed, err := p.attempt.Poll(gctx, quests, p.change, d.Env)
			if changed {
				progress.Store(true)
			}
			return err
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return progress.Load(), err
}

func (d *Driver) recordTiming(ctx context.Context, j *Job, log logrus.FieldLogger) {
	if d.Timings == nil {
		return
	}
	if err := d.Timings.Record(ctx, timing.Record{
		JobID:     j.ID,
		Started:   j.Started,
		Completed: j.Ended,
		Tags:      j.Tags(),
	}); err != nil {
		log.Warnf("Failed to record timing - %v", err)
	}
}
