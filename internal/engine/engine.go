/*
Package engine wires a [config.Config] into the stores, collaborators and drivers of perfscepter.

Every trigger of the command line opens one engine, runs one bounded operation on it and closes it.
*/
package engine

import (
	"context"
	"io"
	"time"

	"github.com/DominicWuest/perfscepter/internal/backend/docker"
	"github.com/DominicWuest/perfscepter/internal/config"
	"github.com/DominicWuest/perfscepter/internal/gitrepo"
	"github.com/DominicWuest/perfscepter/internal/results"
	"github.com/DominicWuest/perfscepter/internal/store/badgerkv"
	"github.com/DominicWuest/perfscepter/internal/store/rediskv"
	"github.com/DominicWuest/perfscepter/internal/store/sqlstore"
	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/DominicWuest/perfscepter/pkg/job"
	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/DominicWuest/perfscepter/pkg/recovery"
	"github.com/DominicWuest/perfscepter/pkg/scheduler"
	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/DominicWuest/perfscepter/pkg/timing"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Engine holds all components of a running perfscepter instance.
type Engine struct {
	Docs store.Documents
	KV   store.KV

	Jobs      *job.Repository
	Repos     *gitrepo.Resolver
	Env       *quest.Env
	Driver    *job.Driver
	Scheduler *scheduler.Scheduler
	Sweeper   *recovery.Sweeper
	Timings   *timing.Store
	Estimator *timing.Estimator

	resolver change.Resolver
	builder  *docker.Builder
	closers  []io.Closer
	log      logrus.FieldLogger
}

// An Option replaces a component the engine would otherwise create from its configuration.
type Option func(*options)

type options struct {
	builds   quest.BuildService
	tasks    quest.TaskService
	results  quest.ResultService
	resolver change.Resolver
	now      func() time.Time
}

// WithBuilds builds changes with s instead of the local docker engine.
func WithBuilds(s quest.BuildService) Option {
	return func(o *options) { o.builds = s }
}

// WithTasks runs tests with s instead of the local docker engine.
func WithTasks(s quest.TaskService) Option {
	return func(o *options) { o.tasks = s }
}

// WithResults reads task outputs with s.
func WithResults(s quest.ResultService) Option {
	return func(o *options) { o.results = s }
}

// WithResolver resolves commit ranges with r instead of the configured repositories.
func WithResolver(r change.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithClock makes all components read the time from now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New opens the stores and repositories of cfg and creates all components on top of them.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, opts ...Option) (_ *Engine, err error) {
	if log == nil {
		// Mute logger
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = muted
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{log: log}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if err := e.openStores(ctx, cfg); err != nil {
		return nil, err
	}

	e.Repos = gitrepo.New(log.WithField("prefix", "git"))
	for name, rc := range cfg.Repositories {
		if err := e.Repos.Open(ctx, name, rc); err != nil {
			return nil, err
		}
	}
	e.resolver = o.resolver
	if e.resolver == nil {
		e.resolver = e.Repos
	}

	e.Env = &quest.Env{
		Builds:   o.builds,
		Tasks:    o.tasks,
		Results:  o.results,
		Isolates: quest.NewIsolateCache(e.KV, cfg.Isolates),
		Log:      log.WithField("prefix", "quest"),
		Now:      o.now,
	}
	if err := e.openCollaborators(ctx, cfg); err != nil {
		return nil, err
	}

	e.Jobs = job.NewRepository(e.Docs)
	e.Timings = timing.NewStore(e.Docs)
	e.Driver = job.NewDriver(e.Jobs, e.Env, e.resolver, cfg.Driver, log.WithField("prefix", "driver"))
	e.Driver.Timings = e.Timings
	e.Driver.Now = o.now
	e.Scheduler = scheduler.New(e.Docs, e.Jobs, cfg.Scheduler, log.WithField("prefix", "scheduler"))
	e.Scheduler.Now = o.now
	e.Sweeper = recovery.NewSweeper(e.Jobs, e.Driver, e.KV, cfg.Recovery, log.WithField("prefix", "recovery"))
	e.Sweeper.Now = o.now
	e.Estimator = timing.NewEstimator(e.Timings, cfg.Timing, log.WithField("prefix", "timing"))
	return e, nil
}

func (e *Engine) openStores(ctx context.Context, cfg *config.Config) error {
	var mem *store.Memory
	memory := func() *store.Memory {
		if mem == nil {
			mem = store.NewMemory()
		}
		return mem
	}

	switch cfg.Store.Driver {
	case "memory":
		e.Docs = memory()
	default:
		s, err := sqlstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, s)
		e.Docs = s
	}

	switch cfg.Cache.Driver {
	case "memory":
		e.KV = memory().KV()
	case "badger":
		kv, err := badgerkv.Open(*cfg.Cache.Badger, e.log.WithField("prefix", "badger"))
		if err != nil {
			return err
		}
		e.closers = append(e.closers, kv)
		e.KV = kv
	case "redis":
		kv, err := rediskv.Open(ctx, *cfg.Cache.Redis)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, kv)
		e.KV = kv
	default:
		return errors.Newf("unknown cache driver %s", cfg.Cache.Driver)
	}
	return nil
}

func (e *Engine) openCollaborators(ctx context.Context, cfg *config.Config) error {
	if e.Env.Results == nil {
		fetchers := map[string]results.Fetcher{"file": results.Dir{Root: cfg.Docker.ResultsDir}}
		if cfg.Results.GCS {
			gcs, err := results.NewGCS(ctx)
			if err != nil {
				return err
			}
			e.closers = append(e.closers, gcs)
			fetchers["gs"] = gcs
		}
		e.Env.Results = results.New(fetchers, e.log.WithField("prefix", "results"))
	}
	if e.Env.Builds != nil && e.Env.Tasks != nil {
		return nil
	}

	cli, err := docker.NewClient()
	if err != nil {
		return err
	}
	e.closers = append(e.closers, cli)
	if e.Env.Builds == nil {
		if e.builder, err = docker.NewBuilder(cli, e.KV, e.Repos, cfg.Docker, e.log.WithField("prefix", "docker")); err != nil {
			return err
		}
		e.Env.Builds = e.builder
	}
	if e.Env.Tasks == nil {
		runner, err := docker.NewRunner(cli, cfg.Docker, e.log.WithField("prefix", "docker"))
		if err != nil {
			return err
		}
		e.Env.Tasks = runner
	}
	return nil
}

// Close waits for builds started by this engine and closes all stores.
func (e *Engine) Close() error {
	if e.builder != nil {
		e.builder.Wait()
	}
	var errs error
	// Closed in reverse order of opening
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = errors.CombineErrors(errs, e.closers[i].Close())
	}
	e.closers = nil
	return errs
}

// Submit resolves the revisions the changes of j name to full commit hashes and enqueues j.
// Jobs naming commits which do not exist are rejected.
func (e *Engine) Submit(ctx context.Context, j *job.Job) error {
	for _, c := range j.Changes {
		resolved, err := change.Resolve(ctx, e.resolver, c.Change)
		if err != nil {
			return err
		}
		if resolved.Commit.GitHash != c.Change.Commit.GitHash {
			e.log.Debugf("Resolved %s to %s", c.Change.Commit.GitHash, resolved.Commit.GitHash)
		}
		c.Change = resolved
	}
	return e.Scheduler.Enqueue(ctx, j)
}

// A TickReport summarizes one tick.
type TickReport struct {
	Schedule scheduler.Report
	Driven   int
}

// Tick runs one scheduling cycle and then one driving pass over all running jobs.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	var err error
	if report.Schedule, err = e.Scheduler.Cycle(ctx); err != nil {
		return report, err
	}
	if report.Driven, err = e.Driver.DriveAll(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// Recover runs one sweep over frozen jobs.
func (e *Engine) Recover(ctx context.Context) (recovery.Report, error) {
	return e.Sweeper.Sweep(ctx)
}

// Fetch updates all configured repositories.
func (e *Engine) Fetch(ctx context.Context) error {
	return e.Repos.Fetch(ctx)
}

// Estimate estimates how long the job with the given id takes from start to end.
func (e *Engine) Estimate(ctx context.Context, id string) (*timing.Estimate, error) {
	j, err := e.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Estimator.Estimate(ctx, j.Tags())
}
