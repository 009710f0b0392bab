/*
Package scheduler keeps one FIFO queue of jobs per configuration and starts them one at a time.

Every [Scheduler.Cycle] peeks at the head of each queue. Finished jobs are popped, a queued head
is started and a running head blocks its queue until it finishes. At most one job per
configuration is ever running, and jobs of a configuration run in the order they were enqueued.
*/
package scheduler

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/DominicWuest/perfscepter/internal/metrics"
	"github.com/DominicWuest/perfscepter/pkg/job"
	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

const (
	// Kind is the document kind queues are stored under, keyed by their configuration.
	Kind = "queue"

	// CursorKind is the document kind of the persisted cycle cursor.
	CursorKind = "queue-cursor"

	cursorID = "cycle"
)

// EntryStatus is the last status of a queued job known to its queue.
type EntryStatus string

const (
	Queued  EntryStatus = "queued"
	Running EntryStatus = "running"
)

// An Entry is one job waiting or running in a queue.
type Entry struct {
	JobID    string      `json:"jobId"`
	Status   EntryStatus `json:"status"`
	Enqueued time.Time   `json:"enqueued"`
}

// A Sample is the time a job spent queued before it was started.
type Sample struct {
	Started time.Time     `json:"started"`
	Wait    time.Duration `json:"wait"`
}

// A Queue holds the jobs of one configuration in enqueue order.
type Queue struct {
	Configuration string   `json:"configuration"`
	Entries       []Entry  `json:"entries"`
	Samples       []Sample `json:"samples"` // Most recent last
}

type cursor struct {
	Next string `json:"next"`
}

// Options configure a [Scheduler].
type Options struct {
	MaxQueuesPerCycle int           `yaml:"maxQueuesPerCycle" validate:"min=0"` // Queues visited per cycle, or all if 0
	PageSize          int           `yaml:"pageSize" default:"100" validate:"min=1"`
	MaxSamples        int           `yaml:"maxSamples" default:"50" validate:"min=1"`
	SampleWindow      time.Duration `yaml:"sampleWindow" default:"168h"` // Samples older than this are dropped
}

// A Report summarizes one scheduling cycle.
type Report struct {
	Queues   int // Queues visited
	Popped   int // Finished jobs removed
	Evicted  int // Entries removed because their job could not be loaded
	Promoted int // Jobs started
	Errors   int // Queues skipped because of an error
}

// Stats describe the current state of one queue.
type Stats struct {
	Configuration string        `json:"configuration"`
	Queued        int           `json:"queued"`
	Running       int           `json:"running"`
	MedianWait    time.Duration `json:"medianWait"`
	Samples       int           `json:"samples"`
}

// A Scheduler starts queued jobs.
// Queues are updated by reading, modifying and writing them back. Updates through one
// scheduler are serialized, so only one process may enqueue and cycle at a time.
type Scheduler struct {
	docs store.Documents
	jobs *job.Repository
	mu   sync.Mutex // Guards the queue documents

	Options Options

	Log logrus.FieldLogger
	Now func() time.Time
}

// New returns a scheduler keeping its queues in docs.
func New(docs store.Documents, jobs *job.Repository, opts Options, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		// Mute logger
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = muted
	}
	return &Scheduler{
		docs:    docs,
		jobs:    jobs,
		Options: opts,
		Log:     log,
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Enqueue saves the queued job j and appends it to the queue of its configuration.
func (s *Scheduler) Enqueue(ctx context.Context, j *job.Job) error {
	if j.Status != job.Queued {
		return errors.Newf("cannot enqueue job %s in state %s", j.ID, j.Status)
	}
	if j.Configuration == "" {
		return errors.Newf("job %s has no configuration", j.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.load(ctx, j.Configuration)
	if err != nil {
		return err
	}
	for _, e := range q.Entries {
		if e.JobID == j.ID {
			return nil
		}
	}

	if err := s.jobs.Save(ctx, j); err != nil {
		return err
	}
	q.Entries = append(q.Entries, Entry{JobID: j.ID, Status: Queued, Enqueued: s.now()})
	if err := s.save(ctx, q); err != nil {
		return err
	}

	s.Log.WithField("configuration", j.Configuration).Infof("Enqueued job %s at position %d", j.ID, len(q.Entries))
	return nil
}

// Cycle performs one scheduling pass over the queues. Errors of single queues are logged
// and counted, they do not stop the cycle.
func (s *Scheduler) Cycle(ctx context.Context) (Report, error) {
	var report Report

	start := ""
	if s.Options.MaxQueuesPerCycle > 0 {
		var c cursor
		err := store.GetJSON(ctx, s.docs, CursorKind, cursorID, &c)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.Log.Warnf("Failed to read scheduling cursor, starting from the first queue - %v", err)
		}
		start = c.Next
	}

	opts := store.ListOptions{Cursor: start, Limit: s.Options.PageSize}
	if s.Options.MaxQueuesPerCycle > 0 && s.Options.MaxQueuesPerCycle < opts.Limit {
		opts.Limit = s.Options.MaxQueuesPerCycle
	}

	next := ""
	for {
		page, err := s.docs.List(ctx, Kind, opts)
		if err != nil {
			return report, errors.Wrap(err, "failed to list queues")
		}

		for _, doc := range page.Documents {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Queues++
			if err := s.cycleQueue(ctx, doc.ID, &report); err != nil {
				report.Errors++
				s.Log.WithField("configuration", doc.ID).Errorf("Failed to schedule queue - %v", err)
			}
		}

		if page.Next == "" {
			break
		}
		if s.Options.MaxQueuesPerCycle > 0 && report.Queues >= s.Options.MaxQueuesPerCycle {
			next = page.Next
			break
		}
		opts.Cursor = page.Next
	}

	if s.Options.MaxQueuesPerCycle > 0 {
		if err := store.PutJSON(ctx, s.docs, CursorKind, cursorID, "", cursor{Next: next}); err != nil {
			return report, errors.Wrap(err, "failed to save scheduling cursor")
		}
	}

	s.Log.Debugf("Scheduling cycle visited %d queues: %d promoted, %d popped, %d evicted", report.Queues, report.Promoted, report.Popped, report.Evicted)
	return report, nil
}

// cycleQueue pops finished and unloadable jobs off the head of a queue and starts the first
// queued job, unless a job of the queue is still running.
func (s *Scheduler) cycleQueue(ctx context.Context, configuration string, report *Report) error {
	log := s.Log.WithField("configuration", configuration)
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.load(ctx, configuration)
	if err != nil {
		return err
	}

	changed := false
	defer func() {
		metrics.QueueLength.WithLabelValues(configuration).Set(float64(len(q.Entries)))
	}()

	for len(q.Entries) > 0 {
		head := &q.Entries[0]

		j, err := s.jobs.Get(ctx, head.JobID)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCorrupted) {
			log.Errorf("Evicting job %s from queue - %v", head.JobID, err)
			metrics.Evictions.WithLabelValues(configuration).Inc()
			report.Evicted++
			q.Entries = q.Entries[1:]
			changed = true
			continue
		} else if err != nil {
			return err
		}

		if j.Status.Terminal() {
			log.WithField("job-id", j.ID).Debugf("Popping %s job", j.Status)
			report.Popped++
			q.Entries = q.Entries[1:]
			changed = true
			continue
		}

		if j.Status == job.Queued {
			now := s.now()
			if err := j.Start(now); err != nil {
				return err
			}
			if err := s.jobs.Save(ctx, j); err != nil {
				return err
			}
			s.addSample(q, Sample{Started: now, Wait: now.Sub(head.Enqueued)})
			metrics.Promotions.WithLabelValues(configuration).Inc()
			report.Promoted++
			log.WithField("job-id", j.ID).Infof("Started job after %s in queue", now.Sub(head.Enqueued).Round(time.Second))
		}
		if head.Status != Running {
			head.Status = Running
			changed = true
		}
		break
	}

	if !changed {
		return nil
	}
	return s.save(ctx, q)
}

// addSample appends sample to the wait samples of q, dropping those outside the window.
func (s *Scheduler) addSample(q *Queue, sample Sample) {
	q.Samples = append(s.recentSamples(q.Samples, sample.Started), sample)
	if limit := s.Options.MaxSamples; limit > 0 && len(q.Samples) > limit {
		q.Samples = q.Samples[len(q.Samples)-limit:]
	}
}

func (s *Scheduler) recentSamples(samples []Sample, now time.Time) []Sample {
	if s.Options.SampleWindow <= 0 {
		return samples
	}
	recent := samples[:0:0]
	for _, sample := range samples {
		if now.Sub(sample.Started) <= s.Options.SampleWindow {
			recent = append(recent, sample)
		}
	}
	return recent
}

// Stats returns the current state of the queue of configuration.
func (s *Scheduler) Stats(ctx context.Context, configuration string) (Stats, error) {
	q, err := s.load(ctx, configuration)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Configuration: configuration}
	for _, e := range q.Entries {
		if e.Status == Running {
			stats.Running++
		} else {
			stats.Queued++
		}
	}

	samples := s.recentSamples(q.Samples, s.now())
	stats.Samples = len(samples)
	if len(samples) > 0 {
		waits := make([]float64, len(samples))
		for i, sample := range samples {
			waits[i] = float64(sample.Wait)
		}
		slices.Sort(waits)
		stats.MedianWait = time.Duration(stat.Quantile(0.5, stat.Empirical, waits, nil))
	}
	return stats, nil
}

// Queue returns the queue of configuration. Unknown configurations have an empty queue.
func (s *Scheduler) Queue(ctx context.Context, configuration string) (*Queue, error) {
	return s.load(ctx, configuration)
}

func (s *Scheduler) load(ctx context.Context, configuration string) (*Queue, error) {
	q := Queue{Configuration: configuration}
	err := store.GetJSON(ctx, s.docs, Kind, configuration, &q)
	if errors.Is(err, store.ErrNotFound) {
		return &q, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to load queue of %s", configuration)
	}
	return &q, nil
}

func (s *Scheduler) save(ctx context.Context, q *Queue) error {
	if err := store.PutJSON(ctx, s.docs, Kind, q.Configuration, "", q); err != nil {
		return errors.Wrapf(err, "failed to save queue of %s", q.Configuration)
	}
	return nil
}
