/*
Package timing estimates how long jobs take from the durations of finished jobs.

Estimates are advisory. They are shown to users waiting for a job and never influence
scheduling.
*/
package timing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// Kind is the document kind timing records are stored under.
const Kind = "timing"

// A Record is the duration of one finished job along with the tags describing it.
// Tags are ordered from the least to the most specific, e.g. comparison mode, configuration,
// benchmark and story.
type Record struct {
	JobID     string    `json:"jobId"`
	Started   time.Time `json:"started"`
	Completed time.Time `json:"completed"`
	Tags      []string  `json:"tags"`
}

// Duration returns how long the job ran.
func (r Record) Duration() time.Duration {
	return r.Completed.Sub(r.Started)
}

// Store persists timing records.
// Every record is written once per prefix of its tags, so lookups by any prefix are a single
// indexed listing. Listings return the most recently completed records first.
type Store struct {
	docs store.Documents
}

// NewStore returns a store writing records to docs.
func NewStore(docs store.Documents) *Store {
	return &Store{docs: docs}
}

// Record stores r.
func (s *Store) Record(ctx context.Context, r Record) error {
	if r.Completed.Before(r.Started) {
		return errors.Newf("job %s completed before it started", r.JobID)
	}
	for n := 0; n <= len(r.Tags); n++ {
		id := fmt.Sprintf("%d/%016x/%s", n, recency(r.Completed), r.JobID)
		if err := store.PutJSON(ctx, s.docs, Kind, id, indexOf(r.Tags[:n]), r); err != nil {
			return errors.Wrapf(err, "failed to record timing of job %s", r.JobID)
		}
	}
	return nil
}

// recency orders ids from the latest to the earliest completion.
func recency(completed time.Time) uint64 {
	return uint64(math.MaxInt64 - max(0, completed.UnixNano()))
}

// matching returns the records whose first tags equal tags, the most recently completed first.
// At most limit records are read unless limit is 0.
func (s *Store) matching(ctx context.Context, tags []string, pageSize, limit int) ([]Record, error) {
	if limit > 0 && (pageSize <= 0 || limit < pageSize) {
		pageSize = limit
	}
	var records []Record
	err := store.Each(ctx, s.docs, Kind, store.ListOptions{Index: indexOf(tags), Limit: pageSize}, func(doc store.Document) error {
		var r Record
		if err := json.Unmarshal(doc.Data, &r); err != nil {
			return errors.Wrapf(err, "failed to decode timing record %s", doc.ID)
		}
		records = append(records, r)
		if limit > 0 && len(records) >= limit {
			return store.ErrStop
		}
		return nil
	})
	return records, err
}

// indexOf returns the index value of a tag prefix. The number of tags is part of it, so the
// empty prefix is distinguishable from documents without an index.
func indexOf(tags []string) string {
	return fmt.Sprintf("%d:%s", len(tags), strings.Join(tags, "\x1f"))
}

// An Estimate summarizes the durations of similar jobs.
type Estimate struct {
	Median time.Duration `json:"median"`
	StdDev time.Duration `json:"stdDev"`
	P90    time.Duration `json:"p90"`

	Samples int      `json:"samples"`
	Tags    []string `json:"tags"` // The tags the samples matched
}

// EstimatorOptions configure an [Estimator].
type EstimatorOptions struct {
	MaxSamples int `yaml:"maxSamples" default:"100"` // Only the most recently completed records are used
	PageSize   int `yaml:"pageSize" default:"200"`
}

// An Estimator derives estimates from the records in a [Store].
type Estimator struct {
	store *Store
	opts  EstimatorOptions
	log   logrus.FieldLogger
}

// NewEstimator returns an estimator reading records from s.
func NewEstimator(s *Store, opts EstimatorOptions, log logrus.FieldLogger) *Estimator {
	if log == nil {
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = muted
	}
	return &Estimator{store: s, opts: opts, log: log}
}

// Estimate returns an estimate from the records matching tags. Without any match, the most
// specific tag is dropped and the lookup repeated, down to no tags at all. It returns nil if
// no records exist.
func (e *Estimator) Estimate(ctx context.Context, tags []string) (*Estimate, error) {
	for n := len(tags); n >= 0; n-- {
		records, err := e.store.matching(ctx, tags[:n], e.opts.PageSize, e.opts.MaxSamples)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			e.log.Debugf("No timing records for tags %v", tags[:n])
			continue
		}
		return summarize(records, tags[:n], e.opts.MaxSamples), nil
	}
	return nil, nil
}

func summarize(records []Record, tags []string, maxSamples int) *Estimate {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Completed.After(records[j].Completed)
	})
	if maxSamples > 0 && len(records) > maxSamples {
		records = records[:maxSamples]
	}

	durations := make([]float64, len(records))
	for i, r := range records {
		durations[i] = float64(r.Duration())
	}
	sort.Float64s(durations)

	var stdDev float64
	if len(durations) > 1 {
		stdDev = stat.StdDev(durations, nil)
	}
	return &Estimate{
		Median:  time.Duration(stat.Quantile(0.5, stat.Empirical, durations, nil)),
		StdDev:  time.Duration(stdDev),
		P90:     time.Duration(stat.Quantile(0.9, stat.Empirical, durations, nil)),
		Samples: len(durations),
		Tags:    append([]string{}, tags...),
	}
}
