/*
Package job implements the long running bisection of a performance or functional regression.

A [Job] owns an ordered list of changes, from the last known good change to the first known
bad one, and the attempts made on each of them. It is advanced by a [Driver], which performs
one bounded pass per invocation: it polls the pending attempts, compares adjacent changes
once their attempts are done and, depending on the verdict, inserts the midpoint of a
differing pair, samples an undecided pair further or finishes the job.

Jobs are created Queued. Only the scheduler moves a job from Queued to Running, and a job
never leaves a terminal state again.
*/
package job

import (
	"fmt"
	"time"

	"github.com/DominicWuest/perfscepter/internal/metrics"
	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/DominicWuest/perfscepter/pkg/compare"
	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrForbidden is returned when a user may not act on a job.
	ErrForbidden = errors.New("forbidden")

	// ErrTerminal is returned when an operation requires a job which has not finished yet.
	ErrTerminal = errors.New("job already finished")
)

// Status is the lifecycle state of a job.
type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// ChangeState holds a change under test together with all attempts made on it.
type ChangeState struct {
	Change   change.Change    `json:"change"`
	Attempts []*quest.Attempt `json:"attempts"`
}

// Values returns one value per completed attempt, the mean of the values the execution of the
// quest at index i produced. Executions without values are skipped.
func (c *ChangeState) Values(i int) []float64 {
	var values []float64
	for _, a := range c.Attempts {
		if e := a.Execution(i); e != nil && e.Status == quest.StatusCompleted && len(e.Values) > 0 {
			values = append(values, stat.Mean(e.Values, nil))
		}
	}
	return values
}

// Failures returns for every attempt which reached the quest at index i whether its
// execution of that quest failed, as 1 for a failure and 0 otherwise.
func (c *ChangeState) Failures(i int) []float64 {
	var failures []float64
	for _, a := range c.Attempts {
		e := a.Execution(i)
		if e == nil || !e.Done() {
			continue
		}
		if e.Status == quest.StatusFailed {
			failures = append(failures, 1)
		} else {
			failures = append(failures, 0)
		}
	}
	return failures
}

// A Failure explains why a job failed.
type Failure struct {
	Change    string     `json:"change,omitempty"` // The change whose attempt failed, if any
	Quest     quest.Kind `json:"quest,omitempty"`  // The quest which failed, if any
	Retryable bool       `json:"retryable"`        // Whether the final cause was transient
	Retried   int        `json:"retried"`          // How often the failure was retried
	Cause     string     `json:"cause"`
}

func (f Failure) Error() string {
	if f.Change == "" {
		return f.Cause
	}
	return f.Change + ": " + string(f.Quest) + ": " + f.Cause
}

// A Culprit is a change whose results differ from those of the change preceding it, with
// no further changes left to test between the two.
type Culprit struct {
	Change   change.Change      `json:"change"`
	Previous change.Change      `json:"previous"`
	Info     *change.CommitInfo `json:"info,omitempty"`

	// MergedParent is set if the culprit is a merge commit and names the merged branch head,
	// which can be bisected by a follow-up job.
	MergedParent string `json:"mergedParent,omitempty"`
}

// A Cancellation records who cancelled a job and why.
type Cancellation struct {
	By     string    `json:"by"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// A Job bisects the changes between a good and a bad change.
type Job struct {
	ID            string       `json:"id"`
	Owner         string       `json:"owner"`
	Configuration string       `json:"configuration"` // The scheduling lane of the job
	Mode          compare.Mode `json:"mode"`

	Benchmark string `json:"benchmark,omitempty"`
	Story     string `json:"story,omitempty"`

	Quests  []quest.Spec   `json:"quests"`
	Changes []*ChangeState `json:"changes"` // Ordered from the oldest to the newest change

	Status  Status    `json:"status"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"` // Last time the job made progress
	Started time.Time `json:"started,omitempty"`
	Ended   time.Time `json:"ended,omitempty"`

	RetryCount   int       `json:"retryCount,omitempty"`   // Consecutive transient failures of driving passes
	NextRunAfter time.Time `json:"nextRunAfter,omitempty"` // Driving passes before this are skipped

	Culprits     []Culprit     `json:"culprits,omitempty"`
	Inconclusive bool          `json:"inconclusive,omitempty"` // Set if the attempt budget ran out before all pairs were decided
	Failure      *Failure      `json:"failure,omitempty"`
	Cancellation *Cancellation `json:"cancellation,omitempty"`
}

// Tags returns the tags describing the job, ordered from the least to the most specific.
func (j *Job) Tags() []string {
	return []string{string(j.Mode), j.Configuration, j.Benchmark, j.Story}
}

// Attempts returns the number of attempts made over all changes.
func (j *Job) Attempts() int {
	n := 0
	for _, c := range j.Changes {
		n += len(c.Attempts)
	}
	return n
}

// Start moves a queued job to Running.
func (j *Job) Start(now time.Time) error {
	if j.Status != Queued {
		return errors.Newf("cannot start job %s in state %s", j.ID, j.Status)
	}
	j.Started = now
	j.transition(Running, now)
	return nil
}

// Cancel moves the job to Cancelled. Cancelling a cancelled job does nothing, cancelling a
// completed or failed one results in [ErrTerminal].
func (j *Job) Cancel(by, reason string, now time.Time) error {
	switch j.Status {
	case Cancelled:
		return nil
	case Completed, Failed:
		return errors.Wrapf(ErrTerminal, "job %s is %s", j.ID, j.Status)
	}
	j.Cancellation = &Cancellation{By: by, Reason: reason, At: now}
	j.Ended = now
	j.transition(Cancelled, now)
	return nil
}

func (j *Job) fail(f Failure, now time.Time) {
	j.Failure = &f
	j.Ended = now
	j.transition(Failed, now)
}

func (j *Job) complete(culprits []Culprit, inconclusive bool, now time.Time) {
	j.Culprits = culprits
	j.Inconclusive = inconclusive
	j.Ended = now
	j.transition(Completed, now)
}

func (j *Job) transition(status Status, now time.Time) {
	j.Status = status
	j.Updated = now
	metrics.JobTransitions.WithLabelValues(string(status)).Inc()
}

// done reports whether all attempts of all changes are done.
func (j *Job) done(quests int) bool {
	for _, c := range j.Changes {
		for _, a := range c.Attempts {
			if !a.Done(quests) {
				return false
			}
		}
	}
	return true
}

// allFailed returns the most common failure if every attempt of the job failed, or nil.
func (j *Job) allFailed() *Failure {
	counts := make(map[string]int)
	example := make(map[string]*Failure)
	total := 0
	for _, c := range j.Changes {
		for _, a := range c.Attempts {
			e := a.Failure()
			if e == nil {
				return nil
			}
			total++
			f := executionFailure(c.Change, e)
			counts[f.Cause]++
			if _, ok := example[f.Cause]; !ok {
				example[f.Cause] = &f
			}
		}
	}
	if total == 0 {
		return nil
	}

	var common *Failure
	for cause, f := range example {
		if common == nil || counts[cause] > counts[common.Cause] || (counts[cause] == counts[common.Cause] && cause < common.Cause) {
			common = f
		}
	}
	common.Cause = fmt.Sprintf("all attempts failed, %d/%d with: %s", counts[common.Cause], total, common.Cause)
	return common
}

func executionFailure(c change.Change, e *quest.Execution) Failure {
	f := Failure{Change: c.String(), Quest: e.Quest, Cause: "unknown error"}
	if e.Error != nil {
		f.Cause = e.Error.Message
		f.Retryable = e.Error.Retryable
		f.Retried = e.Error.Retried
	}
	return f
}
