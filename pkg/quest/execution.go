package quest

import (
	"context"
	"maps"
	"time"

	"github.com/DominicWuest/perfscepter/internal/metrics"
	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/cockroachdb/errors"
)

// Status is the state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// An Execution is one quest applied to one change.
// Once it is completed or failed, it is never modified again.
type Execution struct {
	Quest  Kind          `json:"quest"`
	Change change.Change `json:"change"`
	Status Status        `json:"status"`

	Inputs  Arguments `json:"inputs,omitempty"`
	Results Arguments `json:"results,omitempty"` // The inputs of the next quest's execution
	Values  []float64 `json:"values,omitempty"`  // Measurements produced by the execution

	State   Arguments `json:"state,omitempty"` // Handles of remote work, owned by the quest
	Retries int       `json:"retries,omitempty"`
	Error   *Error    `json:"error,omitempty"`

	Started    time.Time `json:"started,omitempty"`
	LastPolled time.Time `json:"lastPolled,omitempty"`
	Finished   time.Time `json:"finished,omitempty"`
}

// NewExecution returns a pending execution of q for change c.
// It is stamped as started by its first poll.
func NewExecution(q Quest, c change.Change, inputs Arguments) *Execution {
	return &Execution{
		Quest:  q.Kind(),
		Change: c,
		Status: StatusPending,
		Inputs: maps.Clone(inputs),
	}
}

// Done reports whether the execution has completed or failed.
func (e *Execution) Done() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// Poll advances the execution using its quest q.
// The returned boolean reports whether the execution made progress, i.e. changed its status,
// retried or started remote work. An error is only returned if ctx is done; quest failures are
// recorded on the execution instead.
func (e *Execution) Poll(ctx context.Context, q Quest, env *Env) (bool, error) {
	if e.Done() {
		return false, nil
	}

	now := env.now()
	if e.Started.IsZero() {
		e.Started = now
	}
	e.LastPolled = now

	if q.Kind() != e.Quest {
		e.fail(errors.Newf("execution of quest %s polled with quest %s", e.Quest, q.Kind()), now)
		return true, nil
	}

	state := maps.Clone(e.State)
	out := q.Poll(ctx, env, e)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	log := env.log().WithField("quest", e.Quest).WithField("change", e.Change.String())

	switch {
	case out.Err != nil && IsTransient(out.Err) && e.Retries < q.RetryCount():
		e.Retries++
		e.State = nil
		log.Warnf("Retrying execution after transient failure (%d/%d) - %v", e.Retries, q.RetryCount(), out.Err)
		metrics.ExecutionRetries.WithLabelValues(string(e.Quest)).Inc()
		return true, nil
	case out.Err != nil:
		e.fail(out.Err, now)
		log.Infof("Execution failed - %v", out.Err)
		return true, nil
	case out.Done:
		e.Status = StatusCompleted
		e.Results = out.Results
		e.Values = out.Values
		e.Finished = now
		metrics.Executions.WithLabelValues(string(e.Quest), string(StatusCompleted)).Inc()
		log.Debugf("Execution completed with results %v", out.Results)
		return true, nil
	}

	return !maps.Equal(state, e.State), nil
}

func (e *Execution) fail(err error, now time.Time) {
	e.Status = StatusFailed
	e.Error = &Error{
		Message:   err.Error(),
		Retryable: IsTransient(err),
		Retried:   e.Retries,
	}
	e.Finished = now
	metrics.Executions.WithLabelValues(string(e.Quest), string(StatusFailed)).Inc()
}

// Reset drops the remote handles of a pending execution, so the next poll starts its remote
// work anew. Finished executions are left untouched.
func (e *Execution) Reset() {
	if !e.Done() {
		e.State = nil
	}
}

func (e *Execution) setState(key, value string) {
	if e.State == nil {
		e.State = make(Arguments)
	}
	e.State[key] = value
}
