package quest

import (
	"context"

	"github.com/DominicWuest/perfscepter/pkg/change"
)

// An Attempt is one run of all quests of a job for a single change, producing one sample.
type Attempt struct {
	Executions []*Execution `json:"executions"`
}

// Completed reports whether all of the n quests completed successfully.
func (a *Attempt) Completed(n int) bool {
	return len(a.Executions) == n && n > 0 && a.Executions[n-1].Status == StatusCompleted
}

// Failed reports whether an execution of the attempt failed.
func (a *Attempt) Failed() bool {
	return a.Failure() != nil
}

// Failure returns the failed execution of the attempt, or nil.
func (a *Attempt) Failure() *Execution {
	for _, e := range a.Executions {
		if e.Status == StatusFailed {
			return e
		}
	}
	return nil
}

// Done reports whether the attempt of n quests has completed or failed.
func (a *Attempt) Done(n int) bool {
	return a.Failed() || a.Completed(n)
}

// Execution returns the execution of the quest at index i, or nil if it was not started.
func (a *Attempt) Execution(i int) *Execution {
	if i < 0 || i >= len(a.Executions) {
		return nil
	}
	return a.Executions[i]
}

// Poll advances the attempt of change c through quests. Completed executions immediately
// start the execution of the following quest with their results as inputs, so an attempt whose
// remote work is already done can finish within a single call.
func (a *Attempt) Poll(ctx context.Context, quests []Quest, c change.Change, env *Env) (bool, error) {
	progress := false
	for !a.Done(len(quests)) {
		if n := len(a.Executions); n == 0 || a.Executions[n-1].Status == StatusCompleted {
			var inputs Arguments
			if n > 0 {
				inputs = a.Executions[n-1].Results
			}
			a.Executions = append(a.Executions, quests[n].Start(c, inputs))
			progress = true
		}

		i := len(a.Executions) - 1
		changed, err := a.Executions[i].Poll(ctx, quests[i], env)
		if err != nil {
			return progress, err
		}
		progress = progress || changed
		if !a.Executions[i].Done() {
			break
		}
	}
	return progress, nil
}

// Reset drops the remote handles of all pending executions of the attempt.
func (a *Attempt) Reset() {
	for _, e := range a.Executions {
		e.Reset()
	}
}
