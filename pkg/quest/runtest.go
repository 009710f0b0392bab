package quest

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

const RunTestKind Kind = "run_test"

// ResultsDir is the directory tasks write their output to.
const ResultsDir = "/results"

// RunTest runs a benchmark against the artifact passed in the "artifact" argument.
// It results in the "result" argument, referencing the raw output of the run.
type RunTest struct {
	Command    []string          `json:"command,omitempty"` // Defaults to run_benchmark
	Benchmark  string            `json:"benchmark"`
	Story      string            `json:"story,omitempty"`
	ExtraArgs  string            `json:"extraArgs,omitempty"` // Shell quoted arguments appended to the command
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`

	RetryLimit int `json:"retryCount,omitempty"` // 0 uses DefaultRetryCount
}

func (q *RunTest) Kind() Kind {
	return RunTestKind
}

func (q *RunTest) String() string {
	if q.Story != "" {
		return fmt.Sprintf("Test %s/%s", q.Benchmark, q.Story)
	}
	return fmt.Sprintf("Test %s", q.Benchmark)
}

func (q *RunTest) RetryCount() int {
	return retryCount(q.RetryLimit)
}

func (q *RunTest) Start(c change.Change, inputs Arguments) *Execution {
	return NewExecution(q, c, inputs)
}

func (q *RunTest) Poll(ctx context.Context, env *Env, e *Execution) Outcome {
	return q.poll(ctx, env, e, q.commandLine)
}

// commandLine returns the command running the benchmark.
func (q *RunTest) commandLine() ([]string, error) {
	cmd := q.Command
	if len(cmd) == 0 {
		cmd = []string{"run_benchmark"}
	}
	args := append([]string{}, cmd...)
	args = append(args, q.Benchmark)
	if q.Story != "" {
		args = append(args, "--story-filter", "^"+regexp.QuoteMeta(q.Story)+"$")
	}
	args = append(args, "--output-format", "histograms", "--output-dir", ResultsDir)
	return q.appendExtraArgs(args)
}

func (q *RunTest) appendExtraArgs(args []string) ([]string, error) {
	extra, err := shellquote.Split(q.ExtraArgs)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid extra arguments %q", q.ExtraArgs)
	}
	return append(args, extra...), nil
}

func (q *RunTest) poll(ctx context.Context, env *Env, e *Execution, commandLine func() ([]string, error)) Outcome {
	if env.Tasks == nil {
		return Failed(errors.New("no task service configured"))
	}

	taskID := e.State["task_id"]
	if taskID == "" {
		artifact := e.Inputs["artifact"]
		if artifact == "" {
			return Failed(errors.New("no artifact to test was passed"))
		}
		cmd, err := commandLine()
		if err != nil {
			return Failed(err)
		}

		taskID, err = env.Tasks.RequestTask(ctx, TaskRequest{
			ArtifactRef: artifact,
			Command:     cmd,
			Dimensions:  q.Dimensions,
			Tags: map[string]string{
				"change":    e.Change.ID(),
				"benchmark": q.Benchmark,
				"story":     q.Story,
			},
			Timeout: q.Timeout,
		})
		if err != nil {
			return Failed(errors.Wrapf(err, "failed to request test of %s", e.Change))
		}
		env.log().Infof("Requested task %s testing %s", taskID, e.Change)
		e.setState("task_id", taskID)
		return Pending()
	}

	status, err := env.Tasks.TaskStatus(ctx, taskID)
	if err != nil {
		return Failed(Transient(errors.Wrapf(err, "failed to get status of task %s", taskID)))
	}

	switch status.State {
	case RemotePending:
		return Pending()
	case RemoteSucceeded:
		return Completed(Arguments{"result": status.ResultRef, "task": taskID})
	case RemoteFailed:
		err := errors.Newf("task %s testing %s failed: %s", taskID, e.Change, status.Reason)
		if status.Infra {
			err = Transient(err)
		}
		return Failed(err)
	default:
		return Failed(errors.Newf("task %s is in unknown state %q", taskID, status.State))
	}
}
