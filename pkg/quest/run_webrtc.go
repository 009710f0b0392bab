package quest

import (
	"context"
	"fmt"
	"path"

	"github.com/DominicWuest/perfscepter/pkg/change"
)

const RunWebRtcTestKind Kind = "run_webrtc_test"

// RunWebRtcTest runs a WebRTC perf test binary instead of a benchmark harness.
// The benchmark names the test suite and the story the test case.
type RunWebRtcTest struct {
	RunTest
}

func (q *RunWebRtcTest) Kind() Kind {
	return RunWebRtcTestKind
}

func (q *RunWebRtcTest) String() string {
	return fmt.Sprintf("WebRTC %s", q.RunTest.String())
}

func (q *RunWebRtcTest) Start(c change.Change, inputs Arguments) *Execution {
	return NewExecution(q, c, inputs)
}

func (q *RunWebRtcTest) Poll(ctx context.Context, env *Env, e *Execution) Outcome {
	return q.poll(ctx, env, e, q.commandLine)
}

func (q *RunWebRtcTest) commandLine() ([]string, error) {
	cmd := q.Command
	if len(cmd) == 0 {
		cmd = []string{"./webrtc_perf_tests"}
	}
	filter := q.Benchmark + ".*"
	if q.Story != "" {
		filter = q.Benchmark + "." + q.Story
	}

	args := append([]string{}, cmd...)
	args = append(args,
		"--gtest_filter="+filter,
		"--nologs",
		"--isolated_script_test_perf_output="+path.Join(ResultsDir, "perf_results.json"),
	)
	return q.appendExtraArgs(args)
}
