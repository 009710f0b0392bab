package quest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuilds struct {
	requests []BuildRequest
	status   map[string]BuildStatus
	err      error
}

func (f *fakeBuilds) RequestBuild(_ context.Context, req BuildRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	return fmt.Sprintf("build-%d", len(f.requests)), nil
}

func (f *fakeBuilds) BuildStatus(_ context.Context, id string) (BuildStatus, error) {
	if s, ok := f.status[id]; ok {
		return s, nil
	}
	return BuildStatus{State: RemotePending}, nil
}

type fakeTasks struct {
	requests []TaskRequest
	status   map[string]TaskStatus
	err      error
}

func (f *fakeTasks) RequestTask(_ context.Context, req TaskRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("task-%d", len(f.requests)), nil
}

func (f *fakeTasks) TaskStatus(_ context.Context, id string) (TaskStatus, error) {
	if s, ok := f.status[id]; ok {
		return s, nil
	}
	return TaskStatus{State: RemotePending}, nil
}

type fakeResults struct {
	samples map[string][]float64
	err     error
	queries []MetricQuery
}

func (f *fakeResults) Samples(_ context.Context, ref string, q MetricQuery) ([]float64, error) {
	f.queries = append(f.queries, q)
	return f.samples[ref], f.err
}

func newEnv() (*Env, *fakeBuilds, *fakeTasks, *fakeResults) {
	builds := &fakeBuilds{status: map[string]BuildStatus{}}
	tasks := &fakeTasks{status: map[string]TaskStatus{}}
	results := &fakeResults{samples: map[string][]float64{}}
	env := &Env{
		Builds:   builds,
		Tasks:    tasks,
		Results:  results,
		Isolates: NewIsolateCache(store.NewMemory().KV(), IsolateOptions{TTL: time.Hour, InflightTTL: time.Hour}),
	}
	return env, builds, tasks, results
}

func TestFindIsolated(t *testing.T) {
	ctx := context.Background()
	c := change.New("repo", "abc")
	q := &FindIsolated{Builder: "linux-builder", Target: "perf", FallbackTarget: "all"}

	t.Run("Cached artifacts complete immediately", func(t *testing.T) {
		env, builds, _, _ := newEnv()
		require.Nil(t, env.Isolates.Put(ctx, "linux-builder", c, "perf", "artifact-1"))

		e := q.Start(c, nil)
		progress, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.True(t, progress, "Completing an execution is progress")
		assert.Equal(t, StatusCompleted, e.Status)
		assert.Equal(t, "artifact-1", e.Results["artifact"])
		assert.Empty(t, builds.requests, "A build was requested despite a cached artifact")
	})

	t.Run("Fallback targets are looked up in the cache", func(t *testing.T) {
		env, builds, _, _ := newEnv()
		require.Nil(t, env.Isolates.Put(ctx, "linux-builder", c, "all", "artifact-all"))

		e := q.Start(c, nil)
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusCompleted, e.Status)
		assert.Equal(t, Arguments{"artifact": "artifact-all", "builder": "linux-builder", "target": "all"}, e.Results)
		assert.Empty(t, builds.requests)
	})

	t.Run("Cache misses request a build and wait for it", func(t *testing.T) {
		env, builds, _, _ := newEnv()

		e := q.Start(c, nil)
		progress, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.True(t, progress, "Requesting a build is progress")
		assert.Equal(t, StatusPending, e.Status)
		require.Len(t, builds.requests, 1)
		assert.Equal(t, "perf", builds.requests[0].Target)

		progress, err = e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.False(t, progress, "Waiting on a build is no progress")

		builds.status["build-1"] = BuildStatus{State: RemoteSucceeded, ArtifactRef: "artifact-2"}
		_, err = e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusCompleted, e.Status)
		assert.Equal(t, "artifact-2", e.Results["artifact"])

		artifact, ok, err := env.Isolates.Get(ctx, "linux-builder", c, "perf")
		require.Nil(t, err)
		assert.True(t, ok, "Built artifact was not cached")
		assert.Equal(t, "artifact-2", artifact)
	})

	t.Run("Concurrent attempts share one build", func(t *testing.T) {
		env, builds, _, _ := newEnv()

		first, second := q.Start(c, nil), q.Start(c, nil)
		_, err := first.Poll(ctx, q, env)
		require.Nil(t, err)
		_, err = second.Poll(ctx, q, env)
		require.Nil(t, err)

		assert.Len(t, builds.requests, 1, "The same change was built twice")
		assert.Equal(t, first.State["build_id"], second.State["build_id"])
	})

	t.Run("Infrastructure failures are retried", func(t *testing.T) {
		env, builds, _, _ := newEnv()
		quest := &FindIsolated{Builder: "b", Target: "t", RetryLimit: 1}

		e := quest.Start(c, nil)
		_, err := e.Poll(ctx, quest, env)
		require.Nil(t, err)
		builds.status["build-1"] = BuildStatus{State: RemoteFailed, Reason: "bot died", Infra: true}

		_, err = e.Poll(ctx, quest, env)
		require.Nil(t, err)
		assert.Equal(t, StatusPending, e.Status, "Transient failure was not retried")
		assert.Equal(t, 1, e.Retries)
		assert.Empty(t, e.State, "Remote handles were kept after a retry")

		_, err = e.Poll(ctx, quest, env)
		require.Nil(t, err)
		require.Len(t, builds.requests, 2, "Retry did not request a new build")
		builds.status["build-2"] = BuildStatus{State: RemoteFailed, Reason: "bot died again", Infra: true}

		_, err = e.Poll(ctx, quest, env)
		require.Nil(t, err)
		assert.Equal(t, StatusFailed, e.Status, "Retries were not bounded")
		require.NotNil(t, e.Error)
		assert.True(t, e.Error.Retryable)
		assert.Equal(t, 1, e.Error.Retried)
		assert.Contains(t, e.Error.Message, "bot died again")
	})

	t.Run("Deterministic failures are not retried", func(t *testing.T) {
		env, builds, _, _ := newEnv()

		e := q.Start(c, nil)
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		builds.status["build-1"] = BuildStatus{State: RemoteFailed, Reason: "compile error"}

		_, err = e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusFailed, e.Status)
		assert.False(t, e.Error.Retryable)
		assert.Equal(t, 0, e.Error.Retried)

		_, ok, err := env.Isolates.Inflight(ctx, q.Builder, c, q.Target)
		require.Nil(t, err)
		assert.False(t, ok, "Failed build is still shared")
	})

	t.Run("Build requests failing transiently are retried", func(t *testing.T) {
		env, builds, _, _ := newEnv()
		builds.err = Transient(errors.New("connection refused"))
		quest := &FindIsolated{Builder: "b", Target: "t"}

		e := quest.Start(c, nil)
		for range DefaultRetryCount + 1 {
			_, err := e.Poll(ctx, quest, env)
			require.Nil(t, err)
		}
		assert.Equal(t, StatusFailed, e.Status)
		assert.True(t, e.Error.Retryable)
		assert.Equal(t, DefaultRetryCount, e.Error.Retried)
	})

	t.Run("Rejected build requests fail without retry", func(t *testing.T) {
		env, builds, _, _ := newEnv()
		builds.err = errors.New("unknown builder b")
		quest := &FindIsolated{Builder: "b", Target: "t"}

		e := quest.Start(c, nil)
		_, err := e.Poll(ctx, quest, env)
		require.Nil(t, err)
		assert.Equal(t, StatusFailed, e.Status)
		assert.False(t, e.Error.Retryable)
		assert.Equal(t, 0, e.Error.Retried)
		assert.Contains(t, e.Error.Message, "unknown builder b")
	})
}

func TestRunTest(t *testing.T) {
	ctx := context.Background()
	c := change.New("repo", "abc")

	t.Run("Missing artifacts fail without retry", func(t *testing.T) {
		env, _, tasks, _ := newEnv()
		q := &RunTest{Benchmark: "speedometer"}

		e := q.Start(c, Arguments{})
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusFailed, e.Status)
		assert.False(t, e.Error.Retryable)
		assert.Empty(t, tasks.requests)
	})

	t.Run("Tasks are requested with the built command line", func(t *testing.T) {
		env, _, tasks, _ := newEnv()
		q := &RunTest{
			Benchmark:  "speedometer",
			Story:      "Speedometer2.0",
			ExtraArgs:  `--pageset-repeat 2 --extra-browser-args="--foo --bar"`,
			Dimensions: map[string]string{"os": "linux"},
			Timeout:    time.Hour,
		}

		e := q.Start(c, Arguments{"artifact": "image:1"})
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		require.Len(t, tasks.requests, 1)

		req := tasks.requests[0]
		assert.Equal(t, "image:1", req.ArtifactRef)
		assert.Equal(t, []string{
			"run_benchmark", "speedometer",
			"--story-filter", `^Speedometer2\.0$`,
			"--output-format", "histograms", "--output-dir", "/results",
			"--pageset-repeat", "2", "--extra-browser-args=--foo --bar",
		}, req.Command)
		assert.Equal(t, map[string]string{"os": "linux"}, req.Dimensions)
		assert.Equal(t, c.ID(), req.Tags["change"])
		assert.Equal(t, time.Hour, req.Timeout)

		tasks.status["task-1"] = TaskStatus{State: RemoteSucceeded, ResultRef: "file:///results/task-1"}
		_, err = e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusCompleted, e.Status)
		assert.Equal(t, "file:///results/task-1", e.Results["result"])
	})

	t.Run("Invalid extra arguments fail deterministically", func(t *testing.T) {
		env, _, _, _ := newEnv()
		q := &RunTest{Benchmark: "b", ExtraArgs: `--unterminated "quote`}

		e := q.Start(c, Arguments{"artifact": "image:1"})
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusFailed, e.Status)
		assert.False(t, e.Error.Retryable)
	})

	t.Run("Unsupported configurations fail without retry", func(t *testing.T) {
		env, _, tasks, _ := newEnv()
		tasks.err = errors.New("host does not offer dimensions map[os:plan9]")
		q := &RunTest{Benchmark: "b", Dimensions: map[string]string{"os": "plan9"}}

		e := q.Start(c, Arguments{"artifact": "image:1"})
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusFailed, e.Status)
		assert.Equal(t, 0, e.Retries)
		assert.False(t, e.Error.Retryable)
		assert.Len(t, tasks.requests, 1, "Rejected task was requested again")
	})

	t.Run("Task requests failing transiently are retried", func(t *testing.T) {
		env, _, tasks, _ := newEnv()
		tasks.err = Transient(errors.New("docker daemon unavailable"))
		q := &RunTest{Benchmark: "b"}

		e := q.Start(c, Arguments{"artifact": "image:1"})
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusPending, e.Status)
		assert.Equal(t, 1, e.Retries)

		tasks.err = nil
		_, err = e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, "task-2", e.State["task_id"])
	})

	t.Run("Failing tests are not retried", func(t *testing.T) {
		env, _, tasks, _ := newEnv()
		q := &RunTest{Benchmark: "b"}

		e := q.Start(c, Arguments{"artifact": "image:1"})
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		tasks.status["task-1"] = TaskStatus{State: RemoteFailed, Reason: "exit code 1"}
		_, err = e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusFailed, e.Status)
		assert.Contains(t, e.Error.Message, "exit code 1")
	})

	t.Run("WebRTC tests use the gtest command line", func(t *testing.T) {
		env, _, tasks, _ := newEnv()
		q := &RunWebRtcTest{RunTest{Benchmark: "PCFullStackTest", Story: "Pc_Foreman_Cif"}}

		e := q.Start(c, Arguments{"artifact": "image:1"})
		assert.Equal(t, RunWebRtcTestKind, e.Quest)
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		require.Len(t, tasks.requests, 1)
		assert.Equal(t, []string{
			"./webrtc_perf_tests",
			"--gtest_filter=PCFullStackTest.Pc_Foreman_Cif",
			"--nologs",
			"--isolated_script_test_perf_output=/results/perf_results.json",
		}, tasks.requests[0].Command)
	})
}

func TestReadTestResults(t *testing.T) {
	ctx := context.Background()
	c := change.New("repo", "abc")

	t.Run("Samples are read from the passed result", func(t *testing.T) {
		env, _, _, results := newEnv()
		results.samples["ref"] = []float64{1, 2, 3, 6}
		q := &ReadTestResults{Metric: "timeToFirstPaint", Story: "google"}

		e := q.Start(c, Arguments{"result": "ref"})
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusCompleted, e.Status)
		assert.Equal(t, []float64{1, 2, 3, 6}, e.Values)
		assert.Equal(t, MetricQuery{Metric: "timeToFirstPaint", Story: "google", File: "perf_results.json"}, results.queries[0])
	})

	t.Run("Statistics reduce the samples", func(t *testing.T) {
		values := []struct {
			statistic string
			expected  []float64
		}{
			{"avg", []float64{3}},
			{"count", []float64{4}},
			{"max", []float64{6}},
			{"min", []float64{1}},
			{"sum", []float64{12}},
		}
		for _, v := range values {
			env, _, _, results := newEnv()
			results.samples["ref"] = []float64{1, 2, 3, 6}
			q := &ReadTestResults{Metric: "m", Statistic: v.statistic}

			e := q.Start(c, Arguments{"result": "ref"})
			_, err := e.Poll(ctx, q, env)
			require.Nil(t, err)
			assert.Equal(t, v.expected, e.Values, "Wrong value for statistic %s", v.statistic)
		}
	})

	t.Run("Missing samples fail the execution", func(t *testing.T) {
		env, _, _, _ := newEnv()
		q := &ReadTestResults{Metric: "m"}

		e := q.Start(c, Arguments{"result": "ref"})
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusFailed, e.Status)
		assert.False(t, e.Error.Retryable)
	})

	t.Run("Transient fetch errors are retried", func(t *testing.T) {
		env, _, _, results := newEnv()
		results.err = Transient(errors.New("503"))
		q := &ReadTestResults{Metric: "m"}

		e := q.Start(c, Arguments{"result": "ref"})
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, StatusPending, e.Status)
		assert.Equal(t, 1, e.Retries)
	})
}

func TestAttempt(t *testing.T) {
	ctx := context.Background()
	c := change.New("repo", "abc")

	t.Run("Results of one quest are the inputs of the next", func(t *testing.T) {
		env, builds, tasks, results := newEnv()
		quests := []Quest{
			&FindIsolated{Builder: "b", Target: "t"},
			&RunTest{Benchmark: "bench"},
			&ReadTestResults{Metric: "m"},
		}
		a := &Attempt{}

		progress, err := a.Poll(ctx, quests, c, env)
		require.Nil(t, err)
		assert.True(t, progress)
		assert.Len(t, a.Executions, 1, "Attempt ran ahead of a pending build")

		builds.status["build-1"] = BuildStatus{State: RemoteSucceeded, ArtifactRef: "image:abc"}
		_, err = a.Poll(ctx, quests, c, env)
		require.Nil(t, err)
		require.Len(t, a.Executions, 2)
		assert.Equal(t, a.Executions[0].Results, a.Executions[1].Inputs, "Inputs were not passed on verbatim")
		assert.Equal(t, "image:abc", tasks.requests[0].ArtifactRef)

		tasks.status["task-1"] = TaskStatus{State: RemoteSucceeded, ResultRef: "ref"}
		results.samples["ref"] = []float64{42}
		_, err = a.Poll(ctx, quests, c, env)
		require.Nil(t, err)
		require.Len(t, a.Executions, 3)
		assert.True(t, a.Completed(len(quests)))
		assert.True(t, a.Done(len(quests)))
		assert.False(t, a.Failed())
		assert.Equal(t, []float64{42}, a.Execution(2).Values)

		progress, err = a.Poll(ctx, quests, c, env)
		require.Nil(t, err)
		assert.False(t, progress, "Polling a done attempt made progress")
	})

	t.Run("Failed executions stop the attempt", func(t *testing.T) {
		env, builds, tasks, _ := newEnv()
		quests := []Quest{&FindIsolated{Builder: "b", Target: "t"}, &RunTest{Benchmark: "bench"}}
		a := &Attempt{}

		_, err := a.Poll(ctx, quests, c, env)
		require.Nil(t, err)
		builds.status["build-1"] = BuildStatus{State: RemoteFailed, Reason: "broken"}
		_, err = a.Poll(ctx, quests, c, env)
		require.Nil(t, err)

		assert.True(t, a.Failed())
		assert.True(t, a.Done(len(quests)))
		assert.Len(t, a.Executions, 1)
		assert.Empty(t, tasks.requests)
		assert.Equal(t, a.Executions[0], a.Failure())
	})

	t.Run("Reset drops handles of pending executions only", func(t *testing.T) {
		env, builds, _, _ := newEnv()
		quests := []Quest{&FindIsolated{Builder: "b", Target: "t"}, &RunTest{Benchmark: "bench"}}
		a := &Attempt{}

		_, err := a.Poll(ctx, quests, c, env)
		require.Nil(t, err)
		builds.status["build-1"] = BuildStatus{State: RemoteSucceeded, ArtifactRef: "image"}
		_, err = a.Poll(ctx, quests, c, env)
		require.Nil(t, err)
		require.Len(t, a.Executions, 2)
		require.NotEmpty(t, a.Executions[1].State)

		a.Reset()
		assert.Equal(t, StatusCompleted, a.Executions[0].Status)
		assert.Equal(t, "image", a.Executions[0].Results["artifact"], "Completed execution was modified")
		assert.Empty(t, a.Executions[1].State, "Pending execution kept its handles")
	})

	t.Run("Executions are started by their first poll", func(t *testing.T) {
		env, _, _, _ := newEnv()
		now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		env.Now = func() time.Time { return now }
		q := &FindIsolated{Builder: "b", Target: "t"}

		e := q.Start(c, nil)
		assert.True(t, e.Started.IsZero())
		_, err := e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, now, e.Started)

		now = now.Add(time.Minute)
		_, err = e.Poll(ctx, q, env)
		require.Nil(t, err)
		assert.Equal(t, now.Add(-time.Minute), e.Started, "Later polls moved the start")
		assert.Equal(t, now, e.LastPolled)
	})

	t.Run("Cancelled contexts abort polling", func(t *testing.T) {
		env, _, _, _ := newEnv()
		quests := []Quest{&FindIsolated{Builder: "b", Target: "t"}}
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := (&Attempt{}).Poll(cctx, quests, c, env)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestSpecs(t *testing.T) {
	t.Run("Quests survive serialization", func(t *testing.T) {
		quests := []Quest{
			&FindIsolated{Builder: "b", Target: "t", FallbackTarget: "f"},
			&RunWebRtcTest{RunTest{Benchmark: "suite", Story: "case", RetryLimit: 3}},
			&ReadTestResults{Metric: "m", Statistic: "avg"},
		}
		specs, err := EncodeAll(quests...)
		require.Nil(t, err)

		decoded, err := DecodeAll(specs)
		require.Nil(t, err)
		assert.Equal(t, quests, decoded)
		assert.Equal(t, 3, decoded[1].RetryCount())
	})

	t.Run("Unknown kinds cannot be decoded", func(t *testing.T) {
		_, err := Decode(Spec{Kind: "teleport"})
		assert.NotNil(t, err)
	})

	t.Run("Registered kinds are only known to their registry", func(t *testing.T) {
		spec, err := Encode(&ReadTestResults{Metric: "m"})
		require.Nil(t, err)
		spec.Kind = "read_other_results"

		r := NewRegistry()
		r.Register("read_other_results", func() Quest { return &ReadTestResults{} })
		q, err := r.Decode(spec)
		require.Nil(t, err)
		assert.Equal(t, "m", q.(*ReadTestResults).Metric)

		_, err = NewRegistry().Decode(spec)
		assert.NotNil(t, err, "Registering leaked into other registries")

		env := &Env{Quests: r}
		quests, err := env.DecodeAll([]Spec{spec})
		require.Nil(t, err)
		assert.Len(t, quests, 1)
	})
}
