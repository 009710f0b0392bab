package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/DominicWuest/perfscepter/internal/config"
	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/DominicWuest/perfscepter/pkg/job"
	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var history = []string{"c0", "c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"}

type resolver struct{}

func (resolver) CommitRange(_ context.Context, _, low, high string) ([]string, error) {
	l, h := slices.Index(history, low), slices.Index(history, high)
	if l < 0 || h < l {
		return nil, change.ErrNotAncestor
	}
	return history[l+1 : h], nil
}

// CommitInfo knows HEAD as the newest commit of the history.
func (resolver) CommitInfo(_ context.Context, _, commit string) (change.CommitInfo, error) {
	if commit == "HEAD" {
		commit = history[len(history)-1]
	}
	if !slices.Contains(history, commit) {
		return change.CommitInfo{}, errors.Wrapf(change.ErrUnknownRevision, "%s", commit)
	}
	return change.CommitInfo{GitHash: commit, Subject: "Change " + commit}, nil
}

// lab builds, tests and measures every commit right away. Commits from c5 on regress.
type lab struct{}

func (lab) RequestBuild(_ context.Context, req quest.BuildRequest) (string, error) {
	return req.Change.Commit.GitHash, nil
}

func (lab) BuildStatus(_ context.Context, buildID string) (quest.BuildStatus, error) {
	return quest.BuildStatus{State: quest.RemoteSucceeded, ArtifactRef: buildID}, nil
}

func (lab) RequestTask(_ context.Context, req quest.TaskRequest) (string, error) {
	return req.ArtifactRef, nil
}

func (lab) TaskStatus(_ context.Context, taskID string) (quest.TaskStatus, error) {
	return quest.TaskStatus{State: quest.RemoteSucceeded, ResultRef: taskID}, nil
}

func (lab) Samples(_ context.Context, resultRef string, _ quest.MetricQuery) ([]float64, error) {
	if slices.Index(history, resultRef) >= 5 {
		return []float64{100}, nil
	}
	return []float64{10}, nil
}

const request = `
owner: alice
configuration: %s
repository: chromium
startCommit: c0
endCommit: %s
builder: linux
target: performance_test_suite
benchmark: speedometer2
metric: RunsPerMinute
`

func newEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader("store:\n  driver: memory\ncache:\n  driver: memory\n"))
	require.Nil(t, err)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e, err := New(context.Background(), cfg, nil,
		WithBuilds(lab{}), WithTasks(lab{}), WithResults(lab{}),
		WithResolver(resolver{}),
		WithClock(func() time.Time { return now }))
	require.Nil(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func submit(t *testing.T, e *Engine, configuration string) *job.Job {
	t.Helper()
	j, err := job.GetJobFromConfig(strings.NewReader(fmt.Sprintf(request, configuration, "c8")))
	require.Nil(t, err)
	require.Nil(t, e.Submit(context.Background(), j))
	return j
}

func TestEngine(t *testing.T) {
	ctx := context.Background()

	t.Run("Submitted jobs are bisected by ticks", func(t *testing.T) {
		e := newEngine(t)
		j := submit(t, e, "linux-perf")

		for range 100 {
			_, err := e.Tick(ctx)
			require.Nil(t, err)
			if got, err := e.Jobs.Get(ctx, j.ID); err == nil && got.Status.Terminal() {
				break
			}
		}

		got, err := e.Jobs.Get(ctx, j.ID)
		require.Nil(t, err)
		require.Equal(t, job.Completed, got.Status, "Job did not complete: %+v", got.Failure)
		require.Len(t, got.Culprits, 1)
		assert.Equal(t, "c5", got.Culprits[0].Change.Commit.GitHash)

		estimate, err := e.Estimate(ctx, j.ID)
		require.Nil(t, err)
		require.NotNil(t, estimate)
		assert.Equal(t, 1, estimate.Samples)

		report, err := e.Recover(ctx)
		require.Nil(t, err)
		assert.Zero(t, report.Frozen)
	})

	t.Run("Jobs of one configuration run one at a time", func(t *testing.T) {
		e := newEngine(t)
		first := submit(t, e, "linux-perf")
		second := submit(t, e, "linux-perf")
		other := submit(t, e, "mac-perf")

		report, err := e.Tick(ctx)
		require.Nil(t, err)
		assert.Equal(t, 2, report.Schedule.Promoted)

		for id, expected := range map[string]job.Status{first.ID: job.Running, second.ID: job.Queued, other.ID: job.Running} {
			got, err := e.Jobs.Get(ctx, id)
			require.Nil(t, err)
			assert.Equal(t, expected, got.Status)
		}
	})

	t.Run("Submitted revisions are stored as the commits they name", func(t *testing.T) {
		e := newEngine(t)
		j, err := job.GetJobFromConfig(strings.NewReader(fmt.Sprintf(request, "linux-perf", "HEAD")))
		require.Nil(t, err)
		require.Nil(t, e.Submit(ctx, j))

		stored, err := e.Jobs.Get(ctx, j.ID)
		require.Nil(t, err)
		require.Len(t, stored.Changes, 2)
		assert.Equal(t, "c0", stored.Changes[0].Change.Commit.GitHash)
		assert.Equal(t, "c8", stored.Changes[1].Change.Commit.GitHash)
	})

	t.Run("Jobs naming unknown commits are rejected", func(t *testing.T) {
		e := newEngine(t)
		j, err := job.GetJobFromConfig(strings.NewReader(fmt.Sprintf(request, "linux-perf", "no-such-branch")))
		require.Nil(t, err)
		err = e.Submit(ctx, j)
		assert.True(t, errors.Is(err, change.ErrUnknownRevision), "Expected unknown revision error, got %v", err)

		_, err = e.Jobs.Get(ctx, j.ID)
		assert.NotNil(t, err, "Rejected job was stored")
	})

	t.Run("Unknown stores are rejected", func(t *testing.T) {
		cfg, err := config.Parse(strings.NewReader("store:\n  driver: memory\ncache:\n  driver: memory\n"))
		require.Nil(t, err)
		cfg.Cache.Driver = "memcached"
		_, err = New(ctx, cfg, nil, WithBuilds(lab{}), WithTasks(lab{}))
		assert.NotNil(t, err)
	})
}
