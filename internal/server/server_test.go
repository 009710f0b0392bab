package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DominicWuest/perfscepter/internal/config"
	"github.com/DominicWuest/perfscepter/internal/engine"
	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/DominicWuest/perfscepter/pkg/job"
	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/DominicWuest/perfscepter/pkg/scheduler"
	"github.com/DominicWuest/perfscepter/pkg/timing"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// idle never finishes any remote work.
type idle struct{}

func (idle) RequestBuild(context.Context, quest.BuildRequest) (string, error) { return "build", nil }
func (idle) BuildStatus(context.Context, string) (quest.BuildStatus, error) {
	return quest.BuildStatus{State: quest.RemotePending}, nil
}
func (idle) RequestTask(context.Context, quest.TaskRequest) (string, error) { return "task", nil }
func (idle) TaskStatus(context.Context, string) (quest.TaskStatus, error) {
	return quest.TaskStatus{State: quest.RemotePending}, nil
}

type resolver struct{}

func (resolver) CommitRange(context.Context, string, string, string) ([]string, error) {
	return nil, nil
}

func (resolver) CommitInfo(_ context.Context, _, commit string) (change.CommitInfo, error) {
	return change.CommitInfo{GitHash: commit}, nil
}

type fixture struct {
	engine *engine.Engine
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader("store:\n  driver: memory\ncache:\n  driver: memory\n"))
	require.Nil(t, err)
	e, err := engine.New(context.Background(), cfg, nil, engine.WithBuilds(idle{}), engine.WithTasks(idle{}), engine.WithResolver(resolver{}))
	require.Nil(t, err)
	t.Cleanup(func() { e.Close() })

	return &fixture{
		engine: e,
		server: New(e, Options{Admins: []string{"root"}, WatchInterval: 10 * time.Millisecond}, nil),
	}
}

func (f *fixture) submit(t *testing.T, configuration string) *job.Job {
	t.Helper()
	j, err := job.GetJobFromConfig(strings.NewReader(fmt.Sprintf(`
owner: alice
configuration: %s
repository: chromium
startCommit: c0
endCommit: c8
builder: linux
target: performance_test_suite
benchmark: speedometer2
metric: RunsPerMinute
`, configuration)))
	require.Nil(t, err)
	require.Nil(t, f.engine.Submit(context.Background(), j))
	return j
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.Nil(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &v), "Invalid response %s", rec.Body.String())
	return v
}

func TestJobs(t *testing.T) {
	t.Run("Jobs are listed by status and paged", func(t *testing.T) {
		f := newFixture(t)
		f.submit(t, "linux")
		f.submit(t, "linux")

		rec := f.do(t, http.MethodGet, "/jobs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[jobsResponse](t, rec).Jobs, 2)

		rec = f.do(t, http.MethodGet, "/jobs?status=running", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[jobsResponse](t, rec).Jobs)

		rec = f.do(t, http.MethodGet, "/jobs?status=queued&limit=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		page := decode[jobsResponse](t, rec)
		assert.Len(t, page.Jobs, 1)
		require.NotEmpty(t, page.Next)

		rec = f.do(t, http.MethodGet, "/jobs?status=queued&limit=1&cursor="+page.Next, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		last := decode[jobsResponse](t, rec)
		assert.Len(t, last.Jobs, 1)
		assert.Empty(t, last.Next)
		assert.NotEqual(t, page.Jobs[0].ID, last.Jobs[0].ID)
	})

	t.Run("Invalid listings are rejected", func(t *testing.T) {
		f := newFixture(t)
		for _, path := range []string{"/jobs?limit=0", "/jobs?limit=many", "/jobs?status=paused"} {
			assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, path, nil).Code, "Listing %s was accepted", path)
		}
	})

	t.Run("Single jobs are returned", func(t *testing.T) {
		f := newFixture(t)
		j := f.submit(t, "linux")

		rec := f.do(t, http.MethodGet, "/jobs/"+j.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[job.Job](t, rec)
		assert.Equal(t, j.ID, got.ID)
		assert.Equal(t, job.Queued, got.Status)

		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/unknown", nil).Code)
	})

	t.Run("Estimates need timing records", func(t *testing.T) {
		f := newFixture(t)
		j := f.submit(t, "linux")
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/"+j.ID+"/estimate", nil).Code)

		started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		require.Nil(t, f.engine.Timings.Record(context.Background(), timing.Record{
			JobID:     "earlier",
			Started:   started,
			Completed: started.Add(time.Hour),
			Tags:      j.Tags()[:2],
		}))

		rec := f.do(t, http.MethodGet, "/jobs/"+j.ID+"/estimate", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		estimate := decode[timing.Estimate](t, rec)
		assert.Equal(t, time.Hour, estimate.Median)
		assert.Equal(t, 1, estimate.Samples)
	})
}

func TestCancel(t *testing.T) {
	t.Run("Owners and administrators may cancel", func(t *testing.T) {
		f := newFixture(t)
		first := f.submit(t, "linux")
		second := f.submit(t, "linux")

		rec := f.do(t, http.MethodPost, "/jobs/"+first.ID+"/cancel", cancelRequest{User: "mallory"})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = f.do(t, http.MethodPost, "/jobs/"+first.ID+"/cancel", cancelRequest{User: "alice", Reason: "wrong range"})
		assert.Equal(t, http.StatusAccepted, rec.Code)
		rec = f.do(t, http.MethodPost, "/jobs/"+second.ID+"/cancel", cancelRequest{User: "root"})
		assert.Equal(t, http.StatusAccepted, rec.Code)

		for _, id := range []string{first.ID, second.ID} {
			j, err := f.engine.Jobs.Get(context.Background(), id)
			require.Nil(t, err)
			assert.Equal(t, job.Cancelled, j.Status)
		}

		rec = f.do(t, http.MethodPost, "/jobs/"+first.ID+"/cancel", cancelRequest{User: "alice"})
		assert.Equal(t, http.StatusAccepted, rec.Code, "Cancelling twice failed")
	})

	t.Run("Finished jobs conflict", func(t *testing.T) {
		f := newFixture(t)
		j := f.submit(t, "linux")
		require.Nil(t, f.engine.Driver.Fail(context.Background(), j.ID, "broken"))

		rec := f.do(t, http.MethodPost, "/jobs/"+j.ID+"/cancel", cancelRequest{User: "alice"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("Requests need a user", func(t *testing.T) {
		f := newFixture(t)
		j := f.submit(t, "linux")
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/jobs/"+j.ID+"/cancel", nil).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/jobs/"+j.ID+"/cancel", map[string]string{"reason": "none"}).Code)
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/jobs/unknown/cancel", cancelRequest{User: "alice"}).Code)
	})
}

func TestQueues(t *testing.T) {
	t.Run("Queues report their entries and statistics", func(t *testing.T) {
		f := newFixture(t)
		first := f.submit(t, "linux")
		second := f.submit(t, "linux")
		_, err := f.engine.Tick(context.Background())
		require.Nil(t, err)

		rec := f.do(t, http.MethodGet, "/queues/linux", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		q := decode[queueResponse](t, rec)
		assert.Equal(t, "linux", q.Stats.Configuration)
		assert.Equal(t, 1, q.Stats.Queued)
		assert.Equal(t, 1, q.Stats.Running)
		assert.Equal(t, 1, q.Stats.Samples)
		require.Len(t, q.Entries, 2)
		assert.Equal(t, first.ID, q.Entries[0].JobID)
		assert.Equal(t, scheduler.Running, q.Entries[0].Status)
		assert.Equal(t, second.ID, q.Entries[1].JobID)
	})

	t.Run("Unknown configurations have empty queues", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/queues/mac", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[queueResponse](t, rec).Entries)
	})
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "perfscepter_drive_pass_duration_seconds")
}

func TestWatch(t *testing.T) {
	t.Run("Watchers receive changes until the job is finished", func(t *testing.T) {
		f := newFixture(t)
		j := f.submit(t, "linux")

		srv := httptest.NewServer(f.server.Handler())
		defer srv.Close()

		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/jobs/"+j.ID+"/watch", nil)
		require.Nil(t, err)
		defer conn.Close()
		require.Nil(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		var got job.Job
		require.Nil(t, conn.ReadJSON(&got))
		assert.Equal(t, job.Queued, got.Status)

		require.Nil(t, f.engine.Driver.Cancel(context.Background(), j.ID, "alice", false, "done"))
		require.Nil(t, conn.ReadJSON(&got))
		assert.Equal(t, job.Cancelled, got.Status)

		_, _, err = conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "Expected normal closure, got %v", err)
	})

	t.Run("Unknown jobs cannot be watched", func(t *testing.T) {
		f := newFixture(t)
		srv := httptest.NewServer(f.server.Handler())
		defer srv.Close()

		_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/jobs/unknown/watch", nil)
		assert.NotNil(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
