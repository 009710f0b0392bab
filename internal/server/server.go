/*
Package server serves a read-only HTTP API for inspecting jobs and queues.

Apart from cancelling, the API never changes jobs. New jobs are submitted through the command line.
*/
package server

import (
	"context"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/DominicWuest/perfscepter/internal/engine"
	"github.com/DominicWuest/perfscepter/pkg/job"
	"github.com/DominicWuest/perfscepter/pkg/scheduler"
	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Options configure a [Server].
type Options struct {
	Admins        []string      // Users which may cancel any job
	WatchInterval time.Duration // How often watched jobs are reloaded, 2s if 0
	PageSize      int           // Jobs listed per page if the request sets no limit, 100 if 0
}

// Server serves the API over the components of an engine.
type Server struct {
	engine *engine.Engine
	opts   Options
	router *gin.Engine

	log logrus.FieldLogger
}

// New returns a server of the jobs and queues of e.
func New(e *engine.Engine, opts Options, log logrus.FieldLogger) *Server {
	if log == nil {
		// Mute logger
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = muted
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 2 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}

	s := &Server{engine: e, opts: opts, log: log}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/jobs", s.listJobs)
	router.GET("/jobs/:id", s.getJob)
	router.GET("/jobs/:id/estimate", s.getEstimate)
	router.GET("/jobs/:id/watch", s.watchJob)
	router.POST("/jobs/:id/cancel", s.postCancel)
	router.GET("/queues/:configuration", s.getQueue)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = router
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves the API on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	errChan := make(chan error, 1)
	go func() {
		s.log.Infof("Serving API on %s", addr)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return errors.Wrapf(err, "failed to serve on %s", addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down server")
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// abort responds with the status matching err.
func (s *Server) abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, job.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, job.ErrTerminal):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Errorf("Failed to handle %s %s - %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}

type jobsResponse struct {
	Jobs []*job.Job `json:"jobs"`
	Next string     `json:"next,omitempty"`
}

func (s *Server) listJobs(c *gin.Context) {
	limit := s.opts.PageSize
	if l := c.Query("limit"); l != "" {
		var err error
		if limit, err = strconv.Atoi(l); err != nil || limit <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "limit must be a positive number"})
			return
		}
	}

	status := job.Status(c.Query("status"))
	if status != "" && !slices.Contains([]job.Status{job.Queued, job.Running, job.Completed, job.Failed, job.Cancelled}, status) {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "unknown status " + string(status)})
		return
	}

	jobs, next, err := s.engine.Jobs.List(c.Request.Context(), status, c.Query("cursor"), limit)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, jobsResponse{Jobs: jobs, Next: next})
}

func (s *Server) getJob(c *gin.Context) {
	j, err := s.engine.Jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) getEstimate(c *gin.Context) {
	estimate, err := s.engine.Estimate(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}
	if estimate == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "no timing records to estimate from"})
		return
	}
	c.JSON(http.StatusOK, estimate)
}

type cancelRequest struct {
	User   string `json:"user" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) postCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	id := c.Param("id")
	admin := slices.Contains(s.opts.Admins, req.User)
	if err := s.engine.Driver.Cancel(c.Request.Context(), id, req.User, admin, req.Reason); err != nil {
		s.abort(c, err)
		return
	}
	s.log.WithField("job-id", id).Infof("%s requested cancellation", req.User)
	c.Status(http.StatusAccepted)
}

type queueResponse struct {
	Stats   scheduler.Stats   `json:"stats"`
	Entries []scheduler.Entry `json:"entries"`
}

func (s *Server) getQueue(c *gin.Context) {
	configuration := c.Param("configuration")
	stats, err := s.engine.Scheduler.Stats(c.Request.Context(), configuration)
	if err != nil {
		s.abort(c, err)
		return
	}
	q, err := s.engine.Scheduler.Queue(c.Request.Context(), configuration)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, queueResponse{Stats: stats, Entries: q.Entries})
}
