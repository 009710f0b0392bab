package quest

import (
	"context"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/change"
)

// RemoteState is the state of remote work reported by a collaborator.
type RemoteState string

const (
	RemotePending   RemoteState = "pending"
	RemoteSucceeded RemoteState = "success"
	RemoteFailed    RemoteState = "failure"
)

// A BuildRequest asks for a build of a change.
type BuildRequest struct {
	Builder string
	Target  string
	Bucket  string
	Change  change.Change
	Tags    map[string]string
}

// BuildStatus is the state of a requested build.
type BuildStatus struct {
	State       RemoteState
	ArtifactRef string // Reference to the built artifact, set on success
	Reason      string // Why the build failed
	Infra       bool   // Whether the failure was caused by infrastructure rather than the change
}

// A BuildService builds changes.
// Failed requests are only retried if the error is marked with [Transient]. Errors getting
// the status of a requested build are always retried.
type BuildService interface {
	RequestBuild(ctx context.Context, req BuildRequest) (string, error)
	BuildStatus(ctx context.Context, buildID string) (BuildStatus, error)
}

// A TaskRequest asks for a test to be run against an artifact.
type TaskRequest struct {
	ArtifactRef string
	Command     []string
	Dimensions  map[string]string // Requirements on the machine running the task
	Tags        map[string]string
	Timeout     time.Duration
}

// TaskStatus is the state of a requested task.
type TaskStatus struct {
	State     RemoteState
	ResultRef string // Reference to the raw output of the task, set on success
	Reason    string
	Infra     bool
}

// A TaskService runs tests.
// Failed requests are only retried if the error is marked with [Transient], so requests the
// service can never satisfy, such as unsupported dimensions, fail right away. Errors getting
// the status of a requested task are always retried.
type TaskService interface {
	RequestTask(ctx context.Context, req TaskRequest) (string, error)
	TaskStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

// A MetricQuery selects the samples of a metric in the raw output of a task.
type MetricQuery struct {
	Metric string
	Story  string // Only consider samples of this story if not empty
	File   string // The file within the result reference holding the output
	Format string // The output format, empty to detect it
}

// A ResultService extracts samples from the raw output of tasks.
// Errors worth retrying must be marked with [Transient].
type ResultService interface {
	Samples(ctx context.Context, resultRef string, q MetricQuery) ([]float64, error)
}
