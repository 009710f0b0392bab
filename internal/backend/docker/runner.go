package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/sirupsen/logrus"
)

// Runner is a [quest.TaskService] running every task in its own container.
// The id of a task is the name of its container.
type Runner struct {
	api API
	cfg Config

	log logrus.FieldLogger
	Now func() time.Time
}

// NewRunner returns a runner offering the dimensions in cfg.
func NewRunner(api API, cfg Config, log logrus.FieldLogger) (*Runner, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set docker defaults")
	}
	return &Runner{api: api, cfg: cfg, log: mutedLog(log)}, nil
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// ResultDir returns the host directory the task writes its output to.
func (r *Runner) ResultDir(taskID string) string {
	return filepath.Join(r.cfg.ResultsDir, taskID)
}

func (r *Runner) RequestTask(ctx context.Context, req quest.TaskRequest) (string, error) {
	if missing := missingDimensions(r.cfg.Dimensions, req.Dimensions); len(missing) > 0 {
		return "", errors.WithHintf(errors.Newf("host does not offer dimensions %v", missing),
			"Add them to docker.dimensions if this host satisfies them.")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.TaskTimeout
	}

	name := namePrefix + uniuri.New()
	dir := r.ResultDir(name)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return "", quest.Transient(errors.Wrapf(err, "failed to create result directory %s", dir))
	}

	labels := map[string]string{Label: "1", TimeoutLabel: timeout.String()}
	for k, v := range req.Tags {
		labels[Label+".tag."+k] = v
	}

	resp, err := r.api.ContainerCreate(ctx, &container.Config{
		Image:  req.ArtifactRef,
		Cmd:    req.Command,
		Env:    []string{"PERFSCEPTER_RESULTS=" + ResultsMount},
		Labels: labels,
	}, &container.HostConfig{
		Binds: []string{dir + ":" + ResultsMount},
	}, nil, nil, name)
	if err != nil {
		return "", quest.Transient(errors.Wrapf(err, "container creation with name %s of image %s failed", name, req.ArtifactRef))
	}

	if err := r.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := r.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			r.log.Warnf("Failed to remove container %s - %v", name, rmErr)
		}
		return "", quest.Transient(errors.Wrapf(err, "container start with name %s of image %s failed", name, req.ArtifactRef))
	}

	r.log.WithField("task", name).Infof("Started container running %s", req.ArtifactRef)
	return name, nil
}

func (r *Runner) TaskStatus(ctx context.Context, taskID string) (quest.TaskStatus, error) {
	log := r.log.WithField("task", taskID)

	info, err := r.api.ContainerInspect(ctx, taskID)
	if errdefs.IsNotFound(err) {
		return quest.TaskStatus{State: quest.RemoteFailed, Reason: "container disappeared", Infra: true}, nil
	} else if err != nil {
		return quest.TaskStatus{}, errors.Wrapf(err, "failed to inspect container %s", taskID)
	}

	status, timedOut := containerStatus(info, r.now(), "file://"+r.ResultDir(taskID))
	if timedOut {
		log.Warnf("Killing container after timeout")
		if err := r.api.ContainerKill(ctx, taskID, "KILL"); err != nil && !errdefs.IsNotFound(err) {
			return quest.TaskStatus{}, errors.Wrapf(err, "failed to kill container %s", taskID)
		}
	}
	if status.State != quest.RemotePending {
		if err := r.api.ContainerRemove(ctx, taskID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			log.Warnf("Failed to remove finished container - %v", err)
		}
	}
	return status, nil
}

// containerStatus maps the state of a container to the status of its task. It reports whether the
// container is still running past its timeout.
func containerStatus(info types.ContainerJSON, now time.Time, resultRef string) (quest.TaskStatus, bool) {
	if info.ContainerJSONBase == nil || info.State == nil {
		return quest.TaskStatus{State: quest.RemoteFailed, Reason: "container has no state", Infra: true}, false
	}
	state := info.State

	switch {
	case state.Running || state.Restarting || state.Status == "created":
		var timeout time.Duration
		if info.Config != nil {
			timeout, _ = time.ParseDuration(info.Config.Labels[TimeoutLabel])
		}
		started, err := time.Parse(time.RFC3339Nano, state.StartedAt)
		if timeout > 0 && err == nil && now.Sub(started) > timeout {
			return quest.TaskStatus{State: quest.RemoteFailed, Reason: fmt.Sprintf("timed out after %s", timeout)}, true
		}
		return quest.TaskStatus{State: quest.RemotePending}, false
	case state.OOMKilled:
		return quest.TaskStatus{State: quest.RemoteFailed, Reason: "out of memory", Infra: true}, false
	case state.Error != "":
		return quest.TaskStatus{State: quest.RemoteFailed, Reason: state.Error, Infra: true}, false
	case state.ExitCode != 0:
		return quest.TaskStatus{State: quest.RemoteFailed, Reason: fmt.Sprintf("exit code %d", state.ExitCode)}, false
	}
	return quest.TaskStatus{State: quest.RemoteSucceeded, ResultRef: resultRef}, false
}

// missingDimensions returns the sorted requirements of wanted which offered does not satisfy.
func missingDimensions(offered, wanted map[string]string) []string {
	var missing []string
	for k, v := range wanted {
		if offered[k] != v {
			missing = append(missing, k+"="+v)
		}
	}
	sort.Strings(missing)
	return missing
}
