package quest

import (
	"context"
	"fmt"

	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/cockroachdb/errors"
)

const FindIsolatedKind Kind = "find_isolated"

// FindIsolated finds a build of a change, requesting one if none is cached.
// It results in the "artifact" argument.
type FindIsolated struct {
	Builder        string `json:"builder"`
	Target         string `json:"target"`
	FallbackTarget string `json:"fallbackTarget,omitempty"` // Another target whose build can be used instead
	Bucket         string `json:"bucket,omitempty"`

	RetryLimit int `json:"retryCount,omitempty"` // 0 uses DefaultRetryCount
}

func (q *FindIsolated) Kind() Kind {
	return FindIsolatedKind
}

func (q *FindIsolated) String() string {
	return fmt.Sprintf("Build %s on %s", q.Target, q.Builder)
}

func (q *FindIsolated) RetryCount() int {
	return retryCount(q.RetryLimit)
}

func (q *FindIsolated) Start(c change.Change, inputs Arguments) *Execution {
	return NewExecution(q, c, inputs)
}

func (q *FindIsolated) Poll(ctx context.Context, env *Env, e *Execution) Outcome {
	if env.Isolates == nil || env.Builds == nil {
		return Failed(errors.New("no build service configured"))
	}

	if buildID := e.State["build_id"]; buildID != "" {
		return q.pollBuild(ctx, env, e, buildID)
	}

	for _, target := range []string{q.Target, q.FallbackTarget} {
		if target == "" {
			continue
		}
		artifact, ok, err := env.Isolates.Get(ctx, q.Builder, e.Change, target)
		if err != nil {
			return Failed(Transient(errors.Wrap(err, "failed to look up isolate cache")))
		}
		if ok {
			return Completed(q.results(artifact, target))
		}
	}

	// Share builds with other attempts of the same change
	buildID, ok, err := env.Isolates.Inflight(ctx, q.Builder, e.Change, q.Target)
	if err != nil {
		return Failed(Transient(errors.Wrap(err, "failed to look up pending builds")))
	}
	if !ok {
		buildID, err = env.Builds.RequestBuild(ctx, BuildRequest{
			Builder: q.Builder,
			Target:  q.Target,
			Bucket:  q.Bucket,
			Change:  e.Change,
			Tags:    map[string]string{"change": e.Change.ID()},
		})
		if err != nil {
			return Failed(errors.Wrapf(err, "failed to request build of %s", e.Change))
		}
		if err := env.Isolates.SetInflight(ctx, q.Builder, e.Change, q.Target, buildID); err != nil {
			env.log().Warnf("Failed to share build %s of %s - %v", buildID, e.Change, err)
		}
		env.log().Infof("Requested build %s of %s", buildID, e.Change)
	}
	e.setState("build_id", buildID)
	return Pending()
}

func (q *FindIsolated) pollBuild(ctx context.Context, env *Env, e *Execution, buildID string) Outcome {
	status, err := env.Builds.BuildStatus(ctx, buildID)
	if err != nil {
		return Failed(Transient(errors.Wrapf(err, "failed to get status of build %s", buildID)))
	}

	switch status.State {
	case RemotePending:
		return Pending()
	case RemoteSucceeded:
		if err := env.Isolates.ClearInflight(ctx, q.Builder, e.Change, q.Target); err != nil {
			env.log().Warnf("Failed to clear pending build %s - %v", buildID, err)
		}
		if status.ArtifactRef == "" {
			return Failed(errors.Newf("build %s succeeded without producing an artifact", buildID))
		}
		if err := env.Isolates.Put(ctx, q.Builder, e.Change, q.Target, status.ArtifactRef); err != nil {
			env.log().Warnf("Failed to cache artifact of build %s - %v", buildID, err)
		}
		return Completed(q.results(status.ArtifactRef, q.Target))
	case RemoteFailed:
		if err := env.Isolates.ClearInflight(ctx, q.Builder, e.Change, q.Target); err != nil {
			env.log().Warnf("Failed to clear pending build %s - %v", buildID, err)
		}
		err := errors.Newf("build %s of %s failed: %s", buildID, e.Change, status.Reason)
		if status.Infra {
			err = Transient(err)
		}
		return Failed(err)
	default:
		return Failed(errors.Newf("build %s is in unknown state %q", buildID, status.State))
	}
}

func (q *FindIsolated) results(artifact, target string) Arguments {
	return Arguments{
		"artifact": artifact,
		"builder":  q.Builder,
		"target":   target,
	}
}
