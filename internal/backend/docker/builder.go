package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/opencontainers/go-digest"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// The dockerfile is written under this name into the build context, next to any dockerfile of the repository.
const dockerfileName = ".perfscepter.Dockerfile"

// Sources locates the local clones of repositories.
type Sources interface {
	Path(repository string) (string, bool)
}

type buildState string

const (
	buildRunning buildState = "building"
	buildFailed  buildState = "failed"
)

// buildRecord is the state of a build kept in the key-value store while it is not a finished image.
type buildRecord struct {
	State  buildState `json:"state"`
	Reason string     `json:"reason,omitempty"`
	Infra  bool       `json:"infra,omitempty"`
}

type builder struct {
	dockerfile string
	hash       string
}

// Builder is a [quest.BuildService] building images with the local docker engine.
// The id of a build is the name of the image it produces.
type Builder struct {
	api      API
	kv       store.KV
	sources  Sources
	cfg      Config
	builders map[string]builder

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	log logrus.FieldLogger
}

// NewBuilder returns a builder for the builders in cfg. Build states are kept in kv.
func NewBuilder(api API, kv store.KV, sources Sources, cfg Config, log logrus.FieldLogger) (*Builder, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set docker defaults")
	}
	b := &Builder{
		api:      api,
		kv:       kv,
		sources:  sources,
		cfg:      cfg,
		builders: make(map[string]builder, len(cfg.Builders)),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentBuilds)),
		log:      mutedLog(log),
	}
	for name, bc := range cfg.Builders {
		dockerfile := bc.Dockerfile
		if dockerfile == "" {
			if bc.DockerfilePath == "" {
				return nil, errors.Newf("builder %s has neither a dockerfile nor a dockerfile path", name)
			}
			file, err := os.ReadFile(bc.DockerfilePath)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read dockerfile of builder %s", name)
			}
			dockerfile = string(file)
		}
		b.builders[name] = builder{
			dockerfile: dockerfile,
			hash:       digest.FromString(dockerfile).Encoded(),
		}
	}
	return b, nil
}

// ImageName returns the name with the tag of the image of commit built by the builder with the given dockerfile hash and target.
func ImageName(commit, dockerfileHash, target string) string {
	tag := dockerfileHash
	if target != "" {
		tag = digest.FromString(dockerfileHash + "\x00" + target).Encoded()
	}
	return fmt.Sprintf("%s%s:%s", namePrefix, strings.ToLower(commit), tag)
}

func stateKey(buildID string) string {
	return "docker-build:" + buildID
}

func (b *Builder) RequestBuild(ctx context.Context, req quest.BuildRequest) (string, error) {
	bc, ok := b.builders[req.Builder]
	if !ok {
		id := ImageName(req.Change.Commit.GitHash, digest.FromString(req.Builder).Encoded(), req.Target)
		return id, b.refuse(ctx, id, fmt.Sprintf("unknown builder %s", req.Builder))
	}
	id := ImageName(req.Change.Commit.GitHash, bc.hash, req.Target)
	log := b.log.WithField("image", id)

	if len(req.Change.Patches) > 0 {
		log.Warnf("Refusing to build %s with patches", req.Change)
		return id, b.refuse(ctx, id, "patched changes cannot be built locally")
	}
	// Image names are only stable for full hashes, revisions like HEAD move
	if !plumbing.IsHash(req.Change.Commit.GitHash) {
		log.Warnf("Refusing to build %s, not a full commit hash", req.Change)
		return id, b.refuse(ctx, id, fmt.Sprintf("%s is not a full commit hash", req.Change.Commit.GitHash))
	}

	if _, _, err := b.api.ImageInspectWithRaw(ctx, id); err == nil {
		log.Debugf("Image of %s already built, reusing image", req.Change)
		return id, nil
	} else if !errdefs.IsNotFound(err) {
		return "", quest.Transient(errors.Wrapf(err, "failed to inspect image %s", id))
	}

	rec, ok, err := b.lookup(ctx, id)
	if err != nil {
		return "", quest.Transient(err)
	}
	if ok && rec.State == buildRunning {
		log.Debugf("Image of %s is already being built", req.Change)
		return id, nil
	}

	// Runs until the build timeout, not until the request is done
	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.BuildTimeout)
	if err := b.record(buildCtx, id, buildRecord{State: buildRunning}); err != nil {
		cancel()
		return "", quest.Transient(err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		if rec := b.build(buildCtx, id, req, bc); rec != nil {
			if err := b.record(buildCtx, id, *rec); err != nil {
				log.Errorf("Failed to record failed build - %v", err)
			}
			return
		}
		if err := b.kv.Delete(buildCtx, stateKey(id)); err != nil {
			log.Errorf("Failed to clear state of build - %v", err)
		}
	}()
	return id, nil
}

func (b *Builder) BuildStatus(ctx context.Context, buildID string) (quest.BuildStatus, error) {
	rec, ok, err := b.lookup(ctx, buildID)
	if err != nil {
		return quest.BuildStatus{}, err
	}
	if ok {
		switch rec.State {
		case buildRunning:
			return quest.BuildStatus{State: quest.RemotePending}, nil
		case buildFailed:
			return quest.BuildStatus{State: quest.RemoteFailed, Reason: rec.Reason, Infra: rec.Infra}, nil
		}
	}

	if _, _, err := b.api.ImageInspectWithRaw(ctx, buildID); err == nil {
		return quest.BuildStatus{State: quest.RemoteSucceeded, ArtifactRef: buildID}, nil
	} else if !errdefs.IsNotFound(err) {
		return quest.BuildStatus{}, errors.Wrapf(err, "failed to inspect image %s", buildID)
	}
	// Neither running nor built, the process building it is gone
	return quest.BuildStatus{State: quest.RemoteFailed, Reason: "build was lost", Infra: true}, nil
}

// Wait blocks until all builds started by this builder are done.
func (b *Builder) Wait() {
	b.wg.Wait()
}

// build builds the image and returns the record of its failure, or nil if the image was built.
func (b *Builder) build(ctx context.Context, id string, req quest.BuildRequest, bc builder) *buildRecord {
	log := b.log.WithField("image", id)
	infra := func(err error) *buildRecord {
		log.Warnf("Build of %s failed - %v", req.Change, err)
		return &buildRecord{State: buildFailed, Reason: err.Error(), Infra: true}
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return infra(errors.Wrap(err, "gave up waiting for a build slot"))
	}
	defer b.sem.Release(1)

	src, ok := b.sources.Path(req.Change.Commit.Repository)
	if !ok {
		return &buildRecord{State: buildFailed, Reason: fmt.Sprintf("no local clone of %s", req.Change.Commit.Repository)}
	}

	// Copy the repo
	dir, err := os.MkdirTemp("", namePrefix+"build-")
	if err != nil {
		return infra(errors.Wrap(err, "failed to create build directory"))
	}
	defer os.RemoveAll(dir)
	if err := copy.Copy(src, dir, copy.Options{Specials: true}); err != nil {
		return infra(errors.Wrapf(err, "failed to copy %s", src))
	}

	if err := checkout(ctx, dir, req.Change.Commit.GitHash); err != nil {
		log.Warnf("Checkout of %s failed - %v", req.Change, err)
		return &buildRecord{State: buildFailed, Reason: err.Error()}
	}

	if err := os.WriteFile(filepath.Join(dir, dockerfileName), []byte(bc.dockerfile), 0644); err != nil {
		return infra(errors.Wrap(err, "failed to write dockerfile"))
	}
	buildContext, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return infra(errors.Wrap(err, "failed to create build context"))
	}
	defer buildContext.Close()

	log.Infof("Building image of %s", req.Change)
	target := req.Target
	res, err := b.api.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{id},
		Dockerfile:  dockerfileName,
		BuildArgs:   map[string]*string{"TARGET": &target},
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{Label: "1"},
	})
	if err != nil {
		return infra(errors.Wrap(err, "failed to start image build"))
	}
	defer res.Body.Close()

	// Wait for build to be done
	out, err := io.ReadAll(res.Body)
	if err != nil {
		return infra(errors.Wrap(err, "failed to read build output"))
	}
	log.Tracef("Image build output:\n%s", out)

	if msg := buildError(out); msg != "" {
		log.Warnf("Image build of %s failed - %s", req.Change, msg)
		return &buildRecord{State: buildFailed, Reason: msg}
	}
	log.Infof("Built image of %s", req.Change)
	return nil
}

// checkout checks out commit and its submodules in the clone at dir.
func checkout(ctx context.Context, dir, commit string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to open clone at %s", dir)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "failed to open worktree")
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(commit))
	if err != nil {
		return errors.Wrapf(err, "failed to resolve %s", commit)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return errors.Wrapf(err, "failed to check out %s", commit)
	}

	submodules, err := wt.Submodules()
	if err != nil {
		return errors.Wrap(err, "failed to read submodules")
	}
	if err := submodules.UpdateContext(ctx, &git.SubmoduleUpdateOptions{
		Init:              true,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	}); err != nil {
		return errors.Wrap(err, "failed to update submodules")
	}
	return nil
}

// buildError returns the last error reported in the JSON message stream of an image build.
func buildError(out []byte) string {
	var last string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		var msg struct {
			Error       string `json:"error"`
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.ErrorDetail.Message != "" {
			last = msg.ErrorDetail.Message
		} else if msg.Error != "" {
			last = msg.Error
		}
	}
	return strings.TrimSpace(last)
}

// refuse records a build that fails without being started.
func (b *Builder) refuse(ctx context.Context, id, reason string) error {
	if err := b.record(ctx, id, buildRecord{State: buildFailed, Reason: reason}); err != nil {
		return quest.Transient(err)
	}
	return nil
}

func (b *Builder) record(ctx context.Context, id string, rec buildRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode build state")
	}
	ttl := b.cfg.FailureTTL
	if rec.State == buildRunning {
		ttl = b.cfg.BuildTimeout
	}
	if err := b.kv.Set(ctx, stateKey(id), data, ttl); err != nil {
		return errors.Wrapf(err, "failed to store state of build %s", id)
	}
	return nil
}

func (b *Builder) lookup(ctx context.Context, id string) (buildRecord, bool, error) {
	data, err := b.kv.Get(ctx, stateKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return buildRecord{}, false, nil
	} else if err != nil {
		return buildRecord{}, false, errors.Wrapf(err, "failed to look up state of build %s", id)
	}
	var rec buildRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return buildRecord{}, false, errors.Wrapf(err, "invalid state of build %s", id)
	}
	return rec, true, nil
}
