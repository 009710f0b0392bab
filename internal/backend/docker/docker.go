/*
Package docker builds changes into docker images and runs test tasks in containers on the local host.

Images are named perfscepter-<commit>:<builder digest> and carry the [Label] so they can be cleaned
up later. Every task runs in its own container with a host directory bind mounted at [ResultsMount],
which becomes the result reference of the task once the container exits successfully.
*/
package docker

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

const (
	Label        = "perfscepter"         // Label set to "1" on all images and containers created
	TimeoutLabel = "perfscepter.timeout" // Label holding the timeout of a task container
	ResultsMount = "/results"            // Where tasks write their output inside the container
	namePrefix   = "perfscepter-"
)

// Config configures the docker backend.
type Config struct {
	Builders            map[string]BuilderConfig `yaml:"builders" validate:"dive"`
	MaxConcurrentBuilds int                      `yaml:"maxConcurrentBuilds" default:"2" validate:"min=1"`
	BuildTimeout        time.Duration            `yaml:"buildTimeout" default:"2h"`
	FailureTTL          time.Duration            `yaml:"failureTtl" default:"48h"` // How long failed builds are remembered

	ResultsDir  string            `yaml:"resultsDir" default:"/var/lib/perfscepter/results"` // Host directory holding the output of all tasks
	Dimensions  map[string]string `yaml:"dimensions"`                                         // Dimensions offered by this host
	TaskTimeout time.Duration     `yaml:"taskTimeout" default:"1h"`                           // Used for tasks without a timeout
}

// BuilderConfig describes how a builder turns a checkout into an image.
type BuilderConfig struct {
	Dockerfile     string `yaml:"dockerfile"`     // The contents of the dockerfile
	DockerfilePath string `yaml:"dockerfilePath"` // Only used if Dockerfile is empty
}

// API is the part of the docker engine API used by the backend.
type API interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)

	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// NewClient returns a client of the docker engine configured from the environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "failed to create docker client"), "Is the docker daemon running and DOCKER_HOST set correctly?")
	}
	return cli, nil
}

func mutedLog(log logrus.FieldLogger) logrus.FieldLogger {
	if log != nil {
		return log
	}
	// Mute logger
	muted := logrus.New()
	muted.SetOutput(io.Discard)
	return muted
}
