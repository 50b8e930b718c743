package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"
)

// DockerAPI builds and removes images through the Docker Engine API. Running
// still goes through the CLI, which is what attaches the container to the
// terminal.
type DockerAPI struct {
	client *client.Client
	cli    *DockerCLI
	logger *zap.Logger
}

// NewDockerAPI connects to the daemon configured by the DOCKER_* environment.
func NewDockerAPI(cli *DockerCLI, logger *zap.Logger) (*DockerAPI, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerAPI{client: c, cli: cli, logger: logger}, nil
}

func (d *DockerAPI) Build(ctx context.Context, tag, dir string) error {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archiving build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := d.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:           []string{tag},
		Dockerfile:     "Dockerfile",
		Remove:         true,
		ForceRemove:    true,
		SuppressOutput: true,
	})
	if err != nil {
		return fmt.Errorf("requesting image build: %w", err)
	}
	defer resp.Body.Close()

	// Build errors arrive in-band in the JSON progress stream.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		d.logger.Debug("docker build failed", zap.String("tag", tag), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	return nil
}

func (d *DockerAPI) Command(tag string, policy Policy) *exec.Cmd {
	return d.cli.Command(tag, policy)
}

func (d *DockerAPI) Remove(ctx context.Context, tag string) error {
	var errs []error
	if err := d.client.ContainerRemove(ctx, tag, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("removing container: %w", err))
	}
	if _, err := d.client.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil && !errdefs.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("removing image: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the API client.
func (d *DockerAPI) Close() error {
	return d.client.Close()
}
