package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// DockerCLI drives the docker command line client.
type DockerCLI struct {
	path      string
	cmdRunner CommandRunner
	logger    *zap.Logger
}

// DockerCLIOption defines a functional option for DockerCLI
type DockerCLIOption func(*DockerCLI)

// WithCommandRunner sets the CommandRunner used for build and removal.
func WithCommandRunner(r CommandRunner) DockerCLIOption {
	return func(d *DockerCLI) {
		d.cmdRunner = r
	}
}

// NewDockerCLI creates a runtime invoking the docker binary at path.
func NewDockerCLI(path string, logger *zap.Logger, opts ...DockerCLIOption) *DockerCLI {
	d := &DockerCLI{
		path:      path,
		cmdRunner: RealCommandRunner{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DockerCLI) Build(ctx context.Context, tag, dir string) error {
	_, stderr, exitCode, err := d.cmdRunner.RunCommand(ctx, []string{d.path, "build", "-q", "-t", tag, dir})
	if err != nil {
		return fmt.Errorf("running docker build: %w", err)
	}
	if exitCode != 0 {
		d.logger.Debug("docker build failed",
			zap.String("tag", tag),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", strings.TrimSpace(stderr)))
		return fmt.Errorf("%w: docker build exited with code %d", ErrBuildFailed, exitCode)
	}
	return nil
}

func (d *DockerCLI) Command(tag string, policy Policy) *exec.Cmd {
	args := []string{"run", "--rm"}
	args = append(args, policy.RunArgs()...)
	args = append(args, "-q", "-it", "--name", tag, tag)

	return exec.Command(d.path, args...) //nolint:gosec // tag is generated, never user input
}

func (d *DockerCLI) Remove(ctx context.Context, tag string) error {
	var errs []error
	for _, args := range [][]string{
		{d.path, "rm", "-f", tag},
		{d.path, "rmi", "-f", tag},
	} {
		_, stderr, exitCode, err := d.cmdRunner.RunCommand(ctx, args)
		if err != nil {
			errs = append(errs, fmt.Errorf("running docker %s: %w", args[1], err))
			continue
		}
		if exitCode != 0 && !strings.Contains(stderr, "No such") {
			errs = append(errs, fmt.Errorf("docker %s exited with code %d: %s", args[1], exitCode, strings.TrimSpace(stderr)))
		}
	}
	return errors.Join(errs...)
}
