// Package sandbox builds a disposable container image per submission and runs
// it attached to a pseudoterminal.
//
// An ExecutorSet maps template names to build recipes. Executor.Execute
// builds an image from submitted source and registers an Execution, which
// owns one sandboxed process from start to teardown: the PTY pair, the
// resource-limited container, the timeout watchdog, the output pumps and the
// observer callbacks. A Registry tracks every execution and periodically
// purges stale ones.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

var (
	// ErrUnsupportedTemplate is returned by Execute when no build recipe
	// exists for the executor's name.
	ErrUnsupportedTemplate = errors.New("unsupported template")

	// ErrBuildFailed is returned when the container runtime could not build
	// an image from the submission.
	ErrBuildFailed = errors.New("image build failed")

	// ErrEnded is returned when starting an execution that already ended.
	ErrEnded = errors.New("execution already ended")
)

// Runtime is the container runtime boundary.
type Runtime interface {
	// Build builds the image tagged tag from the build context in dir.
	Build(ctx context.Context, tag, dir string) error

	// Command returns the unstarted command that runs the image tagged tag
	// interactively under policy. The caller attaches it to a terminal.
	Command(tag string, policy Policy) *exec.Cmd

	// Remove force-removes the container and the image named tag.
	Remove(ctx context.Context, tag string) error
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using os/exec.
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments. A non-zero exit is
// reported through exitCode, not err.
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // arguments are built by this package

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), nil
		}
		return "", "", 0, err
	}

	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}
