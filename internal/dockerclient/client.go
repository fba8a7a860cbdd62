// Package dockerclient wires the Docker Engine SDK client and a small exec helper
// shared by the deployer and the mail provisioner.
package dockerclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("dockerclient",
	fx.Provide(New),
	fx.Provide(NewExecer),
)

// New connects to the engine configured through DOCKER_HOST and friends.
func New(lc fx.Lifecycle, log *zap.Logger) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if lc != nil {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if _, err := cli.Ping(ctx); err != nil {
					log.Warn("docker engine not reachable at startup", zap.Error(err))
				}
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return cli.Close()
			},
		})
	}
	return cli, nil
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Err turns a non-zero exit into an error carrying stderr.
func (r ExecResult) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	return fmt.Errorf("exit code %d: %s", r.ExitCode, msg)
}

// Execer runs commands in already-running containers.
type Execer interface {
	Exec(ctx context.Context, containerName string, cmd ...string) (ExecResult, error)
}

type engineExecer struct {
	cli *client.Client
}

func NewExecer(cli *client.Client) Execer {
	return &engineExecer{cli: cli}
}

func (e *engineExecer) Exec(ctx context.Context, containerName string, cmd ...string) (ExecResult, error) {
	if len(cmd) == 0 {
		return ExecResult{}, errors.New("exec: command is required")
	}

	created, err := e.cli.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create in %s: %w", containerName, err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach in %s: %w", containerName, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("exec read output: %w", err)
	}

	// The stream closes slightly before the engine records the exit code.
	for {
		inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return ExecResult{}, fmt.Errorf("exec inspect: %w", err)
		}
		if !inspect.Running {
			return ExecResult{
				ExitCode: inspect.ExitCode,
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
