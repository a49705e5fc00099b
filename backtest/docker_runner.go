package backtest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ContainerRunner is the production Runner, backed by the Docker Engine
// API: start the agent image with the backtest environment and resource
// limits, wait for it to exit on its own, stop it if the deadline passes,
// and force-remove it unconditionally.
type ContainerRunner struct {
	cli       *client.Client
	MemLimit  int64 // bytes; 0 uses the Docker default
	CPUQuota  int64 // microseconds per 100ms period; 0 uses the Docker default
}

// NewContainerRunner opens a client against the local Docker daemon using
// the standard DOCKER_HOST/DOCKER_* environment conventions.
func NewContainerRunner() (*ContainerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("backtest: opening docker client: %w", err)
	}
	return &ContainerRunner{
		cli:      cli,
		MemLimit: 2 << 30, // 2GiB
		CPUQuota: 100000,  // one full CPU
	}, nil
}

// ImageExists reports whether ref is present in the local image store.
// No pull is ever attempted.
func (r *ContainerRunner) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Run implements the container lifecycle: create with env and resource
// limits, start, wait up to maxWait, force-stop and force-remove in all
// cases via defer.
func (r *ContainerRunner) Run(ctx context.Context, ref string, env map[string]string, maxWait time.Duration) ([]byte, int, bool, error) {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image: ref,
			Env:   envList,
			Tty:   false,
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:   r.MemLimit,
				CPUQuota: r.CPUQuota,
			},
			NetworkMode: "bridge",
			AutoRemove:  false,
		},
		nil, nil, "",
	)
	if err != nil {
		return nil, -1, false, fmt.Errorf("backtest: creating container: %w", err)
	}
	containerID := resp.ID

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		force := true
		_ = r.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: force})
	}()

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, -1, false, fmt.Errorf("backtest: starting container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	statusCh, errCh := r.cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	timedOut := false
	exitCode := -1 // unknown until the wait body arrives
	select {
	case err := <-errCh:
		if err != nil && waitCtx.Err() != nil {
			timedOut = true
			stopTimeout := 10
			_ = r.cli.ContainerStop(context.Background(), containerID, container.StopOptions{Timeout: &stopTimeout})
		} else if err != nil {
			return nil, -1, false, fmt.Errorf("backtest: waiting for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-waitCtx.Done():
		timedOut = true
		stopTimeout := 10
		_ = r.cli.ContainerStop(context.Background(), containerID, container.StopOptions{Timeout: &stopTimeout})
	}

	logs, err := r.cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: false,
	})
	if err != nil {
		return nil, exitCode, timedOut, fmt.Errorf("backtest: reading container logs: %w", err)
	}
	defer logs.Close()

	stdout, err := demuxLogs(logs)
	if err != nil {
		return nil, exitCode, timedOut, fmt.Errorf("backtest: demultiplexing container logs: %w", err)
	}
	return stdout, exitCode, timedOut, nil
}

// demuxLogs strips the 8-byte Docker multiplexed-stream header from each
// frame, keeping stdout bytes only.
func demuxLogs(r io.Reader) ([]byte, error) {
	var out []byte
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				break
			}
			return out, nil
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			break
		}
		if header[0] == 1 { // stdout stream
			out = append(out, frame...)
		}
	}
	return out, nil
}
