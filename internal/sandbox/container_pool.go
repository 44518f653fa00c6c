package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const poolImage = "python:3.11-alpine"

// pooledContainer is one recyclable rootless container bound to the
// workspace mount.
type pooledContainer struct {
	id       string
	lastUsed time.Time
}

// ContainerPool recycles rootless python:3.11-alpine containers between
// PYTHON:/CALC: syscalls instead of creating and destroying one per call.
// Checked out, scrubbed, and returned the same way the teacher's ghost
// container pool recycles speculative-execution sandboxes.
type ContainerPool struct {
	mu          sync.Mutex
	idle        []*pooledContainer
	workspace   string
	maxCapacity int
	available   bool
}

// NewContainerPool probes for the runsc runtime and a reachable Docker
// daemon; if either is missing it logs once and reports Available()==false
// so callers fall back to host execution.
func NewContainerPool(workspace string, maxCapacity int) *ContainerPool {
	pool := &ContainerPool{workspace: workspace, maxCapacity: maxCapacity}

	if _, err := exec.LookPath("runsc"); err != nil {
		slog.Warn("sandbox: runsc runtime not found, container mode disabled", "error", err)
		return pool
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Warn("sandbox: docker daemon unreachable, container mode disabled", "error", err)
		return pool
	}
	defer cli.Close()
	if _, err := cli.Ping(context.Background()); err != nil {
		slog.Warn("sandbox: docker daemon ping failed, container mode disabled", "error", err)
		return pool
	}

	pool.available = true
	return pool
}

// Available reports whether container mode can be used.
func (p *ContainerPool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// checkout returns an idle container or creates one up to maxCapacity.
func (p *ContainerPool) checkout(ctx context.Context) (*pooledContainer, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		Runtime:        "runsc",
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   256 * 1024 * 1024,
		},
		Tmpfs: map[string]string{
			"/workspace": "rw,noexec,nosuid,size=64m",
		},
	}
	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: poolImage,
		Tty:   false,
		Cmd:   []string{"sleep", "infinity"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("sandbox: creating container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: starting container: %w", err)
	}
	return &pooledContainer{id: resp.ID, lastUsed: time.Now()}, nil
}

// scrubAndReturn wipes the container's workspace contents and returns it to
// the idle pool, up to maxCapacity; excess containers are destroyed.
func (p *ContainerPool) scrubAndReturn(c *pooledContainer) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return
	}
	defer cli.Close()

	execCfg := types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"/bin/sh", "-c", "rm -rf /workspace/* 2>/dev/null"},
	}
	if execID, err := cli.ContainerExecCreate(ctx, c.id, execCfg); err == nil {
		_ = cli.ContainerExecStart(ctx, execID.ID, types.ExecStartCheck{})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.maxCapacity {
		go func() {
			_ = cli.ContainerRemove(context.Background(), c.id, types.ContainerRemoveOptions{Force: true})
		}()
		return
	}
	c.lastUsed = time.Now()
	p.idle = append(p.idle, c)
}

// RunScript executes scriptPath (already written under the host workspace
// mount) inside a pooled container and returns its combined output.
func (p *ContainerPool) RunScript(scriptPath string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := p.checkout(ctx)
	if err != nil {
		return "", err
	}
	defer p.scrubAndReturn(c)

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", fmt.Errorf("sandbox: docker client: %w", err)
	}
	defer cli.Close()

	execCfg := types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"python3", scriptPath},
	}
	execID, err := cli.ContainerExecCreate(ctx, c.id, execCfg)
	if err != nil {
		return "", fmt.Errorf("sandbox: exec create: %w", err)
	}
	resp, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return "", fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer resp.Close()

	var out bytes.Buffer
	if _, err := io.Copy(&out, resp.Reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("sandbox: reading exec output: %w", err)
	}
	return out.String(), nil
}
