package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// ContainerState captures the inspect fields the dashboard cares about.
type ContainerState struct {
	ID      string
	Name    string
	Status  string // created, running, paused, restarting, exited, dead
	Health  string // empty when the image defines no healthcheck
	Ports   nat.PortMap
	Created string
}

// Stats holds display-only resource counters for a running container.
type Stats struct {
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"memory"`
	MemoryMB      float64 `json:"memory_mb"`
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name         string
	Image        string
	Env          []string
	Labels       map[string]string
	VolumeName   string
	VolumePath   string
	InternalPort int
	HostPort     int
}

// Inspect returns the current state of a container by id or name.
func (c *Client) Inspect(ctx context.Context, ref string) (ContainerState, error) {
	if strings.TrimSpace(ref) == "" {
		return ContainerState{}, fmt.Errorf("container ref cannot be empty")
	}
	info, err := c.inner.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, ErrNotFound
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}
	state := ContainerState{
		ID:      info.ID,
		Name:    strings.TrimPrefix(info.Name, "/"),
		Created: info.Created,
	}
	if info.State != nil {
		state.Status = info.State.Status
		if info.State.Health != nil {
			state.Health = info.State.Health.Status
		}
	}
	if info.NetworkSettings != nil {
		state.Ports = info.NetworkSettings.Ports
	}
	return state, nil
}

// Exec runs a command inside the container and returns its combined output.
func (c *Client) Exec(ctx context.Context, ref string, cmd []string) (string, error) {
	if len(cmd) == 0 {
		return "", fmt.Errorf("exec command cannot be empty")
	}
	created, err := c.inner.ContainerExecCreate(ctx, ref, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("exec create: %w", err)
	}
	attach, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("exec read: %w", err)
	}
	inspect, err := c.inner.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return stdout.String(), fmt.Errorf("exec exited with status %d: %s", inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Logs fetches the last tail lines of a container's output.
func (c *Client) Logs(ctx context.Context, ref string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	reader, err := c.inner.ContainerLogs(ctx, ref, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, reader); err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return combined.String(), nil
}

// ContainerStats samples CPU and memory usage for a running container.
func (c *Client) ContainerStats(ctx context.Context, ref string) (Stats, error) {
	resp, err := c.inner.ContainerStats(ctx, ref, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Stats{}, ErrNotFound
		}
		return Stats{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var sample container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return Stats{}, fmt.Errorf("decode container stats: %w", err)
	}
	return computeStats(sample), nil
}

func computeStats(sample container.StatsResponse) Stats {
	var stats Stats
	cpuDelta := float64(sample.CPUStats.CPUUsage.TotalUsage) - float64(sample.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(sample.CPUStats.SystemUsage) - float64(sample.PreCPUStats.SystemUsage)
	if systemDelta > 0 && cpuDelta > 0 {
		stats.CPUPercent = round1(cpuDelta / systemDelta * 100.0)
	}
	usage := float64(sample.MemoryStats.Usage)
	limit := float64(sample.MemoryStats.Limit)
	if limit > 0 {
		stats.MemoryPercent = round1(usage / limit * 100.0)
	}
	stats.MemoryMB = round1(usage / 1024 / 1024)
	return stats
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// List returns all containers whose names start with the given prefix.
func (c *Client) List(ctx context.Context, namePrefix string) ([]ContainerState, error) {
	opts := container.ListOptions{All: true}
	if namePrefix != "" {
		opts.Filters = filters.NewArgs(filters.Arg("name", namePrefix))
	}
	summaries, err := c.inner.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	states := make([]ContainerState, 0, len(summaries))
	for _, summary := range summaries {
		name := ""
		if len(summary.Names) > 0 {
			name = strings.TrimPrefix(summary.Names[0], "/")
		}
		if namePrefix != "" && !strings.HasPrefix(name, namePrefix) {
			continue
		}
		states = append(states, ContainerState{
			ID:     summary.ID,
			Name:   name,
			Status: summary.State,
		})
	}
	return states, nil
}

// Run creates and starts an environment container.
func (c *Client) Run(ctx context.Context, spec RunSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	internal, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.InternalPort))
	if err != nil {
		return "", fmt.Errorf("invalid internal port: %w", err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{internal: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			internal: []nat.PortBinding{{HostPort: fmt.Sprintf("%d", spec.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	if spec.VolumeName != "" && spec.VolumePath != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:%s", spec.VolumeName, spec.VolumePath)}
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// Start starts a stopped container.
func (c *Client) Start(ctx context.Context, ref string) error {
	if err := c.inner.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// Stop stops a running container with the engine's default grace period.
func (c *Client) Stop(ctx context.Context, ref string) error {
	if err := c.inner.ContainerStop(ctx, ref, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// Restart restarts a container.
func (c *Client) Restart(ctx context.Context, ref string) error {
	if err := c.inner.ContainerRestart(ctx, ref, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container restart: %w", err)
	}
	return nil
}

// Remove force-removes a container if it exists.
func (c *Client) Remove(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("container ref cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RemoveVolume force-removes a named volume if it exists.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	if err := c.inner.VolumeRemove(ctx, name, true); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove volume: %w", err)
	}
	return nil
}
