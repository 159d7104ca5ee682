package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/types"
)

const (
	// NetworkName is the dedicated user bridge all project containers join
	NetworkName = "debug-host-network"

	// ManagedLabel marks containers owned by the debug host
	ManagedLabel = "debug-host"

	connectTimeout   = 5 * time.Second
	operationTimeout = 30 * time.Second
	pingAttempts     = 3
)

// DaemonClient is the slice of the Docker client API the adapter uses.
// Abstracted for dependency injection in tests.
type DaemonClient interface {
	Ping(ctx context.Context) (dockertypes.Ping, error)
	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *networktypes.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error)
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (containertypes.StatsResponseReader, error)
	ContainerExecCreate(ctx context.Context, containerID string, options containertypes.ExecOptions) (containertypes.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options containertypes.ExecStartOptions) (dockertypes.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (containertypes.ExecInspect, error)
	NetworkList(ctx context.Context, options networktypes.ListOptions) ([]networktypes.Summary, error)
	NetworkCreate(ctx context.Context, name string, options networktypes.CreateOptions) (networktypes.CreateResponse, error)
	Close() error
}

// images is the fixed stack-to-image map. Stacks outside it run in native
// process mode only.
var images = map[types.ProjectType]string{
	types.ProjectTypeNode:   "debug-host/node:latest",
	types.ProjectTypeVite:   "debug-host/vite:latest",
	types.ProjectTypePython: "debug-host/python:latest",
	types.ProjectTypePHP:    "debug-host/php:latest",
	types.ProjectTypeStatic: "debug-host/static:latest",
}

// ImageFor returns the base image for a stack, if it has one
func ImageFor(t types.ProjectType) (string, bool) {
	img, ok := images[t]
	return img, ok
}

// ContainerSpec describes a container to create
type ContainerSpec struct {
	Name      string
	ProjectID string
	Type      types.ProjectType
	Workspace string
	Port      int
	Command   string
	Env       map[string]string
	Volumes   []types.VolumeMount
}

// Config tunes the adapter's resource limits
type Config struct {
	MemoryLimit int64 // bytes
	CPUCount    int64
}

// DockerRuntime is the capability-level wrapper over the Docker daemon
type DockerRuntime struct {
	cli DaemonClient
	cfg Config
}

// NewDockerRuntime connects to the daemon using the environment (DOCKER_HOST
// et al.) with API version negotiation.
func NewDockerRuntime(cfg Config) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDockerRuntimeWithClient(cli, cfg), nil
}

// NewDockerRuntimeWithClient wraps an existing client; used by tests
func NewDockerRuntimeWithClient(cli DaemonClient, cfg Config) *DockerRuntime {
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = 2 * 1024 * 1024 * 1024
	}
	if cfg.CPUCount == 0 {
		cfg.CPUCount = 2
	}
	return &DockerRuntime{cli: cli, cfg: cfg}
}

// Close closes the daemon connection
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Ping verifies daemon connectivity with three attempts and exponential
// backoff (1s, 2s, 4s between attempts, 5s per-attempt timeout).
func (r *DockerRuntime) Ping(ctx context.Context) error {
	pingLog := log.WithComponent("runtime")
	var lastErr error
	for attempt := 0; attempt < pingAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return types.WrapError(types.ErrTimeout, "daemon ping cancelled", ctx.Err())
			}
		}

		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		_, err := r.cli.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		pingLog.Warn().Err(err).Int("attempt", attempt+1).Msg("daemon ping failed")
	}
	return types.WrapError(types.ErrDaemonUnavailable, "docker daemon unreachable", lastErr)
}

// EnsureNetwork idempotently creates the debug-host bridge network
func (r *DockerRuntime) EnsureNetwork(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	existing, err := r.cli.NetworkList(ctx, networktypes.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return wrapDaemonError("failed to list networks", err)
	}
	for _, n := range existing {
		if n.Name == name {
			return nil
		}
	}

	_, err = r.cli.NetworkCreate(ctx, name, networktypes.CreateOptions{Driver: "bridge"})
	if err != nil {
		// Racing creators are fine; the network exists either way
		if errdefs.IsConflict(err) {
			return nil
		}
		return wrapDaemonError("failed to create network", err)
	}
	return nil
}

// Create creates a container from spec and returns its id
func (r *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	image, ok := ImageFor(spec.Type)
	if !ok {
		return "", types.Errorf(types.ErrValidation, "stack %q has no container image", spec.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	env := make([]string, 0, len(spec.Env)+1)
	env = append(env, fmt.Sprintf("PORT=%d", spec.Port))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	portKey := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
	binds := []string{NormalizeWorkspacePath(spec.Workspace) + ":/app"}
	for _, v := range spec.Volumes {
		bind := NormalizeWorkspacePath(v.Source) + ":" + v.Target
		if v.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	cfg := &containertypes.Config{
		Image: image,
		Env:   env,
		Labels: map[string]string{
			ManagedLabel:     "true",
			"project-id":     spec.ProjectID,
			"container-type": string(spec.Type),
			"created":        time.Now().UTC().Format(time.RFC3339),
		},
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
		WorkingDir:   "/app",
	}
	if spec.Command != "" {
		cfg.Cmd = []string{"sh", "-c", spec.Command}
	}

	hostCfg := &containertypes.HostConfig{
		Binds: binds,
		PortBindings: nat.PortMap{
			portKey: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", spec.Port)}},
		},
		RestartPolicy: containertypes.RestartPolicy{Name: containertypes.RestartPolicyDisabled},
		Resources: containertypes.Resources{
			Memory:   r.cfg.MemoryLimit,
			NanoCPUs: r.cfg.CPUCount * 1e9,
		},
	}
	netCfg := &networktypes.NetworkingConfig{
		EndpointsConfig: map[string]*networktypes.EndpointSettings{
			NetworkName: {},
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", wrapDaemonError("failed to create container", err)
	}
	return resp.ID, nil
}

// Start starts a created container
func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if err := r.cli.ContainerStart(ctx, id, containertypes.StartOptions{}); err != nil {
		return wrapDaemonError("failed to start container", err)
	}
	return nil
}

// Stop stops a container, giving it gracePeriodSec before SIGKILL.
// A daemon 404 is success: the container is already gone.
func (r *DockerRuntime) Stop(ctx context.Context, id string, gracePeriodSec int) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if gracePeriodSec <= 0 {
		gracePeriodSec = 10
	}
	err := r.cli.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &gracePeriodSec})
	if err != nil && !errdefs.IsNotFound(err) {
		return wrapDaemonError("failed to stop container", err)
	}
	return nil
}

// Restart restarts a container with the default grace period
func (r *DockerRuntime) Restart(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if err := r.cli.ContainerRestart(ctx, id, containertypes.StopOptions{}); err != nil {
		return wrapDaemonError("failed to restart container", err)
	}
	return nil
}

// Remove removes a container. A daemon 404 is success.
func (r *DockerRuntime) Remove(ctx context.Context, id string, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	err := r.cli.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: force})
	if err != nil && !errdefs.IsNotFound(err) {
		return wrapDaemonError("failed to remove container", err)
	}
	return nil
}

// Inspect returns the daemon's view of a container
func (r *DockerRuntime) Inspect(ctx context.Context, id string) (containertypes.InspectResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return info, types.Errorf(types.ErrNotFound, "container %s not found", id)
		}
		return info, wrapDaemonError("failed to inspect container", err)
	}
	return info, nil
}

// Stats takes a one-shot stats snapshot
func (r *DockerRuntime) Stats(ctx context.Context, id string) (*containertypes.StatsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	reader, err := r.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, types.Errorf(types.ErrNotFound, "container %s not found", id)
		}
		return nil, wrapDaemonError("failed to read container stats", err)
	}
	defer reader.Body.Close()

	var stats containertypes.StatsResponse
	if err := json.NewDecoder(reader.Body).Decode(&stats); err != nil {
		return nil, types.WrapError(types.ErrExternal, "failed to decode container stats", err)
	}
	return &stats, nil
}

// LogsOptions selects the log window to stream
type LogsOptions struct {
	Follow bool
	Tail   string
	Since  string
}

// Logs opens the daemon's multiplexed log stream for a container
func (r *DockerRuntime) Logs(ctx context.Context, id string, opts LogsOptions) (io.ReadCloser, error) {
	rc, err := r.cli.ContainerLogs(ctx, id, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
		Since:      opts.Since,
		Timestamps: false,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, types.Errorf(types.ErrNotFound, "container %s not found", id)
		}
		return nil, wrapDaemonError("failed to open log stream", err)
	}
	return rc, nil
}

// ListManaged returns all containers carrying the debug-host label
func (r *DockerRuntime) ListManaged(ctx context.Context) ([]containertypes.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	list, err := r.cli.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, wrapDaemonError("failed to list containers", err)
	}
	return list, nil
}

// ExecResult carries the outcome of an in-container command
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
}

// Exec runs argv inside a running container and captures combined output
func (r *DockerRuntime) Exec(ctx context.Context, id string, argv []string) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, types.NewError(types.ErrValidation, "exec requires a command")
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	created, err := r.cli.ContainerExecCreate(ctx, id, containertypes.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, types.Errorf(types.ErrNotFound, "container %s not found", id)
		}
		return nil, wrapDaemonError("failed to create exec", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, containertypes.ExecStartOptions{})
	if err != nil {
		return nil, wrapDaemonError("failed to attach exec", err)
	}
	defer attach.Close()

	output, err := io.ReadAll(attach.Reader)
	if err != nil {
		return nil, types.WrapError(types.ErrExternal, "failed to read exec output", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, wrapDaemonError("failed to inspect exec", err)
	}
	return &ExecResult{ExitCode: inspect.ExitCode, Output: string(output)}, nil
}

// WaitForStatus polls until inspect reports the expected status or the
// deadline elapses, in which case it returns TIMEOUT.
func (r *DockerRuntime) WaitForStatus(ctx context.Context, id, expected string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		info, err := r.Inspect(ctx, id)
		if err == nil && info.State != nil && string(info.State.Status) == expected {
			return nil
		}
		if time.Now().After(deadline) {
			return types.Errorf(types.ErrTimeout, "container %s did not reach status %q within %s", id, expected, timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return types.WrapError(types.ErrTimeout, "wait cancelled", ctx.Err())
		}
	}
}

// wrapDaemonError classifies a daemon error: transient connection problems
// become DAEMON_UNAVAILABLE, everything else EXTERNAL with the daemon's
// message preserved.
func wrapDaemonError(msg string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return types.WrapError(types.ErrDaemonUnavailable, msg, err)
	}
	return types.WrapError(types.ErrExternal, msg, err)
}

var windowsPathRe = regexp.MustCompile(`^([A-Za-z]):[\\/]`)

// NormalizeWorkspacePath converts a Windows drive path into the WSL
// /mnt/<drive>/ form and normalizes separators; POSIX paths pass through.
func NormalizeWorkspacePath(p string) string {
	if m := windowsPathRe.FindStringSubmatch(p); m != nil {
		rest := strings.ReplaceAll(p[len(m[0]):], `\`, "/")
		return "/mnt/" + strings.ToLower(m[1]) + "/" + rest
	}
	return strings.ReplaceAll(p, `\`, "/")
}
