// Package api exposes the debug host over HTTP: an MCP-style tool server
// with an SSE log stream, and a REST surface for projects, ports, metrics
// and health. Both listeners bind loopback only.
package api

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/debug-host/debug-host/pkg/config"
	"github.com/debug-host/debug-host/pkg/detect"
	"github.com/debug-host/debug-host/pkg/health"
	"github.com/debug-host/debug-host/pkg/lifecycle"
	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/logs"
	"github.com/debug-host/debug-host/pkg/metrics"
	"github.com/debug-host/debug-host/pkg/ports"
	"github.com/debug-host/debug-host/pkg/project"
	"github.com/debug-host/debug-host/pkg/runtime"
	"github.com/debug-host/debug-host/pkg/types"
)

const batchBudget = 30 * time.Second

// ContainerManager is the lifecycle surface the service drives
type ContainerManager interface {
	CreateContainer(ctx context.Context, spec lifecycle.CreateSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, gracePeriodSec int) error
	RestartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	Get(id string) (*types.ContainerRecord, error)
	GetByProject(projectID string) (*types.ContainerRecord, error)
	List() []*types.ContainerRecord
}

// Execer runs a command inside a running container
type Execer interface {
	Exec(ctx context.Context, id string, argv []string) (*runtime.ExecResult, error)
}

// Tailer starts and stops per-container log tail tasks
type Tailer interface {
	StartTail(containerID, containerName string)
	StopTail(containerID string)
}

// SampleCollector attaches and detaches metric samplers
type SampleCollector interface {
	Attach(containerID, containerName, projectID string)
	Detach(containerID string)
}

// Service glues the subsystems behind the HTTP surface. All project
// operations go through here so REST handlers and MCP tools share one
// implementation.
type Service struct {
	cfg        config.Config
	projects   *project.Registry
	ports      *ports.Registry
	detectors  *detect.Registry
	containers ContainerManager
	native     *lifecycle.NativeRunner
	execer     Execer
	tails      Tailer
	collector  SampleCollector

	logStore  *logs.Store
	logBroker *logs.Broker
	search    *logs.SearchService
	metStore  *metrics.Store
	metStream *metrics.StreamManager
	healthEng *health.Engine
	recovery  *health.Recovery

	version   string
	startedAt time.Time
}

// ServiceDeps bundles the subsystems a Service needs
type ServiceDeps struct {
	Config     config.Config
	Projects   *project.Registry
	Ports      *ports.Registry
	Detectors  *detect.Registry
	Containers ContainerManager
	Native     *lifecycle.NativeRunner
	Execer     Execer
	Tails      Tailer
	Collector  SampleCollector
	LogStore   *logs.Store
	LogBroker  *logs.Broker
	Search     *logs.SearchService
	MetStore   *metrics.Store
	MetStream  *metrics.StreamManager
	HealthEng  *health.Engine
	Recovery   *health.Recovery
	Version    string
}

// NewService creates the orchestration service
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		cfg:        deps.Config,
		projects:   deps.Projects,
		ports:      deps.Ports,
		detectors:  deps.Detectors,
		containers: deps.Containers,
		native:     deps.Native,
		execer:     deps.Execer,
		tails:      deps.Tails,
		collector:  deps.Collector,
		logStore:   deps.LogStore,
		logBroker:  deps.LogBroker,
		search:     deps.Search,
		metStore:   deps.MetStore,
		metStream:  deps.MetStream,
		healthEng:  deps.HealthEng,
		recovery:   deps.Recovery,
		version:    deps.Version,
		startedAt:  time.Now(),
	}
	if s.version == "" {
		s.version = "dev"
	}
	return s
}

// Uptime reports how long the service has been running
func (s *Service) Uptime() time.Duration { return time.Since(s.startedAt) }

// RegisterRequest is the payload for project registration
type RegisterRequest struct {
	Name    string              `json:"name"`
	Path    string              `json:"path"`
	Type    types.ProjectType   `json:"type,omitempty"`
	Port    int                 `json:"port,omitempty"`
	Command string              `json:"command,omitempty"`
	Env     map[string]string   `json:"env,omitempty"`
	Volumes []types.VolumeMount `json:"volumes,omitempty"`
}

// Register detects the workspace stack, allocates a port, and creates the
// project descriptor.
func (s *Service) Register(req RegisterRequest) (*types.Project, error) {
	if req.Name == "" {
		return nil, types.NewError(types.ErrValidation, "project name is required")
	}
	if req.Path == "" {
		return nil, types.NewError(types.ErrValidation, "workspace path is required")
	}
	info, err := os.Stat(req.Path)
	if err != nil || !info.IsDir() {
		return nil, types.Errorf(types.ErrValidation, "workspace path %s is not a directory", req.Path)
	}

	ptype := req.Type
	command := req.Command
	detectedPort := 0
	if ptype == "" || command == "" {
		result, err := s.detectors.Detect(req.Path)
		if err != nil {
			return nil, err
		}
		if ptype == "" {
			ptype = result.Type
		}
		if command == "" {
			command = result.Command
		}
		detectedPort = result.Port
	}
	if !types.ValidProjectType(ptype) {
		return nil, types.Errorf(types.ErrInvalidProjectType, "unknown project type %q", ptype)
	}

	id := project.NewID()
	var alloc *ports.Allocation
	if req.Port != 0 {
		alloc, err = s.ports.Allocate(req.Port, ptype, req.Name, id)
	} else if detectedPort != 0 {
		// Prefer the port the workspace declares; fall back to the band
		alloc, err = s.ports.Allocate(detectedPort, ptype, req.Name, id)
		if err != nil {
			alloc, err = s.ports.AutoAllocate(ptype, req.Name, id)
		}
	} else {
		alloc, err = s.ports.AutoAllocate(ptype, req.Name, id)
	}
	if err != nil {
		return nil, err
	}

	p := &types.Project{
		ID:      id,
		Name:    req.Name,
		Path:    req.Path,
		Type:    ptype,
		Port:    alloc.Port,
		Command: command,
		Env:     req.Env,
		Volumes: req.Volumes,
		State:   types.ProjectStateCreated,
	}
	created, err := s.projects.Create(p)
	if err != nil {
		_ = s.ports.Release(alloc.Port, id)
		return nil, err
	}
	projectLog := log.WithProject(id)
	projectLog.Info().
		Str("name", req.Name).
		Str("type", string(ptype)).
		Int("port", alloc.Port).
		Msg("project registered")
	return created, nil
}

// Start launches a project. nativeOverride forces native process mode for
// this start regardless of the configured default.
func (s *Service) Start(ctx context.Context, projectID string, nativeOverride bool) (*types.Project, error) {
	p, err := s.projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	if p.State == types.ProjectStateRunning {
		return nil, types.Errorf(types.ErrStateViolation, "project %s is already running", projectID)
	}

	spec := lifecycle.CreateSpec{
		ProjectID: p.ID,
		Type:      p.Type,
		Workspace: p.Path,
		Port:      p.Port,
		Command:   p.Command,
		Env:       p.Env,
		Volumes:   p.Volumes,
	}

	// A stopped project keeps its container id so logs stay inspectable.
	// Drop that exited container now so the project maps to exactly one.
	if p.ContainerID != "" && !isNativeID(p.ContainerID) {
		s.detachStreams(p.ContainerID)
		if err := s.containers.RemoveContainer(ctx, p.ContainerID, true); err != nil &&
			types.CodeOf(err) != types.ErrNotFound {
			return nil, err
		}
	}

	if s.cfg.NativeMode || nativeOverride {
		procID, err := s.native.Start(ctx, spec)
		if err != nil {
			return nil, err
		}
		return s.projects.Update(projectID, func(p *types.Project) {
			now := time.Now()
			p.State = types.ProjectStateRunning
			p.ContainerID = procID
			p.StartedAt = &now
		})
	}

	containerID, err := s.containers.CreateContainer(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := s.containers.StartContainer(ctx, containerID); err != nil {
		_ = s.containers.RemoveContainer(ctx, containerID, true)
		return nil, err
	}

	rec, err := s.containers.Get(containerID)
	if err == nil {
		if s.tails != nil {
			s.tails.StartTail(containerID, rec.Name)
		}
		if s.collector != nil {
			s.collector.Attach(containerID, rec.Name, p.ID)
		}
	}
	return s.projects.Update(projectID, func(p *types.Project) {
		now := time.Now()
		p.State = types.ProjectStateRunning
		p.ContainerID = containerID
		p.StartedAt = &now
	})
}

// Stop stops a running project. Already-stopped is success.
func (s *Service) Stop(ctx context.Context, projectID string) (*types.Project, error) {
	p, err := s.projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	if p.ContainerID != "" {
		if isNativeID(p.ContainerID) {
			grace := time.Duration(s.cfg.StopGrace) * time.Second
			if err := s.native.Stop(p.ContainerID, grace); err != nil && types.CodeOf(err) != types.ErrNotFound {
				return nil, err
			}
		} else {
			s.detachStreams(p.ContainerID)
			if err := s.containers.StopContainer(ctx, p.ContainerID, s.cfg.StopGrace); err != nil &&
				types.CodeOf(err) != types.ErrNotFound {
				return nil, err
			}
		}
	}
	return s.projects.Update(projectID, func(p *types.Project) {
		now := time.Now()
		p.State = types.ProjectStateStopped
		p.StoppedAt = &now
	})
}

// Restart is stop-then-start; a stop failure is reported alongside the
// start outcome.
func (s *Service) Restart(ctx context.Context, projectID string) (*types.Project, error) {
	_, stopErr := s.Stop(ctx, projectID)
	if stopErr != nil && types.CodeOf(stopErr) == types.ErrNotFound {
		return nil, stopErr
	}
	p, startErr := s.Start(ctx, projectID, false)
	if startErr != nil {
		if stopErr != nil {
			return nil, types.Errorf(types.ErrInternal, "restart failed: stop: %v, start: %v", stopErr, startErr)
		}
		return nil, startErr
	}
	if stopErr != nil {
		projectLog := log.WithProject(projectID)
		projectLog.Warn().Err(stopErr).Msg("restart: stop failed, start succeeded")
	}
	return p, nil
}

// Remove stops the project, removes its container, releases its ports, and
// deletes the descriptor.
func (s *Service) Remove(ctx context.Context, projectID string) error {
	p, err := s.projects.Get(projectID)
	if err != nil {
		return err
	}
	if p.ContainerID != "" && !isNativeID(p.ContainerID) {
		s.detachStreams(p.ContainerID)
		if err := s.containers.RemoveContainer(ctx, p.ContainerID, true); err != nil &&
			types.CodeOf(err) != types.ErrNotFound {
			return err
		}
	}
	if p.ContainerID != "" && isNativeID(p.ContainerID) {
		_ = s.native.Stop(p.ContainerID, time.Duration(s.cfg.StopGrace)*time.Second)
	}
	return s.projects.Delete(projectID)
}

func (s *Service) detachStreams(containerID string) {
	if s.tails != nil {
		s.tails.StopTail(containerID)
	}
	if s.collector != nil {
		s.collector.Detach(containerID)
	}
}

func isNativeID(id string) bool { return strings.HasPrefix(id, "native-") }

// ProjectStatus is a project descriptor with its derived runtime status
type ProjectStatus struct {
	Project   *types.Project           `json:"project"`
	Container *types.ContainerRecord   `json:"container,omitempty"`
	Native    *lifecycle.NativeProcess `json:"native,omitempty"`
	Latest    *types.MetricSample      `json:"latestSample,omitempty"`
}

// Status returns a project with its container record and latest sample
func (s *Service) Status(projectID string) (*ProjectStatus, error) {
	p, err := s.projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	st := &ProjectStatus{Project: p}
	if p.ContainerID == "" {
		return st, nil
	}
	if isNativeID(p.ContainerID) {
		if proc, err := s.native.Get(p.ContainerID); err == nil {
			st.Native = proc
		}
		return st, nil
	}
	if rec, err := s.containers.Get(p.ContainerID); err == nil {
		st.Container = rec
	}
	if s.metStore != nil {
		if sample, err := s.metStore.Latest(p.ContainerID); err == nil {
			st.Latest = sample
		}
	}
	return st, nil
}

// ListStatuses returns every project with derived status
func (s *Service) ListStatuses() []*ProjectStatus {
	projectsList := s.projects.List()
	out := make([]*ProjectStatus, 0, len(projectsList))
	for _, p := range projectsList {
		if st, err := s.Status(p.ID); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// ProjectHealth is the per-project health summary
type ProjectHealth struct {
	ProjectID  string                 `json:"projectId"`
	State      types.ProjectState     `json:"state"`
	Container  *types.ContainerRecord `json:"container,omitempty"`
	Healthy    bool                   `json:"healthy"`
	LastHealth time.Time              `json:"lastHealth,omitempty"`
}

// Health reports a project's container health
func (s *Service) Health(projectID string) (*ProjectHealth, error) {
	p, err := s.projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	h := &ProjectHealth{ProjectID: p.ID, State: p.State}
	if p.ContainerID != "" && !isNativeID(p.ContainerID) {
		if rec, err := s.containers.Get(p.ContainerID); err == nil {
			h.Container = rec
			h.Healthy = rec.Healthy
			h.LastHealth = rec.LastHealth
		}
	}
	if p.ContainerID != "" && isNativeID(p.ContainerID) {
		if proc, err := s.native.Get(p.ContainerID); err == nil {
			h.Healthy = proc.Running
		}
	}
	return h, nil
}

// ConfigUpdate is the mutable slice of a project descriptor
type ConfigUpdate struct {
	Env         map[string]string   `json:"env,omitempty"`
	Volumes     []types.VolumeMount `json:"volumes,omitempty"`
	Port        int                 `json:"port,omitempty"`
	NetworkMode string              `json:"networkMode,omitempty"`
	Command     string              `json:"command,omitempty"`
}

// UpdateConfig applies a configuration change. Port changes require the
// project to be stopped and re-allocate through the port registry.
func (s *Service) UpdateConfig(projectID string, upd ConfigUpdate) (*types.Project, error) {
	p, err := s.projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	if upd.Port != 0 && upd.Port != p.Port {
		if p.State == types.ProjectStateRunning {
			return nil, types.NewError(types.ErrStateViolation, "stop the project before changing its port")
		}
		if _, err := s.ports.Allocate(upd.Port, p.Type, p.Name, p.ID); err != nil {
			return nil, err
		}
		if err := s.ports.Release(p.Port, p.ID); err != nil {
			projectLog := log.WithProject(projectID)
			projectLog.Warn().Err(err).Int("port", p.Port).Msg("stale port not released")
		}
	}
	return s.projects.Update(projectID, func(p *types.Project) {
		if upd.Env != nil {
			p.Env = upd.Env
		}
		if upd.Volumes != nil {
			p.Volumes = upd.Volumes
		}
		if upd.Port != 0 {
			p.Port = upd.Port
		}
		if upd.NetworkMode != "" {
			p.NetworkMode = upd.NetworkMode
		}
		if upd.Command != "" {
			p.Command = upd.Command
		}
	})
}

// BatchResult is the per-project outcome of a batch operation
type BatchResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Batch runs one operation across projects with bounded parallelism and a
// shared budget. Individual failures never cancel siblings.
func (s *Service) Batch(ctx context.Context, op string, ids []string) ([]BatchResult, error) {
	switch op {
	case "start", "stop", "restart", "remove":
	default:
		return nil, types.Errorf(types.ErrValidation, "unknown batch operation %q", op)
	}
	if len(ids) == 0 {
		return nil, types.NewError(types.ErrValidation, "batch requires at least one project id")
	}

	ctx, cancel := context.WithTimeout(ctx, batchBudget)
	defer cancel()

	limit := s.cfg.BatchLimit
	if limit <= 0 {
		limit = 4
	}
	sem := semaphore.NewWeighted(int64(limit))
	results := make([]BatchResult, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				results[i] = BatchResult{ID: id, Error: err.Error()}
				mu.Unlock()
				return nil
			}
			defer sem.Release(1)

			var err error
			switch op {
			case "start":
				_, err = s.Start(gctx, id, false)
			case "stop":
				_, err = s.Stop(gctx, id)
			case "restart":
				_, err = s.Restart(gctx, id)
			case "remove":
				err = s.Remove(gctx, id)
			}
			res := BatchResult{ID: id, OK: err == nil}
			if err != nil {
				res.Error = err.Error()
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Exec runs argv inside a project's running container
func (s *Service) Exec(ctx context.Context, projectID string, argv []string) (*runtime.ExecResult, error) {
	if s.execer == nil {
		return nil, types.NewError(types.ErrStateViolation, "exec is unavailable in native mode")
	}
	p, err := s.projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	if p.ContainerID == "" || isNativeID(p.ContainerID) {
		return nil, types.Errorf(types.ErrStateViolation, "project %s has no running container", projectID)
	}
	return s.execer.Exec(ctx, p.ContainerID, argv)
}

// containerNameFor resolves a project's active container name for streams
func (s *Service) containerNameFor(projectID string) (containerID, containerName string, err error) {
	p, err := s.projects.Get(projectID)
	if err != nil {
		return "", "", err
	}
	if p.ContainerID == "" || isNativeID(p.ContainerID) {
		return "", "", types.Errorf(types.ErrNotFound, "project %s has no active container", projectID)
	}
	rec, err := s.containers.Get(p.ContainerID)
	if err != nil {
		return "", "", err
	}
	return rec.ID, rec.Name, nil
}
