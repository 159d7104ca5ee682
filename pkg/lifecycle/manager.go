// Package lifecycle owns per-container state. All container mutations flow
// through the Manager, which drives the daemon adapter and keeps a record
// per container. Records are ephemeral; the daemon label is the durable
// source of truth and records are rebuilt from it on startup.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/runtime"
	"github.com/debug-host/debug-host/pkg/types"
)

const (
	startTimeout     = 30 * time.Second
	stopWaitTimeout  = 30 * time.Second
	defaultGraceSec  = 10
	batchParallelism = 4
	batchTimeout     = 30 * time.Second
	watchInterval    = 5 * time.Second
)

// Runtime is the daemon capability slice the manager drives
type Runtime interface {
	Create(ctx context.Context, spec runtime.ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, gracePeriodSec int) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (containertypes.InspectResponse, error)
	WaitForStatus(ctx context.Context, id, expected string, timeout time.Duration) error
	ListManaged(ctx context.Context) ([]containertypes.Summary, error)
}

// CreateSpec describes the container to create for a project
type CreateSpec struct {
	ProjectID string
	Type      types.ProjectType
	Workspace string
	Port      int
	Command   string
	Env       map[string]string
	Volumes   []types.VolumeMount
}

// ExitHandler is invoked when a watched container exits unexpectedly
type ExitHandler func(record types.ContainerRecord)

// Manager is the single source of truth for container lifecycle state
type Manager struct {
	mu       sync.RWMutex
	records  map[string]*types.ContainerRecord
	watchers map[string]chan struct{}

	rt     Runtime
	onExit ExitHandler

	watchEvery time.Duration
	logger     zerolog.Logger
}

// NewManager creates a lifecycle manager over the given runtime
func NewManager(rt Runtime) *Manager {
	return &Manager{
		records:    make(map[string]*types.ContainerRecord),
		watchers:   make(map[string]chan struct{}),
		rt:         rt,
		watchEvery: watchInterval,
		logger:     log.WithComponent("lifecycle"),
	}
}

// OnExit registers the handler for unsolicited container exits
func (m *Manager) OnExit(fn ExitHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

// ContainerName builds the canonical container name for a project
func ContainerName(projectID string) string {
	return fmt.Sprintf("debug-host-%s-%d", projectID, time.Now().UnixMilli())
}

// CreateContainer validates the spec, creates the container via the daemon,
// and records it. The record stays in the created state; starting is separate.
func (m *Manager) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	if spec.ProjectID == "" {
		return "", types.NewError(types.ErrValidation, "project id is required")
	}
	if !types.ValidProjectType(spec.Type) {
		return "", types.Errorf(types.ErrInvalidProjectType, "unknown project type %q", spec.Type)
	}
	if spec.Workspace == "" {
		return "", types.NewError(types.ErrValidation, "workspace path is required")
	}
	if spec.Port < 1 || spec.Port > 65535 {
		return "", types.Errorf(types.ErrValidation, "port %d out of range", spec.Port)
	}

	name := ContainerName(spec.ProjectID)
	id, err := m.rt.Create(ctx, runtime.ContainerSpec{
		Name:      name,
		ProjectID: spec.ProjectID,
		Type:      spec.Type,
		Workspace: spec.Workspace,
		Port:      spec.Port,
		Command:   spec.Command,
		Env:       spec.Env,
		Volumes:   spec.Volumes,
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.records[id] = &types.ContainerRecord{
		ID:        id,
		Name:      name,
		ProjectID: spec.ProjectID,
		Type:      spec.Type,
		Workspace: spec.Workspace,
		Port:      spec.Port,
		State:     types.ContainerStateCreated,
		CreatedAt: time.Now(),
	}
	m.mu.Unlock()

	m.logger.Info().Str("container", id).Str("project", spec.ProjectID).Msg("container created")
	return id, nil
}

// StartContainer starts a created or stopped container and waits up to 30s
// for the daemon to report it running.
func (m *Manager) StartContainer(ctx context.Context, id string) error {
	rec, err := m.transition(id, types.ContainerStateStarting,
		types.ContainerStateCreated, types.ContainerStateStopped, types.ContainerStateExited)
	if err != nil {
		return err
	}

	if err := m.rt.Start(ctx, id); err != nil {
		m.setState(id, types.ContainerStateStopped)
		return err
	}
	if err := m.rt.WaitForStatus(ctx, id, "running", startTimeout); err != nil {
		m.setState(id, types.ContainerStateStopped)
		return types.WrapError(types.ErrStartTimeout,
			fmt.Sprintf("container %s did not reach running within %s", id, startTimeout), err)
	}

	now := time.Now()
	m.mu.Lock()
	if r, ok := m.records[id]; ok {
		r.State = types.ContainerStateRunning
		r.StartedAt = &now
		r.Healthy = true
		r.LastHealth = now
	}
	m.mu.Unlock()

	m.watch(id)
	m.logger.Info().Str("container", id).Str("project", rec.ProjectID).Msg("container started")
	return nil
}

// StopContainer stops a container with the given grace period. Stopping an
// already stopped container is success.
func (m *Manager) StopContainer(ctx context.Context, id string, gracePeriodSec int) error {
	m.unwatch(id)

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return types.Errorf(types.ErrNotFound, "container %s not found", id)
	}
	switch rec.State {
	case types.ContainerStateStopped, types.ContainerStateExited, types.ContainerStateCreated:
		m.mu.Unlock()
		return nil
	}
	rec.State = types.ContainerStateStopping
	m.mu.Unlock()

	if gracePeriodSec <= 0 {
		gracePeriodSec = defaultGraceSec
	}
	if err := m.rt.Stop(ctx, id, gracePeriodSec); err != nil {
		m.setState(id, types.ContainerStateRunning)
		return err
	}
	// Best effort; a daemon that already reaped the container is fine
	if err := m.rt.WaitForStatus(ctx, id, "exited", stopWaitTimeout); err != nil {
		m.logger.Warn().Str("container", id).Err(err).Msg("container did not confirm exit")
	}

	now := time.Now()
	m.mu.Lock()
	if r, ok := m.records[id]; ok {
		r.State = types.ContainerStateStopped
		r.StoppedAt = &now
		r.Healthy = false
	}
	m.mu.Unlock()

	m.logger.Info().Str("container", id).Msg("container stopped")
	return nil
}

// RestartContainer is stop-then-start. A stop failure does not abort the
// start attempt; both outcomes are surfaced together.
func (m *Manager) RestartContainer(ctx context.Context, id string) error {
	stopErr := m.StopContainer(ctx, id, defaultGraceSec)
	if stopErr != nil && types.CodeOf(stopErr) == types.ErrNotFound {
		return stopErr
	}

	startErr := m.StartContainer(ctx, id)
	if stopErr != nil && startErr != nil {
		return types.Errorf(types.ErrInternal, "restart failed: stop: %v; start: %v", stopErr, startErr)
	}
	if startErr != nil {
		return startErr
	}
	if stopErr != nil {
		m.logger.Warn().Str("container", id).Err(stopErr).Msg("restart succeeded despite stop failure")
	}
	return nil
}

// RemoveContainer stops (unless force) and removes a container, then drops
// its record. A container already gone from the daemon is success.
func (m *Manager) RemoveContainer(ctx context.Context, id string, force bool) error {
	m.unwatch(id)

	if !force {
		if err := m.StopContainer(ctx, id, defaultGraceSec); err != nil && types.CodeOf(err) != types.ErrNotFound {
			return err
		}
	}

	if err := m.rt.Remove(ctx, id, force); err != nil && types.CodeOf(err) != types.ErrNotFound {
		return err
	}

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()

	m.logger.Info().Str("container", id).Msg("container removed")
	return nil
}

// Get returns a copy of a container record
func (m *Manager) Get(id string) (*types.ContainerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "container %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

// GetByProject returns the record for a project's active container
func (m *Manager) GetByProject(projectID string) (*types.ContainerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.ProjectID == projectID && rec.State != types.ContainerStateRemoved {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, types.Errorf(types.ErrNotFound, "project %s has no container", projectID)
}

// List returns copies of all container records
func (m *Manager) List() []*types.ContainerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.ContainerRecord, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// BatchResult is the per-container outcome of a batch operation
type BatchResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BatchOp names a batch-able lifecycle operation
type BatchOp string

const (
	BatchStart   BatchOp = "start"
	BatchStop    BatchOp = "stop"
	BatchRestart BatchOp = "restart"
	BatchRemove  BatchOp = "remove"
)

// Batch fans op out over ids with bounded parallelism and a 30s overall
// budget. Partial failure is reported per id, never returned as an error.
func (m *Manager) Batch(ctx context.Context, op BatchOp, ids []string) ([]BatchResult, error) {
	switch op {
	case BatchStart, BatchStop, BatchRestart, BatchRemove:
	default:
		return nil, types.Errorf(types.ErrValidation, "unknown batch operation %q", op)
	}

	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	results := make([]BatchResult, len(ids))
	sem := semaphore.NewWeighted(batchParallelism)
	g, gctx := errgroup.WithContext(ctx)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = BatchResult{ID: id, Error: "operation budget exhausted"}
				return nil
			}
			defer sem.Release(1)

			var err error
			switch op {
			case BatchStart:
				err = m.StartContainer(gctx, id)
			case BatchStop:
				err = m.StopContainer(gctx, id, defaultGraceSec)
			case BatchRestart:
				err = m.RestartContainer(gctx, id)
			case BatchRemove:
				err = m.RemoveContainer(gctx, id, false)
			}
			if err != nil {
				results[i] = BatchResult{ID: id, Error: err.Error()}
			} else {
				results[i] = BatchResult{ID: id, OK: true}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// CleanupOrphans removes every exited container bearing the managed label.
// Per-container failures are logged and skipped.
func (m *Manager) CleanupOrphans(ctx context.Context) ([]string, error) {
	list, err := m.rt.ListManaged(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, c := range list {
		if c.State != "exited" {
			continue
		}
		if err := m.rt.Remove(ctx, c.ID, true); err != nil {
			m.logger.Warn().Str("container", c.ID).Err(err).Msg("orphan cleanup failed")
			continue
		}
		m.mu.Lock()
		delete(m.records, c.ID)
		m.mu.Unlock()
		removed = append(removed, c.ID)
	}
	return removed, nil
}

// Rediscover rebuilds records for managed containers found on the daemon,
// typically after a host restart.
func (m *Manager) Rediscover(ctx context.Context) (int, error) {
	list, err := m.rt.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, c := range list {
		m.mu.Lock()
		if _, known := m.records[c.ID]; known {
			m.mu.Unlock()
			continue
		}
		name := c.ID
		if len(c.Names) > 0 {
			name = strippedName(c.Names[0])
		}
		state := types.ContainerStateStopped
		if c.State == "running" {
			state = types.ContainerStateRunning
		} else if c.State == "exited" {
			state = types.ContainerStateExited
		}
		m.records[c.ID] = &types.ContainerRecord{
			ID:        c.ID,
			Name:      name,
			ProjectID: c.Labels["project-id"],
			Type:      types.ProjectType(c.Labels["container-type"]),
			State:     state,
			Status:    c.Status,
			Healthy:   state == types.ContainerStateRunning,
			CreatedAt: time.Unix(c.Created, 0),
		}
		m.mu.Unlock()

		if state == types.ContainerStateRunning {
			m.watch(c.ID)
		}
		count++
	}
	return count, nil
}

// Shutdown stops all watchers. Containers keep running; the daemon owns them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, stop := range m.watchers {
		close(stop)
		delete(m.watchers, id)
	}
}

// watch polls the daemon for a running container and surfaces exits
func (m *Manager) watch(id string) {
	m.mu.Lock()
	if _, exists := m.watchers[id]; exists {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.watchers[id] = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.watchEvery)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if done := m.checkOnce(id); done {
					m.unwatch(id)
					return
				}
			}
		}
	}()
}

// checkOnce inspects the container and updates its record. Returns true
// when watching should end.
func (m *Manager) checkOnce(id string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	info, err := m.rt.Inspect(ctx, id)
	cancel()
	if err != nil {
		if types.CodeOf(err) == types.ErrNotFound {
			return true
		}
		m.logger.Debug().Str("container", id).Err(err).Msg("health check failed")
		return false
	}
	if info.State == nil {
		return false
	}

	status := string(info.State.Status)
	now := time.Now()

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return true
	}
	rec.Status = status
	rec.LastHealth = now
	rec.Healthy = status == "running"

	if status == "exited" && rec.State == types.ContainerStateRunning {
		rec.State = types.ContainerStateExited
		rec.ExitCode = info.State.ExitCode
		rec.StoppedAt = &now
		cp := *rec
		onExit := m.onExit
		m.mu.Unlock()

		m.logger.Warn().Str("container", id).Int("exitCode", cp.ExitCode).Msg("container exited unexpectedly")
		if onExit != nil {
			onExit(cp)
		}
		return true
	}
	m.mu.Unlock()
	return false
}

func (m *Manager) unwatch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.watchers[id]; ok {
		close(stop)
		delete(m.watchers, id)
	}
}

func (m *Manager) setState(id string, state types.ContainerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.State = state
	}
}

// transition atomically moves a record from one of the allowed states
func (m *Manager) transition(id string, to types.ContainerState, from ...types.ContainerState) (*types.ContainerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "container %s not found", id)
	}
	for _, s := range from {
		if rec.State == s {
			rec.State = to
			cp := *rec
			return &cp, nil
		}
	}
	return nil, types.Errorf(types.ErrStateViolation,
		"container %s is %s, cannot transition to %s", id, rec.State, to)
}

func strippedName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
