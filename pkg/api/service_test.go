package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debug-host/debug-host/pkg/config"
	"github.com/debug-host/debug-host/pkg/detect"
	"github.com/debug-host/debug-host/pkg/lifecycle"
	"github.com/debug-host/debug-host/pkg/logs"
	"github.com/debug-host/debug-host/pkg/metrics"
	"github.com/debug-host/debug-host/pkg/ports"
	"github.com/debug-host/debug-host/pkg/project"
	"github.com/debug-host/debug-host/pkg/types"
)

type fakeContainers struct {
	mu        sync.Mutex
	nextID    int
	records   map[string]*types.ContainerRecord
	failStart bool
	stopped   []string
	removed   []string
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{records: make(map[string]*types.ContainerRecord)}
}

func (f *fakeContainers) CreateContainer(_ context.Context, spec lifecycle.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.records[id] = &types.ContainerRecord{
		ID:        id,
		Name:      "debug-host-" + spec.ProjectID,
		ProjectID: spec.ProjectID,
		Type:      spec.Type,
		Port:      spec.Port,
		State:     types.ContainerStateCreated,
	}
	return id, nil
}

func (f *fakeContainers) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return types.NewError(types.ErrStartTimeout, "container did not become ready")
	}
	rec, ok := f.records[id]
	if !ok {
		return types.Errorf(types.ErrNotFound, "container %s not found", id)
	}
	rec.State = types.ContainerStateRunning
	return nil
}

func (f *fakeContainers) StopContainer(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return types.Errorf(types.ErrNotFound, "container %s not found", id)
	}
	rec.State = types.ContainerStateExited
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeContainers) RestartContainer(ctx context.Context, id string) error {
	if err := f.StopContainer(ctx, id, 0); err != nil {
		return err
	}
	return f.StartContainer(ctx, id)
}

func (f *fakeContainers) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return types.Errorf(types.ErrNotFound, "container %s not found", id)
	}
	delete(f.records, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeContainers) Get(id string) (*types.ContainerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "container %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeContainers) GetByProject(projectID string) (*types.ContainerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.ProjectID == projectID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, types.Errorf(types.ErrNotFound, "no container for project %s", projectID)
}

func (f *fakeContainers) List() []*types.ContainerRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.ContainerRecord, 0, len(f.records))
	for _, rec := range f.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

type fakeTailer struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeTailer) StartTail(containerID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, containerID)
}

func (f *fakeTailer) StopTail(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
}

type fakeCollector struct {
	mu       sync.Mutex
	attached []string
	detached []string
}

func (f *fakeCollector) Attach(containerID, _, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, containerID)
}

func (f *fakeCollector) Detach(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, containerID)
}

type testEnv struct {
	svc        *Service
	containers *fakeContainers
	tails      *fakeTailer
	collector  *fakeCollector
	workspace  string
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	portReg, err := ports.NewRegistry(filepath.Join(dir, "ports.json"))
	require.NoError(t, err)
	projReg, err := project.NewRegistry(filepath.Join(dir, "projects.json"), portReg)
	require.NoError(t, err)

	logStore := logs.NewStore(filepath.Join(dir, "logs"), 1000)
	metStore := metrics.NewStore(filepath.Join(dir, "metrics"))

	fc := newFakeContainers()
	ft := &fakeTailer{}
	fcoll := &fakeCollector{}

	workspace := filepath.Join(dir, "web")
	require.NoError(t, os.MkdirAll(workspace, 0o755))

	svc := NewService(ServiceDeps{
		Config:     config.Config{StopGrace: 1, BatchLimit: 2},
		Projects:   projReg,
		Ports:      portReg,
		Detectors:  detect.NewRegistry(),
		Containers: fc,
		Native:     lifecycle.NewNativeRunner(),
		Tails:      ft,
		Collector:  fcoll,
		LogStore:   logStore,
		LogBroker:  logs.NewBroker(),
		Search:     logs.NewSearchService(logStore),
		MetStore:   metStore,
		MetStream:  metrics.NewStreamManager(metStore),
	})
	return &testEnv{svc: svc, containers: fc, tails: ft, collector: fcoll, workspace: workspace}
}

func registerNode(t *testing.T, env *testEnv, name string) *types.Project {
	t.Helper()
	p, err := env.svc.Register(RegisterRequest{
		Name:    name,
		Path:    env.workspace,
		Type:    types.ProjectTypeNode,
		Command: "npm start",
	})
	require.NoError(t, err)
	return p
}

func TestRegisterValidation(t *testing.T) {
	env := newTestService(t)

	_, err := env.svc.Register(RegisterRequest{Path: env.workspace})
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))

	_, err = env.svc.Register(RegisterRequest{Name: "web"})
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))

	_, err = env.svc.Register(RegisterRequest{Name: "web", Path: filepath.Join(env.workspace, "missing")})
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))
}

func TestRegisterDetectsStack(t *testing.T) {
	env := newTestService(t)
	pkg := `{"name":"web","scripts":{"dev":"vite --port 3100"}}`
	require.NoError(t, os.WriteFile(filepath.Join(env.workspace, "package.json"), []byte(pkg), 0o644))

	p, err := env.svc.Register(RegisterRequest{Name: "web", Path: env.workspace})
	require.NoError(t, err)
	assert.Equal(t, types.ProjectTypeNode, p.Type)
	assert.Equal(t, "npm run dev", p.Command)
	assert.Equal(t, 3100, p.Port)
	assert.Equal(t, types.ProjectStateCreated, p.State)
}

func TestRegisterExplicitPortWins(t *testing.T) {
	env := newTestService(t)
	p, err := env.svc.Register(RegisterRequest{
		Name:    "web",
		Path:    env.workspace,
		Type:    types.ProjectTypeNode,
		Command: "npm start",
		Port:    3200,
	})
	require.NoError(t, err)
	assert.Equal(t, 3200, p.Port)

	allocated, alloc, _ := env.svc.ports.CheckPort(3200)
	assert.True(t, allocated)
	assert.Equal(t, p.ID, alloc.ProjectID)
}

func TestRegisterRejectsUnknownType(t *testing.T) {
	env := newTestService(t)
	_, err := env.svc.Register(RegisterRequest{
		Name:    "web",
		Path:    env.workspace,
		Type:    "cobol",
		Command: "run",
	})
	assert.Equal(t, types.ErrInvalidProjectType, types.CodeOf(err))
}

func TestStartAttachesStreams(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")

	started, err := env.svc.Start(context.Background(), p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStateRunning, started.State)
	assert.NotEmpty(t, started.ContainerID)
	require.NotNil(t, started.StartedAt)

	assert.Equal(t, []string{started.ContainerID}, env.tails.started)
	assert.Equal(t, []string{started.ContainerID}, env.collector.attached)
}

func TestStartTwiceIsStateViolation(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")

	_, err := env.svc.Start(context.Background(), p.ID, false)
	require.NoError(t, err)
	_, err = env.svc.Start(context.Background(), p.ID, false)
	assert.Equal(t, types.ErrStateViolation, types.CodeOf(err))
}

func TestStartFailureRemovesContainer(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")
	env.containers.failStart = true

	_, err := env.svc.Start(context.Background(), p.ID, false)
	assert.Equal(t, types.ErrStartTimeout, types.CodeOf(err))
	assert.Len(t, env.containers.removed, 1)

	got, err := env.svc.projects.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStateCreated, got.State)
}

func TestStopDetachesStreams(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")

	started, err := env.svc.Start(context.Background(), p.ID, false)
	require.NoError(t, err)
	stopped, err := env.svc.Stop(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, types.ProjectStateStopped, stopped.State)
	require.NotNil(t, stopped.StoppedAt)
	assert.Equal(t, []string{started.ContainerID}, env.tails.stopped)
	assert.Equal(t, []string{started.ContainerID}, env.collector.detached)
}

func TestStopMissingContainerIsSuccess(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")

	started, err := env.svc.Start(context.Background(), p.ID, false)
	require.NoError(t, err)
	// simulate the container vanishing out from under us
	require.NoError(t, env.containers.RemoveContainer(context.Background(), started.ContainerID, true))

	stopped, err := env.svc.Stop(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStateStopped, stopped.State)
}

func TestStartAfterStopRemovesPreviousContainer(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")

	first, err := env.svc.Start(context.Background(), p.ID, false)
	require.NoError(t, err)
	_, err = env.svc.Stop(context.Background(), p.ID)
	require.NoError(t, err)

	second, err := env.svc.Start(context.Background(), p.ID, false)
	require.NoError(t, err)
	assert.NotEqual(t, first.ContainerID, second.ContainerID)

	// the exited container from the first run must not pile up
	assert.Contains(t, env.containers.removed, first.ContainerID)
	require.Len(t, env.containers.List(), 1)

	rec, err := env.containers.GetByProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ContainerID, rec.ID)
}

func TestRestartCyclesContainer(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")

	first, err := env.svc.Start(context.Background(), p.ID, false)
	require.NoError(t, err)
	restarted, err := env.svc.Restart(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, types.ProjectStateRunning, restarted.State)
	assert.NotEqual(t, first.ContainerID, restarted.ContainerID)
}

func TestRemoveReleasesEverything(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")
	port := p.Port

	started, err := env.svc.Start(context.Background(), p.ID, false)
	require.NoError(t, err)
	require.NoError(t, env.svc.Remove(context.Background(), p.ID))

	_, err = env.svc.projects.Get(p.ID)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
	assert.Contains(t, env.containers.removed, started.ContainerID)

	allocated, _, _ := env.svc.ports.CheckPort(port)
	assert.False(t, allocated)
}

func TestStatusIncludesContainer(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")

	st, err := env.svc.Status(p.ID)
	require.NoError(t, err)
	assert.Nil(t, st.Container)

	_, err = env.svc.Start(context.Background(), p.ID, false)
	require.NoError(t, err)
	st, err = env.svc.Status(p.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Container)
	assert.Equal(t, types.ContainerStateRunning, st.Container.State)
}

func TestUpdateConfigPortRequiresStopped(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")

	_, err := env.svc.Start(context.Background(), p.ID, false)
	require.NoError(t, err)
	_, err = env.svc.UpdateConfig(p.ID, ConfigUpdate{Port: 3500})
	assert.Equal(t, types.ErrStateViolation, types.CodeOf(err))
}

func TestUpdateConfigSwapsPortAllocation(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")
	oldPort := p.Port

	upd, err := env.svc.UpdateConfig(p.ID, ConfigUpdate{Port: 3500, Env: map[string]string{"DEBUG": "1"}})
	require.NoError(t, err)
	assert.Equal(t, 3500, upd.Port)
	assert.Equal(t, "1", upd.Env["DEBUG"])

	allocated, _, _ := env.svc.ports.CheckPort(oldPort)
	assert.False(t, allocated)
	allocated, alloc, _ := env.svc.ports.CheckPort(3500)
	assert.True(t, allocated)
	assert.Equal(t, p.ID, alloc.ProjectID)
}

func TestBatchValidation(t *testing.T) {
	env := newTestService(t)

	_, err := env.svc.Batch(context.Background(), "explode", []string{"a"})
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))

	_, err = env.svc.Batch(context.Background(), "start", nil)
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))
}

func TestBatchReportsPerProjectOutcomes(t *testing.T) {
	env := newTestService(t)
	a := registerNode(t, env, "a")
	b := registerNode(t, env, "b")

	results, err := env.svc.Batch(context.Background(), "start", []string{a.ID, "missing", b.ID})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.NotEmpty(t, results[1].Error)
	assert.True(t, results[2].OK)

	got, err := env.svc.projects.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStateRunning, got.State)
}

func TestExecRequiresRunningContainer(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")

	_, err := env.svc.Exec(context.Background(), p.ID, []string{"ls"})
	assert.Equal(t, types.ErrStateViolation, types.CodeOf(err))
}

func TestContainerNameForInactiveProject(t *testing.T) {
	env := newTestService(t)
	p := registerNode(t, env, "web")

	_, _, err := env.svc.containerNameFor(p.ID)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))

	_, err = env.svc.Start(context.Background(), p.ID, false)
	require.NoError(t, err)
	id, name, err := env.svc.containerNameFor(p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Contains(t, name, "debug-host-")
}
