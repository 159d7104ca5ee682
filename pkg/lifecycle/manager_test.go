package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debug-host/debug-host/pkg/runtime"
	"github.com/debug-host/debug-host/pkg/types"
)

type fakeRuntime struct {
	mu        sync.Mutex
	createErr error
	startErr  error
	stopErr   error
	removeErr error
	waitErr   error
	status    string
	exitCode  int
	created   []runtime.ContainerSpec
	removed   []string
	managed   []containertypes.Summary
	nextID    int
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	f.created = append(f.created, spec)
	return spec.ProjectID + "-c", nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error { return f.startErr }

func (f *fakeRuntime) Stop(ctx context.Context, id string, gracePeriodSec int) error {
	return f.stopErr
}

func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (containertypes.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return containertypes.InspectResponse{
		ContainerJSONBase: &containertypes.ContainerJSONBase{
			ID: id,
			State: &containertypes.State{
				Status:   containertypes.ContainerState(f.status),
				ExitCode: f.exitCode,
			},
		},
	}, nil
}

func (f *fakeRuntime) WaitForStatus(ctx context.Context, id, expected string, timeout time.Duration) error {
	return f.waitErr
}

func (f *fakeRuntime) ListManaged(ctx context.Context) ([]containertypes.Summary, error) {
	return f.managed, nil
}

func (f *fakeRuntime) setStatus(status string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.exitCode = exitCode
}

func validSpec() CreateSpec {
	return CreateSpec{
		ProjectID: "proj_a",
		Type:      types.ProjectTypeNode,
		Workspace: "/workspaces/web",
		Port:      3000,
		Command:   "npm run dev",
	}
}

func createStarted(t *testing.T, m *Manager) string {
	t.Helper()
	id, err := m.CreateContainer(context.Background(), validSpec())
	require.NoError(t, err)
	require.NoError(t, m.StartContainer(context.Background(), id))
	return id
}

func TestCreateContainerValidation(t *testing.T) {
	m := NewManager(&fakeRuntime{})

	cases := []struct {
		name string
		mod  func(*CreateSpec)
		code types.ErrorCode
	}{
		{"missing project", func(s *CreateSpec) { s.ProjectID = "" }, types.ErrValidation},
		{"bad type", func(s *CreateSpec) { s.Type = "cobol" }, types.ErrInvalidProjectType},
		{"missing workspace", func(s *CreateSpec) { s.Workspace = "" }, types.ErrValidation},
		{"bad port", func(s *CreateSpec) { s.Port = 70000 }, types.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mod(&spec)
			_, err := m.CreateContainer(context.Background(), spec)
			assert.Equal(t, tc.code, types.CodeOf(err))
		})
	}
}

func TestCreateContainerRecords(t *testing.T) {
	f := &fakeRuntime{}
	m := NewManager(f)

	id, err := m.CreateContainer(context.Background(), validSpec())
	require.NoError(t, err)

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateCreated, rec.State)
	assert.Equal(t, "proj_a", rec.ProjectID)
	assert.Contains(t, rec.Name, "debug-host-proj_a-")

	require.Len(t, f.created, 1)
	assert.Equal(t, 3000, f.created[0].Port)
}

func TestStartContainer(t *testing.T) {
	f := &fakeRuntime{status: "running"}
	m := NewManager(f)
	defer m.Shutdown()

	id := createStarted(t, m)

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateRunning, rec.State)
	assert.True(t, rec.Healthy)
	assert.NotNil(t, rec.StartedAt)
}

func TestStartContainerTimeout(t *testing.T) {
	f := &fakeRuntime{waitErr: types.NewError(types.ErrTimeout, "not running")}
	m := NewManager(f)

	id, err := m.CreateContainer(context.Background(), validSpec())
	require.NoError(t, err)

	err = m.StartContainer(context.Background(), id)
	assert.Equal(t, types.ErrStartTimeout, types.CodeOf(err))

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateStopped, rec.State)
}

func TestStartRunningContainerRejected(t *testing.T) {
	m := NewManager(&fakeRuntime{status: "running"})
	defer m.Shutdown()

	id := createStarted(t, m)
	err := m.StartContainer(context.Background(), id)
	assert.Equal(t, types.ErrStateViolation, types.CodeOf(err))
}

func TestStopContainerIdempotent(t *testing.T) {
	f := &fakeRuntime{status: "running"}
	m := NewManager(f)
	defer m.Shutdown()

	id := createStarted(t, m)
	require.NoError(t, m.StopContainer(context.Background(), id, 10))
	require.NoError(t, m.StopContainer(context.Background(), id, 10))

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateStopped, rec.State)
	assert.NotNil(t, rec.StoppedAt)
}

func TestStopMissingContainer(t *testing.T) {
	m := NewManager(&fakeRuntime{})
	err := m.StopContainer(context.Background(), "nope", 10)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestRestartSurvivesStopFailure(t *testing.T) {
	f := &fakeRuntime{status: "running", stopErr: errors.New("daemon hiccup")}
	m := NewManager(f)
	defer m.Shutdown()

	id := createStarted(t, m)

	// Stop fails but the container record reverts to running, so the
	// subsequent start is rejected as a state violation and surfaced.
	err := m.RestartContainer(context.Background(), id)
	require.Error(t, err)

	f.stopErr = nil
	require.NoError(t, m.StopContainer(context.Background(), id, 10))
	require.NoError(t, m.StartContainer(context.Background(), id))
}

func TestRemoveContainer(t *testing.T) {
	f := &fakeRuntime{status: "running"}
	m := NewManager(f)
	defer m.Shutdown()

	id := createStarted(t, m)
	require.NoError(t, m.RemoveContainer(context.Background(), id, false))

	_, err := m.Get(id)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
	assert.Contains(t, f.removed, id)
}

func TestRemoveGoneContainerIsSuccess(t *testing.T) {
	f := &fakeRuntime{status: "running", removeErr: types.NewError(types.ErrNotFound, "gone")}
	m := NewManager(f)
	defer m.Shutdown()

	id := createStarted(t, m)
	assert.NoError(t, m.RemoveContainer(context.Background(), id, true))
}

func TestBatchReportsPartialFailure(t *testing.T) {
	f := &fakeRuntime{status: "running"}
	m := NewManager(f)
	defer m.Shutdown()

	a := createStarted(t, m)
	b := createStarted(t, m)

	results, err := m.Batch(context.Background(), BatchStop, []string{a, b, "missing"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[string]BatchResult{}
	for _, r := range results {
		byID[r.ID] = r
	}
	assert.True(t, byID[a].OK)
	assert.True(t, byID[b].OK)
	assert.False(t, byID["missing"].OK)
	assert.NotEmpty(t, byID["missing"].Error)
}

func TestBatchRejectsUnknownOp(t *testing.T) {
	m := NewManager(&fakeRuntime{})
	_, err := m.Batch(context.Background(), "explode", []string{"a"})
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))
}

func TestCleanupOrphans(t *testing.T) {
	f := &fakeRuntime{managed: []containertypes.Summary{
		{ID: "dead-1", State: "exited"},
		{ID: "alive-1", State: "running"},
		{ID: "dead-2", State: "exited"},
	}}
	m := NewManager(f)

	removed, err := m.CleanupOrphans(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dead-1", "dead-2"}, removed)
	assert.NotContains(t, f.removed, "alive-1")
}

func TestRediscover(t *testing.T) {
	f := &fakeRuntime{status: "running", managed: []containertypes.Summary{
		{
			ID:     "c-1",
			Names:  []string{"/debug-host-proj_a-1"},
			State:  "running",
			Labels: map[string]string{"project-id": "proj_a", "container-type": "node"},
		},
		{
			ID:     "c-2",
			State:  "exited",
			Labels: map[string]string{"project-id": "proj_b", "container-type": "php"},
		},
	}}
	m := NewManager(f)
	defer m.Shutdown()

	count, err := m.Rediscover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rec, err := m.Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, "debug-host-proj_a-1", rec.Name)
	assert.Equal(t, types.ContainerStateRunning, rec.State)
	assert.Equal(t, "proj_a", rec.ProjectID)

	rec, err = m.Get("c-2")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateExited, rec.State)
}

func TestWatcherSurfacesExit(t *testing.T) {
	f := &fakeRuntime{status: "running"}
	m := NewManager(f)
	m.watchEvery = 10 * time.Millisecond
	defer m.Shutdown()

	exited := make(chan types.ContainerRecord, 1)
	m.OnExit(func(rec types.ContainerRecord) { exited <- rec })

	id := createStarted(t, m)
	f.setStatus("exited", 137)

	select {
	case rec := <-exited:
		assert.Equal(t, id, rec.ID)
		assert.Equal(t, 137, rec.ExitCode)
		assert.Equal(t, types.ContainerStateExited, rec.State)
	case <-time.After(2 * time.Second):
		t.Fatal("exit was not surfaced")
	}

	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateExited, got.State)
}
