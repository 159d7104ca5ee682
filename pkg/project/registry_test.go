package project

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debug-host/debug-host/pkg/types"
)

type fakeReleaser struct {
	released []string
}

func (f *fakeReleaser) ReleaseProject(projectID string) ([]int, error) {
	f.released = append(f.released, projectID)
	return []int{3000}, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeReleaser) {
	t.Helper()
	rel := &fakeReleaser{}
	r, err := NewRegistry(filepath.Join(t.TempDir(), "projects.json"), rel)
	require.NoError(t, err)
	return r, rel
}

func validProject(name string) *types.Project {
	return &types.Project{
		Name: name,
		Path: "/workspaces/" + name,
		Type: types.ProjectTypeNode,
		Port: 3000,
	}
}

func TestCreateAssignsID(t *testing.T) {
	r, _ := newTestRegistry(t)

	p, err := r.Create(validProject("web"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.ID, "proj_"))
	assert.Equal(t, types.ProjectStateCreated, p.State)
	assert.False(t, p.CreatedAt.IsZero())
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Create(validProject("web"))
	require.NoError(t, err)

	_, err = r.Create(validProject("WEB"))
	assert.Equal(t, types.ErrConflict, types.CodeOf(err))
}

func TestCreateValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Create(&types.Project{Path: "/x", Type: types.ProjectTypeNode})
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))

	_, err = r.Create(&types.Project{Name: "a", Type: types.ProjectTypeNode})
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))

	_, err = r.Create(&types.Project{Name: "a", Path: "/x", Type: "cobol"})
	assert.Equal(t, types.ErrInvalidProjectType, types.CodeOf(err))
}

func TestGetByIDAndName(t *testing.T) {
	r, _ := newTestRegistry(t)
	created, err := r.Create(validProject("web"))
	require.NoError(t, err)

	byID, err := r.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "web", byID.Name)

	byName, err := r.GetByName("web")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	_, err = r.Get("proj_missing")
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestUpdatePreservesID(t *testing.T) {
	r, _ := newTestRegistry(t)
	created, err := r.Create(validProject("web"))
	require.NoError(t, err)

	updated, err := r.Update(created.ID, func(p *types.Project) {
		p.ID = "proj_hijack"
		p.Port = 3005
		p.State = types.ProjectStateRunning
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, 3005, updated.Port)
	assert.Equal(t, types.ProjectStateRunning, updated.State)
}

func TestUpdateRejectsNameCollision(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Create(validProject("web"))
	require.NoError(t, err)
	second, err := r.Create(validProject("api"))
	require.NoError(t, err)

	_, err = r.Update(second.ID, func(p *types.Project) { p.Name = "web" })
	assert.Equal(t, types.ErrConflict, types.CodeOf(err))
}

func TestDeleteReleasesPorts(t *testing.T) {
	r, rel := newTestRegistry(t)
	created, err := r.Create(validProject("web"))
	require.NoError(t, err)

	require.NoError(t, r.Delete(created.ID))
	assert.Equal(t, []string{created.ID}, rel.released)
	assert.Equal(t, 0, r.Count())

	err = r.Delete(created.ID)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")

	r, err := NewRegistry(path, nil)
	require.NoError(t, err)
	created, err := r.Create(validProject("web"))
	require.NoError(t, err)

	reloaded, err := NewRegistry(path, nil)
	require.NoError(t, err)
	got, err := reloaded.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "web", got.Name)
	assert.Equal(t, 1, reloaded.Count())
}

func TestListSorted(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, name := range []string{"one", "two", "three"} {
		_, err := r.Create(validProject(name))
		require.NoError(t, err)
	}
	list := r.List()
	require.Len(t, list, 3)
}
