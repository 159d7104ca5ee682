// Package project persists the set of registered projects. The registry is
// the sole owner of project descriptors; all mutations go through its
// methods and are durable (via the atomic file store) before they return.
package project

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/debug-host/debug-host/pkg/fstore"
	"github.com/debug-host/debug-host/pkg/types"
)

// PortReleaser releases every port held by a project. Implemented by the
// port registry; deletion keeps referential consistency through it.
type PortReleaser interface {
	ReleaseProject(projectID string) ([]int, error)
}

// snapshot is the on-disk form of the registry (system/projects.json)
type snapshot struct {
	Projects []*types.Project `json:"projects"`
}

// Registry owns the project descriptor set
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*types.Project // by id
	path     string
	ports    PortReleaser
}

// NewRegistry loads (or creates) the registry persisted at path
func NewRegistry(path string, ports PortReleaser) (*Registry, error) {
	r := &Registry{
		projects: make(map[string]*types.Project),
		path:     path,
		ports:    ports,
	}

	var snap snapshot
	if err := fstore.ReadJSON(path, &snap); err != nil {
		return nil, fmt.Errorf("failed to load project registry: %w", err)
	}
	for _, p := range snap.Projects {
		r.projects[p.ID] = p
	}
	return r, nil
}

// NewID returns a short stable project id: proj_<base36 time><base36 rand>
func NewID() string {
	now := strconv.FormatInt(time.Now().UnixMilli(), 36)
	suffix := strconv.FormatInt(rand.Int63n(36*36*36*36), 36)
	for len(suffix) < 4 {
		suffix = "0" + suffix
	}
	return "proj_" + now + suffix
}

// Create registers a project. Name must be unique; an id is assigned when empty.
func (r *Registry) Create(p *types.Project) (*types.Project, error) {
	if p.Name == "" {
		return nil, types.NewError(types.ErrValidation, "project name is required")
	}
	if p.Path == "" {
		return nil, types.NewError(types.ErrValidation, "project path is required")
	}
	if !types.ValidProjectType(p.Type) {
		return nil, types.Errorf(types.ErrInvalidProjectType, "unknown project type %q", p.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.projects {
		if strings.EqualFold(existing.Name, p.Name) {
			return nil, types.Errorf(types.ErrConflict, "project name %q is already taken", p.Name).
				WithDetails("projectId", existing.ID)
		}
	}

	if p.ID == "" {
		p.ID = NewID()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.State == "" {
		p.State = types.ProjectStateCreated
	}

	r.projects[p.ID] = p
	if err := r.persistLocked(); err != nil {
		delete(r.projects, p.ID)
		return nil, err
	}
	return p, nil
}

// Get returns a project by id
func (r *Registry) Get(id string) (*types.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "project %s not found", id)
	}
	cp := *p
	return &cp, nil
}

// GetByName returns a project by its unique name
func (r *Registry) GetByName(name string) (*types.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.projects {
		if strings.EqualFold(p.Name, name) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, types.Errorf(types.ErrNotFound, "project %q not found", name)
}

// List returns all projects sorted by creation time
func (r *Registry) List() []*types.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Project, 0, len(r.projects))
	for _, p := range r.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update applies fn to a copy of the project and persists the result.
// The id is immutable; fn changes to it are discarded.
func (r *Registry) Update(id string, fn func(*types.Project)) (*types.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "project %s not found", id)
	}

	updated := *p
	fn(&updated)
	updated.ID = p.ID
	updated.CreatedAt = p.CreatedAt
	updated.UpdatedAt = time.Now()

	if updated.Name != p.Name {
		for _, other := range r.projects {
			if other.ID != id && strings.EqualFold(other.Name, updated.Name) {
				return nil, types.Errorf(types.ErrConflict, "project name %q is already taken", updated.Name)
			}
		}
	}

	r.projects[id] = &updated
	if err := r.persistLocked(); err != nil {
		r.projects[id] = p
		return nil, err
	}
	cp := updated
	return &cp, nil
}

// Delete removes a project and releases its ports
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	p, ok := r.projects[id]
	if !ok {
		r.mu.Unlock()
		return types.Errorf(types.ErrNotFound, "project %s not found", id)
	}
	delete(r.projects, id)
	if err := r.persistLocked(); err != nil {
		r.projects[id] = p
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	if r.ports != nil {
		if _, err := r.ports.ReleaseProject(id); err != nil {
			return types.WrapError(types.ErrInternal, "project deleted but port release failed", err)
		}
	}
	return nil
}

// Count returns the number of registered projects
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projects)
}

func (r *Registry) persistLocked() error {
	snap := snapshot{Projects: make([]*types.Project, 0, len(r.projects))}
	for _, p := range r.projects {
		snap.Projects = append(snap.Projects, p)
	}
	sort.Slice(snap.Projects, func(i, j int) bool { return snap.Projects[i].ID < snap.Projects[j].ID })

	if err := fstore.WriteJSON(r.path, snap); err != nil {
		return types.WrapError(types.ErrInternal, "failed to persist project registry", err)
	}
	return nil
}
