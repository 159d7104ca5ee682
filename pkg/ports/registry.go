// Package ports hands out host ports from per-stack bands, with OS-level
// conflict probing and a durable allocation snapshot.
package ports

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/debug-host/debug-host/pkg/fstore"
	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/types"
)

// System range reserved for the debug host itself, never handed out
const (
	SystemRangeStart = 2601
	SystemRangeEnd   = 2699

	historyLimit = 100
)

// Band is the contiguous port range reserved for a stack
type Band struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether port lies inside the band
func (b Band) Contains(port int) bool {
	return port >= b.Start && port <= b.End
}

var bands = map[types.ProjectType]Band{
	types.ProjectTypeNode:   {Start: 3000, End: 3999},
	types.ProjectTypeStatic: {Start: 4000, End: 4999},
	types.ProjectTypePython: {Start: 5000, End: 5999},
	types.ProjectTypePHP:    {Start: 8080, End: 8980},
}

// BandFor returns the allocation band for a project type. Stacks without a
// dedicated band (vite, go, rust, java, ruby, dotnet) share the node band.
func BandFor(t types.ProjectType) (Band, bool) {
	if !types.ValidProjectType(t) {
		return Band{}, false
	}
	if b, ok := bands[t]; ok {
		return b, true
	}
	return bands[types.ProjectTypeNode], true
}

// Allocation records a port handed out to a project
type Allocation struct {
	Port        int               `json:"port"`
	ProjectID   string            `json:"projectId"`
	Name        string            `json:"name"`
	Type        types.ProjectType `json:"type"`
	AllocatedAt time.Time         `json:"allocatedAt"`
}

// Event is one entry in the rolling allocation history
type Event struct {
	Action    string    `json:"action"` // allocate, release, cleanup
	Port      int       `json:"port"`
	ProjectID string    `json:"projectId,omitempty"`
	Name      string    `json:"name,omitempty"`
	Time      time.Time `json:"time"`
}

// snapshot is the on-disk form of the registry (system/ports.json)
type snapshot struct {
	Allocations map[int]Allocation `json:"allocations"`
	History     []Event            `json:"history"`
}

// Registry allocates host ports per stack band with OS conflict detection.
// All mutations are serialized and durable before they return.
type Registry struct {
	mu          sync.RWMutex
	allocations map[int]Allocation
	history     []Event
	path        string

	// probeFree reports whether the OS considers the port free.
	// Overridable in tests.
	probeFree func(port int) bool
}

// NewRegistry loads (or creates) the registry persisted at path
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		allocations: make(map[int]Allocation),
		path:        path,
		probeFree:   probeLoopback,
	}

	var snap snapshot
	if err := fstore.ReadJSON(path, &snap); err != nil {
		return nil, fmt.Errorf("failed to load port registry: %w", err)
	}
	if snap.Allocations != nil {
		r.allocations = snap.Allocations
	}
	r.history = snap.History
	return r, nil
}

// Allocate records an explicit port for a project and persists the change
func (r *Registry) Allocate(port int, ptype types.ProjectType, name, projectID string) (*Allocation, error) {
	if port < 1 || port > 65535 {
		return nil, types.Errorf(types.ErrInvalidPort, "port %d is not a valid TCP port", port)
	}
	if port >= SystemRangeStart && port <= SystemRangeEnd {
		return nil, types.Errorf(types.ErrSystemReserved, "port %d is inside the reserved system range %d-%d", port, SystemRangeStart, SystemRangeEnd)
	}
	band, ok := BandFor(ptype)
	if !ok {
		return nil, types.Errorf(types.ErrInvalidProjectType, "unknown project type %q", ptype)
	}
	if !band.Contains(port) {
		return nil, types.Errorf(types.ErrPortOutOfRange, "port %d is outside the %s band %d-%d", port, ptype, band.Start, band.End).
			WithDetails("band", band)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, taken := r.allocations[port]; taken {
		return nil, types.Errorf(types.ErrPortInUse, "port %d is already allocated to %q", port, existing.Name).
			WithDetails("allocatedTo", existing.ProjectID).
			WithDetails("suggestions", r.suggestLocked(band, 3))
	}
	if !r.probeFree(port) {
		return nil, types.Errorf(types.ErrPortInUseExternal, "port %d is in use by another process", port).
			WithDetails("suggestions", r.suggestLocked(band, 3))
	}

	alloc := Allocation{
		Port:        port,
		ProjectID:   projectID,
		Name:        name,
		Type:        ptype,
		AllocatedAt: time.Now(),
	}
	r.allocations[port] = alloc
	prevHistory := r.history
	r.recordLocked(Event{Action: "allocate", Port: port, ProjectID: projectID, Name: name, Time: alloc.AllocatedAt})

	if err := r.persistLocked(); err != nil {
		delete(r.allocations, port)
		r.history = prevHistory
		return nil, err
	}
	return &alloc, nil
}

// AutoAllocate scans the stack's band for the first free port
func (r *Registry) AutoAllocate(ptype types.ProjectType, name, projectID string) (*Allocation, error) {
	band, ok := BandFor(ptype)
	if !ok {
		return nil, types.Errorf(types.ErrInvalidProjectType, "unknown project type %q", ptype)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for port := band.Start; port <= band.End; port++ {
		if _, taken := r.allocations[port]; taken {
			continue
		}
		if !r.probeFree(port) {
			continue
		}

		alloc := Allocation{
			Port:        port,
			ProjectID:   projectID,
			Name:        name,
			Type:        ptype,
			AllocatedAt: time.Now(),
		}
		r.allocations[port] = alloc
		prevHistory := r.history
		r.recordLocked(Event{Action: "allocate", Port: port, ProjectID: projectID, Name: name, Time: alloc.AllocatedAt})

		if err := r.persistLocked(); err != nil {
			delete(r.allocations, port)
			r.history = prevHistory
			return nil, err
		}
		return &alloc, nil
	}

	return nil, types.Errorf(types.ErrNoAvailablePorts, "no free ports in the %s band %d-%d", ptype, band.Start, band.End)
}

// Release removes an allocation. A supplied project id must match the owner.
func (r *Registry) Release(port int, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alloc, ok := r.allocations[port]
	if !ok {
		return types.Errorf(types.ErrNotFound, "port %d is not allocated", port)
	}
	if projectID != "" && alloc.ProjectID != projectID {
		return types.Errorf(types.ErrProjectMismatch, "port %d belongs to project %s", port, alloc.ProjectID)
	}

	delete(r.allocations, port)
	prevHistory := r.history
	r.recordLocked(Event{Action: "release", Port: port, ProjectID: alloc.ProjectID, Name: alloc.Name, Time: time.Now()})

	// A failed persist rolls back the allocation and its history event
	// together, so the history never shows a release that did not land.
	if err := r.persistLocked(); err != nil {
		r.allocations[port] = alloc
		r.history = prevHistory
		return err
	}
	return nil
}

// ReleaseProject releases every port held by a project and returns them
func (r *Registry) ReleaseProject(projectID string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []int
	for port, alloc := range r.allocations {
		if alloc.ProjectID == projectID {
			released = append(released, port)
		}
	}
	sort.Ints(released)

	now := time.Now()
	prevHistory := r.history
	removed := make(map[int]Allocation, len(released))
	for _, port := range released {
		alloc := r.allocations[port]
		removed[port] = alloc
		delete(r.allocations, port)
		r.recordLocked(Event{Action: "release", Port: port, ProjectID: alloc.ProjectID, Name: alloc.Name, Time: now})
	}

	if len(released) > 0 {
		if err := r.persistLocked(); err != nil {
			for port, alloc := range removed {
				r.allocations[port] = alloc
			}
			r.history = prevHistory
			return nil, err
		}
	}
	return released, nil
}

// Suggest returns up to count currently free ports within the stack's band
func (r *Registry) Suggest(ptype types.ProjectType, count int) ([]int, error) {
	band, ok := BandFor(ptype)
	if !ok {
		return nil, types.Errorf(types.ErrInvalidProjectType, "unknown project type %q", ptype)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.suggestLocked(band, count), nil
}

// CheckPort reports whether the port is allocated and who owns it
func (r *Registry) CheckPort(port int) (allocated bool, alloc *Allocation, osFree bool) {
	r.mu.RLock()
	a, ok := r.allocations[port]
	r.mu.RUnlock()

	free := r.probeFree(port)
	if !ok {
		return false, nil, free
	}
	return true, &a, free
}

// CleanupOrphans removes allocations whose port the OS reports as free
func (r *Registry) CleanupOrphans() ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orphans []int
	for port := range r.allocations {
		if r.probeFree(port) {
			orphans = append(orphans, port)
		}
	}
	sort.Ints(orphans)

	now := time.Now()
	prevHistory := r.history
	removed := make(map[int]Allocation, len(orphans))
	for _, port := range orphans {
		alloc := r.allocations[port]
		removed[port] = alloc
		delete(r.allocations, port)
		r.recordLocked(Event{Action: "cleanup", Port: port, ProjectID: alloc.ProjectID, Name: alloc.Name, Time: now})
	}

	if len(orphans) > 0 {
		if err := r.persistLocked(); err != nil {
			for port, alloc := range removed {
				r.allocations[port] = alloc
			}
			r.history = prevHistory
			return nil, err
		}
		portsLog := log.WithComponent("ports")
		portsLog.Info().Ints("ports", orphans).Msg("cleaned up orphaned allocations")
	}
	return orphans, nil
}

// BandStats summarizes utilization of one stack band
type BandStats struct {
	Band        Band    `json:"band"`
	Allocated   int     `json:"allocated"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// Stats reports band utilization and history volume
type Stats struct {
	TotalAllocated int                             `json:"totalAllocated"`
	Bands          map[types.ProjectType]BandStats `json:"bands"`
	HistorySize    int                             `json:"historySize"`
	LastEvent      *Event                          `json:"lastEvent,omitempty"`
}

// Stats returns a point-in-time utilization summary
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalAllocated: len(r.allocations),
		Bands:          make(map[types.ProjectType]BandStats, len(bands)),
		HistorySize:    len(r.history),
	}
	for ptype, band := range bands {
		capacity := band.End - band.Start + 1
		allocated := 0
		for port := range r.allocations {
			if band.Contains(port) {
				allocated++
			}
		}
		s.Bands[ptype] = BandStats{
			Band:        band,
			Allocated:   allocated,
			Capacity:    capacity,
			Utilization: float64(allocated) / float64(capacity),
		}
	}
	if len(r.history) > 0 {
		last := r.history[len(r.history)-1]
		s.LastEvent = &last
	}
	return s
}

// Allocations returns a copy of the current allocation table
func (r *Registry) Allocations() map[int]Allocation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int]Allocation, len(r.allocations))
	for port, alloc := range r.allocations {
		out[port] = alloc
	}
	return out
}

// History returns a copy of the rolling event window, oldest first
func (r *Registry) History() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event(nil), r.history...)
}

func (r *Registry) suggestLocked(band Band, count int) []int {
	var free []int
	for port := band.Start; port <= band.End && len(free) < count; port++ {
		if _, taken := r.allocations[port]; taken {
			continue
		}
		if !r.probeFree(port) {
			continue
		}
		free = append(free, port)
	}
	return free
}

func (r *Registry) recordLocked(ev Event) {
	r.history = append(r.history, ev)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
}

func (r *Registry) persistLocked() error {
	snap := snapshot{Allocations: r.allocations, History: r.history}
	if err := fstore.WriteJSON(r.path, snap); err != nil {
		return types.WrapError(types.ErrInternal, "failed to persist port registry", err)
	}
	return nil
}

// probeLoopback attempts a loopback bind; a successful bind+close means free
func probeLoopback(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
