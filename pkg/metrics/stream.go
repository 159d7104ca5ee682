package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/telemetry"
	"github.com/debug-host/debug-host/pkg/types"
)

const (
	streamQueueSize    = 100
	historyWindow      = time.Hour
	historyChunkSize   = 10
	historyChunkGap    = 50 * time.Millisecond
	inactivityTimeout  = 5 * time.Minute
	inactivitySweepGap = 30 * time.Second
)

// MetricKind selects which measurement families a subscriber receives
type MetricKind string

const (
	MetricCPU     MetricKind = "cpu"
	MetricMemory  MetricKind = "memory"
	MetricNetwork MetricKind = "network"
	MetricDisk    MetricKind = "disk"
)

// StreamEvent is one message delivered to a metrics subscriber
type StreamEvent struct {
	Type      string              `json:"type"` // historical, metrics, collector_started, collector_stopped
	Sample    *types.MetricSample `json:"sample,omitempty"`
	IsLast    bool                `json:"isLast,omitempty"`
	Container string              `json:"container,omitempty"`
}

// StreamSub is one metrics subscription
type StreamSub struct {
	ID          string
	ContainerID string
	C           chan StreamEvent
	Done        chan struct{}

	interval      Interval
	kinds         map[MetricKind]bool
	sent          atomic.Int64
	lastDelivered atomic.Int64 // unix millis
	closed        atomic.Bool
}

// Sent returns the number of events delivered
func (s *StreamSub) Sent() int64 { return s.sent.Load() }

// StreamManager fans collector samples out to per-container subscribers,
// filtered by interval and metric family.
type StreamManager struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*StreamSub // containerID → sub id
	store   *Store
	dropped atomic.Int64
	stopCh  chan struct{}
	stopped sync.Once
}

// NewStreamManager creates a stream manager backed by the store for history
func NewStreamManager(store *Store) *StreamManager {
	return &StreamManager{
		subs:   make(map[string]map[string]*StreamSub),
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start launches the inactivity sweeper
func (m *StreamManager) Start() {
	go func() {
		ticker := time.NewTicker(inactivitySweepGap)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepIdle()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends the sweeper and closes every subscription
func (m *StreamManager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	subs := make([]*StreamSub, 0)
	for _, byID := range m.subs {
		for _, sub := range byID {
			subs = append(subs, sub)
		}
	}
	m.subs = make(map[string]map[string]*StreamSub)
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.Done)
			telemetry.MetricSubscribers.Dec()
		}
	}
}

// Subscribe attaches a consumer for one container. kinds nil or empty means
// all metric families; includeHistory replays the last hour of raw samples
// in chunks before live delivery begins.
func (m *StreamManager) Subscribe(containerID string, interval Interval, kinds []MetricKind, includeHistory bool) *StreamSub {
	kindSet := make(map[MetricKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	sub := &StreamSub{
		ID:          uuid.New().String(),
		ContainerID: containerID,
		C:           make(chan StreamEvent, streamQueueSize),
		Done:        make(chan struct{}),
		interval:    interval,
		kinds:       kindSet,
	}
	sub.lastDelivered.Store(time.Now().UnixMilli())

	m.mu.Lock()
	if m.subs[containerID] == nil {
		m.subs[containerID] = make(map[string]*StreamSub)
	}
	m.subs[containerID][sub.ID] = sub
	m.mu.Unlock()
	telemetry.MetricSubscribers.Inc()

	if includeHistory {
		go m.replay(sub)
	}
	return sub
}

// Unsubscribe detaches a consumer
func (m *StreamManager) Unsubscribe(sub *StreamSub) {
	m.mu.Lock()
	if byID, ok := m.subs[sub.ContainerID]; ok {
		delete(byID, sub.ID)
		if len(byID) == 0 {
			delete(m.subs, sub.ContainerID)
		}
	}
	m.mu.Unlock()

	if sub.closed.CompareAndSwap(false, true) {
		close(sub.Done)
		telemetry.MetricSubscribers.Dec()
	}
}

// Route delivers a fresh sample to subscribers whose interval matches the
// emitting sampler and whose metric filter permits it.
func (m *StreamManager) Route(sample types.MetricSample, interval Interval) {
	m.mu.RLock()
	var overflowed []*StreamSub
	for _, sub := range m.subs[sample.ContainerID] {
		if sub.interval != "" && sub.interval != interval {
			continue
		}
		ev := StreamEvent{Type: "metrics", Sample: filterSample(sample, sub.kinds)}
		select {
		case sub.C <- ev:
			sub.sent.Add(1)
			sub.lastDelivered.Store(time.Now().UnixMilli())
		default:
			overflowed = append(overflowed, sub)
		}
	}
	m.mu.RUnlock()

	if len(overflowed) > 0 {
		streamLog := log.WithComponent("metrics")
		for _, sub := range overflowed {
			m.dropped.Add(1)
			streamLog.Warn().
				Str("subscription", sub.ID).
				Str("container", sample.ContainerID).
				Msg("slow metrics subscriber terminated")
			m.Unsubscribe(sub)
		}
	}
}

// replay delivers the last hour of raw samples in chunks of 10 with a 50ms
// gap, marking the final event.
func (m *StreamManager) replay(sub *StreamSub) {
	since := time.Now().Add(-historyWindow).UnixMilli()
	result, err := m.store.Query(sub.ContainerID, QueryOptions{StartTime: since, Resolution: ResolutionRaw})
	if err != nil || len(result.Raw) == 0 {
		return
	}

	for i := range result.Raw {
		ev := StreamEvent{
			Type:   "historical",
			Sample: filterSample(result.Raw[i], sub.kinds),
			IsLast: i == len(result.Raw)-1,
		}
		select {
		case sub.C <- ev:
			sub.sent.Add(1)
			sub.lastDelivered.Store(time.Now().UnixMilli())
		case <-sub.Done:
			return
		}
		if (i+1)%historyChunkSize == 0 && i < len(result.Raw)-1 {
			time.Sleep(historyChunkGap)
		}
	}
}

// CollectorStarted notifies a container's subscribers that sampling began
func (m *StreamManager) CollectorStarted(containerID string) {
	m.notify(containerID, "collector_started")
}

// CollectorStopped notifies a container's subscribers that sampling ended
func (m *StreamManager) CollectorStopped(containerID string) {
	m.notify(containerID, "collector_stopped")
}

func (m *StreamManager) notify(containerID, event string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs[containerID] {
		select {
		case sub.C <- StreamEvent{Type: event, Container: containerID}:
			sub.lastDelivered.Store(time.Now().UnixMilli())
		default:
		}
	}
}

// sweepIdle closes subscriptions without a successful delivery for 5 min
func (m *StreamManager) sweepIdle() {
	cutoff := time.Now().Add(-inactivityTimeout).UnixMilli()

	m.mu.RLock()
	var idle []*StreamSub
	for _, byID := range m.subs {
		for _, sub := range byID {
			if sub.lastDelivered.Load() < cutoff {
				idle = append(idle, sub)
			}
		}
	}
	m.mu.RUnlock()

	streamLog := log.WithComponent("metrics")
	for _, sub := range idle {
		streamLog.Debug().Str("subscription", sub.ID).Msg("closing idle metrics subscription")
		m.Unsubscribe(sub)
	}
}

// SubscriberCount returns the number of live subscriptions
func (m *StreamManager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, byID := range m.subs {
		n += len(byID)
	}
	return n
}

// Dropped returns the number of terminated slow subscribers
func (m *StreamManager) Dropped() int64 {
	return m.dropped.Load()
}

// filterSample zeroes the metric families the subscriber did not ask for
func filterSample(sample types.MetricSample, kinds map[MetricKind]bool) *types.MetricSample {
	cp := sample
	if len(kinds) == 0 {
		return &cp
	}
	if !kinds[MetricCPU] {
		cp.CPU = types.CPUMetrics{}
	}
	if !kinds[MetricMemory] {
		cp.Memory = types.MemoryMetrics{}
	}
	if !kinds[MetricNetwork] {
		cp.Network = types.NetworkMetrics{}
	}
	if !kinds[MetricDisk] {
		cp.Disk = types.DiskMetrics{}
	}
	return &cp
}
