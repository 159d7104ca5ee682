// Package metrics samples container resource usage and keeps two retention
// tiers: raw samples for seven days and rolled-up aggregates for thirty.
// Live samples fan out to stream subscribers as they arrive.
package metrics

import (
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/debug-host/debug-host/pkg/fstore"
	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/telemetry"
	"github.com/debug-host/debug-host/pkg/types"
)

const (
	highResRetention = 7 * 24 * time.Hour
	aggRetention     = 30 * 24 * time.Hour
	aggregateEvery   = 5 * time.Minute
	cleanupEvery     = 10 * time.Minute
)

// Resolution selects the tier and bucket size for a query
type Resolution string

const (
	ResolutionRaw        Resolution = "raw"
	ResolutionMinute     Resolution = "minute"
	ResolutionFiveMinute Resolution = "fiveMinute"
	ResolutionFifteenMin Resolution = "fifteenMinute"
	ResolutionHour       Resolution = "hour"
	ResolutionDay        Resolution = "day"
)

// aggIntervals are the bucket sizes of the aggregated tier
var aggIntervals = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	24 * time.Hour,
}

func (r Resolution) interval() (time.Duration, bool) {
	switch r {
	case ResolutionMinute:
		return time.Minute, true
	case ResolutionFiveMinute:
		return 5 * time.Minute, true
	case ResolutionFifteenMin:
		return 15 * time.Minute, true
	case ResolutionHour:
		return time.Hour, true
	case ResolutionDay:
		return 24 * time.Hour, true
	}
	return 0, false
}

// highResSnapshot is the on-disk form of the raw tier
type highResSnapshot struct {
	Containers map[string][]types.MetricSample `json:"containers"`
}

// aggSnapshot is the on-disk form of the aggregated tier
type aggSnapshot struct {
	Containers map[string]map[string][]types.AggregatedSample `json:"containers"` // container → interval string
	LastBucket map[string]map[string]int64                    `json:"lastBucket"`
}

// StoreStats summarizes the store for the stats endpoint
type StoreStats struct {
	Containers      int   `json:"containers"`
	HighResSamples  int   `json:"highResSamples"`
	AggregatedRows  int   `json:"aggregatedRows"`
	LastAggregation int64 `json:"lastAggregation,omitempty"`
	LastCleanup     int64 `json:"lastCleanup,omitempty"`
}

// Store is the two-tier in-memory time series with snapshot persistence.
// The raw tier holds samples for 7 days; the aggregated tier holds
// {1m,5m,15m,1h,1d} bucket rollups for 30 days.
type Store struct {
	mu       sync.RWMutex
	highRes  map[string][]types.MetricSample
	agg      map[string]map[time.Duration][]types.AggregatedSample
	lastKept map[string]map[time.Duration]int64 // last aggregated bucket start

	dir            string
	stats          StoreStats
	aggregateEvery time.Duration
	cleanupEvery   time.Duration
	stopCh         chan struct{}
	stopped        sync.Once
	now            func() time.Time
}

// NewStore creates a metrics store persisting under dir
func NewStore(dir string) *Store {
	return &Store{
		highRes:        make(map[string][]types.MetricSample),
		agg:            make(map[string]map[time.Duration][]types.AggregatedSample),
		lastKept:       make(map[string]map[time.Duration]int64),
		dir:            dir,
		aggregateEvery: aggregateEvery,
		cleanupEvery:   cleanupEvery,
		stopCh:         make(chan struct{}),
		now:            time.Now,
	}
}

// SetIntervals overrides the aggregation and retention task periods.
// Non-positive values keep the current period. Call before Start.
func (s *Store) SetIntervals(aggregate, cleanup time.Duration) {
	if aggregate > 0 {
		s.aggregateEvery = aggregate
	}
	if cleanup > 0 {
		s.cleanupEvery = cleanup
	}
}

// Load restores both tiers from their snapshots
func (s *Store) Load() error {
	var raw highResSnapshot
	if err := fstore.ReadJSON(filepath.Join(s.dir, "high-res.json"), &raw); err != nil {
		return err
	}
	var agg aggSnapshot
	if err := fstore.ReadJSON(filepath.Join(s.dir, "aggregated.json"), &agg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, samples := range raw.Containers {
		s.highRes[id] = samples
	}
	for id, byInterval := range agg.Containers {
		s.agg[id] = make(map[time.Duration][]types.AggregatedSample)
		for istr, rows := range byInterval {
			if d, err := time.ParseDuration(istr); err == nil {
				s.agg[id][d] = rows
			}
		}
	}
	for id, byInterval := range agg.LastBucket {
		s.lastKept[id] = make(map[time.Duration]int64)
		for istr, ts := range byInterval {
			if d, err := time.ParseDuration(istr); err == nil {
				s.lastKept[id][d] = ts
			}
		}
	}
	return nil
}

// Start launches the aggregation and retention tasks
func (s *Store) Start() {
	storeLog := log.WithComponent("metrics")
	go s.loop(s.aggregateEvery, func() {
		s.Aggregate()
		if err := s.Persist(); err != nil {
			storeLog.Warn().Err(err).Msg("snapshot persist failed")
		}
	})
	go s.loop(s.cleanupEvery, func() {
		s.Cleanup()
		if err := s.Persist(); err != nil {
			storeLog.Warn().Err(err).Msg("snapshot persist failed")
		}
	})
}

// Stop ends the background tasks and takes a final snapshot
func (s *Store) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	if err := s.Persist(); err != nil {
		storeLog := log.WithComponent("metrics")
		storeLog.Warn().Err(err).Msg("final snapshot failed")
	}
}

func (s *Store) loop(every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-s.stopCh:
			return
		}
	}
}

// StoreMetrics appends raw samples to the high-resolution tier
func (s *Store) StoreMetrics(samples []types.MetricSample) {
	telemetry.SamplesStored.Add(float64(len(samples)))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sample := range samples {
		series := s.highRes[sample.ContainerID]
		// Keep the series time-sorted; out-of-order arrivals are rare and
		// land via insertion.
		if n := len(series); n > 0 && series[n-1].Timestamp > sample.Timestamp {
			i := sort.Search(n, func(i int) bool { return series[i].Timestamp > sample.Timestamp })
			series = append(series, types.MetricSample{})
			copy(series[i+1:], series[i:])
			series[i] = sample
		} else {
			series = append(series, sample)
		}
		s.highRes[sample.ContainerID] = series
	}
}

// Latest returns the most recent raw sample for a container
func (s *Store) Latest(containerID string) (*types.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.highRes[containerID]
	if len(series) == 0 {
		return nil, types.Errorf(types.ErrNotFound, "no samples for container %s", containerID)
	}
	cp := series[len(series)-1]
	return &cp, nil
}

// Containers lists every container with data in either tier
func (s *Store) Containers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for id := range s.highRes {
		seen[id] = true
	}
	for id := range s.agg {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Aggregate rolls raw samples into every aggregated interval. Only buckets
// strictly after the last aggregated bucket are created, which makes the
// task idempotent.
func (s *Store) Aggregate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, series := range s.highRes {
		for _, interval := range aggIntervals {
			s.aggregateSeriesLocked(id, series, interval)
		}
	}
	s.stats.LastAggregation = s.now().UnixMilli()
}

func (s *Store) aggregateSeriesLocked(id string, series []types.MetricSample, interval time.Duration) {
	ms := interval.Milliseconds()
	last := int64(math.MinInt64)
	if byInterval, ok := s.lastKept[id]; ok {
		if ts, ok := byInterval[interval]; ok {
			last = ts
		}
	}

	// Never roll up the still-open bucket: samples may yet arrive for it
	openBucket := (s.now().UnixMilli() / ms) * ms

	buckets := make(map[int64][]types.MetricSample)
	for _, sample := range series {
		bucket := (sample.Timestamp / ms) * ms
		if bucket <= last || bucket >= openBucket {
			continue
		}
		buckets[bucket] = append(buckets[bucket], sample)
	}
	if len(buckets) == 0 {
		return
	}

	starts := make([]int64, 0, len(buckets))
	for b := range buckets {
		starts = append(starts, b)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	if s.agg[id] == nil {
		s.agg[id] = make(map[time.Duration][]types.AggregatedSample)
	}
	if s.lastKept[id] == nil {
		s.lastKept[id] = make(map[time.Duration]int64)
	}

	for _, start := range starts {
		s.agg[id][interval] = append(s.agg[id][interval], rollup(id, start, buckets[start]))
		s.lastKept[id][interval] = start
	}
}

// rollup reduces one bucket's samples to per-field {avg, min, max}
func rollup(containerID string, start int64, samples []types.MetricSample) types.AggregatedSample {
	agg := types.AggregatedSample{
		ContainerID: containerID,
		Timestamp:   start,
		Count:       len(samples),
	}

	fields := []struct {
		dst *types.AggField
		get func(*types.MetricSample) float64
	}{
		{&agg.CPUUsage, func(m *types.MetricSample) float64 { return m.CPU.UsagePct }},
		{&agg.CPUSystem, func(m *types.MetricSample) float64 { return m.CPU.SystemPct }},
		{&agg.CPUUser, func(m *types.MetricSample) float64 { return m.CPU.UserPct }},
		{&agg.MemoryUsage, func(m *types.MetricSample) float64 { return float64(m.Memory.UsageBytes) }},
		{&agg.MemoryPct, func(m *types.MetricSample) float64 { return m.Memory.UsagePct }},
		{&agg.MemoryUsable, func(m *types.MetricSample) float64 { return float64(m.Memory.UsableBytes) }},
		{&agg.NetworkRx, func(m *types.MetricSample) float64 { return m.Network.RxBytesPerSec }},
		{&agg.NetworkTx, func(m *types.MetricSample) float64 { return m.Network.TxBytesPerSec }},
		{&agg.DiskRead, func(m *types.MetricSample) float64 { return m.Disk.ReadBytesPerSec }},
		{&agg.DiskWrite, func(m *types.MetricSample) float64 { return m.Disk.WriteBytesPerSec }},
	}

	for _, f := range fields {
		f.dst.Min = math.MaxFloat64
		f.dst.Max = -math.MaxFloat64
	}
	for i := range samples {
		for _, f := range fields {
			v := f.get(&samples[i])
			f.dst.Avg += v
			if v < f.dst.Min {
				f.dst.Min = v
			}
			if v > f.dst.Max {
				f.dst.Max = v
			}
		}
	}
	for _, f := range fields {
		f.dst.Avg /= float64(len(samples))
	}
	return agg
}

// Cleanup applies retention to both tiers and drops empty containers
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	rawCutoff := now - highResRetention.Milliseconds()
	aggCutoff := now - aggRetention.Milliseconds()

	for id, series := range s.highRes {
		idx := sort.Search(len(series), func(i int) bool { return series[i].Timestamp >= rawCutoff })
		if idx > 0 {
			s.highRes[id] = append([]types.MetricSample(nil), series[idx:]...)
		}
		if len(s.highRes[id]) == 0 {
			delete(s.highRes, id)
		}
	}

	for id, byInterval := range s.agg {
		for interval, rows := range byInterval {
			idx := sort.Search(len(rows), func(i int) bool { return rows[i].Timestamp >= aggCutoff })
			if idx > 0 {
				byInterval[interval] = append([]types.AggregatedSample(nil), rows[idx:]...)
			}
			if len(byInterval[interval]) == 0 {
				delete(byInterval, interval)
			}
		}
		if len(byInterval) == 0 {
			delete(s.agg, id)
			delete(s.lastKept, id)
		}
	}
	s.stats.LastCleanup = now
}

// QueryOptions shape a metrics query
type QueryOptions struct {
	StartTime  int64
	EndTime    int64
	Resolution Resolution
	Limit      int
}

// QueryResult carries one tier's rows for a container
type QueryResult struct {
	ContainerID string                   `json:"containerId"`
	Resolution  Resolution               `json:"resolution"`
	Raw         []types.MetricSample     `json:"raw,omitempty"`
	Aggregated  []types.AggregatedSample `json:"aggregated,omitempty"`
}

// Query scans the chosen tier, filters by time, and down-samples to limit
// by taking every step-th element (step = ceil(len/limit)).
func (s *Store) Query(containerID string, opts QueryOptions) (*QueryResult, error) {
	if opts.Resolution == "" {
		opts.Resolution = ResolutionRaw
	}
	result := &QueryResult{ContainerID: containerID, Resolution: opts.Resolution}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if opts.Resolution == ResolutionRaw {
		series := s.highRes[containerID]
		filtered := make([]types.MetricSample, 0, len(series))
		for _, sample := range series {
			if inWindow(sample.Timestamp, opts.StartTime, opts.EndTime) {
				filtered = append(filtered, sample)
			}
		}
		result.Raw = downsample(filtered, opts.Limit)
		return result, nil
	}

	interval, ok := opts.Resolution.interval()
	if !ok {
		return nil, types.Errorf(types.ErrValidation, "unknown resolution %q", opts.Resolution)
	}
	rows := s.agg[containerID][interval]
	filtered := make([]types.AggregatedSample, 0, len(rows))
	for _, row := range rows {
		if inWindow(row.Timestamp, opts.StartTime, opts.EndTime) {
			filtered = append(filtered, row)
		}
	}
	result.Aggregated = downsample(filtered, opts.Limit)
	return result, nil
}

func inWindow(ts, start, end int64) bool {
	if start != 0 && ts < start {
		return false
	}
	if end != 0 && ts > end {
		return false
	}
	return true
}

// downsample keeps every step-th element when the series exceeds limit
func downsample[T any](in []T, limit int) []T {
	if limit <= 0 || len(in) <= limit {
		return in
	}
	step := (len(in) + limit - 1) / limit
	out := make([]T, 0, limit)
	for i := 0; i < len(in); i += step {
		out = append(out, in[i])
	}
	return out
}

// Stats reports store-wide counters
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.stats
	seen := make(map[string]bool)
	for id, series := range s.highRes {
		seen[id] = true
		st.HighResSamples += len(series)
	}
	for id, byInterval := range s.agg {
		seen[id] = true
		for _, rows := range byInterval {
			st.AggregatedRows += len(rows)
		}
	}
	st.Containers = len(seen)
	return st
}

// Persist writes both tier snapshots and the stats file
func (s *Store) Persist() error {
	s.mu.RLock()
	raw := highResSnapshot{Containers: make(map[string][]types.MetricSample, len(s.highRes))}
	for id, series := range s.highRes {
		raw.Containers[id] = append([]types.MetricSample(nil), series...)
	}
	agg := aggSnapshot{
		Containers: make(map[string]map[string][]types.AggregatedSample, len(s.agg)),
		LastBucket: make(map[string]map[string]int64, len(s.lastKept)),
	}
	for id, byInterval := range s.agg {
		agg.Containers[id] = make(map[string][]types.AggregatedSample, len(byInterval))
		for interval, rows := range byInterval {
			agg.Containers[id][interval.String()] = append([]types.AggregatedSample(nil), rows...)
		}
	}
	for id, byInterval := range s.lastKept {
		agg.LastBucket[id] = make(map[string]int64, len(byInterval))
		for interval, ts := range byInterval {
			agg.LastBucket[id][interval.String()] = ts
		}
	}
	s.mu.RUnlock()

	if err := fstore.WriteJSON(filepath.Join(s.dir, "high-res.json"), raw); err != nil {
		return err
	}
	if err := fstore.WriteJSON(filepath.Join(s.dir, "aggregated.json"), agg); err != nil {
		return err
	}
	return fstore.WriteJSON(filepath.Join(s.dir, "stats.json"), s.Stats())
}
