package metrics

import (
	"context"
	"sync"
	"time"

	containertypes "github.com/docker/docker/api/types/container"

	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/types"
)

// Interval names a sampling rate
type Interval string

const (
	IntervalFast   Interval = "fast"   // ~1s
	IntervalMedium Interval = "medium" // ~5s
	IntervalSlow   Interval = "slow"   // ~30s
)

// IntervalDuration maps an interval name to its period
func IntervalDuration(i Interval) (time.Duration, bool) {
	switch i {
	case IntervalFast:
		return time.Second, true
	case IntervalMedium:
		return 5 * time.Second, true
	case IntervalSlow:
		return 30 * time.Second, true
	}
	return 0, false
}

var allIntervals = []Interval{IntervalFast, IntervalMedium, IntervalSlow}

// StatsSource provides one-shot daemon stats snapshots
type StatsSource interface {
	Stats(ctx context.Context, id string) (*containertypes.StatsResponse, error)
}

// StatusFunc resolves a container's observed status for sample tagging
type StatusFunc func(containerID string) (status string, startedAt time.Time)

// target identifies one sampled container
type target struct {
	containerID   string
	containerName string
	projectID     string
}

// sampler is one (container, interval) sampling loop
type sampler struct {
	stop chan struct{}
}

// Collector pools per-container samplers at the three rates. Attaching and
// detaching a container adds or removes all of its samplers atomically.
type Collector struct {
	mu       sync.Mutex
	samplers map[string]map[Interval]*sampler

	src      StatsSource
	store    *Store
	stream   *StreamManager
	statusFn StatusFunc
}

// NewCollector creates a collector feeding the store and stream manager
func NewCollector(src StatsSource, store *Store, stream *StreamManager, statusFn StatusFunc) *Collector {
	return &Collector{
		samplers: make(map[string]map[Interval]*sampler),
		src:      src,
		store:    store,
		stream:   stream,
		statusFn: statusFn,
	}
}

// Attach starts samplers for a container at every rate
func (c *Collector) Attach(containerID, containerName, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, active := c.samplers[containerID]; active {
		return
	}
	t := target{containerID: containerID, containerName: containerName, projectID: projectID}
	byInterval := make(map[Interval]*sampler, len(allIntervals))
	for _, interval := range allIntervals {
		s := &sampler{stop: make(chan struct{})}
		byInterval[interval] = s
		period, _ := IntervalDuration(interval)
		go c.run(t, interval, period, s.stop)
	}
	c.samplers[containerID] = byInterval

	if c.stream != nil {
		c.stream.CollectorStarted(containerID)
	}
}

// Detach stops every sampler of a container
func (c *Collector) Detach(containerID string) {
	c.mu.Lock()
	byInterval, ok := c.samplers[containerID]
	if ok {
		delete(c.samplers, containerID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, s := range byInterval {
		close(s.stop)
	}
	if c.stream != nil {
		c.stream.CollectorStopped(containerID)
	}
}

// Active reports whether a container is being sampled
func (c *Collector) Active(containerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.samplers[containerID]
	return ok
}

// Shutdown detaches every container
func (c *Collector) Shutdown() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.samplers))
	for id := range c.samplers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Detach(id)
	}
}

func (c *Collector) run(t target, interval Interval, period time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	samplerLog := log.WithContainer(t.containerID)

	var prev *containertypes.StatsResponse
	var prevAt time.Time

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), period)
			stats, err := c.src.Stats(ctx, t.containerID)
			cancel()
			if err != nil {
				if types.CodeOf(err) == types.ErrNotFound {
					return
				}
				samplerLog.Debug().Err(err).Msg("stats snapshot failed")
				continue
			}

			now := time.Now()
			if prev != nil {
				sample := computeSample(t, prev, stats, now.Sub(prevAt))
				if c.statusFn != nil {
					status, startedAt := c.statusFn(t.containerID)
					sample.Status = status
					if !startedAt.IsZero() {
						sample.UptimeNs = uint64(now.Sub(startedAt).Nanoseconds())
					}
				}
				c.store.StoreMetrics([]types.MetricSample{sample})
				if c.stream != nil {
					c.stream.Route(sample, interval)
				}
			}
			prev = stats
			prevAt = now
		}
	}
}

// computeSample derives rates and percentages from two consecutive
// snapshots. CPU% is (Δtotal / Δsystem) × online CPUs × 100.
func computeSample(t target, prev, cur *containertypes.StatsResponse, elapsed time.Duration) types.MetricSample {
	sample := types.MetricSample{
		ContainerID:   t.containerID,
		ContainerName: t.containerName,
		ProjectID:     t.projectID,
		Timestamp:     time.Now().UnixMilli(),
	}

	onlineCPUs := float64(cur.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(cur.CPUStats.CPUUsage.PercpuUsage))
	}
	systemDelta := float64(cur.CPUStats.SystemUsage) - float64(prev.CPUStats.SystemUsage)
	if systemDelta > 0 && onlineCPUs > 0 {
		totalDelta := float64(cur.CPUStats.CPUUsage.TotalUsage) - float64(prev.CPUStats.CPUUsage.TotalUsage)
		kernelDelta := float64(cur.CPUStats.CPUUsage.UsageInKernelmode) - float64(prev.CPUStats.CPUUsage.UsageInKernelmode)
		userDelta := float64(cur.CPUStats.CPUUsage.UsageInUsermode) - float64(prev.CPUStats.CPUUsage.UsageInUsermode)
		sample.CPU.UsagePct = totalDelta / systemDelta * onlineCPUs * 100
		sample.CPU.SystemPct = kernelDelta / systemDelta * onlineCPUs * 100
		sample.CPU.UserPct = userDelta / systemDelta * onlineCPUs * 100
	}
	sample.CPU.OnlineCPUs = int(onlineCPUs)
	sample.CPU.Throttling = types.CPUThrottling{
		Periods:          cur.CPUStats.ThrottlingData.Periods,
		ThrottledPeriods: cur.CPUStats.ThrottlingData.ThrottledPeriods,
		ThrottledTimeNs:  cur.CPUStats.ThrottlingData.ThrottledTime,
	}

	usage := cur.MemoryStats.Usage
	limit := cur.MemoryStats.Limit
	cache := cur.MemoryStats.Stats["cache"]
	if cache == 0 {
		// cgroup v2 exposes page cache as inactive_file
		cache = cur.MemoryStats.Stats["inactive_file"]
	}
	sample.Memory.UsageBytes = usage
	sample.Memory.LimitBytes = limit
	sample.Memory.CacheBytes = cache
	if usage >= cache {
		sample.Memory.UsableBytes = usage - cache
	}
	if limit > 0 {
		sample.Memory.UsagePct = float64(usage) / float64(limit) * 100
		sample.Memory.UsablePct = float64(sample.Memory.UsableBytes) / float64(limit) * 100
	}

	seconds := elapsed.Seconds()
	if seconds > 0 {
		var rxPrev, txPrev, rxCur, txCur uint64
		for _, nw := range prev.Networks {
			rxPrev += nw.RxBytes
			txPrev += nw.TxBytes
		}
		for _, nw := range cur.Networks {
			rxCur += nw.RxBytes
			txCur += nw.TxBytes
			sample.Network.RxPackets += nw.RxPackets
			sample.Network.TxPackets += nw.TxPackets
			sample.Network.RxErrors += nw.RxErrors
			sample.Network.TxErrors += nw.TxErrors
		}
		if rxCur >= rxPrev {
			sample.Network.RxBytesPerSec = float64(rxCur-rxPrev) / seconds
		}
		if txCur >= txPrev {
			sample.Network.TxBytesPerSec = float64(txCur-txPrev) / seconds
		}

		readPrev, writePrev, readOpsPrev, writeOpsPrev := blkioTotals(prev)
		readCur, writeCur, readOpsCur, writeOpsCur := blkioTotals(cur)
		if readCur >= readPrev {
			sample.Disk.ReadBytesPerSec = float64(readCur-readPrev) / seconds
		}
		if writeCur >= writePrev {
			sample.Disk.WriteBytesPerSec = float64(writeCur-writePrev) / seconds
		}
		if readOpsCur >= readOpsPrev {
			sample.Disk.ReadOpsPerSec = float64(readOpsCur-readOpsPrev) / seconds
		}
		if writeOpsCur >= writeOpsPrev {
			sample.Disk.WriteOpsPerSec = float64(writeOpsCur-writeOpsPrev) / seconds
		}
	}
	return sample
}

// blkioTotals sums block I/O bytes and ops across devices
func blkioTotals(stats *containertypes.StatsResponse) (readBytes, writeBytes, readOps, writeOps uint64) {
	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch entry.Op {
		case "read", "Read":
			readBytes += entry.Value
		case "write", "Write":
			writeBytes += entry.Value
		}
	}
	for _, entry := range stats.BlkioStats.IoServicedRecursive {
		switch entry.Op {
		case "read", "Read":
			readOps += entry.Value
		case "write", "Write":
			writeOps += entry.Value
		}
	}
	return
}
