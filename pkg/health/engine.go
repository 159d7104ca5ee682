// Package health runs periodic component probes and drives automatic
// recovery. The engine folds probe results into per-component records and
// hands sustained failures to the recovery manager, which picks a strategy
// from the component's failure domain.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/telemetry"
	"github.com/debug-host/debug-host/pkg/types"
)

const (
	defaultCheckInterval = 30 * time.Second
	checkTimeout         = 10 * time.Second

	triggerConsecutiveFailures = 3
	triggerErrorRate           = 0.10
	triggerResponseTime        = 5000 * time.Millisecond
)

// Engine runs the component probes on a schedule, maintains the health
// records, and hands trigger-worthy components to the recovery manager.
// Records live in memory only and reset on restart.
type Engine struct {
	mu       sync.RWMutex
	records  map[string]*types.HealthRecord
	checkers []Checker

	recovery *Recovery
	interval time.Duration
	stopCh   chan struct{}
	stopped  sync.Once
	logger   zerolog.Logger
}

// NewEngine creates a health engine. recovery may be nil for probe-only use.
func NewEngine(recovery *Recovery, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Engine{
		records:  make(map[string]*types.HealthRecord),
		recovery: recovery,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("health"),
	}
}

// Register adds a component probe. Must be called before Start.
func (e *Engine) Register(c Checker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkers = append(e.checkers, c)
	e.records[c.Component()] = &types.HealthRecord{
		Component: c.Component(),
		State:     types.HealthStateUnknown,
	}
}

// Start launches the probe loop
func (e *Engine) Start() {
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		e.CheckAll(context.Background())
		for {
			select {
			case <-ticker.C:
				e.CheckAll(context.Background())
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop ends the probe loop
func (e *Engine) Stop() {
	e.stopped.Do(func() { close(e.stopCh) })
}

// CheckAll runs every registered probe once and applies the results
func (e *Engine) CheckAll(ctx context.Context) {
	e.mu.RLock()
	checkers := make([]Checker, len(e.checkers))
	copy(checkers, e.checkers)
	e.mu.RUnlock()

	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		result := c.Check(checkCtx)
		cancel()
		e.apply(c.Component(), result)
	}
}

// apply folds one probe result into the component's record and fires
// recovery when a trigger condition holds.
func (e *Engine) apply(component string, result Result) {
	e.mu.Lock()
	rec, ok := e.records[component]
	if !ok {
		rec = &types.HealthRecord{Component: component}
		e.records[component] = rec
	}

	now := time.Now()
	rec.State = result.State
	rec.LastCheck = now
	rec.TotalChecks++
	rec.Metadata = result.Metadata

	if result.State == types.HealthStateHealthy {
		rec.ConsecutiveFailures = 0
		rec.LastHealthy = now
		rec.LastError = ""
		telemetry.HealthChecksTotal.WithLabelValues(component, "healthy").Inc()
	} else {
		rec.TotalFailures++
		rec.ConsecutiveFailures++
		rec.LastError = result.Err
		telemetry.HealthChecksTotal.WithLabelValues(component, "unhealthy").Inc()
	}

	// Cumulative moving average keeps the record allocation-free
	n := rec.TotalChecks
	rec.AvgResponseTime += (result.ResponseTime - rec.AvgResponseTime) / time.Duration(n)

	trigger, reason := shouldTrigger(rec, result)
	snapshot := *rec
	e.mu.Unlock()

	if !trigger {
		return
	}
	e.logger.Warn().
		Str("monitored", component).
		Str("reason", reason).
		Int("consecutive_failures", snapshot.ConsecutiveFailures).
		Float64("error_rate", snapshot.ErrorRate()).
		Dur("response_time", result.ResponseTime).
		Msg("recovery triggered")

	if e.recovery != nil {
		go func() {
			if _, err := e.recovery.Recover(context.Background(), component, snapshot.State); err != nil {
				if types.CodeOf(err) != types.ErrConflict {
					e.logger.Error().Err(err).Str("monitored", component).Msg("recovery failed")
				}
			}
		}()
	}
}

// shouldTrigger evaluates the three trigger conditions
func shouldTrigger(rec *types.HealthRecord, result Result) (bool, string) {
	switch {
	case rec.ConsecutiveFailures >= triggerConsecutiveFailures:
		return true, "consecutive_failures"
	case rec.TotalChecks > 0 && rec.ErrorRate() >= triggerErrorRate && rec.TotalFailures > 0:
		return true, "error_rate"
	case result.ResponseTime > triggerResponseTime:
		return true, "response_time"
	}
	return false, ""
}

// Record returns a copy of one component's record
func (e *Engine) Record(component string) (*types.HealthRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[component]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "unknown component %s", component)
	}
	cp := *rec
	return &cp, nil
}

// Records returns copies of every component record
func (e *Engine) Records() []types.HealthRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.HealthRecord, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, *rec)
	}
	return out
}

// Overall reduces the records to a single service state: the worst
// component wins.
func (e *Engine) Overall() types.HealthState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rank := map[types.HealthState]int{
		types.HealthStateHealthy:  0,
		types.HealthStateUnknown:  1,
		types.HealthStateWarning:  2,
		types.HealthStateError:    3,
		types.HealthStateCritical: 4,
	}
	worst := types.HealthStateHealthy
	for _, rec := range e.records {
		if rank[rec.State] > rank[worst] {
			worst = rec.State
		}
	}
	return worst
}
