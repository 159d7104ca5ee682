package health

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/telemetry"
	"github.com/debug-host/debug-host/pkg/types"
)

// Strategy names a recovery approach
type Strategy string

const (
	StrategyRetry    Strategy = "RETRY"
	StrategyFallback Strategy = "FALLBACK"
	StrategyRestart  Strategy = "RESTART"
	StrategyDegrade  Strategy = "DEGRADE"
)

// ErrorKind classifies a component's failure domain for strategy selection
type ErrorKind string

const (
	KindDaemon     ErrorKind = "daemon"
	KindContainer  ErrorKind = "container"
	KindNetwork    ErrorKind = "network"
	KindFilesystem ErrorKind = "filesystem"
	KindPort       ErrorKind = "port"
	KindConfig     ErrorKind = "config"
	KindResource   ErrorKind = "resource"
	KindSystem     ErrorKind = "system"
)

// RetryConfig shapes the RETRY strategy
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	Jitter       float64
}

// FallbackConfig shapes the FALLBACK strategy; actions run in order
type FallbackConfig struct {
	Actions []string
}

// RestartConfig shapes the RESTART strategy
type RestartConfig struct {
	GracePeriod time.Duration
}

// DegradeConfig shapes the DEGRADE strategy
type DegradeConfig struct {
	Mode            string
	DisableFeatures []string
}

// DefaultRetryConfig is 3 attempts at 100ms doubling with 10% jitter
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.10}
}

// DefaultFallbackConfig tries cache, then default, then manual
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{Actions: []string{"cache", "default", "manual"}}
}

// Hooks are the per-component operations recovery strategies run
type Hooks struct {
	Kind ErrorKind

	// Operation re-runs the failing operation (RETRY)
	Operation func(ctx context.Context) error

	// Fallbacks maps action name to alternative; "manual" never runs and
	// instead flags requires-intervention (FALLBACK)
	Fallbacks map[string]func(ctx context.Context) error

	// Restart restarts the component after the grace period (RESTART)
	Restart func(ctx context.Context) error

	// Degrade disables the named features and returns the reduced surface
	Degrade func(features []string) []string
}

// Attempt records one recovery run
type Attempt struct {
	Component            string        `json:"component"`
	Strategy             Strategy      `json:"strategy"`
	Success              bool          `json:"success"`
	Attempts             int           `json:"attempts"`
	Duration             time.Duration `json:"duration"`
	Action               string        `json:"action,omitempty"`
	RequiresIntervention bool          `json:"requiresIntervention,omitempty"`
	Error                string        `json:"error,omitempty"`
	Timestamp            time.Time     `json:"timestamp"`
}

// RecoveryStats powers the stats endpoint
type RecoveryStats struct {
	Total      int              `json:"total"`
	Successes  int              `json:"successes"`
	Failures   int              `json:"failures"`
	ByStrategy map[Strategy]int `json:"byStrategy"`
	InProgress []string         `json:"inProgress,omitempty"`
	Degraded   []string         `json:"degraded,omitempty"`
}

const attemptHistorySize = 100

// Recovery executes strategies against registered components. Runs are
// serialized per component through the in-progress set; the lock files
// under stateDir are advisory and informational only.
type Recovery struct {
	mu         sync.Mutex
	hooks      map[string]Hooks
	inProgress map[string]bool
	history    []Attempt
	stats      RecoveryStats
	degraded   map[string]bool

	retryCfg    RetryConfig
	fallbackCfg FallbackConfig
	restartCfg  RestartConfig
	stateDir    string
	logger      zerolog.Logger
}

// NewRecovery creates a recovery manager writing lock files under stateDir
func NewRecovery(stateDir string) *Recovery {
	return &Recovery{
		hooks:       make(map[string]Hooks),
		inProgress:  make(map[string]bool),
		degraded:    make(map[string]bool),
		stats:       RecoveryStats{ByStrategy: make(map[Strategy]int)},
		retryCfg:    DefaultRetryConfig(),
		fallbackCfg: DefaultFallbackConfig(),
		restartCfg:  RestartConfig{GracePeriod: time.Second},
		stateDir:    stateDir,
		logger:      log.WithComponent("recovery"),
	}
}

// RegisterHooks binds a component's recovery operations
func (r *Recovery) RegisterHooks(component string, hooks Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[component] = hooks
}

// strategyFor chooses the strategy from the component's failure domain
func strategyFor(kind ErrorKind, state types.HealthState) Strategy {
	switch kind {
	case KindDaemon:
		return StrategyRestart
	case KindContainer, KindNetwork, KindPort:
		return StrategyRetry
	case KindFilesystem, KindConfig:
		return StrategyFallback
	case KindResource:
		return StrategyDegrade
	case KindSystem:
		if state == types.HealthStateCritical {
			return StrategyDegrade
		}
		return StrategyRestart
	}
	return StrategyRetry
}

// Recover runs the chosen strategy for a component, using the component's
// observed state for strategy selection. A second call while a run is
// active returns CONFLICT.
func (r *Recovery) Recover(ctx context.Context, component string, state types.HealthState) (*Attempt, error) {
	r.mu.Lock()
	if r.inProgress[component] {
		r.mu.Unlock()
		return nil, types.Errorf(types.ErrConflict, "recovery already in progress for %s", component)
	}
	hooks, ok := r.hooks[component]
	if !ok {
		r.mu.Unlock()
		return nil, types.Errorf(types.ErrNotFound, "no recovery hooks for %s", component)
	}
	r.inProgress[component] = true
	r.mu.Unlock()

	r.writeLock(component)
	defer func() {
		r.removeLock(component)
		r.mu.Lock()
		delete(r.inProgress, component)
		r.mu.Unlock()
	}()

	strategy := strategyFor(hooks.Kind, state)

	start := time.Now()
	attempt := Attempt{Component: component, Strategy: strategy, Timestamp: start}

	switch strategy {
	case StrategyRetry:
		r.runRetry(ctx, hooks, &attempt)
	case StrategyFallback:
		r.runFallback(ctx, hooks, &attempt)
	case StrategyRestart:
		r.runRestart(ctx, hooks, &attempt)
	case StrategyDegrade:
		r.runDegrade(component, hooks, &attempt)
	}
	attempt.Duration = time.Since(start)

	r.record(attempt)
	return &attempt, nil
}

func (r *Recovery) runRetry(ctx context.Context, hooks Hooks, attempt *Attempt) {
	if hooks.Operation == nil {
		attempt.Error = "no operation registered"
		return
	}
	cfg := r.retryCfg
	var lastErr error
	for n := 0; n < cfg.MaxAttempts; n++ {
		if n > 0 {
			select {
			case <-time.After(backoffDelay(cfg, n-1)):
			case <-ctx.Done():
				attempt.Error = ctx.Err().Error()
				return
			}
		}
		attempt.Attempts = n + 1
		if lastErr = hooks.Operation(ctx); lastErr == nil {
			attempt.Success = true
			return
		}
	}
	attempt.Error = lastErr.Error()
}

// backoffDelay is initial × multiplier^n with ±jitter applied
func backoffDelay(cfg RetryConfig, n int) time.Duration {
	d := float64(cfg.InitialDelay)
	for i := 0; i < n; i++ {
		d *= cfg.Multiplier
	}
	// spread over [1-jitter, 1+jitter]
	d *= 1 - cfg.Jitter + 2*cfg.Jitter*rand.Float64()
	return time.Duration(d)
}

func (r *Recovery) runFallback(ctx context.Context, hooks Hooks, attempt *Attempt) {
	var lastErr error
	for _, action := range r.fallbackCfg.Actions {
		attempt.Attempts++
		if action == "manual" {
			attempt.Action = action
			attempt.RequiresIntervention = true
			if lastErr != nil {
				attempt.Error = lastErr.Error()
			}
			return
		}
		fn, ok := hooks.Fallbacks[action]
		if !ok {
			lastErr = fmt.Errorf("no %s fallback registered", action)
			continue
		}
		if lastErr = fn(ctx); lastErr == nil {
			attempt.Action = action
			attempt.Success = true
			return
		}
	}
	if lastErr != nil {
		attempt.Error = lastErr.Error()
	}
}

func (r *Recovery) runRestart(ctx context.Context, hooks Hooks, attempt *Attempt) {
	if hooks.Restart == nil {
		attempt.Error = "no restart registered"
		return
	}
	select {
	case <-time.After(r.restartCfg.GracePeriod):
	case <-ctx.Done():
		attempt.Error = ctx.Err().Error()
		return
	}
	attempt.Attempts = 1
	if err := hooks.Restart(ctx); err != nil {
		attempt.Error = err.Error()
		return
	}
	attempt.Success = true
}

func (r *Recovery) runDegrade(component string, hooks Hooks, attempt *Attempt) {
	attempt.Attempts = 1
	r.mu.Lock()
	r.degraded[component] = true
	r.mu.Unlock()

	if hooks.Degrade != nil {
		disabled := hooks.Degrade(nil)
		attempt.Action = fmt.Sprintf("disabled %d features", len(disabled))
	}
	attempt.Success = true
}

// Restore clears a component's degraded mode
func (r *Recovery) Restore(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.degraded, component)
}

// Degraded lists components currently in degraded mode
func (r *Recovery) Degraded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.degraded))
	for c := range r.degraded {
		out = append(out, c)
	}
	return out
}

func (r *Recovery) record(attempt Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, attempt)
	if len(r.history) > attemptHistorySize {
		r.history = r.history[len(r.history)-attemptHistorySize:]
	}
	r.stats.Total++
	outcome := "failure"
	if attempt.Success {
		r.stats.Successes++
		outcome = "success"
	} else {
		r.stats.Failures++
	}
	r.stats.ByStrategy[attempt.Strategy]++
	telemetry.RecoveriesTotal.WithLabelValues(string(attempt.Strategy), outcome).Inc()

	r.logger.Info().
		Str("monitored", attempt.Component).
		Str("strategy", string(attempt.Strategy)).
		Bool("success", attempt.Success).
		Int("attempts", attempt.Attempts).
		Dur("duration", attempt.Duration).
		Msg("recovery attempt recorded")
}

// History returns the most recent attempts, newest last
func (r *Recovery) History(limit int) []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]Attempt, limit)
	copy(out, r.history[len(r.history)-limit:])
	return out
}

// Stats returns the recovery counters
func (r *Recovery) Stats() RecoveryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stats
	st.ByStrategy = make(map[Strategy]int, len(r.stats.ByStrategy))
	for k, v := range r.stats.ByStrategy {
		st.ByStrategy[k] = v
	}
	for c := range r.inProgress {
		st.InProgress = append(st.InProgress, c)
	}
	for c := range r.degraded {
		st.Degraded = append(st.Degraded, c)
	}
	return st
}

func (r *Recovery) writeLock(component string) {
	if r.stateDir == "" {
		return
	}
	if err := os.MkdirAll(r.stateDir, 0755); err != nil {
		return
	}
	path := filepath.Join(r.stateDir, component+".lock")
	content := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	_ = os.WriteFile(path, []byte(content), 0644)
}

func (r *Recovery) removeLock(component string) {
	if r.stateDir == "" {
		return
	}
	_ = os.Remove(filepath.Join(r.stateDir, component+".lock"))
}
