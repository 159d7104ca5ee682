package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debug-host/debug-host/pkg/types"
)

func TestStrategySelection(t *testing.T) {
	cases := []struct {
		kind  ErrorKind
		state types.HealthState
		want  Strategy
	}{
		{KindDaemon, types.HealthStateError, StrategyRestart},
		{KindContainer, types.HealthStateError, StrategyRetry},
		{KindNetwork, types.HealthStateError, StrategyRetry},
		{KindPort, types.HealthStateError, StrategyRetry},
		{KindFilesystem, types.HealthStateError, StrategyFallback},
		{KindConfig, types.HealthStateError, StrategyFallback},
		{KindResource, types.HealthStateError, StrategyDegrade},
		{KindSystem, types.HealthStateCritical, StrategyDegrade},
		{KindSystem, types.HealthStateError, StrategyRestart},
		{ErrorKind("other"), types.HealthStateError, StrategyRetry},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, strategyFor(tc.kind, tc.state), string(tc.kind))
	}
}

func TestRetrySucceedsAfterTwoFailures(t *testing.T) {
	r := NewRecovery(t.TempDir())
	calls := 0
	r.RegisterHooks("ports", Hooks{
		Kind: KindPort,
		Operation: func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("still down")
			}
			return nil
		},
	})

	start := time.Now()
	attempt, err := r.Recover(context.Background(), "ports", types.HealthStateError)
	require.NoError(t, err)

	assert.Equal(t, StrategyRetry, attempt.Strategy)
	assert.True(t, attempt.Success)
	assert.Equal(t, 3, attempt.Attempts)
	// two backoff sleeps: 100ms and 200ms, each with 10% jitter
	assert.GreaterOrEqual(t, time.Since(start), 270*time.Millisecond)
}

func TestRetryExhaustsAndSurfacesLastError(t *testing.T) {
	r := NewRecovery(t.TempDir())
	r.RegisterHooks("ports", Hooks{
		Kind:      KindPort,
		Operation: func(ctx context.Context) error { return errors.New("permanent") },
	})

	attempt, err := r.Recover(context.Background(), "ports", types.HealthStateError)
	require.NoError(t, err)
	assert.False(t, attempt.Success)
	assert.Equal(t, 3, attempt.Attempts)
	assert.Equal(t, "permanent", attempt.Error)
}

func TestFallbackOrdering(t *testing.T) {
	r := NewRecovery(t.TempDir())
	r.RegisterHooks("filesystem", Hooks{
		Kind: KindFilesystem,
		Fallbacks: map[string]func(ctx context.Context) error{
			"cache":   func(ctx context.Context) error { return errors.New("cache cold") },
			"default": func(ctx context.Context) error { return nil },
		},
	})

	attempt, err := r.Recover(context.Background(), "filesystem", types.HealthStateError)
	require.NoError(t, err)
	assert.True(t, attempt.Success)
	assert.Equal(t, "default", attempt.Action)
	assert.False(t, attempt.RequiresIntervention)
}

func TestFallbackExhaustionRequiresIntervention(t *testing.T) {
	r := NewRecovery(t.TempDir())
	r.RegisterHooks("config", Hooks{
		Kind: KindConfig,
		Fallbacks: map[string]func(ctx context.Context) error{
			"cache":   func(ctx context.Context) error { return errors.New("no cache") },
			"default": func(ctx context.Context) error { return errors.New("no default") },
		},
	})

	attempt, err := r.Recover(context.Background(), "config", types.HealthStateError)
	require.NoError(t, err)
	assert.False(t, attempt.Success)
	assert.Equal(t, "manual", attempt.Action)
	assert.True(t, attempt.RequiresIntervention)
	assert.Equal(t, "no default", attempt.Error)
}

func TestRestartWaitsForGrace(t *testing.T) {
	r := NewRecovery(t.TempDir())
	r.restartCfg.GracePeriod = 50 * time.Millisecond
	restarted := false
	r.RegisterHooks("container-daemon", Hooks{
		Kind:    KindDaemon,
		Restart: func(ctx context.Context) error { restarted = true; return nil },
	})

	start := time.Now()
	attempt, err := r.Recover(context.Background(), "container-daemon", types.HealthStateError)
	require.NoError(t, err)
	assert.True(t, attempt.Success)
	assert.True(t, restarted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDegradeDisablesFeatures(t *testing.T) {
	r := NewRecovery(t.TempDir())
	r.RegisterHooks("resources", Hooks{
		Kind:    KindResource,
		Degrade: func(features []string) []string { return []string{"metrics-stream", "log-search"} },
	})

	attempt, err := r.Recover(context.Background(), "resources", types.HealthStateError)
	require.NoError(t, err)
	assert.True(t, attempt.Success)
	assert.Equal(t, StrategyDegrade, attempt.Strategy)
	assert.Equal(t, []string{"resources"}, r.Degraded())

	r.Restore("resources")
	assert.Empty(t, r.Degraded())
}

func TestConcurrentRecoveryReturnsConflict(t *testing.T) {
	r := NewRecovery(t.TempDir())
	release := make(chan struct{})
	r.RegisterHooks("network", Hooks{
		Kind: KindNetwork,
		Operation: func(ctx context.Context) error {
			<-release
			return nil
		},
	})

	done := make(chan struct{})
	go func() {
		_, _ = r.Recover(context.Background(), "network", types.HealthStateError)
		close(done)
	}()

	// wait until the first run holds the in-progress slot
	require.Eventually(t, func() bool {
		st := r.Stats()
		return len(st.InProgress) == 1
	}, time.Second, 10*time.Millisecond)

	_, err := r.Recover(context.Background(), "network", types.HealthStateError)
	assert.Equal(t, types.ErrConflict, types.CodeOf(err))

	close(release)
	<-done
}

func TestRecoverUnknownComponent(t *testing.T) {
	r := NewRecovery(t.TempDir())
	_, err := r.Recover(context.Background(), "ghost", types.HealthStateError)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestLockFileWrittenAndRemoved(t *testing.T) {
	dir := t.TempDir()
	r := NewRecovery(dir)
	lockPath := filepath.Join(dir, "network.lock")

	entered := make(chan struct{})
	release := make(chan struct{})
	r.RegisterHooks("network", Hooks{
		Kind: KindNetwork,
		Operation: func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		},
	})

	done := make(chan struct{})
	go func() {
		_, _ = r.Recover(context.Background(), "network", types.HealthStateError)
		close(done)
	}()

	<-entered
	_, err := os.Stat(lockPath)
	assert.NoError(t, err)

	close(release)
	<-done
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestHistoryAndStats(t *testing.T) {
	r := NewRecovery(t.TempDir())
	r.RegisterHooks("ports", Hooks{
		Kind:      KindPort,
		Operation: func(ctx context.Context) error { return nil },
	})

	for i := 0; i < 3; i++ {
		_, err := r.Recover(context.Background(), "ports", types.HealthStateError)
		require.NoError(t, err)
	}

	st := r.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.Successes)
	assert.Equal(t, 0, st.Failures)
	assert.Equal(t, 3, st.ByStrategy[StrategyRetry])

	hist := r.History(2)
	assert.Len(t, hist, 2)
	assert.Len(t, r.History(0), 3)
}
