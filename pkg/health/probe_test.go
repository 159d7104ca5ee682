package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/debug-host/debug-host/pkg/types"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func TestDaemonChecker(t *testing.T) {
	up := NewDaemonChecker(&fakePinger{})
	res := up.Check(context.Background())
	assert.Equal(t, types.HealthStateHealthy, res.State)
	assert.Equal(t, "container-daemon", up.Component())

	down := NewDaemonChecker(&fakePinger{err: errors.New("no socket")})
	res = down.Check(context.Background())
	assert.Equal(t, types.HealthStateCritical, res.State)
	assert.Equal(t, "no socket", res.Err)
}

func TestStatsChecker(t *testing.T) {
	ok := NewStatsChecker("port-registry", func(ctx context.Context) (map[string]string, error) {
		return map[string]string{"allocated": "4"}, nil
	})
	res := ok.Check(context.Background())
	assert.Equal(t, types.HealthStateHealthy, res.State)
	assert.Equal(t, "4", res.Metadata["allocated"])

	bad := NewStatsChecker("project-registry", func(ctx context.Context) (map[string]string, error) {
		return nil, errors.New("store unreadable")
	})
	res = bad.Check(context.Background())
	assert.Equal(t, types.HealthStateError, res.State)
	assert.Equal(t, "store unreadable", res.Err)
}

func TestFilesystemChecker(t *testing.T) {
	c := NewFilesystemChecker(t.TempDir())
	res := c.Check(context.Background())
	assert.Equal(t, types.HealthStateHealthy, res.State)
	assert.NotZero(t, res.ResponseTime)
}

func TestNetworkChecker(t *testing.T) {
	c := NewNetworkChecker()
	res := c.Check(context.Background())
	assert.Equal(t, types.HealthStateHealthy, res.State)
}

func TestControlPlaneCheckerUnreachable(t *testing.T) {
	c := NewControlPlaneChecker("127.0.0.1:1") // nothing listens on port 1
	res := c.Check(context.Background())
	assert.Equal(t, types.HealthStateCritical, res.State)
	assert.NotEmpty(t, res.Err)
}
