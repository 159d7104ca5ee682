package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/debug-host/debug-host/pkg/types"
)

// Result is the outcome of a single component probe
type Result struct {
	State        types.HealthState
	ResponseTime time.Duration
	Err          string
	Metadata     map[string]string
}

// Checker probes one monitored component
type Checker interface {
	// Component returns the monitored component's name
	Component() string

	// Check performs the probe and returns the result
	Check(ctx context.Context) Result
}

// timed wraps a probe body, stamping state and elapsed time
func timed(fn func(ctx context.Context) (types.HealthState, string, map[string]string)) func(context.Context) Result {
	return func(ctx context.Context) Result {
		start := time.Now()
		state, errMsg, meta := fn(ctx)
		return Result{
			State:        state,
			ResponseTime: time.Since(start),
			Err:          errMsg,
			Metadata:     meta,
		}
	}
}

// Pinger is the daemon surface the daemon probe needs
type Pinger interface {
	Ping(ctx context.Context) error
}

// DaemonChecker probes the container daemon with a ping
type DaemonChecker struct {
	pinger Pinger
}

// NewDaemonChecker creates a daemon probe
func NewDaemonChecker(p Pinger) *DaemonChecker { return &DaemonChecker{pinger: p} }

func (c *DaemonChecker) Component() string { return "container-daemon" }

func (c *DaemonChecker) Check(ctx context.Context) Result {
	return timed(func(ctx context.Context) (types.HealthState, string, map[string]string) {
		if err := c.pinger.Ping(ctx); err != nil {
			return types.HealthStateCritical, err.Error(), nil
		}
		return types.HealthStateHealthy, "", nil
	})(ctx)
}

// StatsChecker probes an in-process subsystem through a stats closure.
// A nil error from the closure means healthy; the returned metadata is
// attached to the record.
type StatsChecker struct {
	name string
	fn   func(ctx context.Context) (map[string]string, error)
}

// NewStatsChecker creates a probe over a subsystem stats function
func NewStatsChecker(name string, fn func(ctx context.Context) (map[string]string, error)) *StatsChecker {
	return &StatsChecker{name: name, fn: fn}
}

func (c *StatsChecker) Component() string { return c.name }

func (c *StatsChecker) Check(ctx context.Context) Result {
	return timed(func(ctx context.Context) (types.HealthState, string, map[string]string) {
		meta, err := c.fn(ctx)
		if err != nil {
			return types.HealthStateError, err.Error(), meta
		}
		return types.HealthStateHealthy, "", meta
	})(ctx)
}

// FilesystemChecker verifies the data directory is writable by creating
// and removing a marker file.
type FilesystemChecker struct {
	dir string
}

// NewFilesystemChecker creates a filesystem probe over dir
func NewFilesystemChecker(dir string) *FilesystemChecker { return &FilesystemChecker{dir: dir} }

func (c *FilesystemChecker) Component() string { return "filesystem" }

func (c *FilesystemChecker) Check(ctx context.Context) Result {
	return timed(func(ctx context.Context) (types.HealthState, string, map[string]string) {
		if err := os.MkdirAll(c.dir, 0755); err != nil {
			return types.HealthStateCritical, err.Error(), nil
		}
		marker := filepath.Join(c.dir, ".health-probe")
		if err := os.WriteFile(marker, []byte(fmt.Sprintf("%d", time.Now().UnixMilli())), 0644); err != nil {
			return types.HealthStateCritical, err.Error(), nil
		}
		if err := os.Remove(marker); err != nil {
			return types.HealthStateWarning, err.Error(), nil
		}
		return types.HealthStateHealthy, "", map[string]string{"dir": c.dir}
	})(ctx)
}

// NetworkChecker verifies loopback networking by binding an ephemeral port
type NetworkChecker struct{}

// NewNetworkChecker creates a loopback network probe
func NewNetworkChecker() *NetworkChecker { return &NetworkChecker{} }

func (c *NetworkChecker) Component() string { return "network" }

func (c *NetworkChecker) Check(ctx context.Context) Result {
	return timed(func(ctx context.Context) (types.HealthState, string, map[string]string) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return types.HealthStateCritical, err.Error(), nil
		}
		addr := ln.Addr().String()
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			ln.Close()
			return types.HealthStateError, err.Error(), nil
		}
		conn.Close()
		ln.Close()
		return types.HealthStateHealthy, "", nil
	})(ctx)
}

// ControlPlaneChecker probes the service's own HTTP listener
type ControlPlaneChecker struct {
	addr string
}

// NewControlPlaneChecker creates a probe dialing the control plane address
func NewControlPlaneChecker(addr string) *ControlPlaneChecker {
	return &ControlPlaneChecker{addr: addr}
}

func (c *ControlPlaneChecker) Component() string { return "control-plane" }

func (c *ControlPlaneChecker) Check(ctx context.Context) Result {
	return timed(func(ctx context.Context) (types.HealthState, string, map[string]string) {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return types.HealthStateCritical, err.Error(), map[string]string{"addr": c.addr}
		}
		conn.Close()
		return types.HealthStateHealthy, "", map[string]string{"addr": c.addr}
	})(ctx)
}
