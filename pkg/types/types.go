package types

import (
	"time"
)

// ProjectType identifies the detected technology stack of a workspace
type ProjectType string

const (
	ProjectTypeNode   ProjectType = "node"
	ProjectTypeVite   ProjectType = "vite"
	ProjectTypePython ProjectType = "python"
	ProjectTypePHP    ProjectType = "php"
	ProjectTypeStatic ProjectType = "static"
	ProjectTypeGo     ProjectType = "go"
	ProjectTypeRust   ProjectType = "rust"
	ProjectTypeJava   ProjectType = "java"
	ProjectTypeRuby   ProjectType = "ruby"
	ProjectTypeDotnet ProjectType = "dotnet"
)

// ValidProjectType reports whether t is a stack the debug host knows how to run
func ValidProjectType(t ProjectType) bool {
	switch t {
	case ProjectTypeNode, ProjectTypeVite, ProjectTypePython, ProjectTypePHP,
		ProjectTypeStatic, ProjectTypeGo, ProjectTypeRust, ProjectTypeJava,
		ProjectTypeRuby, ProjectTypeDotnet:
		return true
	}
	return false
}

// ProjectState represents the lifecycle state of a registered project
type ProjectState string

const (
	ProjectStateCreated ProjectState = "created"
	ProjectStateRunning ProjectState = "running"
	ProjectStateStopped ProjectState = "stopped"
	ProjectStateRemoved ProjectState = "removed"
)

// VolumeMount maps a host directory into the project container
type VolumeMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// Project is a registered workspace managed by the debug host
type Project struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	Type        ProjectType       `json:"type"`
	Port        int               `json:"port"`
	ContainerID string            `json:"containerId,omitempty"`
	Command     string            `json:"command,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Volumes     []VolumeMount     `json:"volumes,omitempty"`
	NetworkMode string            `json:"networkMode,omitempty"`
	State       ProjectState      `json:"state"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	StoppedAt   *time.Time        `json:"stoppedAt,omitempty"`
}

// ContainerState represents the lifecycle state of a managed container
type ContainerState string

const (
	ContainerStateCreated  ContainerState = "created"
	ContainerStateStarting ContainerState = "starting"
	ContainerStateRunning  ContainerState = "running"
	ContainerStateStopping ContainerState = "stopping"
	ContainerStateStopped  ContainerState = "stopped"
	ContainerStateExited   ContainerState = "exited"
	ContainerStateRemoved  ContainerState = "removed"
)

// ContainerRecord tracks a container owned by the lifecycle manager.
// The daemon remains the source of truth; records are re-discoverable
// through the debug-host=true label.
type ContainerRecord struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	ProjectID  string         `json:"projectId"`
	Type       ProjectType    `json:"type"`
	Workspace  string         `json:"workspace"`
	Port       int            `json:"port"`
	State      ContainerState `json:"state"`
	Status     string         `json:"status,omitempty"`
	Healthy    bool           `json:"healthy"`
	LastHealth time.Time      `json:"lastHealth,omitempty"`
	ExitCode   int            `json:"exitCode,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	StoppedAt  *time.Time     `json:"stoppedAt,omitempty"`
}

// LogLevel is the inferred severity of a log line
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogStream identifies which daemon stream a log line arrived on
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
)

// LogEntry is a single tagged log line from a container
type LogEntry struct {
	Timestamp     int64     `json:"timestamp"` // arrival time, unix millis
	Level         LogLevel  `json:"level"`
	Stream        LogStream `json:"stream"`
	Message       string    `json:"message"`
	ContainerName string    `json:"containerName"`
}

// CPUMetrics holds per-sample CPU figures derived from daemon stats deltas
type CPUMetrics struct {
	UsagePct   float64       `json:"usage_pct"`
	SystemPct  float64       `json:"system_pct"`
	UserPct    float64       `json:"user_pct"`
	OnlineCPUs int           `json:"online_cpus"`
	Throttling CPUThrottling `json:"throttling"`
}

// CPUThrottling passes the daemon's cgroup throttling counters through
type CPUThrottling struct {
	Periods          uint64 `json:"periods"`
	ThrottledPeriods uint64 `json:"throttled_periods"`
	ThrottledTimeNs  uint64 `json:"throttled_time_ns"`
}

// MemoryMetrics holds per-sample memory figures
type MemoryMetrics struct {
	UsageBytes  uint64  `json:"usage_bytes"`
	LimitBytes  uint64  `json:"limit_bytes"`
	UsagePct    float64 `json:"usage_pct"`
	CacheBytes  uint64  `json:"cache_bytes"`
	UsableBytes uint64  `json:"usable_bytes"`
	UsablePct   float64 `json:"usable_pct"`
}

// NetworkMetrics holds per-sample network rates and counters
type NetworkMetrics struct {
	RxBytesPerSec float64 `json:"rx_bytes_per_sec"`
	TxBytesPerSec float64 `json:"tx_bytes_per_sec"`
	RxPackets     uint64  `json:"rx_packets"`
	TxPackets     uint64  `json:"tx_packets"`
	RxErrors      uint64  `json:"rx_errors"`
	TxErrors      uint64  `json:"tx_errors"`
}

// DiskMetrics holds per-sample block I/O rates
type DiskMetrics struct {
	ReadBytesPerSec  float64 `json:"read_bytes_per_sec"`
	WriteBytesPerSec float64 `json:"write_bytes_per_sec"`
	ReadOpsPerSec    float64 `json:"read_ops_per_sec"`
	WriteOpsPerSec   float64 `json:"write_ops_per_sec"`
}

// MetricSample is one high-resolution resource measurement for a container
type MetricSample struct {
	ContainerID   string         `json:"containerId"`
	ContainerName string         `json:"containerName"`
	ProjectID     string         `json:"projectId"`
	Timestamp     int64          `json:"timestamp"` // unix millis
	Status        string         `json:"status"`
	UptimeNs      uint64         `json:"uptime_ns"`
	CPU           CPUMetrics     `json:"cpu"`
	Memory        MemoryMetrics  `json:"memory"`
	Network       NetworkMetrics `json:"network"`
	Disk          DiskMetrics    `json:"disk"`
}

// AggField is the rollup of a single numeric field across a bucket
type AggField struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// AggregatedSample is a fixed-interval bucket rollup of raw samples
type AggregatedSample struct {
	ContainerID  string   `json:"containerId"`
	Timestamp    int64    `json:"timestamp"` // bucket start, floor(t/I)*I, unix millis
	Count        int      `json:"count"`
	CPUUsage     AggField `json:"cpu_usage_pct"`
	CPUSystem    AggField `json:"cpu_system_pct"`
	CPUUser      AggField `json:"cpu_user_pct"`
	MemoryUsage  AggField `json:"memory_usage_bytes"`
	MemoryPct    AggField `json:"memory_usage_pct"`
	MemoryUsable AggField `json:"memory_usable_bytes"`
	NetworkRx    AggField `json:"network_rx_bytes_per_sec"`
	NetworkTx    AggField `json:"network_tx_bytes_per_sec"`
	DiskRead     AggField `json:"disk_read_bytes_per_sec"`
	DiskWrite    AggField `json:"disk_write_bytes_per_sec"`
}

// HealthState classifies a monitored component's condition
type HealthState string

const (
	HealthStateHealthy  HealthState = "healthy"
	HealthStateWarning  HealthState = "warning"
	HealthStateError    HealthState = "error"
	HealthStateCritical HealthState = "critical"
	HealthStateUnknown  HealthState = "unknown"
)

// HealthRecord is the derived per-component health bookkeeping.
// Records are never persisted and reset on restart.
type HealthRecord struct {
	Component           string            `json:"component"`
	State               HealthState       `json:"state"`
	LastCheck           time.Time         `json:"lastCheck"`
	LastHealthy         time.Time         `json:"lastHealthy,omitempty"`
	TotalChecks         int64             `json:"totalChecks"`
	TotalFailures       int64             `json:"totalFailures"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	AvgResponseTime     time.Duration     `json:"avgResponseTime"`
	LastError           string            `json:"lastError,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// ErrorRate returns the observed failure fraction across all checks
func (r *HealthRecord) ErrorRate() float64 {
	if r.TotalChecks == 0 {
		return 0
	}
	return float64(r.TotalFailures) / float64(r.TotalChecks)
}
