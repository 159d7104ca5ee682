// Package config loads debug host configuration from defaults, an optional
// YAML file, and environment overrides, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Environment variable overrides. DEBUG_HOST_DATA_DIR relocates every
// snapshot and log file; DEBUG_HOST_NATIVE switches project execution from
// containers to host processes.
const (
	EnvDataDir  = "DEBUG_HOST_DATA_DIR"
	EnvNative   = "DEBUG_HOST_NATIVE"
	EnvMCPPort  = "DEBUG_HOST_MCP_PORT"
	EnvAPIPort  = "DEBUG_HOST_API_PORT"
	EnvLogLevel = "DEBUG_HOST_LOG_LEVEL"
)

// Config holds the full debug host configuration
type Config struct {
	BindAddr   string `yaml:"bind_addr"`
	MCPPort    int    `yaml:"mcp_port"`
	APIPort    int    `yaml:"api_port"`
	DataDir    string `yaml:"data_dir"`
	NativeMode bool   `yaml:"native_mode"`

	DockerHost  string `yaml:"docker_host"`
	MemoryLimit string `yaml:"memory_limit"`
	CPUCount    int64  `yaml:"cpu_count"`

	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
	LogBuffer  int    `yaml:"log_buffer"`
	ParseJSON  bool   `yaml:"parse_json_logs"`
	StopGrace  int    `yaml:"stop_grace_seconds"`
	BatchLimit int    `yaml:"batch_parallelism"`

	HealthInterval    time.Duration `yaml:"health_interval"`
	AggregateInterval time.Duration `yaml:"aggregate_interval"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// Default returns the baseline configuration before file and env overrides
func Default() Config {
	return Config{
		BindAddr:          "127.0.0.1",
		MCPPort:           2601,
		APIPort:           2602,
		DataDir:           defaultDataDir(),
		MemoryLimit:       "2g",
		CPUCount:          2,
		LogLevel:          "info",
		LogBuffer:         2000,
		StopGrace:         10,
		BatchLimit:        4,
		HealthInterval:    30 * time.Second,
		AggregateInterval: 5 * time.Minute,
		RetentionInterval: 10 * time.Minute,
	}
}

// Load builds the effective configuration. The file path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if _, err := units.RAMInBytes(cfg.MemoryLimit); err != nil {
		return cfg, fmt.Errorf("invalid memory limit %q: %w", cfg.MemoryLimit, err)
	}
	if cfg.MCPPort <= 0 || cfg.MCPPort > 65535 {
		return cfg, fmt.Errorf("invalid mcp port %d", cfg.MCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api port %d", cfg.APIPort)
	}
	return cfg, nil
}

// MemoryLimitBytes returns the container memory limit in bytes
func (c Config) MemoryLimitBytes() int64 {
	n, err := units.RAMInBytes(c.MemoryLimit)
	if err != nil {
		n, _ = units.RAMInBytes("2g")
	}
	return n
}

// LogsDir returns the root directory for persisted container logs
func (c Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// SystemDir returns the directory for registry snapshots
func (c Config) SystemDir() string {
	return filepath.Join(c.DataDir, "system")
}

// MetricsDir returns the directory for metric tier snapshots
func (c Config) MetricsDir() string {
	return filepath.Join(c.DataDir, "metrics")
}

// StateDir returns the directory for advisory lock files
func (c Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvNative); v != "" {
		cfg.NativeMode = v == "1" || v == "true"
	}
	if v := os.Getenv(EnvMCPPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.MCPPort = p
		}
	}
	if v := os.Getenv(EnvAPIPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = p
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".debug-host"
	}
	return filepath.Join(home, ".debug-host")
}
