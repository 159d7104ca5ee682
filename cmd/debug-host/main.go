package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/debug-host/debug-host/pkg/api"
	"github.com/debug-host/debug-host/pkg/config"
	"github.com/debug-host/debug-host/pkg/detect"
	"github.com/debug-host/debug-host/pkg/health"
	"github.com/debug-host/debug-host/pkg/lifecycle"
	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/logs"
	"github.com/debug-host/debug-host/pkg/metrics"
	"github.com/debug-host/debug-host/pkg/ports"
	"github.com/debug-host/debug-host/pkg/project"
	"github.com/debug-host/debug-host/pkg/runtime"
	"github.com/debug-host/debug-host/pkg/telemetry"
	"github.com/debug-host/debug-host/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "debug-host",
	Short: "Debug host - local development project supervisor",
	Long: `Debug host registers workspace projects, runs them in containers on a
dedicated bridge network, and exposes their logs, metrics and health over
a local MCP and REST API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"debug-host version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("debug-host version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the debug host",
	Long: `Start the debug host daemon: connect to the container daemon, rebuild
state from the previous run, and serve the MCP and REST APIs on loopback.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().Bool("native", false, "Run projects as host processes instead of containers")
	serveCmd.Flags().Int("mcp-port", 0, "MCP server port (overrides config)")
	serveCmd.Flags().Int("api-port", 0, "REST server port (overrides config)")
	serveCmd.Flags().String("log-level", "", "Log level: trace, debug, info, warn, error")
	serveCmd.Flags().Bool("log-json", false, "Emit JSON logs")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("debug host starting")

	for _, dir := range []string{cfg.DataDir, cfg.SystemDir(), cfg.LogsDir(), cfg.MetricsDir(), cfg.StateDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("data directory is not writable: %w", err)
		}
	}

	// daemon connection (skipped entirely in native mode)
	var rt *runtime.DockerRuntime
	if !cfg.NativeMode {
		if cfg.DockerHost != "" {
			os.Setenv("DOCKER_HOST", cfg.DockerHost)
		}
		rt, err = runtime.NewDockerRuntime(runtime.Config{
			MemoryLimit: cfg.MemoryLimitBytes(),
			CPUCount:    cfg.CPUCount,
		})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rt.Ping(ctx); err != nil {
			return fmt.Errorf("container daemon unreachable: %w", err)
		}
		if err := rt.EnsureNetwork(ctx, runtime.NetworkName); err != nil {
			return err
		}
	}

	// registries
	portReg, err := ports.NewRegistry(cfg.SystemDir() + "/ports.json")
	if err != nil {
		return err
	}
	projReg, err := project.NewRegistry(cfg.SystemDir()+"/projects.json", portReg)
	if err != nil {
		return err
	}
	if released, err := portReg.CleanupOrphans(); err == nil && len(released) > 0 {
		logger.Info().Ints("ports", released).Msg("released orphaned port allocations")
	}

	// log plumbing
	logStore := logs.NewStore(cfg.LogsDir(), cfg.LogBuffer)
	broker := logs.NewBroker()
	search := logs.NewSearchService(logStore)
	search.Start()

	var pipeline *logs.Pipeline
	if rt != nil {
		pipeline = logs.NewPipeline(rt, logStore, broker, cfg.ParseJSON)
	}

	// metric plumbing
	metStore := metrics.NewStore(cfg.MetricsDir())
	metStore.SetIntervals(cfg.AggregateInterval, cfg.RetentionInterval)
	if err := metStore.Load(); err != nil {
		logger.Warn().Err(err).Msg("metric snapshots not loaded, starting empty")
	}
	metStore.Start()
	stream := metrics.NewStreamManager(metStore)
	stream.Start()

	// container lifecycle
	var mgr *lifecycle.Manager
	var collector *metrics.Collector
	native := lifecycle.NewNativeRunner()
	if rt != nil {
		mgr = lifecycle.NewManager(rt)
		collector = metrics.NewCollector(rt, metStore, stream, func(containerID string) (string, time.Time) {
			rec, err := mgr.Get(containerID)
			if err != nil {
				return "", time.Time{}
			}
			started := time.Time{}
			if rec.StartedAt != nil {
				started = *rec.StartedAt
			}
			return string(rec.State), started
		})

		mgr.OnExit(func(rec types.ContainerRecord) {
			pipeline.StopTail(rec.ID)
			collector.Detach(rec.ID)
			if rec.ProjectID == "" {
				return
			}
			_, err := projReg.Update(rec.ProjectID, func(p *types.Project) {
				now := time.Now()
				p.State = types.ProjectStateStopped
				p.StoppedAt = &now
			})
			if err != nil {
				logger.Warn().Err(err).Str("project", rec.ProjectID).Msg("exit state not recorded")
			}
		})

		bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if n, err := mgr.Rediscover(bootCtx); err != nil {
			logger.Warn().Err(err).Msg("container rediscovery failed")
		} else if n > 0 {
			logger.Info().Int("containers", n).Msg("rediscovered managed containers")
		}
		if removed, err := mgr.CleanupOrphans(bootCtx); err == nil && len(removed) > 0 {
			logger.Info().Strs("containers", removed).Msg("removed orphaned containers")
		}
		cancel()

		// resume streams for containers that survived the restart
		for _, rec := range mgr.List() {
			if rec.State == types.ContainerStateRunning {
				pipeline.StartTail(rec.ID, rec.Name)
				collector.Attach(rec.ID, rec.Name, rec.ProjectID)
			}
		}
	}

	// health and recovery
	recovery := health.NewRecovery(cfg.StateDir())
	if rt != nil {
		recovery.RegisterHooks("container-daemon", health.Hooks{
			Kind:    health.KindDaemon,
			Restart: func(ctx context.Context) error { return rt.Ping(ctx) },
		})
		recovery.RegisterHooks("network", health.Hooks{
			Kind:      health.KindNetwork,
			Operation: func(ctx context.Context) error { return rt.EnsureNetwork(ctx, runtime.NetworkName) },
		})
	}
	recovery.RegisterHooks("filesystem", health.Hooks{
		Kind: health.KindFilesystem,
		Fallbacks: map[string]func(ctx context.Context) error{
			"default": func(context.Context) error { return os.MkdirAll(cfg.DataDir, 0o755) },
		},
	})
	recovery.RegisterHooks("port-registry", health.Hooks{
		Kind: health.KindPort,
		Operation: func(context.Context) error {
			_, err := portReg.CleanupOrphans()
			return err
		},
	})

	engine := health.NewEngine(recovery, cfg.HealthInterval)
	if rt != nil {
		engine.Register(health.NewDaemonChecker(rt))
	}
	engine.Register(health.NewFilesystemChecker(cfg.DataDir))
	engine.Register(health.NewNetworkChecker())
	engine.Register(health.NewStatsChecker("port-registry", func(context.Context) (map[string]string, error) {
		return map[string]string{"allocated": strconv.Itoa(len(portReg.Allocations()))}, nil
	}))
	engine.Register(health.NewStatsChecker("project-registry", func(context.Context) (map[string]string, error) {
		return map[string]string{"projects": strconv.Itoa(projReg.Count())}, nil
	}))
	engine.Register(health.NewControlPlaneChecker(fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.MCPPort)))
	detectors := detect.NewRegistry()
	engine.Register(health.NewStatsChecker("detector", func(context.Context) (map[string]string, error) {
		return map[string]string{"probes": strconv.Itoa(len(detectors.Probes()))}, nil
	}))
	engine.Start()

	// API surface
	deps := api.ServiceDeps{
		Config:    cfg,
		Projects:  projReg,
		Ports:     portReg,
		Detectors: detectors,
		Native:    native,
		LogStore:  logStore,
		LogBroker: broker,
		Search:    search,
		MetStore:  metStore,
		MetStream: stream,
		HealthEng: engine,
		Recovery:  recovery,
		Version:   Version,
	}
	if mgr != nil {
		deps.Containers = mgr
		deps.Execer = rt
		deps.Tails = pipeline
		deps.Collector = collector
	}
	server := api.NewServer(api.NewService(deps))

	gaugeStop := make(chan struct{})
	go refreshGauges(projReg, portReg, mgr, gaugeStop)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown incomplete")
	}
	close(gaugeStop)
	engine.Stop()
	if collector != nil {
		collector.Shutdown()
	}
	stream.Stop()
	metStore.Stop()
	if err := metStore.Persist(); err != nil {
		logger.Warn().Err(err).Msg("final metric snapshot failed")
	}
	search.Stop()
	if pipeline != nil {
		pipeline.Shutdown()
	}
	logStore.Close()
	native.Shutdown()
	if mgr != nil {
		mgr.Shutdown()
	}
	if rt != nil {
		rt.Close()
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// refreshGauges republishes registry-derived gauges every 15 seconds
func refreshGauges(projReg *project.Registry, portReg *ports.Registry, mgr *lifecycle.Manager, stop chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			telemetry.ProjectsTotal.Reset()
			for _, p := range projReg.List() {
				telemetry.ProjectsTotal.WithLabelValues(string(p.State)).Inc()
			}
			telemetry.PortsAllocated.Reset()
			for band, bs := range portReg.Stats().Bands {
				telemetry.PortsAllocated.WithLabelValues(string(band)).Set(float64(bs.Allocated))
			}
			if mgr != nil {
				telemetry.ContainersTotal.Reset()
				for _, rec := range mgr.List() {
					telemetry.ContainersTotal.WithLabelValues(string(rec.State)).Inc()
				}
			}
		case <-stop:
			return
		}
	}
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if cmd.Flags().Changed("native") {
		cfg.NativeMode, _ = cmd.Flags().GetBool("native")
	}
	if v, _ := cmd.Flags().GetInt("mcp-port"); v != 0 {
		cfg.MCPPort = v
	}
	if v, _ := cmd.Flags().GetInt("api-port"); v != 0 {
		cfg.APIPort = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}
}
