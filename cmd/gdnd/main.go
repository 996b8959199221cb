// Command gdnd is a cluster-resident agent that detects unhealthy NVIDIA
// GPUs and Huawei Ascend NPUs through a three-tier detection pipeline and
// isolates the host they're attached to via the Kubernetes API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NavarchProject/gdnd/pkg/config"
	"github.com/NavarchProject/gdnd/pkg/detection"
	"github.com/NavarchProject/gdnd/pkg/device"
	"github.com/NavarchProject/gdnd/pkg/device/ascend"
	"github.com/NavarchProject/gdnd/pkg/device/mock"
	"github.com/NavarchProject/gdnd/pkg/device/nvidia"
	"github.com/NavarchProject/gdnd/pkg/healing"
	"github.com/NavarchProject/gdnd/pkg/metrics"
	"github.com/NavarchProject/gdnd/pkg/notify"
	"github.com/NavarchProject/gdnd/pkg/orchestrator"
	"github.com/NavarchProject/gdnd/pkg/scheduler"
	"github.com/NavarchProject/gdnd/pkg/statemachine"
)

var (
	configPath string
	nodeName   string
	dryRun     bool
	logLevel   string
	logJSON    bool
	debug      bool
	once       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gdnd",
		Short: "GPU/NPU dead node detector",
		Long:  "gdnd watches NVIDIA GPUs and Huawei Ascend NPUs for hardware faults and isolates hosts that go unhealthy.",
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file (required)")
	rootCmd.Flags().StringVar(&nodeName, "node-name", os.Getenv("NODE_NAME"), "Node identity (env: NODE_NAME)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log isolation actions without executing them")
	rootCmd.Flags().StringVar(&logLevel, "log-level", envOr("GDND_LOG_LEVEL", "info"), "trace|debug|info|warn|error (env: GDND_LOG_LEVEL)")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", envBoolOr("GDND_LOG_JSON", false), "Emit structured JSON logs (env: GDND_LOG_JSON)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Raise internal diagnostic verbosity")
	rootCmd.Flags().BoolVar(&once, "once", false, "Run a single L1 pass over all devices and exit")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBoolOr(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || v == "true"
}

func run(cmd *cobra.Command, args []string) error {
	log := newLogger()

	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dryRun {
		cfg.DryRun = true
	}
	if nodeName == "" {
		return fmt.Errorf("node name is required: pass --node-name or set NODE_NAME")
	}

	log.Info("starting gdnd", "node", nodeName, "device_type", cfg.DeviceType, "dry_run", cfg.DryRun)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	devices, lister, err := detectDevices(ctx, cfg)
	if err != nil {
		return fmt.Errorf("detect devices: %w", err)
	}
	defer lister.Close()
	log.Info("detected devices", "vendor", lister.Vendor(), "count", len(devices))

	l1 := detection.NewL1Detector(detection.L1Config{
		TemperatureThresholdC: cfg.Health.TemperatureThreshold,
		FatalXIDCodes:         fatalCodesFor(lister.Vendor(), cfg),
	}, func(format string, a ...any) { log.Debug(fmt.Sprintf(format, a...)) })

	// --once is a node-image smoke test / kubectl exec diagnostic: a single
	// L1 pass over every device, with no Kubernetes client, scheduler, or
	// metrics server ever constructed, so it can never mutate a live node.
	if once {
		for _, r := range l1.DetectAll(ctx, devices) {
			log.Info("detection result", "device", r.Device, "level", r.Level, "passed", r.Passed)
		}
		return nil
	}

	l2 := detection.NewL2Detector(detection.L2Config{Timeout: cfg.Health.ActiveCheckTimeout.Duration()})

	reg := metrics.NewRegistry()
	reg.SetGPUCount(len(devices))

	// The config default taint key is the NVIDIA one; Ascend hosts left on
	// that default use the Ascend key instead.
	taintKey := cfg.Isolation.TaintKey
	if lister.Vendor() == device.VendorAscend && taintKey == "nvidia.com/gpu-health" {
		taintKey = "huawei.com/npu-health"
	}
	health := statemachine.New(cfg.Health.FailureThreshold, fatalCodesFor(lister.Vendor(), cfg), statemachine.IsolationConfig{
		Cordon:      cfg.Isolation.Cordon,
		EvictPods:   cfg.Isolation.EvictPods,
		Alert:       true,
		TaintKey:    taintKey,
		TaintValue:  cfg.Isolation.TaintValue,
		TaintEffect: statemachine.TaintEffect(cfg.Isolation.TaintEffect),
	})
	if cfg.Recovery.Enabled {
		health = health.WithRecovery(statemachine.RecoveryConfig{
			Enabled:              true,
			ConsecutiveThreshold: cfg.Recovery.Threshold,
			Interval:             cfg.Recovery.Interval.Duration(),
		})
	}

	clientset, err := orchestrator.NewClientset("")
	if err != nil {
		return fmt.Errorf("build kubernetes client: %w", err)
	}
	nodeOp := orchestrator.NewNodeOperator(clientset, nodeName, cfg.DryRun, log).
		WithNotifier(notify.NewLogNotifier(log)).
		WithSkipAnnotation(cfg.Isolation.SkipAnnotation)

	sched := scheduler.New(
		devices, l1, l2,
		scheduler.Intervals{
			L1: cfg.L1Interval.Duration(),
			L2: cfg.L2Interval.Duration(),
			L3: cfg.L3Interval.Duration(),
		},
		nil, health, nodeOp, reg, log,
	)
	if cfg.L3Enabled {
		sched = sched.WithL3(detection.NewL3Detector(detection.L3Config{
			Timeout:           cfg.Health.ActiveCheckTimeout.Duration(),
			MinBandwidthGBps:  1.0,
			SkipIfUnsupported: true,
		}))
	}
	if cfg.Healing.Enabled {
		sched = sched.WithHealer(healing.New(healing.Config{
			Enabled:  true,
			Strategy: healingStrategy(cfg.Healing.Strategy),
			DryRun:   cfg.Healing.DryRun || cfg.DryRun,
		}, log))
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, reg, log)
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		log.Info("metrics server listening", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	runErr := sched.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			log.Warn("error shutting down metrics server", "error", err)
		}
	}

	log.Info("gdnd stopped")
	return runErr
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch logLevel {
	case "trace", "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func detectDevices(ctx context.Context, cfg *config.Config) ([]device.Device, device.Lister, error) {
	want := device.Vendor(cfg.DeviceType)
	candidates := []device.Lister{
		nvidia.NewLister(cfg.GPUCheckPath),
		ascend.NewLister(cfg.NPUCheckPath),
		mock.NewLister(1),
	}
	devices, lister, err := device.Detect(ctx, want, candidates...)
	if err != nil {
		return nil, nil, err
	}
	return devices, lister, nil
}

func fatalCodesFor(vendor device.Vendor, cfg *config.Config) map[int]bool {
	if vendor == device.VendorAscend {
		return cfg.FatalAscendErrorSet()
	}
	return cfg.FatalXIDSet()
}

func healingStrategy(s config.HealingStrategy) healing.Strategy {
	switch s {
	case config.HealingModerate:
		return healing.Moderate
	case config.HealingAggressive:
		return healing.Aggressive
	default:
		return healing.Conservative
	}
}
