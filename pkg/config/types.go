package config

import "time"

// Config is the agent's full runtime configuration, loaded from a single
// YAML file per the CLI's --config flag.
type Config struct {
	DeviceType   string `yaml:"device_type"`
	L1Interval   Duration `yaml:"l1_interval"`
	L2Interval   Duration `yaml:"l2_interval"`
	L3Interval   Duration `yaml:"l3_interval"`
	L3Enabled    bool   `yaml:"l3_enabled"`
	GPUCheckPath string `yaml:"gpu_check_path"`
	NPUCheckPath string `yaml:"npu_check_path"`

	Health    HealthConfig    `yaml:"health"`
	Isolation IsolationConfig `yaml:"isolation"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Healing   HealingConfig   `yaml:"healing"`

	DryRun bool `yaml:"dry_run"`
}

// HealthConfig controls the state machine's failure thresholds and the
// vendor error codes treated as immediately fatal.
type HealthConfig struct {
	FailureThreshold      int      `yaml:"failure_threshold"`
	FatalXIDs             []int    `yaml:"fatal_xids"`
	FatalAscendErrors     []int    `yaml:"fatal_ascend_errors"`
	TemperatureThreshold  int      `yaml:"temperature_threshold"`
	ActiveCheckTimeout    Duration `yaml:"active_check_timeout"`
}

// IsolationConfig controls which Kubernetes actions isolation performs.
type IsolationConfig struct {
	Cordon      bool   `yaml:"cordon"`
	EvictPods   bool   `yaml:"evict_pods"`
	TaintKey    string `yaml:"taint_key"`
	TaintValue  string `yaml:"taint_value"`
	TaintEffect string `yaml:"taint_effect"`

	// SkipAnnotation is a pod annotation key; pods carrying it, with any
	// value, are never evicted, alongside the mirror-pod, DaemonSet and
	// kube-system daemon-name rules that always apply.
	SkipAnnotation string `yaml:"skip_annotation"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// RecoveryConfig is the optional Isolated -> Healthy pathway, disabled by
// default. See SPEC_FULL.md §9's recovery extension point.
type RecoveryConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold int      `yaml:"threshold"`
	Interval  Duration `yaml:"interval"`
}

// HealingStrategy selects how aggressively the self-healer acts before
// isolation runs.
type HealingStrategy string

const (
	HealingConservative HealingStrategy = "conservative"
	HealingModerate     HealingStrategy = "moderate"
	HealingAggressive   HealingStrategy = "aggressive"
)

// HealingConfig is the optional self-healing extension point, disabled by
// default. See SPEC_FULL.md §9's self-healing extension point.
type HealingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Strategy HealingStrategy `yaml:"strategy"`
	Timeout  Duration        `yaml:"timeout"`
	DryRun   bool            `yaml:"dry_run"`
}

// Duration wraps time.Duration for YAML marshaling with Go duration syntax
// ("30s", "5m", "24h").
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }
