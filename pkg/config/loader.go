package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and validates the agent's configuration file. Unknown keys are
// rejected, matching spec.md §6's "unknown keys are rejected at startup".
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config, applies defaults, and validates
// the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DeviceType == "" {
		c.DeviceType = "auto"
	}
	if c.L1Interval == 0 {
		c.L1Interval = Duration(30 * time.Second)
	}
	if c.L2Interval == 0 {
		c.L2Interval = Duration(5 * time.Minute)
	}
	if c.L3Interval == 0 {
		c.L3Interval = Duration(24 * time.Hour)
	}
	if c.GPUCheckPath == "" {
		c.GPUCheckPath = "/usr/local/bin/gpu-check"
	}
	if c.NPUCheckPath == "" {
		c.NPUCheckPath = "/usr/local/bin/npu-check"
	}

	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 3
	}
	if len(c.Health.FatalXIDs) == 0 {
		c.Health.FatalXIDs = []int{31, 43, 48, 79}
	}
	if len(c.Health.FatalAscendErrors) == 0 {
		c.Health.FatalAscendErrors = []int{1001, 1002, 1007, 1008}
	}
	if c.Health.TemperatureThreshold == 0 {
		c.Health.TemperatureThreshold = 85
	}
	if c.Health.ActiveCheckTimeout == 0 {
		c.Health.ActiveCheckTimeout = Duration(5 * time.Second)
	}

	// isolation.cordon defaults to true; the YAML zero-value for an
	// absent bool is false, so only force it when the whole isolation
	// block is at its zero value (never explicitly set).
	if c.Isolation == (IsolationConfig{}) {
		c.Isolation.Cordon = true
	}
	if c.Isolation.TaintKey == "" {
		c.Isolation.TaintKey = "nvidia.com/gpu-health"
	}
	if c.Isolation.TaintValue == "" {
		c.Isolation.TaintValue = "failed"
	}
	if c.Isolation.TaintEffect == "" {
		c.Isolation.TaintEffect = "NoSchedule"
	}

	if c.Metrics == (MetricsConfig{}) {
		c.Metrics.Enabled = true
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Recovery.Threshold == 0 {
		c.Recovery.Threshold = 5
	}

	if c.Healing.Strategy == "" {
		c.Healing.Strategy = HealingConservative
	}
	if c.Healing.Timeout == 0 {
		c.Healing.Timeout = Duration(30 * time.Second)
	}
}

// Validate checks the configuration for errors a human must fix before the
// agent can start.
func (c *Config) Validate() error {
	switch c.DeviceType {
	case "auto", "nvidia", "ascend":
	default:
		return fmt.Errorf("device_type must be one of auto|nvidia|ascend, got %q", c.DeviceType)
	}

	if c.L1Interval.Duration() <= 0 {
		return fmt.Errorf("l1_interval must be positive")
	}
	if c.L2Interval.Duration() <= 0 {
		return fmt.Errorf("l2_interval must be positive")
	}
	if c.L3Enabled && c.L3Interval.Duration() <= 0 {
		return fmt.Errorf("l3_interval must be positive when l3_enabled is true")
	}

	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be >= 1")
	}
	if c.Health.ActiveCheckTimeout.Duration() <= 0 {
		return fmt.Errorf("health.active_check_timeout must be positive")
	}

	switch c.Isolation.TaintEffect {
	case "NoSchedule", "NoExecute", "PreferNoSchedule":
	default:
		return fmt.Errorf("isolation.taint_effect must be one of NoSchedule|NoExecute|PreferNoSchedule, got %q", c.Isolation.TaintEffect)
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}

	if c.Recovery.Enabled && c.Recovery.Threshold < 1 {
		return fmt.Errorf("recovery.threshold must be >= 1 when recovery.enabled is true")
	}

	switch c.Healing.Strategy {
	case HealingConservative, HealingModerate, HealingAggressive:
	default:
		return fmt.Errorf("healing.strategy must be one of conservative|moderate|aggressive, got %q", c.Healing.Strategy)
	}

	return nil
}

// FatalXIDSet returns health.fatal_xids as a lookup set for the NVIDIA
// state-machine wiring.
func (c *Config) FatalXIDSet() map[int]bool {
	return toSet(c.Health.FatalXIDs)
}

// FatalAscendErrorSet returns health.fatal_ascend_errors as a lookup set.
func (c *Config) FatalAscendErrorSet() map[int]bool {
	return toSet(c.Health.FatalAscendErrors)
}

func toSet(codes []int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// UnmarshalYAML implements custom YAML unmarshaling so durations are
// written as Go duration strings ("30s", "5m", "24h") rather than integer
// nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements custom YAML marshaling for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	if d == 0 {
		return "", nil
	}
	return time.Duration(d).String(), nil
}
