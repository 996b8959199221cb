package config

import (
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`device_type: auto`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.L1Interval.Duration() != 30*time.Second {
		t.Errorf("expected default l1_interval=30s, got %v", cfg.L1Interval.Duration())
	}
	if cfg.Health.FailureThreshold != 3 {
		t.Errorf("expected default failure_threshold=3, got %d", cfg.Health.FailureThreshold)
	}
	if !cfg.Isolation.Cordon {
		t.Error("expected isolation.cordon to default to true")
	}
	if cfg.Isolation.TaintKey != "nvidia.com/gpu-health" {
		t.Errorf("unexpected default taint key: %q", cfg.Isolation.TaintKey)
	}
	if cfg.Metrics.Port != 9100 {
		t.Errorf("expected default metrics.port=9100, got %d", cfg.Metrics.Port)
	}
	if cfg.Healing.Strategy != HealingConservative {
		t.Errorf("expected default healing.strategy=conservative, got %q", cfg.Healing.Strategy)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("not_a_real_field: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseRejectsBadDeviceType(t *testing.T) {
	_, err := Parse([]byte("device_type: gibberish\n"))
	if err == nil {
		t.Fatal("expected error for invalid device_type")
	}
}

func TestParseRejectsBadTaintEffect(t *testing.T) {
	_, err := Parse([]byte("isolation:\n  taint_effect: Nonsense\n"))
	if err == nil {
		t.Fatal("expected error for invalid taint_effect")
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
device_type: nvidia
l1_interval: 10s
l3_enabled: true
l3_interval: 1h
isolation:
  cordon: false
  evict_pods: true
  skip_annotation: gdnd.io/skip-eviction
health:
  failure_threshold: 5
  fatal_xids: [79]
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.L1Interval.Duration() != 10*time.Second {
		t.Errorf("expected l1_interval=10s, got %v", cfg.L1Interval.Duration())
	}
	if cfg.Isolation.Cordon {
		t.Error("expected isolation.cordon=false to be respected, not overridden by the default")
	}
	if !cfg.Isolation.EvictPods {
		t.Error("expected isolation.evict_pods=true")
	}
	if cfg.Isolation.SkipAnnotation != "gdnd.io/skip-eviction" {
		t.Errorf("expected isolation.skip_annotation to round-trip, got %q", cfg.Isolation.SkipAnnotation)
	}
	if cfg.Health.FailureThreshold != 5 {
		t.Errorf("expected failure_threshold=5, got %d", cfg.Health.FailureThreshold)
	}
	if len(cfg.Health.FatalXIDs) != 1 || cfg.Health.FatalXIDs[0] != 79 {
		t.Errorf("expected fatal_xids=[79], got %v", cfg.Health.FatalXIDs)
	}
}

func TestFatalXIDSet(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	set := cfg.FatalXIDSet()
	if !set[79] || !set[48] {
		t.Errorf("expected default fatal XID set to include 79 and 48, got %v", set)
	}
}
