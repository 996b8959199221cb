package main

import (
	"os"
	"testing"

	"github.com/NavarchProject/gdnd/pkg/config"
	"github.com/NavarchProject/gdnd/pkg/device"
	"github.com/NavarchProject/gdnd/pkg/healing"
)

func TestEnvOrFallsBackToDefault(t *testing.T) {
	os.Unsetenv("GDND_TEST_VAR")
	if got := envOr("GDND_TEST_VAR", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
	os.Setenv("GDND_TEST_VAR", "set")
	defer os.Unsetenv("GDND_TEST_VAR")
	if got := envOr("GDND_TEST_VAR", "fallback"); got != "set" {
		t.Errorf("expected set, got %q", got)
	}
}

func TestEnvBoolOr(t *testing.T) {
	os.Unsetenv("GDND_TEST_BOOL")
	if got := envBoolOr("GDND_TEST_BOOL", false); got != false {
		t.Error("expected default false")
	}
	os.Setenv("GDND_TEST_BOOL", "true")
	defer os.Unsetenv("GDND_TEST_BOOL")
	if got := envBoolOr("GDND_TEST_BOOL", false); got != true {
		t.Error("expected true when env var is \"true\"")
	}
}

func TestFatalCodesForSelectsVendorSet(t *testing.T) {
	cfg, err := config.Parse([]byte(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nvidiaSet := fatalCodesFor(device.VendorNVIDIA, cfg)
	if !nvidiaSet[79] {
		t.Errorf("expected NVIDIA fatal set to include XID 79, got %v", nvidiaSet)
	}
	ascendSet := fatalCodesFor(device.VendorAscend, cfg)
	if !ascendSet[1001] {
		t.Errorf("expected Ascend fatal set to include 1001, got %v", ascendSet)
	}
}

func TestHealingStrategyMapping(t *testing.T) {
	cases := map[config.HealingStrategy]healing.Strategy{
		config.HealingConservative: healing.Conservative,
		config.HealingModerate:     healing.Moderate,
		config.HealingAggressive:   healing.Aggressive,
	}
	for in, want := range cases {
		if got := healingStrategy(in); got != want {
			t.Errorf("healingStrategy(%q) = %v, want %v", in, got, want)
		}
	}
}
