package detection

import (
	"context"
	"testing"
	"time"

	"github.com/NavarchProject/gdnd/pkg/device"
	"github.com/NavarchProject/gdnd/pkg/device/mock"
)

func defaultL3() *L3Detector {
	return NewL3Detector(L3Config{Timeout: 10 * time.Second, MinBandwidthGBps: 1.0, SkipIfUnsupported: true})
}

func TestL3Supported(t *testing.T) {
	d := mock.New(device.ID{Index: 0})
	if !defaultL3().IsSupported(d) {
		t.Error("expected mock device to support bandwidth check")
	}
}

func TestL3DetectPass(t *testing.T) {
	d := mock.New(device.ID{Index: 0})
	outcome := device.Passed(time.Second)
	outcome.BandwidthGBps = 12.0
	d.QueueBandwidthCheck(outcome, nil)

	result := defaultL3().Detect(context.Background(), d)
	if !result.Passed {
		t.Errorf("expected pass, got %v", result.Findings)
	}
}

func TestL3DetectFailBelowThreshold(t *testing.T) {
	d := mock.New(device.ID{Index: 0})
	outcome := device.Passed(time.Second)
	outcome.BandwidthGBps = 0.2
	d.QueueBandwidthCheck(outcome, nil)

	result := defaultL3().Detect(context.Background(), d)
	if result.Passed {
		t.Fatal("expected failure below minimum bandwidth")
	}
	if result.Findings[0].Type != PcieDegradation {
		t.Errorf("expected PcieDegradation, got %v", result.Findings[0].Type)
	}
}

func TestL3DetectAllSkipsWhenUnsupported(t *testing.T) {
	d := mock.New(device.ID{Index: 0})
	d.SetSupportsBandwidthCheck(false)

	results := defaultL3().DetectAll(context.Background(), []device.Device{d})
	if len(results) != 0 {
		t.Errorf("expected no results when unsupported and SkipIfUnsupported=true, got %d", len(results))
	}
}

func TestL3ConfigDefaults(t *testing.T) {
	cfg := NewL3Detector(L3Config{SkipIfUnsupported: true}).cfg
	if cfg.MinBandwidthGBps != 1.0 {
		t.Errorf("expected 1.0 GB/s default per spec, got %v", cfg.MinBandwidthGBps)
	}
}
