package detection

import (
	"context"
	"time"

	"github.com/NavarchProject/gdnd/pkg/device"
)

// L3Config configures the PCIe bandwidth probe tier.
type L3Config struct {
	Timeout           time.Duration
	MinBandwidthGBps  float64 // default 1.0 per the bandwidth probe contract
	SkipIfUnsupported bool    // pass, rather than fail, devices without a bandwidth probe
}

// L3Detector launches the device's PCIe bandwidth probe and compares the
// measured bandwidth against the configured minimum.
type L3Detector struct {
	cfg L3Config
}

func NewL3Detector(cfg L3Config) *L3Detector {
	if cfg.MinBandwidthGBps <= 0 {
		cfg.MinBandwidthGBps = 1.0
	}
	return &L3Detector{cfg: cfg}
}

// IsSupported reports whether dev can run a bandwidth check at all.
func (l *L3Detector) IsSupported(dev device.Device) bool {
	return dev.SupportsBandwidthCheck()
}

func (l *L3Detector) Detect(ctx context.Context, dev device.Device) Result {
	if !dev.SupportsBandwidthCheck() {
		if l.cfg.SkipIfUnsupported {
			return Pass(dev.ID(), L3Pcie, 0)
		}
		return Fail(dev.ID(), L3Pcie, 0, PcieDegradationFinding(0, l.cfg.MinBandwidthGBps))
	}

	outcome, err := dev.RunBandwidthCheck(ctx, l.cfg.Timeout)
	if err != nil {
		return Fail(dev.ID(), L3Pcie, outcome.Duration, PcieDegradationFinding(0, l.cfg.MinBandwidthGBps))
	}
	if !outcome.Passed {
		return Fail(dev.ID(), L3Pcie, outcome.Duration, PcieDegradationFinding(outcome.BandwidthGBps, l.cfg.MinBandwidthGBps))
	}
	if outcome.BandwidthGBps > 0 && outcome.BandwidthGBps < l.cfg.MinBandwidthGBps {
		return Fail(dev.ID(), L3Pcie, outcome.Duration, PcieDegradationFinding(outcome.BandwidthGBps, l.cfg.MinBandwidthGBps))
	}
	return Pass(dev.ID(), L3Pcie, outcome.Duration)
}

// DetectAll runs Detect against every device, pre-checking support so an
// entirely-unsupported fleet returns an empty result set rather than one
// finding per device.
func (l *L3Detector) DetectAll(ctx context.Context, devices []device.Device) []Result {
	anySupported := false
	for _, d := range devices {
		if d.SupportsBandwidthCheck() {
			anySupported = true
			break
		}
	}
	if !anySupported && l.cfg.SkipIfUnsupported {
		return nil
	}

	results := make([]Result, 0, len(devices))
	for _, d := range devices {
		results = append(results, l.Detect(ctx, d))
	}
	return results
}
