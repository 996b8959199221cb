package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/NavarchProject/gdnd/pkg/device"
)

// L1Config configures the passive telemetry tier.
type L1Config struct {
	TemperatureThresholdC int
	FatalXIDCodes         map[int]bool
}

// L1Detector runs passive telemetry/error/hung-process checks against a
// device without launching any external sub-process. Each sub-check's
// errors are logged by the caller and tolerated rather than failing the
// whole pass, matching the tier's sub-second budget.
type L1Detector struct {
	cfg L1Config
	log func(format string, args ...any)
}

// NewL1Detector creates an L1 passive detector. log receives tolerated,
// per-subcheck errors (telemetry/error-scan/hung-process-scan failures);
// pass a no-op to silence them.
func NewL1Detector(cfg L1Config, log func(format string, args ...any)) *L1Detector {
	if log == nil {
		log = func(string, ...any) {}
	}
	return &L1Detector{cfg: cfg, log: log}
}

func (l *L1Detector) Detect(ctx context.Context, dev device.Device) Result {
	start := time.Now()
	var findings []Finding

	telemetry, err := dev.ReadTelemetry(ctx)
	if err != nil {
		l.log("l1: read telemetry for %s: %v", dev.ID(), err)
	} else {
		if telemetry.Temperature >= l.cfg.TemperatureThresholdC {
			findings = append(findings, HighTemperatureFinding(telemetry.Temperature, l.cfg.TemperatureThresholdC))
		}
		if telemetry.Ecc.DoubleBit > 0 {
			findings = append(findings, DoubleBitECCFinding(telemetry.Ecc.DoubleBit))
		}
	}

	errEvents, err := dev.ScanErrors(ctx)
	if err != nil {
		l.log("l1: scan errors for %s: %v", dev.ID(), err)
	} else {
		for _, e := range errEvents {
			msg := e.Message
			if msg == "" {
				msg = fmt.Sprintf("error code %d", e.Code)
			}
			if l.cfg.FatalXIDCodes[e.Code] {
				findings = append(findings, FatalXIDFinding(e.Code, msg))
			} else {
				findings = append(findings, NonFatalXIDFinding(e.Code, msg))
			}
		}
	}

	hung, err := dev.FindHungConsumers(ctx)
	if err != nil {
		l.log("l1: find hung consumers for %s: %v", dev.ID(), err)
	} else {
		for _, pid := range hung {
			findings = append(findings, ZombieProcessFinding(pid))
		}
	}

	duration := time.Since(start)
	// Double-bit ECC counts and non-fatal error codes are informational:
	// they ride along on a failing result but never fail the tier alone.
	for _, f := range findings {
		if f.Type != DoubleBitECC && f.Type != NonFatalXID {
			return Fail(dev.ID(), L1Passive, duration, findings...)
		}
	}
	return Pass(dev.ID(), L1Passive, duration)
}

// DetectAll runs Detect against every device in devices.
func (l *L1Detector) DetectAll(ctx context.Context, devices []device.Device) []Result {
	results := make([]Result, 0, len(devices))
	for _, d := range devices {
		results = append(results, l.Detect(ctx, d))
	}
	return results
}
