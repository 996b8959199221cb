package detection

import (
	"context"
	"time"

	"github.com/NavarchProject/gdnd/pkg/device"
)

// L2Config configures the active micro-benchmark tier.
type L2Config struct {
	Timeout time.Duration
}

// L2Detector launches the device's external micro-benchmark binary and
// interprets its outcome. A sub-process launch failure (binary missing,
// permission denied) is treated as a failed check, not tolerated as in L1 -
// the tier exists specifically to exercise the binary.
type L2Detector struct {
	cfg L2Config
}

func NewL2Detector(cfg L2Config) *L2Detector {
	return &L2Detector{cfg: cfg}
}

func (l *L2Detector) Detect(ctx context.Context, dev device.Device) Result {
	outcome, err := dev.RunActiveCheck(ctx, l.cfg.Timeout)
	if err != nil {
		return Fail(dev.ID(), L2Active, outcome.Duration, ActiveCheckFailureFinding(err.Error()))
	}
	if outcome.Passed {
		return Pass(dev.ID(), L2Active, outcome.Duration)
	}
	if outcome.TimedOut {
		return Fail(dev.ID(), L2Active, outcome.Duration, ActiveCheckTimeoutFinding(l.cfg.Timeout))
	}
	message := "active check failed"
	if outcome.Err != nil {
		message = outcome.Err.Error()
	}
	return Fail(dev.ID(), L2Active, outcome.Duration, ActiveCheckFailureFinding(message))
}

func (l *L2Detector) DetectAll(ctx context.Context, devices []device.Device) []Result {
	results := make([]Result, 0, len(devices))
	for _, d := range devices {
		results = append(results, l.Detect(ctx, d))
	}
	return results
}
