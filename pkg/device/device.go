// Package device defines the vendor-neutral accelerator contract that the
// detection tiers and health state machine are built on. Concrete
// implementations live in the nvidia, ascend, and mock subpackages.
package device

import (
	"context"
	"fmt"
	"time"
)

// Vendor identifies the accelerator family a Device belongs to.
type Vendor string

const (
	VendorAuto   Vendor = "auto"
	VendorNVIDIA Vendor = "nvidia"
	VendorAscend Vendor = "ascend"
	VendorMock   Vendor = "mock"
)

func (v Vendor) String() string { return string(v) }

// ID identifies a single accelerator on the host.
type ID struct {
	Index int
	UUID  string
	Name  string
}

// Key returns the stable map key used to track this device across checks:
// the UUID when known, otherwise a synthetic index-based key.
func (id ID) Key() string {
	if id.UUID != "" {
		return id.UUID
	}
	return fmt.Sprintf("gpu-%d", id.Index)
}

func (id ID) String() string {
	return fmt.Sprintf("GPU%d", id.Index)
}

// EccCounts holds single-bit and double-bit ECC error counters.
type EccCounts struct {
	SingleBit uint64
	DoubleBit uint64
}

// Telemetry is a point-in-time snapshot of passive health signals for a device.
type Telemetry struct {
	Temperature       int
	GPUUtilization    int
	MemoryUtilization int
	PowerUsageWatts    float64
	PowerLimitWatts    float64
	MemoryTotal       uint64
	MemoryUsed        uint64
	MemoryFree        uint64
	PCIeTXMBps        *uint32
	PCIeRXMBps        *uint32
	Ecc               EccCounts
	CollectedAt       time.Time
}

// ErrorEvent is a vendor-reported fault pulled from system or driver logs
// (NVIDIA XID, Ascend error code, etc).
type ErrorEvent struct {
	Code      int
	Message   string
	Timestamp time.Time
	Device    ID
}

// IsFatal reports whether code is in the configured fatal-code set.
func (e ErrorEvent) IsFatal(fatalCodes map[int]bool) bool {
	return fatalCodes[e.Code]
}

// CheckOutcome is the result of running an external active-check or
// PCIe-bandwidth-probe binary against a device.
type CheckOutcome struct {
	Passed     bool
	Duration   time.Duration
	Err        error
	ExitCode   int
	TimedOut   bool
	BandwidthGBps float64 // populated only for bandwidth checks
}

// Passed constructs a passing CheckOutcome.
func Passed(d time.Duration) CheckOutcome {
	return CheckOutcome{Passed: true, Duration: d}
}

// Failed constructs a failing CheckOutcome.
func Failed(d time.Duration, exitCode int, err error) CheckOutcome {
	return CheckOutcome{Passed: false, Duration: d, ExitCode: exitCode, Err: err}
}

// TimedOutResult constructs a CheckOutcome representing a timeout.
func TimedOutResult(d time.Duration) CheckOutcome {
	return CheckOutcome{Passed: false, Duration: d, TimedOut: true, Err: fmt.Errorf("check timed out after %s", d)}
}

// Device is the capability surface a detection tier needs from an
// accelerator, regardless of vendor.
type Device interface {
	// ID returns this device's identity.
	ID() ID

	// ReadTelemetry samples current passive health metrics.
	ReadTelemetry(ctx context.Context) (Telemetry, error)

	// ScanErrors returns vendor fault events observed since the previous scan.
	ScanErrors(ctx context.Context) ([]ErrorEvent, error)

	// FindHungConsumers returns PIDs of processes holding the device that
	// appear stuck (e.g. blocked in uninterruptible sleep).
	FindHungConsumers(ctx context.Context) ([]int, error)

	// SupportsBandwidthCheck reports whether RunBandwidthCheck is meaningful
	// for this device.
	SupportsBandwidthCheck() bool

	// RunActiveCheck launches the configured micro-benchmark binary against
	// this device and waits up to timeout for it to complete.
	RunActiveCheck(ctx context.Context, timeout time.Duration) (CheckOutcome, error)

	// RunBandwidthCheck launches the configured PCIe bandwidth probe.
	RunBandwidthCheck(ctx context.Context, timeout time.Duration) (CheckOutcome, error)
}

// Lister enumerates the devices of a particular vendor present on the host.
type Lister interface {
	Vendor() Vendor
	ListDevices(ctx context.Context) ([]Device, error)
	Close() error
}

// ErrNoDevices is returned by auto-detection when no vendor lister finds
// any devices.
var ErrNoDevices = fmt.Errorf("no accelerator devices found")
