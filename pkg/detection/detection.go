// Package detection implements the three-tier health probes (L1 passive
// telemetry, L2 active micro-benchmark, L3 PCIe bandwidth) that feed the
// device health state machine.
package detection

import (
	"fmt"
	"time"

	"github.com/NavarchProject/gdnd/pkg/device"
)

// Level identifies which detection tier produced a Result.
type Level int

const (
	L1Passive Level = iota
	L2Active
	L3Pcie
)

func (l Level) String() string {
	switch l {
	case L1Passive:
		return "l1"
	case L2Active:
		return "l2"
	case L3Pcie:
		return "l3"
	default:
		return "unknown"
	}
}

// FindingType classifies why a detection Finding was raised.
type FindingType int

const (
	FatalXID FindingType = iota
	NonFatalXID
	HighTemperature
	ZombieProcess
	ActiveCheckFailure
	ActiveCheckTimeout
	DoubleBitECC
	PcieDegradation
)

func (t FindingType) String() string {
	switch t {
	case FatalXID:
		return "fatal_xid"
	case NonFatalXID:
		return "non_fatal_xid"
	case HighTemperature:
		return "high_temperature"
	case ZombieProcess:
		return "zombie_process"
	case ActiveCheckFailure:
		return "active_check_failure"
	case ActiveCheckTimeout:
		return "active_check_timeout"
	case DoubleBitECC:
		return "double_bit_ecc"
	case PcieDegradation:
		return "pcie_degradation"
	default:
		return "unknown"
	}
}

// Finding is one observation backing a detection Result.
type Finding struct {
	Type    FindingType
	Message string
	Fatal   bool

	// PID is the hung consumer's process ID, set only for ZombieProcess
	// findings. Zero for every other finding type.
	PID int
}

func FatalXIDFinding(code int, message string) Finding {
	return Finding{Type: FatalXID, Message: fmt.Sprintf("XID %d: %s", code, message), Fatal: true}
}

func NonFatalXIDFinding(code int, message string) Finding {
	return Finding{Type: NonFatalXID, Message: fmt.Sprintf("XID %d: %s", code, message), Fatal: false}
}

func HighTemperatureFinding(celsius, threshold int) Finding {
	return Finding{
		Type:    HighTemperature,
		Message: fmt.Sprintf("temperature %dC exceeds threshold %dC", celsius, threshold),
		Fatal:   false,
	}
}

func ZombieProcessFinding(pid int) Finding {
	return Finding{Type: ZombieProcess, Message: fmt.Sprintf("process %d appears hung", pid), Fatal: false, PID: pid}
}

func ActiveCheckFailureFinding(message string) Finding {
	return Finding{Type: ActiveCheckFailure, Message: message, Fatal: false}
}

func ActiveCheckTimeoutFinding(timeout time.Duration) Finding {
	return Finding{Type: ActiveCheckTimeout, Message: fmt.Sprintf("active check timed out after %s", timeout), Fatal: false}
}

// DoubleBitECCFinding is informational only: a double-bit ECC error also
// surfaces through the vendor's fatal XID/error-code stream (XID 48 on
// NVIDIA), which is what actually drives isolation. Raising this as fatal
// too would double-fire the same underlying hardware event.
func DoubleBitECCFinding(count uint64) Finding {
	return Finding{Type: DoubleBitECC, Message: fmt.Sprintf("%d double-bit ECC errors", count), Fatal: false}
}

func PcieDegradationFinding(measured, min float64) Finding {
	return Finding{
		Type:    PcieDegradation,
		Message: fmt.Sprintf("PCIe bandwidth %.2f GB/s below minimum %.2f GB/s", measured, min),
		Fatal:   false,
	}
}

// Result is the outcome of running one detection tier against one device.
type Result struct {
	Device   device.ID
	Level    Level
	Passed   bool
	Findings []Finding
	Duration time.Duration
}

// Pass constructs a passing Result.
func Pass(dev device.ID, level Level, d time.Duration) Result {
	return Result{Device: dev, Level: level, Passed: true, Duration: d}
}

// Fail constructs a failing Result carrying the findings that caused it.
func Fail(dev device.ID, level Level, d time.Duration, findings ...Finding) Result {
	return Result{Device: dev, Level: level, Passed: false, Duration: d, Findings: findings}
}

// HasFatalFinding reports whether any finding in this result is fatal.
func (r Result) HasFatalFinding() bool {
	for _, f := range r.Findings {
		if f.Fatal {
			return true
		}
	}
	return false
}
