// Package ascend implements the device.Device contract for Huawei Ascend
// NPUs by shelling out to npu-smi and tailing its device-os slog directory.
package ascend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NavarchProject/gdnd/pkg/device"
	"github.com/NavarchProject/gdnd/pkg/device/execcheck"
	"github.com/NavarchProject/gdnd/pkg/device/procstate"
)

// ErrorCode enumerates the Ascend device fault classes reported in
// device-os slog lines and npu-smi health fields.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	HbmError
	AiCoreHang
	OverTemperature
	PcieLinkError
	DeviceLost
	EccUncorrectable
)

func (c ErrorCode) String() string {
	switch c {
	case HbmError:
		return "HbmError"
	case AiCoreHang:
		return "AiCoreHang"
	case OverTemperature:
		return "OverTemperature"
	case PcieLinkError:
		return "PcieLinkError"
	case DeviceLost:
		return "DeviceLost"
	case EccUncorrectable:
		return "EccUncorrectable"
	default:
		return "Unknown"
	}
}

// IsFatal reports whether this error class indicates a hardware fault that
// should drive the device toward Unhealthy immediately, rather than
// accumulating as a Suspected-count failure.
func (c ErrorCode) IsFatal() bool {
	switch c {
	case HbmError, AiCoreHang, PcieLinkError, DeviceLost, EccUncorrectable:
		return true
	default:
		return false
	}
}

// FromCode maps an npu-smi/slog numeric error code to its ErrorCode class.
func FromCode(code int) ErrorCode {
	switch code {
	case 1001:
		return HbmError
	case 1002:
		return AiCoreHang
	case 1003:
		return OverTemperature
	case 1005:
		return PcieLinkError
	case 1007:
		return DeviceLost
	case 1008:
		return EccUncorrectable
	default:
		return Unknown
	}
}

// healthToError maps the "Health" column of `npu-smi info` to an ErrorCode,
// used when the health field itself reports a fault with no accompanying
// slog error code.
func healthToError(health string) (ErrorCode, bool) {
	switch strings.ToUpper(strings.TrimSpace(health)) {
	case "WARNING":
		return OverTemperature, true
	case "ERROR", "FAULT":
		return DeviceLost, true
	default:
		return Unknown, false
	}
}

// npuListPattern matches an `npu-smi info -l` / `npu-smi info` table row
// giving NPU index, chip name, and health status:
//
//	| 0       910B        | OK              | 65.2          48                |
var npuListPattern = regexp.MustCompile(`\|\s*(\d+)\s+(\S+)\s*\|\s*(\S+)\s*\|`)

// npuBusPattern matches the chip/bus-id continuation row:
//
//	| 0                   | 0000:8D:00.0    | ...
var npuBusPattern = regexp.MustCompile(`\|\s*(\d+)\s*\|\s*([0-9A-Fa-f]{4}:[0-9A-Fa-f]{2}:[0-9A-Fa-f]{2}\.\d)\s*\|`)

// pidPattern extracts a PID from `npu-smi info -t usages` process rows.
var pidPattern = regexp.MustCompile(`PID[:\s]+(\d+)`)

// Lister enumerates Ascend NPUs visible to npu-smi.
type Lister struct {
	checkPath string
	npuSmi    string
}

// NewLister creates an Ascend device lister. checkPath is the external
// micro-benchmark/PCIe-probe binary; npuSmi defaults to "npu-smi" on $PATH.
func NewLister(checkPath string) *Lister {
	return &Lister{checkPath: checkPath, npuSmi: "npu-smi"}
}

func (l *Lister) Vendor() device.Vendor { return device.VendorAscend }

func (l *Lister) ListDevices(ctx context.Context) ([]device.Device, error) {
	out, err := exec.CommandContext(ctx, l.npuSmi, "info").Output()
	if err != nil {
		return nil, fmt.Errorf("npu-smi info: %w", err)
	}

	type row struct {
		index  int
		name   string
		health string
	}
	var rows []row
	busByIndex := map[int]string{}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if m := npuListPattern.FindStringSubmatch(line); m != nil {
			idx, err := strconv.Atoi(m[1])
			if err == nil {
				rows = append(rows, row{index: idx, name: m[2], health: m[3]})
			}
			continue
		}
		if m := npuBusPattern.FindStringSubmatch(line); m != nil {
			idx, err := strconv.Atoi(m[1])
			if err == nil {
				busByIndex[idx] = m[2]
			}
		}
	}

	devices := make([]device.Device, 0, len(rows))
	for _, r := range rows {
		devices = append(devices, &Device{
			id: device.ID{
				Index: r.index,
				Name:  r.name,
				UUID:  fmt.Sprintf("ascend-%s", busByIndex[r.index]),
			},
			bus:       busByIndex[r.index],
			checkPath: l.checkPath,
			npuSmi:    l.npuSmi,
		})
	}
	return devices, nil
}

func (l *Lister) Close() error { return nil }

// Device implements device.Device for a single Ascend NPU.
type Device struct {
	mu        sync.Mutex
	id        device.ID
	bus       string
	checkPath string
	npuSmi    string
	lastScan  time.Time
}

func (d *Device) ID() device.ID { return d.id }

func (d *Device) ReadTelemetry(ctx context.Context) (device.Telemetry, error) {
	out, err := exec.CommandContext(ctx, d.npuSmi, "info", "-t", "board", "-i", strconv.Itoa(d.id.Index)).Output()
	if err != nil {
		return device.Telemetry{}, fmt.Errorf("npu-smi info -t board: %w", err)
	}

	t := device.Telemetry{CollectedAt: time.Now()}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "Temperature"):
			t.Temperature = extractInt(line)
		case strings.Contains(line, "AICore"):
			t.GPUUtilization = extractInt(line)
		case strings.Contains(line, "Power"):
			t.PowerUsageWatts = extractFloat(line)
		case strings.Contains(line, "HBM Capacity"):
			t.MemoryTotal = uint64(extractInt(line)) * 1024 * 1024
		case strings.Contains(line, "HBM Usage"):
			t.MemoryUsed = uint64(extractInt(line)) * 1024 * 1024
		}
	}
	if t.MemoryTotal > t.MemoryUsed {
		t.MemoryFree = t.MemoryTotal - t.MemoryUsed
	}
	return t, nil
}

func (d *Device) ScanErrors(ctx context.Context) ([]device.ErrorEvent, error) {
	d.mu.Lock()
	since := d.lastScan
	d.lastScan = time.Now()
	d.mu.Unlock()

	var events []device.ErrorEvent

	// Health field on the summary table can itself indicate a fault with no
	// corresponding slog entry (e.g. thermal warning).
	out, err := exec.CommandContext(ctx, d.npuSmi, "info").Output()
	if err == nil {
		if m := npuListPattern.FindAllStringSubmatch(string(out), -1); m != nil {
			for _, row := range m {
				idx, _ := strconv.Atoi(row[1])
				if idx != d.id.Index {
					continue
				}
				if code, ok := healthToError(row[3]); ok {
					events = append(events, device.ErrorEvent{
						Code:      fatalCodeFor(code),
						Message:   fmt.Sprintf("npu-smi health=%s", row[3]),
						Timestamp: time.Now(),
						Device:    d.id,
					})
				}
			}
		}
	}

	slogEvents, err := d.scanSlog(since)
	if err != nil {
		return events, fmt.Errorf("scan device-os slog: %w", err)
	}
	events = append(events, slogEvents...)
	return events, nil
}

// fatalCodeFor maps an ErrorCode class back to the numeric code convention
// used elsewhere (configured fatal-code sets, metrics labels).
func fatalCodeFor(c ErrorCode) int {
	switch c {
	case HbmError:
		return 1001
	case AiCoreHang:
		return 1002
	case OverTemperature:
		return 1003
	case PcieLinkError:
		return 1005
	case DeviceLost:
		return 1007
	case EccUncorrectable:
		return 1008
	default:
		return 0
	}
}

var slogErrorPattern = regexp.MustCompile(`error[_ ]?code[:=]\s*(\d+)`)

// slogDir returns the device-os log directory for this NPU's index.
func slogDir(index int) string {
	return filepath.Join("/var/log/npu/slog", fmt.Sprintf("device-os-%d", index))
}

func (d *Device) scanSlog(since time.Time) ([]device.ErrorEvent, error) {
	dir := slogDir(d.id.Index)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []device.ErrorEvent
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(since) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(strings.NewReader(string(data)))
		for scanner.Scan() {
			line := scanner.Text()
			m := slogErrorPattern.FindStringSubmatch(strings.ToLower(line))
			if m == nil {
				continue
			}
			code, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			events = append(events, device.ErrorEvent{
				Code:      code,
				Message:   strings.TrimSpace(line),
				Timestamp: info.ModTime(),
				Device:    d.id,
			})
		}
	}
	return events, nil
}

func (d *Device) FindHungConsumers(ctx context.Context) ([]int, error) {
	out, err := exec.CommandContext(ctx, d.npuSmi, "info", "-t", "usages", "-i", strconv.Itoa(d.id.Index)).Output()
	if err != nil {
		return nil, fmt.Errorf("npu-smi info -t usages: %w", err)
	}

	var hung []int
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		m := pidPattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if procstate.IsBlocked(pid) {
			hung = append(hung, pid)
		}
	}
	return hung, nil
}

func (d *Device) SupportsBandwidthCheck() bool { return true }

func (d *Device) RunActiveCheck(ctx context.Context, timeout time.Duration) (device.CheckOutcome, error) {
	return execcheck.Run(ctx, d.checkPath, d.id.Index, timeout, false)
}

func (d *Device) RunBandwidthCheck(ctx context.Context, timeout time.Duration) (device.CheckOutcome, error) {
	return execcheck.Run(ctx, d.checkPath, d.id.Index, timeout, true)
}

func extractInt(line string) int {
	m := regexp.MustCompile(`(-?\d+)`).FindStringSubmatch(line)
	if m == nil {
		return 0
	}
	v, _ := strconv.Atoi(m[1])
	return v
}

func extractFloat(line string) float64 {
	m := regexp.MustCompile(`(-?\d+\.?\d*)`).FindStringSubmatch(line)
	if m == nil {
		return 0
	}
	v, _ := strconv.ParseFloat(m[1], 64)
	return v
}
