package nvidia

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/NavarchProject/gdnd/pkg/device"
	"github.com/NavarchProject/gdnd/pkg/device/execcheck"
	"github.com/NavarchProject/gdnd/pkg/device/procstate"
)

// Device implements device.Device against an NVML handle.
type Device struct {
	id        device.ID
	handle    nvml.Device
	checkPath string
	xidParser *xidParser
}

func (d *Device) ID() device.ID { return d.id }

func (d *Device) ReadTelemetry(ctx context.Context) (device.Telemetry, error) {
	temp, ret := d.handle.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return device.Telemetry{}, fmt.Errorf("temperature: %v", nvml.ErrorString(ret))
	}

	power, ret := d.handle.GetPowerUsage()
	if ret != nvml.SUCCESS {
		power = 0 // not supported on every SKU, tolerate
	}
	powerLimit, ret := d.handle.GetPowerManagementLimit()
	if ret != nvml.SUCCESS {
		powerLimit = 0
	}

	mem, ret := d.handle.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return device.Telemetry{}, fmt.Errorf("memory info: %v", nvml.ErrorString(ret))
	}

	util, ret := d.handle.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return device.Telemetry{}, fmt.Errorf("utilization: %v", nvml.ErrorString(ret))
	}

	sbe, dbe := d.readEccCounters()

	return device.Telemetry{
		Temperature:       int(temp),
		GPUUtilization:    int(util.Gpu),
		MemoryUtilization: int(util.Memory),
		PowerUsageWatts:   float64(power) / 1000.0,
		PowerLimitWatts:   float64(powerLimit) / 1000.0,
		MemoryTotal:       mem.Total,
		MemoryUsed:        mem.Used,
		MemoryFree:        mem.Free,
		Ecc:               device.EccCounts{SingleBit: sbe, DoubleBit: dbe},
		CollectedAt:       time.Now(),
	}, nil
}

// readEccCounters reads volatile ECC error counters. Devices without ECC
// support (or with it disabled) report zero rather than an error.
func (d *Device) readEccCounters() (single, double uint64) {
	sbe, ret := d.handle.GetTotalEccErrors(nvml.MEMORY_ERROR_TYPE_CORRECTED, nvml.VOLATILE_ECC)
	if ret == nvml.SUCCESS {
		single = sbe
	}
	dbe, ret := d.handle.GetTotalEccErrors(nvml.MEMORY_ERROR_TYPE_UNCORRECTED, nvml.VOLATILE_ECC)
	if ret == nvml.SUCCESS {
		double = dbe
	}
	return single, double
}

func (d *Device) ScanErrors(ctx context.Context) ([]device.ErrorEvent, error) {
	return d.xidParser.scanSince(d.id)
}

// zombiePIDPattern matches a single PID line of `nvidia-smi --query-compute-apps=pid`.
var zombiePIDPattern = regexp.MustCompile(`^\d+$`)

func (d *Device) FindHungConsumers(ctx context.Context) ([]int, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-compute-apps=pid", "--format=csv,noheader",
		"-i", strconv.Itoa(d.id.Index))
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi query-compute-apps: %w", err)
	}

	var hung []int
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if !zombiePIDPattern.MatchString(line) {
			continue
		}
		pid, err := strconv.Atoi(line)
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
