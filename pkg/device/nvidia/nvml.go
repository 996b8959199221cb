// Package nvidia implements the device.Device contract for NVIDIA GPUs
// using NVML for telemetry and dmesg parsing for XID error scanning.
package nvidia

import (
	"context"
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/NavarchProject/gdnd/pkg/device"
)

var (
	initMu      sync.Mutex
	initialized bool
	initErr     error
)

// ensureInit initializes NVML at most once per process, matching the
// library's own global-init requirement.
func ensureInit() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initialized {
		return nil
	}
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		initErr = fmt.Errorf("nvml init: %v", nvml.ErrorString(ret))
		return initErr
	}
	initialized = true
	return nil
}

// Available reports whether NVML can be initialized on this host.
func Available() bool {
	if err := ensureInit(); err != nil {
		return false
	}
	return true
}

// Lister enumerates NVIDIA GPUs visible to NVML.
type Lister struct {
	checkPath string
}

// NewLister creates an NVIDIA device lister. checkPath is the path to the
// external micro-benchmark/PCIe-probe binary passed to every device's
// RunActiveCheck/RunBandwidthCheck.
func NewLister(checkPath string) *Lister {
	return &Lister{checkPath: checkPath}
}

func (l *Lister) Vendor() device.Vendor { return device.VendorNVIDIA }

func (l *Lister) ListDevices(ctx context.Context) ([]device.Device, error) {
	if err := ensureInit(); err != nil {
		return nil, err
	}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml device count: %v", nvml.ErrorString(ret))
	}

	devices := make([]device.Device, 0, count)
	for i := 0; i < count; i++ {
		h, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("nvml device handle %d: %v", i, nvml.ErrorString(ret))
		}
		uuid, ret := h.GetUUID()
		if ret != nvml.SUCCESS {
			uuid = ""
		}
		name, ret := h.GetName()
		if ret != nvml.SUCCESS {
			name = "NVIDIA GPU"
		}
		devices = append(devices, &Device{
			id:        device.ID{Index: i, UUID: uuid, Name: name},
			handle:    h,
			checkPath: l.checkPath,
			xidParser: newXIDParser(),
		})
	}
	return devices, nil
}

func (l *Lister) Close() error {
	initMu.Lock()
	defer initMu.Unlock()
	if !initialized {
		return nil
	}
	ret := nvml.Shutdown()
	initialized = false
	if ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %v", nvml.ErrorString(ret))
	}
	return nil
}
