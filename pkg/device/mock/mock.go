// Package mock provides a deterministic, fully scripted device.Device for
// use in detection-tier and scheduler tests, mirroring the MockDevice
// fixture used throughout the original detection-tier test suites.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NavarchProject/gdnd/pkg/device"
)

// Device is a scripted device.Device: every call returns whatever was
// queued via the Queue* setters, in FIFO order per call kind. Telemetry and
// check outcomes repeat the last-queued value once drained; queued error
// events and hung-consumer batches are returned once each, then nil.
type Device struct {
	mu sync.Mutex

	id device.ID

	telemetry    []device.Telemetry
	telemetryErr []error

	errors    [][]device.ErrorEvent
	errorsErr []error

	hung    [][]int
	hungErr []error

	activeOutcomes []device.CheckOutcome
	activeErrs     []error

	bandwidthOutcomes []device.CheckOutcome
	bandwidthErrs     []error

	supportsBandwidth bool

	seededTelemetry bool
	seededActive    bool
	seededBandwidth bool

	calls struct {
		telemetry, errors, hung, active, bandwidth int
	}
}

// New creates a mock device reporting healthy defaults until overridden.
func New(id device.ID) *Device {
	return &Device{
		id:                id,
		supportsBandwidth: true,
		telemetry: []device.Telemetry{{
			Temperature:    50,
			GPUUtilization: 40,
			MemoryTotal:    80 << 30,
			MemoryUsed:     10 << 30,
			CollectedAt:    time.Now(),
		}},
		activeOutcomes:    []device.CheckOutcome{device.Passed(10 * time.Millisecond)},
		bandwidthOutcomes: []device.CheckOutcome{device.Passed(10 * time.Millisecond)},
	}
}

func (d *Device) ID() device.ID { return d.id }

// QueueTelemetry appends a telemetry reading (and optional error) to be
// returned by successive ReadTelemetry calls.
func (d *Device) QueueTelemetry(t device.Telemetry, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.seededTelemetry {
		d.telemetry = nil
		d.telemetryErr = nil
		d.seededTelemetry = true
	}
	d.telemetry = append(d.telemetry, t)
	d.telemetryErr = append(d.telemetryErr, err)
}

// QueueErrors appends a batch of error events to be returned by the next
// ScanErrors call.
func (d *Device) QueueErrors(events []device.ErrorEvent, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = append(d.errors, events)
	d.errorsErr = append(d.errorsErr, err)
}

// QueueHungConsumers appends a batch of PIDs to be returned by the next
// FindHungConsumers call.
func (d *Device) QueueHungConsumers(pids []int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hung = append(d.hung, pids)
	d.hungErr = append(d.hungErr, err)
}

// QueueActiveCheck appends an outcome for the next RunActiveCheck call.
func (d *Device) QueueActiveCheck(outcome device.CheckOutcome, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.seededActive {
		d.activeOutcomes = nil
		d.activeErrs = nil
		d.seededActive = true
	}
	d.activeOutcomes = append(d.activeOutcomes, outcome)
	d.activeErrs = append(d.activeErrs, err)
}

// QueueBandwidthCheck appends an outcome for the next RunBandwidthCheck call.
func (d *Device) QueueBandwidthCheck(outcome device.CheckOutcome, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.seededBandwidth {
		d.bandwidthOutcomes = nil
		d.bandwidthErrs = nil
		d.seededBandwidth = true
	}
	d.bandwidthOutcomes = append(d.bandwidthOutcomes, outcome)
	d.bandwidthErrs = append(d.bandwidthErrs, err)
}

// SetSupportsBandwidthCheck overrides SupportsBandwidthCheck's return value.
func (d *Device) SetSupportsBandwidthCheck(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.supportsBandwidth = v
}

func (d *Device) ReadTelemetry(ctx context.Context) (device.Telemetry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls.telemetry
	if i < len(d.telemetry)-1 {
		d.calls.telemetry++
	}
	var err error
	if i < len(d.telemetryErr) {
		err = d.telemetryErr[i]
	}
	return d.telemetry[i], err
}

func (d *Device) ScanErrors(ctx context.Context) ([]device.ErrorEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errors) == 0 {
		return nil, nil
	}
	i := d.calls.errors
	if i >= len(d.errors) {
		return nil, nil
	}
	d.calls.errors++
	var err error
	if i < len(d.errorsErr) {
		err = d.errorsErr[i]
	}
	return d.errors[i], err
}

func (d *Device) FindHungConsumers(ctx context.Context) ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.hung) == 0 {
		return nil, nil
	}
	i := d.calls.hung
	if i >= len(d.hung) {
		return nil, nil
	}
	d.calls.hung++
	var err error
	if i < len(d.hungErr) {
		err = d.hungErr[i]
	}
	return d.hung[i], err
}

func (d *Device) SupportsBandwidthCheck() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.supportsBandwidth
}

func (d *Device) RunActiveCheck(ctx context.Context, timeout time.Duration) (device.CheckOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls.active
	if i < len(d.activeOutcomes)-1 {
		d.calls.active++
	}
	var err error
	if i < len(d.activeErrs) {
		err = d.activeErrs[i]
	}
	return d.activeOutcomes[i], err
}

func (d *Device) RunBandwidthCheck(ctx context.Context, timeout time.Duration) (device.CheckOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls.bandwidth
	if i < len(d.bandwidthOutcomes)-1 {
		d.calls.bandwidth++
	}
	var err error
	if i < len(d.bandwidthErrs) {
		err = d.bandwidthErrs[i]
	}
	return d.bandwidthOutcomes[i], err
}

// Lister returns a fixed, pre-built set of mock devices, for use as a
// device.Lister in tests and as the last fallback of cmd/gdnd's device
// auto-detection.
type Lister struct {
	Devices []device.Device
}

func (l *Lister) Vendor() device.Vendor { return device.VendorMock }

func (l *Lister) ListDevices(ctx context.Context) ([]device.Device, error) {
	return l.Devices, nil
}

func (l *Lister) Close() error { return nil }

// NewLister builds a Lister reporting count scripted, healthy-by-default
// mock devices. It is the last candidate in the auto-detection chain
// (spec.md §4.1: NVIDIA, then Ascend, then Mock), so auto-detection on a
// host with neither real vendor present still binds something rather than
// failing startup.
func NewLister(count int) *Lister {
	devices := make([]device.Device, count)
	for i := 0; i < count; i++ {
		devices[i] = New(device.ID{Index: i, Name: fmt.Sprintf("mock-%d", i)})
	}
	return &Lister{Devices: devices}
}
