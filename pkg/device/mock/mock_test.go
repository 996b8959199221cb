package mock

import (
	"context"
	"testing"
	"time"

	"github.com/NavarchProject/gdnd/pkg/device"
)

func TestQueueTelemetryRepeatsLastValue(t *testing.T) {
	d := New(device.ID{Index: 0})
	d.QueueTelemetry(device.Telemetry{Temperature: 70}, nil)
	d.QueueTelemetry(device.Telemetry{Temperature: 90}, nil)

	ctx := context.Background()
	first, err := d.ReadTelemetry(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Temperature != 70 {
		t.Errorf("first reading = %d, want 70", first.Temperature)
	}

	second, err := d.ReadTelemetry(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Temperature != 90 {
		t.Errorf("second reading = %d, want 90", second.Temperature)
	}

	third, err := d.ReadTelemetry(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.Temperature != 90 {
		t.Errorf("third reading = %d, want 90 (repeats last)", third.Temperature)
	}
}

func TestQueueActiveCheck(t *testing.T) {
	d := New(device.ID{Index: 1})
	d.QueueActiveCheck(device.Passed(5*time.Millisecond), nil)
	d.QueueActiveCheck(device.Failed(5*time.Millisecond, 2, nil), nil)

	ctx := context.Background()
	first, _ := d.RunActiveCheck(ctx, time.Second)
	if !first.Passed {
		t.Errorf("expected first queued outcome to pass")
	}
	second, _ := d.RunActiveCheck(ctx, time.Second)
	if second.Passed {
		t.Errorf("expected second queued outcome to fail")
	}
}

func TestListerReturnsConfiguredDevices(t *testing.T) {
	l := &Lister{Devices: []device.Device{New(device.ID{Index: 0}), New(device.ID{Index: 1})}}
	devices, err := l.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("got %d devices, want 2", len(devices))
	}
}
