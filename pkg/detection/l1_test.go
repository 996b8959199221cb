package detection

import (
	"context"
	"testing"

	"github.com/NavarchProject/gdnd/pkg/device"
	"github.com/NavarchProject/gdnd/pkg/device/mock"
)

func defaultL1() *L1Detector {
	return NewL1Detector(L1Config{
		TemperatureThresholdC: 85,
		FatalXIDCodes:         map[int]bool{79: true, 48: true},
	}, nil)
}

func TestL1DetectHealthy(t *testing.T) {
	d := mock.New(device.ID{Index: 0})
	result := defaultL1().Detect(context.Background(), d)
	if !result.Passed {
		t.Errorf("expected pass, got findings %v", result.Findings)
	}
}

func TestL1DetectHighTemperature(t *testing.T) {
	d := mock.New(device.ID{Index: 0})
	d.QueueTelemetry(device.Telemetry{Temperature: 95}, nil)

	result := defaultL1().Detect(context.Background(), d)
	if result.Passed {
		t.Fatal("expected failure on high temperature")
	}
	if result.Findings[0].Type != HighTemperature {
		t.Errorf("expected HighTemperature finding, got %v", result.Findings[0].Type)
	}
}

func TestL1DetectFatalXID(t *testing.T) {
	d := mock.New(device.ID{Index: 0})
	d.QueueErrors([]device.ErrorEvent{{Code: 79, Message: "GPU has fallen off the bus"}}, nil)

	result := defaultL1().Detect(context.Background(), d)
	if result.Passed {
		t.Fatal("expected failure on fatal XID")
	}
	if !result.HasFatalFinding() {
		t.Error("expected HasFatalFinding to be true")
	}
}

func TestL1DetectZombieProcess(t *testing.T) {
	d := mock.New(device.ID{Index: 0})
	d.QueueHungConsumers([]int{4242}, nil)

	result := defaultL1().Detect(context.Background(), d)
	if result.Passed {
		t.Fatal("expected failure on hung consumer")
	}
	if result.Findings[0].Type != ZombieProcess {
		t.Errorf("expected ZombieProcess finding, got %v", result.Findings[0].Type)
	}
}
