package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/NavarchProject/gdnd/pkg/detection"
	"github.com/NavarchProject/gdnd/pkg/device"
	"github.com/NavarchProject/gdnd/pkg/statemachine"
)

func TestObserveResultIncrementsFailures(t *testing.T) {
	reg := NewRegistry()
	dev := device.ID{Index: 0}
	result := detection.Fail(dev, detection.L1Passive, 0, detection.FatalXIDFinding(79, "bus"))

	reg.ObserveResult(result)

	metric := &dto.Metric{}
	if err := reg.CheckFailuresTotal.WithLabelValues("l1", "GPU0", "fatal_xid").Write(metric); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("expected counter=1, got %v", metric.Counter.GetValue())
	}
}

func TestSetStatus(t *testing.T) {
	reg := NewRegistry()
	reg.SetStatus("GPU0", "uuid-0", "H100", statemachine.Unhealthy)

	metric := &dto.Metric{}
	if err := reg.GPUStatus.WithLabelValues("GPU0", "uuid-0", "H100").Write(metric); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metric.Gauge.GetValue() != float64(statemachine.Unhealthy) {
		t.Errorf("expected gauge=%v, got %v", statemachine.Unhealthy, metric.Gauge.GetValue())
	}
}
