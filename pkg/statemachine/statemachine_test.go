package statemachine

import (
	"testing"

	"github.com/NavarchProject/gdnd/pkg/detection"
	"github.com/NavarchProject/gdnd/pkg/device"
)

func testDevice() device.ID {
	return device.ID{Index: 0, UUID: "GPU-test"}
}

func testIsolation() IsolationConfig {
	return IsolationConfig{Cordon: true, TaintKey: "nvidia.com/gpu-health", TaintValue: "failed", TaintEffect: NoSchedule}
}

func TestHealthyToSuspected(t *testing.T) {
	m := New(3, nil, testIsolation())
	dev := testDevice()

	tr := m.Apply(dev, Event{Kind: EventCheckFailed})
	if tr.From != Healthy || tr.To != Suspected || !tr.Changed {
		t.Fatalf("unexpected transition: %+v", tr)
	}
}

func TestSuspectedToHealthy(t *testing.T) {
	m := New(3, nil, testIsolation())
	dev := testDevice()

	m.Apply(dev, Event{Kind: EventCheckFailed})
	tr := m.Apply(dev, Event{Kind: EventCheckPassed})
	if tr.From != Suspected || tr.To != Healthy || !tr.Changed {
		t.Fatalf("unexpected transition: %+v", tr)
	}
}

func TestSuspectedToUnhealthyThreshold(t *testing.T) {
	m := New(3, nil, testIsolation())
	dev := testDevice()

	m.Apply(dev, Event{Kind: EventCheckFailed}) // -> Suspected, count=1
	m.Apply(dev, Event{Kind: EventCheckFailed}) // count=2, still Suspected
	tr := m.Apply(dev, Event{Kind: EventCheckFailed}) // count=3 >= threshold -> Unhealthy

	if tr.To != Unhealthy || !tr.Changed {
		t.Fatalf("expected escalation to Unhealthy, got %+v", tr)
	}
	if len(tr.Actions) == 0 {
		t.Error("expected isolation actions on escalation to Unhealthy")
	}
}

func TestFatalErrorImmediateUnhealthy(t *testing.T) {
	m := New(3, nil, testIsolation())
	dev := testDevice()

	tr := m.Apply(dev, Event{Kind: EventFatalError, Findings: []detection.Finding{
		detection.FatalXIDFinding(79, "GPU has fallen off the bus"),
	}})
	if tr.From != Healthy || tr.To != Unhealthy || !tr.Changed {
		t.Fatalf("expected immediate escalation, got %+v", tr)
	}
	if len(tr.Actions) == 0 {
		t.Error("expected isolation actions on fatal error")
	}
}

func TestUnhealthyToIsolated(t *testing.T) {
	m := New(3, nil, testIsolation())
	dev := testDevice()

	m.Apply(dev, Event{Kind: EventFatalError})
	tr := m.MarkIsolationCompleted(dev)
	if tr.From != Unhealthy || tr.To != Isolated || !tr.Changed {
		t.Fatalf("unexpected transition: %+v", tr)
	}
}

func TestIsolatedNoTransitionWithoutRecovery(t *testing.T) {
	m := New(3, nil, testIsolation())
	dev := testDevice()

	m.Apply(dev, Event{Kind: EventFatalError})
	m.MarkIsolationCompleted(dev)

	tr := m.Apply(dev, Event{Kind: EventCheckPassed})
	if tr.Changed {
		t.Fatalf("expected no transition out of Isolated without recovery enabled, got %+v", tr)
	}
}

func TestRecoveryPathway(t *testing.T) {
	m := New(3, nil, testIsolation()).WithRecovery(RecoveryConfig{Enabled: true, ConsecutiveThreshold: 2})
	dev := testDevice()

	m.Apply(dev, Event{Kind: EventFatalError})
	m.MarkIsolationCompleted(dev)

	tr := m.Apply(dev, Event{Kind: EventCheckPassed})
	if tr.Changed {
		t.Fatalf("expected no transition on first healthy probe, got %+v", tr)
	}

	tr = m.Apply(dev, Event{Kind: EventCheckPassed})
	if tr.To != Healthy || !tr.Changed {
		t.Fatalf("expected recovery to Healthy after threshold, got %+v", tr)
	}
}

func TestUnhealthyIgnoresFurtherEvents(t *testing.T) {
	m := New(3, nil, testIsolation())
	dev := testDevice()

	m.Apply(dev, Event{Kind: EventFatalError})
	tr := m.Apply(dev, Event{Kind: EventCheckFailed})
	if tr.Changed || tr.To != Unhealthy {
		t.Fatalf("expected Unhealthy to be a holding state pending isolation, got %+v", tr)
	}
}

func TestProcessResultDispatch(t *testing.T) {
	m := New(3, nil, testIsolation())
	dev := testDevice()

	tr := m.ProcessResult(detection.Pass(dev, detection.L1Passive, 0))
	if tr.To != Healthy {
		t.Errorf("expected Healthy on pass, got %v", tr.To)
	}

	tr = m.ProcessResult(detection.Fail(dev, detection.L1Passive, 0, detection.FatalXIDFinding(79, "bus")))
	if tr.To != Unhealthy {
		t.Errorf("expected Unhealthy on fatal finding, got %v", tr.To)
	}
}

func TestIsolationActionsFromConfig(t *testing.T) {
	cfg := IsolationConfig{Cordon: true, EvictPods: true, Alert: true, TaintKey: "huawei.com/npu-health"}
	m := New(1, nil, cfg)
	dev := testDevice()

	tr := m.Apply(dev, Event{Kind: EventFatalError})
	kinds := map[ActionKind]bool{}
	for _, a := range tr.Actions {
		kinds[a.Kind] = true
	}
	for _, want := range []ActionKind{ActionCordon, ActionTaint, ActionEvictPods, ActionAlert} {
		if !kinds[want] {
			t.Errorf("expected action %v in isolation actions, got %+v", want, tr.Actions)
		}
	}
}
