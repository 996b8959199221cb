package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/NavarchProject/gdnd/pkg/clock"
	"github.com/NavarchProject/gdnd/pkg/detection"
	"github.com/NavarchProject/gdnd/pkg/device"
	"github.com/NavarchProject/gdnd/pkg/device/mock"
	"github.com/NavarchProject/gdnd/pkg/metrics"
	"github.com/NavarchProject/gdnd/pkg/statemachine"
)

type recordingExecutor struct {
	executed []statemachine.Transition
	err      error
}

func (e *recordingExecutor) Execute(ctx context.Context, transition statemachine.Transition) error {
	e.executed = append(e.executed, transition)
	return e.err
}

func newTestScheduler(devices []device.Device, exec Executor) (*Scheduler, *statemachine.Manager) {
	l1 := detection.NewL1Detector(detection.L1Config{TemperatureThresholdC: 90, FatalXIDCodes: map[int]bool{79: true}}, nil)
	l2 := detection.NewL2Detector(detection.L2Config{Timeout: time.Second})
	health := statemachine.New(3, map[int]bool{79: true}, statemachine.IsolationConfig{Cordon: true})
	reg := metrics.NewRegistry()
	sched := New(devices, l1, l2, Intervals{L1: time.Second, L2: time.Minute}, clock.Real(), health, exec, reg, nil)
	return sched, health
}

func TestRunOnceHealthyDeviceStaysHealthy(t *testing.T) {
	dev := mock.New(device.ID{Index: 0, Name: "H100"})
	exec := &recordingExecutor{}
	sched, health := newTestScheduler([]device.Device{dev}, exec)

	sched.RunOnce(context.Background())

	h, ok := health.Get(dev.ID())
	if !ok {
		t.Fatal("expected device to be tracked")
	}
	if h.State != statemachine.Healthy {
		t.Errorf("expected Healthy, got %v", h.State)
	}
	if len(exec.executed) != 0 {
		t.Errorf("expected no isolation actions, got %d", len(exec.executed))
	}
}

func TestRunOnceFatalFindingIsolatesImmediately(t *testing.T) {
	dev := mock.New(device.ID{Index: 0, Name: "H100"})
	dev.QueueErrors([]device.ErrorEvent{{Code: 79, Message: "GPU fallen off bus"}}, nil)
	exec := &recordingExecutor{}
	sched, health := newTestScheduler([]device.Device{dev}, exec)

	sched.RunOnce(context.Background())

	h, ok := health.Get(dev.ID())
	if !ok {
		t.Fatal("expected device to be tracked")
	}
	if h.State != statemachine.Isolated {
		t.Errorf("expected Isolated after RunOnce executes isolation, got %v", h.State)
	}
	if len(exec.executed) != 1 {
		t.Fatalf("expected exactly one isolation execution, got %d", len(exec.executed))
	}
	if exec.executed[0].To != statemachine.Unhealthy {
		t.Errorf("expected transition.To=Unhealthy, got %v", exec.executed[0].To)
	}
}

func TestRunOnceExecutorFailureLeavesDeviceUnhealthy(t *testing.T) {
	dev := mock.New(device.ID{Index: 0, Name: "H100"})
	dev.QueueErrors([]device.ErrorEvent{{Code: 79, Message: "GPU fallen off bus"}}, nil)
	exec := &recordingExecutor{err: errExecFailed}
	sched, health := newTestScheduler([]device.Device{dev}, exec)

	sched.RunOnce(context.Background())

	h, ok := health.Get(dev.ID())
	if !ok {
		t.Fatal("expected device to be tracked")
	}
	if h.State != statemachine.Unhealthy {
		t.Errorf("expected Unhealthy to persist when executor fails, got %v", h.State)
	}
}

func TestSchedulerRetriesExecutorAfterFailureOnNextTick(t *testing.T) {
	dev := mock.New(device.ID{Index: 0, Name: "H100"})
	exec := &recordingExecutor{err: errExecFailed}
	sched, health := newTestScheduler([]device.Device{dev}, exec)
	ctx := context.Background()

	fatal := detection.Fail(dev.ID(), detection.L1Passive, 0, detection.FatalXIDFinding(79, "GPU fallen off bus"))
	sched.processResult(ctx, fatal)

	h, ok := health.Get(dev.ID())
	if !ok {
		t.Fatal("expected device to be tracked")
	}
	if h.State != statemachine.Unhealthy {
		t.Fatalf("expected Unhealthy after the first failed execute, got %v", h.State)
	}
	if len(exec.executed) != 1 {
		t.Fatalf("expected one execute attempt after the first tick, got %d", len(exec.executed))
	}
	if len(h.PendingActions) == 0 {
		t.Fatal("expected PendingActions to remain set after a failed execute")
	}

	// A later tick's check passes outright, but the device must still be
	// retried because isolation never actually completed.
	exec.err = nil
	passing := detection.Pass(dev.ID(), detection.L1Passive, 0)
	sched.processResult(ctx, passing)

	h, ok = health.Get(dev.ID())
	if !ok {
		t.Fatal("expected device to be tracked")
	}
	if h.State != statemachine.Isolated {
		t.Errorf("expected Isolated once the retried execute succeeds, got %v", h.State)
	}
	if len(exec.executed) != 2 {
		t.Fatalf("expected a second execute attempt on the next tick, got %d", len(exec.executed))
	}
	if len(h.PendingActions) != 0 {
		t.Errorf("expected PendingActions cleared once isolation completed, got %v", h.PendingActions)
	}
}

var errExecFailed = &testError{"orchestrator unavailable"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
