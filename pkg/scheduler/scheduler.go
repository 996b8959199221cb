// Package scheduler runs the three independent detection-tier ticker
// loops, feeds results through the health state machine, and hands off
// isolation actions to an Executor once a device needs them.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/NavarchProject/gdnd/pkg/clock"
	"github.com/NavarchProject/gdnd/pkg/detection"
	"github.com/NavarchProject/gdnd/pkg/device"
	"github.com/NavarchProject/gdnd/pkg/healing"
	"github.com/NavarchProject/gdnd/pkg/metrics"
	"github.com/NavarchProject/gdnd/pkg/statemachine"
)

// Executor applies a state-machine Transition's isolation actions to the
// affected node. It is the scheduler's only coupling point to the
// orchestrator adapter.
type Executor interface {
	Execute(ctx context.Context, transition statemachine.Transition) error
}

// Intervals configures the cadence of each detection tier's ticker.
type Intervals struct {
	L1 time.Duration // default 30s
	L2 time.Duration // default 5m
	L3 time.Duration // default 24h, only used if L3 is enabled
}

// Scheduler owns the per-tier ticker loops and per-device serialization.
type Scheduler struct {
	l1 *detection.L1Detector
	l2 *detection.L2Detector
	l3 *detection.L3Detector // nil unless WithL3 is called

	devices   []device.Device
	intervals Intervals
	clock     clock.Clock

	health   *statemachine.Manager
	executor Executor
	metrics  *metrics.Registry
	healer   *healing.Healer // nil unless WithHealer is called

	// deviceLocks serializes tiers per device: L1/L2/L3 for the same
	// device never overlap, but different devices process concurrently.
	deviceLocks map[string]*sync.Mutex
	locksMu     sync.Mutex

	log *slog.Logger
}

// New creates a Scheduler. devices is the fixed device set discovered at
// startup; hot-plug is out of scope.
func New(
	devices []device.Device,
	l1 *detection.L1Detector,
	l2 *detection.L2Detector,
	intervals Intervals,
	clk clock.Clock,
	health *statemachine.Manager,
	executor Executor,
	reg *metrics.Registry,
	log *slog.Logger,
) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		l1:          l1,
		l2:          l2,
		devices:     devices,
		intervals:   intervals,
		clock:       clk,
		health:      health,
		executor:    executor,
		metrics:     reg,
		deviceLocks: make(map[string]*sync.Mutex),
		log:         log,
	}
}

// WithL3 enables the PCIe bandwidth probe tier.
func (s *Scheduler) WithL3(l3 *detection.L3Detector) *Scheduler {
	s.l3 = l3
	return s
}

// WithHealer enables self-healing attempts before isolation.
func (s *Scheduler) WithHealer(h *healing.Healer) *Scheduler {
	s.healer = h
	return s
}

func (s *Scheduler) deviceLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.deviceLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.deviceLocks[key] = l
	}
	return l
}

// Run starts the three ticker loops and blocks until ctx is cancelled,
// then returns once all in-flight work has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	l1Ticker := s.clock.NewTicker(s.intervals.L1)
	defer l1Ticker.Stop()
	l2Ticker := s.clock.NewTicker(s.intervals.L2)
	defer l2Ticker.Stop()

	var l3C <-chan time.Time
	if s.l3 != nil && s.intervals.L3 > 0 {
		l3Ticker := s.clock.NewTicker(s.intervals.L3)
		defer l3Ticker.Stop()
		l3C = l3Ticker.C()
	}

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil

		case <-l1Ticker.C():
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.runTier(ctx, detection.L1Passive)
			}()

		case <-l2Ticker.C():
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.runTier(ctx, detection.L2Active)
			}()

		case <-l3C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.runTier(ctx, detection.L3Pcie)
			}()
		}
	}
}

// RunOnce runs L1, then L2, then L3 (if enabled) against every device
// sequentially and feeds every result through processResult. It does not
// enter the ticker loop. (The CLI's --once mode does not use it: that mode
// runs only the L1 detector and never builds a Scheduler.)
func (s *Scheduler) RunOnce(ctx context.Context) []detection.Result {
	var results []detection.Result
	for _, d := range s.devices {
		results = append(results, s.l1.Detect(ctx, d))
	}
	for _, d := range s.devices {
		results = append(results, s.l2.Detect(ctx, d))
	}
	if s.l3 != nil {
		for _, d := range s.devices {
			results = append(results, s.l3.Detect(ctx, d))
		}
	}
	for _, r := range results {
		s.processResult(ctx, r)
	}
	return results
}

// runTier processes every device for one tier concurrently -- one task per
// device, as spec §5 requires -- serialized only against other tiers for
// the same device via deviceLock.
func (s *Scheduler) runTier(ctx context.Context, level detection.Level) {
	var wg sync.WaitGroup
	for _, d := range s.devices {
		if state, ok := s.health.Get(d.ID()); ok && state.State == statemachine.Isolated {
			// L2/L3 are skipped once a device is isolated; L1 keeps
			// observing in case recovery is enabled.
			if level != detection.L1Passive {
				continue
			}
		}

		wg.Add(1)
		go func(d device.Device) {
			defer wg.Done()
			lock := s.deviceLock(d.ID().Key())
			lock.Lock()
			result := s.detect(ctx, level, d)
			lock.Unlock()

			s.processResult(ctx, result)
		}(d)
	}
	wg.Wait()
}

func (s *Scheduler) detect(ctx context.Context, level detection.Level, d device.Device) detection.Result {
	switch level {
	case detection.L1Passive:
		return s.l1.Detect(ctx, d)
	case detection.L2Active:
		return s.l2.Detect(ctx, d)
	case detection.L3Pcie:
		return s.l3.Detect(ctx, d)
	default:
		return detection.Pass(d.ID(), level, 0)
	}
}

// processResult is the critical per-result handler: the health manager's
// lock is held only while ProcessResult computes the transition; the
// status gauge update and all external I/O (healing, isolation, recovery)
// happen after it is released.
func (s *Scheduler) processResult(ctx context.Context, result detection.Result) {
	if s.metrics != nil {
		s.metrics.ObserveResult(result)
	}

	transition := s.health.ProcessResult(result)

	if s.metrics != nil {
		s.metrics.SetStatus(result.Device.String(), result.Device.UUID, result.Device.Name, transition.To)
	}

	// A recovery transition (Isolated -> Healthy) carries the uncordon and
	// taint-removal actions; they are applied once, without retry.
	if transition.From == statemachine.Isolated && transition.To == statemachine.Healthy && len(transition.Actions) > 0 && s.executor != nil {
		if err := s.executor.Execute(ctx, transition); err != nil {
			s.log.Error("recovery action failed", "device", result.Device, "error", err)
		}
		return
	}

	// Retry isolation for any device still Unhealthy with actions pending,
	// not just the tick whose transition actually changed state -- a
	// prior Execute failure must not leave a device stuck unretried.
	if transition.To != statemachine.Unhealthy || len(transition.Actions) == 0 {
		return
	}

	if s.healer != nil {
		hungPIDs := hungPIDsFromFindings(result.Findings)
		s.healer.Heal(ctx, result.Device, hungPIDs)
		// Healing is attempted but never blocks isolation below,
		// regardless of outcome.
	}

	if s.executor == nil {
		return
	}
	if err := s.executor.Execute(ctx, transition); err != nil {
		s.log.Error("isolation action failed, will retry next tick", "device", result.Device, "error", err)
		return
	}

	for _, a := range transition.Actions {
		if s.metrics != nil {
			s.metrics.RecordIsolationAction(a.Kind.String())
		}
	}

	s.health.MarkIsolationCompleted(result.Device)
}

func hungPIDsFromFindings(findings []detection.Finding) []int {
	var pids []int
	for _, f := range findings {
		if f.Type == detection.ZombieProcess {
			pids = append(pids, f.PID)
		}
	}
	return pids
}
