// Package statemachine drives the per-device health state machine
// (Healthy -> Suspected -> Unhealthy -> Isolated) that detection results
// feed into, and decides when isolation actions must run.
package statemachine

import (
	"sync"
	"time"

	"github.com/NavarchProject/gdnd/pkg/detection"
	"github.com/NavarchProject/gdnd/pkg/device"
)

// State is a device's position in the health lifecycle.
type State int

const (
	Healthy State = iota
	Suspected
	Unhealthy
	Isolated
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Suspected:
		return "suspected"
	case Unhealthy:
		return "unhealthy"
	case Isolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// TaintEffect mirrors the Kubernetes taint effect enum values the
// orchestrator adapter understands.
type TaintEffect string

const (
	NoSchedule       TaintEffect = "NoSchedule"
	PreferNoSchedule TaintEffect = "PreferNoSchedule"
	NoExecute        TaintEffect = "NoExecute"
)

// ActionKind identifies one isolation action the scheduler should take.
type ActionKind int

const (
	ActionCordon ActionKind = iota
	ActionUncordon
	ActionTaint
	ActionRemoveTaint
	ActionEvictPods
	ActionAlert
)

func (k ActionKind) String() string {
	switch k {
	case ActionCordon:
		return "cordon"
	case ActionUncordon:
		return "uncordon"
	case ActionTaint:
		return "taint"
	case ActionRemoveTaint:
		return "remove_taint"
	case ActionEvictPods:
		return "evict_pods"
	case ActionAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// Action is a single step of an isolation (or recovery) intent.
type Action struct {
	Kind        ActionKind
	TaintKey    string
	TaintValue  string
	TaintEffect TaintEffect
	AlertMessage  string
	AlertSeverity string
}

// EventKind identifies a state-machine input derived from a detection.Result.
type EventKind int

const (
	EventCheckPassed EventKind = iota
	EventCheckFailed
	EventFatalError
	EventIsolationCompleted
	EventRecoveryConfirmed
)

// Event carries a state-machine input and the findings that produced it.
type Event struct {
	Kind     EventKind
	Findings []detection.Finding
}

// Transition describes the result of feeding one Event to the manager:
// the state before and after, whether it actually changed, and the actions
// to execute: the isolation actions on entering Unhealthy and again on every
// later event while the device waits in Unhealthy, or the recovery actions
// on Isolated -> Healthy.
type Transition struct {
	Device  device.ID
	From    State
	To      State
	Actions []Action
	Changed bool
}

func noChange(dev device.ID, s State) Transition {
	return Transition{Device: dev, From: s, To: s, Changed: false}
}

// Health tracks one device's current state and history.
type Health struct {
	Device         device.ID
	State          State
	FailureCount   int
	RecoveryCount  int
	LastCheck      time.Time
	StateChangedAt time.Time
	LastFindings   []detection.Finding

	// PendingActions holds the isolation actions decided when the device
	// entered Unhealthy, until MarkIsolationCompleted clears them. It is
	// what lets the scheduler tell "isolation actions have not yet been
	// performed" apart from "nothing changed this tick" (spec §3's
	// isolation-actions-performed set).
	PendingActions []Action
}

// IsolationConfig controls which actions isolation produces and how the
// taint is keyed. NVIDIA and Ascend default to different taint keys.
type IsolationConfig struct {
	Cordon      bool
	EvictPods   bool
	Alert       bool
	TaintKey    string
	TaintValue  string
	TaintEffect TaintEffect
}

// RecoveryConfig configures the optional Isolated -> Healthy pathway.
// Disabled by default; see SPEC_FULL.md's recovery extension point.
type RecoveryConfig struct {
	Enabled              bool
	ConsecutiveThreshold int
	Interval             time.Duration
}

// Manager holds FSM state for every known device and applies the
// Healthy -> Suspected -> Unhealthy -> Isolated transition table.
type Manager struct {
	mu                sync.Mutex
	health            map[string]*Health
	failureThreshold  int
	fatalCodes        map[int]bool
	isolation         IsolationConfig
	recovery          RecoveryConfig
}

// New creates a health manager. failureThreshold is the number of
// consecutive L1/L2/L3 failures (non-fatal) a device tolerates in
// Suspected before escalating to Unhealthy.
func New(failureThreshold int, fatalCodes map[int]bool, isolation IsolationConfig) *Manager {
	return &Manager{
		health:           make(map[string]*Health),
		failureThreshold: failureThreshold,
		fatalCodes:       fatalCodes,
		isolation:        isolation,
	}
}

// WithRecovery enables the Isolated -> Healthy recovery pathway.
func (m *Manager) WithRecovery(cfg RecoveryConfig) *Manager {
	m.recovery = cfg
	return m
}

func (m *Manager) getOrCreate(dev device.ID) *Health {
	key := dev.Key()
	h, ok := m.health[key]
	if !ok {
		h = &Health{Device: dev, State: Healthy, StateChangedAt: time.Now()}
		m.health[key] = h
	}
	return h
}

// Get returns a snapshot of a device's tracked health, if known.
func (m *Manager) Get(dev device.ID) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[dev.Key()]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// All returns a snapshot of every tracked device's health.
func (m *Manager) All() []Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Health, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, *h)
	}
	return out
}

// Unhealthy returns the devices currently in the Unhealthy state (pending
// isolation) or Isolated.
func (m *Manager) Unhealthy() []device.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []device.ID
	for _, h := range m.health {
		if h.State == Unhealthy || h.State == Isolated {
			out = append(out, h.Device)
		}
	}
	return out
}

// ProcessResult classifies a detection.Result into an Event and applies
// the state transition, returning what changed.
func (m *Manager) ProcessResult(result detection.Result) Transition {
	var event Event
	switch {
	case result.Passed:
		event = Event{Kind: EventCheckPassed}
	case result.HasFatalFinding():
		event = Event{Kind: EventFatalError, Findings: result.Findings}
	default:
		event = Event{Kind: EventCheckFailed, Findings: result.Findings}
	}
	return m.Apply(result.Device, event)
}

// Apply feeds event into the state machine for dev and returns the
// resulting Transition. Holding the manager's lock is cheap and local;
// callers must release any lock of their own before acting on
// Transition.Actions, which may perform external I/O.
func (m *Manager) Apply(dev device.ID, event Event) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.getOrCreate(dev)
	h.LastCheck = time.Now()
	if len(event.Findings) > 0 {
		h.LastFindings = event.Findings
	}

	from := h.State
	var to State
	var actions []Action

	switch h.State {
	case Healthy:
		switch event.Kind {
		case EventCheckPassed:
			h.FailureCount = 0
			to = Healthy
		case EventCheckFailed:
			h.FailureCount = 1
			to = Suspected
		case EventFatalError:
			to = Unhealthy
			actions = m.isolationActions()
			h.PendingActions = actions
		default:
			to = Healthy
		}

	case Suspected:
		switch event.Kind {
		case EventCheckPassed:
			h.FailureCount = 0
			to = Healthy
		case EventCheckFailed:
			h.FailureCount++
			if h.FailureCount >= m.failureThreshold {
				to = Unhealthy
				actions = m.isolationActions()
				h.PendingActions = actions
			} else {
				to = Suspected
			}
		case EventFatalError:
			to = Unhealthy
			actions = m.isolationActions()
			h.PendingActions = actions
		default:
			to = Suspected
		}

	case Unhealthy:
		switch event.Kind {
		case EventIsolationCompleted:
			to = Isolated
			h.PendingActions = nil
		default:
			// Already escalating; isolation has not yet been applied
			// successfully, so re-surface the same pending actions for
			// the scheduler to retry this tick, per spec §4.4 step 3.
			return Transition{Device: dev, From: Unhealthy, To: Unhealthy, Actions: h.PendingActions, Changed: false}
		}

	case Isolated:
		switch event.Kind {
		case EventCheckPassed:
			if !m.recovery.Enabled {
				return noChange(dev, Isolated)
			}
			h.RecoveryCount++
			if h.RecoveryCount >= m.recovery.ConsecutiveThreshold {
				h.RecoveryCount = 0
				to = Healthy
				actions = m.recoveryActions()
			} else {
				return noChange(dev, Isolated)
			}
		case EventCheckFailed, EventFatalError:
			h.RecoveryCount = 0
			return noChange(dev, Isolated)
		default:
			return noChange(dev, Isolated)
		}

	default:
		return noChange(dev, h.State)
	}

	changed := to != from
	if changed {
		h.State = to
		h.StateChangedAt = time.Now()
	}

	return Transition{Device: dev, From: from, To: to, Actions: actions, Changed: changed}
}

// isolationActions builds the isolation action list from configuration,
// not from state -- the state machine only decides THAT isolation is
// needed, never which Kubernetes primitives implement it.
func (m *Manager) isolationActions() []Action {
	var actions []Action
	if m.isolation.Cordon {
		actions = append(actions, Action{Kind: ActionCordon})
	}
	key, value, effect := m.isolation.TaintKey, m.isolation.TaintValue, m.isolation.TaintEffect
	if key != "" {
		if value == "" {
			value = "failed"
		}
		if effect == "" {
			effect = NoSchedule
		}
		actions = append(actions, Action{Kind: ActionTaint, TaintKey: key, TaintValue: value, TaintEffect: effect})
	}
	if m.isolation.EvictPods {
		actions = append(actions, Action{Kind: ActionEvictPods})
	}
	if m.isolation.Alert {
		actions = append(actions, Action{Kind: ActionAlert, AlertMessage: "device isolated", AlertSeverity: "critical"})
	}
	return actions
}

func (m *Manager) recoveryActions() []Action {
	actions := []Action{{Kind: ActionUncordon}}
	if m.isolation.TaintKey != "" {
		actions = append(actions, Action{Kind: ActionRemoveTaint, TaintKey: m.isolation.TaintKey})
	}
	return actions
}

// MarkIsolationCompleted feeds EventIsolationCompleted back into the
// machine once the orchestrator has actually applied the isolation
// actions, advancing Unhealthy -> Isolated.
func (m *Manager) MarkIsolationCompleted(dev device.ID) Transition {
	return m.Apply(dev, Event{Kind: EventIsolationCompleted})
}
