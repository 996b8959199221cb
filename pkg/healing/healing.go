// Package healing implements the optional self-healing extension point:
// best-effort remediation attempted before a device is isolated. Disabled
// by default; see SPEC_FULL.md's self-healing extension point.
package healing

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/NavarchProject/gdnd/pkg/device"
)

// Strategy controls how aggressively the healer tries to recover a
// device before isolation runs.
type Strategy int

const (
	// Conservative kills hung consumer processes only. The default.
	Conservative Strategy = iota
	// Moderate adds an NVIDIA GPU soft reset (nvidia-smi -r), NVIDIA-only.
	Moderate
	// Aggressive adds an NVIDIA driver module reload, which disrupts
	// every GPU on the host, not just the unhealthy one.
	Aggressive
)

// Config controls the healer's behavior.
type Config struct {
	Enabled  bool
	Strategy Strategy
	DryRun   bool
}

// Healer attempts best-effort remediation for a device about to be
// isolated. Healing failures are logged but never block isolation -- the
// scheduler proceeds to isolate regardless of the healing outcome.
type Healer struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Healer {
	if log == nil {
		log = slog.Default()
	}
	return &Healer{cfg: cfg, log: log}
}

// Heal attempts remediation for dev, given the hung PIDs found by the most
// recent detection pass. It returns the list of actions attempted and
// whether each succeeded, for logging; it never returns an error that
// should block isolation.
func (h *Healer) Heal(ctx context.Context, dev device.ID, hungPIDs []int) []Attempt {
	if !h.cfg.Enabled {
		return nil
	}

	var attempts []Attempt
	for _, pid := range hungPIDs {
		attempts = append(attempts, h.killProcess(pid))
	}

	if h.cfg.Strategy >= Moderate {
		attempts = append(attempts, h.softReset(ctx, dev))
	}
	if h.cfg.Strategy >= Aggressive {
		attempts = append(attempts, h.reloadDriver(ctx))
	}

	for _, a := range attempts {
		if a.Err != nil {
			h.log.Warn("healing action failed", "device", dev, "action", a.Description, "error", a.Err)
		} else {
			h.log.Info("healing action succeeded", "device", dev, "action", a.Description)
		}
	}
	return attempts
}

// Attempt records one remediation step and its outcome.
type Attempt struct {
	Description string
	Err         error
}

func (h *Healer) killProcess(pid int) Attempt {
	desc := fmt.Sprintf("kill hung process %d", pid)
	if h.cfg.DryRun {
		h.log.Info("dry-run: would kill process", "pid", pid)
		return Attempt{Description: desc}
	}
	err := syscall.Kill(pid, syscall.SIGKILL)
	return Attempt{Description: desc, Err: err}
}

func (h *Healer) softReset(ctx context.Context, dev device.ID) Attempt {
	desc := fmt.Sprintf("soft-reset device %s", dev)
	if h.cfg.DryRun {
		h.log.Info("dry-run: would reset device", "device", dev)
		return Attempt{Description: desc}
	}
	cmd := exec.CommandContext(ctx, "nvidia-smi", "-r", "-i", strconv.Itoa(dev.Index))
	err := cmd.Run()
	return Attempt{Description: desc, Err: err}
}

func (h *Healer) reloadDriver(ctx context.Context) Attempt {
	desc := "reload nvidia driver module"
	if h.cfg.DryRun {
		h.log.Info("dry-run: would reload nvidia driver module")
		return Attempt{Description: desc}
	}
	unload := exec.CommandContext(ctx, "modprobe", "-r", "nvidia")
	if err := unload.Run(); err != nil {
		return Attempt{Description: desc, Err: fmt.Errorf("unload: %w", err)}
	}
	load := exec.CommandContext(ctx, "modprobe", "nvidia")
	err := load.Run()
	return Attempt{Description: desc, Err: err}
}
