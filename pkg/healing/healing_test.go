package healing

import (
	"context"
	"testing"

	"github.com/NavarchProject/gdnd/pkg/device"
)

func TestHealDisabledReturnsNoAttempts(t *testing.T) {
	h := New(Config{Enabled: false}, nil)
	attempts := h.Heal(context.Background(), device.ID{Index: 0}, []int{1234})
	if len(attempts) != 0 {
		t.Errorf("expected no attempts when healing disabled, got %d", len(attempts))
	}
}

func TestHealConservativeDryRunKillsOnlyHungProcesses(t *testing.T) {
	h := New(Config{Enabled: true, Strategy: Conservative, DryRun: true}, nil)
	attempts := h.Heal(context.Background(), device.ID{Index: 0}, []int{1234, 5678})
	if len(attempts) != 2 {
		t.Fatalf("expected 2 kill attempts, got %d", len(attempts))
	}
	for _, a := range attempts {
		if a.Err != nil {
			t.Errorf("dry-run attempt should not error: %v", a.Err)
		}
	}
}

func TestHealModerateAddsSoftReset(t *testing.T) {
	h := New(Config{Enabled: true, Strategy: Moderate, DryRun: true}, nil)
	attempts := h.Heal(context.Background(), device.ID{Index: 0}, nil)
	if len(attempts) != 1 {
		t.Fatalf("expected 1 soft-reset attempt, got %d", len(attempts))
	}
}
