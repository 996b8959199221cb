package nvidia

import (
	"context"
	"testing"
)

func TestAvailable(t *testing.T) {
	// Always runs - just checks that probing NVML doesn't panic on hosts
	// without a GPU.
	t.Logf("NVML available: %v", Available())
}

func TestListDevicesWithoutHardware(t *testing.T) {
	if Available() {
		t.Skip("NVML is available on this host, skipping no-hardware path")
	}

	l := NewLister("/usr/bin/gpu-check")
	_, err := l.ListDevices(context.Background())
	if err == nil {
		t.Error("expected error listing devices without NVML hardware")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{79, "GPU has fallen off the bus"},
		{48, "Double Bit ECC Error"},
		{999999, "XID 999999"},
	}
	for _, tt := range tests {
		if got := Describe(tt.code); got != tt.want {
			t.Errorf("Describe(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
