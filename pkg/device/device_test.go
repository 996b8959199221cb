package device

import "testing"

func TestIDKey(t *testing.T) {
	tests := []struct {
		name string
		id   ID
		want string
	}{
		{"with uuid", ID{Index: 2, UUID: "GPU-abc"}, "GPU-abc"},
		{"without uuid", ID{Index: 3}, "gpu-3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIDString(t *testing.T) {
	if got := (ID{Index: 4}).String(); got != "GPU4" {
		t.Errorf("String() = %q, want GPU4", got)
	}
}

func TestErrorEventIsFatal(t *testing.T) {
	fatal := map[int]bool{79: true, 48: true}
	tests := []struct {
		code int
		want bool
	}{
		{79, true},
		{48, true},
		{13, false},
	}
	for _, tt := range tests {
		e := ErrorEvent{Code: tt.code}
		if got := e.IsFatal(fatal); got != tt.want {
			t.Errorf("IsFatal(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
