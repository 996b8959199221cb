package detection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NavarchProject/gdnd/pkg/device"
	"github.com/NavarchProject/gdnd/pkg/device/mock"
)

func TestL2DetectPass(t *testing.T) {
	d := mock.New(device.ID{Index: 0})
	det := NewL2Detector(L2Config{Timeout: 5 * time.Second})

	result := det.Detect(context.Background(), d)
	if !result.Passed {
		t.Errorf("expected pass, got %v", result.Findings)
	}
}

func TestL2DetectFail(t *testing.T) {
	d := mock.New(device.ID{Index: 0})
	d.QueueActiveCheck(device.Failed(time.Second, 2, errors.New("verification mismatch")), nil)

	det := NewL2Detector(L2Config{Timeout: 5 * time.Second})
	result := det.Detect(context.Background(), d)
	if result.Passed {
		t.Fatal("expected failure")
	}
	if result.Findings[0].Type != ActiveCheckFailure {
		t.Errorf("expected ActiveCheckFailure, got %v", result.Findings[0].Type)
	}
}

func TestL2DetectTimeout(t *testing.T) {
	d := mock.New(device.ID{Index: 0})
	d.QueueActiveCheck(device.TimedOutResult(5*time.Second), nil)

	det := NewL2Detector(L2Config{Timeout: 5 * time.Second})
	result := det.Detect(context.Background(), d)
	if result.Passed {
		t.Fatal("expected failure on timeout")
	}
	if result.Findings[0].Type != ActiveCheckTimeout {
		t.Errorf("expected ActiveCheckTimeout, got %v", result.Findings[0].Type)
	}
}
