package device

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestSetBrightnessRequiresPermission(t *testing.T) {
	ctx := context.Background()
	h := NewSimulatedHost(0.8, 0.4)
	if err := h.SetBrightness(ctx, 0.9); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("SetBrightness() error = %v, want ErrPermissionDenied", err)
	}
	if err := h.RequestBrightnessPermission(ctx); err != nil {
		t.Fatalf("RequestBrightnessPermission() error = %v", err)
	}
	if err := h.SetBrightness(ctx, 0.9); err != nil {
		t.Fatalf("SetBrightness() error = %v", err)
	}
	got, _ := h.Brightness(ctx)
	if got != 0.9 {
		t.Fatalf("Brightness() = %v, want 0.9", got)
	}
}

func TestSetBrightnessRejectsOutOfRange(t *testing.T) {
	h := NewSimulatedHost(1, 0.5)
	_ = h.RequestBrightnessPermission(context.Background())
	for _, level := range []float64{-0.1, 1.01, math.NaN()} {
		if err := h.SetBrightness(context.Background(), level); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("SetBrightness(%v) error = %v, want ErrOutOfRange", level, err)
		}
	}
}

func TestDeniedPermission(t *testing.T) {
	h := NewSimulatedHost(1, 0.5)
	h.DenyPermission(true)
	if err := h.RequestBrightnessPermission(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("RequestBrightnessPermission() error = %v, want ErrPermissionDenied", err)
	}
}

func TestLatencyHonoursContext(t *testing.T) {
	h := NewSimulatedHost(1, 0.5)
	h.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.BatteryLevel(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("BatteryLevel() error = %v, want deadline exceeded", err)
	}
}

func TestMicrophoneAcquireRelease(t *testing.T) {
	m := NewSimulatedMicrophone()
	if err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if m.Held() != 1 {
		t.Fatalf("Held() = %d, want 1", m.Held())
	}
	m.Release()
	m.Release()
	if m.Held() != 0 {
		t.Fatalf("Held() = %d, want 0", m.Held())
	}

	m.Deny(true)
	if err := m.Acquire(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Acquire() error = %v, want ErrPermissionDenied", err)
	}
}

func TestMicrophoneHoldBlocksUntilContextEnds(t *testing.T) {
	m := NewSimulatedMicrophone()
	release := m.Hold()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}
	if m.Held() != 0 {
		t.Fatalf("Held() = %d, want 0", m.Held())
	}
}
