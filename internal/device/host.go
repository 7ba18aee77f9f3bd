// Package device exposes the local capabilities the assistant may drive.
package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	ErrPermissionDenied = errors.New("device permission denied")
	ErrOutOfRange       = errors.New("brightness must be between 0 and 1")
)

// Host is the device capability surface.
type Host interface {
	BatteryLevel(ctx context.Context) (float64, error)
	Brightness(ctx context.Context) (float64, error)
	SetBrightness(ctx context.Context, level float64) error
	RequestBrightnessPermission(ctx context.Context) error
}

// SimulatedHost keeps device state in memory. Fields ending in Err force the
// matching call to fail.
type SimulatedHost struct {
	mu         sync.Mutex
	battery    float64
	brightness float64
	granted    bool
	deny       bool
	latency    time.Duration

	BatteryErr    error
	BrightnessErr error
	history       []float64
}

func NewSimulatedHost(battery, brightness float64) *SimulatedHost {
	return &SimulatedHost{battery: clamp(battery), brightness: clamp(brightness)}
}

// DenyPermission makes subsequent permission requests fail.
func (h *SimulatedHost) DenyPermission(deny bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deny = deny
	if deny {
		h.granted = false
	}
}

func (h *SimulatedHost) SetLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latency = d
}

func (h *SimulatedHost) SetBatteryLevel(level float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.battery = clamp(level)
}

// BrightnessHistory returns every applied brightness level in order.
func (h *SimulatedHost) BrightnessHistory() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.history...)
}

func (h *SimulatedHost) wait(ctx context.Context) error {
	h.mu.Lock()
	d := h.latency
	h.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (h *SimulatedHost) BatteryLevel(ctx context.Context) (float64, error) {
	if err := h.wait(ctx); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.BatteryErr != nil {
		return 0, h.BatteryErr
	}
	return h.battery, nil
}

func (h *SimulatedHost) Brightness(ctx context.Context) (float64, error) {
	if err := h.wait(ctx); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.BrightnessErr != nil {
		return 0, h.BrightnessErr
	}
	return h.brightness, nil
}

func (h *SimulatedHost) SetBrightness(ctx context.Context, level float64) error {
	if math.IsNaN(level) || level < 0 || level > 1 {
		return fmt.Errorf("%w: got %v", ErrOutOfRange, level)
	}
	if err := h.wait(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.BrightnessErr != nil {
		return h.BrightnessErr
	}
	if !h.granted {
		return ErrPermissionDenied
	}
	h.brightness = level
	h.history = append(h.history, level)
	return nil
}

func (h *SimulatedHost) RequestBrightnessPermission(ctx context.Context) error {
	if err := h.wait(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deny {
		return ErrPermissionDenied
	}
	h.granted = true
	return nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
