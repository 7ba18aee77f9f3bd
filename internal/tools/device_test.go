package tools

import (
	"context"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/carevoice/internal/device"
)

func deviceDispatcher(t *testing.T, host device.Host, names []string, flash time.Duration) *Dispatcher {
	t.Helper()
	d := newTestDispatcher(time.Second)
	if err := RegisterDeviceTools(d, host, names, flash); err != nil {
		t.Fatalf("RegisterDeviceTools() error = %v", err)
	}
	return d
}

func TestRegisterDeviceToolsRejectsUnknownName(t *testing.T) {
	d := newTestDispatcher(time.Second)
	if err := RegisterDeviceTools(d, device.NewSimulatedHost(1, 1), []string{"get_battery_level", "open_camera"}, 0); err == nil {
		t.Fatalf("RegisterDeviceTools() error = nil, want unknown tool error")
	}
}

func TestRegisterDeviceToolsEmptySet(t *testing.T) {
	d := deviceDispatcher(t, device.NewSimulatedHost(1, 1), nil, 0)
	if len(d.Specs()) != 0 {
		t.Fatalf("Specs() = %+v, want none", d.Specs())
	}
	res := d.Dispatch(context.Background(), Call{Name: ToolBatteryLevel})
	if !res.IsError {
		t.Fatalf("Dispatch() on empty set = %+v, want error", res)
	}
}

func TestBatteryLevelReportsPercentage(t *testing.T) {
	d := deviceDispatcher(t, device.NewSimulatedHost(0.83, 0.5), DeviceToolNames, 0)
	res := d.Dispatch(context.Background(), Call{Name: ToolBatteryLevel})
	if res.IsError || res.Output != "83%" {
		t.Fatalf("Dispatch() = %+v, want 83%%", res)
	}
}

func TestChangeBrightnessRequestsPermission(t *testing.T) {
	host := device.NewSimulatedHost(1, 0.2)
	d := deviceDispatcher(t, host, DeviceToolNames, 0)

	res := d.Dispatch(context.Background(), Call{Name: ToolChangeBrightness, Args: Args{"brightness": 0.6}})
	if res.IsError {
		t.Fatalf("Dispatch() = %+v, want success", res)
	}
	if got, _ := host.Brightness(context.Background()); got != 0.6 {
		t.Fatalf("Brightness() = %v, want 0.6", got)
	}
}

func TestChangeBrightnessErrors(t *testing.T) {
	host := device.NewSimulatedHost(1, 0.2)
	d := deviceDispatcher(t, host, DeviceToolNames, 0)

	for _, args := range []Args{{}, {"brightness": 1.5}, {"brightness": "dim"}, {"brightness": "NaN"}, {"brightness": math.NaN()}} {
		if res := d.Dispatch(context.Background(), Call{Name: ToolChangeBrightness, Args: args}); !res.IsError {
			t.Fatalf("Dispatch(%v) = %+v, want error", args, res)
		}
	}

	if got, _ := host.Brightness(context.Background()); got != 0.2 {
		t.Fatalf("Brightness() after rejected calls = %v, want 0.2", got)
	}

	host.DenyPermission(true)
	res := d.Dispatch(context.Background(), Call{Name: ToolChangeBrightness, Args: Args{"brightness": 0.5}})
	if !res.IsError || !strings.Contains(res.Output, "permission") {
		t.Fatalf("Dispatch() with denied permission = %+v, want permission error", res)
	}
}

func TestFlashScreenRestoresPriorBrightness(t *testing.T) {
	host := device.NewSimulatedHost(1, 0.35)
	d := deviceDispatcher(t, host, []string{ToolFlashScreen}, 5*time.Millisecond)

	res := d.Dispatch(context.Background(), Call{Name: ToolFlashScreen})
	if res.IsError {
		t.Fatalf("Dispatch() = %+v, want success", res)
	}
	if got := host.BrightnessHistory(); !reflect.DeepEqual(got, []float64{1, 0.35}) {
		t.Fatalf("BrightnessHistory() = %v, want [1 0.35]", got)
	}
}

func TestFlashScreenRestoresOnCancel(t *testing.T) {
	host := device.NewSimulatedHost(1, 0.35)
	d := deviceDispatcher(t, host, []string{ToolFlashScreen}, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := d.Dispatch(ctx, Call{Name: ToolFlashScreen})
	if !res.IsError {
		t.Fatalf("Dispatch() = %+v, want cancellation error", res)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got, _ := host.Brightness(context.Background()); got == 0.35 && len(host.BrightnessHistory()) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("brightness not restored, history = %v", host.BrightnessHistory())
}
