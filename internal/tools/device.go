package tools

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ent0n29/carevoice/internal/device"
)

const (
	ToolBatteryLevel     = "get_battery_level"
	ToolChangeBrightness = "change_brightness"
	ToolFlashScreen      = "flash_screen"

	DefaultFlashDuration = 300 * time.Millisecond
)

// DeviceToolNames lists every built-in capability tool.
var DeviceToolNames = []string{ToolBatteryLevel, ToolChangeBrightness, ToolFlashScreen}

// RegisterDeviceTools registers the named capability tools in the given order.
// Unknown names are an error so a misconfigured agent fails at startup.
func RegisterDeviceTools(d *Dispatcher, host device.Host, names []string, flash time.Duration) error {
	if flash <= 0 {
		flash = DefaultFlashDuration
	}
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		var (
			spec Spec
			fn   Func
		)
		switch name {
		case ToolBatteryLevel:
			spec = Spec{Name: name, Description: "Read the device battery level as a percentage."}
			fn = batteryLevel(host)
		case ToolChangeBrightness:
			spec = Spec{
				Name:        name,
				Description: "Set the screen brightness.",
				Parameters: []Param{{
					Name:        "brightness",
					Type:        "number",
					Description: "Brightness level between 0 and 1.",
					Required:    true,
				}},
			}
			fn = changeBrightness(host)
		case ToolFlashScreen:
			spec = Spec{Name: name, Description: "Flash the screen at full brightness, then restore it."}
			fn = flashScreen(host, flash)
		default:
			return fmt.Errorf("unknown agent tool %q", name)
		}
		if err := d.Register(spec, fn); err != nil {
			return err
		}
	}
	return nil
}

func batteryLevel(host device.Host) Func {
	return func(ctx context.Context, _ Args) (string, error) {
		level, err := host.BatteryLevel(ctx)
		if err != nil {
			return "", fmt.Errorf("read battery level: %w", err)
		}
		return fmt.Sprintf("%d%%", int(math.Round(level*100))), nil
	}
}

func changeBrightness(host device.Host) Func {
	return func(ctx context.Context, args Args) (string, error) {
		level, err := args.Float("brightness")
		if err != nil {
			return "", err
		}
		if math.IsNaN(level) || level < 0 || level > 1 {
			return "", fmt.Errorf("brightness must be between 0 and 1, got %v", level)
		}
		if err := host.RequestBrightnessPermission(ctx); err != nil {
			return "", fmt.Errorf("brightness permission: %w", err)
		}
		if err := host.SetBrightness(ctx, level); err != nil {
			return "", fmt.Errorf("set brightness: %w", err)
		}
		return fmt.Sprintf("Brightness set to %.2f", level), nil
	}
}

func flashScreen(host device.Host, flash time.Duration) Func {
	return func(ctx context.Context, _ Args) (string, error) {
		prior, err := host.Brightness(ctx)
		if err != nil {
			return "", fmt.Errorf("read brightness: %w", err)
		}
		if err := host.RequestBrightnessPermission(ctx); err != nil {
			return "", fmt.Errorf("brightness permission: %w", err)
		}
		if err := host.SetBrightness(ctx, 1); err != nil {
			return "", fmt.Errorf("set brightness: %w", err)
		}

		t := time.NewTimer(flash)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}

		// Restore even when the call was cancelled mid-flash.
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := host.SetBrightness(restoreCtx, prior); err != nil {
			return "", fmt.Errorf("restore brightness: %w", err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "Screen flashed", nil
	}
}
