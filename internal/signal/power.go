package signal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"deferq/internal/task"
)

// DefaultPowerSupplyPath is where Linux exposes power supplies.
const DefaultPowerSupplyPath = "/sys/class/power_supply"

// PowerProbe reads the power_supply class to report power.connected and
// battery.ok. A machine without a battery is always on external power.
type PowerProbe struct {
	root       string
	batteryMin int
}

// NewPowerProbe reads supplies under root (default DefaultPowerSupplyPath).
// battery.ok holds at or above batteryMin percent (default 20) or while
// charging from external power.
func NewPowerProbe(root string, batteryMin int) *PowerProbe {
	if strings.TrimSpace(root) == "" {
		root = DefaultPowerSupplyPath
	}
	if batteryMin <= 0 {
		batteryMin = 20
	}
	return &PowerProbe{root: root, batteryMin: batteryMin}
}

func (p *PowerProbe) Name() string { return "power" }

func (p *PowerProbe) Probe(ctx context.Context) (map[task.Constraint]bool, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// No power_supply class: not a laptop or phone.
			return map[task.Constraint]bool{task.PowerConnected: true, task.BatteryOK: true}, nil
		}
		return nil, fmt.Errorf("read %s: %w", p.root, err)
	}

	var (
		mains, online bool
		batteries     int
		lowest        = 101
	)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := filepath.Join(p.root, e.Name())
		switch strings.ToLower(readAttr(dir, "type")) {
		case "mains", "usb", "usb_c", "usb_pd":
			mains = true
			if readAttr(dir, "online") == "1" {
				online = true
			}
		case "battery":
			if readAttr(dir, "scope") == "Device" {
				// Peripheral batteries (mice, headsets) don't power the host.
				continue
			}
			batteries++
			if c, err := strconv.Atoi(readAttr(dir, "capacity")); err == nil && c < lowest {
				lowest = c
			}
			if st := strings.ToLower(readAttr(dir, "status")); st == "charging" || st == "full" {
				online = true
			}
		}
	}

	connected := online || (!mains && batteries == 0)
	// An unreadable capacity (lowest == 101) counts as ok.
	batteryOK := batteries == 0 || connected || lowest >= p.batteryMin
	return map[task.Constraint]bool{task.PowerConnected: connected, task.BatteryOK: batteryOK}, nil
}

func readAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
