package main

import (
	"testing"
	"time"

	"backupcore/internal/config"
)

func TestApplyFlagOverridesLeavesZeroValuesAlone(t *testing.T) {
	opts := &config.Options{
		Roots:    []string{"/saved/root"},
		Workers:  2,
		Debounce: time.Second,
		DeviceID: "saved-device",
	}
	applyFlagOverrides(opts, runFlags{})

	if len(opts.Roots) != 1 || opts.Roots[0] != "/saved/root" {
		t.Errorf("Roots overwritten by empty flags: %v", opts.Roots)
	}
	if opts.Workers != 2 {
		t.Errorf("Workers overwritten by zero flag: %d", opts.Workers)
	}
	if opts.DeviceID != "saved-device" {
		t.Errorf("DeviceID overwritten by empty flag: %q", opts.DeviceID)
	}
}

func TestApplyFlagOverridesOverridesSetFields(t *testing.T) {
	opts := &config.Options{Roots: []string{"/saved/root"}, Workers: 2}
	applyFlagOverrides(opts, runFlags{
		roots:        []string{"/cli/root"},
		deviceID:     "cli-device",
		deviceSecret: "cli-secret",
		workers:      9,
		debounce:     3 * time.Second,
	})

	if len(opts.Roots) != 1 || opts.Roots[0] != "/cli/root" {
		t.Errorf("expected CLI root override, got %v", opts.Roots)
	}
	if opts.Workers != 9 {
		t.Errorf("expected CLI worker override, got %d", opts.Workers)
	}
	if opts.DeviceID != "cli-device" || opts.DeviceSecret != "cli-secret" {
		t.Errorf("expected CLI device overrides, got %q/%q", opts.DeviceID, opts.DeviceSecret)
	}
	if opts.Debounce != 3*time.Second {
		t.Errorf("expected CLI debounce override, got %v", opts.Debounce)
	}
}

func TestResolveHomeUsesExplicitFlag(t *testing.T) {
	d, err := resolveHome("/explicit/home")
	if err != nil {
		t.Fatalf("resolveHome: %v", err)
	}
	if d.Root() != "/explicit/home" {
		t.Errorf("expected /explicit/home, got %s", d.Root())
	}
}
