// Package startup installs the controller on a Raspberry Pi: a boot script
// that parks relay pins in their released state before anything else runs,
// and systemd units for that script and the controller itself.
package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/greenhouse-controller/internal/config"
	"github.com/thatsimonsguy/greenhouse-controller/internal/gpio"
)

// seam for tests
var runScript = func(path string) error {
	cmd := exec.Command("/bin/bash", path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// RelayPins resolves the configured relay channels to BCM numbers. It
// returns nil for the kasa transport.
func RelayPins(a config.Actuators) ([]gpio.RelayPin, error) {
	if a.Transport != "relay" {
		return nil, nil
	}

	channels := []struct{ name, header string }{
		{a.LightName, a.Relay.LightPin},
		{a.PumpName, a.Relay.PumpPin},
	}
	var pins []gpio.RelayPin
	for _, ch := range channels {
		if ch.header == "" {
			continue
		}
		n, err := gpio.HeaderToBCM(ch.header)
		if err != nil {
			return nil, fmt.Errorf("relay %s: %w", ch.name, err)
		}
		pins = append(pins, gpio.RelayPin{Name: ch.name, Number: n, ActiveHigh: a.Relay.ActiveHigh})
	}
	return pins, nil
}

func bootScript(pins []gpio.RelayPin) string {
	lines := []string{"#!/bin/bash", "", "# Greenhouse relay pins, released at boot", ""}
	for _, p := range pins {
		drive := "dh"
		if p.ActiveHigh {
			drive = "dl"
		}
		lines = append(lines, fmt.Sprintf("# %s", p.Name))
		lines = append(lines, fmt.Sprintf("pinctrl set %d op pn %s", p.Number, drive))
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n") + "\n"
}

func WriteBootScript(path string, pins []gpio.RelayPin) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create boot script dir: %w", err)
	}
	return os.WriteFile(path, []byte(bootScript(pins)), 0755)
}

func RunBootScript(path string) error {
	if err := runScript(path); err != nil {
		return fmt.Errorf("boot script %s failed: %w", path, err)
	}
	return nil
}

func InstallBootService(inst config.Install) error {
	unit := fmt.Sprintf(`[Unit]
Description=Release greenhouse relay pins at boot
After=network.target

[Service]
Type=oneshot
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
RemainAfterExit=true

[Install]
WantedBy=multi-user.target
`, inst.BootScriptPath)

	return os.WriteFile(inst.GPIOUnitPath, []byte(unit), 0644)
}

func InstallControllerService(inst config.Install) error {
	gpioUnit := filepath.Base(inst.GPIOUnitPath)

	unit := fmt.Sprintf(`[Unit]
Description=Greenhouse controller
After=network-online.target %s
Wants=network-online.target
Requires=%s

[Service]
Type=simple
User=%s
WorkingDirectory=%s
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, gpioUnit, gpioUnit, inst.User, inst.WorkDir, inst.ExecStart)

	return os.WriteFile(inst.ServiceUnitPath, []byte(unit), 0644)
}

// Install writes the boot script and both units, then runs the script once
// so the pins are released without waiting for a reboot.
func Install(cfg *config.Config) error {
	pins, err := RelayPins(cfg.Actuators)
	if err != nil {
		return err
	}
	if err := WriteBootScript(cfg.Install.BootScriptPath, pins); err != nil {
		return fmt.Errorf("failed to write boot script: %w", err)
	}
	if err := InstallBootService(cfg.Install); err != nil {
		return fmt.Errorf("failed to install gpio unit: %w", err)
	}
	if err := InstallControllerService(cfg.Install); err != nil {
		return fmt.Errorf("failed to install controller unit: %w", err)
	}
	log.Info().
		Str("boot_script", cfg.Install.BootScriptPath).
		Str("gpio_unit", cfg.Install.GPIOUnitPath).
		Str("service_unit", cfg.Install.ServiceUnitPath).
		Int("relay_pins", len(pins)).
		Msg("Installed greenhouse controller services")

	if len(pins) == 0 || cfg.SafeMode {
		return nil
	}
	return RunBootScript(cfg.Install.BootScriptPath)
}
