// SPDX-License-Identifier: MIT

package udev

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// RulesFilePath is where the generated udev rules are installed so that
// physical USB ports get a stable /dev/snd/by-usb-port/<port> symlink
// across replugs and reboots.
const RulesFilePath = "/etc/udev/rules.d/99-usb-soundcards.rules"

// DeviceInfo describes one USB audio device for persistent rule generation.
// It mirrors the fields GetUSBPhysicalPort resolves, so a caller can go
// straight from device discovery to a rules file without an intermediate
// type.
type DeviceInfo struct {
	PortPath string // Physical USB port (e.g., "1-1.4")
	BusNum   int
	DevNum   int
	Product  string
	Serial   string
}

// GenerateRule builds the udev rule line that creates a
// /dev/snd/by-usb-port/<portPath> symlink for the sound card enumerated at
// the given bus/device numbers. No validation is performed; callers that
// need validated input should use GenerateRuleWithValidation.
//
// Reference: usb-audio-mapper.sh generate_udev_rule() function
func GenerateRule(portPath string, busNum, devNum int) string {
	return fmt.Sprintf(
		`SUBSYSTEM=="sound", KERNEL=="controlC[0-9]*", ATTRS{busnum}=="%d", ATTRS{devnum}=="%d", SYMLINK+="snd/by-usb-port/%s"`,
		busNum, devNum, portPath,
	)
}

// GenerateRuleWithValidation validates portPath, busNum, and devNum before
// generating the rule, returning an error describing the first invalid
// field rather than emitting a malformed udev rule.
func GenerateRuleWithValidation(portPath string, busNum, devNum int) (string, error) {
	if err := validateRuleInputs(portPath, busNum, devNum); err != nil {
		return "", err
	}
	return GenerateRule(portPath, busNum, devNum), nil
}

func validateRuleInputs(portPath string, busNum, devNum int) error {
	if !IsValidUSBPortPath(portPath) {
		return fmt.Errorf("invalid USB port path: %s", portPath)
	}
	if busNum <= 0 {
		return fmt.Errorf("invalid bus number: %d (must be positive)", busNum)
	}
	if devNum <= 0 {
		return fmt.Errorf("invalid dev number: %d (must be positive)", devNum)
	}
	return nil
}

// GenerateRule builds the rule line for this device.
func (d DeviceInfo) GenerateRule() string {
	return GenerateRule(d.PortPath, d.BusNum, d.DevNum)
}

// GenerateRulesFile renders a complete udev rules file body for the given
// devices: a header comment followed by one rule per device, no blank
// lines in between, terminated by a trailing newline.
func GenerateRulesFile(devices []*DeviceInfo) string {
	var b strings.Builder

	b.WriteString("# USB sound card physical port mapping\n")
	b.WriteString("# Generated automatically, do not edit by hand.\n")
	b.WriteString("#\n")
	for _, dev := range devices {
		line := dev.GenerateRule()
		if dev.Product != "" {
			b.WriteString(fmt.Sprintf("# %s", dev.Product))
			if dev.Serial != "" {
				b.WriteString(fmt.Sprintf(" (%s)", dev.Serial))
			}
			b.WriteString("\n")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return b.String()
}

// WriteRulesFileToPath validates every device, renders the rules file, and
// writes it to path. If reload is true, udevadm is invoked afterward to
// apply the new rules without requiring a reboot.
func WriteRulesFileToPath(devices []*DeviceInfo, path string, reload bool) error {
	return writeRulesFileToPathWithRunner(devices, path, reload, runCommand)
}

// commandRunner abstracts exec.Command for injection in tests.
type commandRunner func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	// #nosec G204 -- name/args are fixed udevadm invocations, never user input
	return exec.Command(name, args...).CombinedOutput()
}

func writeRulesFileToPathWithRunner(devices []*DeviceInfo, path string, reload bool, runner commandRunner) error {
	for i, dev := range devices {
		if err := validateRuleInputs(dev.PortPath, dev.BusNum, dev.DevNum); err != nil {
			return fmt.Errorf("invalid device %d: %w", i, err)
		}
	}

	content := GenerateRulesFile(devices)

	// #nosec G306 -- udev rules files must be world-readable
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write rules file: %w", err)
	}

	if reload {
		if err := reloadUdevRulesWith(runner); err != nil {
			return fmt.Errorf("failed to reload udev rules: %w", err)
		}
	}

	return nil
}

// WriteRulesFile writes the generated rules to RulesFilePath, the real
// udev rules directory, reloading udev afterward when reload is true.
func WriteRulesFile(devices []*DeviceInfo, reload bool) error {
	return WriteRulesFileToPath(devices, RulesFilePath, reload)
}

// reloadUdevRulesWith asks udevadm to reload its rules and re-trigger
// matching events, using runner so tests can inject a fake command
// executor instead of shelling out.
func reloadUdevRulesWith(runner commandRunner) error {
	if _, err := runner("udevadm", "control", "--reload-rules"); err != nil {
		return fmt.Errorf("udevadm reload-rules failed: %w", err)
	}
	if _, err := runner("udevadm", "trigger"); err != nil {
		return fmt.Errorf("udevadm trigger failed: %w", err)
	}
	return nil
}
