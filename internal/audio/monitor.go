// SPDX-License-Identifier: MIT

package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quillcast/teleprompter-engine/internal/udev"
)

// DeviceIdentity is a stable identity for a microphone that survives a
// hot-unplug/replug cycle, used to resolve the engine's
// selected_mic_uid setting back to a live ALSA card across restarts.
type DeviceIdentity struct {
	UID       string // FullDeviceID() or USBID fallback
	CardIndex int
	PortPath  string // physical USB port, when resolvable via sysfs
}

// DeviceMonitor polls for USB audio device hot-swaps and resolves each
// detected card to a stable DeviceIdentity, following the same
// bus/dev-number reconciliation approach as usb-audio-mapper.sh (kept
// in internal/udev): scan every candidate, match by number, never guess
// a device path from its card index alone.
type DeviceMonitor struct {
	AsoundPath string
	SysfsPath  string

	mu     sync.Mutex
	known  map[string]DeviceIdentity // uid -> last seen identity
	onSwap func(removed, added []DeviceIdentity)
}

// NewDeviceMonitor creates a monitor rooted at the given /proc/asound
// and /sys/bus/usb/devices paths (overridable in tests).
func NewDeviceMonitor(asoundPath, sysfsPath string, onSwap func(removed, added []DeviceIdentity)) *DeviceMonitor {
	return &DeviceMonitor{
		AsoundPath: asoundPath,
		SysfsPath:  sysfsPath,
		known:      make(map[string]DeviceIdentity),
		onSwap:     onSwap,
	}
}

// Scan runs one detection pass and returns the current set of resolved
// identities, without comparing against the previously known set.
func (m *DeviceMonitor) Scan() ([]DeviceIdentity, error) {
	devices, err := DetectDevices(m.AsoundPath)
	if err != nil {
		return nil, err
	}

	identities := make([]DeviceIdentity, 0, len(devices))
	for _, d := range devices {
		id := DeviceIdentity{
			UID:       deviceUID(d),
			CardIndex: d.CardNumber,
		}
		if busNum, devNum, ok := m.readBusDevNum(d.CardNumber); ok {
			if portPath, _, _, err := udev.GetUSBPhysicalPort(m.SysfsPath, busNum, devNum); err == nil {
				id.PortPath = portPath
			}
		}
		identities = append(identities, id)
	}
	return identities, nil
}

// deviceUID prefers the persistent /dev/snd/by-id identifier and falls
// back to the raw vendor:product USB ID when no by-id symlink exists.
func deviceUID(d *Device) string {
	if fid := d.FullDeviceID(); fid != "" {
		return fid
	}
	return fmt.Sprintf("USB_%s_%s", strings.ToUpper(d.VendorID), strings.ToUpper(d.ProductID))
}

// readBusDevNum reads the optional /proc/asound/cardN/usbbus file,
// formatted "bus/dev" by the ALSA USB driver, and returns its two
// components for handoff to udev.GetUSBPhysicalPort.
func (m *DeviceMonitor) readBusDevNum(cardNumber int) (busNum, devNum int, ok bool) {
	path := filepath.Join(m.AsoundPath, fmt.Sprintf("card%d", cardNumber), "usbbus")
	// #nosec G304 - reading from /proc/asound (kernel filesystem)
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	parts := strings.SplitN(strings.TrimSpace(string(raw)), "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	bus, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	dev, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return bus, dev, true
}

// Watch polls Scan at the given interval until ctx is canceled,
// invoking onSwap with the set of identities that disappeared and
// appeared since the previous pass. Identities are compared by UID: a
// device that is unplugged and replugged is reported as a removal in the
// pass where it is missing and as an addition in the later pass where it
// is back; a replug completed between two passes (same UID in both) is
// not reported.
func (m *DeviceMonitor) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current, err := m.Scan()
			if err != nil {
				continue
			}
			m.reconcile(current)
		}
	}
}

func (m *DeviceMonitor) reconcile(current []DeviceIdentity) {
	m.mu.Lock()
	currentByUID := make(map[string]DeviceIdentity, len(current))
	for _, id := range current {
		currentByUID[id.UID] = id
	}

	var removed, added []DeviceIdentity
	for uid, id := range m.known {
		if _, stillPresent := currentByUID[uid]; !stillPresent {
			removed = append(removed, id)
		}
	}
	for uid, id := range currentByUID {
		if _, wasPresent := m.known[uid]; !wasPresent {
			added = append(added, id)
		}
	}
	m.known = currentByUID
	m.mu.Unlock()

	if (len(removed) > 0 || len(added) > 0) && m.onSwap != nil {
		m.onSwap(removed, added)
	}
}

// Resolve looks up the last-scanned identity for a selected_mic_uid
// setting, returning its live ALSA card index.
func (m *DeviceMonitor) Resolve(uid string) (DeviceIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.known[uid]
	return id, ok
}
