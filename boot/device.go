// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/siderolabs/go-blockdevice/v2/blkid"
)

// DefaultPollInterval is the fixed tick of the device wait loop.
const DefaultPollInterval = time.Second

// BlockDevice describes a currently visible block device as discovered by a
// [Prober].
type BlockDevice struct {
	Path   string
	FSType string
	UUID   string
	Label  string
}

// Prober enumerates the block devices visible right now. Devices may
// enumerate late, so the waiter re-probes on every polling tick.
type Prober interface {
	Probe() ([]BlockDevice, error)
}

// SysProber probes /sys/class/block with libblkid-style signature detection.
type SysProber struct{}

// Probe implements [Prober]. Devices that cannot be probed (unformatted,
// vanished in between) are listed without filesystem details.
func (SysProber) Probe() ([]BlockDevice, error) {
	entries, err := os.ReadDir("/sys/class/block")
	if err != nil {
		return nil, fmt.Errorf("list block devices: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	// Sorted so duplicate labels resolve deterministically.
	slices.Sort(names)

	devices := make([]BlockDevice, 0, len(names))

	for _, name := range names {
		device := BlockDevice{Path: filepath.Join("/dev", name)}

		if info, err := blkid.ProbePath(device.Path); err == nil {
			device.FSType = info.Name

			if info.UUID != nil {
				device.UUID = info.UUID.String()
			}

			if info.Label != nil {
				device.Label = *info.Label
			}
		}

		devices = append(devices, device)
	}

	return devices, nil
}

// ResolvedDevice is the result of a successful device resolution.
type ResolvedDevice struct {
	Spec   DeviceSpec
	Path   string
	FSType string
}

// Waiter resolves device specifiers against the visible block devices with a
// bounded polling loop. Resolutions are cached for the duration of boot: once
// a specifier matched, it is never re-resolved, so a duplicate label showing
// up later cannot make the result flap.
type Waiter struct {
	Prober   Prober
	Clock    clock.Clock
	Interval time.Duration
	Timeout  time.Duration
	Forever  bool

	cache map[string]ResolvedDevice
}

// NewWaiter creates a [Waiter] configured from the boot configuration, with
// the real clock and prober.
func NewWaiter(cfg *BootConfig) *Waiter {
	return &Waiter{
		Prober:   SysProber{},
		Clock:    clock.New(),
		Interval: DefaultPollInterval,
		Timeout:  cfg.DeviceTimeout(),
		Forever:  cfg.RootWaitForever,
	}
}

// Resolve turns the given specifier into a ready block device. It polls on a
// fixed interval until the device appears or the timeout elapses. On timeout
// the returned [DeviceNotFoundError] carries a snapshot of the block devices
// visible at that moment.
func (w *Waiter) Resolve(spec DeviceSpec) (ResolvedDevice, error) {
	if spec.Kind == SpecNone || spec.Kind == SpecNFS {
		return ResolvedDevice{}, fmt.Errorf("%s: not a block device specifier", spec)
	}

	if cached, ok := w.cache[spec.String()]; ok {
		return cached, nil
	}

	// A zero-value Waiter still polls sanely.
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	clk := w.Clock
	if clk == nil {
		clk = clock.New()
	}

	maxTicks := int(w.Timeout / interval)

	var snapshot []BlockDevice

	for tick := 0; ; tick++ {
		devices, err := w.Prober.Probe()
		if err != nil {
			log.Print("ERROR device probe: ", err.Error())
		}

		snapshot = devices

		if resolved, ok := match(spec, devices); ok {
			if w.cache == nil {
				w.cache = map[string]ResolvedDevice{}
			}

			w.cache[spec.String()] = resolved

			return resolved, nil
		}

		if !w.Forever && tick >= maxTicks {
			return ResolvedDevice{}, &DeviceNotFoundError{
				Spec:     spec,
				Snapshot: snapshot,
			}
		}

		clk.Sleep(interval)
	}
}

// match finds the first device matching the specifier. The prober returns
// devices in a stable order, so a duplicate identity always resolves to the
// same device within one probe.
func match(spec DeviceSpec, devices []BlockDevice) (ResolvedDevice, bool) {
	for _, device := range devices {
		var found bool

		switch spec.Kind {
		case SpecPath:
			found = device.Path == spec.Value
		case SpecUUID:
			found = device.UUID != "" && device.UUID == spec.Value
		case SpecLabel:
			found = device.Label != "" && device.Label == spec.Value
		}

		if found {
			return ResolvedDevice{
				Spec:   spec,
				Path:   device.Path,
				FSType: device.FSType,
			}, true
		}
	}

	// Path specifiers may point at nodes the prober does not list, like
	// device-mapper paths. A stat is authoritative for those.
	if spec.Kind == SpecPath {
		if _, err := os.Stat(spec.Value); err == nil {
			return ResolvedDevice{Spec: spec, Path: spec.Value}, true
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Print("ERROR stat ", spec.Value, ": ", err.Error())
		}
	}

	return ResolvedDevice{}, false
}
