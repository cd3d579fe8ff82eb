// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"strings"
	"time"
)

// DefaultInitPath is executed on the new root unless overridden with init=.
const DefaultInitPath = "/sbin/init"

// DefaultDeviceTimeout is the device wait timeout used when rootdelay= is not
// given.
const DefaultDeviceTimeout = 30 * time.Second

// SpecKind discriminates the grammars a device specifier may use.
type SpecKind int

// Device specifier kinds.
const (
	SpecNone SpecKind = iota
	SpecPath
	SpecUUID
	SpecLabel
	SpecNFS
)

// DeviceSpec is a parsed device specifier. It is produced once by the
// command-line parser so later stages dispatch on Kind instead of re-examining
// string prefixes.
type DeviceSpec struct {
	Kind  SpecKind
	Value string
}

// ParseDeviceSpec parses a root/device specifier string into a [DeviceSpec].
func ParseDeviceSpec(s string) DeviceSpec {
	switch {
	case s == "":
		return DeviceSpec{Kind: SpecNone}
	case strings.HasPrefix(s, "UUID="):
		return DeviceSpec{Kind: SpecUUID, Value: strings.TrimPrefix(s, "UUID=")}
	case strings.HasPrefix(s, "LABEL="):
		return DeviceSpec{Kind: SpecLabel, Value: strings.TrimPrefix(s, "LABEL=")}
	case strings.HasPrefix(s, "nfs:"):
		return DeviceSpec{Kind: SpecNFS, Value: strings.TrimPrefix(s, "nfs:")}
	default:
		return DeviceSpec{Kind: SpecPath, Value: s}
	}
}

// IsZero returns true if no specifier was given.
func (s DeviceSpec) IsZero() bool {
	return s.Kind == SpecNone
}

func (s DeviceSpec) String() string {
	switch s.Kind {
	case SpecUUID:
		return "UUID=" + s.Value
	case SpecLabel:
		return "LABEL=" + s.Value
	case SpecNFS:
		return "nfs:" + s.Value
	case SpecPath:
		return s.Value
	default:
		return ""
	}
}

// RootStrategy selects how the root file system is assembled. Exactly one
// strategy is active per boot.
type RootStrategy int

// Root assembly strategies.
const (
	StrategyPlain RootStrategy = iota
	StrategyLUKS
	StrategyLVM
	StrategyOverlay
	StrategyNetwork
)

func (s RootStrategy) String() string {
	switch s {
	case StrategyPlain:
		return "plain"
	case StrategyLUKS:
		return "luks"
	case StrategyLVM:
		return "lvm"
	case StrategyOverlay:
		return "overlay"
	case StrategyNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// NetworkSpec is the parsed ip= parameter. Parsing happens in the network
// stage via [ParseNetworkSpec] so that a malformed specifier fails that stage
// instead of being skipped silently.
type NetworkSpec struct {
	// DHCP requests dynamic configuration for Interface.
	DHCP bool

	// Interface is the interface to configure. Empty means the default
	// interface (eth0).
	Interface string

	// Static configuration, only valid if DHCP is false. ClientIP and
	// Netmask are in dotted form as passed on the command line.
	ClientIP string
	Gateway  string
	Netmask  string
	Hostname string
	Autoconf string
}

// LUKSSpec describes an encrypted device to unlock before the root can be
// mounted.
type LUKSSpec struct {
	// Device is the encrypted underlying device.
	Device DeviceSpec

	// Name is the device-mapper name the plaintext device appears under.
	Name string
}

// IsZero returns true if no LUKS parameters were given.
func (s LUKSSpec) IsZero() bool {
	return s.Device.IsZero()
}

// MapperPath returns the path of the plaintext device once unlocked.
func (s LUKSSpec) MapperPath() string {
	return "/dev/mapper/" + s.Name
}

// LVMSpec names the logical volume holding the root file system.
type LVMSpec struct {
	VolumeGroup   string
	LogicalVolume string
}

// IsZero returns true if no LVM parameters were given.
func (s LVMSpec) IsZero() bool {
	return s.VolumeGroup == "" || s.LogicalVolume == ""
}

// DevicePath returns the conventional device node of the logical volume.
func (s LVMSpec) DevicePath() string {
	return "/dev/" + s.VolumeGroup + "/" + s.LogicalVolume
}

// SquashfsSpec describes where the read-only squashfs image of an
// overlay-assembled root comes from.
type SquashfsSpec struct {
	// Source is the raw squashfs= value: a local file path, a device
	// specifier, an nfs:server:/export/path spec or an HTTP(S) URL.
	Source string
}

// IsZero returns true if no squashfs= parameter was given.
func (s SquashfsSpec) IsZero() bool {
	return s.Source == ""
}

// IsHTTP returns true if the image is fetched over HTTP(S).
func (s SquashfsSpec) IsHTTP() bool {
	return strings.HasPrefix(s.Source, "http://") ||
		strings.HasPrefix(s.Source, "https://")
}

// IsNFS returns true if the image lives on an NFS export.
func (s SquashfsSpec) IsNFS() bool {
	return strings.HasPrefix(s.Source, "nfs:")
}

// BootConfig is the parsed kernel command line. It is constructed once and
// never mutated afterwards; facts discovered during boot go into [BootState].
type BootConfig struct {
	// Root is the root device specifier from root=.
	Root DeviceSpec

	// RootFSType is the file system type from rootfstype=, "auto" if absent.
	RootFSType string

	// RootFlags are mount options from rootflags=.
	RootFlags string

	// ReadOnly mirrors ro/rw. The root is mounted read-only unless rw was
	// given.
	ReadOnly bool

	// Init is the init path from init=, [DefaultInitPath] if absent.
	Init string

	// RootDelay is the device wait timeout from rootdelay=, zero if unset.
	RootDelay time.Duration

	// RootWaitForever makes the device wait poll indefinitely (rootwait).
	RootWaitForever bool

	// BreakStages holds the checkpoint names from break= at which the
	// sequencer drops to a rescue shell even on success.
	BreakStages map[string]bool

	// Debug enables verbose tracing. It must not alter control flow.
	Debug bool

	// IP is the raw ip= value. It is parsed by the network stage.
	IP string

	// Squashfs, OverlaySize, Persistent and ToRAM configure the
	// squashfs+overlay strategy.
	Squashfs    SquashfsSpec
	OverlaySize int64
	Persistent  DeviceSpec
	ToRAM       bool

	// LUKS and LVM configure the encrypted and logical-volume strategies.
	LUKS LUKSSpec
	LVM  LVMSpec
}

// DeviceTimeout returns the effective device wait timeout.
func (c *BootConfig) DeviceTimeout() time.Duration {
	if c.RootDelay > 0 {
		return c.RootDelay
	}

	return DefaultDeviceTimeout
}

// BreakAt returns true if a rescue checkpoint was requested for the given
// stage name.
func (c *BootConfig) BreakAt(name string) bool {
	return c.BreakStages[name]
}

// NeedsNetwork returns true if the selected strategy requires the network
// stage to run.
func (c *BootConfig) NeedsNetwork() bool {
	if c.IP != "" {
		return true
	}

	if c.Root.Kind == SpecNFS {
		return true
	}

	return c.Squashfs.IsNFS() || c.Squashfs.IsHTTP()
}

// Strategy selects the single active root assembly strategy. The squashfs
// specifier takes precedence over root=, matching the documented grammar.
func (c *BootConfig) Strategy() RootStrategy {
	switch {
	case !c.Squashfs.IsZero():
		return StrategyOverlay
	case c.Root.Kind == SpecNFS:
		return StrategyNetwork
	case !c.LUKS.IsZero():
		return StrategyLUKS
	case !c.LVM.IsZero():
		return StrategyLVM
	default:
		return StrategyPlain
	}
}
