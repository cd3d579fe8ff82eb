// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/siderolabs/go-procfs/procfs"
)

const procCmdlinePath = "/proc/cmdline"

// ReadProcCmdline reads the kernel command line. It requires /proc to be
// mounted, so the virtual file system stage must have run before.
func ReadProcCmdline() (string, error) {
	raw, err := os.ReadFile(procCmdlinePath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", procCmdlinePath, err)
	}

	return strings.TrimSpace(string(raw)), nil
}

// ParseCmdline parses a raw kernel command line into a [BootConfig].
//
// Unknown tokens are ignored since the kernel and other consumers pass
// parameters unrelated to early boot. The absence of root= without any
// alternative root source is a fatal configuration error.
func ParseCmdline(raw string) (*BootConfig, error) {
	cmdline := procfs.NewCmdline(strings.TrimSpace(raw))

	cfg := &BootConfig{
		RootFSType:  "auto",
		ReadOnly:    true,
		Init:        DefaultInitPath,
		BreakStages: map[string]bool{},
	}

	cfg.Root = ParseDeviceSpec(value(cmdline, "root"))

	if v := value(cmdline, "rootfstype"); v != "" {
		cfg.RootFSType = v
	}

	cfg.RootFlags = value(cmdline, "rootflags")

	// ro is the default; the last of ro/rw would win on a real kernel, but
	// passing both is undefined enough that presence of rw wins here.
	if present(cmdline, "rw") {
		cfg.ReadOnly = false
	}

	if v := value(cmdline, "rootdelay"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("invalid rootdelay=%s", v)
		}

		cfg.RootDelay = time.Duration(secs) * time.Second
	}

	cfg.RootWaitForever = present(cmdline, "rootwait")

	if v := value(cmdline, "init"); v != "" {
		cfg.Init = v
	}

	for _, name := range strings.Split(value(cmdline, "break"), ",") {
		if name != "" {
			cfg.BreakStages[name] = true
		}
	}

	cfg.Debug = present(cmdline, "debug")
	cfg.IP = value(cmdline, "ip")

	cfg.Squashfs = SquashfsSpec{Source: value(cmdline, "squashfs")}

	if v := value(cmdline, "overlay_size"); v != "" {
		size, err := parseSize(v)
		if err != nil {
			return nil, fmt.Errorf("invalid overlay_size=%s: %w", v, err)
		}

		cfg.OverlaySize = size
	}

	cfg.Persistent = ParseDeviceSpec(value(cmdline, "persistent"))
	cfg.ToRAM = present(cmdline, "toram")

	luks, err := parseLUKS(cmdline)
	if err != nil {
		return nil, err
	}

	cfg.LUKS = luks

	cfg.LVM = LVMSpec{
		VolumeGroup:   value(cmdline, "rd.lvm.vg"),
		LogicalVolume: value(cmdline, "rd.lvm.lv"),
	}

	if cfg.Root.IsZero() && cfg.Squashfs.IsZero() {
		return nil, ErrMissingRootSpecifier
	}

	return cfg, nil
}

// parseLUKS handles both the rd.luks.uuid= and cryptdevice= grammars. The
// cryptdevice format is spec:mapper-name where spec may be UUID= or a raw
// path.
func parseLUKS(cmdline *procfs.Cmdline) (LUKSSpec, error) {
	if v := value(cmdline, "rd.luks.uuid"); v != "" {
		return LUKSSpec{
			Device: DeviceSpec{Kind: SpecUUID, Value: v},
			Name:   "luks-" + v,
		}, nil
	}

	v := value(cmdline, "cryptdevice")
	if v == "" {
		return LUKSSpec{}, nil
	}

	idx := strings.LastIndex(v, ":")
	if idx <= 0 || idx == len(v)-1 {
		return LUKSSpec{}, fmt.Errorf(
			"invalid cryptdevice=%s, expected spec:mapper-name", v)
	}

	return LUKSSpec{
		Device: ParseDeviceSpec(v[:idx]),
		Name:   v[idx+1:],
	}, nil
}

// parseSize parses sizes like 512M or 2G into bytes. A bare number is taken
// as bytes.
func parseSize(s string) (int64, error) {
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "T"):
		multiplier = 1 << 40
	}

	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size: %w", err)
	}

	if num < 0 {
		return 0, fmt.Errorf("negative size")
	}

	return num * multiplier, nil
}

func value(cmdline *procfs.Cmdline, key string) string {
	param := cmdline.Get(key)
	if param == nil {
		return ""
	}

	if first := param.First(); first != nil {
		return *first
	}

	return ""
}

func present(cmdline *procfs.Cmdline, key string) bool {
	return cmdline.Get(key) != nil
}
