// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"fmt"
	"os"
	"path/filepath"
)

// upperMountPoint is the writable layer's own mount point. The upper and
// work directories are created as siblings below it.
const upperMountPoint = "/run/rootfs/overlay"

// DefaultOverlaySize sizes the tmpfs upper layer when overlay_size= is not
// given.
const DefaultOverlaySize = int64(512 << 20)

// OverlayAssembler builds the union root from a mounted read-only lower
// layer and a writable upper layer.
type OverlayAssembler struct {
	Mounter Mounter
	Plan    *MountPlan

	// Target overrides the union mount point, empty means
	// [NewRootMountPoint].
	Target string

	// UpperRoot overrides the writable layer's mount point.
	UpperRoot string

	// FilesystemID is a seam for tests; nil means the real stat-based check.
	FilesystemID func(path string) (uint64, error)
}

func (a *OverlayAssembler) fsID(path string) (uint64, error) {
	if a.FilesystemID != nil {
		return a.FilesystemID(path)
	}

	return filesystemID(path)
}

// PrepareUpper mounts the writable layer, either a tmpfs sized by
// overlay_size= or the persistent device, and creates the sibling upper and
// work directories on it. A stale work directory from a previous boot is
// cleared; the union mount requires it to be empty.
func (a *OverlayAssembler) PrepareUpper(cfg *BootConfig, persistentDevice string) (string, string, error) {
	upperRoot := a.UpperRoot
	if upperRoot == "" {
		upperRoot = upperMountPoint
	}

	entry := MountEntry{
		Target: upperRoot,
		FSType: "tmpfs",
		Source: "overlay-upper",
	}

	if persistentDevice != "" {
		entry.FSType = "auto"
		entry.Source = persistentDevice
	} else {
		size := cfg.OverlaySize
		if size == 0 {
			size = DefaultOverlaySize
		}

		entry.Data = fmt.Sprintf("size=%d,mode=0755", size)
	}

	if err := a.Plan.Mount(a.Mounter, entry); err != nil {
		return "", "", err
	}

	upperDir := filepath.Join(upperRoot, "upper")
	workDir := filepath.Join(upperRoot, "work")

	if err := os.MkdirAll(upperDir, defaultDirMode); err != nil {
		return "", "", fmt.Errorf("mkdir %s: %w", upperDir, err)
	}

	if err := os.RemoveAll(workDir); err != nil {
		return "", "", fmt.Errorf("clear stale %s: %w", workDir, err)
	}

	if err := os.MkdirAll(workDir, defaultDirMode); err != nil {
		return "", "", fmt.Errorf("mkdir %s: %w", workDir, err)
	}

	return upperDir, workDir, nil
}

// MountUnion mounts the overlay union at [NewRootMountPoint].
//
// The upper and work directories must live on the same filesystem instance.
// This is verified here, before the union mount is attempted, so the failure
// names the actual constraint instead of the mount primitive's generic
// error.
func (a *OverlayAssembler) MountUnion(lowerDir, upperDir, workDir string) error {
	upperID, err := a.fsID(upperDir)
	if err != nil {
		return err
	}

	workID, err := a.fsID(workDir)
	if err != nil {
		return err
	}

	if upperID != workID {
		return fmt.Errorf("upperdir %s and workdir %s are on different filesystems",
			upperDir, workDir)
	}

	target := a.Target
	if target == "" {
		target = NewRootMountPoint
	}

	entry := MountEntry{
		Target: target,
		FSType: "overlay",
		Source: "overlay",
		Data: fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
			lowerDir, upperDir, workDir),
	}

	return a.Plan.Mount(a.Mounter, entry)
}
