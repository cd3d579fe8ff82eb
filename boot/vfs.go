// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"
)

const defaultDirMode = 0o755

// NewRootMountPoint is the fixed conventional path every root assembly
// strategy mounts the final root at. The handoff controller relies on it.
const NewRootMountPoint = "/sysroot"

// RunInitramfsDir is created under /run per the systemd initrd interface so
// the new root can tell it was booted from an initramfs.
const RunInitramfsDir = "/run/initramfs"

// Mounter abstracts the mount related syscalls so the plan and the handoff
// can be exercised without a mount namespace of their own.
type Mounter interface {
	Mount(source, target, fsType string, flags uintptr, data string) error
	Move(source, target string) error
	Unmount(target string) error
}

// MountEntry is a single operation of a [MountPlan].
type MountEntry struct {
	Target string
	FSType string
	Source string
	Flags  uintptr
	Data   string

	// MoveOnHandoff marks the mount to be moved (never unmounted) into the
	// new root by the handoff controller, in the order it was mounted.
	MoveOnHandoff bool

	// MayFail marks optional mounts whose failure only produces a warning.
	MayFail bool
}

// MountPlan is the ordered sequence of mount operations performed during
// boot. The virtual file system entries are fixed; root strategies append
// their own entries as they mount.
type MountPlan struct {
	mounted []MountEntry
}

// BaseEntries returns the mandatory virtual file system mounts in their fixed
// order. The order is load-bearing: /proc must exist before the command line
// can be read and /run must exist with these exact options before any root is
// assembled.
func BaseEntries() []MountEntry {
	return []MountEntry{
		{
			Target:        "/dev",
			FSType:        "devtmpfs",
			Source:        "dev",
			Flags:         unix.MS_NOSUID,
			Data:          "mode=0755",
			MoveOnHandoff: true,
		},
		{
			Target:        "/proc",
			FSType:        "proc",
			Source:        "proc",
			Flags:         unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV,
			MoveOnHandoff: true,
		},
		{
			Target:        "/sys",
			FSType:        "sysfs",
			Source:        "sys",
			Flags:         unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV,
			MoveOnHandoff: true,
		},
		{
			Target:        "/run",
			FSType:        "tmpfs",
			Source:        "run",
			Flags:         unix.MS_NODEV | unix.MS_NOSUID | unix.MS_STRICTATIME,
			Data:          "mode=0755",
			MoveOnHandoff: true,
		},
	}
}

// ExtraEntries returns additional virtual file systems that are useful but
// not required for boot. All of them may fail.
func ExtraEntries() []MountEntry {
	return []MountEntry{
		{Target: "/dev/pts", FSType: "devpts", Source: "devpts", MayFail: true},
		{Target: "/dev/shm", FSType: "tmpfs", Source: "shm", MayFail: true},
		{Target: "/dev/mqueue", FSType: "mqueue", Source: "mqueue", MayFail: true},
		{Target: "/tmp", FSType: "tmpfs", Source: "tmp", MayFail: true},
	}
}

// Mount performs a single entry via the given [Mounter] and records it in the
// plan on success. The target directory is created if needed.
func (p *MountPlan) Mount(m Mounter, entry MountEntry) error {
	if err := os.MkdirAll(entry.Target, defaultDirMode); err != nil {
		return fmt.Errorf("mkdir %s: %w", entry.Target, err)
	}

	err := m.Mount(entry.Source, entry.Target, entry.FSType, entry.Flags, entry.Data)
	if err != nil {
		return fmt.Errorf("mount %s: %w", entry.Target, err)
	}

	p.mounted = append(p.mounted, entry)

	return nil
}

// MountAll mounts the given entries in order. Mandatory entries get a single
// attempt each; their failure is fatal and not retryable. MayFail entries
// only log a warning.
func (p *MountPlan) MountAll(m Mounter, entries []MountEntry) error {
	for _, entry := range entries {
		if err := p.Mount(m, entry); err != nil {
			if entry.MayFail {
				log.Print("INFO optional mount failed: ", err.Error())
				continue
			}

			return err
		}
	}

	return nil
}

// Mounted returns the entries mounted so far in mount order.
func (p *MountPlan) Mounted() []MountEntry {
	return p.mounted
}

// HandoffEntries returns the mounted entries marked move-on-handoff, in the
// relative order they were mounted.
func (p *MountPlan) HandoffEntries() []MountEntry {
	var entries []MountEntry

	for _, entry := range p.mounted {
		if entry.MoveOnHandoff {
			entries = append(entries, entry)
		}
	}

	return entries
}

// MountVirtualFS is the virtual file system stage: it performs the mandatory
// mounts in fixed order, the optional extras, and creates bookkeeping
// directories under /run.
func MountVirtualFS(m Mounter, plan *MountPlan) error {
	if err := plan.MountAll(m, BaseEntries()); err != nil {
		return err
	}

	if err := plan.MountAll(m, ExtraEntries()); err != nil {
		return err
	}

	if err := os.MkdirAll(RunInitramfsDir, defaultDirMode); err != nil {
		return fmt.Errorf("mkdir %s: %w", RunInitramfsDir, err)
	}

	createDevSymlinks()

	return nil
}

// devSymlinks are the conventional process fd links expected by shells and
// early userspace tools.
var devSymlinks = map[string]string{
	"/dev/fd":     "/proc/self/fd",
	"/dev/stdin":  "/proc/self/fd/0",
	"/dev/stdout": "/proc/self/fd/1",
	"/dev/stderr": "/proc/self/fd/2",
}

// createDevSymlinks is best effort. devtmpfs may already provide some of the
// links.
func createDevSymlinks() {
	for link, target := range devSymlinks {
		err := os.Symlink(target, link)
		if err != nil && !os.IsExist(err) {
			log.Print("INFO create symlink failed: ", err.Error())
		}
	}
}
