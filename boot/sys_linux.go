// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SysMounter performs real mount syscalls.
type SysMounter struct{}

// Mount wraps mount(2).
func (SysMounter) Mount(source, target, fsType string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fsType, flags, data); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}

	return nil
}

// Move relocates an existing mount point without unmounting it.
func (SysMounter) Move(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("move %s to %s: %w", source, target, err)
	}

	return nil
}

// Unmount wraps umount2(2).
func (SysMounter) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}

	return nil
}

// IsPidOne returns true if the running process has PID 1.
func IsPidOne() bool {
	return unix.Getpid() == 1
}

// filesystemID returns the device ID the given path resides on. Two paths
// share a filesystem instance exactly if their IDs are equal.
func filesystemID(path string) (uint64, error) {
	var stat unix.Stat_t

	if err := unix.Stat(path, &stat); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	//nolint:unconvert // Stat_t.Dev is 32 bit on some architectures.
	return uint64(stat.Dev), nil
}
