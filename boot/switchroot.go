// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// initFallbacks are tried in order on the new root when the configured init
// is absent.
var initFallbacks = []string{
	"/usr/lib/systemd/systemd",
	"/lib/systemd/systemd",
	"/sbin/init",
}

// ResolveInit returns the path (relative to the new root, absolute after
// chroot) of the init to execute. The configured path is tried first, then
// the conventional fallbacks. [ErrNoInitFound] is returned if none of them
// is an executable file.
func ResolveInit(newRoot, configured string) (string, error) {
	candidates := append([]string{configured}, initFallbacks...)

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}

		info, err := os.Stat(filepath.Join(newRoot, candidate))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		if info.Mode().Perm()&0o111 == 0 {
			continue
		}

		return candidate, nil
	}

	return "", fmt.Errorf("%w: tried %v", ErrNoInitFound, candidates)
}

// Handoff performs the terminal switch into the assembled root. See
// util-linux switch_root for the reference sequence.
type Handoff struct {
	Mounter Mounter
	NewRoot string

	// Seams for tests; nil means the real syscall.
	Chdir     func(path string) error
	Chroot    func(path string) error
	Exec      func(argv0 string, argv []string, envv []string) error
	DeleteOld func(fd int) error
}

// NewHandoff creates a [Handoff] using the real syscalls.
func NewHandoff(m Mounter) *Handoff {
	return &Handoff{Mounter: m, NewRoot: NewRootMountPoint}
}

func (h *Handoff) chdir(path string) error {
	if h.Chdir != nil {
		return h.Chdir(path)
	}

	return unix.Chdir(path)
}

func (h *Handoff) chroot(path string) error {
	if h.Chroot != nil {
		return h.Chroot(path)
	}

	return unix.Chroot(path)
}

func (h *Handoff) exec(argv0 string, argv []string, envv []string) error {
	if h.Exec != nil {
		return h.Exec(argv0, argv, envv)
	}

	return unix.Exec(argv0, argv, envv)
}

func (h *Handoff) deleteOld(fd int) error {
	if h.DeleteOld != nil {
		return h.DeleteOld(fd)
	}

	return deleteRecursive(fd)
}

// MoveMounts relocates every move-on-handoff mount into the new root, in the
// relative order they were originally mounted. Mounts are never unmounted
// here; unmounting would destroy in-flight state like device nodes and
// daemon runtime files.
func (h *Handoff) MoveMounts(plan *MountPlan) error {
	for _, entry := range plan.HandoffEntries() {
		target := filepath.Join(h.NewRoot, entry.Target)

		if err := os.MkdirAll(target, defaultDirMode); err != nil {
			return fmt.Errorf("mkdir %s: %w", target, err)
		}

		if err := h.Mounter.Move(entry.Target, target); err != nil {
			return err
		}
	}

	return nil
}

// Switch performs the non-returning handoff: it discards the initramfs
// contents, relocates the new root to / and executes the given init as the
// current process. The mounts must already have been moved via
// [Handoff.MoveMounts].
//
// On success this function never returns. If it does return, the process
// image could not be replaced and the error is unrecoverable.
func (h *Handoff) Switch(initPath string) error {
	if err := h.chdir(h.NewRoot); err != nil {
		return fmt.Errorf("chdir %s: %w", h.NewRoot, err)
	}

	// Keep a handle on the old root so its contents can be deleted after
	// the move.
	oldRoot, err := os.Open("/")
	if err != nil {
		return fmt.Errorf("open old root: %w", err)
	}
	defer oldRoot.Close()

	if err := h.Mounter.Move(".", "/"); err != nil {
		return err
	}

	if err := h.chroot("."); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}

	if err := h.chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	// Free the RAM held by the initramfs. Failure is not worth aborting the
	// boot for at this point.
	if err := h.deleteOld(int(oldRoot.Fd())); err != nil {
		log.Print("ERROR delete initramfs contents: ", err.Error())
	}

	if err := h.exec(initPath, []string{initPath}, os.Environ()); err != nil {
		return fmt.Errorf("%w: exec %s: %v", ErrSwitchReturned, initPath, err)
	}

	// The exec seam may legitimately return in tests. On a real boot the
	// process image was replaced and this line is unreachable.
	return nil
}

// deleteRecursive removes everything below the directory fd without crossing
// filesystem boundaries, so the moved mounts stay untouched.
func deleteRecursive(fd int) error {
	parentDev, err := fdDevice(fd)
	if err != nil {
		return err
	}

	// Read the listing on a duplicate so the caller keeps ownership of fd.
	dupFd, err := unix.Dup(fd)
	if err != nil {
		return fmt.Errorf("dup dir fd: %w", err)
	}

	dir := os.NewFile(uintptr(dupFd), "old root")

	names, err := dir.Readdirnames(-1)

	dir.Close()

	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}

	for _, name := range names {
		if err := deleteEntry(fd, parentDev, name); err != nil {
			return err
		}
	}

	return nil
}

func deleteEntry(parentFd int, parentDev uint64, name string) error {
	childFd, err := unix.Openat(parentFd, name, unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
	if err != nil {
		// Not a directory: plain unlink.
		if err := unix.Unlinkat(parentFd, name, 0); err != nil {
			return fmt.Errorf("unlink %s: %w", name, err)
		}

		return nil
	}
	defer unix.Close(childFd)

	childDev, err := fdDevice(childFd)
	if err != nil {
		return err
	}

	// A different device means a mount point that was moved away or is
	// still live. Leave it alone.
	if childDev != parentDev {
		return nil
	}

	if err := deleteRecursive(childFd); err != nil {
		return err
	}

	if err := unix.Unlinkat(parentFd, name, unix.AT_REMOVEDIR); err != nil {
		return fmt.Errorf("rmdir %s: %w", name, err)
	}

	return nil
}

func fdDevice(fd int) (uint64, error) {
	var stat unix.Stat_t

	if err := unix.Fstat(fd, &stat); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}

	//nolint:unconvert // Stat_t.Dev is 32 bit on some architectures.
	return uint64(stat.Dev), nil
}
