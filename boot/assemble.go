// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// Assembler produces a mounted root filesystem at [NewRootMountPoint],
// dispatching to exactly one strategy selected by the configuration.
//
// Assembly is split into two phases so the sequencer can report the
// RootAcquired and RootMounted stages separately: Acquire readies the root
// source (device resolution, LUKS unlock, LVM activation, image
// acquisition), MountRoot performs the final mounts.
type Assembler struct {
	Config     *BootConfig
	State      *BootState
	Mounter    Mounter
	Waiter     *Waiter
	Passphrase PassphraseReader
	Squashfs   *SquashfsAcquirer
	Overlay    *OverlayAssembler

	// Target overrides the root mount point, empty means
	// [NewRootMountPoint].
	Target string

	// ActivateLVM is a seam for tests; nil means [ActivateVolumeGroups].
	ActivateLVM func() error

	// Unlock is a seam for tests; nil means [UnlockLUKS].
	Unlock func(spec LUKSSpec, devicePath string, reader PassphraseReader) (string, error)
}

// NewAssembler wires an [Assembler] from real components.
func NewAssembler(cfg *BootConfig, state *BootState, m Mounter) *Assembler {
	waiter := NewWaiter(cfg)

	squashfs := NewSquashfsAcquirer(m, &state.Plan, waiter)
	squashfs.Cleanup = state.Cleanup

	return &Assembler{
		Config:     cfg,
		State:      state,
		Mounter:    m,
		Waiter:     waiter,
		Passphrase: ConsolePassphraseReader{},
		Squashfs:   squashfs,
		Overlay:    &OverlayAssembler{Mounter: m, Plan: &state.Plan},
	}
}

func (a *Assembler) activateLVM() error {
	if a.ActivateLVM != nil {
		return a.ActivateLVM()
	}

	return ActivateVolumeGroups()
}

func (a *Assembler) unlock(spec LUKSSpec, devicePath string) (string, error) {
	if a.Unlock != nil {
		return a.Unlock(spec, devicePath, a.Passphrase)
	}

	return UnlockLUKS(spec, devicePath, a.Passphrase)
}

// Acquire readies the root source for the selected strategy.
func (a *Assembler) Acquire(ctx context.Context) error {
	switch a.Config.Strategy() {
	case StrategyPlain:
		return a.acquirePlain()
	case StrategyLUKS:
		return a.acquireLUKS()
	case StrategyLVM:
		return a.acquireLVM()
	case StrategyOverlay:
		return a.acquireOverlay(ctx)
	case StrategyNetwork:
		// The export is mounted directly; the network stage already ran.
		return nil
	default:
		return fmt.Errorf("unknown root strategy")
	}
}

// MountRoot performs the final mounts of the selected strategy. Afterwards
// the root is ready at [NewRootMountPoint].
func (a *Assembler) MountRoot(ctx context.Context) error {
	switch a.Config.Strategy() {
	case StrategyPlain, StrategyLUKS, StrategyLVM:
		return a.mountBlockRoot()
	case StrategyOverlay:
		return a.mountOverlayRoot()
	case StrategyNetwork:
		return MountNFSRoot(a.Mounter, &a.State.Plan, a.Config.Root, a.Config.RootFlags, a.Target)
	default:
		return fmt.Errorf("unknown root strategy")
	}
}

func (a *Assembler) acquirePlain() error {
	resolved, err := a.Waiter.Resolve(a.Config.Root)
	if err != nil {
		return err
	}

	a.State.RootDevice = resolved.Path
	a.State.RootFSType = a.effectiveFSType(resolved.FSType)

	return nil
}

// acquireLUKS unlocks the encrypted device and chains into LVM or a plain
// mount using the mapped device as the new source.
func (a *Assembler) acquireLUKS() error {
	resolved, err := a.Waiter.Resolve(a.Config.LUKS.Device)
	if err != nil {
		return err
	}

	mapperPath, err := a.unlock(a.Config.LUKS, resolved.Path)
	if err != nil {
		return err
	}

	if !a.Config.LVM.IsZero() {
		return a.acquireLVM()
	}

	rootSpec := a.Config.Root
	if rootSpec.IsZero() || rootSpec == a.Config.LUKS.Device {
		rootSpec = DeviceSpec{Kind: SpecPath, Value: mapperPath}
	}

	mapped, err := a.Waiter.Resolve(rootSpec)
	if err != nil {
		return err
	}

	a.State.RootDevice = mapped.Path
	a.State.RootFSType = a.effectiveFSType(mapped.FSType)

	return nil
}

func (a *Assembler) acquireLVM() error {
	if err := a.activateLVM(); err != nil {
		return err
	}

	spec := DeviceSpec{Kind: SpecPath, Value: a.Config.LVM.DevicePath()}

	resolved, err := a.Waiter.Resolve(spec)
	if err != nil {
		return err
	}

	a.State.RootDevice = resolved.Path
	a.State.RootFSType = a.effectiveFSType(resolved.FSType)

	return nil
}

func (a *Assembler) acquireOverlay(ctx context.Context) error {
	image, err := a.Squashfs.Acquire(ctx, a.Config.Squashfs)
	if err != nil {
		return err
	}

	if a.Config.ToRAM {
		image, err = a.Squashfs.CopyToRAM(image)
		if err != nil {
			return err
		}
	}

	a.State.Image = image

	return nil
}

func (a *Assembler) mountBlockRoot() error {
	if a.State.RootFSType == "" {
		return fmt.Errorf("cannot determine filesystem type of %s", a.State.RootDevice)
	}

	var flags uintptr
	if a.Config.ReadOnly {
		flags |= unix.MS_RDONLY
	}

	target := a.Target
	if target == "" {
		target = NewRootMountPoint
	}

	entry := MountEntry{
		Target: target,
		FSType: a.State.RootFSType,
		Source: a.State.RootDevice,
		Flags:  flags,
		Data:   a.Config.RootFlags,
	}

	return a.State.Plan.Mount(a.Mounter, entry)
}

// mountOverlayRoot mounts the union: squashfs lower layer, writable upper
// layer, then the overlay itself. Failure at any sub-step is fatal for this
// strategy; there is no fallback to a plain root.
func (a *Assembler) mountOverlayRoot() error {
	lowerDir, err := a.Squashfs.MountLower(a.State.Image)
	if err != nil {
		return err
	}

	var persistentDevice string

	if !a.Config.Persistent.IsZero() {
		resolved, err := a.Waiter.Resolve(a.Config.Persistent)
		if err != nil {
			return err
		}

		persistentDevice = resolved.Path
	}

	upperDir, workDir, err := a.Overlay.PrepareUpper(a.Config, persistentDevice)
	if err != nil {
		return err
	}

	if a.Overlay.Target == "" {
		a.Overlay.Target = a.Target
	}

	return a.Overlay.MountUnion(lowerDir, upperDir, workDir)
}

// effectiveFSType prefers the configured rootfstype= over the probed one.
func (a *Assembler) effectiveFSType(probed string) string {
	if a.Config.RootFSType != "" && a.Config.RootFSType != "auto" {
		return a.Config.RootFSType
	}

	return probed
}
