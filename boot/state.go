// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"fmt"
	"log"
	"slices"
)

// BootState collects the facts discovered while booting. The configuration
// stays immutable; everything learned on the way (resolved devices, the
// chosen init path, mounted entries) lands here.
type BootState struct {
	// Stage is the sequencer's current position.
	Stage Stage

	// Plan records every mount performed so far, in order.
	Plan MountPlan

	// RootDevice is the block device the root was (or will be) mounted
	// from. Empty for network and overlay roots.
	RootDevice string

	// RootFSType is the effective root filesystem type.
	RootFSType string

	// Image is the acquired squashfs image for overlay roots.
	Image SquashfsImage

	// InitPath is the init resolved on the new root by the handoff.
	InitPath string

	cleanupFns []func() error
}

// Advance moves the state machine to the next stage. Illegal transitions
// indicate a sequencer bug and are returned as errors rather than silently
// recorded.
func (s *BootState) Advance(next Stage) error {
	if !s.Stage.CanTransition(next) {
		return fmt.Errorf("illegal stage transition %s -> %s", s.Stage, next)
	}

	s.Stage = next

	return nil
}

// Cleanup registers a function to run before handoff, in reverse
// registration order.
func (s *BootState) Cleanup(fn func() error) {
	s.cleanupFns = append(s.cleanupFns, fn)
}

// RunCleanup runs the registered cleanup functions. Errors are logged, not
// propagated; cleanup must never abort a boot this close to handoff.
func (s *BootState) RunCleanup() {
	fns := slices.Clone(s.cleanupFns)
	slices.Reverse(fns)

	for _, fn := range fns {
		if err := fn(); err != nil {
			log.Print("ERROR cleanup: ", err.Error())
		}
	}
}
