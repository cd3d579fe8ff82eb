// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingRootSpecifier is returned by the command-line parser if
	// neither root= nor any alternative root source is given.
	ErrMissingRootSpecifier = errors.New("missing root specifier")

	// ErrUnlockFailed is returned after all LUKS passphrase attempts have
	// been used up. There is no further retry in this boot.
	ErrUnlockFailed = errors.New("luks unlock failed")

	// ErrNoInitFound is returned if no executable init exists on the
	// assembled root, neither configured nor any conventional fallback.
	ErrNoInitFound = errors.New("no usable init found on root")

	// ErrSwitchReturned is returned if the switch-root exec came back. The
	// process image was supposed to be replaced; a return is unrecoverable.
	ErrSwitchReturned = errors.New("switch_root exec returned")

	// ErrNotPidOne is returned if the sequencer is started by a process that
	// is not PID 1.
	ErrNotPidOne = errors.New("process does not have PID 1")

	// ErrMalformedNetworkSpec is returned for ip= values that do not match
	// the supported grammar. The network stage fails closed on it.
	ErrMalformedNetworkSpec = errors.New("malformed ip= specifier")
)

// DeviceNotFoundError is returned when a device specifier did not resolve
// within its wait timeout. It carries a snapshot of the block devices visible
// at the time of the failure for diagnostics.
type DeviceNotFoundError struct {
	Spec     DeviceSpec
	Snapshot []BlockDevice
}

func (e *DeviceNotFoundError) Error() string {
	names := make([]string, len(e.Snapshot))
	for idx, dev := range e.Snapshot {
		names[idx] = dev.Path
	}

	return fmt.Sprintf("DeviceNotFound: %s (visible block devices: %s)",
		e.Spec, strings.Join(names, " "))
}

// Is makes all DeviceNotFoundErrors match each other for [errors.Is].
func (*DeviceNotFoundError) Is(other error) bool {
	_, ok := other.(*DeviceNotFoundError)
	return ok
}

// StageError is the structured failure record a stage reports. The sequencer
// passes it to the rescue shell banner verbatim.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
