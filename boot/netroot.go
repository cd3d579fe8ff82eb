// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

// MountNFSRoot mounts the export named by a root=nfs:server:/path specifier
// read-only at the target, [NewRootMountPoint] if empty. Unlike general
// network setup, a missing network here is fatal; there is nothing to fall
// back to.
func MountNFSRoot(m Mounter, plan *MountPlan, spec DeviceSpec, rootFlags, target string) error {
	if spec.Kind != SpecNFS {
		return fmt.Errorf("%s: not an nfs root specifier", spec)
	}

	if target == "" {
		target = NewRootMountPoint
	}

	idx := strings.Index(spec.Value, ":")
	if idx <= 0 || idx == len(spec.Value)-1 {
		return fmt.Errorf("invalid nfs root %q, expected server:/path", spec.Value)
	}

	server := spec.Value[:idx]

	options := "nolock,ro"
	if net.ParseIP(server) != nil {
		options += ",addr=" + server
	}

	if rootFlags != "" {
		options += "," + rootFlags
	}

	entry := MountEntry{
		Target: target,
		FSType: "nfs",
		Source: spec.Value,
		Flags:  unix.MS_RDONLY,
		Data:   options,
	}

	return plan.Mount(m, entry)
}
