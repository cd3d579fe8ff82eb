// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"fmt"
	"os/exec"
)

// runLVM executes the lvm multicall binary. Seam for tests.
var runLVM = func(args ...string) error {
	cmd := exec.Command("lvm", args...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("lvm %s: %w: %s", args[0], err, out)
	}

	return nil
}

// ActivateVolumeGroups scans for volume groups and activates all logical
// volumes. The operation is idempotent; activating an already active group is
// a no-op, so chained strategies may call it again safely.
func ActivateVolumeGroups() error {
	if err := runLVM("vgscan", "--mknodes"); err != nil {
		return err
	}

	return runLVM("vgchange", "-ay")
}
