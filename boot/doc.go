// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package boot implements the early-boot sequencer that runs as PID 1 inside
// an initramfs.
//
// The sequencer executes a strictly ordered pipeline of stages: mount the
// virtual file systems, parse the kernel command line, load kernel modules,
// optionally bring up the network, assemble the root file system and finally
// hand off to the real init via switch_root. Every stage reports failure with
// a structured reason; the sequencer is the sole decision point for whether a
// failure is fatal. All fatal paths end in an interactive rescue shell.
package boot
