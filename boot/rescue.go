// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
)

// shellCandidates are probed in order for the rescue shell binary.
var shellCandidates = []string{
	"/bin/sh",
	"/bin/busybox",
	"/bin/bash",
}

// Rescue drops the boot into an interactive shell, either as a scheduled
// breakpoint or as the terminal failure path.
type Rescue struct {
	Console io.Writer

	// RunShell is a seam for tests; nil runs a real child shell on the
	// console.
	RunShell func() error
}

// NewRescue creates a [Rescue] writing to the process console.
func NewRescue() *Rescue {
	return &Rescue{Console: os.Stderr}
}

// Break runs a resumable shell for a scheduled break= checkpoint. When the
// shell exits, the boot continues with the next stage.
func (r *Rescue) Break(checkpoint string) error {
	fmt.Fprintf(r.Console, "\nbreakpoint %q reached, exit the shell to continue booting\n\n", checkpoint)

	return r.runShell()
}

// Fail enters the terminal rescue shell. The reason is printed so the
// operator knows what went wrong before poking around. The shell is
// respawned when it exits since there is nothing left to continue to.
//
// This function only returns if no shell could be started at all.
func (r *Rescue) Fail(reason error) error {
	fmt.Fprintf(r.Console, "\nboot failed: %v\n", reason)
	fmt.Fprint(r.Console, "entering rescue shell\n\n")

	for {
		if err := r.runShell(); err != nil {
			return fmt.Errorf("rescue shell: %w", err)
		}

		fmt.Fprint(r.Console, "\nrescue shell terminated, respawning\n\n")
	}
}

func (r *Rescue) runShell() error {
	if r.RunShell != nil {
		return r.RunShell()
	}

	shell, err := findShell()
	if err != nil {
		return err
	}

	cmd := exec.Command(shell)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "PS1=(rescue) # ")

	if err := cmd.Run(); err != nil {
		// A non-zero exit is the operator's business, not ours.
		if _, ok := err.(*exec.ExitError); ok {
			log.Print("INFO rescue shell exited: ", err.Error())

			return nil
		}

		return fmt.Errorf("run %s: %w", shell, err)
	}

	return nil
}

func findShell() (string, error) {
	for _, candidate := range shellCandidates {
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no shell found, tried %v", shellCandidates)
}
