// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Early userspace init. Run as PID 1 from an initramfs, it assembles the
// root filesystem described on the kernel command line and hands control
// over to the real init on it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/siderolabs/go-kmsg"
	"golang.org/x/sys/unix"

	"github.com/initseq/initseq/boot"
)

func run() error {
	if !boot.IsPidOne() {
		return boot.ErrNotPidOne
	}

	log.SetFlags(0)

	sequencer := boot.NewSequencer()
	sequencer.OnVirtFSMounted = attachKernelLog

	return sequencer.Run(context.Background())
}

// attachKernelLog redirects the log package to the kernel ring buffer.
// Needs /dev mounted, so it runs after the virtual file system stage.
func attachKernelLog() {
	f, err := os.OpenFile("/dev/kmsg", os.O_WRONLY|unix.O_CLOEXEC|unix.O_NONBLOCK|unix.O_NOCTTY, 0o600)
	if err != nil {
		// Stay on stderr, the console is better than nothing.
		log.Print("INFO open /dev/kmsg: ", err.Error())

		return
	}

	log.SetOutput(&kmsg.Writer{KmsgWriter: f})
	log.SetPrefix("initseq: ")
}

func main() {
	err := run()
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	if errors.Is(err, boot.ErrNotPidOne) {
		os.Exit(127)
	}

	// PID 1 exiting panics the kernel with a far less useful message than
	// the one printed above, so hang instead.
	select {}
}
