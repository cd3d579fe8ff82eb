// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// initramfs-check validates a built initramfs image before it ships: the
// entries the boot depends on must exist, with the right types, in an order
// the kernel can unpack.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/initseq/initseq/internal/cpiofs"
	"github.com/initseq/initseq/internal/validate"
)

func run(args []string) error {
	flags := flag.NewFlagSet("initramfs-check", flag.ContinueOnError)
	quiet := flags.Bool("quiet", false, "suppress the per-entry listing")

	if err := flags.Parse(args); err != nil {
		return err
	}

	if flags.NArg() != 1 {
		return fmt.Errorf("usage: initramfs-check [-quiet] <image>")
	}

	file, err := os.Open(flags.Arg(0))
	if err != nil {
		return err
	}
	defer file.Close()

	entries, err := cpiofs.List(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", flags.Arg(0), err)
	}

	if !*quiet {
		for _, entry := range entries {
			fmt.Printf("%s\t%d\t%s\n", entry.Mode, entry.Size, entry.Name)
		}
	}

	findings := validate.Archive(entries)
	for _, finding := range findings {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", finding)
	}

	if len(findings) > 0 {
		return fmt.Errorf("%d problem(s) found", len(findings))
	}

	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
