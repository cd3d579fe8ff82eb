// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package validate checks initramfs archives for the properties the boot
// depends on before the kernel ever unpacks them.
package validate

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/initseq/initseq/internal/cpiofs"
)

var (
	ErrMissingEntry  = errors.New("required entry missing")
	ErrWrongType     = errors.New("entry has wrong type")
	ErrNotExecutable = errors.New("entry is not executable")
	ErrOrphanEntry   = errors.New("entry precedes its parent directory")
	ErrDuplicate     = errors.New("duplicate entry")
	ErrUnsafeName    = errors.New("unsafe entry name")
)

// Archive checks the entries of an initramfs archive and returns every
// violation found, not just the first one.
//
// Required are an executable /init and the console and null device nodes,
// since the kernel opens the console before running init and a rescue shell
// is useless without it. Entries must also be listed parent first; the
// kernel creates files in archive order and cannot create a file in a
// directory it has not seen yet.
func Archive(entries []cpiofs.Entry) []error {
	var errs []error

	seen := make(map[string]cpiofs.Entry, len(entries))

	for _, entry := range entries {
		name := entry.CleanName()

		if name == "" || name == "." {
			continue
		}

		if unsafeName(name) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnsafeName, entry.Name))

			continue
		}

		if _, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicate, name))
		}

		if parent := path.Dir(name); parent != "." {
			parentEntry, ok := seen[parent]
			if !ok {
				errs = append(errs, fmt.Errorf("%w: %q", ErrOrphanEntry, name))
			} else if !parentEntry.IsDir() {
				errs = append(errs, fmt.Errorf("%w: parent of %q is not a directory", ErrWrongType, name))
			}
		}

		seen[name] = entry
	}

	errs = append(errs, checkInit(seen)...)
	errs = append(errs, checkCharDevice(seen, "dev/console")...)
	errs = append(errs, checkCharDevice(seen, "dev/null")...)

	return errs
}

func checkInit(seen map[string]cpiofs.Entry) []error {
	entry, ok := seen["init"]
	if !ok {
		return []error{fmt.Errorf("%w: /init", ErrMissingEntry)}
	}

	var errs []error

	// A symlinked init is fine, the kernel follows it.
	if !entry.IsRegular() && entry.Linkname == "" {
		errs = append(errs, fmt.Errorf("%w: /init is not a regular file", ErrWrongType))
	}

	if entry.IsRegular() && !entry.Executable() {
		errs = append(errs, fmt.Errorf("%w: /init", ErrNotExecutable))
	}

	return errs
}

func checkCharDevice(seen map[string]cpiofs.Entry, name string) []error {
	entry, ok := seen[name]
	if !ok {
		return []error{fmt.Errorf("%w: /%s", ErrMissingEntry, name)}
	}

	if !entry.IsCharDevice() {
		return []error{fmt.Errorf("%w: /%s is not a character device", ErrWrongType, name)}
	}

	return nil
}

func unsafeName(name string) bool {
	if strings.HasPrefix(name, "../") || name == ".." {
		return true
	}

	return path.Clean(name) != name
}
