// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cpiofs reads newc cpio archives, the format the kernel unpacks
// initramfs images from.
package cpiofs

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cavaliergopher/cpio"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ErrUnknownFormat is returned when the input is neither a newc archive nor
// a compressed stream in a supported format.
var ErrUnknownFormat = errors.New("unknown archive format")

// Entry is one archive member, in archive order.
type Entry struct {
	Name     string
	Mode     cpio.FileMode
	Size     int64
	Linkname string
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Mode.IsDir()
}

// IsRegular reports whether the entry is a regular file.
func (e Entry) IsRegular() bool {
	return e.Mode.IsRegular()
}

// IsCharDevice reports whether the entry is a character device node.
func (e Entry) IsCharDevice() bool {
	return e.Mode&cpio.ModeType == cpio.TypeChar
}

// Executable reports whether any execute bit is set.
func (e Entry) Executable() bool {
	return e.Mode&0o111 != 0
}

// CleanName returns the entry name without the leading "/" or "./" some
// archive builders emit, so lookups are uniform.
func (e Entry) CleanName() string {
	name := strings.TrimPrefix(e.Name, "./")

	return strings.TrimPrefix(name, "/")
}

// Magic numbers of the compressed stream formats the kernel can unpack and
// that are supported here.
var (
	magicGZIP = []byte{0x1f, 0x8b}
	magicXZ   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZSTD = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicNewc = []byte("070701")
)

// List reads all entry headers of the archive in order. The input may be
// plain newc or compressed with gzip, xz or zstd.
func List(r io.Reader) ([]Entry, error) {
	decompressed, err := decompress(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}

	if closer, ok := decompressed.(io.Closer); ok {
		defer closer.Close()
	}

	reader := cpio.NewReader(decompressed)

	var entries []Entry

	for {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}

		if err != nil {
			return nil, fmt.Errorf("read entry %d: %w", len(entries), err)
		}

		entries = append(entries, Entry{
			Name:     hdr.Name,
			Mode:     hdr.Mode,
			Size:     hdr.Size,
			Linkname: hdr.Linkname,
		})
	}
}

func decompress(r *bufio.Reader) (io.Reader, error) {
	magic, err := r.Peek(len(magicXZ))
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}

	switch {
	case bytes.HasPrefix(magic, magicNewc):
		return r, nil
	case bytes.HasPrefix(magic, magicGZIP):
		reader, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}

		return reader, nil
	case bytes.HasPrefix(magic, magicXZ):
		reader, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("xz: %w", err)
		}

		return reader, nil
	case bytes.HasPrefix(magic, magicZSTD):
		reader, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}

		return reader.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: magic %x", ErrUnknownFormat, magic)
	}
}
