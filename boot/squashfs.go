// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/freddierice/go-losetup/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sys/unix"
)

const (
	runStateDir = "/run/initseq"

	// lowerMountPoint is where the read-only squashfs layer ends up.
	lowerMountPoint = "/run/rootfs/lower"

	// toramHeadroom is added on top of the image size when sizing the
	// RAM-backed copy target.
	toramHeadroom = int64(128 << 20)
)

// attachLoopDevice attaches the file read-only to a free loop device.
func attachLoopDevice(filePath string) (string, error) {
	device, err := losetup.Attach(filePath, 0, true)
	if err != nil {
		return "", fmt.Errorf("loop attach %s: %w", filePath, err)
	}

	return device.Path(), nil
}

// SquashfsImage is an acquired squashfs source, either a regular file that
// needs a loop device or a block device holding the image directly.
type SquashfsImage struct {
	Path   string
	IsFile bool
}

// SquashfsAcquirer turns a squashfs= specifier into a mounted read-only
// lower layer, dispatching on the acquisition sub-strategy (local path,
// block device, NFS export, HTTP fetch).
type SquashfsAcquirer struct {
	Mounter    Mounter
	Plan       *MountPlan
	Waiter     *Waiter
	HTTPClient *retryablehttp.Client

	// StateDir overrides the scratch directory for downloads and the NFS
	// and toram mount points.
	StateDir string

	// LowerDir overrides the lower layer mount point.
	LowerDir string

	// Cleanup registers a function to run right before handoff, once the
	// acquired image is no longer needed. Nil disables registration.
	Cleanup func(fn func() error)

	// LoopAttach is a seam for tests; nil attaches a real loop device.
	LoopAttach func(filePath string) (string, error)
}

func (a *SquashfsAcquirer) stateDir() string {
	if a.StateDir != "" {
		return a.StateDir
	}

	return runStateDir
}

func (a *SquashfsAcquirer) nfsMountPoint() string {
	return filepath.Join(a.stateDir(), "nfs")
}

func (a *SquashfsAcquirer) toramMountPoint() string {
	return filepath.Join(a.stateDir(), "toram")
}

func (a *SquashfsAcquirer) httpClient() *retryablehttp.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil

	return client
}

// NewSquashfsAcquirer creates an acquirer with a retrying HTTP client.
func NewSquashfsAcquirer(m Mounter, plan *MountPlan, waiter *Waiter) *SquashfsAcquirer {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil

	return &SquashfsAcquirer{
		Mounter:    m,
		Plan:       plan,
		Waiter:     waiter,
		HTTPClient: client,
	}
}

// Acquire fetches or resolves the image described by the spec.
func (a *SquashfsAcquirer) Acquire(ctx context.Context, spec SquashfsSpec) (SquashfsImage, error) {
	switch {
	case spec.IsHTTP():
		path, err := a.fetchHTTP(ctx, spec.Source)
		return SquashfsImage{Path: path, IsFile: true}, err
	case spec.IsNFS():
		path, err := a.mountNFSImage(strings.TrimPrefix(spec.Source, "nfs:"))
		return SquashfsImage{Path: path, IsFile: true}, err
	default:
		return a.resolveLocal(spec.Source)
	}
}

// resolveLocal handles plain paths and device specifiers. A regular file
// wins over device resolution so images shipped inside the initramfs do not
// hit the device wait.
func (a *SquashfsAcquirer) resolveLocal(source string) (SquashfsImage, error) {
	spec := ParseDeviceSpec(source)

	if spec.Kind == SpecPath {
		if info, err := os.Stat(spec.Value); err == nil && info.Mode().IsRegular() {
			return SquashfsImage{Path: spec.Value, IsFile: true}, nil
		}
	}

	resolved, err := a.Waiter.Resolve(spec)
	if err != nil {
		return SquashfsImage{}, err
	}

	return SquashfsImage{Path: resolved.Path}, nil
}

func (a *SquashfsAcquirer) fetchHTTP(ctx context.Context, url string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", url, err)
	}

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	if err := os.MkdirAll(a.stateDir(), defaultDirMode); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", a.stateDir(), err)
	}

	downloadPath := filepath.Join(a.stateDir(), "root.squashfs")

	target, err := os.Create(downloadPath)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", downloadPath, err)
	}
	defer target.Close()

	if _, err := io.Copy(target, resp.Body); err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}

	return downloadPath, nil
}

// mountNFSImage mounts the export holding the image read-only and returns
// the image path inside the mount. The spec format is server:/export/image.
func (a *SquashfsAcquirer) mountNFSImage(spec string) (string, error) {
	idx := strings.Index(spec, ":")
	if idx <= 0 || idx == len(spec)-1 {
		return "", fmt.Errorf("invalid nfs spec %q, expected server:/export/image", spec)
	}

	server, exportPath := spec[:idx], spec[idx+1:]
	exportDir, image := path.Dir(exportPath), path.Base(exportPath)

	options := "nolock,ro"
	if net.ParseIP(server) != nil {
		options += ",addr=" + server
	}

	entry := MountEntry{
		Target: a.nfsMountPoint(),
		FSType: "nfs",
		Source: server + ":" + exportDir,
		Flags:  unix.MS_RDONLY,
		Data:   options,
	}

	if err := a.Plan.Mount(a.Mounter, entry); err != nil {
		return "", err
	}

	return filepath.Join(a.nfsMountPoint(), image), nil
}

// CopyToRAM copies a file image into a freshly mounted tmpfs sized to the
// image plus fixed headroom, so the boot medium can be removed afterwards.
func (a *SquashfsAcquirer) CopyToRAM(image SquashfsImage) (SquashfsImage, error) {
	if !image.IsFile {
		return SquashfsImage{}, fmt.Errorf("toram: %s is not a file image", image.Path)
	}

	info, err := os.Stat(image.Path)
	if err != nil {
		return SquashfsImage{}, fmt.Errorf("stat %s: %w", image.Path, err)
	}

	entry := MountEntry{
		Target: a.toramMountPoint(),
		FSType: "tmpfs",
		Source: "toram",
		Data:   fmt.Sprintf("size=%d,mode=0755", info.Size()+toramHeadroom),
	}

	if err := a.Plan.Mount(a.Mounter, entry); err != nil {
		return SquashfsImage{}, err
	}

	target := filepath.Join(a.toramMountPoint(), filepath.Base(image.Path))

	if err := copyFile(image.Path, target); err != nil {
		return SquashfsImage{}, err
	}

	// The RAM copy is the root source now. An image served from an NFS
	// export keeps the boot medium busy until that mount goes away, which
	// is the whole point of toram, so schedule the unmount.
	if a.Cleanup != nil && strings.HasPrefix(image.Path, a.nfsMountPoint()+"/") {
		mountPoint := a.nfsMountPoint()
		a.Cleanup(func() error {
			return a.Mounter.Unmount(mountPoint)
		})
	}

	return SquashfsImage{Path: target, IsFile: true}, nil
}

// MountLower mounts the image read-only as the lower layer, attaching a loop
// device first for file images.
func (a *SquashfsAcquirer) MountLower(image SquashfsImage) (string, error) {
	devicePath := image.Path

	if image.IsFile {
		attach := a.LoopAttach
		if attach == nil {
			attach = attachLoopDevice
		}

		var err error

		devicePath, err = attach(image.Path)
		if err != nil {
			return "", err
		}
	}

	lowerDir := a.LowerDir
	if lowerDir == "" {
		lowerDir = lowerMountPoint
	}

	entry := MountEntry{
		Target: lowerDir,
		FSType: "squashfs",
		Source: devicePath,
		Flags:  unix.MS_RDONLY,
	}

	if err := a.Plan.Mount(a.Mounter, entry); err != nil {
		return "", err
	}

	return lowerDir, nil
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open %s: %w", source, err)
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", source, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}

	return nil
}
