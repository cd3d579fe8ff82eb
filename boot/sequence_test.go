// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/initseq/initseq/boot"
)

// bootHarness wires a [boot.Sequencer] with every syscall-adjacent part
// replaced, so full boots run as plain unit tests.
type bootHarness struct {
	sequencer *boot.Sequencer
	mounter   *recordingMounter
	console   *bytes.Buffer
	newRoot   string
	stateDir  string

	execed      []string
	shellRuns   int
	networkRuns int
}

func newBootHarness(t *testing.T, cmdline string, devices []boot.BlockDevice) *bootHarness {
	t.Helper()

	h := &bootHarness{
		mounter:  &recordingMounter{},
		console:  &bytes.Buffer{},
		newRoot:  t.TempDir(),
		stateDir: t.TempDir(),
	}

	writeFile(t, h.newRoot, "sbin/init", 0o755)

	rootTarget := filepath.Join(t.TempDir(), "sysroot")
	upperRoot := t.TempDir()
	lowerDir := filepath.Join(t.TempDir(), "lower")

	h.sequencer = &boot.Sequencer{
		Mounter: h.mounter,
		State:   &boot.BootState{},
		Rescue: &boot.Rescue{
			Console: h.console,
			RunShell: func() error {
				h.shellRuns++

				return errors.New("no shell in tests")
			},
		},
		MountVFS: func(m boot.Mounter, plan *boot.MountPlan) error {
			return plan.MountAll(m, boot.BaseEntries())
		},
		ReadCmdline:    func() (string, error) { return cmdline, nil },
		LoadKernelMods: func() error { return nil },
		ConfigureNetwork: func(context.Context, string) error {
			h.networkRuns++

			return nil
		},
		NewAssembler: func(cfg *boot.BootConfig, state *boot.BootState, m boot.Mounter) *boot.Assembler {
			waiter := &boot.Waiter{
				Prober:   &scriptedProber{script: [][]boot.BlockDevice{devices}},
				Clock:    &instantClock{Clock: clock.New()},
				Interval: time.Second,
				Timeout:  cfg.DeviceTimeout(),
				Forever:  cfg.RootWaitForever,
			}

			squashfs := &boot.SquashfsAcquirer{
				Mounter:    m,
				Plan:       &state.Plan,
				Waiter:     waiter,
				StateDir:   h.stateDir,
				LowerDir:   lowerDir,
				Cleanup:    state.Cleanup,
				LoopAttach: func(string) (string, error) { return "/dev/loop7", nil },
			}

			overlay := &boot.OverlayAssembler{
				Mounter:      m,
				Plan:         &state.Plan,
				UpperRoot:    upperRoot,
				FilesystemID: func(string) (uint64, error) { return 1, nil },
			}

			return &boot.Assembler{
				Config:     cfg,
				State:      state,
				Mounter:    m,
				Waiter:     waiter,
				Passphrase: fixedPassphraseReader{},
				Squashfs:   squashfs,
				Overlay:    overlay,
				Target:     rootTarget,
			}
		},
		NewHandoff: func(m boot.Mounter) *boot.Handoff {
			return &boot.Handoff{
				Mounter:   m,
				NewRoot:   h.newRoot,
				Chdir:     func(string) error { return nil },
				Chroot:    func(string) error { return nil },
				DeleteOld: func(int) error { return nil },
				Exec: func(argv0 string, _ []string, _ []string) error {
					h.execed = append(h.execed, argv0)

					return nil
				},
			}
		},
	}

	return h
}

func (h *bootHarness) rootMounts(fsType string) []mountCall {
	var calls []mountCall

	for _, call := range h.mounter.calls {
		if call.op == "mount" && call.fsType == fsType {
			calls = append(calls, call)
		}
	}

	return calls
}

func TestSequencerPlainRoot(t *testing.T) {
	h := newBootHarness(t,
		"root=UUID=1111 rootfstype=ext4 ro quiet",
		[]boot.BlockDevice{{Path: "/dev/vda1", FSType: "ext4", UUID: "1111"}},
	)

	err := h.sequencer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, boot.StageSwitchedRoot, h.sequencer.State.Stage)
	assert.Equal(t, []string{"/sbin/init"}, h.execed)
	assert.Zero(t, h.shellRuns)
	assert.Zero(t, h.networkRuns)

	roots := h.rootMounts("ext4")
	require.Len(t, roots, 1)
	assert.Equal(t, "/dev/vda1", roots[0].source)
	assert.NotZero(t, roots[0].flags&unix.MS_RDONLY)

	// All virtual file systems were moved into the new root before exec.
	moves := h.mounter.targets("move")
	require.Len(t, moves, 5)
	assert.Equal(t, filepath.Join(h.newRoot, "dev"), moves[0])
	assert.Equal(t, "/", moves[4])
	assert.Empty(t, h.mounter.targets("unmount"))
}

func TestSequencerSquashfsOverlay(t *testing.T) {
	image := filepath.Join(t.TempDir(), "root.squashfs")
	require.NoError(t, os.WriteFile(image, []byte("squashfs"), 0o644))

	h := newBootHarness(t,
		fmt.Sprintf("squashfs=%s overlay_size=2G", image),
		nil,
	)

	err := h.sequencer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, boot.StageSwitchedRoot, h.sequencer.State.Stage)

	squashMounts := h.rootMounts("squashfs")
	require.Len(t, squashMounts, 1)
	assert.Equal(t, "/dev/loop7", squashMounts[0].source)

	var upperMounts []mountCall

	for _, call := range h.mounter.calls {
		if call.source == "overlay-upper" {
			upperMounts = append(upperMounts, call)
		}
	}

	require.Len(t, upperMounts, 1)
	assert.Equal(t, "tmpfs", upperMounts[0].fsType)
	assert.Equal(t, fmt.Sprintf("size=%d,mode=0755", int64(2<<30)), upperMounts[0].data)

	overlayMounts := h.rootMounts("overlay")
	require.Len(t, overlayMounts, 1)
	assert.Contains(t, overlayMounts[0].data, "lowerdir=")
	assert.Contains(t, overlayMounts[0].data, "upperdir=")
	assert.Contains(t, overlayMounts[0].data, "workdir=")
}

func TestSequencerMissingDeviceEntersRescue(t *testing.T) {
	h := newBootHarness(t,
		"root=UUID=not-there",
		[]boot.BlockDevice{{Path: "/dev/vda1", FSType: "ext4", UUID: "1111"}},
	)

	err := h.sequencer.Run(context.Background())
	require.Error(t, err)

	var stageErr *boot.StageError
	require.ErrorAs(t, err, &stageErr)

	assert.Equal(t, boot.StageRootAcquired, stageErr.Stage)
	assert.Equal(t, boot.StageRescueShell, h.sequencer.State.Stage)
	assert.Positive(t, h.shellRuns)
	assert.Empty(t, h.execed)

	banner := h.console.String()
	assert.Contains(t, banner, "boot failed")
	assert.Contains(t, banner, "DeviceNotFound")
	assert.Contains(t, banner, "/dev/vda1")
}

func TestSequencerMissingRootEntersRescue(t *testing.T) {
	h := newBootHarness(t, "quiet splash", nil)

	err := h.sequencer.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, boot.ErrMissingRootSpecifier)

	var stageErr *boot.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, boot.StageCmdlineParsed, stageErr.Stage)
}

func TestSequencerMalformedNetworkSpecFailsNetworkStage(t *testing.T) {
	h := newBootHarness(t,
		"root=nfs:10.0.0.1:/export/root ip=:::::bad",
		nil,
	)

	h.sequencer.ConfigureNetwork = func(ctx context.Context, ipSpec string) error {
		return boot.ConfigureNetwork(ctx, ipSpec)
	}

	err := h.sequencer.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, boot.ErrMalformedNetworkSpec)

	var stageErr *boot.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, boot.StageNetworkReady, stageErr.Stage)
}

func TestSequencerNFSRootWaitsForNetwork(t *testing.T) {
	h := newBootHarness(t, "root=nfs:10.0.0.1:/export/root ip=dhcp", nil)

	err := h.sequencer.Run(context.Background())
	require.NoError(t, err)

	// The network is required for an NFS root, so it was configured
	// synchronously before root acquisition.
	assert.Equal(t, 1, h.networkRuns)
	assert.Equal(t, boot.StageSwitchedRoot, h.sequencer.State.Stage)

	nfsMounts := h.rootMounts("nfs")
	require.Len(t, nfsMounts, 1)
	assert.Equal(t, "10.0.0.1:/export/root", nfsMounts[0].source)
	assert.Contains(t, nfsMounts[0].data, "nolock")
	assert.Contains(t, nfsMounts[0].data, "addr=10.0.0.1")
}

func TestSequencerBackgroundNetworkFailureDoesNotBlockBoot(t *testing.T) {
	h := newBootHarness(t,
		"root=UUID=1111 ip=dhcp",
		[]boot.BlockDevice{{Path: "/dev/vda1", FSType: "ext4", UUID: "1111"}},
	)

	h.sequencer.StartNetwork = func(ctx context.Context, _ string) *boot.NetworkTask {
		return boot.NewNetworkTask(ctx, func(context.Context) error {
			return errors.New("dhcp failed")
		})
	}

	// The root is a plain block device; the network is best effort and its
	// failure must not stop the handoff.
	err := h.sequencer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, boot.StageSwitchedRoot, h.sequencer.State.Stage)
	assert.Equal(t, []string{"/sbin/init"}, h.execed)
	assert.Zero(t, h.networkRuns)
}

func TestSequencerBreakpointRunsShell(t *testing.T) {
	h := newBootHarness(t,
		"root=UUID=1111 break=mount",
		[]boot.BlockDevice{{Path: "/dev/vda1", FSType: "ext4", UUID: "1111"}},
	)

	var breakRan bool
	h.sequencer.Rescue.RunShell = func() error {
		breakRan = true

		return nil
	}

	err := h.sequencer.Run(context.Background())
	require.NoError(t, err)

	// The breakpoint shell ran and the boot continued afterwards.
	assert.True(t, breakRan)
	assert.Equal(t, boot.StageSwitchedRoot, h.sequencer.State.Stage)
	assert.Contains(t, h.console.String(), `breakpoint "mount"`)
}

func TestSequencerToramReleasesImageSource(t *testing.T) {
	h := newBootHarness(t, "squashfs=nfs:10.0.0.1:/export/root.squashfs toram", nil)

	// The export content as it appears once the image mount is in place.
	nfsDir := filepath.Join(h.stateDir, "nfs")
	require.NoError(t, os.MkdirAll(nfsDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(nfsDir, "root.squashfs"), []byte("squashfs"), 0o644))

	err := h.sequencer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, boot.StageSwitchedRoot, h.sequencer.State.Stage)

	// An NFS image source makes the network mandatory.
	assert.Equal(t, 1, h.networkRuns)

	// The RAM copy got its own tmpfs sized to the image plus headroom.
	var toramMounts []mountCall

	for _, call := range h.mounter.calls {
		if call.source == "toram" {
			toramMounts = append(toramMounts, call)
		}
	}

	require.Len(t, toramMounts, 1)
	assert.Equal(t, fmt.Sprintf("size=%d,mode=0755", int64(8+128<<20)), toramMounts[0].data)

	// The export mount was released before the handoff moved any mounts.
	assert.Equal(t, []string{nfsDir}, h.mounter.targets("unmount"))

	unmountIdx, moveIdx := -1, -1

	for i, call := range h.mounter.calls {
		if call.op == "unmount" && unmountIdx == -1 {
			unmountIdx = i
		}

		if call.op == "move" && moveIdx == -1 {
			moveIdx = i
		}
	}

	require.NotEqual(t, -1, unmountIdx)
	require.NotEqual(t, -1, moveIdx)
	assert.Less(t, unmountIdx, moveIdx)
}

func TestSequencerFailureDrainsBackgroundNetwork(t *testing.T) {
	h := newBootHarness(t,
		"root=UUID=not-there ip=dhcp",
		[]boot.BlockDevice{{Path: "/dev/vda1", FSType: "ext4", UUID: "1111"}},
	)

	var stopped bool

	h.sequencer.StartNetwork = func(ctx context.Context, _ string) *boot.NetworkTask {
		return boot.NewNetworkTask(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			stopped = true

			return ctx.Err()
		})
	}

	err := h.sequencer.Run(context.Background())
	require.Error(t, err)

	var stageErr *boot.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, boot.StageRootAcquired, stageErr.Stage)

	// The helper observed cancellation and was awaited before the rescue
	// shell took over.
	assert.True(t, stopped)
	assert.Equal(t, boot.StageRescueShell, h.sequencer.State.Stage)
}
