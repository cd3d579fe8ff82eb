// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initseq/initseq/boot"
)

func TestParseCmdline(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		expectedErr error
		wantErr     bool
		assert      func(t *testing.T, cfg *boot.BootConfig)
	}{
		{
			name: "plain root with defaults",
			raw:  "root=/dev/sda1",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, boot.DeviceSpec{
					Kind:  boot.SpecPath,
					Value: "/dev/sda1",
				}, cfg.Root)
				assert.Equal(t, "auto", cfg.RootFSType)
				assert.True(t, cfg.ReadOnly)
				assert.Equal(t, boot.DefaultInitPath, cfg.Init)
				assert.Equal(t, boot.StrategyPlain, cfg.Strategy())
				assert.Equal(t, boot.DefaultDeviceTimeout, cfg.DeviceTimeout())
			},
		},
		{
			name: "uuid root with fstype and rw",
			raw:  "root=UUID=6a2e3f0a rootfstype=ext4 rw quiet splash",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, boot.DeviceSpec{
					Kind:  boot.SpecUUID,
					Value: "6a2e3f0a",
				}, cfg.Root)
				assert.Equal(t, "ext4", cfg.RootFSType)
				assert.False(t, cfg.ReadOnly)
			},
		},
		{
			name: "label root with flags",
			raw:  "root=LABEL=rootfs rootflags=noatime,discard",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, boot.SpecLabel, cfg.Root.Kind)
				assert.Equal(t, "noatime,discard", cfg.RootFlags)
			},
		},
		{
			name:        "missing root",
			raw:         "quiet splash rw",
			expectedErr: boot.ErrMissingRootSpecifier,
		},
		{
			name: "rootdelay and rootwait",
			raw:  "root=/dev/vda1 rootdelay=90 rootwait",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, 90*time.Second, cfg.RootDelay)
				assert.Equal(t, 90*time.Second, cfg.DeviceTimeout())
				assert.True(t, cfg.RootWaitForever)
			},
		},
		{
			name:    "invalid rootdelay",
			raw:     "root=/dev/vda1 rootdelay=soon",
			wantErr: true,
		},
		{
			name:    "invalid overlay size",
			raw:     "squashfs=/images/root.squashfs overlay_size=-1G",
			wantErr: true,
		},
		{
			name:    "malformed cryptdevice",
			raw:     "root=/dev/sda1 cryptdevice=/dev/sda2",
			wantErr: true,
		},
		{
			name: "custom init and break points",
			raw:  "root=/dev/vda1 init=/bin/systemd break=mount,handoff",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, "/bin/systemd", cfg.Init)
				assert.True(t, cfg.BreakAt("mount"))
				assert.True(t, cfg.BreakAt("handoff"))
				assert.False(t, cfg.BreakAt("acquire"))
			},
		},
		{
			name: "luks by uuid",
			raw:  "root=/dev/mapper/luks-1234 rd.luks.uuid=1234",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, boot.StrategyLUKS, cfg.Strategy())
				assert.Equal(t, "luks-1234", cfg.LUKS.Name)
				assert.Equal(t, boot.SpecUUID, cfg.LUKS.Device.Kind)
				assert.Equal(t, "/dev/mapper/luks-1234", cfg.LUKS.MapperPath())
			},
		},
		{
			name: "cryptdevice grammar",
			raw:  "root=/dev/mapper/cryptroot cryptdevice=UUID=dead-beef:cryptroot",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, boot.StrategyLUKS, cfg.Strategy())
				assert.Equal(t, "cryptroot", cfg.LUKS.Name)
				assert.Equal(t, "dead-beef", cfg.LUKS.Device.Value)
			},
		},
		{
			name: "lvm root",
			raw:  "root=/dev/vg0/root rd.lvm.vg=vg0 rd.lvm.lv=root",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, boot.StrategyLVM, cfg.Strategy())
				assert.Equal(t, "/dev/vg0/root", cfg.LVM.DevicePath())
			},
		},
		{
			name: "luks with lvm on top",
			raw:  "root=/dev/vg0/root rd.luks.uuid=1234 rd.lvm.vg=vg0 rd.lvm.lv=root",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, boot.StrategyLUKS, cfg.Strategy())
				assert.False(t, cfg.LVM.IsZero())
			},
		},
		{
			name: "squashfs overlay without root",
			raw:  "squashfs=http://10.0.0.1/root.squashfs overlay_size=2G toram",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, boot.StrategyOverlay, cfg.Strategy())
				assert.True(t, cfg.Squashfs.IsHTTP())
				assert.Equal(t, int64(2<<30), cfg.OverlaySize)
				assert.True(t, cfg.ToRAM)
			},
		},
		{
			name: "squashfs with persistent overlay",
			raw:  "squashfs=/images/root.squashfs persistent=LABEL=persist",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, boot.StrategyOverlay, cfg.Strategy())
				assert.Equal(t, boot.SpecLabel, cfg.Persistent.Kind)
			},
		},
		{
			name: "nfs root",
			raw:  "root=nfs:10.0.0.1:/export/root ip=dhcp",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, boot.StrategyNetwork, cfg.Strategy())
				assert.Equal(t, boot.SpecNFS, cfg.Root.Kind)
				assert.True(t, cfg.NeedsNetwork())
			},
		},
		{
			name: "raw ip value is kept for the network stage",
			raw:  "root=/dev/sda1 ip=:::::badformat",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.Equal(t, ":::::badformat", cfg.IP)
				assert.True(t, cfg.NeedsNetwork())
			},
		},
		{
			name: "debug does not alter configuration",
			raw:  "root=/dev/sda1 debug",
			assert: func(t *testing.T, cfg *boot.BootConfig) {
				assert.True(t, cfg.Debug)
				assert.Equal(t, boot.StrategyPlain, cfg.Strategy())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := boot.ParseCmdline(tt.raw)

			if tt.wantErr {
				require.Error(t, err)

				return
			}

			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)

				return
			}

			require.NoError(t, err)
			tt.assert(t, cfg)
		})
	}
}

func TestParseDeviceSpecRoundTrip(t *testing.T) {
	tests := []struct {
		input    string
		expected boot.SpecKind
	}{
		{"/dev/sda1", boot.SpecPath},
		{"UUID=1234-abcd", boot.SpecUUID},
		{"LABEL=rootfs", boot.SpecLabel},
		{"nfs:server:/export", boot.SpecNFS},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			spec := boot.ParseDeviceSpec(tt.input)
			assert.Equal(t, tt.expected, spec.Kind)
			assert.Equal(t, tt.input, spec.String())
		})
	}
}
