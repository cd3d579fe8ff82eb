// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initseq/initseq/boot"
)

// instantClock counts sleeps without actually sleeping, so polling loops run
// through their full tick budget instantly.
type instantClock struct {
	clock.Clock

	slept int
}

func (c *instantClock) Sleep(time.Duration) {
	c.slept++
}

// scriptedProber returns a scripted device list per probe call. Probes past
// the end of the script repeat the last element.
type scriptedProber struct {
	script [][]boot.BlockDevice
	calls  int
}

func (p *scriptedProber) Probe() ([]boot.BlockDevice, error) {
	idx := p.calls
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}

	p.calls++

	return p.script[idx], nil
}

func newTestWaiter(prober boot.Prober, forever bool) (*boot.Waiter, *instantClock) {
	clk := &instantClock{Clock: clock.New()}

	return &boot.Waiter{
		Prober:   prober,
		Clock:    clk,
		Interval: time.Second,
		Timeout:  30 * time.Second,
		Forever:  forever,
	}, clk
}

func TestWaiterResolveAppearsLater(t *testing.T) {
	devices := []boot.BlockDevice{
		{Path: "/dev/vda1", FSType: "ext4", UUID: "1111-2222"},
	}

	// Empty for the first three ticks, present from tick 3 on.
	prober := &scriptedProber{script: [][]boot.BlockDevice{
		nil, nil, nil, devices,
	}}
	waiter, clk := newTestWaiter(prober, false)

	resolved, err := waiter.Resolve(boot.DeviceSpec{
		Kind:  boot.SpecUUID,
		Value: "1111-2222",
	})
	require.NoError(t, err)

	assert.Equal(t, "/dev/vda1", resolved.Path)
	assert.Equal(t, "ext4", resolved.FSType)
	assert.Equal(t, 4, prober.calls)
	assert.Equal(t, 3, clk.slept)
}

func TestWaiterResolveTimeout(t *testing.T) {
	present := []boot.BlockDevice{
		{Path: "/dev/vda1", FSType: "ext4", Label: "other"},
	}

	prober := &scriptedProber{script: [][]boot.BlockDevice{present}}
	waiter, _ := newTestWaiter(prober, false)

	_, err := waiter.Resolve(boot.DeviceSpec{
		Kind:  boot.SpecLabel,
		Value: "rootfs",
	})
	require.Error(t, err)

	var notFound *boot.DeviceNotFoundError
	require.ErrorAs(t, err, &notFound)

	// Tick 0 through 30 inclusive.
	assert.Equal(t, 31, prober.calls)
	assert.NotEmpty(t, notFound.Snapshot)
	assert.Contains(t, err.Error(), "DeviceNotFound")
	assert.Contains(t, err.Error(), "/dev/vda1")
}

func TestWaiterResolveForever(t *testing.T) {
	script := make([][]boot.BlockDevice, 51)
	script[50] = []boot.BlockDevice{{Path: "/dev/sdb1", UUID: "abcd"}}

	prober := &scriptedProber{script: script}
	waiter, _ := newTestWaiter(prober, true)

	resolved, err := waiter.Resolve(boot.DeviceSpec{Kind: boot.SpecUUID, Value: "abcd"})
	require.NoError(t, err)

	// Well past the 30 tick budget.
	assert.Equal(t, "/dev/sdb1", resolved.Path)
	assert.Equal(t, 51, prober.calls)
}

func TestWaiterResolveCached(t *testing.T) {
	devices := []boot.BlockDevice{
		{Path: "/dev/vda1", FSType: "ext4", Label: "rootfs"},
	}
	duplicate := []boot.BlockDevice{
		{Path: "/dev/sdz9", FSType: "ext4", Label: "rootfs"},
		{Path: "/dev/vda1", FSType: "ext4", Label: "rootfs"},
	}

	prober := &scriptedProber{script: [][]boot.BlockDevice{devices, duplicate}}
	waiter, _ := newTestWaiter(prober, false)

	spec := boot.DeviceSpec{Kind: boot.SpecLabel, Value: "rootfs"}

	first, err := waiter.Resolve(spec)
	require.NoError(t, err)

	// A duplicate label appearing later must not change the result, and the
	// cached resolution must not probe again.
	second, err := waiter.Resolve(spec)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, prober.calls)
}

func TestWaiterResolveRejectsNonBlockSpecs(t *testing.T) {
	waiter, _ := newTestWaiter(&scriptedProber{script: [][]boot.BlockDevice{nil}}, false)

	_, err := waiter.Resolve(boot.DeviceSpec{})
	assert.Error(t, err)

	_, err = waiter.Resolve(boot.DeviceSpec{Kind: boot.SpecNFS, Value: "srv:/export"})
	assert.Error(t, err)
}

func TestWaiterResolveZeroValue(t *testing.T) {
	// Only Prober set; interval and clock fall back to defaults instead of
	// dividing by a zero interval.
	waiter := &boot.Waiter{
		Prober: &scriptedProber{script: [][]boot.BlockDevice{
			{{Path: "/dev/vda1", FSType: "ext4", UUID: "1111"}},
		}},
	}

	resolved, err := waiter.Resolve(boot.DeviceSpec{
		Kind:  boot.SpecUUID,
		Value: "1111",
	})
	require.NoError(t, err)
	assert.Equal(t, "/dev/vda1", resolved.Path)
}
