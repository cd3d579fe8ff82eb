// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"github.com/siderolabs/go-retry/retry"
	"github.com/vishvananda/netlink"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	// DefaultInterface is configured when the ip= spec does not name one.
	DefaultInterface = "eth0"

	resolvConfPath = "/etc/resolv.conf"

	linkUpTimeout = 20 * time.Second
	dhcpTimeout   = 30 * time.Second
)

// ParseNetworkSpec parses the ip= grammar:
//
//	dhcp
//	<iface>:dhcp
//	<client>::<gateway>:<netmask>:<hostname>:<iface>:<autoconf>
//
// Malformed specifiers return [ErrMalformedNetworkSpec] so the network stage
// fails closed instead of silently skipping configuration.
func ParseNetworkSpec(s string) (NetworkSpec, error) {
	if s == "" {
		return NetworkSpec{}, fmt.Errorf("%w: empty", ErrMalformedNetworkSpec)
	}

	if s == "dhcp" {
		return NetworkSpec{DHCP: true}, nil
	}

	fields := strings.Split(s, ":")

	if len(fields) == 2 && fields[1] == "dhcp" {
		return NetworkSpec{DHCP: true, Interface: fields[0]}, nil
	}

	if len(fields) != 7 {
		return NetworkSpec{}, fmt.Errorf("%w: %q", ErrMalformedNetworkSpec, s)
	}

	spec := NetworkSpec{
		ClientIP:  fields[0],
		Gateway:   fields[2],
		Netmask:   fields[3],
		Hostname:  fields[4],
		Interface: fields[5],
		Autoconf:  fields[6],
	}

	if spec.Autoconf == "dhcp" {
		spec.DHCP = true
		return spec, nil
	}

	if net.ParseIP(spec.ClientIP) == nil {
		return NetworkSpec{}, fmt.Errorf("%w: client ip %q",
			ErrMalformedNetworkSpec, spec.ClientIP)
	}

	if net.ParseIP(spec.Netmask) == nil {
		return NetworkSpec{}, fmt.Errorf("%w: netmask %q",
			ErrMalformedNetworkSpec, spec.Netmask)
	}

	if spec.Gateway != "" && net.ParseIP(spec.Gateway) == nil {
		return NetworkSpec{}, fmt.Errorf("%w: gateway %q",
			ErrMalformedNetworkSpec, spec.Gateway)
	}

	return spec, nil
}

// NetworkTask is the background network configuration helper. The sequencer
// starts it early and blocks on [NetworkTask.Wait] before any stage that
// needs the network.
type NetworkTask struct {
	group *errgroup.Group
}

// NewNetworkTask runs the given configuration function in the background.
func NewNetworkTask(ctx context.Context, configure func(context.Context) error) *NetworkTask {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return configure(ctx)
	})

	return &NetworkTask{group: group}
}

// StartNetwork launches network configuration in the background.
func StartNetwork(ctx context.Context, ipSpec string) *NetworkTask {
	return NewNetworkTask(ctx, func(ctx context.Context) error {
		return ConfigureNetwork(ctx, ipSpec)
	})
}

// Wait blocks until the helper finished and returns its result.
func (t *NetworkTask) Wait() error {
	return t.group.Wait()
}

// ConfigureNetwork brings up the interface requested by the given raw ip=
// value, configures addressing via DHCP or statically and writes name server
// configuration.
//
// A link that does not reach readiness within the timeout is not necessarily
// fatal: if a global address is present anyway, configuration continues with
// a warning, since some environments finish negotiating asynchronously.
func ConfigureNetwork(ctx context.Context, ipSpec string) error {
	spec, err := ParseNetworkSpec(ipSpec)
	if err != nil {
		return err
	}

	name := spec.Interface
	if name == "" {
		name = DefaultInterface
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link %s up: %w", name, err)
	}

	if err := waitLinkReady(link); err != nil {
		if !hasGlobalAddress(link) {
			return err
		}

		log.Print("INFO ", err.Error(), ", continuing with present address")
	}

	if spec.DHCP {
		if err := configureDHCP(ctx, link, name); err != nil {
			return err
		}
	} else {
		if err := configureStatic(link, spec); err != nil {
			return err
		}
	}

	if spec.Hostname != "" {
		if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
			return fmt.Errorf("set hostname: %w", err)
		}
	}

	return nil
}

// waitLinkReady polls until the link reports its carrier.
func waitLinkReady(link netlink.Link) error {
	name := link.Attrs().Name

	err := retry.Constant(linkUpTimeout, retry.WithUnits(time.Second)).Retry(
		func() error {
			current, err := netlink.LinkByName(name)
			if err != nil {
				return retry.ExpectedError(err)
			}

			if current.Attrs().OperState != netlink.OperUp &&
				current.Attrs().Flags&net.FlagRunning == 0 {
				return retry.ExpectedErrorf("link %s not ready", name)
			}

			return nil
		})
	if err != nil {
		return fmt.Errorf("wait for link %s: %w", name, err)
	}

	return nil
}

func hasGlobalAddress(link netlink.Link) bool {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return false
	}

	for _, addr := range addrs {
		if addr.Scope == unix.RT_SCOPE_UNIVERSE {
			return true
		}
	}

	return false
}

func configureDHCP(ctx context.Context, link netlink.Link, name string) error {
	client, err := nclient4.New(name, nclient4.WithTimeout(dhcpTimeout))
	if err != nil {
		return fmt.Errorf("dhcp client: %w", err)
	}
	defer client.Close()

	lease, err := client.Request(ctx)
	if err != nil {
		return fmt.Errorf("dhcp exchange on %s: %w", name, err)
	}

	ack := lease.ACK

	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   ack.YourIPAddr,
		Mask: ack.SubnetMask(),
	}}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("add address %s: %w", addr, err)
	}

	if router := dhcpv4.GetIP(dhcpv4.OptionRouter, ack.Options); router != nil {
		route := netlink.Route{Gw: router}
		if err := netlink.RouteAdd(&route); err != nil {
			return fmt.Errorf("add default route via %s: %w", router, err)
		}
	}

	if servers := dhcpv4.GetIPs(dhcpv4.OptionDomainNameServer, ack.Options); servers != nil {
		if err := writeResolvConf(servers); err != nil {
			return err
		}
	}

	return nil
}

func configureStatic(link netlink.Link, spec NetworkSpec) error {
	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.ParseIP(spec.ClientIP),
		Mask: net.IPMask(net.ParseIP(spec.Netmask).To4()),
	}}

	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("add address %s: %w", addr, err)
	}

	if spec.Gateway != "" {
		route := netlink.Route{Gw: net.ParseIP(spec.Gateway)}
		if err := netlink.RouteAdd(&route); err != nil {
			return fmt.Errorf("add default route via %s: %w", spec.Gateway, err)
		}
	}

	return nil
}

// renderResolvConf produces resolv.conf content for the given name servers.
func renderResolvConf(servers []net.IP) []byte {
	var buf bytes.Buffer

	for _, server := range servers {
		buf.WriteString("nameserver ")
		buf.WriteString(server.String())
		buf.WriteByte('\n')
	}

	return buf.Bytes()
}

func writeResolvConf(servers []net.IP) error {
	if err := os.MkdirAll("/etc", defaultDirMode); err != nil {
		return fmt.Errorf("mkdir /etc: %w", err)
	}

	err := os.WriteFile(resolvConfPath, renderResolvConf(servers), 0o644)
	if err != nil {
		return fmt.Errorf("write %s: %w", resolvConfPath, err)
	}

	return nil
}
