//go:build linux

package tun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/wangn9900/Slux/common"
)

const cloneDevice = "/dev/net/tun"

// LinuxProvisioner creates TUN interfaces through /dev/net/tun and
// configures them over netlink.
type LinuxProvisioner struct {
	// NameTemplate is handed to the kernel; "%d" picks the first free index.
	NameTemplate string
	// DNS is optional. Failures only produce a warning.
	DNS DNSConfigurator
}

// NewProvisioner returns the provisioner for this platform.
func NewProvisioner(nameTemplate string, dns DNSConfigurator) Provisioner {
	if nameTemplate == "" {
		nameTemplate = common.TunNameTemplate
	}
	return &LinuxProvisioner{NameTemplate: nameTemplate, DNS: dns}
}

type linuxDevice struct {
	fd   int
	name string
}

func (d *linuxDevice) FD() int      { return d.fd }
func (d *linuxDevice) Name() string { return d.name }

func (d *linuxDevice) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// Establish opens a non-blocking TUN descriptor and applies opts.
func (p *LinuxProvisioner) Establish(ctx context.Context, opts Options) (Device, error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cloneDevice, err)
	}

	ifr, err := unix.NewIfreq(p.NameTemplate)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("interface name %q: %w", p.NameTemplate, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}

	dev := &linuxDevice{fd: fd, name: ifr.Name()}
	if err := p.configure(ctx, dev.name, opts); err != nil {
		dev.Close()
		p.Remove(dev.name)
		return nil, err
	}
	return dev, nil
}

func (p *LinuxProvisioner) configure(ctx context.Context, name string, opts Options) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	if err := netlink.LinkSetMTU(link, opts.MTU); err != nil {
		return fmt.Errorf("set mtu: %w", err)
	}
	for _, a := range opts.Addresses {
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: ipNet(a)}); err != nil {
			return fmt.Errorf("add address %s: %w", a, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	index := link.Attrs().Index
	for _, r := range opts.Routes {
		for _, dst := range splitDefault(r) {
			route := &netlink.Route{LinkIndex: index, Dst: ipNet(dst), Scope: netlink.SCOPE_LINK}
			if err := netlink.RouteAdd(route); err != nil {
				return fmt.Errorf("add route %s: %w", dst, err)
			}
		}
	}

	if p.DNS != nil && len(opts.DNSServers) > 0 {
		if err := p.DNS.SetLinkDNS(ctx, index, opts.DNSServers); err != nil {
			common.LogWarn("Could not set DNS for %s: %v", name, err)
		}
	}
	return nil
}

// Alive reports whether the link exists.
func (p *LinuxProvisioner) Alive(name string) bool {
	_, err := netlink.LinkByName(name)
	return err == nil
}

// Remove deletes the link if it still exists.
func (p *LinuxProvisioner) Remove(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}

func ipNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
