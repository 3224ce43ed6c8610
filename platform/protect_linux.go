//go:build linux

package platform

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// DeviceProtector binds sockets to the physical interface carrying the
// default route, so their traffic never enters the tunnel.
type DeviceProtector struct {
	// SkipPrefix excludes our own interfaces when looking for the uplink.
	SkipPrefix string
}

// NewProtector returns the protector for this platform.
func NewProtector(skipPrefix string) Protector {
	return &DeviceProtector{SkipPrefix: skipPrefix}
}

// Protect implements Protector.
func (p *DeviceProtector) Protect(fd int) error {
	name, err := p.uplink()
	if err != nil {
		return err
	}
	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, name); err != nil {
		return fmt.Errorf("bind to %s: %w", name, err)
	}
	return nil
}

func (p *DeviceProtector) uplink() (string, error) {
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		routes, err := netlink.RouteList(nil, family)
		if err != nil {
			return "", fmt.Errorf("list routes: %w", err)
		}
		for _, r := range routes {
			if !isDefault(r.Dst) {
				continue
			}
			link, err := netlink.LinkByIndex(r.LinkIndex)
			if err != nil {
				continue
			}
			name := link.Attrs().Name
			if p.SkipPrefix != "" && strings.HasPrefix(name, p.SkipPrefix) {
				continue
			}
			return name, nil
		}
	}
	return "", errors.New("no default route")
}

func isDefault(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0
}
