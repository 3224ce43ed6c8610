package tun

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/godbus/dbus/v5"
)

const (
	resolvedDest = "org.freedesktop.resolve1"
	resolvedPath = dbus.ObjectPath("/org/freedesktop/resolve1")
	resolvedIfc  = "org.freedesktop.resolve1.Manager"
)

// DNSConfigurator pushes per-link DNS servers to the system resolver.
type DNSConfigurator interface {
	SetLinkDNS(ctx context.Context, ifindex int, servers []netip.Addr) error
}

// ResolvedDNS configures per-link DNS through systemd-resolved.
type ResolvedDNS struct {
	conn *dbus.Conn
}

// NewResolvedDNS connects to the system bus.
func NewResolvedDNS() (*ResolvedDNS, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &ResolvedDNS{conn: conn}, nil
}

type resolvedAddr struct {
	Family  int32
	Address []byte
}

type resolvedDomain struct {
	Domain      string
	RoutingOnly bool
}

// SetLinkDNS sets the servers of the link and makes it the default route
// for every lookup.
func (r *ResolvedDNS) SetLinkDNS(ctx context.Context, ifindex int, servers []netip.Addr) error {
	addrs := make([]resolvedAddr, 0, len(servers))
	for _, s := range servers {
		family := int32(2) // AF_INET
		if s.Is6() && !s.Is4In6() {
			family = 10 // AF_INET6
		}
		addrs = append(addrs, resolvedAddr{Family: family, Address: s.Unmap().AsSlice()})
	}

	obj := r.conn.Object(resolvedDest, resolvedPath)
	if err := obj.CallWithContext(ctx, resolvedIfc+".SetLinkDNS", 0, int32(ifindex), addrs).Err; err != nil {
		return fmt.Errorf("SetLinkDNS: %w", err)
	}
	domains := []resolvedDomain{{Domain: ".", RoutingOnly: true}}
	if err := obj.CallWithContext(ctx, resolvedIfc+".SetLinkDomains", 0, int32(ifindex), domains).Err; err != nil {
		return fmt.Errorf("SetLinkDomains: %w", err)
	}
	return nil
}

// Close closes the bus connection.
func (r *ResolvedDNS) Close() error {
	return r.conn.Close()
}
