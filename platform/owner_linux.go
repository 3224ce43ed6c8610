//go:build linux

package platform

import (
	"fmt"
	"net"
	"net/netip"
	"os/user"
	"strconv"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// DiagOwnerFinder answers ownership queries with sock_diag and the user
// database.
type DiagOwnerFinder struct{}

// NewOwnerFinder returns the owner finder for this platform.
func NewOwnerFinder() OwnerFinder {
	return DiagOwnerFinder{}
}

// FindOwner implements OwnerFinder.
func (DiagOwnerFinder) FindOwner(ipProtocol int32, source, destination netip.AddrPort) (int32, error) {
	var local, remote net.Addr
	switch ipProtocol {
	case unix.IPPROTO_TCP:
		local = net.TCPAddrFromAddrPort(source)
		remote = net.TCPAddrFromAddrPort(destination)
	case unix.IPPROTO_UDP:
		local = net.UDPAddrFromAddrPort(source)
		remote = net.UDPAddrFromAddrPort(destination)
	default:
		return 0, fmt.Errorf("protocol %d not supported", ipProtocol)
	}
	sock, err := netlink.SocketGet(local, remote)
	if err != nil {
		return 0, err
	}
	return int32(sock.UID), nil
}

// UserName implements OwnerFinder.
func (DiagOwnerFinder) UserName(uid int32) (string, error) {
	u, err := user.LookupId(strconv.Itoa(int(uid)))
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// UID implements OwnerFinder.
func (DiagOwnerFinder) UID(name string) (int32, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	uid, err := strconv.ParseInt(u.Uid, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(uid), nil
}
