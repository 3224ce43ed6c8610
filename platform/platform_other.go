//go:build !linux

package platform

import (
	"net/netip"

	"github.com/wangn9900/Slux/common"
)

type unsupported struct{}

// NewProtector returns the protector for this platform.
func NewProtector(string) Protector { return unsupported{} }

// NewOwnerFinder returns the owner finder for this platform.
func NewOwnerFinder() OwnerFinder { return unsupported{} }

func (unsupported) Protect(int) error { return common.ErrUnsupported }

func (unsupported) FindOwner(int32, netip.AddrPort, netip.AddrPort) (int32, error) {
	return 0, common.ErrUnsupported
}

func (unsupported) UserName(int32) (string, error) { return "", common.ErrUnsupported }

func (unsupported) UID(string) (int32, error) { return 0, common.ErrUnsupported }
