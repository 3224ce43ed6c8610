package tun

import "net/netip"

var (
	v4Halves = []netip.Prefix{netip.MustParsePrefix("0.0.0.0/1"), netip.MustParsePrefix("128.0.0.0/1")}
	v6Halves = []netip.Prefix{netip.MustParsePrefix("::/1"), netip.MustParsePrefix("8000::/1")}
)

// splitDefault turns a default route into two /1 halves. They are more
// specific than the physical default route, so it stays in place and is
// restored for free when the interface goes away.
func splitDefault(p netip.Prefix) []netip.Prefix {
	if p.Bits() != 0 {
		return []netip.Prefix{p}
	}
	if p.Addr().Is4() {
		return v4Halves
	}
	return v6Halves
}
