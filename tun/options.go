package tun

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/wangn9900/Slux/common"
)

// Options describes the virtual interface to create. Treat values as
// immutable: every method returns a copy instead of mutating the receiver.
type Options struct {
	MTU        int
	Addresses  []netip.Prefix
	Routes     []netip.Prefix
	DNSServers []netip.Addr
}

// DefaultOptions returns the policy used when neither the engine nor the
// configuration ask for something else.
func DefaultOptions() Options {
	return Options{
		MTU:        common.DefaultMTU,
		Addresses:  []netip.Prefix{netip.MustParsePrefix("172.19.0.1/30")},
		Routes:     []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
		DNSServers: []netip.Addr{netip.MustParseAddr("1.1.1.1")},
	}
}

// Merge overlays requested on top of base. Every non-zero field of requested
// replaces the corresponding field of base.
func Merge(base, requested Options) Options {
	out := base.Clone()
	if requested.MTU > 0 {
		out.MTU = requested.MTU
	}
	if len(requested.Addresses) > 0 {
		out.Addresses = slices.Clone(requested.Addresses)
	}
	if len(requested.Routes) > 0 {
		out.Routes = slices.Clone(requested.Routes)
	}
	if len(requested.DNSServers) > 0 {
		out.DNSServers = slices.Clone(requested.DNSServers)
	}
	return out
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	return Options{
		MTU:        o.MTU,
		Addresses:  slices.Clone(o.Addresses),
		Routes:     slices.Clone(o.Routes),
		DNSServers: slices.Clone(o.DNSServers),
	}
}

// IsZero reports whether no field is set.
func (o Options) IsZero() bool {
	return o.MTU == 0 && len(o.Addresses) == 0 && len(o.Routes) == 0 && len(o.DNSServers) == 0
}

// Equal reports whether both describe the same interface.
func (o Options) Equal(other Options) bool {
	return o.MTU == other.MTU &&
		slices.Equal(o.Addresses, other.Addresses) &&
		slices.Equal(o.Routes, other.Routes) &&
		slices.Equal(o.DNSServers, other.DNSServers)
}

// Validate checks that the options can be handed to a provisioner.
func (o Options) Validate() error {
	var errs []error
	if o.MTU < 576 || o.MTU > 65535 {
		errs = append(errs, fmt.Errorf("mtu %d out of range", o.MTU))
	}
	if len(o.Addresses) == 0 {
		errs = append(errs, errors.New("at least one address is required"))
	}
	for _, p := range o.Addresses {
		if !p.IsValid() {
			errs = append(errs, fmt.Errorf("invalid address %v", p))
		}
	}
	for _, p := range o.Routes {
		if !p.IsValid() {
			errs = append(errs, fmt.Errorf("invalid route %v", p))
		} else if p.Masked() != p {
			errs = append(errs, fmt.Errorf("route %v has host bits set", p))
		}
	}
	for _, a := range o.DNSServers {
		if !a.IsValid() {
			errs = append(errs, fmt.Errorf("invalid dns server %v", a))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", common.ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

// String renders a compact single-line summary for logs.
func (o Options) String() string {
	join := func(n int, at func(int) string) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = at(i)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprintf("mtu=%d addr=[%s] routes=[%s] dns=[%s]",
		o.MTU,
		join(len(o.Addresses), func(i int) string { return o.Addresses[i].String() }),
		join(len(o.Routes), func(i int) string { return o.Routes[i].String() }),
		join(len(o.DNSServers), func(i int) string { return o.DNSServers[i].String() }),
	)
}

// Settings is the textual form of Options as it appears in YAML configuration
// and in engine JSON configs.
type Settings struct {
	MTU        int      `yaml:"mtu,omitempty" json:"mtu,omitempty"`
	Addresses  []string `yaml:"addresses,omitempty" json:"address,omitempty"`
	Routes     []string `yaml:"routes,omitempty" json:"route_address,omitempty"`
	DNSServers []string `yaml:"dns,omitempty" json:"dns,omitempty"`
}

// Options parses the settings. Empty fields stay empty so the result can be
// merged over defaults.
func (s Settings) Options() (Options, error) {
	var o Options
	o.MTU = s.MTU
	for _, a := range s.Addresses {
		p, err := netip.ParsePrefix(strings.TrimSpace(a))
		if err != nil {
			return Options{}, fmt.Errorf("%w: address %q: %v", common.ErrInvalidArgument, a, err)
		}
		o.Addresses = append(o.Addresses, p)
	}
	for _, r := range s.Routes {
		p, err := netip.ParsePrefix(strings.TrimSpace(r))
		if err != nil {
			return Options{}, fmt.Errorf("%w: route %q: %v", common.ErrInvalidArgument, r, err)
		}
		o.Routes = append(o.Routes, p)
	}
	for _, d := range s.DNSServers {
		a, err := netip.ParseAddr(strings.TrimSpace(d))
		if err != nil {
			return Options{}, fmt.Errorf("%w: dns %q: %v", common.ErrInvalidArgument, d, err)
		}
		o.DNSServers = append(o.DNSServers, a)
	}
	return o, nil
}

// SettingsFrom renders Options back into textual form.
func SettingsFrom(o Options) Settings {
	s := Settings{MTU: o.MTU}
	for _, p := range o.Addresses {
		s.Addresses = append(s.Addresses, p.String())
	}
	for _, p := range o.Routes {
		s.Routes = append(s.Routes, p.String())
	}
	for _, a := range o.DNSServers {
		s.DNSServers = append(s.DNSServers, a.String())
	}
	return s
}
