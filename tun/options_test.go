package tun_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/tun"
)

func TestDefaultOptions(t *testing.T) {
	opts := tun.DefaultOptions()

	assert.Equal(t, 1500, opts.MTU)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("172.19.0.1/30")}, opts.Addresses)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}, opts.Routes)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("1.1.1.1")}, opts.DNSServers)
	assert.NoError(t, opts.Validate())
}

func TestMerge(t *testing.T) {
	base := tun.DefaultOptions()

	tests := []struct {
		name      string
		requested tun.Options
		check     func(t *testing.T, got tun.Options)
	}{
		{
			name:      "zero request keeps defaults",
			requested: tun.Options{},
			check: func(t *testing.T, got tun.Options) {
				assert.True(t, got.Equal(base))
			},
		},
		{
			name:      "mtu only",
			requested: tun.Options{MTU: 9000},
			check: func(t *testing.T, got tun.Options) {
				assert.Equal(t, 9000, got.MTU)
				assert.Equal(t, base.Addresses, got.Addresses)
			},
		},
		{
			name: "every field overridden",
			requested: tun.Options{
				MTU:        1400,
				Addresses:  []netip.Prefix{netip.MustParsePrefix("10.8.0.2/24")},
				Routes:     []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
				DNSServers: []netip.Addr{netip.MustParseAddr("9.9.9.9"), netip.MustParseAddr("2620:fe::fe")},
			},
			check: func(t *testing.T, got tun.Options) {
				assert.Equal(t, 1400, got.MTU)
				assert.Equal(t, "10.8.0.2/24", got.Addresses[0].String())
				assert.Equal(t, "10.0.0.0/8", got.Routes[0].String())
				assert.Len(t, got.DNSServers, 2)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, tun.Merge(base, tt.requested))
		})
	}
}

func TestMergeDoesNotAlias(t *testing.T) {
	base := tun.DefaultOptions()
	merged := tun.Merge(base, tun.Options{})
	merged.Addresses[0] = netip.MustParsePrefix("192.168.0.1/24")

	assert.Equal(t, "172.19.0.1/30", base.Addresses[0].String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *tun.Options)
		wantErr bool
	}{
		{"defaults", func(o *tun.Options) {}, false},
		{"tiny mtu", func(o *tun.Options) { o.MTU = 100 }, true},
		{"no address", func(o *tun.Options) { o.Addresses = nil }, true},
		{"route with host bits", func(o *tun.Options) { o.Routes = []netip.Prefix{netip.MustParsePrefix("10.1.2.3/8")} }, true},
		{"no routes is fine", func(o *tun.Options) { o.Routes = nil }, false},
		{"invalid dns", func(o *tun.Options) { o.DNSServers = []netip.Addr{{}} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tun.DefaultOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, common.ErrInvalidArgument))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	settings := tun.Settings{
		MTU:        1380,
		Addresses:  []string{"172.19.0.1/30", "fdfe:dcba:9876::1/126"},
		Routes:     []string{"0.0.0.0/0", "::/0"},
		DNSServers: []string{"1.1.1.1"},
	}

	opts, err := settings.Options()
	require.NoError(t, err)
	assert.Equal(t, 1380, opts.MTU)
	assert.Len(t, opts.Addresses, 2)
	assert.Equal(t, settings, tun.SettingsFrom(opts))
}

func TestSettingsOptionsErrors(t *testing.T) {
	tests := []struct {
		name     string
		settings tun.Settings
	}{
		{"bad address", tun.Settings{Addresses: []string{"172.19.0.1"}}},
		{"bad route", tun.Settings{Routes: []string{"default"}}},
		{"bad dns", tun.Settings{DNSServers: []string{"one.one.one.one"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.settings.Options()
			assert.ErrorIs(t, err, common.ErrInvalidArgument)
		})
	}
}

func TestOptionsString(t *testing.T) {
	assert.Equal(t, "mtu=1500 addr=[172.19.0.1/30] routes=[0.0.0.0/0] dns=[1.1.1.1]", tun.DefaultOptions().String())
}
