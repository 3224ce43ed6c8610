package tun

import (
	"net/netip"
	"testing"
)

func TestSplitDefault(t *testing.T) {
	tests := []struct {
		route string
		want  []string
	}{
		{"0.0.0.0/0", []string{"0.0.0.0/1", "128.0.0.0/1"}},
		{"::/0", []string{"::/1", "8000::/1"}},
		{"10.0.0.0/8", []string{"10.0.0.0/8"}},
	}

	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			got := splitDefault(netip.MustParsePrefix(tt.route))
			if len(got) != len(tt.want) {
				t.Fatalf("splitDefault(%s) = %v, want %v", tt.route, got, tt.want)
			}
			for i := range got {
				if got[i].String() != tt.want[i] {
					t.Errorf("splitDefault(%s)[%d] = %v, want %v", tt.route, i, got[i], tt.want[i])
				}
			}
		})
	}
}
