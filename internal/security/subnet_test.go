package security

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chestnet/chestnet-go/internal/conf"
)

func TestIsRequestFromAllowedSubnet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		clientIP string
		bypass   conf.AllowSubnetBypass
		want     bool
	}{
		{
			name:     "disabled bypass",
			clientIP: "192.168.1.10",
			bypass:   conf.AllowSubnetBypass{Enabled: false, Subnet: "192.168.1.0/24"},
			want:     false,
		},
		{
			name:     "inside single subnet",
			clientIP: "192.168.1.10",
			bypass:   conf.AllowSubnetBypass{Enabled: true, Subnet: "192.168.1.0/24"},
			want:     true,
		},
		{
			name:     "outside subnet",
			clientIP: "10.0.0.5",
			bypass:   conf.AllowSubnetBypass{Enabled: true, Subnet: "192.168.1.0/24"},
			want:     false,
		},
		{
			name:     "matches second entry in list",
			clientIP: "10.0.0.5",
			bypass:   conf.AllowSubnetBypass{Enabled: true, Subnet: "192.168.1.0/24,10.0.0.0/8"},
			want:     true,
		},
		{
			name:     "malformed entry skipped",
			clientIP: "10.0.0.5",
			bypass:   conf.AllowSubnetBypass{Enabled: true, Subnet: "not-a-cidr,10.0.0.0/8"},
			want:     true,
		},
		{
			name:     "invalid client ip",
			clientIP: "not-an-ip",
			bypass:   conf.AllowSubnetBypass{Enabled: true, Subnet: "192.168.1.0/24"},
			want:     false,
		},
		{
			name:     "empty subnet list",
			clientIP: "192.168.1.10",
			bypass:   conf.AllowSubnetBypass{Enabled: true, Subnet: ""},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := IsRequestFromAllowedSubnet(tt.clientIP, &tt.bypass)
			assert.Equal(t, tt.want, got)
		})
	}
}
