package security

import (
	"net"
	"strings"

	"github.com/chestnet/chestnet-go/internal/conf"
)

// IsInLocalSubnet checks if the given IP is in the same /24 subnet as any
// local network interface.
func IsInLocalSubnet(clientIP net.IP) bool {
	if clientIP == nil {
		return false
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		logger.Warn("failed to get network interface addresses", "error", err)
		return false
	}

	clientSubnet := getIPv4Subnet(clientIP)
	if clientSubnet == nil {
		return false
	}

	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}

		serverSubnet := getIPv4Subnet(ipnet.IP)
		if serverSubnet != nil && clientSubnet.Equal(serverSubnet) {
			return true
		}
	}
	return false
}

// getIPv4Subnet converts an IP address to its /24 subnet address
func getIPv4Subnet(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}

	ipv4 := ip.To4()
	if ipv4 == nil {
		return nil
	}

	return ipv4.Mask(net.CIDRMask(IPv4SubnetMaskBits, IPv4TotalAddressBits))
}

// IsRequestFromAllowedSubnet reports whether the client IP matches the
// configured subnet bypass. The Subnet setting is a comma separated CIDR
// list; malformed entries are skipped with a warning.
func IsRequestFromAllowedSubnet(clientIP net.IP, settings *conf.AllowSubnetBypass) bool {
	if settings == nil || !settings.Enabled || clientIP == nil {
		return false
	}

	for _, cidr := range strings.Split(settings.Subnet, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}

		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("skipping malformed bypass CIDR", "cidr", cidr, "error", err)
			continue
		}

		if network.Contains(clientIP) {
			return true
		}
	}
	return false
}
