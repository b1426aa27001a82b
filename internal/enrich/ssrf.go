package enrich

import (
	"context"
	"fmt"
	"net"

	apperrors "tile-describer/internal/common/errors"
)

// cgnatBlock is 100.64.0.0/10, carrier-grade NAT space.
var cgnatBlock = func() *net.IPNet {
	_, block, _ := net.ParseCIDR("100.64.0.0/10")
	return block
}()

// checkRemoteHost resolves host and rejects it when any resulting address is
// private, loopback, link-local or otherwise reserved. The check happens
// before any bytes are requested, so a blocked thumbnail URL never causes a
// download.
func checkRemoteHost(ctx context.Context, resolver *net.Resolver, host string) error {
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return apperrors.UpstreamError(fmt.Sprintf("failed to resolve thumbnail host %q", host), err)
		}
		for _, addr := range addrs {
			ips = append(ips, addr.IP)
		}
	}

	if len(ips) == 0 {
		return apperrors.UpstreamError(fmt.Sprintf("thumbnail host %q resolved to no addresses", host), nil)
	}

	for _, ip := range ips {
		if reason := disallowedAddress(ip); reason != "" {
			return apperrors.BlockedError(
				fmt.Sprintf("thumbnail host %q resolves to %s address %s", host, reason, ip))
		}
	}
	return nil
}

// disallowedAddress returns a non-empty reason when ip must not be fetched.
func disallowedAddress(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate():
		return "private"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsUnspecified():
		return "unspecified"
	case ip.IsMulticast():
		return "multicast"
	case cgnatBlock.Contains(ip):
		return "reserved"
	case ip.Equal(net.IPv4bcast):
		return "broadcast"
	}
	return ""
}
