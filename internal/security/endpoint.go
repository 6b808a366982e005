package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrEndpointNotAllowed is returned for outbound URLs that could reach the
// service's own network.
var ErrEndpointNotAllowed = errors.New("security: endpoint not allowed")

const resolveTimeout = 3 * time.Second

var (
	blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}
	sharedSpace  = netip.MustParsePrefix("100.64.0.0/10")
)

// ValidateEndpointURL checks an outbound provider URL such as the scoring
// bureau. It must be https and neither its literal host nor any resolved
// address may be loopback, private, link-local, shared or unspecified.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL", ErrEndpointNotAllowed)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be https", ErrEndpointNotAllowed)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrEndpointNotAllowed)
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrEndpointNotAllowed, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrEndpointNotAllowed, host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsUnspecified(),
		addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast(),
		sharedSpace.Contains(addr):
		return fmt.Errorf("%w: address %s", ErrEndpointNotAllowed, addr)
	}
	return nil
}
