package util

import (
	"fmt"
	"net"
	"net/url"
)

// IPClassification is the network class of an address, used to keep
// outbound fetches (request_uri, client notification endpoints) away from
// internal networks.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable IP address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates a loopback address (127.0.0.0/8, ::1).
	IPClassificationLoopback
	// IPClassificationPrivate indicates a private address (RFC 1918, ULA).
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates a link-local address (169.254.x.x, fe80::/10).
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates an unspecified address (0.0.0.0, ::).
	IPClassificationUnspecified
)

// String returns a human-readable name for the IP classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of an IP address. A nil IP is
// treated as unspecified.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case IsLinkLocal(ip):
		// covers cloud metadata endpoints such as 169.254.169.254
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	}
	return IPClassificationPublic
}

// IsLinkLocal checks if an IP address is link-local (unicast or multicast).
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsPrivateOrInternal reports whether ip is anything other than public.
func IsPrivateOrInternal(ip net.IP) bool {
	return ClassifyIP(ip) != IPClassificationPublic
}

// IsLoopbackHostname checks if a hostname (without port) is localhost or a
// loopback literal. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateOutboundURL checks that rawURL is an absolute https URL whose host
// is not an internal IP literal. When allowInternal is set (local
// development) plain http and internal hosts are accepted.
//
// Hostnames are not resolved here; the dialer used for the fetch must apply
// the same policy to resolved addresses.
func ValidateOutboundURL(rawURL string, allowInternal bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("URL must be absolute")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not contain credentials")
	}
	if allowInternal {
		if u.Scheme != "https" && u.Scheme != "http" {
			return fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		return nil
	}
	if u.Scheme != "https" {
		return fmt.Errorf("URL must use https")
	}
	host := u.Hostname()
	if IsLoopbackHostname(host) {
		return fmt.Errorf("loopback host %q not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateOrInternal(ip) {
		return fmt.Errorf("%s address %q not allowed", ClassifyIP(ip), host)
	}
	return nil
}
