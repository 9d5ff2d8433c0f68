package trace

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// Origin identifies a logical server: scheme, hostname and port.
type Origin struct {
	Scheme   string `json:"scheme"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

// DefaultPort returns the port implied by scheme when a URL carries none.
func DefaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// Key returns the canonical form scheme://host:port. Two origins are equal
// iff their keys are equal.
func (o Origin) Key() string {
	return o.Scheme + "://" + net.JoinHostPort(o.Hostname, strconv.Itoa(o.Port))
}

func (o Origin) String() string {
	return o.Key()
}

// ParseOrigin builds an origin from a scheme and a host with optional port,
// as found in a URL authority or a Host header.
func ParseOrigin(scheme, hostport string) (Origin, error) {
	scheme = strings.ToLower(strings.TrimSuffix(scheme, ":"))
	if scheme == "" {
		return Origin{}, fmt.Errorf("missing scheme")
	}
	if hostport == "" {
		return Origin{}, fmt.Errorf("missing host")
	}

	host, portStr := hostport, ""
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		host, portStr = h, p
	} else {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	if host == "" {
		return Origin{}, fmt.Errorf("missing hostname in %q", hostport)
	}

	port := DefaultPort(scheme)
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return Origin{}, fmt.Errorf("invalid port in %q", hostport)
		}
		port = p
	}

	return Origin{
		Scheme:   scheme,
		Hostname: strings.ToLower(host),
		Port:     port,
	}, nil
}

// OriginOf returns the origin of an absolute URL.
func OriginOf(u *url.URL) (Origin, error) {
	return ParseOrigin(u.Scheme, u.Host)
}

// RequestPath returns the path and query used to key recorded responses.
func RequestPath(u *url.URL) string {
	p := u.RequestURI()
	if p == "" {
		return "/"
	}
	return p
}

// NormalizeIP strips the brackets some recorders put around IPv6 addresses
// and rewrites parseable addresses in canonical form, so one server is one key.
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	ip = strings.TrimSuffix(strings.TrimPrefix(ip, "["), "]")
	if addr, err := netip.ParseAddr(ip); err == nil {
		return addr.Unmap().String()
	}
	return ip
}
