package webhooks

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Hostnames that are never valid delivery targets regardless of DNS. The
// service names cover the containers this gateway typically ships next to.
var blockedHostnames = map[string]struct{}{
	"localhost":            {},
	"0.0.0.0":              {},
	"::1":                  {},
	"db":                   {},
	"postgres":             {},
	"redis":                {},
	"dragonfly":            {},
	"nginx":                {},
	"caddy":                {},
	"minio":                {},
	"api":                  {},
	"pgbouncer":            {},
	"mailhog":              {},
	"qdrant":               {},
	"cascata":              {},
	"host.docker.internal": {},
}

// ValidateTargetURL rejects URLs that could reach internal infrastructure.
// Every candidate hostname is resolved and all returned addresses must be
// publicly routable.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL has no hostname")
	}
	if _, blocked := blockedHostnames[host]; blocked {
		return fmt.Errorf("Security Violation: hostname %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return fmt.Errorf("Security Violation: IP %s is not publicly routable", ip)
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("hostname %q does not resolve: %w", host, err)
	}
	for _, ip := range addrs {
		if isForbiddenIP(ip) {
			return fmt.Errorf("Security Violation: hostname %q resolves to non-routable %s", host, ip)
		}
	}
	return nil
}

var forbiddenV4 = []string{
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"0.0.0.0/8",
}

var forbiddenV6 = []string{
	"::1/128",
	"::/128",
	"fc00::/7",
	"fe80::/10",
}

var forbiddenNets []*net.IPNet

func init() {
	for _, cidr := range append(forbiddenV4, forbiddenV6...) {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("bad builtin CIDR %q: %v", cidr, err))
		}
		forbiddenNets = append(forbiddenNets, network)
	}
}

func isForbiddenIP(ip net.IP) bool {
	for _, network := range forbiddenNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
