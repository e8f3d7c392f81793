package spec

import (
	"fmt"
	"net"
	"strings"
)

// ParseAddressPort splits an address like "0.0.0.0:23333", "[::1]:80",
// "ws://host:80" or a bare host into host, port (0 when absent) and an
// IPv6 flag.
func ParseAddressPort(addr string) (host string, port int, ipv6 bool) {
	addr = strings.TrimSpace(addr)
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	// A bare IPv6 literal has colons but no port.
	if ip := net.ParseIP(addr); ip != nil {
		return addr, 0, ip.To4() == nil
	}
	if h, p, ok := splitHostPort(addr); ok {
		if n, valid := toInt(p); valid {
			ip := net.ParseIP(h)
			return h, n, ip != nil && ip.To4() == nil
		}
	}
	ip := net.ParseIP(strings.Trim(addr, "[]"))
	return strings.Trim(addr, "[]"), 0, ip != nil && ip.To4() == nil
}

// BracketHost wraps IPv6 literals in brackets for URL forms.
func BracketHost(host string) string {
	ip := net.ParseIP(host)
	if ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}

// JoinHostPort formats host:port, bracketing IPv6 literals.
func JoinHostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", BracketHost(host), port)
}

// isUnroutable reports whether host cannot be advertised to a remote node.
func isUnroutable(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1", "0.0.0.0", "::":
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

// PanelHostSources lists the candidates for the panel address advertised to
// nodes, in resolution order.
type PanelHostSources struct {
	SpecHost         string // user-supplied panel_host in the tunnel spec
	NodePanelAddress string // node.metadata.panel_address
	RequestHost      string // hostname of the inbound API request
	ForwardedHost    string // X-Forwarded-Host header
	EnvPublicIP      string // PANEL_PUBLIC_IP / PANEL_IP
}

// stripToHost reduces "scheme://host:port" or "host:port" to the bare host.
func stripToHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if h, _, ok := splitHostPort(s); ok {
		return h
	}
	return strings.Trim(s, "[]")
}

// ResolvePanelHost picks the first routable candidate. An unroutable result
// is a hard error: a node told to dial loopback can never reach the panel.
func ResolvePanelHost(src PanelHostSources) (string, error) {
	for _, candidate := range []string{
		src.SpecHost,
		src.NodePanelAddress,
		src.RequestHost,
		src.ForwardedHost,
		src.EnvPublicIP,
	} {
		host := stripToHost(candidate)
		if host != "" && !isUnroutable(host) {
			return host, nil
		}
	}
	return "", fmt.Errorf("cannot determine a routable panel address: set panel_address in node metadata or PANEL_PUBLIC_IP on the panel")
}
