package spec

import (
	"fmt"
	"strconv"
	"strings"
)

// PortMapping is one forwarded port after normalization.
type PortMapping struct {
	Local      int    // listen port on the ingress side
	Remote     int    // target port on the service side
	TargetHost string // target host, defaults to 127.0.0.1
}

func (p PortMapping) String() string {
	host := p.TargetHost
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%d=%s:%d", p.Local, host, p.Remote)
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// parseOne converts a single ports entry in any accepted shape into a
// PortMapping. Accepted shapes: 8080, "8080", "8080=host:8081",
// {"local": 8080, "remote": 8081, "target_host": "..."}.
func parseOne(v interface{}, defaultTargetHost string) (PortMapping, error) {
	if defaultTargetHost == "" {
		defaultTargetHost = "127.0.0.1"
	}
	if n, ok := toInt(v); ok {
		if n <= 0 || n > 65535 {
			return PortMapping{}, fmt.Errorf("port %d out of range", n)
		}
		return PortMapping{Local: n, Remote: n, TargetHost: defaultTargetHost}, nil
	}
	switch e := v.(type) {
	case string:
		s := strings.TrimSpace(e)
		if local, rest, found := strings.Cut(s, "="); found {
			lp, ok := toInt(local)
			if !ok {
				return PortMapping{}, fmt.Errorf("invalid port entry %q", s)
			}
			host, portStr, found := splitHostPort(rest)
			if !found {
				return PortMapping{}, fmt.Errorf("invalid target in port entry %q", s)
			}
			rp, ok := toInt(portStr)
			if !ok {
				return PortMapping{}, fmt.Errorf("invalid target port in entry %q", s)
			}
			return PortMapping{Local: lp, Remote: rp, TargetHost: host}, nil
		}
		return PortMapping{}, fmt.Errorf("invalid port entry %q", s)
	case map[string]interface{}:
		local, ok := firstInt(e, "local", "listen_port", "public_port")
		if !ok {
			return PortMapping{}, fmt.Errorf("port mapping missing local port")
		}
		remote, ok := firstInt(e, "remote", "target_port", "remote_port")
		if !ok {
			remote = local
		}
		host := defaultTargetHost
		if th, ok := e["target_host"].(string); ok && th != "" {
			host = th
		}
		return PortMapping{Local: local, Remote: remote, TargetHost: host}, nil
	}
	return PortMapping{}, fmt.Errorf("unsupported port entry type %T", v)
}

func firstInt(m map[string]interface{}, keys ...string) (int, bool) {
	for _, k := range keys {
		if v, present := m[k]; present {
			if n, ok := toInt(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// splitHostPort splits "host:port" and "[v6]:port" forms.
func splitHostPort(s string) (host, port string, ok bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 || end+1 >= len(s) || s[end+1] != ':' {
			return "", "", false
		}
		return s[1:end], s[end+2:], true
	}
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// NormalizePorts canonicalizes the "ports" value of a tunnel spec.
// Accepted inputs: a single int, a comma-separated string, or a list whose
// entries are ints, numeric strings, "local=host:port" strings, or mappings.
func NormalizePorts(v interface{}, defaultTargetHost string) ([]PortMapping, error) {
	if v == nil {
		return nil, nil
	}
	var entries []interface{}
	switch e := v.(type) {
	case []interface{}:
		entries = e
	case string:
		for _, part := range strings.Split(e, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			entries = append(entries, strings.TrimSpace(part))
		}
	default:
		entries = []interface{}{v}
	}

	var out []PortMapping
	for _, entry := range entries {
		if entry == nil || entry == "" {
			continue
		}
		pm, err := parseOne(entry, defaultTargetHost)
		if err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, nil
}

// Ints returns the local ports of the mappings.
func Ints(mappings []PortMapping) []int {
	out := make([]int, len(mappings))
	for i, m := range mappings {
		out[i] = m.Local
	}
	return out
}

// BackhaulStrings renders mappings in backhaul's "local=host:port" form.
func BackhaulStrings(mappings []PortMapping) []string {
	out := make([]string, len(mappings))
	for i, m := range mappings {
		out[i] = m.String()
	}
	return out
}

// IntsAsInterfaces converts the local port list into a JSON-friendly slice
// for persisting back into the spec column.
func IntsAsInterfaces(mappings []PortMapping) []interface{} {
	out := make([]interface{}, len(mappings))
	for i, m := range mappings {
		out[i] = m.Local
	}
	return out
}

// StringsAsInterfaces converts backhaul port strings for persistence.
func StringsAsInterfaces(mappings []PortMapping) []interface{} {
	out := make([]interface{}, len(mappings))
	for i, m := range mappings {
		out[i] = m.String()
	}
	return out
}
