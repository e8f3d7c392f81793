package cores

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/vahid162/Smite/internal/config"
	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/spec"
)

// clientOptionKeys are the backhaul settings users may pass through the
// tunnel spec verbatim. Anything else is dropped so a typo cannot turn
// into a silently ignored engine option.
var clientOptionKeys = map[string]bool{
	"connection_pool":  true,
	"retry_interval":   true,
	"nodelay":          true,
	"keepalive_period": true,
	"log_level":        true,
	"pprof":            true,
	"sniffer":          true,
	"sniffer_log":      true,
	"dial_timeout":     true,
	"aggressive_pool":  true,
	"edge_ip":          true,
	"skip_optz":        true,
	"mss":              true,
	"so_rcvbuf":        true,
	"so_sndbuf":        true,
	"accept_udp":       true,
	"web_port":         true,
}

// Backhaul renders backhaul's single-section TOML config.
type Backhaul struct{}

func (Backhaul) Core() string { return spec.CoreBackhaul }

func (Backhaul) Prepare(root, tunnelID, mode string, sp database.SpecMap) (*Command, error) {
	dir, err := configDir(root, spec.CoreBackhaul)
	if err != nil {
		return nil, err
	}

	transport := specString(sp, "transport", "type")
	if transport == "" {
		transport = "tcp"
	}

	section := map[string]interface{}{
		"transport": transport,
	}
	if token := specString(sp, "token"); token != "" {
		section["token"] = token
	}
	copyClientOptions(sp, section)

	switch mode {
	case ModeServer:
		section["bind_addr"] = specString(sp, "bind_addr")
		ports, err := spec.NormalizePorts(sp["ports"], specString(sp, "target_host"))
		if err != nil {
			return nil, err
		}
		if len(ports) == 0 {
			return nil, fmt.Errorf("backhaul server has no ports")
		}
		section["ports"] = spec.BackhaulStrings(ports)
		if cert := specString(sp, "tls_cert"); cert != "" {
			section["tls_cert"] = cert
			section["tls_key"] = specString(sp, "tls_key")
		}
	case ModeClient:
		remote := specString(sp, "remote_addr")
		if remote == "" {
			return nil, fmt.Errorf("backhaul client has no remote_addr")
		}
		// backhaul expects a bare host:port; the scheme lives in transport.
		section["remote_addr"] = strings.TrimPrefix(strings.TrimPrefix(remote, "wss://"), "ws://")
	default:
		return nil, fmt.Errorf("unknown backhaul mode %q", mode)
	}

	doc := map[string]interface{}{mode: section}
	data, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render backhaul config: %w", err)
	}
	cfgPath := filepath.Join(dir, tunnelID+".toml")
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return nil, err
	}

	return &Command{
		Argv:       []string{backhaulBinary(), "-c", cfgPath},
		LogPath:    logPath(root, spec.CoreBackhaul, tunnelID),
		ConfigPath: cfgPath,
	}, nil
}

// copyClientOptions passes whitelisted engine options through with
// defaults for the ones backhaul misbehaves without.
func copyClientOptions(sp database.SpecMap, out map[string]interface{}) {
	for key := range clientOptionKeys {
		if v, present := sp[key]; present && v != nil && v != "" {
			out[key] = normalizeOption(v)
		}
	}
	for key, v := range sp {
		if strings.HasPrefix(key, "mux_") && v != nil && v != "" {
			out[key] = normalizeOption(v)
		}
	}
	if _, ok := out["connection_pool"]; !ok {
		out["connection_pool"] = 4
	}
	if _, ok := out["retry_interval"]; !ok {
		out["retry_interval"] = 3
	}
	if _, ok := out["dial_timeout"]; !ok {
		out["dial_timeout"] = 10
	}
}

// normalizeOption collapses JSON's float64 into ints where possible so
// the TOML does not end up with "connection_pool = 4.0".
func normalizeOption(v interface{}) interface{} {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return v
}

// backhaulBinary honors a pinned per-install client build when one is
// present under SMITE_BACKHAUL_CLIENT_DIR.
func backhaulBinary() string {
	if config.Bin.BackhaulDir != "" {
		if p := filepath.Join(config.Bin.BackhaulDir, "backhaul"); fileExists(p) {
			return p
		}
	}
	return resolveBinary(config.Bin.Backhaul, "backhaul")
}
