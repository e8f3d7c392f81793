package cores

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/vahid162/Smite/internal/config"
	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/spec"
)

// Rathole renders rathole's TOML config. One service block per forwarded
// port, named "<tunnel>-<port>" so both ends agree on service identity.
type Rathole struct{}

func (Rathole) Core() string { return spec.CoreRathole }

func (Rathole) Prepare(root, tunnelID, mode string, sp database.SpecMap) (*Command, error) {
	dir, err := configDir(root, spec.CoreRathole)
	if err != nil {
		return nil, err
	}

	ports, err := spec.NormalizePorts(sp["ports"], "")
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("rathole endpoint has no ports")
	}
	token := specString(sp, "token")
	transport := ratholeTransport(specString(sp, "transport", "type"))

	doc := map[string]interface{}{}
	switch mode {
	case ModeServer:
		services := map[string]interface{}{}
		for _, p := range ports {
			services[serviceName(tunnelID, p.Local)] = map[string]interface{}{
				"token":     token,
				"bind_addr": fmt.Sprintf("0.0.0.0:%d", p.Remote),
			}
		}
		doc["server"] = map[string]interface{}{
			"bind_addr": specString(sp, "bind_addr"),
			"transport": map[string]interface{}{"type": transport},
			"services":  services,
		}
	case ModeClient:
		services := map[string]interface{}{}
		for _, p := range ports {
			host := p.TargetHost
			if host == "" {
				host = "127.0.0.1"
			}
			services[serviceName(tunnelID, p.Local)] = map[string]interface{}{
				"token":      token,
				"local_addr": spec.JoinHostPort(host, p.Local),
			}
		}
		doc["client"] = map[string]interface{}{
			"remote_addr": specString(sp, "remote_addr"),
			"transport":   map[string]interface{}{"type": transport},
			"services":    services,
		}
	default:
		return nil, fmt.Errorf("unknown rathole mode %q", mode)
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render rathole config: %w", err)
	}
	cfgPath := filepath.Join(dir, tunnelID+".toml")
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return nil, err
	}

	return &Command{
		Argv:       []string{resolveBinary(config.Bin.Rathole, "rathole"), cfgPath},
		LogPath:    logPath(root, spec.CoreRathole, tunnelID),
		ConfigPath: cfgPath,
	}, nil
}

func serviceName(tunnelID string, port int) string {
	return fmt.Sprintf("%s-%d", tunnelID, port)
}

// ratholeTransport maps the tunnel type to rathole's transport names.
func ratholeTransport(t string) string {
	switch t {
	case "ws", "websocket":
		return "websocket"
	case "noise":
		return "noise"
	default:
		return "tcp"
	}
}
