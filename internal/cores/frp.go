package cores

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/vahid162/Smite/internal/config"
	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/spec"
)

// Frp runs frps on the server side (flags only) and frpc on the client
// side with a generated YAML config.
type Frp struct{}

func (Frp) Core() string { return spec.CoreFrp }

type frpcProxy struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	LocalIP    string `yaml:"localIP"`
	LocalPort  int    `yaml:"localPort"`
	RemotePort int    `yaml:"remotePort"`
}

type frpcAuth struct {
	Method string `yaml:"method"`
	Token  string `yaml:"token"`
}

type frpcConfig struct {
	ServerAddr string      `yaml:"serverAddr"`
	ServerPort int         `yaml:"serverPort"`
	Auth       *frpcAuth   `yaml:"auth,omitempty"`
	Proxies    []frpcProxy `yaml:"proxies"`
}

func (Frp) Prepare(root, tunnelID, mode string, sp database.SpecMap) (*Command, error) {
	switch mode {
	case ModeServer:
		bindPort := specInt(sp, "bind_port")
		if bindPort == 0 {
			return nil, fmt.Errorf("frps has no bind_port")
		}
		argv := []string{resolveBinary(config.Bin.Frps, "frps"), "--bind_port", strconv.Itoa(bindPort)}
		if token := specString(sp, "token"); token != "" {
			argv = append(argv, "--token", token)
		}
		return &Command{
			Argv:    argv,
			LogPath: logPath(root, spec.CoreFrp, tunnelID),
		}, nil

	case ModeClient:
		dir, err := configDir(root, spec.CoreFrp)
		if err != nil {
			return nil, err
		}
		serverAddr := specString(sp, "server_addr")
		serverPort := specInt(sp, "server_port")
		if serverAddr == "" || serverPort == 0 {
			return nil, fmt.Errorf("frpc has no server address")
		}
		ports, err := spec.NormalizePorts(sp["ports"], "")
		if err != nil {
			return nil, err
		}
		if len(ports) == 0 {
			return nil, fmt.Errorf("frpc has no ports")
		}

		typ := specString(sp, "type")
		if typ != "udp" {
			typ = "tcp"
		}
		cfg := frpcConfig{ServerAddr: serverAddr, ServerPort: serverPort}
		if token := specString(sp, "token"); token != "" {
			cfg.Auth = &frpcAuth{Method: "token", Token: token}
		}
		for _, p := range ports {
			host := p.TargetHost
			if host == "" {
				host = "127.0.0.1"
			}
			cfg.Proxies = append(cfg.Proxies, frpcProxy{
				Name:       serviceName(tunnelID, p.Local),
				Type:       typ,
				LocalIP:    host,
				LocalPort:  p.Local,
				RemotePort: p.Remote,
			})
		}

		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return nil, fmt.Errorf("render frpc config: %w", err)
		}
		cfgPath := filepath.Join(dir, tunnelID+".yaml")
		if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
			return nil, err
		}
		return &Command{
			Argv:       []string{resolveBinary(config.Bin.Frpc, "frpc"), "-c", cfgPath},
			LogPath:    logPath(root, spec.CoreFrp, tunnelID),
			ConfigPath: cfgPath,
		}, nil
	}
	return nil, fmt.Errorf("unknown frp mode %q", mode)
}
