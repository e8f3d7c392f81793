package cores

import (
	"fmt"
	"strconv"

	"github.com/vahid162/Smite/internal/config"
	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/spec"
)

// Chisel is argv-only: no config file, everything on the command line.
type Chisel struct{}

func (Chisel) Core() string { return spec.CoreChisel }

func (Chisel) Prepare(root, tunnelID, mode string, sp database.SpecMap) (*Command, error) {
	ports, err := spec.NormalizePorts(sp["ports"], "")
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("chisel endpoint has no ports")
	}
	bin := resolveBinary(config.Bin.Chisel, "chisel")

	var argv []string
	switch mode {
	case ModeServer:
		serverPort := specInt(sp, "server_port")
		if serverPort == 0 {
			return nil, fmt.Errorf("chisel server has no server_port")
		}
		argv = []string{bin, "server", "--reverse", "--port", strconv.Itoa(serverPort)}
		if auth := specString(sp, "auth"); auth != "" {
			argv = append(argv, "--auth", auth)
		}
		if specBool(sp, "use_ipv6") {
			argv = append(argv, "--host", "::")
		}
	case ModeClient:
		serverURL := specString(sp, "server_url")
		if serverURL == "" {
			return nil, fmt.Errorf("chisel client has no server_url")
		}
		argv = []string{bin, "client", "--keepalive", "25s"}
		if auth := specString(sp, "auth"); auth != "" {
			argv = append(argv, "--auth", auth)
		}
		if fp := specString(sp, "fingerprint"); fp != "" {
			argv = append(argv, "--fingerprint", fp)
		}
		argv = append(argv, serverURL)
		for _, p := range ports {
			host := p.TargetHost
			if host == "" {
				host = "127.0.0.1"
			}
			// R: remotes open the listen port on the server side.
			argv = append(argv, fmt.Sprintf("R:%d:%s:%d", p.Local, host, p.Remote))
		}
	default:
		return nil, fmt.Errorf("unknown chisel mode %q", mode)
	}

	return &Command{
		Argv:    argv,
		LogPath: logPath(root, spec.CoreChisel, tunnelID),
	}, nil
}
