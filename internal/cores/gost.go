package cores

import (
	"fmt"

	"github.com/vahid162/Smite/internal/config"
	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/spec"
)

// Gost is a plain port forwarder: one -L listener per port, dialing the
// remote endpoint directly. Server-only; there is no client half.
type Gost struct{}

func (Gost) Core() string { return spec.CoreGost }

func (Gost) Prepare(root, tunnelID, mode string, sp database.SpecMap) (*Command, error) {
	if mode != ModeServer {
		return nil, fmt.Errorf("gost has no %q mode", mode)
	}
	ports, err := spec.NormalizePorts(sp["ports"], "")
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("gost endpoint has no ports")
	}

	typ := specString(sp, "type", "transport")
	if typ == "" {
		typ = "tcp"
	}
	target := specString(sp, "forward_to")
	remoteIP := specString(sp, "remote_ip")
	if remoteIP == "" {
		remoteIP = "127.0.0.1"
	}

	listenHost := ""
	if specBool(sp, "use_ipv6") {
		listenHost = "[::]"
	}

	argv := []string{resolveBinary(config.Bin.Gost, "gost")}
	for _, p := range ports {
		dest := target
		if dest == "" {
			dest = spec.JoinHostPort(remoteIP, p.Remote)
		}
		argv = append(argv, fmt.Sprintf("-L=%s://%s:%d/%s", typ, listenHost, p.Local, dest))
	}

	return &Command{
		Argv:    argv,
		LogPath: logPath(root, spec.CoreGost, tunnelID),
	}, nil
}
