package orchestrator

import (
	"context"
	"fmt"

	"github.com/vahid162/Smite/internal/cores"
	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/spec"
)

// The panel can run a dedicated frps instance nodes dial back through.
// An agent behind NAT exposes its API as a reverse proxy on this server,
// so the panel reaches it at 127.0.0.1:<remote port> instead of a public
// address. Configured through the "frp" settings group.
const (
	commTunnelID    = "frp-comm"
	commSettingsKey = "frp"

	// Below the per-tunnel frps band (7000-7999), so a derived control
	// port can never collide with the comm server.
	defaultCommPort = 6000

	// Agent API proxies land at 10000 + hash(node id) % 10000.
	commRemoteBase = 10000
)

// CommInfo is what a registering agent needs to dial the comm server.
type CommInfo struct {
	Enabled    bool   `json:"enabled"`
	ServerPort int    `json:"server_port"`
	Token      string `json:"token,omitempty"`
	RemotePort int    `json:"remote_port"`
}

type commConfig struct {
	enabled bool
	port    int
	token   string
}

func loadCommConfig() commConfig {
	s, err := database.GetSetting(commSettingsKey)
	if err != nil {
		return commConfig{}
	}
	cfg := commConfig{port: defaultCommPort}
	if v, ok := s["enabled"].(bool); ok {
		cfg.enabled = v
	}
	if v, ok := s["port"].(float64); ok && v > 0 {
		cfg.port = int(v)
	}
	if v, ok := s["token"].(string); ok {
		cfg.token = v
	}
	return cfg
}

// CommInfo returns the comm channel parameters for one node, or nil
// when the comm server is disabled.
func (o *Orchestrator) CommInfo(nodeID string) *CommInfo {
	cfg := loadCommConfig()
	if !cfg.enabled {
		return nil
	}
	return &CommInfo{
		Enabled:    true,
		ServerPort: cfg.port,
		Token:      cfg.token,
		RemotePort: commRemoteBase + spec.NodeHash(nodeID),
	}
}

// applyCommAddress rewrites the node's API address to the panel-local
// comm proxy when the agent asked for it and the comm server is on.
func (o *Orchestrator) applyCommAddress(n *database.Node) {
	wantsComm, _ := n.Metadata["frp_comm"].(bool)
	if !wantsComm {
		return
	}
	info := o.CommInfo(n.ID)
	if info == nil {
		return
	}
	n.Metadata["api_address"] = fmt.Sprintf("http://127.0.0.1:%d", info.RemotePort)
}

// EnsureCommServer reconciles the panel-local frps comm server with the
// current "frp" settings: started when enabled, torn down when not.
func (o *Orchestrator) EnsureCommServer(ctx context.Context) error {
	if o.Cores == nil {
		return nil
	}
	cfg := loadCommConfig()
	if !cfg.enabled {
		for _, id := range o.Cores.Deployed() {
			if id == commTunnelID {
				return o.Cores.Remove(ctx, commTunnelID)
			}
		}
		return nil
	}
	sp := database.SpecMap{"bind_port": cfg.port}
	if cfg.token != "" {
		sp["token"] = cfg.token
	}
	if err := o.Cores.Apply(ctx, commTunnelID, spec.CoreFrp, cores.ModeServer, sp); err != nil {
		return Wrap(KindEngineFailure, err, "comm server")
	}
	return nil
}
