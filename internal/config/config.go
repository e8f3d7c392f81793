package config

import (
	"fmt"
	"log"

	"github.com/kelseyhightower/envconfig"
)

// PanelSettings configures the panel binary.
type PanelSettings struct {
	PanelPort int    `envconfig:"PANEL_PORT" default:"8000"`
	PanelHost string `envconfig:"PANEL_HOST" default:"0.0.0.0"`

	// Public address advertised to nodes when no better source is available.
	PanelPublicIP string `envconfig:"PANEL_PUBLIC_IP" default:""`
	PanelIP       string `envconfig:"PANEL_IP" default:""`

	// Serve the API over TLS with a generated self-signed certificate.
	PanelTLS bool `envconfig:"PANEL_TLS" default:"false"`

	DataPath string `envconfig:"DATA_PATH" default:"/app/data"`
	DBPath   string `envconfig:"DB_PATH" default:"/app/data/smite.db"`
	LogPath  string `envconfig:"LOG_PATH" default:"/app/data/smite.log"`
}

// NodeSettings configures the node agent binary.
type NodeSettings struct {
	NodeAPIPort int    `envconfig:"NODE_API_PORT" default:"8888"`
	NodeRole    string `envconfig:"NODE_ROLE" default:"iran"`
	NodeName    string `envconfig:"NODE_NAME" default:""`

	// Address of the panel this node reports to, e.g. "http://203.0.113.1:8000".
	PanelAddress string `envconfig:"PANEL_ADDRESS" default:""`

	// Public address this node advertises for tunnel endpoints.
	NodePublicIP string `envconfig:"NODE_PUBLIC_IP" default:""`

	ConfigRoot string `envconfig:"NODE_CONFIG_ROOT" default:"/etc/smite-node"`
	LogPath    string `envconfig:"NODE_LOG_PATH" default:"/etc/smite-node/smite-node.log"`

	// How often the agent samples traffic counters and pushes usage.
	UsagePushCron string `envconfig:"USAGE_PUSH_CRON" default:"@every 1m"`

	// When set, the agent exposes its API back to the panel through the
	// panel's frps comm server instead of relying on a public address.
	FrpComm bool `envconfig:"FRP_COMM" default:"false"`
}

// BinarySettings resolves engine binary locations. Shared by panel and node.
type BinarySettings struct {
	Rathole     string `envconfig:"RATHOLE_BINARY" default:""`
	Backhaul    string `envconfig:"BACKHAUL_CLIENT_BINARY" default:""`
	Chisel      string `envconfig:"CHISEL_BINARY" default:""`
	Frpc        string `envconfig:"FRPC_BINARY" default:""`
	Frps        string `envconfig:"FRPS_BINARY" default:""`
	Gost        string `envconfig:"GOST_BINARY" default:""`
	BackhaulDir string `envconfig:"SMITE_BACKHAUL_CLIENT_DIR" default:""`
}

var (
	Panel PanelSettings
	Node  NodeSettings
	Bin   BinarySettings
)

// LoadPanel populates Panel and Bin from the environment.
func LoadPanel() {
	if err := envconfig.Process("", &Panel); err != nil {
		log.Fatalf("failed to load panel config: %v", err)
	}
	if err := envconfig.Process("", &Bin); err != nil {
		log.Fatalf("failed to load binary config: %v", err)
	}
}

// LoadNode populates Node and Bin from the environment.
func LoadNode() {
	if err := envconfig.Process("", &Node); err != nil {
		log.Fatalf("failed to load node config: %v", err)
	}
	if err := envconfig.Process("", &Bin); err != nil {
		log.Fatalf("failed to load binary config: %v", err)
	}
	if Node.NodeRole != "iran" && Node.NodeRole != "foreign" {
		log.Fatalf("NODE_ROLE must be 'iran' or 'foreign', got %q", Node.NodeRole)
	}
}

// PublicIP returns the configured public panel address, preferring PANEL_PUBLIC_IP.
func (s PanelSettings) PublicIP() string {
	if s.PanelPublicIP != "" {
		return s.PanelPublicIP
	}
	return s.PanelIP
}

// ListenAddr returns the host:port the panel API binds to.
func (s PanelSettings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.PanelHost, s.PanelPort)
}
