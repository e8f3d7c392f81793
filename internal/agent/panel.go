package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"

	"github.com/vahid162/Smite/internal/config"
	"github.com/vahid162/Smite/internal/cores"
	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/nodeclient"
	"github.com/vahid162/Smite/internal/spec"
)

// panelClient is the node's view of the panel API.
type panelClient struct {
	base string
	http *http.Client
}

func newPanelClient(base string) *panelClient {
	return &panelClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

type registerRequest struct {
	Name        string                 `json:"name"`
	Fingerprint string                 `json:"fingerprint"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// commInfo mirrors the panel's frp comm parameters in its register
// response. Nil when the panel runs no comm server.
type commInfo struct {
	Enabled    bool   `json:"enabled"`
	ServerPort int    `json:"server_port"`
	Token      string `json:"token"`
	RemotePort int    `json:"remote_port"`
}

type registerResponse struct {
	ID      string    `json:"id"`
	FrpComm *commInfo `json:"frp_comm"`
}

func (p *panelClient) register(ctx context.Context, req registerRequest) (*registerResponse, error) {
	var resp registerResponse
	if err := p.post(ctx, "/api/nodes/register", req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("panel returned no node id")
	}
	return &resp, nil
}

func (p *panelClient) pushUsage(ctx context.Context, report nodeclient.UsageReport) error {
	return p.post(ctx, "/api/usage/push", report, nil)
}

func (p *panelClient) heartbeat(ctx context.Context, nodeID string, metadata map[string]interface{}) error {
	return p.post(ctx, "/api/nodes/"+nodeID+"/heartbeat", map[string]interface{}{
		"metadata": metadata,
	}, nil)
}

func (p *panelClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("panel returned %d for %s", resp.StatusCode, path)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Register announces this node to the panel, retrying with backoff so
// the agent survives coming up before the panel does. No-op when no
// panel address is configured.
func (a *Agent) Register(ctx context.Context) error {
	if a.Cfg.PanelAddress == "" {
		log.Printf("[agent] no PANEL_ADDRESS configured, running standalone")
		return nil
	}
	client := newPanelClient(a.Cfg.PanelAddress)

	name := a.Cfg.NodeName
	if name == "" {
		name, _ = os.Hostname()
	}
	req := registerRequest{
		Name:        name,
		Fingerprint: Fingerprint(),
		Metadata: map[string]interface{}{
			"role":     a.Cfg.NodeRole,
			"api_port": a.Cfg.NodeAPIPort,
			"version":  Version,
		},
	}
	if a.Cfg.NodePublicIP != "" {
		req.Metadata["ip_address"] = a.Cfg.NodePublicIP
	}
	if a.Cfg.FrpComm {
		req.Metadata["frp_comm"] = true
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(2*time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := client.register(ctx, req)
		if err != nil {
			log.Printf("[agent] registration failed, retrying: %v", err)
			return retry.RetryableError(err)
		}
		a.NodeID = resp.ID
		log.Printf("[agent] registered with panel as %s", resp.ID)
		if a.Cfg.FrpComm {
			a.startComm(ctx, resp.FrpComm)
		}
		return nil
	})
}

// startComm runs a local frpc that reverse-proxies the agent API back
// through the panel's comm server. Failures are logged, not fatal: the
// node stays reachable on its public address if it has one.
func (a *Agent) startComm(ctx context.Context, info *commInfo) {
	if info == nil || !info.Enabled {
		log.Printf("[agent] FRP_COMM set but the panel runs no comm server")
		return
	}
	sp := commSpec(a.Cfg, info)
	if sp == nil {
		log.Printf("[agent] cannot derive comm spec from PANEL_ADDRESS %q", a.Cfg.PanelAddress)
		return
	}
	if err := a.Cores.Apply(ctx, commTunnelID, spec.CoreFrp, cores.ModeClient, sp); err != nil {
		log.Printf("[agent] comm channel failed: %v", err)
		return
	}
	log.Printf("[agent] comm channel up, panel reaches this node on remote port %d", info.RemotePort)
}

const commTunnelID = "frp-comm"

// commSpec builds the frpc client spec for the comm channel: local agent
// API port, remote port assigned by the panel.
func commSpec(cfg config.NodeSettings, info *commInfo) database.SpecMap {
	u, err := url.Parse(cfg.PanelAddress)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	sp := database.SpecMap{
		"server_addr": u.Hostname(),
		"server_port": info.ServerPort,
		"ports": []interface{}{
			map[string]interface{}{"local": cfg.NodeAPIPort, "remote": info.RemotePort},
		},
	}
	if info.Token != "" {
		sp["token"] = info.Token
	}
	return sp
}

// StartUsagePush schedules the periodic heartbeat and traffic sample
// push. Skipped entirely when the node runs standalone.
func (a *Agent) StartUsagePush(ctx context.Context, c *cron.Cron) error {
	if a.Cfg.PanelAddress == "" {
		return nil
	}
	client := newPanelClient(a.Cfg.PanelAddress)
	_, err := c.AddFunc(a.Cfg.UsagePushCron, func() {
		a.heartbeatOnce(ctx, client)
		a.pushUsageOnce(ctx, client)
	})
	if err != nil {
		return fmt.Errorf("schedule usage push: %w", err)
	}
	return nil
}

func (a *Agent) heartbeatOnce(ctx context.Context, client *panelClient) {
	if a.NodeID == "" {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := client.heartbeat(hctx, a.NodeID, map[string]interface{}{
		"version":        Version,
		"uptime_seconds": time.Since(a.started).Seconds(),
	})
	if err != nil {
		log.Printf("[agent] heartbeat failed: %v", err)
	}
}

func (a *Agent) pushUsageOnce(ctx context.Context, client *panelClient) {
	if a.Acct == nil {
		return
	}
	ids := a.Cores.Deployed()
	if len(ids) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	report := nodeclient.UsageReport{NodeID: a.NodeID}
	for _, id := range ids {
		if id == commTunnelID {
			continue
		}
		report.Samples = append(report.Samples, nodeclient.UsageSample{
			TunnelID:  id,
			BytesUsed: a.Acct.BytesFor(pctx, id),
		})
	}
	if len(report.Samples) == 0 {
		return
	}
	if err := client.pushUsage(pctx, report); err != nil {
		log.Printf("[agent] usage push failed: %v", err)
	}
}

// Fingerprint identifies this host across reinstalls of the agent:
// the machine ID when available, the hostname otherwise.
func Fingerprint() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
