package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vahid162/Smite/internal/config"
	"github.com/vahid162/Smite/internal/cores"
	"github.com/vahid162/Smite/internal/nodeclient"
	"github.com/vahid162/Smite/internal/supervisor"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	mgr := cores.NewManager(t.TempDir(), supervisor.NewManager())
	return New(mgr, nil, config.NodeSettings{
		NodeRole: "foreign",
		NodeName: "test-node",
	})
}

func postJSON(t *testing.T, srv *httptest.Server, path string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestApply_RejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(newTestAgent(t).Router())
	defer srv.Close()

	tests := []struct {
		name string
		req  nodeclient.ApplyRequest
		want int
	}{
		{"missing tunnel id", nodeclient.ApplyRequest{Core: "rathole", Mode: "server"}, http.StatusUnprocessableEntity},
		{"unknown core", nodeclient.ApplyRequest{TunnelID: "t1", Core: "wormhole", Mode: "server"}, http.StatusUnprocessableEntity},
		{"bad mode", nodeclient.ApplyRequest{TunnelID: "t1", Core: "rathole", Mode: "sideways"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv, "/api/agent/tunnels/apply", tt.req)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestRemove_UnknownTunnelSucceeds(t *testing.T) {
	srv := httptest.NewServer(newTestAgent(t).Router())
	defer srv.Close()

	resp := postJSON(t, srv, "/api/agent/tunnels/remove", nodeclient.RemoveRequest{TunnelID: "never-seen"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, removal must be idempotent", resp.StatusCode)
	}
}

func TestTunnelStatus_UnknownReadsStopped(t *testing.T) {
	srv := httptest.NewServer(newTestAgent(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/agent/tunnels/status?id=tx")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st nodeclient.TunnelStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Active || st.ProcessRunning || st.ConfigExists || st.State != "stopped" {
		t.Fatalf("status = %+v, want stopped", st)
	}
}

func TestStatus_ReportsRoleAndName(t *testing.T) {
	srv := httptest.NewServer(newTestAgent(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/agent/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st nodeclient.NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Role != "foreign" || st.Name != "test-node" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRegister_StandaloneWithoutPanel(t *testing.T) {
	a := newTestAgent(t)
	if err := a.Register(context.Background()); err != nil {
		t.Fatalf("standalone register should be a no-op, got %v", err)
	}
	if a.NodeID != "" {
		t.Fatal("standalone agent must not invent a node id")
	}
}

func TestRegister_AgainstPanel(t *testing.T) {
	panel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/nodes/register" {
			http.NotFound(w, r)
			return
		}
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Fingerprint == "" {
			t.Error("registration without fingerprint")
		}
		if req.Metadata["role"] != "foreign" {
			t.Errorf("role = %v", req.Metadata["role"])
		}
		json.NewEncoder(w).Encode(registerResponse{ID: "node-123"})
	}))
	defer panel.Close()

	a := newTestAgent(t)
	a.Cfg.PanelAddress = panel.URL
	if err := a.Register(context.Background()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.NodeID != "node-123" {
		t.Fatalf("node id = %q", a.NodeID)
	}
}

func TestCommSpec(t *testing.T) {
	cfg := config.NodeSettings{PanelAddress: "http://203.0.113.1:8000", NodeAPIPort: 8888}
	sp := commSpec(cfg, &commInfo{Enabled: true, ServerPort: 6000, Token: "s", RemotePort: 14321})
	if sp == nil {
		t.Fatal("commSpec returned nil")
	}
	if sp["server_addr"] != "203.0.113.1" || sp["server_port"] != 6000 {
		t.Fatalf("server = %v:%v", sp["server_addr"], sp["server_port"])
	}
	if sp["token"] != "s" {
		t.Fatalf("token = %v", sp["token"])
	}
	ports, ok := sp["ports"].([]interface{})
	if !ok || len(ports) != 1 {
		t.Fatalf("ports = %v", sp["ports"])
	}
	entry, _ := ports[0].(map[string]interface{})
	if entry["local"] != 8888 || entry["remote"] != 14321 {
		t.Fatalf("port entry = %v", entry)
	}

	if commSpec(config.NodeSettings{PanelAddress: "not a url"}, &commInfo{}) != nil {
		t.Fatal("unparseable panel address must yield nil")
	}
}
