package spec

import (
	"fmt"
	"strings"
	"testing"

	"github.com/vahid162/Smite/internal/database"
)

func TestControlPort_Deterministic(t *testing.T) {
	a, err := ControlPort(CoreRathole, "tunnel-1", 0, 0)
	if err != nil {
		t.Fatalf("ControlPort: %v", err)
	}
	b, _ := ControlPort(CoreRathole, "tunnel-1", 0, 0)
	if a != b {
		t.Fatalf("control port not stable: %d vs %d", a, b)
	}
	if a < 23333 || a >= 24333 {
		t.Fatalf("rathole control port %d outside [23333, 24333)", a)
	}

	if p, _ := ControlPort(CoreRathole, "tunnel-1", 24000, 0); p != 24000 {
		t.Fatalf("override ignored, got %d", p)
	}

	c, err := ControlPort(CoreChisel, "tunnel-1", 0, 8443)
	if err != nil {
		t.Fatalf("chisel control port: %v", err)
	}
	if c < 18443 || c >= 19443 {
		t.Fatalf("chisel control port %d outside [18443, 19443)", c)
	}
}

func TestDerive_RatholeTCP(t *testing.T) {
	d, err := Derive(Input{
		TunnelID:     "t1",
		Core:         CoreRathole,
		Type:         "tcp",
		Spec:         database.SpecMap{"token": "T", "ports": []interface{}{float64(8080), float64(8081)}},
		IranIP:       "203.0.113.10",
		PanelAPIPort: 8000,
	})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if d.ControlPort < 23333 || d.ControlPort >= 24333 {
		t.Fatalf("control port %d out of band", d.ControlPort)
	}
	if got := d.Server["bind_addr"]; got != fmt.Sprintf("0.0.0.0:%d", d.ControlPort) {
		t.Fatalf("server bind_addr = %v", got)
	}
	wantRemote := fmt.Sprintf("203.0.113.10:%d", d.ControlPort)
	if got := d.Client["remote_addr"]; got != wantRemote {
		t.Fatalf("client remote_addr = %v, want %s", got, wantRemote)
	}
	if got := d.Client["token"]; got != "T" {
		t.Fatalf("client token = %v", got)
	}
	if len(d.Ports) != 2 || d.Ports[0].Local != 8080 || d.Ports[1].Local != 8081 {
		t.Fatalf("ports = %v", d.Ports)
	}
}

func TestDerive_RatholeWebsocketTLS(t *testing.T) {
	d, err := Derive(Input{
		TunnelID: "t1",
		Core:     CoreRathole,
		Type:     "ws",
		Spec:     database.SpecMap{"token": "T", "ports": "8080", "tls": true},
		IranIP:   "203.0.113.10",
	})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	remote, _ := d.Client["remote_addr"].(string)
	if !strings.HasPrefix(remote, "wss://203.0.113.10:") {
		t.Fatalf("remote_addr = %q, want wss scheme", remote)
	}
}

func TestDerive_BackhaulWsmux(t *testing.T) {
	d, err := Derive(Input{
		TunnelID: "t2",
		Core:     CoreBackhaul,
		Type:     "wsmux",
		Spec: database.SpecMap{
			"transport": "wsmux",
			"token":     "X",
			"ports":     []interface{}{"9000=127.0.0.1:9000", "9001"},
		},
		IranIP: "203.0.113.10",
	})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	want := []interface{}{"9000=127.0.0.1:9000", "9001=127.0.0.1:9001"}
	got, _ := d.Server["ports"].([]interface{})
	if len(got) != len(want) {
		t.Fatalf("server ports = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("server ports[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	remote, _ := d.Client["remote_addr"].(string)
	if !strings.HasPrefix(remote, "ws://203.0.113.10:") {
		t.Fatalf("remote_addr = %q, want ws scheme", remote)
	}

	// tls_cert flips the scheme to wss.
	d2, err := Derive(Input{
		TunnelID: "t2",
		Core:     CoreBackhaul,
		Type:     "wsmux",
		Spec: database.SpecMap{
			"transport": "wsmux",
			"tls_cert":  "/etc/certs/a.pem",
			"ports":     []interface{}{"9000"},
		},
		IranIP: "203.0.113.10",
	})
	if err != nil {
		t.Fatalf("Derive with tls_cert: %v", err)
	}
	remote2, _ := d2.Client["remote_addr"].(string)
	if !strings.HasPrefix(remote2, "wss://") {
		t.Fatalf("remote_addr = %q, want wss scheme", remote2)
	}
}

func TestDerive_Chisel(t *testing.T) {
	d, err := Derive(Input{
		TunnelID: "t3",
		Core:     CoreChisel,
		Type:     "chisel",
		Spec:     database.SpecMap{"listen_port": float64(8443), "auth": "u:p"},
		PanelHost: PanelHostSources{
			NodePanelAddress: "http://198.51.100.7:8000",
		},
	})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	serverPort, _ := d.Server["server_port"].(int)
	if serverPort < 18443 || serverPort >= 19443 {
		t.Fatalf("server_port %d outside chisel band", serverPort)
	}
	wantURL := fmt.Sprintf("http://198.51.100.7:%d", serverPort)
	if got := d.Client["server_url"]; got != wantURL {
		t.Fatalf("server_url = %v, want %s", got, wantURL)
	}
	if got := d.Client["auth"]; got != "u:p" {
		t.Fatalf("auth = %v", got)
	}
}

func TestDerive_Frp(t *testing.T) {
	d, err := Derive(Input{
		TunnelID: "t4",
		Core:     CoreFrp,
		Type:     "tcp",
		Spec: database.SpecMap{
			"bind_port": float64(7000),
			"token":     "Y",
			"ports":     []interface{}{float64(6000), float64(6001)},
		},
		PanelHost: PanelHostSources{EnvPublicIP: "192.0.2.9"},
	})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if d.ControlPort != 7000 {
		t.Fatalf("control port = %d, want 7000", d.ControlPort)
	}
	if got := d.Client["server_addr"]; got != "192.0.2.9" {
		t.Fatalf("server_addr = %v", got)
	}
	proxies, _ := d.Client["ports"].([]interface{})
	if len(proxies) != 2 {
		t.Fatalf("proxies = %v", proxies)
	}
	first, _ := proxies[0].(map[string]interface{})
	if first["local"] != 6000 || first["remote"] != 6000 {
		t.Fatalf("first proxy = %v", first)
	}
}

func TestDerive_FrpIPv6PanelHost(t *testing.T) {
	d, err := Derive(Input{
		TunnelID:  "t4",
		Core:      CoreFrp,
		Type:      "tcp",
		Spec:      database.SpecMap{"ports": "6000"},
		PanelHost: PanelHostSources{EnvPublicIP: "2001:db8::1"},
	})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if got := d.Client["server_addr"]; got != "[2001:db8::1]" {
		t.Fatalf("server_addr = %v, want bracketed v6", got)
	}
}

func TestDerive_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		in   Input
	}{
		{
			name: "rathole missing token",
			in: Input{
				TunnelID: "t", Core: CoreRathole, Type: "tcp",
				Spec: database.SpecMap{"ports": "8080"}, IranIP: "203.0.113.10",
			},
		},
		{
			name: "rathole missing iran ip",
			in: Input{
				TunnelID: "t", Core: CoreRathole, Type: "tcp",
				Spec: database.SpecMap{"token": "T", "ports": "8080"},
			},
		},
		{
			name: "invalid transport for core",
			in: Input{
				TunnelID: "t", Core: CoreFrp, Type: "wsmux",
				Spec: database.SpecMap{"ports": "8080"},
			},
		},
		{
			name: "chisel loopback panel host",
			in: Input{
				TunnelID: "t", Core: CoreChisel, Type: "chisel",
				Spec:      database.SpecMap{"listen_port": float64(8443)},
				PanelHost: PanelHostSources{NodePanelAddress: "http://127.0.0.1:8000"},
			},
		},
		{
			name: "control port collides with panel api",
			in: Input{
				TunnelID: "t", Core: CoreRathole, Type: "tcp",
				Spec:         database.SpecMap{"token": "T", "ports": "8080", "remote_addr": "0.0.0.0:8000"},
				IranIP:       "203.0.113.10",
				PanelAPIPort: 8000,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Derive(tt.in); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolvePanelHost_Order(t *testing.T) {
	host, err := ResolvePanelHost(PanelHostSources{
		SpecHost:         "http://localhost:8000",
		NodePanelAddress: "https://panel.example.com:8000",
		EnvPublicIP:      "192.0.2.1",
	})
	if err != nil {
		t.Fatalf("ResolvePanelHost: %v", err)
	}
	if host != "panel.example.com" {
		t.Fatalf("host = %q, want panel.example.com (loopback skipped)", host)
	}

	if _, err := ResolvePanelHost(PanelHostSources{SpecHost: "127.0.0.1"}); err == nil {
		t.Fatal("expected error when every candidate is unroutable")
	}
}

func TestParseAddressPort(t *testing.T) {
	tests := []struct {
		addr     string
		host     string
		port     int
		ipv6     bool
	}{
		{"0.0.0.0:23333", "0.0.0.0", 23333, false},
		{"ws://203.0.113.1:3080", "203.0.113.1", 3080, false},
		{"[2001:db8::1]:443", "2001:db8::1", 443, true},
		{"example.com", "example.com", 0, false},
	}
	for _, tt := range tests {
		host, port, ipv6 := ParseAddressPort(tt.addr)
		if host != tt.host || port != tt.port || ipv6 != tt.ipv6 {
			t.Errorf("ParseAddressPort(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tt.addr, host, port, ipv6, tt.host, tt.port, tt.ipv6)
		}
	}
}
