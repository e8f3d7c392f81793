package spec

import (
	"fmt"
	"strings"

	"github.com/vahid162/Smite/internal/database"
)

// Input carries everything Derive needs to compute the per-endpoint specs
// for one tunnel.
type Input struct {
	TunnelID string
	Core     string
	Type     string
	Spec     database.SpecMap

	// IranIP is the iran node's advertised address (reverse cores).
	IranIP string
	// ForeignIP is the foreign node's advertised address (gost pair mode).
	ForeignIP string

	// PanelAPIPort guards against control ports shadowing the panel API.
	PanelAPIPort int
	// PanelHost feeds the substitution chain for cores that dial the panel.
	PanelHost PanelHostSources
}

// Derived is the result of spec derivation: the mirrored server and client
// views plus the normalized port list to persist back (round-trip law).
type Derived struct {
	Server database.SpecMap
	Client database.SpecMap

	ControlPort int
	Ports       []PortMapping

	// NormalizedPorts replaces spec["ports"] on the stored tunnel.
	NormalizedPorts []interface{}
}

func specString(m database.SpecMap, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func specInt(m database.SpecMap, keys ...string) int {
	for _, k := range keys {
		if v, present := m[k]; present {
			if n, ok := toInt(v); ok && n > 0 {
				return n
			}
		}
	}
	return 0
}

func specBool(m database.SpecMap, keys ...string) bool {
	for _, k := range keys {
		switch v := m[k].(type) {
		case bool:
			if v {
				return true
			}
		case string:
			if v != "" && v != "false" && v != "0" {
				return true
			}
		}
	}
	return false
}

// transportOf resolves the effective transport tag for a tunnel.
func transportOf(sp database.SpecMap, typ string) string {
	t := specString(sp, "transport", "type")
	if t == "" {
		t = typ
	}
	if t == "" {
		t = "tcp"
	}
	return strings.ToLower(t)
}

// portsOf normalizes spec["ports"] with the legacy single-port fallbacks.
func portsOf(sp database.SpecMap, targetHost string) ([]PortMapping, error) {
	mappings, err := NormalizePorts(sp["ports"], targetHost)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		if p := specInt(sp, "remote_port", "listen_port"); p > 0 {
			mappings = []PortMapping{{Local: p, Remote: p, TargetHost: targetHost}}
		}
	}
	return mappings, nil
}

// Derive computes the mirrored server/client specs for a tunnel. All
// failures are validation errors: nothing has touched the runtime yet.
func Derive(in Input) (*Derived, error) {
	if !KnownCore(in.Core) {
		return nil, fmt.Errorf("unknown tunnel core %q", in.Core)
	}
	if !ValidTransport(in.Core, strings.ToLower(in.Type)) {
		return nil, fmt.Errorf("type %q is not valid for core %q", in.Type, in.Core)
	}

	var (
		d   *Derived
		err error
	)
	switch in.Core {
	case CoreRathole:
		d, err = deriveRathole(in)
	case CoreBackhaul:
		d, err = deriveBackhaul(in)
	case CoreChisel:
		d, err = deriveChisel(in)
	case CoreFrp:
		d, err = deriveFrp(in)
	case CoreGost:
		d, err = deriveGost(in)
	}
	if err != nil {
		return nil, err
	}

	if d.ControlPort != 0 && in.PanelAPIPort != 0 && d.ControlPort == in.PanelAPIPort {
		return nil, fmt.Errorf("control port %d collides with the panel API port; choose a different port", d.ControlPort)
	}
	return d, nil
}

func deriveRathole(in Input) (*Derived, error) {
	sp := in.Spec
	token := specString(sp, "token")
	if token == "" {
		return nil, fmt.Errorf("rathole requires a token")
	}
	ports, err := portsOf(sp, "")
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("rathole requires ports")
	}
	if in.IranIP == "" {
		return nil, fmt.Errorf("iran node has no ip_address")
	}

	transport := transportOf(sp, in.Type)

	// A user-supplied remote_addr pins the control port.
	override := 0
	if addr := specString(sp, "remote_addr"); addr != "" {
		_, override, _ = ParseAddressPort(addr)
	}
	control, err := ControlPort(CoreRathole, in.TunnelID, override, 0)
	if err != nil {
		return nil, err
	}

	useTLS := specBool(sp, "websocket_tls", "tls")

	server := sp.Copy()
	server["mode"] = "server"
	server["bind_addr"] = fmt.Sprintf("0.0.0.0:%d", control)
	server["ports"] = IntsAsInterfaces(ports)
	server["transport"] = transport
	server["type"] = transport
	if useTLS {
		server["websocket_tls"] = true
	}

	client := sp.Copy()
	client["mode"] = "client"
	if transport == "ws" || transport == "websocket" {
		proto := "ws://"
		if useTLS {
			proto = "wss://"
		}
		client["remote_addr"] = proto + JoinHostPort(in.IranIP, control)
	} else {
		client["remote_addr"] = JoinHostPort(in.IranIP, control)
	}
	client["transport"] = transport
	client["type"] = transport
	client["token"] = token
	client["ports"] = IntsAsInterfaces(ports)
	if useTLS {
		client["websocket_tls"] = true
	}

	return &Derived{
		Server:          server,
		Client:          client,
		ControlPort:     control,
		Ports:           ports,
		NormalizedPorts: IntsAsInterfaces(ports),
	}, nil
}

func deriveBackhaul(in Input) (*Derived, error) {
	sp := in.Spec
	targetHost := specString(sp, "target_host")
	if targetHost == "" {
		targetHost = "127.0.0.1"
	}
	ports, err := portsOf(sp, targetHost)
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("backhaul requires a ports array")
	}
	if in.IranIP == "" {
		return nil, fmt.Errorf("iran node has no ip_address")
	}

	transport := transportOf(sp, in.Type)
	override := specInt(sp, "control_port")
	control, err := ControlPort(CoreBackhaul, in.TunnelID, override, 0)
	if err != nil {
		return nil, err
	}

	bindIP := specString(sp, "bind_ip", "listen_ip")
	if bindIP == "" {
		bindIP = "0.0.0.0"
	}
	token := specString(sp, "token")

	server := sp.Copy()
	server["mode"] = "server"
	server["bind_addr"] = JoinHostPort(bindIP, control)
	server["transport"] = transport
	server["type"] = transport
	server["ports"] = StringsAsInterfaces(ports)
	if token != "" {
		server["token"] = token
	}

	client := sp.Copy()
	client["mode"] = "client"
	client["transport"] = transport
	client["type"] = transport
	if transport == "ws" || transport == "wsmux" {
		proto := "ws://"
		if specString(sp, "tls_cert") != "" {
			proto = "wss://"
		}
		client["remote_addr"] = proto + JoinHostPort(in.IranIP, control)
	} else {
		client["remote_addr"] = JoinHostPort(in.IranIP, control)
	}
	if token != "" {
		client["token"] = token
	}

	return &Derived{
		Server:          server,
		Client:          client,
		ControlPort:     control,
		Ports:           ports,
		NormalizedPorts: StringsAsInterfaces(ports),
	}, nil
}

func deriveChisel(in Input) (*Derived, error) {
	sp := in.Spec
	ports, err := portsOf(sp, "")
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("chisel requires ports")
	}

	override := specInt(sp, "control_port")
	control, err := ControlPort(CoreChisel, in.TunnelID, override, ports[0].Local)
	if err != nil {
		return nil, err
	}

	panelHost, err := ResolvePanelHost(in.PanelHost)
	if err != nil {
		return nil, err
	}

	auth := specString(sp, "auth")
	fingerprint := specString(sp, "fingerprint")
	useIPv6 := specBool(sp, "use_ipv6")

	server := sp.Copy()
	server["mode"] = "server"
	server["server_port"] = control
	server["ports"] = IntsAsInterfaces(ports)
	if useIPv6 {
		server["use_ipv6"] = true
	}

	client := sp.Copy()
	client["mode"] = "client"
	client["server_url"] = fmt.Sprintf("http://%s", JoinHostPort(panelHost, control))
	client["ports"] = IntsAsInterfaces(ports)
	if auth != "" {
		client["auth"] = auth
	}
	if fingerprint != "" {
		client["fingerprint"] = fingerprint
	}

	return &Derived{
		Server:          server,
		Client:          client,
		ControlPort:     control,
		Ports:           ports,
		NormalizedPorts: IntsAsInterfaces(ports),
	}, nil
}

func deriveFrp(in Input) (*Derived, error) {
	sp := in.Spec
	ports, err := portsOf(sp, "")
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("frp requires ports")
	}

	override := specInt(sp, "bind_port")
	control, err := ControlPort(CoreFrp, in.TunnelID, override, 0)
	if err != nil {
		return nil, err
	}

	panelHost, err := ResolvePanelHost(in.PanelHost)
	if err != nil {
		return nil, err
	}

	token := specString(sp, "token")
	typ := strings.ToLower(in.Type)
	if typ != "tcp" && typ != "udp" {
		typ = "tcp"
	}

	server := sp.Copy()
	server["mode"] = "server"
	server["bind_port"] = control
	if token != "" {
		server["token"] = token
	}

	proxies := make([]interface{}, len(ports))
	for i, p := range ports {
		proxies[i] = map[string]interface{}{"local": p.Local, "remote": p.Remote}
	}

	client := sp.Copy()
	client["mode"] = "client"
	client["server_addr"] = BracketHost(panelHost)
	client["server_port"] = control
	client["type"] = typ
	client["ports"] = proxies
	if token != "" {
		client["token"] = token
	}

	return &Derived{
		Server:          server,
		Client:          client,
		ControlPort:     control,
		Ports:           ports,
		NormalizedPorts: IntsAsInterfaces(ports),
	}, nil
}

// deriveGost handles both placements: with an iran/foreign pair the iran
// node forwards to the foreign node; otherwise the panel forwards locally.
func deriveGost(in Input) (*Derived, error) {
	sp := in.Spec
	ports, err := portsOf(sp, "")
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("gost requires ports")
	}

	remoteIP := specString(sp, "remote_ip")
	forwardTo := specString(sp, "forward_to")
	if in.ForeignIP != "" && remoteIP == "" {
		remoteIP = in.ForeignIP
	}
	if remoteIP == "" && forwardTo == "" {
		remoteIP = "127.0.0.1"
	}

	server := sp.Copy()
	server["mode"] = "server"
	server["ports"] = IntsAsInterfaces(ports)
	server["type"] = strings.ToLower(in.Type)
	if remoteIP != "" {
		server["remote_ip"] = remoteIP
	}
	if forwardTo != "" {
		server["forward_to"] = forwardTo
	}
	if specBool(sp, "use_ipv6") {
		server["use_ipv6"] = true
	}

	return &Derived{
		Server:          server,
		Client:          nil, // gost has no client side
		Ports:           ports,
		NormalizedPorts: IntsAsInterfaces(ports),
	}, nil
}
