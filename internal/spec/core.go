// Package spec normalizes user-submitted tunnel specs and derives the
// per-endpoint server/client views the core adapters consume.
package spec

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Tunnel engine cores.
const (
	CoreRathole  = "rathole"
	CoreBackhaul = "backhaul"
	CoreChisel   = "chisel"
	CoreFrp      = "frp"
	CoreGost     = "gost"
)

// Control port bands per core. The chisel band is relative to the first
// listen port rather than absolute.
const (
	ratholeControlBase  = 23333
	backhaulControlBase = 3080
	frpControlBase      = 7000
	chiselControlOffset = 10000
	controlBandWidth    = 1000
)

var coreTransports = map[string]map[string]bool{
	CoreRathole:  {"tcp": true, "ws": true},
	CoreBackhaul: {"tcp": true, "udp": true, "ws": true, "wsmux": true, "tcpmux": true},
	CoreChisel:   {"chisel": true},
	CoreFrp:      {"tcp": true, "udp": true},
	CoreGost:     {"tcp": true, "udp": true, "ws": true, "grpc": true, "tcpmux": true},
}

// KnownCore reports whether core names a supported engine.
func KnownCore(core string) bool {
	_, ok := coreTransports[core]
	return ok
}

// IsReverseCore reports whether core requires an iran/foreign node pair.
func IsReverseCore(core string) bool {
	switch core {
	case CoreRathole, CoreBackhaul, CoreChisel, CoreFrp:
		return true
	}
	return false
}

// ValidTransport reports whether typ is a legal transport for core.
func ValidTransport(core, typ string) bool {
	transports, ok := coreTransports[core]
	if !ok {
		return false
	}
	return transports[typ]
}

// idHash maps a tunnel ID onto [0, controlBandWidth) deterministically.
// The first 8 hex digits of the md5 sum keep ports stable across restarts.
func idHash(tunnelID string) int {
	sum := md5.Sum([]byte(tunnelID))
	v, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 64)
	return int(v % controlBandWidth)
}

// ControlPort computes the deterministic control port for a tunnel unless
// the user supplied an override. For chisel, firstPort anchors the band.
func ControlPort(core, tunnelID string, override, firstPort int) (int, error) {
	if override > 0 {
		return override, nil
	}
	switch core {
	case CoreRathole:
		return ratholeControlBase + idHash(tunnelID), nil
	case CoreBackhaul:
		return backhaulControlBase + idHash(tunnelID), nil
	case CoreFrp:
		return frpControlBase + idHash(tunnelID), nil
	case CoreChisel:
		if firstPort <= 0 {
			return 0, fmt.Errorf("chisel control port needs a listen port")
		}
		return firstPort + chiselControlOffset + idHash(tunnelID), nil
	}
	return 0, fmt.Errorf("core %q has no control port", core)
}

// SpecControlPort recomputes the effective control port of a stored
// tunnel spec, honoring the same per-core overrides Derive honors.
// Returns 0 when the port cannot be determined.
func SpecControlPort(core, tunnelID string, sp map[string]interface{}) int {
	override := 0
	firstPort := 0
	switch core {
	case CoreRathole:
		if addr, ok := sp["remote_addr"].(string); ok {
			_, override, _ = ParseAddressPort(addr)
		}
	case CoreBackhaul:
		if n, ok := toInt(sp["control_port"]); ok {
			override = n
		}
	case CoreFrp:
		if n, ok := toInt(sp["bind_port"]); ok {
			override = n
		}
	case CoreChisel:
		if n, ok := toInt(sp["control_port"]); ok {
			override = n
		}
		if mappings, err := NormalizePorts(sp["ports"], ""); err == nil && len(mappings) > 0 {
			firstPort = mappings[0].Local
		} else if n, ok := toInt(sp["listen_port"]); ok {
			firstPort = n
		}
	default:
		return 0
	}
	port, err := ControlPort(core, tunnelID, override, firstPort)
	if err != nil {
		return 0
	}
	return port
}

// NodeHash maps a node ID onto [0, 10000) for the FRP comm remote port.
func NodeHash(nodeID string) int {
	sum := md5.Sum([]byte(nodeID))
	v, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 64)
	return int(v % 10000)
}
