package cores

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/supervisor"
)

// deployState is the sidecar record persisted per running tunnel so the
// agent can restore engines after a restart.
type deployState struct {
	TunnelID   string           `json:"tunnel_id"`
	Core       string           `json:"core"`
	Mode       string           `json:"mode"`
	Spec       database.SpecMap `json:"spec"`
	ConfigPath string           `json:"config_path,omitempty"`
}

// Manager applies and removes tunnel endpoints on this host, one engine
// process per tunnel, supervised.
type Manager struct {
	root     string
	sup      *supervisor.Manager
	adapters map[string]Adapter
}

func NewManager(root string, sup *supervisor.Manager) *Manager {
	m := &Manager{
		root:     root,
		sup:      sup,
		adapters: make(map[string]Adapter),
	}
	for _, a := range []Adapter{Rathole{}, Backhaul{}, Chisel{}, Frp{}, Gost{}} {
		m.adapters[a.Core()] = a
	}
	return m
}

func (m *Manager) adapter(core string) (Adapter, error) {
	a, ok := m.adapters[core]
	if !ok {
		return nil, fmt.Errorf("unsupported tunnel core %q", core)
	}
	return a, nil
}

func (m *Manager) stateDir() string {
	return filepath.Join(m.root, "state")
}

func (m *Manager) statePath(tunnelID string) string {
	return filepath.Join(m.stateDir(), tunnelID+".json")
}

// Apply renders the endpoint and (re)starts its engine. Re-applying the
// config of a healthy engine is a no-op; a changed spec replaces the
// running process.
func (m *Manager) Apply(ctx context.Context, tunnelID, core, mode string, sp database.SpecMap) error {
	adapter, err := m.adapter(core)
	if err != nil {
		return err
	}

	if m.sup.IsRunning(tunnelID) {
		if st, err := m.loadState(tunnelID); err == nil &&
			st.Core == core && st.Mode == mode &&
			specEqual(st.Spec, sp) && m.configIntact(st) {
			return nil
		}
	}

	cmd, err := adapter.Prepare(m.root, tunnelID, mode, sp)
	if err != nil {
		return err
	}

	// Clear out engines from a previous agent generation that the
	// supervisor no longer tracks.
	if !m.sup.IsRunning(tunnelID) {
		supervisor.KillStray(cmd.Argv[0], tunnelID)
	}

	if err := m.sup.Spawn(ctx, tunnelID, cmd.Argv, cmd.Env, cmd.LogPath); err != nil {
		return err
	}
	st := deployState{TunnelID: tunnelID, Core: core, Mode: mode, Spec: sp, ConfigPath: cmd.ConfigPath}
	if err := m.saveState(st); err != nil {
		log.Printf("[cores] failed to persist state for %s: %v", tunnelID, err)
	}
	return nil
}

// specEqual compares two specs by their canonical JSON form.
func specEqual(a, b database.SpecMap) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// configIntact reports whether the engine's rendered config is still on
// disk. Argv-only engines carry their whole config in the saved state.
func (m *Manager) configIntact(st *deployState) bool {
	if st.ConfigPath == "" {
		return true
	}
	_, err := os.Stat(st.ConfigPath)
	return err == nil
}

// Remove stops the engine and deletes its artifacts. Removing a tunnel
// this host has never seen succeeds.
func (m *Manager) Remove(ctx context.Context, tunnelID string) error {
	m.sup.Stop(ctx, tunnelID)

	st, err := m.loadState(tunnelID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if a, err := m.adapter(st.Core); err == nil {
		if cmd, err := a.Prepare(m.root, tunnelID, st.Mode, st.Spec); err == nil {
			supervisor.KillStray(cmd.Argv[0], tunnelID)
			if cmd.ConfigPath != "" {
				os.Remove(cmd.ConfigPath)
			}
			os.Remove(cmd.LogPath)
		}
	}
	return os.Remove(m.statePath(tunnelID))
}

// Running reports whether the engine for tunnelID is alive.
func (m *Manager) Running(tunnelID string) bool {
	return m.sup.IsRunning(tunnelID)
}

// StateOf exposes the supervisor state for status reporting.
func (m *Manager) StateOf(tunnelID string) supervisor.State {
	return m.sup.StateOf(tunnelID)
}

// EndpointInfo is the persisted view of one deployed endpoint.
type EndpointInfo struct {
	Core         string
	Mode         string
	Transport    string
	ConfigExists bool
}

// Info loads the persisted deployment record for status reporting.
func (m *Manager) Info(tunnelID string) (*EndpointInfo, error) {
	st, err := m.loadState(tunnelID)
	if err != nil {
		return nil, err
	}
	return &EndpointInfo{
		Core:         st.Core,
		Mode:         st.Mode,
		Transport:    specString(st.Spec, "type", "transport"),
		ConfigExists: m.configIntact(st),
	}, nil
}

// Deployed lists the tunnel IDs with persisted state on this host.
func (m *Manager) Deployed() []string {
	entries, err := os.ReadDir(m.stateDir())
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok {
			ids = append(ids, name)
		}
	}
	return ids
}

// Restore respawns every tunnel with persisted state. Individual
// failures are logged and skipped so one bad config cannot block the
// rest of the fleet.
func (m *Manager) Restore(ctx context.Context) {
	ids := m.Deployed()
	if len(ids) == 0 {
		return
	}
	log.Printf("[cores] restoring %d tunnel(s)", len(ids))
	for _, id := range ids {
		st, err := m.loadState(id)
		if err != nil {
			log.Printf("[cores] restore %s: %v", id, err)
			continue
		}
		if err := m.Apply(ctx, st.TunnelID, st.Core, st.Mode, st.Spec); err != nil {
			log.Printf("[cores] restore %s: %v", id, err)
		}
	}
}

// LogPathFor returns the engine log path for a deployed tunnel.
func (m *Manager) LogPathFor(tunnelID string) (string, error) {
	st, err := m.loadState(tunnelID)
	if err != nil {
		return "", err
	}
	return logPath(m.root, st.Core, tunnelID), nil
}

func (m *Manager) saveState(st deployState) error {
	if err := os.MkdirAll(m.stateDir(), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.statePath(st.TunnelID), data, 0o600)
}

func (m *Manager) loadState(tunnelID string) (*deployState, error) {
	data, err := os.ReadFile(m.statePath(tunnelID))
	if err != nil {
		return nil, err
	}
	var st deployState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt state for %s: %w", tunnelID, err)
	}
	return &st, nil
}
