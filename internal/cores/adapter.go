// Package cores renders per-engine runtime artifacts. Each supported
// tunnel engine (rathole, backhaul, chisel, frp, gost) has an adapter
// that turns a derived endpoint spec into config files and a command
// line; the manager pairs adapters with the supervisor and keeps enough
// state on disk to restore tunnels after a restart.
package cores

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vahid162/Smite/internal/database"
)

const (
	ModeServer = "server"
	ModeClient = "client"
)

// Command is everything needed to launch one engine process.
type Command struct {
	Argv    []string
	Env     []string
	LogPath string

	// ConfigPath is set when the adapter wrote a config file; empty for
	// argv-only engines.
	ConfigPath string
}

// Adapter renders the runtime artifacts for one engine.
type Adapter interface {
	Core() string

	// Prepare writes any config files under root and returns the command
	// for the given endpoint spec.
	Prepare(root, tunnelID, mode string, spec database.SpecMap) (*Command, error)
}

// configDir returns <root>/<core>, creating it.
func configDir(root, core string) (string, error) {
	dir := filepath.Join(root, core)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// logPath returns <root>/logs/<core>_<tunnelID>.log.
func logPath(root, core, tunnelID string) string {
	return filepath.Join(root, "logs", fmt.Sprintf("%s_%s.log", core, tunnelID))
}

// resolveBinary picks the engine binary: explicit override, then
// /usr/local/bin, then PATH, then the bare name as a last resort.
func resolveBinary(override, name string) string {
	if override != "" {
		return override
	}
	if p := filepath.Join("/usr/local/bin", name); fileExists(p) {
		return p
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return name
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
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
		switch v := m[k].(type) {
		case int:
			if v > 0 {
				return v
			}
		case int64:
			if v > 0 {
				return int(v)
			}
		case float64:
			if v > 0 {
				return int(v)
			}
		}
	}
	return 0
}

func specBool(m database.SpecMap, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v != "" && v != "false" && v != "0"
	}
	return false
}
