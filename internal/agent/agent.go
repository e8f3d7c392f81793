// Package agent is the node-side daemon: a small HTTP API the panel
// drives to apply and remove tunnel endpoints, plus the background jobs
// that sample traffic counters and push usage to the panel.
package agent

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vahid162/Smite/internal/config"
	"github.com/vahid162/Smite/internal/cores"
	"github.com/vahid162/Smite/internal/logutil"
	"github.com/vahid162/Smite/internal/nodeclient"
	"github.com/vahid162/Smite/internal/spec"
	"github.com/vahid162/Smite/internal/supervisor"
	"github.com/vahid162/Smite/internal/traffic"
)

// Version is stamped at build time.
var Version = "dev"

// Agent wires the engine manager, traffic accounting and the panel link.
type Agent struct {
	Cores   *cores.Manager
	Acct    *traffic.Accountant
	Cfg     config.NodeSettings
	NodeID  string // assigned by the panel at registration
	started time.Time
}

func New(coresMgr *cores.Manager, acct *traffic.Accountant, cfg config.NodeSettings) *Agent {
	return &Agent{
		Cores:   coresMgr,
		Acct:    acct,
		Cfg:     cfg,
		started: time.Now(),
	}
}

// Router builds the agent's HTTP API.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/agent", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Route("/tunnels", func(r chi.Router) {
			r.Post("/apply", a.handleApply)
			r.Post("/remove", a.handleRemove)
			r.Get("/status", a.handleTunnelStatus)
			r.Get("/logs", a.handleLogs)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[agent] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleApply materializes one endpoint. Re-applying an existing tunnel
// replaces its engine, so retries from the panel are safe.
func (a *Agent) handleApply(w http.ResponseWriter, r *http.Request) {
	var req nodeclient.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TunnelID == "" {
		writeError(w, http.StatusUnprocessableEntity, "tunnel_id is required")
		return
	}
	if !spec.KnownCore(req.Core) {
		writeError(w, http.StatusUnprocessableEntity, "unknown core "+req.Core)
		return
	}
	if req.Mode != cores.ModeServer && req.Mode != cores.ModeClient {
		writeError(w, http.StatusUnprocessableEntity, "mode must be server or client")
		return
	}

	log.Printf("[agent] apply %s core=%s mode=%s", logutil.SanitizeForLog(req.TunnelID), req.Core, req.Mode)
	if err := a.Cores.Apply(r.Context(), req.TunnelID, req.Core, req.Mode, req.Spec); err != nil {
		// Validation problems (bad spec) vs the engine dying at startup.
		if strings.Contains(err.Error(), "exited during startup") {
			writeError(w, http.StatusInternalServerError, err.Error())
		} else {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		}
		return
	}

	a.installCounters(r.Context(), req)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "tunnel_id": req.TunnelID})
}

// installCounters sets up the tagged firewall rules this endpoint's
// traffic is measured with. Counter setup never fails an apply.
func (a *Agent) installCounters(ctx context.Context, req nodeclient.ApplyRequest) {
	if a.Acct == nil {
		return
	}
	mappings, err := spec.NormalizePorts(req.Spec["ports"], "")
	if err != nil || len(mappings) == 0 {
		return
	}
	remote := ""
	if addr, ok := req.Spec["remote_addr"].(string); ok {
		remote, _, _ = spec.ParseAddressPort(addr)
	}
	a.Acct.InstallRules(ctx, req.TunnelID, spec.Ints(mappings), remote)
}

func (a *Agent) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req nodeclient.RemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TunnelID == "" {
		writeError(w, http.StatusUnprocessableEntity, "tunnel_id is required")
		return
	}

	log.Printf("[agent] remove %s", logutil.SanitizeForLog(req.TunnelID))
	if err := a.Cores.Remove(r.Context(), req.TunnelID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if a.Acct != nil {
		a.Acct.RemoveRules(r.Context(), req.TunnelID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (a *Agent) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusUnprocessableEntity, "id query parameter is required")
		return
	}
	st := nodeclient.TunnelStatus{
		TunnelID:       id,
		State:          string(a.Cores.StateOf(id)),
		ProcessRunning: a.Cores.Running(id),
	}
	if info, err := a.Cores.Info(id); err == nil {
		st.Type = info.Transport
		st.ConfigExists = info.ConfigExists
	}
	st.Active = st.ProcessRunning && st.ConfigExists
	writeJSON(w, http.StatusOK, st)
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := a.Cfg.NodeName
	if name == "" {
		name, _ = os.Hostname()
	}
	writeJSON(w, http.StatusOK, nodeclient.NodeStatus{
		Role:    a.Cfg.NodeRole,
		Name:    name,
		Version: Version,
		Uptime:  time.Since(a.started).Seconds(),
		Tunnels: a.Cores.Deployed(),
	})
}

// handleLogs tails the engine log of one deployed tunnel.
func (a *Agent) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusUnprocessableEntity, "id query parameter is required")
		return
	}
	path, err := a.Cores.LogPathFor(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "no deployed tunnel "+id)
		return
	}
	tail := supervisor.LogTail(path, 64*1024)
	writeJSON(w, http.StatusOK, map[string]string{"tunnel_id": id, "log": tail})
}
