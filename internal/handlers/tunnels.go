package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/orchestrator"
)

func ListTunnels(w http.ResponseWriter, r *http.Request) {
	tunnels, err := database.ListTunnels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tunnels)
}

func GetTunnel(w http.ResponseWriter, r *http.Request) {
	t, err := database.GetTunnel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func CreateTunnel(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := Orch.CreateTunnel(r.Context(), req, requestHosts(r))
	if err != nil {
		// A persisted tunnel in error state still returns its row so the
		// client can show what was saved.
		if t != nil {
			writeJSON(w, orchestrator.HTTPStatus(orchestrator.KindOf(err)), map[string]interface{}{
				"detail": err.Error(),
				"kind":   string(orchestrator.KindOf(err)),
				"tunnel": t,
			})
			return
		}
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func UpdateTunnel(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := Orch.UpdateTunnel(r.Context(), chi.URLParam(r, "id"), req, requestHosts(r))
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func DeleteTunnel(w http.ResponseWriter, r *http.Request) {
	if err := Orch.DeleteTunnel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// RestartTunnel reapplies the tunnel's endpoints without changing its spec.
func RestartTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := Orch.ApplyTunnel(r.Context(), id, requestHosts(r)); err != nil {
		writeOrchError(w, err)
		return
	}
	t, err := database.GetTunnel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// TunnelRuntimeStatus queries the live endpoint state on every node the
// tunnel touches.
func TunnelRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := database.GetTunnel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}

	type sideStatus struct {
		NodeID       string `json:"node_id,omitempty"`
		Side         string `json:"side"`
		State        string `json:"state"`
		Running      bool   `json:"running"`
		ConfigExists bool   `json:"config_exists"`
		Error        string `json:"error,omitempty"`
	}
	var sides []sideStatus

	for _, ref := range []struct{ nodeID, side string }{
		{t.IranNodeID, "iran"},
		{t.ForeignNodeID, "foreign"},
		{t.NodeID, "node"},
	} {
		if ref.nodeID == "" {
			continue
		}
		n, err := database.GetNode(ref.nodeID)
		if err != nil {
			continue
		}
		st := sideStatus{NodeID: ref.nodeID, Side: ref.side}
		if ts, err := Orch.Dial(n.APIAddress()).TunnelStatus(r.Context(), id); err != nil {
			st.Error = err.Error()
		} else {
			st.State = ts.State
			st.Running = ts.Active
			st.ConfigExists = ts.ConfigExists
		}
		sides = append(sides, st)
	}
	if Orch.Cores != nil && (t.Core == "chisel" || t.Core == "frp" || len(sides) == 0) {
		st := sideStatus{
			Side:  "panel",
			State: string(Orch.Cores.StateOf(id)),
		}
		if info, err := Orch.Cores.Info(id); err == nil {
			st.ConfigExists = info.ConfigExists
		}
		st.Running = Orch.Cores.Running(id) && st.ConfigExists
		sides = append(sides, st)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnel": t,
		"sides":  sides,
	})
}
