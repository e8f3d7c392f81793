package handlers

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/orchestrator"
)

func ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := database.ListNodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func GetNode(w http.ResponseWriter, r *http.Request) {
	n, err := database.GetNode(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// RegisterNode creates or refreshes a node record. Agents call this on
// boot; operators can also pre-register nodes manually.
func RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string           `json:"name"`
		Fingerprint string           `json:"fingerprint"`
		Metadata    database.SpecMap `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Metadata == nil {
		req.Metadata = database.SpecMap{}
	}
	// An agent registering through NAT may not know its public address;
	// fall back to the address it dialed from.
	if _, ok := req.Metadata["ip_address"]; !ok {
		if host := clientHost(r); host != "" {
			req.Metadata["ip_address"] = host
		}
	}

	n, err := Orch.RegisterNode(req.Name, req.Fingerprint, req.Metadata)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*database.Node
		FrpComm *orchestrator.CommInfo `json:"frp_comm,omitempty"`
	}{n, Orch.CommInfo(n.ID)})
}

// NodeHeartbeat refreshes last-seen for a node. Agents post this on a
// timer; any metadata in the body is merged into the node record.
func NodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata database.SpecMap `json:"metadata"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	n, err := Orch.Heartbeat(chi.URLParam(r, "id"), req.Metadata)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func DeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := Orch.DeleteNode(chi.URLParam(r, "id")); err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// NodeHealth fans out to every agent and reports reachability.
func NodeHealth(w http.ResponseWriter, r *http.Request) {
	health, err := Orch.NodeHealthAll(r.Context())
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// clientHost strips the port off RemoteAddr. With RealIP middleware in
// front this is the agent's routable address.
func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
