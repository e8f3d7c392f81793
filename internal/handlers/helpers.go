package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vahid162/Smite/internal/orchestrator"
)

// Orch is the orchestrator instance the handlers drive. Set once at startup.
var Orch *orchestrator.Orchestrator

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeOrchError maps a classified orchestration error onto the response.
func writeOrchError(w http.ResponseWriter, err error) {
	kind := orchestrator.KindOf(err)
	writeJSON(w, orchestrator.HTTPStatus(kind), map[string]string{
		"detail": err.Error(),
		"kind":   string(kind),
	})
}

// requestHosts extracts the inbound host headers for panel address
// resolution.
func requestHosts(r *http.Request) orchestrator.RequestHosts {
	return orchestrator.RequestHosts{
		RequestHost:   r.Host,
		ForwardedHost: r.Header.Get("X-Forwarded-Host"),
	}
}
