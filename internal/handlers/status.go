package handlers

import (
	"net/http"
	"time"
)

// Version is stamped at build time.
var Version = "dev"

var startedAt = time.Now()

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// PanelStatus aggregates node and tunnel counts with the panel's uptime.
func PanelStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := Orch.Summarize()
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":        Version,
		"uptime_seconds": time.Since(startedAt).Seconds(),
		"summary":        summary,
	})
}
