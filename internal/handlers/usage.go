package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/nodeclient"
)

// PushUsage ingests a node's traffic report.
func PushUsage(w http.ResponseWriter, r *http.Request) {
	var report nodeclient.UsageReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := Orch.PushUsage(r.Context(), report); err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type usageBucket struct {
	Bucket string `json:"bucket"`
	Bytes  int64  `json:"bytes"`
}

// TunnelUsageStats returns hourly usage buckets for one tunnel. The
// per-bucket value is the counter's high-water mark in that hour, since
// nodes report cumulative byte counts.
func TunnelUsageStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := database.GetTunnel(id); err != nil {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}

	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		if n, err := strconv.Atoi(h); err == nil && n > 0 && n <= 24*30 {
			hours = n
		}
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var buckets []usageBucket
	err := database.DB.Raw(`
		SELECT strftime('%Y-%m-%dT%H:00:00Z', timestamp) AS bucket,
		       MAX(bytes_used) AS bytes
		FROM usages
		WHERE tunnel_id = ? AND timestamp >= ?
		GROUP BY bucket
		ORDER BY bucket`, id, since).Scan(&buckets).Error
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnel_id": id,
		"hours":     hours,
		"buckets":   buckets,
	})
}

// UsageSummary returns the latest recorded usage per tunnel.
func UsageSummary(w http.ResponseWriter, r *http.Request) {
	tunnels, err := database.ListTunnels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type row struct {
		TunnelID string  `json:"tunnel_id"`
		Name     string  `json:"name"`
		UsedMB   float64 `json:"used_mb"`
		QuotaMB  float64 `json:"quota_mb"`
	}
	out := make([]row, len(tunnels))
	for i, t := range tunnels {
		out[i] = row{TunnelID: t.ID, Name: t.Name, UsedMB: t.UsedMB, QuotaMB: t.QuotaMB}
	}
	writeJSON(w, http.StatusOK, out)
}
