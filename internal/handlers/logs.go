package handlers

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/logging"
)

func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TunnelEngineLogs proxies a tunnel's engine log: from the panel's own
// engine manager for panel-hosted cores, otherwise from the iran node.
func TunnelEngineLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := database.GetTunnel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}

	if Orch.Cores != nil {
		if path, err := Orch.Cores.LogPathFor(id); err == nil {
			data, _ := os.ReadFile(path)
			writeJSON(w, http.StatusOK, map[string]string{"tunnel_id": id, "log": string(data)})
			return
		}
	}

	nodeID := t.IranNodeID
	if nodeID == "" {
		nodeID = t.NodeID
	}
	if nodeID == "" {
		nodeID = t.ForeignNodeID
	}
	if nodeID == "" {
		writeError(w, http.StatusNotFound, "tunnel has no engine logs")
		return
	}
	n, err := database.GetNode(nodeID)
	if err != nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	proxyAgentLogs(w, r, n.APIAddress(), id)
}

func proxyAgentLogs(w http.ResponseWriter, r *http.Request, base, tunnelID string) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet,
		base+"/api/agent/tunnels/logs?id="+tunnelID, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "node unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// StreamServerLogs pushes new panel log lines over a websocket, polling
// the file for appends.
func StreamServerLogs(w http.ResponseWriter, r *http.Request) {
	path := logging.Path()
	if path == "" {
		writeError(w, http.StatusServiceUnavailable, "file logging is not enabled")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	var offset int64
	if info, err := os.Stat(path); err == nil {
		// Start at the tail; history goes through the REST endpoint.
		offset = info.Size()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Size() < offset {
			offset = 0 // file was cleared
		}
		if info.Size() == offset {
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			continue
		}
		if _, err := f.Seek(offset, 0); err != nil {
			f.Close()
			continue
		}
		chunk := make([]byte, info.Size()-offset)
		n, _ := f.Read(chunk)
		f.Close()
		if n <= 0 {
			continue
		}
		offset += int64(n)
		if err := conn.Write(ctx, websocket.MessageText, chunk[:n]); err != nil {
			return
		}
	}
}
