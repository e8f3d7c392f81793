package nodeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/vahid162/Smite/internal/database"
)

func TestApply_SendsPayload(t *testing.T) {
	var got ApplyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/tunnels/apply" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.Apply(context.Background(), ApplyRequest{
		TunnelID: "t1",
		Core:     "rathole",
		Mode:     "server",
		Spec:     database.SpecMap{"token": "T"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.TunnelID != "t1" || got.Core != "rathole" || got.Spec["token"] != "T" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestApply_NoRetryOnHTTPError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "bad spec"})
	}))
	defer srv.Close()

	err := New(srv.URL).Apply(context.Background(), ApplyRequest{TunnelID: "t1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("HTTP error was retried %d times; the node's answer is final", n)
	}
	if StatusCode(err) != http.StatusUnprocessableEntity {
		t.Fatalf("StatusCode = %d", StatusCode(err))
	}
}

func TestApply_RetriesNetworkFailure(t *testing.T) {
	// Server that is already closed: every attempt is a dial error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New(url).Apply(context.Background(), ApplyRequest{TunnelID: "t1"})
	if err == nil {
		t.Fatal("expected error against a dead node")
	}
	if StatusCode(err) != 0 {
		t.Fatalf("unreached node must not report an HTTP status, got %d", StatusCode(err))
	}
}

func TestStatusEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/agent/status":
			json.NewEncoder(w).Encode(NodeStatus{Role: "foreign", Tunnels: []string{"t1"}})
		case "/api/agent/tunnels/status":
			if r.URL.Query().Get("id") != "t1" {
				t.Errorf("id = %s", r.URL.Query().Get("id"))
			}
			json.NewEncoder(w).Encode(TunnelStatus{
				TunnelID: "t1", State: "running",
				Active: true, ConfigExists: true, ProcessRunning: true,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Role != "foreign" || len(st.Tunnels) != 1 {
		t.Fatalf("status = %+v", st)
	}

	ts, err := c.TunnelStatus(context.Background(), "t1")
	if err != nil {
		t.Fatalf("TunnelStatus: %v", err)
	}
	if !ts.Active || !ts.ConfigExists || !ts.ProcessRunning || ts.State != "running" {
		t.Fatalf("tunnel status = %+v", ts)
	}
}
