package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/nodeclient"
)

// NodeHealth pairs a registered node with its live agent snapshot.
type NodeHealth struct {
	Node      database.Node          `json:"node"`
	Reachable bool                   `json:"reachable"`
	Error     string                 `json:"error,omitempty"`
	Agent     *nodeclient.NodeStatus `json:"agent,omitempty"`
}

// NodeHealthAll queries every registered node's agent concurrently. An
// unreachable node is reported, never fatal.
func (o *Orchestrator) NodeHealthAll(ctx context.Context) ([]NodeHealth, error) {
	nodes, err := database.ListNodes()
	if err != nil {
		return nil, Wrap(KindInternal, err, "list nodes")
	}

	out := make([]NodeHealth, len(nodes))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range nodes {
		i := i
		g.Go(func() error {
			n := nodes[i]
			h := NodeHealth{Node: n}
			qctx, cancel := context.WithTimeout(gctx, 5*time.Second)
			st, err := o.Dial(n.APIAddress()).Status(qctx)
			cancel()
			if err != nil {
				h.Error = err.Error()
			} else {
				h.Reachable = true
				h.Agent = st
			}
			mu.Lock()
			out[i] = h
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out, nil
}

// Summary is the panel's aggregate health view.
type Summary struct {
	Nodes          int   `json:"nodes"`
	Tunnels        int   `json:"tunnels"`
	ActiveTunnels  int   `json:"active_tunnels"`
	ErroredTunnels int   `json:"errored_tunnels"`
	TotalUsedMB    int64 `json:"total_used_mb"`
}

// Summarize aggregates counts for the status endpoint.
func (o *Orchestrator) Summarize() (*Summary, error) {
	nodes, err := database.ListNodes()
	if err != nil {
		return nil, Wrap(KindInternal, err, "list nodes")
	}
	tunnels, err := database.ListTunnels()
	if err != nil {
		return nil, Wrap(KindInternal, err, "list tunnels")
	}
	s := &Summary{Nodes: len(nodes), Tunnels: len(tunnels)}
	for i := range tunnels {
		switch tunnels[i].Status {
		case "active":
			s.ActiveTunnels++
		case "error":
			s.ErroredTunnels++
		}
		s.TotalUsedMB += int64(tunnels[i].UsedMB)
	}
	return s, nil
}
