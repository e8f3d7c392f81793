package orchestrator

import (
	"context"
	"log"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/logutil"
	"github.com/vahid162/Smite/internal/spec"
)

// restoreConcurrency bounds how many tunnels reapply in parallel so a
// large fleet does not stampede the nodes on panel boot.
const restoreConcurrency = 4

// Restore brings the control plane back after a panel restart: first the
// panel-local engines from their on-disk state, then a reapply of every
// tunnel that was active. Failures mark the individual tunnel, never
// abort the sweep.
func (o *Orchestrator) Restore(ctx context.Context) {
	if o.Cores != nil {
		o.Cores.Restore(ctx)
		o.waitForLocalEngines(ctx)
		if err := o.EnsureCommServer(ctx); err != nil {
			log.Printf("[orchestrator] restore: %v", err)
		}
	}

	tunnels, err := database.ListActiveTunnels()
	if err != nil {
		log.Printf("[orchestrator] restore: list tunnels: %v", err)
		return
	}
	if len(tunnels) == 0 {
		return
	}
	log.Printf("[orchestrator] restoring %d active tunnel(s)", len(tunnels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for i := range tunnels {
		t := tunnels[i]
		g.Go(func() error {
			if err := o.ApplyTunnel(gctx, t.ID, RequestHosts{}); err != nil {
				log.Printf("[orchestrator] restore %s (%s): %v", logutil.SanitizeForLog(t.Name), t.ID, err)
			}
			return nil
		})
	}
	g.Wait()
}

// waitForLocalEngines polls the control ports of panel-hosted engines so
// node clients are not reapplied before their servers listen.
func (o *Orchestrator) waitForLocalEngines(ctx context.Context) {
	tunnels, err := database.ListActiveTunnels()
	if err != nil {
		return
	}
	deadline := time.Now().Add(10 * time.Second)
	for i := range tunnels {
		t := &tunnels[i]
		if t.Core != spec.CoreChisel && t.Core != spec.CoreFrp {
			continue
		}
		if !o.Cores.Running(t.ID) {
			continue
		}
		port := spec.SpecControlPort(t.Core, t.ID, t.Spec)
		if port == 0 {
			continue
		}
		for time.Now().Before(deadline) {
			conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 500*time.Millisecond)
			if err == nil {
				conn.Close()
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
		}
	}
}
