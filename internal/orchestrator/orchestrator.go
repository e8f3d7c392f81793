// Package orchestrator implements the panel's control loop: tunnel CRUD,
// endpoint placement across nodes and the panel itself, usage accounting
// and restoration after restarts.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/vahid162/Smite/internal/cores"
	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/nodeclient"
	"github.com/vahid162/Smite/internal/spec"
)

// NodeRPC is the slice of the node agent API the orchestrator drives.
type NodeRPC interface {
	Apply(ctx context.Context, req nodeclient.ApplyRequest) error
	Remove(ctx context.Context, tunnelID string) error
	TunnelStatus(ctx context.Context, tunnelID string) (*nodeclient.TunnelStatus, error)
	Status(ctx context.Context) (*nodeclient.NodeStatus, error)
}

// Dialer builds an RPC client for a node base URL. Swapped in tests.
type Dialer func(base string) NodeRPC

// DefaultDialer uses the real HTTP client.
func DefaultDialer(base string) NodeRPC { return nodeclient.New(base) }

// RequestHosts carries the inbound request's host headers into panel
// address resolution. Zero value outside request contexts.
type RequestHosts struct {
	RequestHost   string
	ForwardedHost string
}

// Orchestrator coordinates tunnels across nodes. One instance per panel.
type Orchestrator struct {
	Cores         *cores.Manager
	Dial          Dialer
	PanelAPIPort  int
	PanelPublicIP string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// Auto-reapply scheduling state, owned by reapply.go.
	cron         *cron.Cron
	cronCtx      context.Context
	reapplyEntry cron.EntryID
}

func New(coresMgr *cores.Manager, dial Dialer, panelAPIPort int, panelPublicIP string) *Orchestrator {
	if dial == nil {
		dial = DefaultDialer
	}
	return &Orchestrator{
		Cores:         coresMgr,
		Dial:          dial,
		PanelAPIPort:  panelAPIPort,
		PanelPublicIP: panelPublicIP,
		locks:         make(map[string]*sync.Mutex),
	}
}

// lockTunnel serializes operations per tunnel. Different tunnels proceed
// in parallel.
func (o *Orchestrator) lockTunnel(id string) func() {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CreateRequest is the validated input for a new tunnel.
type CreateRequest struct {
	Name          string           `json:"name"`
	Core          string           `json:"core"`
	Type          string           `json:"type"`
	NodeID        string           `json:"node_id"`
	IranNodeID    string           `json:"iran_node_id"`
	ForeignNodeID string           `json:"foreign_node_id"`
	Spec          database.SpecMap `json:"spec"`
	QuotaMB       float64          `json:"quota_mb"`
}

// CreateTunnel validates, persists and applies a new tunnel. The tunnel
// row survives an apply failure with status "error" so the user can fix
// the spec and retry.
func (o *Orchestrator) CreateTunnel(ctx context.Context, req CreateRequest, hosts RequestHosts) (*database.Tunnel, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, E(KindValidation, "tunnel name is required")
	}
	if !spec.KnownCore(req.Core) {
		return nil, E(KindValidation, "unknown tunnel core %q", req.Core)
	}

	t := &database.Tunnel{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Core:          req.Core,
		Type:          strings.ToLower(req.Type),
		NodeID:        req.NodeID,
		IranNodeID:    req.IranNodeID,
		ForeignNodeID: req.ForeignNodeID,
		Spec:          req.Spec,
		Status:        "pending",
		QuotaMB:       req.QuotaMB,
	}
	if t.Spec == nil {
		t.Spec = database.SpecMap{}
	}
	if t.Type == "" {
		t.Type = "tcp"
	}

	if err := o.bindNodes(t); err != nil {
		return nil, err
	}
	// Derive once before persisting: a spec that cannot derive never
	// reaches the database.
	d, _, _, err := o.derive(t, hosts)
	if err != nil {
		return nil, err
	}
	t.Spec["ports"] = d.NormalizedPorts

	if err := database.DB.Create(t).Error; err != nil {
		return nil, Wrap(KindInternal, err, "persist tunnel")
	}

	if err := o.ApplyTunnel(ctx, t.ID, hosts); err != nil {
		// The row stays, marked error; surface the failure.
		stored, _ := database.GetTunnel(t.ID)
		if stored != nil {
			return stored, err
		}
		return t, err
	}
	return database.GetTunnel(t.ID)
}

// bindNodes validates node placement for the tunnel's core. Reverse
// cores that terminate on the iran node need both sides; the
// panel-hosted cores only need the foreign client side. Node IDs must
// be given explicitly: picking "some node with the right role" would
// silently move traffic when the fleet changes.
func (o *Orchestrator) bindNodes(t *database.Tunnel) error {
	needsIran := t.Core == spec.CoreRathole || t.Core == spec.CoreBackhaul
	needsForeign := t.IsReverse()

	if needsIran && t.IranNodeID == "" {
		return E(KindValidation, "core %q requires an explicit iran_node_id", t.Core)
	}
	if needsForeign && t.ForeignNodeID == "" {
		return E(KindValidation, "core %q requires an explicit foreign_node_id", t.Core)
	}

	// Role mismatches are configuration mistakes, never auto-corrected.
	if t.IranNodeID != "" {
		n, err := database.GetNode(t.IranNodeID)
		if err != nil {
			return E(KindValidation, "iran node %s not found", t.IranNodeID)
		}
		if n.Role() != "iran" {
			return E(KindValidation, "node %s has role %q, expected iran", n.Name, n.Role())
		}
	}
	if t.ForeignNodeID != "" {
		n, err := database.GetNode(t.ForeignNodeID)
		if err != nil {
			return E(KindValidation, "foreign node %s not found", t.ForeignNodeID)
		}
		if n.Role() != "foreign" {
			return E(KindValidation, "node %s has role %q, expected foreign", n.Name, n.Role())
		}
	}
	if t.NodeID != "" {
		if _, err := database.GetNode(t.NodeID); err != nil {
			return E(KindValidation, "node %s not found", t.NodeID)
		}
	}
	return nil
}

// derive loads the bound nodes and runs spec derivation.
func (o *Orchestrator) derive(t *database.Tunnel, hosts RequestHosts) (*spec.Derived, *database.Node, *database.Node, error) {
	var iranNode, foreignNode *database.Node
	var err error
	if t.IranNodeID != "" {
		if iranNode, err = database.GetNode(t.IranNodeID); err != nil {
			return nil, nil, nil, E(KindValidation, "iran node %s not found", t.IranNodeID)
		}
	}
	if t.ForeignNodeID != "" {
		if foreignNode, err = database.GetNode(t.ForeignNodeID); err != nil {
			return nil, nil, nil, E(KindValidation, "foreign node %s not found", t.ForeignNodeID)
		}
	}

	in := spec.Input{
		TunnelID:     t.ID,
		Core:         t.Core,
		Type:         t.Type,
		Spec:         t.Spec,
		PanelAPIPort: o.PanelAPIPort,
		PanelHost: spec.PanelHostSources{
			RequestHost:   hosts.RequestHost,
			ForwardedHost: hosts.ForwardedHost,
			EnvPublicIP:   o.PanelPublicIP,
		},
	}
	if s, ok := t.Spec["panel_host"].(string); ok {
		in.PanelHost.SpecHost = s
	}
	if iranNode != nil {
		in.IranIP = iranNode.MetaString("ip_address")
	}
	if foreignNode != nil {
		in.ForeignIP = foreignNode.MetaString("ip_address")
		in.PanelHost.NodePanelAddress = foreignNode.MetaString("panel_address")
	}

	d, err := spec.Derive(in)
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, Wrap(KindValidation, err, "derive tunnel spec")
	}
	return d, iranNode, foreignNode, nil
}

// ApplyTunnel derives and places the tunnel's endpoints. Ingress before
// egress: the client side only starts once something listens for it, and
// a failed client triggers a compensating remove of the server side.
// A tunnel over its quota is refused: it stays down until the quota is
// raised or its usage reset.
func (o *Orchestrator) ApplyTunnel(ctx context.Context, id string, hosts RequestHosts) error {
	unlock := o.lockTunnel(id)
	defer unlock()

	t, err := database.GetTunnel(id)
	if err != nil {
		return Wrap(KindNotFound, err, "tunnel %s", id)
	}
	if t.QuotaMB > 0 && t.UsedMB >= t.QuotaMB {
		return E(KindQuotaExceeded, "tunnel %s is over quota (%.1f/%.0f MB)", id, t.UsedMB, t.QuotaMB)
	}

	applyErr := o.place(ctx, t, hosts)
	if applyErr != nil {
		t.Status = "error"
		t.ErrorMessage = applyErr.Error()
	} else {
		t.Status = "active"
		t.ErrorMessage = ""
	}
	if err := database.DB.Model(t).Select("status", "error_message", "spec").Updates(map[string]interface{}{
		"status":        t.Status,
		"error_message": t.ErrorMessage,
		"spec":          t.Spec,
	}).Error; err != nil {
		log.Printf("[orchestrator] failed to persist status for %s: %v", id, err)
	}
	return applyErr
}

func (o *Orchestrator) place(ctx context.Context, t *database.Tunnel, hosts RequestHosts) error {
	d, iranNode, foreignNode, err := o.derive(t, hosts)
	if err != nil {
		return err
	}
	t.Spec["ports"] = d.NormalizedPorts

	switch t.Core {
	case spec.CoreRathole, spec.CoreBackhaul:
		if err := o.applyToNode(ctx, iranNode, t.ID, t.Core, cores.ModeServer, d.Server); err != nil {
			return err
		}
		if err := o.applyToNode(ctx, foreignNode, t.ID, t.Core, cores.ModeClient, d.Client); err != nil {
			o.compensate(t.ID, iranNode, nil)
			return err
		}

	case spec.CoreChisel, spec.CoreFrp:
		if err := o.applyLocal(ctx, t.ID, t.Core, d.Server); err != nil {
			return err
		}
		if err := o.applyToNode(ctx, foreignNode, t.ID, t.Core, cores.ModeClient, d.Client); err != nil {
			o.compensate(t.ID, nil, o.Cores)
			return err
		}

	case spec.CoreGost:
		// Pair mode forwards from the iran node; otherwise the panel (or
		// an explicitly chosen node) hosts the forward itself.
		switch {
		case iranNode != nil && foreignNode != nil:
			return o.applyToNode(ctx, iranNode, t.ID, t.Core, cores.ModeServer, d.Server)
		case t.NodeID != "":
			n, err := database.GetNode(t.NodeID)
			if err != nil {
				return E(KindValidation, "node %s not found", t.NodeID)
			}
			return o.applyToNode(ctx, n, t.ID, t.Core, cores.ModeServer, d.Server)
		default:
			return o.applyLocal(ctx, t.ID, t.Core, d.Server)
		}
	}
	return nil
}

func (o *Orchestrator) applyToNode(ctx context.Context, n *database.Node, tunnelID, core, mode string, sp database.SpecMap) error {
	if n == nil {
		return E(KindValidation, "tunnel %s has no node for its %s side", tunnelID, mode)
	}
	rpc := o.Dial(n.APIAddress())
	if err := rpc.Apply(ctx, nodeclient.ApplyRequest{
		TunnelID: tunnelID,
		Core:     core,
		Mode:     mode,
		Spec:     sp,
	}); err != nil {
		return classifyNodeErr(err, n.Name)
	}
	return nil
}

func (o *Orchestrator) applyLocal(ctx context.Context, tunnelID, core string, sp database.SpecMap) error {
	if o.Cores == nil {
		return E(KindInternal, "panel has no local engine manager")
	}
	if err := o.Cores.Apply(ctx, tunnelID, core, cores.ModeServer, sp); err != nil {
		return Wrap(KindEngineFailure, err, "panel-local engine for %s", tunnelID)
	}
	return nil
}

// compensate tears down the already-applied server half after the client
// half failed. Runs detached: the user's request already has its error.
func (o *Orchestrator) compensate(tunnelID string, serverNode *database.Node, local *cores.Manager) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if serverNode != nil {
			if err := o.Dial(serverNode.APIAddress()).Remove(ctx, tunnelID); err != nil {
				log.Printf("[orchestrator] compensating remove of %s on %s failed: %v", tunnelID, serverNode.Name, err)
			}
		}
		if local != nil {
			if err := local.Remove(ctx, tunnelID); err != nil {
				log.Printf("[orchestrator] compensating local remove of %s failed: %v", tunnelID, err)
			}
		}
	}()
}

// UpdateRequest is a partial tunnel update. Nil fields are untouched.
type UpdateRequest struct {
	Name    *string          `json:"name"`
	Type    *string          `json:"type"`
	Spec    database.SpecMap `json:"spec"`
	QuotaMB *float64         `json:"quota_mb"`
}

// UpdateTunnel merges the patch. The revision bumps and the endpoints
// reapply only when the effective spec actually changed; renames and
// quota edits are metadata-only.
func (o *Orchestrator) UpdateTunnel(ctx context.Context, id string, req UpdateRequest, hosts RequestHosts) (*database.Tunnel, error) {
	unlock := o.lockTunnel(id)

	t, err := database.GetTunnel(id)
	if err != nil {
		unlock()
		return nil, Wrap(KindNotFound, err, "tunnel %s", id)
	}

	before := specFingerprint(t.Spec, t.Type)
	if req.Name != nil && *req.Name != "" {
		t.Name = *req.Name
	}
	if req.Type != nil && *req.Type != "" {
		t.Type = strings.ToLower(*req.Type)
	}
	if req.QuotaMB != nil {
		t.QuotaMB = *req.QuotaMB
	}
	for k, v := range req.Spec {
		if v == nil {
			delete(t.Spec, k)
			continue
		}
		t.Spec[k] = v
	}
	changed := specFingerprint(t.Spec, t.Type) != before

	if changed {
		// Validate before persisting anything.
		if _, _, _, err := o.derive(t, hosts); err != nil {
			unlock()
			return nil, err
		}
		t.Revision++
	}
	if err := database.DB.Save(t).Error; err != nil {
		unlock()
		return nil, Wrap(KindInternal, err, "persist tunnel update")
	}
	unlock()

	if changed {
		if err := o.ApplyTunnel(ctx, id, hosts); err != nil {
			stored, _ := database.GetTunnel(id)
			return stored, err
		}
	}
	return database.GetTunnel(id)
}

// DeleteTunnel removes the endpoints everywhere, best effort, then the
// row. An unreachable node does not keep a tunnel alive in the database.
func (o *Orchestrator) DeleteTunnel(ctx context.Context, id string) error {
	unlock := o.lockTunnel(id)
	defer unlock()

	t, err := database.GetTunnel(id)
	if err != nil {
		return Wrap(KindNotFound, err, "tunnel %s", id)
	}

	for _, nodeID := range []string{t.IranNodeID, t.ForeignNodeID, t.NodeID} {
		if nodeID == "" {
			continue
		}
		n, err := database.GetNode(nodeID)
		if err != nil {
			continue
		}
		if err := o.Dial(n.APIAddress()).Remove(ctx, id); err != nil {
			log.Printf("[orchestrator] remove %s on %s failed: %v", id, n.Name, err)
		}
	}
	if o.Cores != nil {
		if err := o.Cores.Remove(ctx, id); err != nil {
			log.Printf("[orchestrator] local remove %s failed: %v", id, err)
		}
	}

	if err := database.DB.Delete(&database.Tunnel{}, "id = ?", id).Error; err != nil {
		return Wrap(KindInternal, err, "delete tunnel")
	}
	o.mu.Lock()
	delete(o.locks, id)
	o.mu.Unlock()
	return nil
}

// RegisterNode creates or refreshes a node record, keyed by fingerprint
// so re-registration after a reinstall updates in place.
func (o *Orchestrator) RegisterNode(name, fingerprint string, metadata database.SpecMap) (*database.Node, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return nil, E(KindValidation, "node fingerprint is required")
	}
	if metadata == nil {
		metadata = database.SpecMap{}
	}
	if role, _ := metadata["role"].(string); role != "" && role != "iran" && role != "foreign" {
		return nil, E(KindValidation, "node role must be iran or foreign, got %q", role)
	}

	existing, err := database.GetNodeByFingerprint(fingerprint)
	if err == nil {
		if name != "" {
			existing.Name = name
		}
		for k, v := range metadata {
			existing.Metadata[k] = v
		}
		existing.Status = "active"
		existing.LastSeen = time.Now()
		o.applyCommAddress(existing)
		if err := database.DB.Save(existing).Error; err != nil {
			return nil, Wrap(KindInternal, err, "update node")
		}
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, Wrap(KindInternal, err, "lookup node")
	}

	if name == "" {
		name = fingerprint
	}
	n := &database.Node{
		ID:          uuid.NewString(),
		Name:        name,
		Fingerprint: fingerprint,
		Status:      "active",
		Metadata:    metadata,
		LastSeen:    time.Now(),
	}
	o.applyCommAddress(n)
	if err := database.DB.Create(n).Error; err != nil {
		return nil, Wrap(KindInternal, err, "persist node")
	}
	return n, nil
}

// Heartbeat refreshes a node's last-seen timestamp and merges any
// metadata the agent reports alongside it.
func (o *Orchestrator) Heartbeat(id string, metadata database.SpecMap) (*database.Node, error) {
	n, err := database.GetNode(id)
	if err != nil {
		return nil, Wrap(KindNotFound, err, "node %s", id)
	}
	if n.Metadata == nil {
		n.Metadata = database.SpecMap{}
	}
	for k, v := range metadata {
		n.Metadata[k] = v
	}
	n.Status = "active"
	n.LastSeen = time.Now()
	if err := database.DB.Save(n).Error; err != nil {
		return nil, Wrap(KindInternal, err, "persist heartbeat")
	}
	return n, nil
}

// DeleteNode refuses while any tunnel still references the node: delete
// or rebind the tunnels first.
func (o *Orchestrator) DeleteNode(id string) error {
	if _, err := database.GetNode(id); err != nil {
		return Wrap(KindNotFound, err, "node %s", id)
	}
	count, err := database.TunnelsReferencingNode(id)
	if err != nil {
		return Wrap(KindInternal, err, "count tunnels")
	}
	if count > 0 {
		return E(KindConflict, "node has %d bound tunnel(s); delete them first", count)
	}
	if err := database.DB.Delete(&database.Node{}, "id = ?", id).Error; err != nil {
		return Wrap(KindInternal, err, "delete node")
	}
	return nil
}

// specFingerprint is a stable digest of the apply-relevant tunnel fields.
func specFingerprint(sp database.SpecMap, typ string) string {
	b, err := json.Marshal(map[string]interface{}{"spec": sp, "type": typ})
	if err != nil {
		return ""
	}
	return string(b)
}
