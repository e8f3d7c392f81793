package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/nodeclient"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.Node{}, &database.Tunnel{}, &database.Usage{}, &database.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	database.DB = db
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})
}

type fakeNode struct {
	mu       sync.Mutex
	applied  []nodeclient.ApplyRequest
	removed  []string
	applyErr error
}

func (f *fakeNode) Apply(_ context.Context, req nodeclient.ApplyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, req)
	return nil
}

func (f *fakeNode) Remove(_ context.Context, tunnelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, tunnelID)
	return nil
}

func (f *fakeNode) TunnelStatus(context.Context, string) (*nodeclient.TunnelStatus, error) {
	return &nodeclient.TunnelStatus{Active: true, State: "running", ConfigExists: true, ProcessRunning: true}, nil
}

func (f *fakeNode) Status(context.Context) (*nodeclient.NodeStatus, error) {
	return &nodeclient.NodeStatus{}, nil
}

func (f *fakeNode) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *fakeNode) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

type fleet struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode
}

func newFleet() *fleet {
	return &fleet{nodes: make(map[string]*fakeNode)}
}

func (fl *fleet) dial(base string) NodeRPC {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	n, ok := fl.nodes[base]
	if !ok {
		n = &fakeNode{}
		fl.nodes[base] = n
	}
	return n
}

func (fl *fleet) at(base string) *fakeNode {
	fl.dial(base)
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.nodes[base]
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fleet) {
	t.Helper()
	setupTestDB(t)
	fl := newFleet()
	return New(nil, fl.dial, 8000, "192.0.2.1"), fl
}

func registerPair(t *testing.T, o *Orchestrator) (iran, foreign *database.Node) {
	t.Helper()
	iran, err := o.RegisterNode("ir-1", "fp-iran", database.SpecMap{
		"role": "iran", "ip_address": "203.0.113.10",
	})
	if err != nil {
		t.Fatalf("register iran: %v", err)
	}
	foreign, err = o.RegisterNode("de-1", "fp-foreign", database.SpecMap{
		"role": "foreign", "ip_address": "198.51.100.20",
	})
	if err != nil {
		t.Fatalf("register foreign: %v", err)
	}
	return iran, foreign
}

func TestCreateTunnel_RatholePlacesServerBeforeClient(t *testing.T) {
	o, fl := newTestOrchestrator(t)
	iran, foreign := registerPair(t, o)

	created, err := o.CreateTunnel(context.Background(), CreateRequest{
		Name:          "web",
		Core:          "rathole",
		Type:          "tcp",
		IranNodeID:    iran.ID,
		ForeignNodeID: foreign.ID,
		Spec:          database.SpecMap{"token": "T", "ports": "8080,8081"},
	}, RequestHosts{})
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	if created.Status != "active" {
		t.Fatalf("status = %s (%s)", created.Status, created.ErrorMessage)
	}

	iranFake := fl.at(iran.APIAddress())
	foreignFake := fl.at(foreign.APIAddress())
	if iranFake.applyCount() != 1 || foreignFake.applyCount() != 1 {
		t.Fatalf("applies: iran=%d foreign=%d", iranFake.applyCount(), foreignFake.applyCount())
	}
	if iranFake.applied[0].Mode != "server" {
		t.Fatalf("iran side got mode %s", iranFake.applied[0].Mode)
	}
	if foreignFake.applied[0].Mode != "client" {
		t.Fatalf("foreign side got mode %s", foreignFake.applied[0].Mode)
	}

	// Normalized ports persisted back onto the stored spec.
	ports, _ := created.Spec["ports"].([]interface{})
	if len(ports) != 2 {
		t.Fatalf("stored ports = %v", created.Spec["ports"])
	}
}

func TestCreateTunnel_RequiresExplicitNodeIDs(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	// Matching-role nodes exist, but must never be picked implicitly.
	registerPair(t, o)

	_, err := o.CreateTunnel(context.Background(), CreateRequest{
		Name: "implicit",
		Core: "rathole",
		Spec: database.SpecMap{"token": "T", "ports": "8080"},
	}, RequestHosts{})
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %s (%v), want validation for missing node ids", KindOf(err), err)
	}

	// Panel-hosted cores still need their foreign client side named.
	_, err = o.CreateTunnel(context.Background(), CreateRequest{
		Name: "implicit-chisel",
		Core: "chisel",
		Spec: database.SpecMap{"ports": "8443"},
	}, RequestHosts{})
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %s (%v), want validation for missing foreign_node_id", KindOf(err), err)
	}

	// Validation failures persist nothing.
	tunnels, err := database.ListTunnels()
	if err != nil {
		t.Fatalf("ListTunnels: %v", err)
	}
	if len(tunnels) != 0 {
		t.Fatalf("rejected tunnels were persisted: %v", tunnels)
	}
}

func TestCreateTunnel_RejectsRoleMismatch(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	iran, _ := registerPair(t, o)

	_, err := o.CreateTunnel(context.Background(), CreateRequest{
		Name:          "bad",
		Core:          "rathole",
		IranNodeID:    iran.ID,
		ForeignNodeID: iran.ID, // iran node on the foreign side
		Spec:          database.SpecMap{"token": "T", "ports": "8080"},
	}, RequestHosts{})
	if err == nil {
		t.Fatal("expected role mismatch error")
	}
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %s, want validation", KindOf(err))
	}
}

func TestCreateTunnel_ClientFailureCompensates(t *testing.T) {
	o, fl := newTestOrchestrator(t)
	iran, foreign := registerPair(t, o)
	fl.at(foreign.APIAddress()).applyErr = errors.New("dial tcp: connection refused")

	created, err := o.CreateTunnel(context.Background(), CreateRequest{
		Name:          "doomed",
		Core:          "backhaul",
		Type:          "tcp",
		IranNodeID:    iran.ID,
		ForeignNodeID: foreign.ID,
		Spec:          database.SpecMap{"token": "T", "ports": []interface{}{float64(9000)}},
	}, RequestHosts{})
	if err == nil {
		t.Fatal("expected apply failure")
	}
	if KindOf(err) != KindNodeUnreachable {
		t.Fatalf("kind = %s, want node_unreachable", KindOf(err))
	}
	if created == nil || created.Status != "error" {
		t.Fatalf("tunnel = %+v, want persisted error state", created)
	}

	// The compensating remove of the iran server side runs detached.
	iranFake := fl.at(iran.APIAddress())
	deadline := time.Now().Add(2 * time.Second)
	for iranFake.removedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if iranFake.removedCount() != 1 {
		t.Fatal("iran server side was never compensated")
	}
}

func TestUpdateTunnel_RevisionBumpsOnlyOnSpecChange(t *testing.T) {
	o, fl := newTestOrchestrator(t)
	iran, foreign := registerPair(t, o)

	created, err := o.CreateTunnel(context.Background(), CreateRequest{
		Name:          "web",
		Core:          "rathole",
		IranNodeID:    iran.ID,
		ForeignNodeID: foreign.ID,
		Spec:          database.SpecMap{"token": "T", "ports": "8080"},
	}, RequestHosts{})
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	iranFake := fl.at(iran.APIAddress())
	appliesAfterCreate := iranFake.applyCount()

	name := "web-renamed"
	updated, err := o.UpdateTunnel(context.Background(), created.ID, UpdateRequest{Name: &name}, RequestHosts{})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if updated.Revision != created.Revision {
		t.Fatalf("rename bumped revision to %d", updated.Revision)
	}
	if iranFake.applyCount() != appliesAfterCreate {
		t.Fatal("rename triggered a reapply")
	}

	updated, err = o.UpdateTunnel(context.Background(), created.ID, UpdateRequest{
		Spec: database.SpecMap{"ports": "8080,8443"},
	}, RequestHosts{})
	if err != nil {
		t.Fatalf("spec update: %v", err)
	}
	if updated.Revision != created.Revision+1 {
		t.Fatalf("revision = %d, want %d", updated.Revision, created.Revision+1)
	}
	if iranFake.applyCount() != appliesAfterCreate+1 {
		t.Fatal("spec change did not reapply")
	}
}

func TestDeleteNode_RejectsWhileTunnelsBound(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	iran, foreign := registerPair(t, o)

	created, err := o.CreateTunnel(context.Background(), CreateRequest{
		Name:          "web",
		Core:          "rathole",
		IranNodeID:    iran.ID,
		ForeignNodeID: foreign.ID,
		Spec:          database.SpecMap{"token": "T", "ports": "8080"},
	}, RequestHosts{})
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}

	err = o.DeleteNode(iran.ID)
	if err == nil {
		t.Fatal("expected conflict")
	}
	if KindOf(err) != KindConflict {
		t.Fatalf("kind = %s, want conflict", KindOf(err))
	}

	if err := o.DeleteTunnel(context.Background(), created.ID); err != nil {
		t.Fatalf("DeleteTunnel: %v", err)
	}
	if err := o.DeleteNode(iran.ID); err != nil {
		t.Fatalf("DeleteNode after unbinding: %v", err)
	}
}

func TestDeleteTunnel_RemovesOnBothNodes(t *testing.T) {
	o, fl := newTestOrchestrator(t)
	iran, foreign := registerPair(t, o)

	created, err := o.CreateTunnel(context.Background(), CreateRequest{
		Name:          "web",
		Core:          "rathole",
		IranNodeID:    iran.ID,
		ForeignNodeID: foreign.ID,
		Spec:          database.SpecMap{"token": "T", "ports": "8080"},
	}, RequestHosts{})
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	if err := o.DeleteTunnel(context.Background(), created.ID); err != nil {
		t.Fatalf("DeleteTunnel: %v", err)
	}
	if fl.at(iran.APIAddress()).removedCount() != 1 || fl.at(foreign.APIAddress()).removedCount() != 1 {
		t.Fatal("delete did not reach both nodes")
	}
	if _, err := database.GetTunnel(created.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("tunnel row still present: %v", err)
	}

	// Deleting again is a clean not-found.
	if KindOf(o.DeleteTunnel(context.Background(), created.ID)) != KindNotFound {
		t.Fatal("second delete should be not_found")
	}
}

func TestPushUsage_MonotonicAndQuotaFlip(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	iran, foreign := registerPair(t, o)

	created, err := o.CreateTunnel(context.Background(), CreateRequest{
		Name:          "metered",
		Core:          "rathole",
		IranNodeID:    iran.ID,
		ForeignNodeID: foreign.ID,
		Spec:          database.SpecMap{"token": "T", "ports": "8080"},
		QuotaMB:       100,
	}, RequestHosts{})
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}

	push := func(bytes int64) {
		t.Helper()
		err := o.PushUsage(context.Background(), nodeclient.UsageReport{
			NodeID:  iran.ID,
			Samples: []nodeclient.UsageSample{{TunnelID: created.ID, BytesUsed: bytes}},
		})
		if err != nil {
			t.Fatalf("PushUsage: %v", err)
		}
	}

	push(50 << 20)
	got, _ := database.GetTunnel(created.ID)
	if got.UsedMB != 50 {
		t.Fatalf("used_mb = %v, want 50", got.UsedMB)
	}

	// A counter reset on the node must not shrink recorded usage.
	push(10 << 20)
	got, _ = database.GetTunnel(created.ID)
	if got.UsedMB != 50 {
		t.Fatalf("used_mb = %v after reset, want 50", got.UsedMB)
	}

	push(120 << 20)
	got, _ = database.GetTunnel(created.ID)
	if got.UsedMB != 120 {
		t.Fatalf("used_mb = %v, want 120", got.UsedMB)
	}
	if got.Status != "error" {
		t.Fatalf("status = %s, want error after quota flip", got.Status)
	}
	if got.ErrorMessage != "quota exceeded" {
		t.Fatalf("error_message = %q, want %q", got.ErrorMessage, "quota exceeded")
	}
}

func TestPushUsage_KeepsFractionalMB(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	iran, foreign := registerPair(t, o)

	created, err := o.CreateTunnel(context.Background(), CreateRequest{
		Name:          "small",
		Core:          "rathole",
		IranNodeID:    iran.ID,
		ForeignNodeID: foreign.ID,
		Spec:          database.SpecMap{"token": "T", "ports": "8080"},
	}, RequestHosts{})
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}

	// 1.5 MiB must not be floored to 1.
	err = o.PushUsage(context.Background(), nodeclient.UsageReport{
		NodeID:  iran.ID,
		Samples: []nodeclient.UsageSample{{TunnelID: created.ID, BytesUsed: 3 << 19}},
	})
	if err != nil {
		t.Fatalf("PushUsage: %v", err)
	}
	got, _ := database.GetTunnel(created.ID)
	if got.UsedMB != 1.5 {
		t.Fatalf("used_mb = %v, want 1.5", got.UsedMB)
	}
}

func TestApplyTunnel_RefusesOverQuota(t *testing.T) {
	o, fl := newTestOrchestrator(t)
	iran, foreign := registerPair(t, o)

	created, err := o.CreateTunnel(context.Background(), CreateRequest{
		Name:          "capped",
		Core:          "rathole",
		IranNodeID:    iran.ID,
		ForeignNodeID: foreign.ID,
		Spec:          database.SpecMap{"token": "T", "ports": "8080"},
		QuotaMB:       1,
	}, RequestHosts{})
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	iranFake := fl.at(iran.APIAddress())
	appliesAfterCreate := iranFake.applyCount()

	err = o.PushUsage(context.Background(), nodeclient.UsageReport{
		NodeID:  iran.ID,
		Samples: []nodeclient.UsageSample{{TunnelID: created.ID, BytesUsed: 2 << 20}},
	})
	if err != nil {
		t.Fatalf("PushUsage: %v", err)
	}

	err = o.ApplyTunnel(context.Background(), created.ID, RequestHosts{})
	if KindOf(err) != KindQuotaExceeded {
		t.Fatalf("kind = %s (%v), want quota_exceeded", KindOf(err), err)
	}
	if iranFake.applyCount() != appliesAfterCreate {
		t.Fatal("over-quota reapply reached the node")
	}

	// The quota diagnosis survives the refused reapply.
	got, _ := database.GetTunnel(created.ID)
	if got.Status != "error" || got.ErrorMessage != "quota exceeded" {
		t.Fatalf("tunnel = %s %q, want persisted quota error", got.Status, got.ErrorMessage)
	}
}

func TestRegisterNode_UpsertsByFingerprint(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	first, err := o.RegisterNode("n1", "fp-x", database.SpecMap{"role": "foreign", "ip_address": "1.2.3.4"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := o.RegisterNode("n1-renamed", "fp-x", database.SpecMap{"ip_address": "5.6.7.8"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("re-registration created a new node")
	}
	if second.MetaString("ip_address") != "5.6.7.8" || second.Role() != "foreign" {
		t.Fatalf("metadata merge = %v", second.Metadata)
	}

	if _, err := o.RegisterNode("bad", "fp-y", database.SpecMap{"role": "mars"}); KindOf(err) != KindValidation {
		t.Fatal("invalid role must be rejected")
	}
}

func TestHeartbeat(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	n, err := o.RegisterNode("n1", "fp-x", database.SpecMap{"role": "foreign"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	before := n.LastSeen
	time.Sleep(10 * time.Millisecond)
	beat, err := o.Heartbeat(n.ID, database.SpecMap{"version": "1.2.3"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !beat.LastSeen.After(before) {
		t.Fatalf("last_seen did not advance: %v -> %v", before, beat.LastSeen)
	}
	if beat.MetaString("version") != "1.2.3" {
		t.Fatalf("metadata merge = %v", beat.Metadata)
	}
	if beat.Role() != "foreign" {
		t.Fatal("heartbeat clobbered existing metadata")
	}

	if _, err := o.Heartbeat("no-such-node", nil); KindOf(err) != KindNotFound {
		t.Fatal("heartbeat for unknown node should be not_found")
	}
}

func TestRegisterNode_FrpCommRewritesAPIAddress(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	// Comm server off: the metadata flag is a no-op.
	plain, err := o.RegisterNode("n1", "fp-a", database.SpecMap{
		"role": "foreign", "ip_address": "5.6.7.8", "frp_comm": true,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if plain.MetaString("api_address") != "" {
		t.Fatalf("api_address set while comm disabled: %v", plain.Metadata)
	}
	if o.CommInfo(plain.ID) != nil {
		t.Fatal("CommInfo should be nil while comm disabled")
	}

	if err := database.SetSetting("frp", database.SpecMap{
		"enabled": true, "port": float64(6100), "token": "comm-secret",
	}); err != nil {
		t.Fatalf("set frp settings: %v", err)
	}

	n, err := o.RegisterNode("n2", "fp-b", database.SpecMap{
		"role": "foreign", "ip_address": "9.9.9.9", "frp_comm": true,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	info := o.CommInfo(n.ID)
	if info == nil || info.ServerPort != 6100 || info.Token != "comm-secret" {
		t.Fatalf("CommInfo = %+v", info)
	}
	if info.RemotePort < 10000 || info.RemotePort >= 20000 {
		t.Fatalf("remote port %d out of band", info.RemotePort)
	}
	want := fmt.Sprintf("http://127.0.0.1:%d", info.RemotePort)
	if n.MetaString("api_address") != want {
		t.Fatalf("api_address = %q, want %q", n.MetaString("api_address"), want)
	}
	if n.APIAddress() != want {
		t.Fatalf("APIAddress() = %q, want comm proxy", n.APIAddress())
	}

	// A node that never asked keeps its public address.
	other, err := o.RegisterNode("n3", "fp-c", database.SpecMap{
		"role": "foreign", "ip_address": "7.7.7.7",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if other.MetaString("api_address") != "" {
		t.Fatalf("api_address set without frp_comm: %v", other.Metadata)
	}
}
