package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztmesh/controlplane/internal/audit"
	"github.com/ztmesh/controlplane/internal/events"
	"github.com/ztmesh/controlplane/internal/ipam"
	"github.com/ztmesh/controlplane/internal/overlay"
	"github.com/ztmesh/controlplane/internal/store"
)

func newTestManager(t *testing.T, approval ApprovalPolicy) (*Manager, *store.Memory, *overlay.Fake) {
	t.Helper()
	mem := store.NewMemory()
	alloc, err := ipam.New("10.0.0.0/24", "10.0.0.1")
	require.NoError(t, err)
	fake := overlay.NewFake()
	m := NewManager(mem, alloc, fake, events.NewLocal(),
		audit.NewLogger(mem, true, nil), nil, approval, nil)
	return m, mem, fake
}

func autoApprove() ApprovalPolicy { return ApprovalPolicy{AutoApproveAll: true} }

func req(hostname, key string) RegisterRequest {
	return RegisterRequest{
		Hostname:     hostname,
		Role:         "app",
		PublicKey:    key,
		AgentVersion: "1.4.0",
		ClientIP:     "198.51.100.10",
	}
}

func TestRegisterNewNode(t *testing.T) {
	m, mem, fake := newTestManager(t, autoApprove())

	node, created, err := m.Register(context.Background(), req("web-01", "pk-1"))
	require.NoError(t, err)

	assert.True(t, created)
	assert.Equal(t, "10.0.0.2/24", node.OverlayIP)
	assert.Equal(t, store.StatusActive, node.Status)
	assert.True(t, node.IsApproved)
	assert.Equal(t, 1.0, node.TrustScore)
	assert.True(t, fake.HasPeer("pk-1"))

	audits, err := mem.ListAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "registration", audits[0].EventType)

	allocs, err := mem.ListAllocations(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, "10.0.0.2", allocs[0].IPAddress)
}

func TestRegisterSequentialAddresses(t *testing.T) {
	m, _, _ := newTestManager(t, autoApprove())

	a, _, err := m.Register(context.Background(), req("web-01", "pk-1"))
	require.NoError(t, err)
	b, _, err := m.Register(context.Background(), req("web-02", "pk-2"))
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.2/24", a.OverlayIP)
	assert.Equal(t, "10.0.0.3/24", b.OverlayIP)
}

func TestRegisterSameKeyHealsPeer(t *testing.T) {
	m, _, fake := newTestManager(t, autoApprove())

	first, _, err := m.Register(context.Background(), req("web-01", "pk-1"))
	require.NoError(t, err)

	// Hub restarted and lost its peers.
	require.NoError(t, fake.RemovePeer(context.Background(), "pk-1"))

	r := req("web-01", "pk-1")
	r.AgentVersion = "1.5.0"
	second, created, err := m.Register(context.Background(), r)
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.OverlayIP, second.OverlayIP, "address is stable across re-registration")
	assert.Equal(t, "1.5.0", second.AgentVersion)
	assert.True(t, fake.HasPeer("pk-1"), "missing peer is re-added")
}

func TestRegisterHostnameConflict(t *testing.T) {
	m, _, _ := newTestManager(t, autoApprove())

	_, _, err := m.Register(context.Background(), req("web-01", "pk-1"))
	require.NoError(t, err)

	_, _, err = m.Register(context.Background(), req("web-01", "pk-other"))
	assert.ErrorIs(t, err, ErrHostnameConflict)
}

func TestRegisterPoolExhausted(t *testing.T) {
	mem := store.NewMemory()
	alloc, err := ipam.New("10.0.0.0/30", "10.0.0.1")
	require.NoError(t, err)
	m := NewManager(mem, alloc, overlay.NewFake(), nil, nil, nil, autoApprove(), nil)

	// /30 leaves a single assignable host (.2).
	_, _, err = m.Register(context.Background(), req("web-01", "pk-1"))
	require.NoError(t, err)

	_, _, err = m.Register(context.Background(), req("web-02", "pk-2"))
	assert.ErrorIs(t, err, store.ErrPoolExhausted)
}

func TestRegisterPendingWithoutAutoApprove(t *testing.T) {
	m, _, fake := newTestManager(t, ApprovalPolicy{AutoApproveRoles: []string{"ops"}})

	node, _, err := m.Register(context.Background(), req("web-01", "pk-1"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, node.Status)
	assert.False(t, node.IsApproved)
	assert.False(t, fake.HasPeer("pk-1"), "pending nodes get no peer")

	opsReq := req("ops-01", "pk-2")
	opsReq.Role = "ops"
	opsNode, _, err := m.Register(context.Background(), opsReq)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, opsNode.Status, "role allow-list auto-approves")
}

func TestApproveActivatesAndAddsPeer(t *testing.T) {
	m, mem, fake := newTestManager(t, ApprovalPolicy{})

	node, _, err := m.Register(context.Background(), req("web-01", "pk-1"))
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, node.Status)

	approved, err := m.Approve(context.Background(), node.ID, "admin@corp")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, approved.Status)
	assert.True(t, approved.IsApproved)
	assert.True(t, fake.HasPeer("pk-1"))

	stored, err := mem.NodeByID(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, stored.Status)
}

func TestApproveTwiceIsIdempotent(t *testing.T) {
	m, _, fake := newTestManager(t, ApprovalPolicy{})

	node, _, err := m.Register(context.Background(), req("web-01", "pk-1"))
	require.NoError(t, err)

	first, err := m.Approve(context.Background(), node.ID, "admin@corp")
	require.NoError(t, err)
	second, err := m.Approve(context.Background(), node.ID, "admin@corp")
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.OverlayIP, second.OverlayIP)
	assert.True(t, fake.HasPeer("pk-1"))
}

func TestSuspendRemovesPeer(t *testing.T) {
	m, _, fake := newTestManager(t, autoApprove())

	node, _, err := m.Register(context.Background(), req("web-01", "pk-1"))
	require.NoError(t, err)
	require.True(t, fake.HasPeer("pk-1"))

	suspended, err := m.Suspend(context.Background(), node.ID, "admin@corp")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuspended, suspended.Status)
	assert.False(t, suspended.IsApproved)
	assert.False(t, fake.HasPeer("pk-1"))
}

func TestRevokeKeepsRow(t *testing.T) {
	m, mem, fake := newTestManager(t, autoApprove())

	node, _, err := m.Register(context.Background(), req("web-01", "pk-1"))
	require.NoError(t, err)

	_, err = m.Revoke(context.Background(), node.ID, "admin@corp")
	require.NoError(t, err)
	assert.False(t, fake.HasPeer("pk-1"))

	stored, err := mem.NodeByID(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRevoked, stored.Status)
}

func TestDeleteReleasesAddress(t *testing.T) {
	m, mem, _ := newTestManager(t, autoApprove())

	node, _, err := m.Register(context.Background(), req("web-01", "pk-1"))
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), node.ID, "admin@corp"))

	_, err = mem.NodeByID(context.Background(), node.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	active, err := mem.ListAllocations(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, active, "allocation trail marks the address released")

	// The freed address is handed out again.
	next, _, err := m.Register(context.Background(), req("web-02", "pk-2"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2/24", next.OverlayIP)
}

func TestLifecycleOnMissingNode(t *testing.T) {
	m, _, _ := newTestManager(t, autoApprove())

	_, err := m.Approve(context.Background(), 42, "admin@corp")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, m.Delete(context.Background(), 42, "admin@corp"), store.ErrNotFound)
}
