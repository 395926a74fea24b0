// Package nodes implements node enrollment and lifecycle: registration with
// address allocation, approval, suspension, revocation, deletion, and
// heartbeat bookkeeping.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ztmesh/controlplane/internal/audit"
	"github.com/ztmesh/controlplane/internal/events"
	"github.com/ztmesh/controlplane/internal/ipam"
	"github.com/ztmesh/controlplane/internal/metrics"
	"github.com/ztmesh/controlplane/internal/overlay"
	"github.com/ztmesh/controlplane/internal/store"
)

// ErrHostnameConflict means the hostname is registered under a different
// public key. The caller must pick another hostname or rotate back to the
// original key.
var ErrHostnameConflict = errors.New("hostname already registered with a different key")

// ApprovalPolicy decides the initial status of a new node.
type ApprovalPolicy struct {
	AutoApproveAll   bool
	AutoApproveRoles []string
}

func (p ApprovalPolicy) initialStatus(role string) store.NodeStatus {
	if p.AutoApproveAll {
		return store.StatusActive
	}
	for _, r := range p.AutoApproveRoles {
		if r == role {
			return store.StatusActive
		}
	}
	return store.StatusPending
}

// Manager owns node lifecycle transitions.
type Manager struct {
	store    store.Store
	alloc    *ipam.Allocator
	driver   overlay.Driver
	bus      events.Bus
	audit    *audit.Logger
	metrics  *metrics.Metrics
	logger   *slog.Logger
	approval ApprovalPolicy
	now      func() time.Time
}

// NewManager wires the node manager. bus, audit logger and metrics may be
// nil in tests.
func NewManager(s store.Store, alloc *ipam.Allocator, d overlay.Driver, bus events.Bus,
	auditLog *audit.Logger, m *metrics.Metrics, approval ApprovalPolicy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    s,
		alloc:    alloc,
		driver:   d,
		bus:      bus,
		audit:    auditLog,
		metrics:  m,
		logger:   logger,
		approval: approval,
		now:      time.Now,
	}
}

// RegisterRequest carries everything an agent sends when enrolling.
type RegisterRequest struct {
	Hostname     string
	Role         string
	PublicKey    string
	Description  string
	AgentVersion string
	OSInfo       string
	ClientIP     string
}

// Register enrolls a node, or heals an existing enrollment when the public
// key is already known. Returns the node and whether it was newly created.
//
// Identity is the public key: a known key re-registers (refreshing liveness
// fields and the hub peer) no matter what hostname it brings; a new key with
// a taken hostname is a conflict.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (*store.Node, bool, error) {
	existing, err := m.store.NodeByPublicKey(ctx, req.PublicKey)
	switch {
	case err == nil:
		m.reregister(ctx, existing, req)
		m.count("re_registered")
		return existing, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("looking up key: %w", err)
	}

	if _, err := m.store.NodeByHostname(ctx, req.Hostname); err == nil {
		m.count("conflict")
		return nil, false, ErrHostnameConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up hostname: %w", err)
	}

	status := m.approval.initialStatus(req.Role)
	node := &store.Node{
		Hostname:      req.Hostname,
		Role:          req.Role,
		Description:   req.Description,
		PublicKey:     req.PublicKey,
		RealIP:        req.ClientIP,
		ListenPort:    51820,
		Status:        status,
		IsApproved:    status == store.StatusActive,
		AgentVersion:  req.AgentVersion,
		OSInfo:        req.OSInfo,
		ConfigVersion: 1,
		TrustScore:    1.0,
		RiskLevel:     "low",
		LastSeen:      m.now().UTC(),
	}

	err = m.store.CreateNodeWithIP(ctx, node, m.alloc.Pick)
	switch {
	case errors.Is(err, store.ErrPoolExhausted):
		m.count("pool_exhausted")
		return nil, false, err
	case errors.Is(err, store.ErrConflict):
		// Lost a race with a concurrent registration of the same identity.
		m.count("conflict")
		return nil, false, ErrHostnameConflict
	case err != nil:
		return nil, false, fmt.Errorf("creating node: %w", err)
	}

	m.recordAllocation(ctx, node)
	m.auditEvent(ctx, "registration", "create", audit.ActorNode, req.Hostname, req.ClientIP, node.ID)
	m.logger.Info("node registered",
		"hostname", node.Hostname, "role", node.Role, "overlay_ip", node.OverlayIP, "status", node.Status)

	if node.Status == store.StatusActive {
		m.addPeer(ctx, node)
	}
	m.publish(ctx, events.TypeNodeRegistered, node, map[string]any{
		"role": node.Role, "overlay_ip": node.OverlayIP, "status": string(node.Status),
	})
	m.count("created")
	return node, true, nil
}

// reregister refreshes liveness fields and, for active nodes, makes sure the
// hub still carries the peer (it loses peers across restarts).
func (m *Manager) reregister(ctx context.Context, node *store.Node, req RegisterRequest) {
	node.LastSeen = m.now().UTC()
	if req.ClientIP != "" {
		node.RealIP = req.ClientIP
	}
	if req.AgentVersion != "" {
		node.AgentVersion = req.AgentVersion
	}
	if err := m.store.UpdateNode(ctx, node); err != nil {
		m.logger.Error("re-registration update failed", "hostname", node.Hostname, "error", err)
		return
	}
	m.logger.Info("node re-registered", "hostname", node.Hostname)

	if node.Status == store.StatusActive && m.driver != nil {
		exists, err := m.driver.PeerExists(ctx, node.PublicKey)
		if err != nil {
			m.logger.Warn("peer check failed", "hostname", node.Hostname, "error", err)
			return
		}
		if !exists {
			m.addPeer(ctx, node)
		}
	}
}

// Approve activates a pending node and installs its peer.
func (m *Manager) Approve(ctx context.Context, nodeID int64, adminID string) (*store.Node, error) {
	node, err := m.transition(ctx, nodeID, store.StatusActive, true)
	if err != nil {
		return nil, err
	}
	m.addPeer(ctx, node)
	m.auditEvent(ctx, "approval", "update", audit.ActorAdmin, adminID, "", nodeID)
	m.publish(ctx, events.TypeNodeApproved, node, map[string]any{"admin": adminID})
	m.logger.Info("node approved", "hostname", node.Hostname, "admin", adminID)
	return node, nil
}

// Suspend blocks a node without forgetting it.
func (m *Manager) Suspend(ctx context.Context, nodeID int64, adminID string) (*store.Node, error) {
	node, err := m.transition(ctx, nodeID, store.StatusSuspended, false)
	if err != nil {
		return nil, err
	}
	m.removePeer(ctx, node)
	m.auditEvent(ctx, "suspension", "update", audit.ActorAdmin, adminID, "", nodeID)
	m.publish(ctx, events.TypeNodeSuspended, node, map[string]any{"admin": adminID})
	m.logger.Warn("node suspended", "hostname", node.Hostname, "admin", adminID)
	return node, nil
}

// Revoke permanently bans a node. The row stays for audit purposes.
func (m *Manager) Revoke(ctx context.Context, nodeID int64, adminID string) (*store.Node, error) {
	node, err := m.transition(ctx, nodeID, store.StatusRevoked, false)
	if err != nil {
		return nil, err
	}
	m.removePeer(ctx, node)
	m.auditEvent(ctx, "revocation", "update", audit.ActorAdmin, adminID, "", nodeID)
	m.publish(ctx, events.TypeNodeRevoked, node, map[string]any{"admin": adminID})
	m.logger.Warn("node revoked", "hostname", node.Hostname, "admin", adminID)
	return node, nil
}

func (m *Manager) transition(ctx context.Context, nodeID int64, status store.NodeStatus, approved bool) (*store.Node, error) {
	node, err := m.store.NodeByID(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	node.Status = status
	node.IsApproved = approved
	if err := m.store.UpdateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("updating node %d: %w", nodeID, err)
	}
	return node, nil
}

// Delete removes the node and frees its address.
func (m *Manager) Delete(ctx context.Context, nodeID int64, adminID string) error {
	node, err := m.store.NodeByID(ctx, nodeID)
	if err != nil {
		return err
	}
	m.removePeer(ctx, node)
	if err := m.store.DeleteNode(ctx, nodeID); err != nil {
		return fmt.Errorf("deleting node %d: %w", nodeID, err)
	}
	if node.OverlayIP != "" {
		host := hostOf(node.OverlayIP)
		if err := m.store.ReleaseAllocation(ctx, host, m.now().UTC()); err != nil {
			m.logger.Warn("allocation release failed", "ip", host, "error", err)
		}
	}
	m.auditEvent(ctx, "deletion", "delete", audit.ActorAdmin, adminID, "", nodeID)
	m.publish(ctx, events.TypeNodeDeleted, node, map[string]any{"admin": adminID})
	m.logger.Info("node deleted", "hostname", node.Hostname, "admin", adminID)
	return nil
}

// Heartbeat refreshes liveness fields. The trust recomputation happens in
// the trust engine, after this.
func (m *Manager) Heartbeat(ctx context.Context, node *store.Node, clientIP, agentVersion string) error {
	node.LastSeen = m.now().UTC()
	if clientIP != "" {
		node.RealIP = clientIP
	}
	if agentVersion != "" {
		node.AgentVersion = agentVersion
	}
	return m.store.UpdateNode(ctx, node)
}

// ByID, ByHostname, ByPublicKey and List are thin store passthroughs kept
// here so handlers depend on one service.

func (m *Manager) ByID(ctx context.Context, id int64) (*store.Node, error) {
	return m.store.NodeByID(ctx, id)
}

func (m *Manager) ByHostname(ctx context.Context, hostname string) (*store.Node, error) {
	return m.store.NodeByHostname(ctx, hostname)
}

func (m *Manager) ByPublicKey(ctx context.Context, publicKey string) (*store.Node, error) {
	return m.store.NodeByPublicKey(ctx, publicKey)
}

func (m *Manager) List(ctx context.Context, f store.NodeFilter) ([]*store.Node, error) {
	return m.store.ListNodes(ctx, f)
}

// Update persists admin-edited fields.
func (m *Manager) Update(ctx context.Context, node *store.Node) error {
	return m.store.UpdateNode(ctx, node)
}

// ActivePeers lists active nodes as hub peers, for reconciling the hub
// interface after a restart.
func (m *Manager) ActivePeers(ctx context.Context) ([]overlay.Peer, error) {
	list, err := m.store.ListNodes(ctx, store.NodeFilter{Status: store.StatusActive})
	if err != nil {
		return nil, err
	}
	peers := make([]overlay.Peer, 0, len(list))
	for _, n := range list {
		if n.OverlayIP == "" {
			continue
		}
		peers = append(peers, overlay.Peer{
			PublicKey:  n.PublicKey,
			AllowedIPs: []string{hostOf(n.OverlayIP) + "/32"},
		})
	}
	return peers, nil
}

func (m *Manager) addPeer(ctx context.Context, node *store.Node) {
	if m.driver == nil || node.OverlayIP == "" {
		return
	}
	allowed := []string{hostOf(node.OverlayIP) + "/32"}
	if err := m.driver.AddPeer(ctx, node.PublicKey, allowed); err != nil {
		// Registration already succeeded; the peer heals on the next
		// re-registration.
		m.logger.Warn("peer add failed", "hostname", node.Hostname, "error", err)
	}
}

func (m *Manager) removePeer(ctx context.Context, node *store.Node) {
	if m.driver == nil {
		return
	}
	if err := m.driver.RemovePeer(ctx, node.PublicKey); err != nil {
		m.logger.Warn("peer remove failed", "hostname", node.Hostname, "error", err)
	}
}

func (m *Manager) recordAllocation(ctx context.Context, node *store.Node) {
	if node.OverlayIP == "" {
		return
	}
	a := &store.IPAllocation{
		NetworkCIDR: m.alloc.Network(),
		IPAddress:   hostOf(node.OverlayIP),
		NodeID:      node.ID,
	}
	if err := m.store.RecordAllocation(ctx, a); err != nil {
		m.logger.Warn("allocation record failed", "ip", a.IPAddress, "error", err)
	}
}

func (m *Manager) auditEvent(ctx context.Context, eventType, action, actorType, actorID, actorIP string, nodeID int64) {
	if m.audit == nil {
		return
	}
	m.audit.Record(ctx, &store.AuditEntry{
		EventType:   eventType,
		EventAction: action,
		ActorType:   actorType,
		ActorID:     actorID,
		ActorIP:     actorIP,
		TargetType:  "node",
		TargetID:    fmt.Sprintf("%d", nodeID),
	})
}

func (m *Manager) publish(ctx context.Context, eventType string, node *store.Node, data map[string]any) {
	if m.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["node_id"] = node.ID
	m.bus.Publish(ctx, events.New(eventType, "nodes", node.Hostname, data))
}

func (m *Manager) count(result string) {
	if m.metrics != nil {
		m.metrics.Registrations.WithLabelValues(result).Inc()
	}
}

func hostOf(cidr string) string {
	for i := 0; i < len(cidr); i++ {
		if cidr[i] == '/' {
			return cidr[:i]
		}
	}
	return cidr
}
