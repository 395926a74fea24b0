package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a Store kept entirely in process memory. It backs tests and dev
// mode (empty DATABASE_URL). A single mutex covers everything, which also
// gives the same allocate-then-insert linearizability the SQL store gets
// from its transaction.
type Memory struct {
	mu sync.RWMutex

	nodes        map[int64]*Node
	devices      map[int64]*ClientDevice
	policies     map[int64]*AccessPolicy
	users        map[int64]*User
	groups       map[int64]*Group
	memberships  []*GroupMembership
	userPolicies map[int64]*UserAccessPolicy
	trust        []*TrustHistory
	audit        []*AuditEntry
	events       []*EventRecord
	allocations  []*IPAllocation

	nextID        map[string]int64
	configVersion int64
}

// NewMemory returns an empty in-memory store with config version 1.
func NewMemory() *Memory {
	return &Memory{
		nodes:         make(map[int64]*Node),
		devices:       make(map[int64]*ClientDevice),
		policies:      make(map[int64]*AccessPolicy),
		users:         make(map[int64]*User),
		groups:        make(map[int64]*Group),
		userPolicies:  make(map[int64]*UserAccessPolicy),
		nextID:        make(map[string]int64),
		configVersion: 1,
	}
}

func (m *Memory) seq(table string) int64 {
	m.nextID[table]++
	return m.nextID[table]
}

func hostOf(cidr string) string {
	if i := strings.IndexByte(cidr, '/'); i >= 0 {
		return cidr[:i]
	}
	return cidr
}

func (m *Memory) usedLocked() map[string]struct{} {
	used := make(map[string]struct{})
	for _, n := range m.nodes {
		if n.OverlayIP != "" {
			used[hostOf(n.OverlayIP)] = struct{}{}
		}
	}
	for _, d := range m.devices {
		if d.OverlayIP != "" {
			used[hostOf(d.OverlayIP)] = struct{}{}
		}
	}
	return used
}

// Nodes

func (m *Memory) CreateNodeWithIP(ctx context.Context, n *Node, pick PickIP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.nodes {
		if other.Hostname == n.Hostname || other.PublicKey == n.PublicKey {
			return ErrConflict
		}
	}
	if pick != nil {
		cidr, err := pick(m.usedLocked())
		if err != nil {
			return err
		}
		n.OverlayIP = cidr
	}
	now := time.Now().UTC()
	n.ID = m.seq("nodes")
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	cp := *n
	m.nodes[n.ID] = &cp
	return nil
}

func (m *Memory) UpdateNode(ctx context.Context, n *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[n.ID]; !ok {
		return ErrNotFound
	}
	n.UpdatedAt = time.Now().UTC()
	cp := *n
	m.nodes[n.ID] = &cp
	return nil
}

func (m *Memory) DeleteNode(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return ErrNotFound
	}
	delete(m.nodes, id)
	return nil
}

func (m *Memory) NodeByID(ctx context.Context, id int64) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *Memory) NodeByHostname(ctx context.Context, hostname string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if n.Hostname == hostname {
			cp := *n
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) NodeByPublicKey(ctx context.Context, publicKey string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if n.PublicKey == publicKey {
			cp := *n
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		if f.Role != "" && n.Role != f.Role {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Client devices

func (m *Memory) CreateDeviceWithIP(ctx context.Context, d *ClientDevice, pick PickIP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.devices {
		if other.PublicKey == d.PublicKey {
			return ErrConflict
		}
	}
	if pick != nil {
		cidr, err := pick(m.usedLocked())
		if err != nil {
			return err
		}
		d.OverlayIP = cidr
	}
	d.ID = m.seq("devices")
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

func (m *Memory) UpdateDevice(ctx context.Context, d *ClientDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

func (m *Memory) DeviceByID(ctx context.Context, id int64) (*ClientDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) DeviceByToken(ctx context.Context, token string) (*ClientDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if d.ConfigToken == token {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListDevices(ctx context.Context, f DeviceFilter) ([]*ClientDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now().UTC()
	out := make([]*ClientDevice, 0, len(m.devices))
	for _, d := range m.devices {
		if f.UserID != "" && d.UserID != f.UserID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if !f.IncludeExpired && !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CountUserDevices(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, d := range m.devices {
		// Pending devices hold a pool address and count against the cap;
		// only revocation frees a slot.
		if d.UserID == userID && d.Status != StatusRevoked {
			count++
		}
	}
	return count, nil
}

// Address bookkeeping

func (m *Memory) UsedOverlayIPs(ctx context.Context) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usedLocked(), nil
}

func (m *Memory) RecordAllocation(ctx context.Context, a *IPAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.seq("allocations")
	if a.AllocatedAt.IsZero() {
		a.AllocatedAt = time.Now().UTC()
	}
	cp := *a
	m.allocations = append(m.allocations, &cp)
	return nil
}

func (m *Memory) ReleaseAllocation(ctx context.Context, hostIP string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.allocations {
		if a.IPAddress == hostIP && a.ReleasedAt.IsZero() {
			a.ReleasedAt = at
		}
	}
	return nil
}

func (m *Memory) ListAllocations(ctx context.Context, activeOnly bool) ([]*IPAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*IPAllocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		if activeOnly && !a.ReleasedAt.IsZero() {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// Role policies

func (m *Memory) CreatePolicy(ctx context.Context, p *AccessPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.policies {
		if other.Name == p.Name {
			return ErrConflict
		}
	}
	now := time.Now().UTC()
	p.ID = m.seq("policies")
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *Memory) UpdatePolicy(ctx context.Context, p *AccessPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *Memory) DeletePolicy(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return ErrNotFound
	}
	delete(m.policies, id)
	return nil
}

func (m *Memory) PolicyByID(ctx context.Context, id int64) (*AccessPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) PolicyByName(ctx context.Context, name string) (*AccessPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.policies {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListPolicies(ctx context.Context, f PolicyFilter) ([]*AccessPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AccessPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		if f.EnabledOnly && !p.Enabled {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Users

func (m *Memory) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.users {
		if other.UserID == u.UserID {
			return ErrConflict
		}
	}
	now := time.Now().UTC()
	u.ID = m.seq("users")
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) UpdateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) DeleteUser(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	kept := m.memberships[:0]
	for _, mb := range m.memberships {
		if mb.UserID != id {
			kept = append(kept, mb)
		}
	}
	m.memberships = kept
	return nil
}

func (m *Memory) UserByID(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) UserByExternalID(ctx context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.UserID == userID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Groups

func (m *Memory) CreateGroup(ctx context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.groups {
		if other.Name == g.Name {
			return ErrConflict
		}
	}
	g.ID = m.seq("groups")
	g.CreatedAt = time.Now().UTC()
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *Memory) DeleteGroup(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	kept := m.memberships[:0]
	for _, mb := range m.memberships {
		if mb.GroupID != id {
			kept = append(kept, mb)
		}
	}
	m.memberships = kept
	return nil
}

func (m *Memory) GroupByID(ctx context.Context, id int64) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *Memory) GroupByName(ctx context.Context, name string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.groups {
		if g.Name == name {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListGroups(ctx context.Context) ([]*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Memberships

func (m *Memory) AddMembership(ctx context.Context, mb *GroupMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[mb.UserID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.groups[mb.GroupID]; !ok {
		return ErrNotFound
	}
	for _, other := range m.memberships {
		if other.UserID == mb.UserID && other.GroupID == mb.GroupID {
			return ErrConflict
		}
	}
	if mb.CreatedAt.IsZero() {
		mb.CreatedAt = time.Now().UTC()
	}
	cp := *mb
	m.memberships = append(m.memberships, &cp)
	return nil
}

func (m *Memory) RemoveMembership(ctx context.Context, userID, groupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, mb := range m.memberships {
		if mb.UserID == userID && mb.GroupID == groupID {
			m.memberships = append(m.memberships[:i], m.memberships[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) GroupsForUser(ctx context.Context, userID int64) ([]*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Group
	for _, mb := range m.memberships {
		if mb.UserID != userID {
			continue
		}
		if g, ok := m.groups[mb.GroupID]; ok {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MembersOfGroup(ctx context.Context, groupID int64) ([]*GroupMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*GroupMembership
	for _, mb := range m.memberships {
		if mb.GroupID == groupID {
			cp := *mb
			out = append(out, &cp)
		}
	}
	return out, nil
}

// User policies

func (m *Memory) CreateUserPolicy(ctx context.Context, p *UserAccessPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	p.ID = m.seq("user_policies")
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	m.userPolicies[p.ID] = &cp
	return nil
}

func (m *Memory) UpdateUserPolicy(ctx context.Context, p *UserAccessPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.userPolicies[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	m.userPolicies[p.ID] = &cp
	return nil
}

func (m *Memory) DeleteUserPolicy(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.userPolicies[id]; !ok {
		return ErrNotFound
	}
	delete(m.userPolicies, id)
	return nil
}

func (m *Memory) UserPolicyByID(ctx context.Context, id int64) (*UserAccessPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.userPolicies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListUserPolicies(ctx context.Context, f UserPolicyFilter) ([]*UserAccessPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*UserAccessPolicy, 0, len(m.userPolicies))
	for _, p := range m.userPolicies {
		if f.ResourceType != "" && p.ResourceType != f.ResourceType {
			continue
		}
		if f.EnabledOnly && !p.Enabled {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Trust history

func (m *Memory) AppendTrustHistory(ctx context.Context, h *TrustHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = m.seq("trust_history")
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	cp := *h
	m.trust = append(m.trust, &cp)
	return nil
}

func (m *Memory) TrustHistorySince(ctx context.Context, nodeID int64, since time.Time) ([]*TrustHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TrustHistory
	for _, h := range m.trust {
		if h.NodeID == nodeID && !h.CreatedAt.Before(since) {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Audit and events

func (m *Memory) AppendAudit(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.seq("audit")
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AuditEntry, 0, len(m.audit))
	for i := len(m.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *m.audit[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) AppendEvent(ctx context.Context, e *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.seq("events")
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

// Config version

func (m *Memory) ConfigVersion(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configVersion, nil
}

func (m *Memory) BumpConfigVersion(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configVersion++
	return m.configVersion, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
