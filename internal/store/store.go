// Package store defines the persistence layer for the control plane: the
// Store interface, its record types, and the Postgres and in-memory
// implementations.
package store

import (
	"context"
	"time"
)

// PickIP chooses an overlay address given the set of host addresses already
// in use (no prefix). It returns the address to assign in CIDR form, or
// ErrPoolExhausted. The store calls it while holding the allocation lock so
// that concurrent registrations cannot pick the same address.
type PickIP func(used map[string]struct{}) (cidr string, err error)

// NodeFilter narrows ListNodes. Zero values match everything.
type NodeFilter struct {
	Status NodeStatus
	Role   string
}

// DeviceFilter narrows ListDevices.
type DeviceFilter struct {
	UserID         string
	Status         NodeStatus
	IncludeExpired bool
}

// PolicyFilter narrows ListPolicies.
type PolicyFilter struct {
	EnabledOnly bool
}

// UserPolicyFilter narrows ListUserPolicies. Results come back ordered by
// priority ascending (lower number wins), then by id; that is the
// evaluation order.
type UserPolicyFilter struct {
	ResourceType string
	EnabledOnly  bool
}

// Store is the persistence boundary. Implementations: SQL (Postgres via
// lib/pq) and Memory (tests, dev mode). All methods are safe for concurrent
// use.
type Store interface {
	// Nodes.
	// CreateNodeWithIP inserts the node inside the allocation lock: pick is
	// called with every overlay host address currently in use (nodes and
	// client devices, regardless of status), and its result is stored as the
	// node's overlay IP before insert. A nil pick inserts the node as-is.
	CreateNodeWithIP(ctx context.Context, n *Node, pick PickIP) error
	UpdateNode(ctx context.Context, n *Node) error
	DeleteNode(ctx context.Context, id int64) error
	NodeByID(ctx context.Context, id int64) (*Node, error)
	NodeByHostname(ctx context.Context, hostname string) (*Node, error)
	NodeByPublicKey(ctx context.Context, publicKey string) (*Node, error)
	ListNodes(ctx context.Context, f NodeFilter) ([]*Node, error)

	// Client devices. CreateDeviceWithIP mirrors CreateNodeWithIP.
	CreateDeviceWithIP(ctx context.Context, d *ClientDevice, pick PickIP) error
	UpdateDevice(ctx context.Context, d *ClientDevice) error
	DeviceByID(ctx context.Context, id int64) (*ClientDevice, error)
	DeviceByToken(ctx context.Context, token string) (*ClientDevice, error)
	ListDevices(ctx context.Context, f DeviceFilter) ([]*ClientDevice, error)
	CountUserDevices(ctx context.Context, userID string) (int, error)

	// UsedOverlayIPs returns every host address assigned to a node or client
	// device, keyed without prefix length.
	UsedOverlayIPs(ctx context.Context) (map[string]struct{}, error)
	RecordAllocation(ctx context.Context, a *IPAllocation) error
	ReleaseAllocation(ctx context.Context, hostIP string, at time.Time) error
	ListAllocations(ctx context.Context, activeOnly bool) ([]*IPAllocation, error)

	// Role policies.
	CreatePolicy(ctx context.Context, p *AccessPolicy) error
	UpdatePolicy(ctx context.Context, p *AccessPolicy) error
	DeletePolicy(ctx context.Context, id int64) error
	PolicyByID(ctx context.Context, id int64) (*AccessPolicy, error)
	PolicyByName(ctx context.Context, name string) (*AccessPolicy, error)
	ListPolicies(ctx context.Context, f PolicyFilter) ([]*AccessPolicy, error)

	// Users, groups, memberships, user policies.
	CreateUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id int64) error
	UserByID(ctx context.Context, id int64) (*User, error)
	UserByExternalID(ctx context.Context, userID string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)

	CreateGroup(ctx context.Context, g *Group) error
	DeleteGroup(ctx context.Context, id int64) error
	GroupByID(ctx context.Context, id int64) (*Group, error)
	GroupByName(ctx context.Context, name string) (*Group, error)
	ListGroups(ctx context.Context) ([]*Group, error)

	AddMembership(ctx context.Context, m *GroupMembership) error
	RemoveMembership(ctx context.Context, userID, groupID int64) error
	GroupsForUser(ctx context.Context, userID int64) ([]*Group, error)
	MembersOfGroup(ctx context.Context, groupID int64) ([]*GroupMembership, error)

	CreateUserPolicy(ctx context.Context, p *UserAccessPolicy) error
	UpdateUserPolicy(ctx context.Context, p *UserAccessPolicy) error
	DeleteUserPolicy(ctx context.Context, id int64) error
	UserPolicyByID(ctx context.Context, id int64) (*UserAccessPolicy, error)
	ListUserPolicies(ctx context.Context, f UserPolicyFilter) ([]*UserAccessPolicy, error)

	// Trust history, newest first.
	AppendTrustHistory(ctx context.Context, h *TrustHistory) error
	TrustHistorySince(ctx context.Context, nodeID int64, since time.Time) ([]*TrustHistory, error)

	// Audit and event records.
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error)
	AppendEvent(ctx context.Context, e *EventRecord) error

	// Global config version. Bump returns the new value.
	ConfigVersion(ctx context.Context) (int64, error)
	BumpConfigVersion(ctx context.Context) (int64, error)

	Close() error
}
