package store

import "time"

// NodeStatus is the lifecycle state shared by nodes and client devices.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusActive    NodeStatus = "active"
	StatusSuspended NodeStatus = "suspended"
	StatusRevoked   NodeStatus = "revoked"
)

// Node is a server running the agent, enrolled in the overlay.
type Node struct {
	ID          int64      `json:"id"`
	Hostname    string     `json:"hostname"`
	Role        string     `json:"role"`
	Description string     `json:"description,omitempty"`
	PublicKey   string     `json:"public_key"`
	OverlayIP   string     `json:"overlay_ip,omitempty"` // CIDR form, e.g. 10.0.0.2/24
	RealIP      string     `json:"real_ip,omitempty"`
	ListenPort  int        `json:"listen_port"`
	Status      NodeStatus `json:"status"`
	IsApproved  bool       `json:"is_approved"`

	AgentVersion string `json:"agent_version,omitempty"`
	OSInfo       string `json:"os_info,omitempty"`

	ConfigVersion int64 `json:"config_version"`

	TrustScore      float64   `json:"trust_score"`
	RiskLevel       string    `json:"risk_level"`
	TrustFactors    []byte    `json:"trust_factors,omitempty"` // JSON factor breakdown
	LastTrustUpdate time.Time `json:"last_trust_update,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// IsActive reports whether the node may participate in the overlay.
func (n *Node) IsActive() bool { return n.Status == StatusActive }

// DeviceType classifies end-user client devices.
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceLaptop  DeviceType = "laptop"
	DeviceDesktop DeviceType = "desktop"
	DeviceOther   DeviceType = "other"
)

// TunnelMode selects full or split tunneling for a client device.
type TunnelMode string

const (
	TunnelFull  TunnelMode = "full"
	TunnelSplit TunnelMode = "split"
)

// ClientDevice is an end-user VPN peer (mobile/laptop) without an agent.
type ClientDevice struct {
	ID          int64      `json:"id"`
	DeviceName  string     `json:"device_name"`
	DeviceType  DeviceType `json:"device_type"`
	UserID      string     `json:"user_id,omitempty"`
	Description string     `json:"description,omitempty"`

	PublicKey        string `json:"public_key"`
	PrivateKeySealed string `json:"-"` // never serialized out of the store
	PresharedKey     string `json:"-"`

	OverlayIP  string     `json:"overlay_ip"`
	TunnelMode TunnelMode `json:"tunnel_mode"`
	Status     NodeStatus `json:"status"`

	ConfigToken      string `json:"config_token,omitempty"`
	ConfigDownloaded bool   `json:"config_downloaded"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Effective reports whether the device may currently connect.
func (d *ClientDevice) Effective(now time.Time) bool {
	return d.Status == StatusActive && now.Before(d.ExpiresAt)
}

// AccessPolicy is a role-to-role firewall policy.
type AccessPolicy struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SrcRole     string `json:"src_role"`
	DstRole     string `json:"dst_role"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	Action      string `json:"action"`
	Priority    int    `json:"priority"`
	Enabled     bool   `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is an end user known to the policy layer. UserID is the external
// identity (opaque string from whatever IdP fronts the deployment).
type User struct {
	ID          int64  `json:"id"`
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Department  string `json:"department,omitempty"`
	JobTitle    string `json:"job_title,omitempty"`
	Status      string `json:"status"`
	Attributes  []byte `json:"attributes,omitempty"` // opaque JSON

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Group is a named collection of users; groups may nest via ParentGroupID.
type Group struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	DisplayName   string `json:"display_name,omitempty"`
	Description   string `json:"description,omitempty"`
	GroupType     string `json:"group_type"`
	ParentGroupID int64  `json:"parent_group_id,omitempty"` // 0 = top-level
	Status        string `json:"status"`

	CreatedAt time.Time `json:"created_at"`
}

// GroupMembership links a user to a group with a per-group role.
type GroupMembership struct {
	UserID  int64  `json:"user_id"` // User.ID, not the external user_id
	GroupID int64  `json:"group_id"`
	Role    string `json:"role"` // member, admin, owner

	CreatedAt time.Time `json:"created_at"`
}

// UserAccessPolicy grants or denies a user/group access to a resource.
type UserAccessPolicy struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	SubjectType string `json:"subject_type"` // user, group, all
	SubjectID   int64  `json:"subject_id,omitempty"`

	ResourceType  string `json:"resource_type"` // domain, ip_range, zone, service, url_pattern
	ResourceValue string `json:"resource_value"`

	Action     string `json:"action"` // allow, deny, require_mfa
	Conditions []byte `json:"conditions,omitempty"` // JSON, see policy.Conditions
	Priority   int    `json:"priority"`
	Enabled    bool   `json:"enabled"`

	ValidFrom  time.Time `json:"valid_from,omitempty"`
	ValidUntil time.Time `json:"valid_until,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidAt reports whether the policy is inside its validity window.
// Zero times are treated as open-ended.
func (p *UserAccessPolicy) ValidAt(now time.Time) bool {
	if !p.ValidFrom.IsZero() && now.Before(p.ValidFrom) {
		return false
	}
	if !p.ValidUntil.IsZero() && now.After(p.ValidUntil) {
		return false
	}
	return true
}

// TrustHistory is one row per trust score recomputation. Hostname is
// denormalized so history outlives node deletion.
type TrustHistory struct {
	ID            int64   `json:"id"`
	NodeID        int64   `json:"node_id"`
	Hostname      string  `json:"hostname"`
	TrustScore    float64 `json:"trust_score"`
	PreviousScore float64 `json:"previous_score"`
	RiskLevel     string  `json:"risk_level"`
	RiskFactors   []byte  `json:"risk_factors,omitempty"` // JSON string array

	DeviceHealthScore float64 `json:"device_health_score"`
	SecurityScore     float64 `json:"security_score"`
	BehaviorScore     float64 `json:"behavior_score"`
	RoleScore         float64 `json:"role_score"`

	MetricsSnapshot []byte `json:"metrics_snapshot,omitempty"` // JSON
	ActionTaken     string `json:"action_taken"`

	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry is an append-only record of a security-relevant operation.
type AuditEntry struct {
	ID          int64  `json:"id"`
	EventType   string `json:"event_type"`
	EventAction string `json:"event_action"`
	ActorType   string `json:"actor_type"` // node, admin, system
	ActorID     string `json:"actor_id,omitempty"`
	ActorIP     string `json:"actor_ip,omitempty"`
	TargetType  string `json:"target_type,omitempty"`
	TargetID    string `json:"target_id,omitempty"`
	Details     string `json:"details,omitempty"`
	Status      string `json:"status"`

	CreatedAt time.Time `json:"created_at"`
}

// EventRecord is an append-only copy of a published domain event.
type EventRecord struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Source    string    `json:"source,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IPAllocation is the optional audit trail for address assignments. The
// authoritative view is the union of Node.OverlayIP and ClientDevice.OverlayIP.
type IPAllocation struct {
	ID          int64     `json:"id"`
	NetworkCIDR string    `json:"network_cidr"`
	IPAddress   string    `json:"ip_address"` // host only, no prefix
	NodeID      int64     `json:"node_id,omitempty"`
	AllocatedAt time.Time `json:"allocated_at,omitempty"`
	ReleasedAt  time.Time `json:"released_at,omitempty"`
}
