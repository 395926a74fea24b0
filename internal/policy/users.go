package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ztmesh/controlplane/internal/events"
	"github.com/ztmesh/controlplane/internal/store"
)

// Subject types for user access policies.
const (
	SubjectUser  = "user"
	SubjectGroup = "group"
	SubjectAll   = "all"
)

var validSubjectTypes = []string{SubjectUser, SubjectGroup, SubjectAll}
var validResourceTypes = []string{"domain", "ip_range", "zone", "service", "url_pattern"}
var validUserActions = []string{"allow", "deny", "require_mfa"}

// Users manages users, groups, memberships, and user access policies.
type Users struct {
	store  store.Store
	bus    events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewUsers wires the user policy manager. bus may be nil in tests.
func NewUsers(s store.Store, bus events.Bus, logger *slog.Logger) *Users {
	if logger == nil {
		logger = slog.Default()
	}
	return &Users{store: s, bus: bus, logger: logger, now: time.Now}
}

func (u *Users) nowUTC() time.Time { return u.now().UTC() }

func (u *Users) publish(ctx context.Context, eventType, subject string, data map[string]any) {
	if u.bus != nil {
		u.bus.Publish(ctx, events.New(eventType, "users", subject, data))
	}
}

// CreateUser registers a new user. The external user_id must be unique.
func (u *Users) CreateUser(ctx context.Context, user *store.User) error {
	if user.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if user.DisplayName == "" {
		user.DisplayName = user.UserID
	}
	if user.Status == "" {
		user.Status = "active"
	}
	if err := u.store.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating user %s: %w", user.UserID, err)
	}
	u.publish(ctx, events.TypePolicyChanged, user.UserID, map[string]any{
		"entity": "user", "op": "create", "user_id": user.UserID,
	})
	u.logger.Info("user created", "user_id", user.UserID)
	return nil
}

// CreateGroup registers a group. A parent chain containing a cycle is
// rejected before the insert.
func (u *Users) CreateGroup(ctx context.Context, g *store.Group) error {
	if g.Name == "" {
		return fmt.Errorf("group name is required")
	}
	if g.DisplayName == "" {
		g.DisplayName = g.Name
	}
	if g.GroupType == "" {
		g.GroupType = "team"
	}
	if g.Status == "" {
		g.Status = "active"
	}
	if g.ParentGroupID != 0 {
		if err := u.checkParentChain(ctx, g.ParentGroupID); err != nil {
			return err
		}
	}
	if err := u.store.CreateGroup(ctx, g); err != nil {
		return fmt.Errorf("creating group %s: %w", g.Name, err)
	}
	u.publish(ctx, events.TypePolicyChanged, g.Name, map[string]any{
		"entity": "group", "op": "create", "group": g.Name,
	})
	u.logger.Info("group created", "name", g.Name)
	return nil
}

// checkParentChain walks ancestors from parentID. It fails if the parent is
// missing or the chain loops.
func (u *Users) checkParentChain(ctx context.Context, parentID int64) error {
	seen := map[int64]struct{}{}
	for id := parentID; id != 0; {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("group parent chain contains a cycle at group %d", id)
		}
		seen[id] = struct{}{}
		parent, err := u.store.GroupByID(ctx, id)
		if err != nil {
			return fmt.Errorf("resolving parent group %d: %w", id, err)
		}
		id = parent.ParentGroupID
	}
	return nil
}

// AddUserToGroup links the user (by external id) to the group (by name).
func (u *Users) AddUserToGroup(ctx context.Context, userID, groupName, role string) error {
	user, err := u.store.UserByExternalID(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolving user %s: %w", userID, err)
	}
	group, err := u.store.GroupByName(ctx, groupName)
	if err != nil {
		return fmt.Errorf("resolving group %s: %w", groupName, err)
	}
	if role == "" {
		role = "member"
	}
	m := &store.GroupMembership{UserID: user.ID, GroupID: group.ID, Role: role}
	if err := u.store.AddMembership(ctx, m); err != nil {
		return fmt.Errorf("adding %s to %s: %w", userID, groupName, err)
	}
	u.logger.Info("membership added", "user_id", userID, "group", groupName, "role", role)
	return nil
}

// RemoveUserFromGroup unlinks the user from the group.
func (u *Users) RemoveUserFromGroup(ctx context.Context, userID, groupName string) error {
	user, err := u.store.UserByExternalID(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolving user %s: %w", userID, err)
	}
	group, err := u.store.GroupByName(ctx, groupName)
	if err != nil {
		return fmt.Errorf("resolving group %s: %w", groupName, err)
	}
	return u.store.RemoveMembership(ctx, user.ID, group.ID)
}

// CreatePolicy validates and stores a user access policy.
func (u *Users) CreatePolicy(ctx context.Context, p *store.UserAccessPolicy) error {
	if !contains(validSubjectTypes, p.SubjectType) {
		return fmt.Errorf("invalid subject_type %q", p.SubjectType)
	}
	if !contains(validResourceTypes, p.ResourceType) {
		return fmt.Errorf("invalid resource_type %q", p.ResourceType)
	}
	if p.Action == "" {
		p.Action = "allow"
	}
	if !contains(validUserActions, p.Action) {
		return fmt.Errorf("invalid action %q", p.Action)
	}
	if p.SubjectType != SubjectAll && p.SubjectID == 0 {
		return fmt.Errorf("subject_id is required for subject_type %q", p.SubjectType)
	}
	if len(p.Conditions) > 0 {
		if _, err := parseConditions(p.Conditions); err != nil {
			return fmt.Errorf("invalid conditions: %w", err)
		}
	}
	if p.Priority == 0 {
		p.Priority = 100
	}
	p.Enabled = true
	if err := u.store.CreateUserPolicy(ctx, p); err != nil {
		return fmt.Errorf("creating policy %s: %w", p.Name, err)
	}
	u.publish(ctx, events.TypePolicyChanged, p.Name, map[string]any{
		"entity": "user_policy", "op": "create", "policy_id": p.ID, "action": p.Action,
	})
	u.logger.Info("user policy created", "name", p.Name, "action", p.Action)
	return nil
}

// EffectivePolicies returns the enabled, currently valid policies that apply
// to the user directly, through group membership, or to everyone.
func (u *Users) EffectivePolicies(ctx context.Context, userID, resourceType string) ([]*store.UserAccessPolicy, error) {
	user, err := u.store.UserByExternalID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving user %s: %w", userID, err)
	}
	groups, err := u.store.GroupsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	groupIDs := make(map[int64]struct{}, len(groups))
	for _, g := range groups {
		groupIDs[g.ID] = struct{}{}
	}

	all, err := u.store.ListUserPolicies(ctx, store.UserPolicyFilter{
		ResourceType: resourceType,
		EnabledOnly:  true,
	})
	if err != nil {
		return nil, err
	}
	now := u.nowUTC()
	var out []*store.UserAccessPolicy
	for _, p := range all {
		if !p.ValidAt(now) {
			continue
		}
		if appliesToUser(p, user.ID, groupIDs) {
			out = append(out, p)
		}
	}
	return out, nil
}

func appliesToUser(p *store.UserAccessPolicy, userDBID int64, groupIDs map[int64]struct{}) bool {
	switch p.SubjectType {
	case SubjectAll:
		return true
	case SubjectUser:
		return p.SubjectID == userDBID
	case SubjectGroup:
		_, ok := groupIDs[p.SubjectID]
		return ok
	}
	return false
}

func parseConditions(raw []byte) (*Conditions, error) {
	var c Conditions
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
