package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztmesh/controlplane/internal/store"
)

func newUsers(t *testing.T) (*Users, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewUsers(mem, nil, nil), mem
}

func seedUser(t *testing.T, u *Users, id string) *store.User {
	t.Helper()
	user := &store.User{UserID: id, Email: id + "@example.com"}
	require.NoError(t, u.CreateUser(context.Background(), user))
	return user
}

func TestEvaluateUnknownUserDenied(t *testing.T) {
	u, _ := newUsers(t)
	dec, err := u.Evaluate(context.Background(), &AccessRequest{
		UserID: "ghost", ResourceType: "domain", ResourceValue: "example.com",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "User not found", dec.Reason)
}

func TestEvaluateInactiveUserDenied(t *testing.T) {
	u, mem := newUsers(t)
	user := seedUser(t, u, "alice")
	user.Status = "disabled"
	require.NoError(t, mem.UpdateUser(context.Background(), user))

	dec, err := u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "domain", ResourceValue: "example.com",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "User status is disabled", dec.Reason)
}

func TestEvaluateDefaultDeny(t *testing.T) {
	u, _ := newUsers(t)
	seedUser(t, u, "alice")

	dec, err := u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "domain", ResourceValue: "example.com",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "No matching policy found (default deny)", dec.Reason)
	assert.Zero(t, dec.MatchedPolicy)
}

func TestEvaluatePriorityOrderFirstMatchWins(t *testing.T) {
	u, _ := newUsers(t)
	user := seedUser(t, u, "alice")

	allow := &store.UserAccessPolicy{
		Name: "allow-wildcard", SubjectType: SubjectAll,
		ResourceType: "domain", ResourceValue: "*.example.com",
		Action: "allow", Priority: 100,
	}
	denyP := &store.UserAccessPolicy{
		Name: "deny-admin-panel", SubjectType: SubjectUser, SubjectID: user.ID,
		ResourceType: "domain", ResourceValue: "admin.example.com",
		Action: "deny", Priority: 10,
	}
	require.NoError(t, u.CreatePolicy(context.Background(), allow))
	require.NoError(t, u.CreatePolicy(context.Background(), denyP))

	dec, err := u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "domain", ResourceValue: "admin.example.com",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed, "lower priority number evaluates first")
	assert.Equal(t, denyP.ID, dec.MatchedPolicy)

	dec, err = u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "domain", ResourceValue: "api.example.com",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, allow.ID, dec.MatchedPolicy)
}

func TestEvaluateGroupPolicy(t *testing.T) {
	u, _ := newUsers(t)
	seedUser(t, u, "bob")
	require.NoError(t, u.CreateGroup(context.Background(), &store.Group{Name: "engineering"}))
	require.NoError(t, u.AddUserToGroup(context.Background(), "bob", "engineering", "member"))

	group, err := u.store.GroupByName(context.Background(), "engineering")
	require.NoError(t, err)
	require.NoError(t, u.CreatePolicy(context.Background(), &store.UserAccessPolicy{
		Name: "eng-staging", SubjectType: SubjectGroup, SubjectID: group.ID,
		ResourceType: "zone", ResourceValue: "staging",
		Action: "allow", Priority: 50,
	}))

	dec, err := u.Evaluate(context.Background(), &AccessRequest{
		UserID: "bob", ResourceType: "zone", ResourceValue: "staging",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	// A user outside the group stays denied.
	seedUser(t, u, "mallory")
	dec, err = u.Evaluate(context.Background(), &AccessRequest{
		UserID: "mallory", ResourceType: "zone", ResourceValue: "staging",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestEvaluateCIDRResource(t *testing.T) {
	u, _ := newUsers(t)
	seedUser(t, u, "alice")
	require.NoError(t, u.CreatePolicy(context.Background(), &store.UserAccessPolicy{
		Name: "internal-range", SubjectType: SubjectAll,
		ResourceType: "ip_range", ResourceValue: "10.20.0.0/16",
		Action: "allow", Priority: 50,
	}))

	dec, err := u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "ip_range", ResourceValue: "10.20.5.9",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	dec, err = u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "ip_range", ResourceValue: "10.30.0.1",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestEvaluateRequireMFACountsAsAllowed(t *testing.T) {
	u, _ := newUsers(t)
	seedUser(t, u, "alice")
	require.NoError(t, u.CreatePolicy(context.Background(), &store.UserAccessPolicy{
		Name: "prod-mfa", SubjectType: SubjectAll,
		ResourceType: "zone", ResourceValue: "production",
		Action: "require_mfa", Priority: 10,
	}))

	dec, err := u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "zone", ResourceValue: "production",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, "require_mfa", dec.Action)
}

func TestEvaluateDeviceTypeCondition(t *testing.T) {
	u, _ := newUsers(t)
	seedUser(t, u, "alice")
	cond, _ := json.Marshal(Conditions{DeviceTypes: []string{"laptop", "desktop"}})
	require.NoError(t, u.CreatePolicy(context.Background(), &store.UserAccessPolicy{
		Name: "managed-only", SubjectType: SubjectAll,
		ResourceType: "service", ResourceValue: "vault",
		Action: "allow", Priority: 10, Conditions: cond,
	}))

	dec, err := u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "service", ResourceValue: "vault",
		DeviceType: "mobile",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed, "mobile is not in the allowed device list")

	dec, err = u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "service", ResourceValue: "vault",
		DeviceType: "laptop",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestEvaluateTimeWindowCondition(t *testing.T) {
	u, _ := newUsers(t)
	seedUser(t, u, "alice")

	// Pin the clock to Wednesday 10:30 UTC.
	u.now = func() time.Time {
		return time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)
	}

	cond, _ := json.Marshal(Conditions{TimeWindows: []TimeWindow{
		{Days: []int{0, 1, 2, 3, 4}, Start: "09:00", End: "18:00"},
	}})
	require.NoError(t, u.CreatePolicy(context.Background(), &store.UserAccessPolicy{
		Name: "business-hours", SubjectType: SubjectAll,
		ResourceType: "zone", ResourceValue: "office",
		Action: "allow", Priority: 10, Conditions: cond,
	}))

	dec, err := u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "zone", ResourceValue: "office",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	// Same request at 02:00 falls outside the window.
	u.now = func() time.Time {
		return time.Date(2026, 8, 26, 2, 0, 0, 0, time.UTC)
	}
	dec, err = u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "zone", ResourceValue: "office",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestEvaluateAllowedIPCondition(t *testing.T) {
	u, _ := newUsers(t)
	seedUser(t, u, "alice")
	cond, _ := json.Marshal(Conditions{AllowedIPs: []string{"10.0.0.0/24", "192.0.2.7"}})
	require.NoError(t, u.CreatePolicy(context.Background(), &store.UserAccessPolicy{
		Name: "overlay-only", SubjectType: SubjectAll,
		ResourceType: "service", ResourceValue: "git",
		Action: "allow", Priority: 10, Conditions: cond,
	}))

	dec, err := u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "service", ResourceValue: "git",
		ClientIP: "10.0.0.55",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	dec, err = u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "service", ResourceValue: "git",
		ClientIP: "198.51.100.9",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestEvaluateExpiredPolicySkipped(t *testing.T) {
	u, mem := newUsers(t)
	seedUser(t, u, "alice")

	p := &store.UserAccessPolicy{
		Name: "expired", SubjectType: SubjectAll,
		ResourceType: "domain", ResourceValue: "example.com",
		Action: "allow", Priority: 10,
		ValidUntil: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, mem.CreateUserPolicy(context.Background(), p))

	dec, err := u.Evaluate(context.Background(), &AccessRequest{
		UserID: "alice", ResourceType: "domain", ResourceValue: "example.com",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestCreateGroupParentValidation(t *testing.T) {
	u, mem := newUsers(t)

	require.NoError(t, u.CreateGroup(context.Background(), &store.Group{Name: "root"}))
	root, err := mem.GroupByName(context.Background(), "root")
	require.NoError(t, err)

	require.NoError(t, u.CreateGroup(context.Background(), &store.Group{
		Name: "child", ParentGroupID: root.ID,
	}))

	err = u.CreateGroup(context.Background(), &store.Group{
		Name: "orphan", ParentGroupID: 9999,
	})
	assert.Error(t, err, "missing parent is rejected")
}

func TestResourceMatches(t *testing.T) {
	assert.True(t, resourceMatches("example.com", "EXAMPLE.com"))
	assert.True(t, resourceMatches("*.example.com", "api.example.com"))
	assert.False(t, resourceMatches("*.example.com", "example.com"))
	assert.True(t, resourceMatches("10.0.0.0/8", "10.9.8.7"))
	assert.False(t, resourceMatches("10.0.0.0/8", "11.0.0.1"))
}
