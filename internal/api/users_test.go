package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) createUser(t *testing.T, userID string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/admin/users", map[string]any{
		"user_id":      userID,
		"email":        userID + "@example.com",
		"display_name": userID,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCreateUser(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "alice")

	rec := e.do(t, http.MethodGet, "/api/v1/admin/users", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])
}

func TestCreateUserConflict(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "alice")

	rec := e.do(t, http.MethodPost, "/api/v1/admin/users", map[string]any{
		"user_id": "alice",
	}, true)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "USER_EXISTS", decode(t, rec)["error_code"])
}

func TestGroupMembership(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "alice")

	rec := e.do(t, http.MethodPost, "/api/v1/admin/groups", map[string]any{
		"name":        "engineering",
		"description": "engineering staff",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/admin/groups/engineering/members", map[string]any{
		"user_id": "alice",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Adding twice is a conflict.
	rec = e.do(t, http.MethodPost, "/api/v1/admin/groups/engineering/members", map[string]any{
		"user_id": "alice",
	}, true)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "MEMBER_EXISTS", decode(t, rec)["error_code"])

	rec = e.do(t, http.MethodDelete, "/api/v1/admin/groups/engineering/members/alice", nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAddMemberUnknownGroup(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "alice")

	rec := e.do(t, http.MethodPost, "/api/v1/admin/groups/nope/members", map[string]any{
		"user_id": "alice",
	}, true)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserPolicyLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "alice")

	rec := e.do(t, http.MethodPost, "/api/v1/admin/user-policies", map[string]any{
		"name":           "alice-ssh",
		"subject_type":   "user",
		"subject_id":     1,
		"resource_type":  "node_ssh",
		"resource_value": "web-*",
		"action":         "allow",
		"priority":       10,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/v1/admin/user-policies?resource_type=node_ssh", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	rec = e.do(t, http.MethodDelete, "/api/v1/admin/user-policies/1", nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodDelete, "/api/v1/admin/user-policies/1", nil, true)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvaluateAccess(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "alice")

	// No policy yet: default deny.
	rec := e.do(t, http.MethodPost, "/api/v1/admin/evaluate-access", map[string]any{
		"user_id":        "alice",
		"resource_type":  "node_ssh",
		"resource_value": "web-01",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "No matching policy found (default deny)", body["reason"])

	rec = e.do(t, http.MethodPost, "/api/v1/admin/user-policies", map[string]any{
		"name":           "alice-ssh",
		"subject_type":   "user",
		"subject_id":     1,
		"resource_type":  "node_ssh",
		"resource_value": "web-*",
		"action":         "allow",
		"priority":       10,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/admin/evaluate-access", map[string]any{
		"user_id":        "alice",
		"resource_type":  "node_ssh",
		"resource_value": "web-01",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["allowed"])
	assert.EqualValues(t, 1, body["matched_policy"])
	assert.Equal(t, "Matched policy: alice-ssh", body["reason"])
}

func TestEvaluateAccessValidation(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/admin/evaluate-access", map[string]any{
		"user_id": "alice",
	}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, rec)["error_code"])
}
