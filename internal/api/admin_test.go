package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminRoutesRequireToken(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/admin/nodes", nil, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode(t, rec)["error_code"])

	// A wrong token is as good as none.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/nodes", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminTokenQueryFallback(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/nodes?token="+testAdminSecret, nil)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListNodesWithFilters(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-1")
	e.register(t, "db-01", "db", "pk-2")

	rec := e.do(t, http.MethodGet, "/api/v1/admin/nodes", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["total"])

	rec = e.do(t, http.MethodGet, "/api/v1/admin/nodes?role=db", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])
}

func TestNodeLifecycleTransitions(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-1")

	rec := e.do(t, http.MethodPost, "/api/v1/admin/nodes/1/suspend", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Node web-01 suspended", body["message"])
	assert.False(t, e.fake.HasPeer("pk-1"), "suspension must drop the hub peer")

	rec = e.do(t, http.MethodPost, "/api/v1/admin/nodes/1/approve", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, e.fake.HasPeer("pk-1"))

	rec = e.do(t, http.MethodPost, "/api/v1/admin/nodes/1/revoke", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, e.fake.HasPeer("pk-1"))

	rec = e.do(t, http.MethodPost, "/api/v1/admin/nodes/999/approve", nil, true)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NODE_NOT_FOUND", decode(t, rec)["error_code"])
}

func TestPatchNode(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-1")

	rec := e.do(t, http.MethodPatch, "/api/v1/admin/nodes/1", map[string]any{
		"description": "primary web frontend",
		"role":        "gateway",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "primary web frontend", body["description"])
	assert.Equal(t, "gateway", body["role"])
	assert.Equal(t, "active", body["status"])
}

func TestDeleteNode(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-1")

	rec := e.do(t, http.MethodDelete, "/api/v1/admin/nodes/1", nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/admin/nodes/1", nil, true)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// The freed address goes back to the pool.
	body := e.register(t, "web-02", "app", "pk-2")
	assert.Equal(t, "10.0.0.2/24", body["overlay_ip"])
}

func TestPolicyCRUD(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/admin/policies", map[string]any{
		"name":     "app-to-db",
		"src_role": "app",
		"dst_role": "db",
		"port":     5432,
		"protocol": "tcp",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ACCEPT", body["action"])
	assert.EqualValues(t, 100, body["priority"])
	assert.Equal(t, true, body["enabled"])

	rec = e.do(t, http.MethodGet, "/api/v1/admin/policies/1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPatch, "/api/v1/admin/policies/1", map[string]any{
		"port":     5433,
		"priority": 10,
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.EqualValues(t, 5433, body["port"])
	assert.EqualValues(t, 10, body["priority"])

	rec = e.do(t, http.MethodDelete, "/api/v1/admin/policies/1", nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/admin/policies", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["total"])
}

func TestPolicyWritesBumpConfigVersion(t *testing.T) {
	e := newTestEnv(t)
	before, err := e.mem.ConfigVersion(context.Background())
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/api/v1/admin/policies", map[string]any{
		"name":     "app-to-db",
		"src_role": "app",
		"dst_role": "db",
		"port":     5432,
		"protocol": "tcp",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	after, err := e.mem.ConfigVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	rec = e.do(t, http.MethodDelete, "/api/v1/admin/policies/1", nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)
	final, err := e.mem.ConfigVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, after+1, final)
}

func TestCreatePolicyConflict(t *testing.T) {
	e := newTestEnv(t)
	body := map[string]any{
		"name":     "app-to-db",
		"src_role": "app",
		"dst_role": "db",
		"port":     5432,
		"protocol": "tcp",
	}
	rec := e.do(t, http.MethodPost, "/api/v1/admin/policies", body, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/admin/policies", body, true)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "POLICY_EXISTS", decode(t, rec)["error_code"])
}

func TestCreatePolicyValidation(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/admin/policies", map[string]any{
		"name":     "bad-port",
		"src_role": "app",
		"dst_role": "db",
		"port":     70000,
		"protocol": "tcp",
	}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_POLICY", decode(t, rec)["error_code"])
}

func TestNetworkStats(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-1")

	rec := e.do(t, http.MethodGet, "/api/v1/admin/network/stats", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "10.0.0.0/24", body["network"])
	assert.EqualValues(t, 1, body["used_addresses"])
	total := body["total_addresses"].(float64)
	assert.Equal(t, total-1, body["available_addresses"].(float64))
	assert.Greater(t, body["utilization"].(float64), 0.0)
}

func TestAllocationsListsNodesAndDevices(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-1")

	rec := e.do(t, http.MethodPost, "/api/v1/client/devices", map[string]any{
		"device_name": "alice-laptop",
		"user_id":     "alice",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/admin/network/allocations", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["total"])
}

func TestAuditTrail(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-1")

	rec := e.do(t, http.MethodGet, "/api/v1/admin/audit?limit=10", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.GreaterOrEqual(t, body["total"].(float64), 1.0)
}

func TestTrustTrend(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-1")

	rec := e.do(t, http.MethodPost, "/api/v1/agent/heartbeat", map[string]any{
		"public_key": "pk-1",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/admin/nodes/1/trust/trend", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/admin/nodes/999/trust/trend", nil, true)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NODE_NOT_FOUND", decode(t, rec)["error_code"])
}
