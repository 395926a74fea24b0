package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterNode(t *testing.T) {
	e := newTestEnv(t)
	body := e.register(t, "web-01", "app", "pk-web-01")

	assert.EqualValues(t, 1, body["node_id"])
	assert.Equal(t, "web-01", body["hostname"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "10.0.0.2/24", body["overlay_ip"])
	assert.Equal(t, "hub-public-key", body["hub_public_key"])
	assert.Equal(t, "hub.example.com:51820", body["hub_endpoint"])
	assert.Equal(t, "10.0.0.0/24", body["allowed_ips"])
	assert.Equal(t, "Registration successful", body["message"])
}

func TestRegisterIsIdempotentForSameKey(t *testing.T) {
	e := newTestEnv(t)
	first := e.register(t, "web-01", "app", "pk-web-01")

	rec := e.do(t, http.MethodPost, "/api/v1/agent/register", map[string]any{
		"hostname":   "web-01",
		"role":       "app",
		"public_key": "pk-web-01",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Re-registration successful", body["message"])
	assert.Equal(t, first["overlay_ip"], body["overlay_ip"])
}

func TestRegisterHostnameConflict(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-web-01")

	rec := e.do(t, http.MethodPost, "/api/v1/agent/register", map[string]any{
		"hostname":   "web-01",
		"role":       "app",
		"public_key": "pk-other",
	}, false)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "HOSTNAME_EXISTS", decode(t, rec)["error_code"])
}

func TestRegisterPoolExhausted(t *testing.T) {
	// A /30 has a single assignable host once the gateway is reserved.
	e := newTestEnvCIDR(t, "10.0.0.0/30")
	e.register(t, "only-one", "app", "pk-1")

	rec := e.do(t, http.MethodPost, "/api/v1/agent/register", map[string]any{
		"hostname":   "second",
		"role":       "app",
		"public_key": "pk-2",
	}, false)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "IP_POOL_EXHAUSTED", decode(t, rec)["error_code"])
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/agent/register", map[string]any{
		"hostname": "web-01",
	}, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, rec)["error_code"])
}

func TestGetConfig(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-web-01")
	e.register(t, "db-01", "db", "pk-db-01")

	rec := e.do(t, http.MethodGet, "/api/v1/agent/config?public_key=pk-web-01", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "web-01", body["hostname"])
	assert.Equal(t, "10.0.0.2/24", body["overlay_ip"])
	assert.EqualValues(t, 60, body["next_sync_seconds"])
	assert.Contains(t, body, "peers")
	assert.Contains(t, body, "acl_rules")

	// Hostname route serves the same document.
	rec = e.do(t, http.MethodGet, "/api/v1/agent/config/web-01", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body["overlay_ip"], decode(t, rec)["overlay_ip"])
}

func TestGetConfigUnknownNode(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/agent/config?public_key=nope", nil, false)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NODE_NOT_FOUND", decode(t, rec)["error_code"])
}

func TestGetConfigInactiveNode(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-web-01")

	rec := e.do(t, http.MethodPost, "/api/v1/admin/nodes/1/suspend", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/agent/config?public_key=pk-web-01", nil, false)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "NODE_NOT_ACTIVE", body["error_code"])
	assert.Equal(t, "suspended", body["status"])
}

func TestHeartbeat(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-web-01")

	rec := e.do(t, http.MethodPost, "/api/v1/agent/heartbeat", map[string]any{
		"public_key":     "pk-web-01",
		"agent_version":  "1.2.0",
		"cpu_percent":    12.5,
		"memory_percent": 40.0,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["config_changed"])
	assert.Equal(t, "Heartbeat received from web-01", body["message"])
	// app role base 0.8 with healthy telemetry.
	assert.InDelta(t, 0.92, body["trust_score"], 0.001)
	assert.Equal(t, "low", body["risk_level"])
	assert.NotContains(t, body, "action_taken")
}

func TestHeartbeatDegradedNode(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-web-01")

	rec := e.do(t, http.MethodPost, "/api/v1/agent/heartbeat", map[string]any{
		"public_key":  "pk-web-01",
		"cpu_percent": 99.0,
		"security_events": map[string]any{
			"summary": map[string]any{
				"risk_level": "medium",
			},
		},
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	// role 0.32 + health 0.6*0.3 + behavior 0.2 + security 0.7*0.1.
	assert.InDelta(t, 0.77, body["trust_score"], 0.001)
	assert.Equal(t, "medium", body["risk_level"])
	assert.Equal(t, "warning", body["action_taken"])
}

func TestHeartbeatUnknownNode(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/agent/heartbeat", map[string]any{
		"public_key": "nope",
	}, false)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NODE_NOT_FOUND", decode(t, rec)["error_code"])
}

func TestHeartbeatConfigChangedAfterPolicyWrite(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-web-01")

	rec := e.do(t, http.MethodPost, "/api/v1/admin/policies", map[string]any{
		"name":     "app-to-db",
		"src_role": "app",
		"dst_role": "db",
		"port":     5432,
		"protocol": "tcp",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/agent/heartbeat", map[string]any{
		"public_key":     "pk-web-01",
		"config_version": 1,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["config_changed"])
}

func TestHeartbeatByHostname(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-web-01")

	rec := e.do(t, http.MethodPost, "/api/v1/agent/heartbeat/web-01", map[string]any{}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["config_changed"])
	// The legacy hostname route never rescores.
	assert.NotContains(t, body, "trust_score")
}

func TestNodeStatus(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "web-01", "app", "pk-web-01")

	rec := e.do(t, http.MethodGet, "/api/v1/agent/status/web-01", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "web-01", body["hostname"])
	assert.Equal(t, "active", body["status"])

	rec = e.do(t, http.MethodGet, "/api/v1/agent/status/nope", nil, false)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
