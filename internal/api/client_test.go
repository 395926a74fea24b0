package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) createDevice(t *testing.T, name, user string) map[string]any {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/client/devices", map[string]any{
		"device_name": name,
		"user_id":     user,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)
}

func TestCreateDevice(t *testing.T) {
	e := newTestEnv(t)
	body := e.createDevice(t, "alice-laptop", "alice")

	assert.Equal(t, "alice-laptop", body["device_name"])
	assert.Equal(t, "mobile", body["device_type"])
	assert.Equal(t, "full", body["tunnel_mode"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "10.0.0.100/24", body["overlay_ip"])
	token, ok := body["config_token"].(string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(token), 43)
	assert.NotContains(t, body, "private_key")
}

func TestCreateDeviceRequiresAdmin(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/client/devices", map[string]any{
		"device_name": "alice-laptop",
		"user_id":     "alice",
	}, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateDeviceDuplicateName(t *testing.T) {
	e := newTestEnv(t)
	e.createDevice(t, "alice-laptop", "alice")

	rec := e.do(t, http.MethodPost, "/api/v1/client/devices", map[string]any{
		"device_name": "alice-laptop",
		"user_id":     "alice",
	}, true)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DEVICE_NAME_EXISTS", decode(t, rec)["error_code"])
}

func TestListDevicesNeverLeaksTokens(t *testing.T) {
	e := newTestEnv(t)
	e.createDevice(t, "alice-laptop", "alice")
	e.createDevice(t, "bob-phone", "bob")

	rec := e.do(t, http.MethodGet, "/api/v1/client/devices?user_id=alice", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.EqualValues(t, 1, body["total"])
	device := body["devices"].([]any)[0].(map[string]any)
	assert.NotContains(t, device, "config_token")
	assert.NotContains(t, device, "private_key")
}

func TestDownloadDeviceConfig(t *testing.T) {
	e := newTestEnv(t)
	created := e.createDevice(t, "alice-laptop", "alice")
	token := created["config_token"].(string)

	rec := e.do(t, http.MethodGet, "/api/v1/client/config/"+token, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	conf := body["wireguard_config"].(string)
	assert.Contains(t, conf, "[Interface]")
	assert.Contains(t, conf, "Address = 10.0.0.100/24")
	assert.Contains(t, conf, "AllowedIPs = 0.0.0.0/0, ::/0")
	assert.Contains(t, conf, "PersistentKeepalive = 25")
	assert.Equal(t, "hub.example.com:51820", body["hub_endpoint"])

	// The download is recorded but the token keeps working.
	rec = e.do(t, http.MethodGet, "/api/v1/client/devices/1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["config_downloaded"])

	rec = e.do(t, http.MethodGet, "/api/v1/client/config/"+token, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDownloadDeviceConfigRaw(t *testing.T) {
	e := newTestEnv(t)
	created := e.createDevice(t, "alice-laptop", "alice")
	token := created["config_token"].(string)

	rec := e.do(t, http.MethodGet, "/api/v1/client/config/"+token+"/raw", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="alice-laptop.conf"`)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "[Interface]"))
}

func TestDownloadDeviceConfigBadToken(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/client/config/not-a-token", nil, false)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", decode(t, rec)["error_code"])
}

func TestDownloadDeviceConfigExpired(t *testing.T) {
	e := newTestEnv(t)
	created := e.createDevice(t, "alice-laptop", "alice")
	token := created["config_token"].(string)

	device, err := e.mem.DeviceByID(context.Background(), 1)
	require.NoError(t, err)
	device.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, e.mem.UpdateDevice(context.Background(), device))

	rec := e.do(t, http.MethodGet, "/api/v1/client/config/"+token, nil, false)
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "EXPIRED", decode(t, rec)["error_code"])
}

func TestRevokeDevice(t *testing.T) {
	e := newTestEnv(t)
	created := e.createDevice(t, "alice-laptop", "alice")
	token := created["config_token"].(string)

	rec := e.do(t, http.MethodDelete, "/api/v1/client/devices/1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Device 'alice-laptop' has been revoked", body["message"])

	rec = e.do(t, http.MethodGet, "/api/v1/client/config/"+token, nil, false)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// The freed client IP is handed to the next device.
	next := e.createDevice(t, "alice-tablet", "alice")
	assert.Equal(t, "10.0.0.100/24", next["overlay_ip"])
}
