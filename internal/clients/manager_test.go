package clients

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztmesh/controlplane/internal/ipam"
	"github.com/ztmesh/controlplane/internal/overlay"
	"github.com/ztmesh/controlplane/internal/store"
)

func testSettings() Settings {
	return Settings{
		HubPublicKey:       "hub-public-key",
		HubEndpoint:        "hub.example.com:51820",
		OverlayNetwork:     "10.0.0.0/24",
		DNSServers:         []string{"10.0.0.1", "1.1.1.1"},
		PoolStart:          100,
		PoolEnd:            250,
		MaxDevicesPerUser:  2,
		DefaultExpiresDays: 90,
	}
}

func newTestClientManager(t *testing.T, settings Settings) (*Manager, *store.Memory, *overlay.Fake) {
	t.Helper()
	mem := store.NewMemory()
	alloc, err := ipam.New("10.0.0.0/24", "10.0.0.1")
	require.NoError(t, err)
	fake := overlay.NewFake()
	return NewManager(mem, alloc, fake, nil, nil, nil, settings, nil), mem, fake
}

func TestCreateDevice(t *testing.T) {
	m, _, fake := newTestClientManager(t, testSettings())

	device, err := m.Create(context.Background(), CreateRequest{
		DeviceName: "alice-phone", UserID: "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.100/24", device.OverlayIP, "clients draw from the high pool")
	assert.Equal(t, store.DeviceMobile, device.DeviceType)
	assert.Equal(t, store.TunnelFull, device.TunnelMode)
	assert.Equal(t, store.StatusActive, device.Status)
	assert.NotEmpty(t, device.ConfigToken)
	assert.True(t, fake.HasPeer(device.PublicKey))

	// Server-side keys are valid base64 Curve25519 material.
	priv, err := base64.StdEncoding.DecodeString(device.PrivateKeySealed)
	require.NoError(t, err)
	assert.Len(t, priv, 32)
	pub, err := base64.StdEncoding.DecodeString(device.PublicKey)
	require.NoError(t, err)
	assert.Len(t, pub, 32)
	assert.NotEqual(t, device.PrivateKeySealed, device.PublicKey)

	// Default expiry is ~90 days out.
	expected := time.Now().UTC().AddDate(0, 0, 90)
	assert.WithinDuration(t, expected, device.ExpiresAt, time.Minute)
}

func TestCreateDeviceLimit(t *testing.T) {
	m, _, _ := newTestClientManager(t, testSettings())

	_, err := m.Create(context.Background(), CreateRequest{DeviceName: "phone", UserID: "alice"})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), CreateRequest{DeviceName: "laptop", UserID: "alice"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), CreateRequest{DeviceName: "tablet", UserID: "alice"})
	assert.ErrorIs(t, err, ErrDeviceLimit)

	// Another user is unaffected.
	_, err = m.Create(context.Background(), CreateRequest{DeviceName: "phone", UserID: "bob"})
	assert.NoError(t, err)
}

func TestCreateDevicePendingCountsTowardLimit(t *testing.T) {
	settings := testSettings()
	settings.RequireApproval = true
	m, _, _ := newTestClientManager(t, settings)

	// Devices awaiting approval already hold a pool address, so they count.
	_, err := m.Create(context.Background(), CreateRequest{DeviceName: "phone", UserID: "alice"})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), CreateRequest{DeviceName: "laptop", UserID: "alice"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), CreateRequest{DeviceName: "tablet", UserID: "alice"})
	assert.ErrorIs(t, err, ErrDeviceLimit)
}

func TestRevokeFreesLimitSlot(t *testing.T) {
	m, _, _ := newTestClientManager(t, testSettings())

	first, err := m.Create(context.Background(), CreateRequest{DeviceName: "phone", UserID: "alice"})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), CreateRequest{DeviceName: "laptop", UserID: "alice"})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), CreateRequest{DeviceName: "tablet", UserID: "alice"})
	require.ErrorIs(t, err, ErrDeviceLimit)

	_, err = m.Revoke(context.Background(), first.ID)
	require.NoError(t, err)

	_, err = m.Create(context.Background(), CreateRequest{DeviceName: "tablet", UserID: "alice"})
	assert.NoError(t, err)
}

func TestCreateDeviceDuplicateName(t *testing.T) {
	m, _, _ := newTestClientManager(t, testSettings())

	_, err := m.Create(context.Background(), CreateRequest{DeviceName: "phone", UserID: "alice"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), CreateRequest{DeviceName: "phone", UserID: "alice"})
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestCreateDeviceValidation(t *testing.T) {
	m, _, _ := newTestClientManager(t, testSettings())

	_, err := m.Create(context.Background(), CreateRequest{DeviceName: "  "})
	assert.Error(t, err)

	_, err = m.Create(context.Background(), CreateRequest{DeviceName: "x", DeviceType: "toaster"})
	assert.Error(t, err)

	_, err = m.Create(context.Background(), CreateRequest{DeviceName: "x", TunnelMode: "half"})
	assert.Error(t, err)
}

func TestCreateDeviceRequiresApproval(t *testing.T) {
	settings := testSettings()
	settings.RequireApproval = true
	m, _, fake := newTestClientManager(t, settings)

	device, err := m.Create(context.Background(), CreateRequest{DeviceName: "phone"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, device.Status)
	assert.False(t, fake.HasPeer(device.PublicKey), "pending devices get no peer")

	approved, err := m.Approve(context.Background(), device.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, approved.Status)
	assert.True(t, fake.HasPeer(device.PublicKey))
}

func TestRevokeFreesAddressAndToken(t *testing.T) {
	m, _, fake := newTestClientManager(t, testSettings())

	device, err := m.Create(context.Background(), CreateRequest{DeviceName: "phone", UserID: "alice"})
	require.NoError(t, err)
	token := device.ConfigToken

	_, err = m.Revoke(context.Background(), device.ID)
	require.NoError(t, err)
	assert.False(t, fake.HasPeer(device.PublicKey))

	_, err = m.ByToken(context.Background(), token)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The freed address goes to the next device.
	next, err := m.Create(context.Background(), CreateRequest{DeviceName: "phone-2", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.100/24", next.OverlayIP)
}

func TestByTokenExpired(t *testing.T) {
	m, mem, _ := newTestClientManager(t, testSettings())

	device, err := m.Create(context.Background(), CreateRequest{DeviceName: "phone"})
	require.NoError(t, err)

	device.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, mem.UpdateDevice(context.Background(), device))

	_, err = m.ByToken(context.Background(), device.ConfigToken)
	assert.ErrorIs(t, err, store.ErrExpired)
}

func TestRenderFullTunnel(t *testing.T) {
	m, _, _ := newTestClientManager(t, testSettings())

	device, err := m.Create(context.Background(), CreateRequest{DeviceName: "phone"})
	require.NoError(t, err)

	conf := m.Render(device)
	assert.Contains(t, conf, "[Interface]")
	assert.Contains(t, conf, "PrivateKey = "+device.PrivateKeySealed)
	assert.Contains(t, conf, "Address = "+device.OverlayIP)
	assert.Contains(t, conf, "DNS = 10.0.0.1, 1.1.1.1")
	assert.Contains(t, conf, "MTU = 1420")
	assert.Contains(t, conf, "[Peer]")
	assert.Contains(t, conf, "PublicKey = hub-public-key")
	assert.Contains(t, conf, "Endpoint = hub.example.com:51820")
	assert.Contains(t, conf, "AllowedIPs = 0.0.0.0/0, ::/0")
	assert.Contains(t, conf, "PresharedKey = "+device.PresharedKey)
	assert.Contains(t, conf, "PersistentKeepalive = 25")
}

func TestRenderSplitTunnel(t *testing.T) {
	m, _, _ := newTestClientManager(t, testSettings())

	device, err := m.Create(context.Background(), CreateRequest{
		DeviceName: "laptop", DeviceType: store.DeviceLaptop, TunnelMode: store.TunnelSplit,
	})
	require.NoError(t, err)

	conf := m.Render(device)
	assert.Contains(t, conf, "AllowedIPs = 10.0.0.0/24")
	assert.NotContains(t, conf, "0.0.0.0/0")
}

func TestMarkDownloaded(t *testing.T) {
	m, mem, _ := newTestClientManager(t, testSettings())

	device, err := m.Create(context.Background(), CreateRequest{DeviceName: "phone"})
	require.NoError(t, err)
	require.False(t, device.ConfigDownloaded)

	m.MarkDownloaded(context.Background(), device)

	stored, err := mem.DeviceByID(context.Background(), device.ID)
	require.NoError(t, err)
	assert.True(t, stored.ConfigDownloaded)
	assert.NotEmpty(t, stored.ConfigToken, "token stays valid after download")
}

func TestActivePeers(t *testing.T) {
	m, mem, _ := newTestClientManager(t, testSettings())

	a, err := m.Create(context.Background(), CreateRequest{DeviceName: "phone", UserID: "alice"})
	require.NoError(t, err)
	b, err := m.Create(context.Background(), CreateRequest{DeviceName: "laptop", UserID: "alice"})
	require.NoError(t, err)

	// Expire one, revoke nothing.
	b.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, mem.UpdateDevice(context.Background(), b))

	peers, err := m.ActivePeers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, a.PublicKey, peers[0].PublicKey)
	assert.Equal(t, []string{"10.0.0.100/32"}, peers[0].AllowedIPs)
}

func TestConfigTokenIsURLSafe(t *testing.T) {
	token, err := NewConfigToken()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(token), 43)
	assert.False(t, strings.ContainsAny(token, "+/="))
}
