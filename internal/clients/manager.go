// Package clients manages end-user VPN devices (phones, laptops) that join
// the overlay without running an agent. Keys are generated server-side and
// the WireGuard config is handed out once via a download token.
package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ztmesh/controlplane/internal/audit"
	"github.com/ztmesh/controlplane/internal/events"
	"github.com/ztmesh/controlplane/internal/ipam"
	"github.com/ztmesh/controlplane/internal/metrics"
	"github.com/ztmesh/controlplane/internal/overlay"
	"github.com/ztmesh/controlplane/internal/store"
)

var (
	// ErrDeviceLimit means the user already has the maximum number of
	// active devices.
	ErrDeviceLimit = errors.New("device limit reached")
	// ErrDuplicateName means the user already has a device with that name.
	ErrDuplicateName = errors.New("device name already in use")
)

const clientMTU = 1420

// Settings carries the deployment knobs the client manager needs.
type Settings struct {
	HubPublicKey   string
	HubEndpoint    string
	OverlayNetwork string
	DNSServers     []string

	PoolStart          int
	PoolEnd            int
	MaxDevicesPerUser  int
	DefaultExpiresDays int
	RequireApproval    bool
}

// Manager owns the client device lifecycle.
type Manager struct {
	store    store.Store
	alloc    *ipam.Allocator
	driver   overlay.Driver
	bus      events.Bus
	audit    *audit.Logger
	metrics  *metrics.Metrics
	logger   *slog.Logger
	settings Settings
	now      func() time.Time
}

// NewManager wires the client device manager. bus, audit logger and metrics
// may be nil in tests.
func NewManager(s store.Store, alloc *ipam.Allocator, d overlay.Driver, bus events.Bus,
	auditLog *audit.Logger, m *metrics.Metrics, settings Settings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    s,
		alloc:    alloc,
		driver:   d,
		bus:      bus,
		audit:    auditLog,
		metrics:  m,
		logger:   logger,
		settings: settings,
		now:      time.Now,
	}
}

// CreateRequest describes a new client device.
type CreateRequest struct {
	DeviceName  string
	DeviceType  store.DeviceType
	UserID      string
	TunnelMode  store.TunnelMode
	ExpiresDays int
	Description string
}

func (r *CreateRequest) validate() error {
	if strings.TrimSpace(r.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if r.DeviceType == "" {
		r.DeviceType = store.DeviceMobile
	}
	switch r.DeviceType {
	case store.DeviceMobile, store.DeviceLaptop, store.DeviceDesktop, store.DeviceOther:
	default:
		return fmt.Errorf("unknown device type %q", r.DeviceType)
	}
	if r.TunnelMode == "" {
		r.TunnelMode = store.TunnelFull
	}
	switch r.TunnelMode {
	case store.TunnelFull, store.TunnelSplit:
	default:
		return fmt.Errorf("unknown tunnel mode %q", r.TunnelMode)
	}
	return nil
}

// Create registers a device: generates its keys, allocates an address from
// the client sub-pool, and installs the hub peer when the device starts
// active.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.ClientDevice, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.UserID != "" {
		count, err := m.store.CountUserDevices(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("counting devices: %w", err)
		}
		if count >= m.settings.MaxDevicesPerUser {
			return nil, fmt.Errorf("%w: user %s has %d devices (max %d)",
				ErrDeviceLimit, req.UserID, count, m.settings.MaxDevicesPerUser)
		}
		existing, err := m.store.ListDevices(ctx, store.DeviceFilter{
			UserID: req.UserID, IncludeExpired: true,
		})
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		for _, d := range existing {
			if d.DeviceName == req.DeviceName && d.Status != store.StatusRevoked {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateName, req.DeviceName)
			}
		}
	}

	privateKey, publicKey, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	psk, err := GeneratePresharedKey()
	if err != nil {
		return nil, err
	}
	token, err := NewConfigToken()
	if err != nil {
		return nil, err
	}

	expiresDays := req.ExpiresDays
	if expiresDays <= 0 {
		expiresDays = m.settings.DefaultExpiresDays
	}

	status := store.StatusActive
	if m.settings.RequireApproval {
		status = store.StatusPending
	}

	device := &store.ClientDevice{
		DeviceName:       req.DeviceName,
		DeviceType:       req.DeviceType,
		UserID:           req.UserID,
		Description:      req.Description,
		PublicKey:        publicKey,
		PrivateKeySealed: privateKey,
		PresharedKey:     psk,
		TunnelMode:       req.TunnelMode,
		Status:           status,
		ConfigToken:      token,
		ExpiresAt:        m.now().UTC().AddDate(0, 0, expiresDays),
	}

	pick := m.alloc.PickRange(m.settings.PoolStart, m.settings.PoolEnd)
	if err := m.store.CreateDeviceWithIP(ctx, device, pick); err != nil {
		if errors.Is(err, store.ErrPoolExhausted) {
			return nil, fmt.Errorf("client pool: %w", err)
		}
		return nil, fmt.Errorf("creating device: %w", err)
	}

	m.recordAllocation(ctx, device)
	if device.Status == store.StatusActive {
		m.addPeer(ctx, device)
	}
	m.auditEvent(ctx, "client_device", "create", device)
	m.publish(ctx, events.TypeDeviceCreated, device)
	m.count("create")
	m.logger.Info("client device created",
		"device", device.DeviceName, "type", device.DeviceType,
		"user", device.UserID, "overlay_ip", device.OverlayIP)
	return device, nil
}

// ByID returns one device.
func (m *Manager) ByID(ctx context.Context, id int64) (*store.ClientDevice, error) {
	return m.store.DeviceByID(ctx, id)
}

// List returns devices matching the filter.
func (m *Manager) List(ctx context.Context, f store.DeviceFilter) ([]*store.ClientDevice, error) {
	return m.store.ListDevices(ctx, f)
}

// Approve activates a pending device and installs its peer.
func (m *Manager) Approve(ctx context.Context, id int64) (*store.ClientDevice, error) {
	device, err := m.store.DeviceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	device.Status = store.StatusActive
	if err := m.store.UpdateDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("updating device %d: %w", id, err)
	}
	m.addPeer(ctx, device)
	m.auditEvent(ctx, "client_device", "update", device)
	m.logger.Info("client device approved", "device", device.DeviceName)
	return device, nil
}

// Revoke cuts the device off: peer removed, token invalidated, address
// returned to the pool. The row stays for audit purposes.
func (m *Manager) Revoke(ctx context.Context, id int64) (*store.ClientDevice, error) {
	device, err := m.store.DeviceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.removePeer(ctx, device)

	released := device.OverlayIP
	device.Status = store.StatusRevoked
	device.ConfigToken = ""
	device.OverlayIP = ""
	if err := m.store.UpdateDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("updating device %d: %w", id, err)
	}
	if released != "" {
		host := hostOf(released)
		if err := m.store.ReleaseAllocation(ctx, host, m.now().UTC()); err != nil {
			m.logger.Warn("allocation release failed", "ip", host, "error", err)
		}
	}

	m.auditEvent(ctx, "client_device", "delete", device)
	m.publish(ctx, events.TypeDeviceRevoked, device)
	m.count("revoke")
	m.logger.Warn("client device revoked", "device", device.DeviceName, "user", device.UserID)
	return device, nil
}

// ByToken resolves a download token to its device. Revoked tokens look the
// same as unknown ones; expired devices return store.ErrExpired so the API
// can answer 410 instead of 404.
func (m *Manager) ByToken(ctx context.Context, token string) (*store.ClientDevice, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
	device, err := m.store.DeviceByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if device.Status != store.StatusActive {
		return nil, store.ErrNotFound
	}
	if !m.now().UTC().Before(device.ExpiresAt) {
		return nil, store.ErrExpired
	}
	return device, nil
}

// MarkDownloaded records the first successful config fetch. The token stays
// valid until the device expires or is revoked.
func (m *Manager) MarkDownloaded(ctx context.Context, device *store.ClientDevice) {
	if device.ConfigDownloaded {
		return
	}
	device.ConfigDownloaded = true
	if err := m.store.UpdateDevice(ctx, device); err != nil {
		m.logger.Warn("marking config downloaded failed", "device", device.DeviceName, "error", err)
	}
	m.count("config_download")
}

// Render produces the wg-quick config file for a device. Full-tunnel devices
// route everything through the hub; split-tunnel devices only the overlay.
func (m *Manager) Render(device *store.ClientDevice) string {
	allowedIPs := m.settings.OverlayNetwork
	if device.TunnelMode == store.TunnelFull {
		allowedIPs = "0.0.0.0/0, ::/0"
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", device.PrivateKeySealed)
	fmt.Fprintf(&b, "Address = %s\n", device.OverlayIP)
	fmt.Fprintf(&b, "DNS = %s\n", strings.Join(m.settings.DNSServers, ", "))
	fmt.Fprintf(&b, "MTU = %d\n", clientMTU)
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", m.settings.HubPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", m.settings.HubEndpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", allowedIPs)
	if device.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", device.PresharedKey)
	}
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String()
}

// ActivePeers lists unexpired active devices as hub peers, for reconciling
// the hub interface after a restart.
func (m *Manager) ActivePeers(ctx context.Context) ([]overlay.Peer, error) {
	devices, err := m.store.ListDevices(ctx, store.DeviceFilter{Status: store.StatusActive})
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	peers := make([]overlay.Peer, 0, len(devices))
	for _, d := range devices {
		if !d.Effective(now) || d.OverlayIP == "" {
			continue
		}
		peers = append(peers, overlay.Peer{
			PublicKey:  d.PublicKey,
			AllowedIPs: []string{hostOf(d.OverlayIP) + "/32"},
		})
	}
	return peers, nil
}

func (m *Manager) addPeer(ctx context.Context, device *store.ClientDevice) {
	if m.driver == nil || device.OverlayIP == "" {
		return
	}
	allowed := []string{hostOf(device.OverlayIP) + "/32"}
	if err := m.driver.AddPeer(ctx, device.PublicKey, allowed); err != nil {
		m.logger.Warn("client peer add failed", "device", device.DeviceName, "error", err)
	}
}

func (m *Manager) removePeer(ctx context.Context, device *store.ClientDevice) {
	if m.driver == nil {
		return
	}
	if err := m.driver.RemovePeer(ctx, device.PublicKey); err != nil {
		m.logger.Warn("client peer remove failed", "device", device.DeviceName, "error", err)
	}
}

func (m *Manager) recordAllocation(ctx context.Context, device *store.ClientDevice) {
	if device.OverlayIP == "" {
		return
	}
	a := &store.IPAllocation{
		NetworkCIDR: m.alloc.Network(),
		IPAddress:   hostOf(device.OverlayIP),
	}
	if err := m.store.RecordAllocation(ctx, a); err != nil {
		m.logger.Warn("allocation record failed", "ip", a.IPAddress, "error", err)
	}
}

func (m *Manager) auditEvent(ctx context.Context, eventType, action string, device *store.ClientDevice) {
	if m.audit == nil {
		return
	}
	m.audit.Record(ctx, &store.AuditEntry{
		EventType:   eventType,
		EventAction: action,
		ActorType:   audit.ActorAdmin,
		TargetType:  "client_device",
		TargetID:    fmt.Sprintf("%d", device.ID),
		Details:     fmt.Sprintf("%s (%s)", device.DeviceName, device.DeviceType),
	})
}

func (m *Manager) publish(ctx context.Context, eventType string, device *store.ClientDevice) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, events.New(eventType, "clients", device.DeviceName, map[string]any{
		"device_id":   device.ID,
		"device_type": string(device.DeviceType),
		"user_id":     device.UserID,
	}))
}

func (m *Manager) count(op string) {
	if m.metrics != nil {
		m.metrics.DeviceOps.WithLabelValues(op).Inc()
	}
}

func hostOf(cidr string) string {
	if i := strings.IndexByte(cidr, '/'); i >= 0 {
		return cidr[:i]
	}
	return cidr
}
