package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ztmesh/controlplane/internal/clients"
	"github.com/ztmesh/controlplane/internal/store"
)

type deviceCreate struct {
	DeviceName  string `json:"device_name"`
	DeviceType  string `json:"device_type,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	TunnelMode  string `json:"tunnel_mode,omitempty"`
	ExpiresDays int    `json:"expires_days,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		return
	}
	device, err := s.devices.Create(r.Context(), clients.CreateRequest{
		DeviceName:  req.DeviceName,
		DeviceType:  store.DeviceType(req.DeviceType),
		UserID:      req.UserID,
		TunnelMode:  store.TunnelMode(req.TunnelMode),
		ExpiresDays: req.ExpiresDays,
		Description: req.Description,
	})
	switch {
	case errors.Is(err, clients.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error(), "DEVICE_NAME_EXISTS")
		return
	case errors.Is(err, clients.ErrDeviceLimit):
		writeError(w, http.StatusBadRequest, err.Error(), "DEVICE_LIMIT")
		return
	case errors.Is(err, store.ErrPoolExhausted):
		writeError(w, http.StatusServiceUnavailable, "No available IP addresses in client pool", "IP_POOL_EXHAUSTED")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	// The only response that ever carries the download token.
	writeJSON(w, http.StatusCreated, deviceResponse(device, true))
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	f := store.DeviceFilter{
		UserID:         r.URL.Query().Get("user_id"),
		Status:         store.NodeStatus(r.URL.Query().Get("status")),
		IncludeExpired: r.URL.Query().Get("include_expired") == "true",
	}
	list, err := s.devices.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing devices failed", "SERVER_ERROR")
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, d := range list {
		out = append(out, deviceResponse(d, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "total": len(out)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.devices.ByID(r.Context(), pathID(r))
	if err != nil {
		writeError(w, http.StatusNotFound, "Device not found", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse(device, false))
}

func (s *Server) handleApproveDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.devices.Approve(r.Context(), pathID(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Device not found", "NOT_FOUND")
			return
		}
		writeError(w, http.StatusInternalServerError, "approving device failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse(device, false))
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.devices.Revoke(r.Context(), pathID(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Device not found", "NOT_FOUND")
			return
		}
		writeError(w, http.StatusInternalServerError, "revoking device failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Device '%s' has been revoked", device.DeviceName),
	})
}

// deviceResponse shapes a device for the API. The private key never leaves
// the store; the token only on creation.
func deviceResponse(d *store.ClientDevice, withToken bool) map[string]any {
	resp := map[string]any{
		"id":                d.ID,
		"device_name":       d.DeviceName,
		"device_type":       string(d.DeviceType),
		"user_id":           d.UserID,
		"tunnel_mode":       string(d.TunnelMode),
		"status":            string(d.Status),
		"overlay_ip":        d.OverlayIP,
		"public_key":        d.PublicKey,
		"config_downloaded": d.ConfigDownloaded,
		"created_at":        d.CreatedAt,
		"expires_at":        d.ExpiresAt,
	}
	if withToken {
		resp["config_token"] = d.ConfigToken
	}
	return resp
}

// Config download: no admin token, the config token is the credential.

func (s *Server) deviceByTokenOrError(w http.ResponseWriter, r *http.Request) *store.ClientDevice {
	token := mux.Vars(r)["token"]
	device, err := s.devices.ByToken(r.Context(), token)
	switch {
	case errors.Is(err, store.ErrExpired):
		writeError(w, http.StatusGone, "Device config has expired", "EXPIRED")
		return nil
	case err != nil:
		writeError(w, http.StatusNotFound, "Invalid or expired config token", "INVALID_TOKEN")
		return nil
	}
	return device
}

func (s *Server) handleDeviceConfig(w http.ResponseWriter, r *http.Request) {
	device := s.deviceByTokenOrError(w, r)
	if device == nil {
		return
	}
	conf := s.devices.Render(device)
	s.devices.MarkDownloaded(r.Context(), device)
	writeJSON(w, http.StatusOK, map[string]any{
		"device_name":      device.DeviceName,
		"device_type":      string(device.DeviceType),
		"tunnel_mode":      string(device.TunnelMode),
		"wireguard_config": conf,
		"overlay_ip":       device.OverlayIP,
		"expires_at":       device.ExpiresAt,
		"hub_endpoint":     s.hub.Endpoint,
	})
}

func (s *Server) handleDeviceConfigRaw(w http.ResponseWriter, r *http.Request) {
	device := s.deviceByTokenOrError(w, r)
	if device == nil {
		return
	}
	conf := s.devices.Render(device)
	s.devices.MarkDownloaded(r.Context(), device)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", device.DeviceName+".conf"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(conf))
}
