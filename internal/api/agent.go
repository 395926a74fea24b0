package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ztmesh/controlplane/internal/nodes"
	"github.com/ztmesh/controlplane/internal/store"
	"github.com/ztmesh/controlplane/internal/trust"
)

type registerRequest struct {
	Hostname     string `json:"hostname"`
	Role         string `json:"role"`
	PublicKey    string `json:"public_key"`
	Description  string `json:"description,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	OSInfo       string `json:"os_info,omitempty"`
}

type registerResponse struct {
	NodeID       int64            `json:"node_id"`
	Hostname     string           `json:"hostname"`
	Status       store.NodeStatus `json:"status"`
	OverlayIP    string           `json:"overlay_ip"`
	HubPublicKey string           `json:"hub_public_key"`
	HubEndpoint  string           `json:"hub_endpoint"`
	DNSServers   []string         `json:"dns_servers"`
	AllowedIPs   string           `json:"allowed_ips"`
	Message      string           `json:"message"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		return
	}
	if req.Hostname == "" || req.PublicKey == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "hostname, role and public_key are required", "VALIDATION_ERROR")
		return
	}

	node, created, err := s.nodes.Register(r.Context(), nodes.RegisterRequest{
		Hostname:     req.Hostname,
		Role:         req.Role,
		PublicKey:    req.PublicKey,
		Description:  req.Description,
		AgentVersion: req.AgentVersion,
		OSInfo:       req.OSInfo,
		ClientIP:     clientIP(r),
	})
	switch {
	case errors.Is(err, nodes.ErrHostnameConflict):
		writeError(w, http.StatusConflict,
			fmt.Sprintf("Hostname '%s' is already registered with a different key", req.Hostname),
			"HOSTNAME_EXISTS")
		return
	case errors.Is(err, store.ErrPoolExhausted):
		writeError(w, http.StatusServiceUnavailable, "No available IP addresses in pool", "IP_POOL_EXHAUSTED")
		return
	case err != nil:
		s.logger.Error("registration failed", "hostname", req.Hostname, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed", "SERVER_ERROR")
		return
	}

	message := "Re-registration successful"
	status := http.StatusOK
	if created {
		message = "Registration successful"
		status = http.StatusCreated
	}
	writeJSON(w, status, registerResponse{
		NodeID:       node.ID,
		Hostname:     node.Hostname,
		Status:       node.Status,
		OverlayIP:    node.OverlayIP,
		HubPublicKey: s.hub.PublicKey,
		HubEndpoint:  s.hub.Endpoint,
		DNSServers:   s.dnsServers,
		AllowedIPs:   s.hub.OverlayNetwork,
		Message:      message,
	})
}

func (s *Server) handleConfigByKey(w http.ResponseWriter, r *http.Request) {
	publicKey := r.URL.Query().Get("public_key")
	if publicKey == "" {
		writeError(w, http.StatusBadRequest, "public_key query parameter is required", "VALIDATION_ERROR")
		return
	}
	node, err := s.nodes.ByPublicKey(r.Context(), publicKey)
	if err != nil {
		s.countConfigFetch("not_found")
		writeError(w, http.StatusNotFound, "Node not found", "NODE_NOT_FOUND")
		return
	}
	s.serveNodeConfig(w, r, node)
}

func (s *Server) handleConfigByHostname(w http.ResponseWriter, r *http.Request) {
	hostname := mux.Vars(r)["hostname"]
	node, err := s.nodes.ByHostname(r.Context(), hostname)
	if err != nil {
		s.countConfigFetch("not_found")
		writeError(w, http.StatusNotFound, fmt.Sprintf("Node '%s' not found", hostname), "NODE_NOT_FOUND")
		return
	}
	s.serveNodeConfig(w, r, node)
}

// serveNodeConfig is the shared config path: status gate, heartbeat
// side-effect, then the compiled configuration.
func (s *Server) serveNodeConfig(w http.ResponseWriter, r *http.Request, node *store.Node) {
	if !node.IsActive() {
		s.countConfigFetch("not_active")
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":      fmt.Sprintf("Node status is '%s'. Must be 'active' to get config.", node.Status),
			"error_code": "NODE_NOT_ACTIVE",
			"status":     string(node.Status),
		})
		return
	}

	// Config polls double as liveness signals.
	if err := s.nodes.Heartbeat(r.Context(), node, clientIP(r), ""); err != nil {
		s.logger.Warn("heartbeat update failed", "hostname", node.Hostname, "error", err)
	}

	cfg, err := s.policy.BuildConfig(r.Context(), node)
	if err != nil {
		s.logger.Error("config build failed", "hostname", node.Hostname, "error", err)
		writeError(w, http.StatusInternalServerError, "config build failed", "SERVER_ERROR")
		return
	}
	s.countConfigFetch("ok")

	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":           node.ID,
		"hostname":          node.Hostname,
		"role":              node.Role,
		"status":            string(node.Status),
		"overlay_ip":        node.OverlayIP,
		"hub_public_key":    s.hub.PublicKey,
		"hub_endpoint":      s.hub.Endpoint,
		"peers":             cfg.Peers,
		"acl_rules":         cfg.ACLRules,
		"config_version":    cfg.ConfigVersion,
		"generated_at":      cfg.GeneratedAt,
		"next_sync_seconds": s.syncInterval,
	})
}

type heartbeatRequest struct {
	PublicKey     string              `json:"public_key"`
	AgentVersion  string              `json:"agent_version,omitempty"`
	ConfigVersion int64               `json:"config_version,omitempty"`
	CPUPercent    float64             `json:"cpu_percent,omitempty"`
	MemoryPercent float64             `json:"memory_percent,omitempty"`
	DiskPercent   float64             `json:"disk_percent,omitempty"`
	Network       trust.NetworkStats  `json:"network_stats,omitempty"`
	Security      trust.SecurityStats `json:"security_events,omitempty"`
}

type heartbeatResponse struct {
	Status               string  `json:"status"`
	ConfigChanged        bool    `json:"config_changed"`
	CurrentConfigVersion int64   `json:"current_config_version"`
	Message              string  `json:"message"`
	TrustScore           float64 `json:"trust_score,omitempty"`
	RiskLevel            string  `json:"risk_level,omitempty"`
	ActionTaken          string  `json:"action_taken,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		return
	}
	node, err := s.nodes.ByPublicKey(r.Context(), req.PublicKey)
	if err != nil {
		s.countHeartbeat("unknown_node")
		writeError(w, http.StatusNotFound, "Node not found", "NODE_NOT_FOUND")
		return
	}

	if err := s.nodes.Heartbeat(r.Context(), node, clientIP(r), req.AgentVersion); err != nil {
		s.logger.Warn("heartbeat update failed", "hostname", node.Hostname, "error", err)
	}

	// Trust evaluation never fails the heartbeat: on error the previous
	// score stands.
	score := node.TrustScore
	if score == 0 && node.LastTrustUpdate.IsZero() {
		score = 1.0
	}
	action := trust.ActionNone
	hbMetrics := &trust.HeartbeatMetrics{
		CPUPercent:    req.CPUPercent,
		MemoryPercent: req.MemoryPercent,
		DiskPercent:   req.DiskPercent,
		Network:       req.Network,
		Security:      req.Security,
	}
	if newScore, newAction, err := s.trust.Update(r.Context(), node, hbMetrics); err != nil {
		s.logger.Error("trust update failed", "hostname", node.Hostname, "error", err)
	} else {
		score, action = newScore, newAction
	}
	riskLevel := node.RiskLevel
	if riskLevel == "" {
		riskLevel = "low"
	}

	resp := heartbeatResponse{
		Status:               "ok",
		ConfigChanged:        s.configChanged(r, req.ConfigVersion),
		CurrentConfigVersion: node.ConfigVersion,
		Message:              fmt.Sprintf("Heartbeat received from %s", node.Hostname),
		TrustScore:           score,
		RiskLevel:            riskLevel,
	}
	if action != trust.ActionNone {
		resp.ActionTaken = action
	}
	s.countHeartbeat("ok")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeatByHostname(w http.ResponseWriter, r *http.Request) {
	hostname := mux.Vars(r)["hostname"]
	node, err := s.nodes.ByHostname(r.Context(), hostname)
	if err != nil {
		s.countHeartbeat("unknown_node")
		writeError(w, http.StatusNotFound, fmt.Sprintf("Node '%s' not found", hostname), "NODE_NOT_FOUND")
		return
	}
	if err := s.nodes.Heartbeat(r.Context(), node, clientIP(r), ""); err != nil {
		s.logger.Warn("heartbeat update failed", "hostname", node.Hostname, "error", err)
	}
	s.countHeartbeat("ok")
	writeJSON(w, http.StatusOK, heartbeatResponse{
		Status:               "ok",
		ConfigChanged:        false,
		CurrentConfigVersion: node.ConfigVersion,
		Message:              fmt.Sprintf("Heartbeat received from %s", hostname),
	})
}

// configChanged compares the version the agent reports against the current
// global version. Agents that do not report a version never see a change
// signal; they rely on the config poll.
func (s *Server) configChanged(r *http.Request, reported int64) bool {
	if reported <= 0 {
		return false
	}
	current, err := s.store.ConfigVersion(r.Context())
	if err != nil {
		return false
	}
	return current != reported
}

func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	hostname := mux.Vars(r)["hostname"]
	node, err := s.nodes.ByHostname(r.Context(), hostname)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Node '%s' not found", hostname), "NODE_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) countHeartbeat(result string) {
	if s.metrics != nil {
		s.metrics.Heartbeats.WithLabelValues(result).Inc()
	}
}

func (s *Server) countConfigFetch(result string) {
	if s.metrics != nil {
		s.metrics.ConfigFetches.WithLabelValues(result).Inc()
	}
}
