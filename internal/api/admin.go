package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ztmesh/controlplane/internal/events"
	"github.com/ztmesh/controlplane/internal/policy"
	"github.com/ztmesh/controlplane/internal/store"
)

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

// adminID names the acting administrator in audit entries. The token scheme
// has a single shared secret, so there is exactly one admin identity.
const adminID = "admin"

// Nodes

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	f := store.NodeFilter{
		Status: store.NodeStatus(r.URL.Query().Get("status")),
		Role:   r.URL.Query().Get("role"),
	}
	list, err := s.nodes.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing nodes failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": list, "total": len(list)})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.nodes.ByID(r.Context(), pathID(r))
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Node with id %d not found", pathID(r)), "NODE_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

type nodePatch struct {
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Role        *string `json:"role"`
}

func (s *Server) handlePatchNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.nodes.ByID(r.Context(), pathID(r))
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Node with id %d not found", pathID(r)), "NODE_NOT_FOUND")
		return
	}
	var patch nodePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		return
	}
	if patch.Description != nil {
		node.Description = *patch.Description
	}
	if patch.Status != nil {
		node.Status = store.NodeStatus(*patch.Status)
		node.IsApproved = node.Status == store.StatusActive
	}
	if patch.Role != nil {
		node.Role = *patch.Role
	}
	if err := s.nodes.Update(r.Context(), node); err != nil {
		writeError(w, http.StatusInternalServerError, "updating node failed", "SERVER_ERROR")
		return
	}
	s.logger.Info("node updated", "hostname", node.Hostname)
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) nodeTransition(w http.ResponseWriter, r *http.Request,
	op func(r *http.Request, id int64) (*store.Node, error), verb string) {
	node, err := op(r, pathID(r))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Node with id %d not found", pathID(r)), "NODE_NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, verb+" failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Node %s %s", node.Hostname, verb),
		"data":    node,
	})
}

func (s *Server) handleApproveNode(w http.ResponseWriter, r *http.Request) {
	s.nodeTransition(w, r, func(r *http.Request, id int64) (*store.Node, error) {
		return s.nodes.Approve(r.Context(), id, adminID)
	}, "approved")
}

func (s *Server) handleSuspendNode(w http.ResponseWriter, r *http.Request) {
	s.nodeTransition(w, r, func(r *http.Request, id int64) (*store.Node, error) {
		return s.nodes.Suspend(r.Context(), id, adminID)
	}, "suspended")
}

func (s *Server) handleRevokeNode(w http.ResponseWriter, r *http.Request) {
	s.nodeTransition(w, r, func(r *http.Request, id int64) (*store.Node, error) {
		return s.nodes.Revoke(r.Context(), id, adminID)
	}, "revoked")
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	err := s.nodes.Delete(r.Context(), pathID(r), adminID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Node with id %d not found", pathID(r)), "NODE_NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "deleting node failed", "SERVER_ERROR")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrustTrend(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	if _, err := s.nodes.ByID(r.Context(), pathID(r)); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Node with id %d not found", pathID(r)), "NODE_NOT_FOUND")
		return
	}
	trend, err := s.trust.Trend(r.Context(), pathID(r), hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trend query failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

// Policies

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	f := store.PolicyFilter{EnabledOnly: r.URL.Query().Get("enabled") == "true"}
	list, err := s.store.ListPolicies(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing policies failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list, "total": len(list)})
}

type policyCreate struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SrcRole     string `json:"src_role"`
	DstRole     string `json:"dst_role"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	Action      string `json:"action"`
	Priority    *int   `json:"priority"`
	Enabled     *bool  `json:"enabled"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		return
	}
	p := &store.AccessPolicy{
		Name:        req.Name,
		Description: req.Description,
		SrcRole:     req.SrcRole,
		DstRole:     req.DstRole,
		Port:        req.Port,
		Protocol:    req.Protocol,
		Action:      req.Action,
		Priority:    100,
		Enabled:     true,
	}
	if p.Action == "" {
		p.Action = "ACCEPT"
	}
	if req.Priority != nil {
		p.Priority = *req.Priority
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if p.Name == "" {
		writeError(w, http.StatusBadRequest, "policy name is required", "INVALID_POLICY")
		return
	}
	if err := policy.ValidatePolicy(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_POLICY")
		return
	}
	if _, err := s.store.PolicyByName(r.Context(), p.Name); err == nil {
		writeError(w, http.StatusConflict,
			fmt.Sprintf("Policy with name '%s' already exists", p.Name), "POLICY_EXISTS")
		return
	}
	if err := s.store.CreatePolicy(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("Policy with name '%s' already exists", p.Name), "POLICY_EXISTS")
			return
		}
		writeError(w, http.StatusInternalServerError, "creating policy failed", "SERVER_ERROR")
		return
	}
	s.policyMutated(r, "create", p.Name)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.PolicyByID(r.Context(), pathID(r))
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Policy with id %d not found", pathID(r)), "POLICY_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type policyPatch struct {
	Description *string `json:"description"`
	SrcRole     *string `json:"src_role"`
	DstRole     *string `json:"dst_role"`
	Port        *int    `json:"port"`
	Protocol    *string `json:"protocol"`
	Action      *string `json:"action"`
	Priority    *int    `json:"priority"`
	Enabled     *bool   `json:"enabled"`
}

func (s *Server) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.PolicyByID(r.Context(), pathID(r))
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Policy with id %d not found", pathID(r)), "POLICY_NOT_FOUND")
		return
	}
	var patch policyPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		return
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.SrcRole != nil {
		p.SrcRole = *patch.SrcRole
	}
	if patch.DstRole != nil {
		p.DstRole = *patch.DstRole
	}
	if patch.Port != nil {
		p.Port = *patch.Port
	}
	if patch.Protocol != nil {
		p.Protocol = *patch.Protocol
	}
	if patch.Action != nil {
		p.Action = *patch.Action
	}
	if patch.Priority != nil {
		p.Priority = *patch.Priority
	}
	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	if err := policy.ValidatePolicy(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_POLICY")
		return
	}
	if err := s.store.UpdatePolicy(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "updating policy failed", "SERVER_ERROR")
		return
	}
	s.policyMutated(r, "update", p.Name)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.PolicyByID(r.Context(), pathID(r))
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Policy with id %d not found", pathID(r)), "POLICY_NOT_FOUND")
		return
	}
	if err := s.store.DeletePolicy(r.Context(), p.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting policy failed", "SERVER_ERROR")
		return
	}
	s.policyMutated(r, "delete", p.Name)
	w.WriteHeader(http.StatusNoContent)
}

// policyMutated is the shared tail of every policy write: bump the global
// config version so agents resync, then record the mutation.
func (s *Server) policyMutated(r *http.Request, op, name string) {
	version, err := s.store.BumpConfigVersion(r.Context())
	if err != nil {
		s.logger.Error("config version bump failed", "error", err)
	}
	if s.metrics != nil {
		s.metrics.PolicyMutations.WithLabelValues(op).Inc()
		if err == nil {
			s.metrics.ConfigVersion.Set(float64(version))
		}
	}
	if s.bus != nil {
		s.bus.Publish(r.Context(), events.New(events.TypePolicyChanged, "policy", name, map[string]any{
			"op":             op,
			"config_version": version,
		}))
	}
	s.logger.Info("policy mutated", "op", op, "name", name, "config_version", version)
}

// Network

func (s *Server) handleNetworkStats(w http.ResponseWriter, r *http.Request) {
	used, err := s.store.UsedOverlayIPs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading allocations failed", "SERVER_ERROR")
		return
	}
	stats := s.alloc.Stats(used)
	if s.metrics != nil {
		s.metrics.PoolUtilization.Set(stats.Utilization)
		s.metrics.PoolAvailable.Set(float64(stats.Available))
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	type allocation struct {
		IP       string `json:"ip"`
		Hostname string `json:"hostname"`
	}
	var out []allocation

	nodeList, err := s.nodes.List(r.Context(), store.NodeFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing nodes failed", "SERVER_ERROR")
		return
	}
	for _, n := range nodeList {
		if n.OverlayIP != "" {
			out = append(out, allocation{IP: n.OverlayIP, Hostname: n.Hostname})
		}
	}
	deviceList, err := s.devices.List(r.Context(), store.DeviceFilter{IncludeExpired: true})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing devices failed", "SERVER_ERROR")
		return
	}
	for _, d := range deviceList {
		if d.OverlayIP != "" {
			out = append(out, allocation{IP: d.OverlayIP, Hostname: d.DeviceName})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"allocations": out, "total": len(out)})
}

// Audit

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	list, err := s.store.ListAudit(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing audit entries failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": list, "total": len(list)})
}
