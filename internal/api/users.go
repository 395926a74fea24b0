package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ztmesh/controlplane/internal/policy"
	"github.com/ztmesh/controlplane/internal/store"
)

type userCreate struct {
	UserID      string          `json:"user_id"`
	Email       string          `json:"email,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
	Department  string          `json:"department,omitempty"`
	JobTitle    string          `json:"job_title,omitempty"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", "VALIDATION_ERROR")
		return
	}
	user := &store.User{
		UserID:      req.UserID,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Department:  req.Department,
		JobTitle:    req.JobTitle,
		Attributes:  req.Attributes,
	}
	if err := s.users.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("User '%s' already exists", req.UserID), "USER_EXISTS")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing users failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": list, "total": len(list)})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var g store.Group
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		return
	}
	if g.Name == "" {
		writeError(w, http.StatusBadRequest, "group name is required", "VALIDATION_ERROR")
		return
	}
	if err := s.users.CreateGroup(r.Context(), &g); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("Group '%s' already exists", g.Name), "GROUP_EXISTS")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListGroups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing groups failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": list, "total": len(list)})
}

type memberAdd struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["name"]
	var req memberAdd
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		return
	}
	role := req.Role
	if role == "" {
		role = "member"
	}
	if err := s.users.AddUserToGroup(r.Context(), req.UserID, group, role); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user or group not found", "NOT_FOUND")
			return
		}
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "user is already a member", "MEMBER_EXISTS")
			return
		}
		writeError(w, http.StatusInternalServerError, "adding member failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": fmt.Sprintf("User %s added to group %s", req.UserID, group),
	})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.users.RemoveUserFromGroup(r.Context(), vars["user_id"], vars["name"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user or group not found", "NOT_FOUND")
			return
		}
		writeError(w, http.StatusInternalServerError, "removing member failed", "SERVER_ERROR")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type userPolicyCreate struct {
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	SubjectType   string          `json:"subject_type"`
	SubjectID     int64           `json:"subject_id,omitempty"`
	ResourceType  string          `json:"resource_type"`
	ResourceValue string          `json:"resource_value"`
	Action        string          `json:"action"`
	Conditions    json.RawMessage `json:"conditions,omitempty"`
	Priority      *int            `json:"priority"`
	ValidFrom     *time.Time      `json:"valid_from,omitempty"`
	ValidUntil    *time.Time      `json:"valid_until,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
}

func (s *Server) handleCreateUserPolicy(w http.ResponseWriter, r *http.Request) {
	var req userPolicyCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		return
	}
	p := &store.UserAccessPolicy{
		Name:          req.Name,
		Description:   req.Description,
		SubjectType:   req.SubjectType,
		SubjectID:     req.SubjectID,
		ResourceType:  req.ResourceType,
		ResourceValue: req.ResourceValue,
		Action:        req.Action,
		Conditions:    req.Conditions,
		CreatedBy:     req.CreatedBy,
	}
	if req.Priority != nil {
		p.Priority = *req.Priority
	}
	if req.ValidFrom != nil {
		p.ValidFrom = *req.ValidFrom
	}
	if req.ValidUntil != nil {
		p.ValidUntil = *req.ValidUntil
	}
	if err := s.users.CreatePolicy(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("Policy with name '%s' already exists", p.Name), "POLICY_EXISTS")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_POLICY")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListUserPolicies(w http.ResponseWriter, r *http.Request) {
	f := store.UserPolicyFilter{
		ResourceType: r.URL.Query().Get("resource_type"),
		EnabledOnly:  r.URL.Query().Get("enabled") == "true",
	}
	list, err := s.store.ListUserPolicies(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing policies failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list, "total": len(list)})
}

func (s *Server) handleDeleteUserPolicy(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.UserPolicyByID(r.Context(), pathID(r)); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Policy with id %d not found", pathID(r)), "POLICY_NOT_FOUND")
		return
	}
	if err := s.store.DeleteUserPolicy(r.Context(), pathID(r)); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting policy failed", "SERVER_ERROR")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvaluateAccess(w http.ResponseWriter, r *http.Request) {
	var req policy.AccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
		return
	}
	if req.UserID == "" || req.ResourceType == "" || req.ResourceValue == "" {
		writeError(w, http.StatusBadRequest,
			"user_id, resource_type and resource_value are required", "VALIDATION_ERROR")
		return
	}
	decision, err := s.users.Evaluate(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "evaluation failed", "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}
