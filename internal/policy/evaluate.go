package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/ztmesh/controlplane/internal/store"
)

// Conditions constrains when a user access policy matches. Time windows are
// evaluated in UTC.
type Conditions struct {
	// DeviceTypes limits the policy to these device types.
	DeviceTypes []string `json:"device_types,omitempty"`
	// TimeWindows: the policy matches while inside any window.
	TimeWindows []TimeWindow `json:"time_windows,omitempty"`
	// AllowedIPs limits the policy to requests from these addresses or CIDRs.
	AllowedIPs []string `json:"allowed_ips,omitempty"`
}

// TimeWindow is a recurring weekly window. Days use 0=Monday .. 6=Sunday;
// Start and End are "HH:MM", inclusive.
type TimeWindow struct {
	Days  []int  `json:"days,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// AccessRequest asks whether a user may reach a resource.
type AccessRequest struct {
	UserID        string `json:"user_id"`
	ResourceType  string `json:"resource_type"`
	ResourceValue string `json:"resource_value"`
	DeviceType    string `json:"device_type,omitempty"`
	ClientIP      string `json:"client_ip,omitempty"`
}

// AccessDecision is the evaluation result. MatchedPolicy is 0 when no
// policy matched and the default-deny answer applies.
type AccessDecision struct {
	Allowed       bool   `json:"allowed"`
	Action        string `json:"action"`
	MatchedPolicy int64  `json:"matched_policy,omitempty"`
	Reason        string `json:"reason"`
}

func deny(reason string) *AccessDecision {
	return &AccessDecision{Allowed: false, Action: "deny", Reason: reason}
}

// Evaluate walks the applicable policies in priority order and returns the
// first match; no match means deny.
func (u *Users) Evaluate(ctx context.Context, req *AccessRequest) (*AccessDecision, error) {
	user, err := u.store.UserByExternalID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return deny("User not found"), nil
		}
		return nil, err
	}
	if user.Status != "active" {
		return deny(fmt.Sprintf("User status is %s", user.Status)), nil
	}

	groups, err := u.store.GroupsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	groupIDs := make(map[int64]struct{}, len(groups))
	for _, g := range groups {
		groupIDs[g.ID] = struct{}{}
	}

	policies, err := u.store.ListUserPolicies(ctx, store.UserPolicyFilter{
		ResourceType: req.ResourceType,
		EnabledOnly:  true,
	})
	if err != nil {
		return nil, err
	}

	now := u.nowUTC()
	for _, p := range policies {
		if !p.ValidAt(now) {
			continue
		}
		if !appliesToUser(p, user.ID, groupIDs) {
			continue
		}
		if !resourceMatches(p.ResourceValue, req.ResourceValue) {
			continue
		}
		if len(p.Conditions) > 0 {
			cond, err := parseConditions(p.Conditions)
			if err != nil {
				u.logger.Warn("skipping policy with unparseable conditions",
					"policy_id", p.ID, "error", err)
				continue
			}
			if !cond.evaluate(req.DeviceType, req.ClientIP, now) {
				continue
			}
		}
		return &AccessDecision{
			Allowed:       p.Action == "allow" || p.Action == "require_mfa",
			Action:        p.Action,
			MatchedPolicy: p.ID,
			Reason:        "Matched policy: " + p.Name,
		}, nil
	}

	return deny("No matching policy found (default deny)"), nil
}

// resourceMatches supports exact match, glob patterns ("*.example.com"),
// and CIDR containment for IP resources.
func resourceMatches(pattern, resource string) bool {
	if strings.Contains(pattern, "/") {
		if _, network, err := net.ParseCIDR(pattern); err == nil {
			if ip := net.ParseIP(resource); ip != nil {
				return network.Contains(ip)
			}
		}
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(resource))
	return err == nil && ok
}

// evaluate checks the conditions in order. An in-window time match is an
// immediate pass; device or IP mismatch is an immediate fail.
func (c *Conditions) evaluate(deviceType, clientIP string, now time.Time) bool {
	if len(c.DeviceTypes) > 0 && deviceType != "" && !contains(c.DeviceTypes, deviceType) {
		return false
	}

	if len(c.TimeWindows) > 0 {
		// 0=Monday in the stored format.
		day := (int(now.Weekday()) + 6) % 7
		current := now.Format("15:04")
		for _, w := range c.TimeWindows {
			if len(w.Days) > 0 && !containsInt(w.Days, day) {
				continue
			}
			start := w.Start
			if start == "" {
				start = "00:00"
			}
			end := w.End
			if end == "" {
				end = "23:59"
			}
			if start <= current && current <= end {
				return true
			}
		}
		return false
	}

	if len(c.AllowedIPs) > 0 && clientIP != "" {
		ip := net.ParseIP(clientIP)
		for _, pattern := range c.AllowedIPs {
			if strings.Contains(pattern, "/") {
				if _, network, err := net.ParseCIDR(pattern); err == nil && ip != nil && network.Contains(ip) {
					return true
				}
			} else if pattern == clientIP {
				return true
			}
		}
		return false
	}

	return true
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
