// Package trust recomputes per-node trust scores on every heartbeat and
// enforces the score thresholds, following the dynamic trust model of
// NIST SP 800-207.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ztmesh/controlplane/internal/events"
	"github.com/ztmesh/controlplane/internal/metrics"
	"github.com/ztmesh/controlplane/internal/overlay"
	"github.com/ztmesh/controlplane/internal/store"
)

// Score thresholds. A node's score decides its access tier:
// >= 0.8 full access, >= 0.6 monitored, >= 0.4 rate limited,
// >= 0.2 suspended, below that revoked.
const (
	ThresholdFullAccess = 0.8
	ThresholdNormal     = 0.6
	ThresholdLimited    = 0.4
	ThresholdSuspend    = 0.2

	// A drop steeper than this in a single update escalates immediately,
	// whatever the absolute score.
	criticalDrop = 0.3
)

// Component weights. They sum to 1.
const (
	weightRole         = 0.4
	weightDeviceHealth = 0.3
	weightBehavior     = 0.2
	weightSecurity     = 0.1
)

// roleBaseScores is the inherent trust of each role.
var roleBaseScores = map[string]float64{
	"hub":     1.0,
	"ops":     0.9,
	"monitor": 0.85,
	"app":     0.8,
	"db":      0.75,
	"gateway": 0.7,
}

const roleBaseDefault = 0.5

// Actions ordered by severity.
const (
	ActionNone      = "none"
	ActionWarning   = "warning"
	ActionRateLimit = "rate_limit"
	ActionSuspend   = "suspend"
	ActionRevoke    = "revoke"
)

// HeartbeatMetrics is the telemetry an agent reports with each heartbeat.
type HeartbeatMetrics struct {
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryPercent float64       `json:"memory_percent"`
	DiskPercent   float64       `json:"disk_percent"`
	Network       NetworkStats  `json:"network_stats"`
	Security      SecurityStats `json:"security_events"`
}

type NetworkStats struct {
	Connections ConnectionStats `json:"connections"`
}

type ConnectionStats struct {
	Total    int `json:"total"`
	TimeWait int `json:"time_wait"`
}

type SecurityStats struct {
	Summary SecuritySummary `json:"summary"`
}

type SecuritySummary struct {
	RiskLevel   string   `json:"risk_level"`
	RiskFactors []string `json:"risk_factors"`
}

func (m *HeartbeatMetrics) riskLevel() string {
	if m.Security.Summary.RiskLevel == "" {
		return "low"
	}
	return m.Security.Summary.RiskLevel
}

// Factors is the per-component breakdown stored alongside the total.
type Factors struct {
	RoleScore         float64  `json:"role_score"`
	DeviceHealthScore float64  `json:"device_health_score"`
	BehaviorScore     float64  `json:"behavior_score"`
	SecurityScore     float64  `json:"security_score"`
	TotalScore        float64  `json:"total_score"`
	RiskLevel         string   `json:"risk_level"`
	RiskFactors       []string `json:"risk_factors"`
}

// Engine scores nodes and executes enforcement actions.
type Engine struct {
	store   store.Store
	driver  overlay.Driver
	bus     events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine wires the trust engine. bus and m may be nil in tests.
func NewEngine(s store.Store, d overlay.Driver, bus events.Bus, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, driver: d, bus: bus, metrics: m, logger: logger, now: time.Now}
}

// Score computes the weighted trust score without side effects.
func (e *Engine) Score(node *store.Node, m *HeartbeatMetrics) (float64, Factors) {
	f := Factors{
		RoleScore:         roleBase(node.Role),
		DeviceHealthScore: deviceHealth(m),
		BehaviorScore:     behavior(node, m, e.now()),
		SecurityScore:     security(m),
		RiskLevel:         m.riskLevel(),
		RiskFactors:       m.Security.Summary.RiskFactors,
	}
	total := f.RoleScore*weightRole +
		f.DeviceHealthScore*weightDeviceHealth +
		f.BehaviorScore*weightBehavior +
		f.SecurityScore*weightSecurity
	f.TotalScore = clamp(total)
	return f.TotalScore, f
}

func roleBase(role string) float64 {
	if s, ok := roleBaseScores[role]; ok {
		return s
	}
	return roleBaseDefault
}

// deviceHealth penalizes resource saturation; a pegged CPU or full disk is
// treated as a possible compromise signal.
func deviceHealth(m *HeartbeatMetrics) float64 {
	score := 1.0
	switch {
	case m.CPUPercent > 95:
		score -= 0.4
	case m.CPUPercent > 85:
		score -= 0.2
	case m.CPUPercent > 70:
		score -= 0.1
	}
	switch {
	case m.MemoryPercent > 95:
		score -= 0.3
	case m.MemoryPercent > 85:
		score -= 0.15
	case m.MemoryPercent > 75:
		score -= 0.05
	}
	switch {
	case m.DiskPercent > 95:
		score -= 0.3
	case m.DiskPercent > 90:
		score -= 0.15
	}
	return clampLow(score)
}

func behavior(node *store.Node, m *HeartbeatMetrics, now time.Time) float64 {
	score := 1.0
	if !node.LastSeen.IsZero() {
		gap := now.Sub(node.LastSeen)
		switch {
		case gap > 5*time.Minute:
			score -= 0.2
		case gap > 3*time.Minute:
			score -= 0.1
		}
	}
	switch total := m.Network.Connections.Total; {
	case total > 500:
		score -= 0.3
	case total > 200:
		score -= 0.1
	}
	switch tw := m.Network.Connections.TimeWait; {
	case tw > 100:
		score -= 0.2
	case tw > 50:
		score -= 0.1
	}
	return clampLow(score)
}

var securityFactorPenalties = map[string]float64{
	"ssh_brute_force":          0.4,
	"ssh_failed_logins":        0.15,
	"port_scan":                0.3,
	"high_blocked_connections": 0.2,
	"wireguard_failures":       0.25,
	"suspicious_processes":     0.5,
	"high_cpu_usage":           0.1,
}

func security(m *HeartbeatMetrics) float64 {
	score := 1.0
	switch m.riskLevel() {
	case "critical":
		score -= 0.8
	case "high":
		score -= 0.5
	case "medium":
		score -= 0.3
	}
	for _, factor := range m.Security.Summary.RiskFactors {
		if p, ok := securityFactorPenalties[factor]; ok {
			score -= p
		}
	}
	return clampLow(score)
}

func clamp(v float64) float64    { return max(0, min(1, v)) }
func clampLow(v float64) float64 { return max(0, v) }

// determineAction maps (previous, new) scores to an enforcement action.
func determineAction(previous, new float64) string {
	if previous-new > criticalDrop {
		if new < ThresholdSuspend {
			return ActionRevoke
		}
		return ActionSuspend
	}
	switch {
	case new < ThresholdSuspend:
		return ActionRevoke
	case new < ThresholdLimited:
		return ActionSuspend
	case new < ThresholdNormal:
		return ActionRateLimit
	case new < ThresholdFullAccess:
		return ActionWarning
	}
	return ActionNone
}

// Update recomputes the node's score from heartbeat metrics, persists the
// node and a history row, and enforces the resulting action. The node is
// mutated in place; the caller must have already refreshed last_seen fields
// it wants reflected in the behavior component.
func (e *Engine) Update(ctx context.Context, node *store.Node, m *HeartbeatMetrics) (float64, string, error) {
	previous := node.TrustScore
	if previous == 0 && node.LastTrustUpdate.IsZero() {
		previous = 1.0
	}

	newScore, factors := e.Score(node, m)
	action := determineAction(previous, newScore)

	factorsJSON, err := json.Marshal(factors)
	if err != nil {
		return 0, "", fmt.Errorf("marshaling trust factors: %w", err)
	}
	node.TrustScore = newScore
	node.TrustFactors = factorsJSON
	node.RiskLevel = factors.RiskLevel
	node.LastTrustUpdate = e.now().UTC()

	statusChanged := e.applyAction(ctx, node, action)

	if err := e.store.UpdateNode(ctx, node); err != nil {
		return 0, "", fmt.Errorf("persisting trust update for %s: %w", node.Hostname, err)
	}

	e.recordHistory(ctx, node, newScore, previous, factors, m, action)

	if e.metrics != nil {
		e.metrics.NodeTrustScore.WithLabelValues(node.Hostname).Set(newScore)
		e.metrics.TrustActions.WithLabelValues(action).Inc()
	}
	if e.bus != nil {
		e.bus.Publish(ctx, events.New(events.TypeTrustChanged, "trust", node.Hostname, map[string]any{
			"node_id":        node.ID,
			"previous_score": previous,
			"trust_score":    newScore,
			"risk_level":     factors.RiskLevel,
			"action":         action,
		}))
		if statusChanged {
			eventType := events.TypeNodeSuspended
			if action == ActionRevoke {
				eventType = events.TypeNodeRevoked
			}
			e.bus.Publish(ctx, events.New(eventType, "trust", node.Hostname, map[string]any{
				"node_id": node.ID,
				"reason":  "trust_score",
			}))
		}
	}

	e.logger.Info("trust updated",
		"hostname", node.Hostname,
		"previous", fmt.Sprintf("%.2f", previous),
		"score", fmt.Sprintf("%.2f", newScore),
		"risk", factors.RiskLevel,
		"action", action)

	return newScore, action, nil
}

// applyAction mutates node.Status for suspend/revoke and removes the peer
// from the hub. Returns true when the status actually changed.
func (e *Engine) applyAction(ctx context.Context, node *store.Node, action string) bool {
	// Revoked is final. A revoked node that keeps reporting still gets its
	// scores recorded, but never moves back to a lesser state.
	if node.Status == store.StatusRevoked {
		return false
	}
	switch action {
	case ActionSuspend:
		if node.Status == store.StatusSuspended {
			return false
		}
		node.Status = store.StatusSuspended
	case ActionRevoke:
		if node.Status == store.StatusRevoked {
			return false
		}
		node.Status = store.StatusRevoked
		node.IsApproved = false
	default:
		// rate_limit and below only record; the ACL stays intact.
		return false
	}
	if e.driver != nil {
		if err := e.driver.RemovePeer(ctx, node.PublicKey); err != nil {
			e.logger.Error("peer removal failed", "hostname", node.Hostname, "error", err)
		}
	}
	return true
}

func (e *Engine) recordHistory(ctx context.Context, node *store.Node, newScore, previous float64, factors Factors, m *HeartbeatMetrics, action string) {
	riskFactors, _ := json.Marshal(factors.RiskFactors)
	snapshot, _ := json.Marshal(map[string]any{
		"cpu":              m.CPUPercent,
		"memory":           m.MemoryPercent,
		"disk":             m.DiskPercent,
		"security_summary": m.Security.Summary,
	})
	h := &store.TrustHistory{
		NodeID:            node.ID,
		Hostname:          node.Hostname,
		TrustScore:        newScore,
		PreviousScore:     previous,
		RiskLevel:         factors.RiskLevel,
		RiskFactors:       riskFactors,
		DeviceHealthScore: factors.DeviceHealthScore,
		SecurityScore:     factors.SecurityScore,
		BehaviorScore:     factors.BehaviorScore,
		RoleScore:         factors.RoleScore,
		MetricsSnapshot:   snapshot,
		ActionTaken:       action,
	}
	if err := e.store.AppendTrustHistory(ctx, h); err != nil {
		e.logger.Warn("trust history write failed", "hostname", node.Hostname, "error", err)
	}
}
