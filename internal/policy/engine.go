// Package policy compiles role-based access policies into per-node firewall
// rules and WireGuard peer lists, and evaluates user-level access requests.
// The model is default deny: traffic is only permitted by an explicit rule.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ztmesh/controlplane/internal/metrics"
	"github.com/ztmesh/controlplane/internal/store"
)

// FirewallRule is one compiled rule delivered to an agent.
type FirewallRule struct {
	SrcIP   string `json:"src_ip"`
	Port    int    `json:"port"`
	Proto   string `json:"proto"`
	Action  string `json:"action"`
	Comment string `json:"comment,omitempty"`
}

// PeerConfig is one WireGuard peer entry delivered to an agent.
type PeerConfig struct {
	PublicKey           string `json:"public_key"`
	AllowedIPs          string `json:"allowed_ips"`
	Endpoint            string `json:"endpoint,omitempty"`
	PersistentKeepalive int    `json:"persistent_keepalive"`
}

// NodeConfig is the complete configuration an agent applies.
type NodeConfig struct {
	Peers         []PeerConfig   `json:"peers"`
	ACLRules      []FirewallRule `json:"acl_rules"`
	ConfigVersion int64          `json:"config_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// rolePolicy is the compiled form of an access policy row.
type rolePolicy struct {
	Src    string
	Dst    string
	Port   int
	Proto  string
	Action string
	Name   string
}

// defaultPolicies apply when the database holds no policies at all, so a
// fresh deployment is usable before any policy is written.
var defaultPolicies = []rolePolicy{
	{Src: "ops", Dst: "*", Port: 22, Proto: "tcp", Action: "ACCEPT"},
	{Src: "ops", Dst: "*", Port: 9100, Proto: "tcp", Action: "ACCEPT"},
	{Src: "app", Dst: "db", Port: 5432, Proto: "tcp", Action: "ACCEPT"},
	{Src: "*", Dst: "hub", Port: 51820, Proto: "udp", Action: "ACCEPT"},
}

// HubInfo is what spokes need to peer with the hub.
type HubInfo struct {
	PublicKey      string
	Endpoint       string
	OverlayNetwork string
}

const persistentKeepalive = 25

// Engine compiles configurations for nodes.
type Engine struct {
	store   store.Store
	hub     HubInfo
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine wires the policy engine. m may be nil in tests.
func NewEngine(s store.Store, hub HubInfo, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, hub: hub, metrics: m, logger: logger}
}

func (e *Engine) policies(ctx context.Context) ([]rolePolicy, error) {
	rows, err := e.store.ListPolicies(ctx, store.PolicyFilter{EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}
	if len(rows) == 0 {
		e.logger.Warn("no policies in store, using defaults")
		return defaultPolicies, nil
	}
	out := make([]rolePolicy, 0, len(rows))
	for _, p := range rows {
		out = append(out, rolePolicy{
			Src:    p.SrcRole,
			Dst:    p.DstRole,
			Port:   p.Port,
			Proto:  p.Protocol,
			Action: p.Action,
			Name:   p.Name,
		})
	}
	return out, nil
}

func (e *Engine) activeNodes(ctx context.Context) ([]*store.Node, error) {
	nodes, err := e.store.ListNodes(ctx, store.NodeFilter{Status: store.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("loading active nodes: %w", err)
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.OverlayIP != "" {
			out = append(out, n)
		}
	}
	return out, nil
}

func hostOf(cidr string) string {
	if i := strings.IndexByte(cidr, '/'); i >= 0 {
		return cidr[:i]
	}
	return cidr
}

// ACLForNode compiles the inbound rules for target: for every enabled policy
// whose destination matches the target's role, one rule per active source
// node whose role matches the policy source.
func (e *Engine) ACLForNode(ctx context.Context, target *store.Node) ([]FirewallRule, error) {
	policies, err := e.policies(ctx)
	if err != nil {
		return nil, err
	}
	active, err := e.activeNodes(ctx)
	if err != nil {
		return nil, err
	}

	var rules []FirewallRule
	for _, p := range policies {
		if p.Dst != target.Role && p.Dst != "*" {
			continue
		}
		for _, src := range active {
			if src.ID == target.ID {
				continue
			}
			if p.Src != src.Role && p.Src != "*" {
				continue
			}
			comment := p.Name
			if comment == "" {
				comment = fmt.Sprintf("%s->%s", src.Role, target.Role)
			}
			rules = append(rules, FirewallRule{
				SrcIP:   hostOf(src.OverlayIP),
				Port:    p.Port,
				Proto:   p.Proto,
				Action:  p.Action,
				Comment: comment,
			})
		}
	}
	if e.metrics != nil {
		e.metrics.PolicyCompiles.Inc()
	}
	return rules, nil
}

// PeersForNode builds the WireGuard peer list. Spokes get exactly one peer,
// the hub, routing the whole overlay; the hub gets a /32 peer per spoke.
func (e *Engine) PeersForNode(ctx context.Context, target *store.Node) ([]PeerConfig, error) {
	if target.Role != "hub" {
		return []PeerConfig{{
			PublicKey:           e.hub.PublicKey,
			AllowedIPs:          e.hub.OverlayNetwork,
			Endpoint:            e.hub.Endpoint,
			PersistentKeepalive: persistentKeepalive,
		}}, nil
	}

	active, err := e.activeNodes(ctx)
	if err != nil {
		return nil, err
	}
	var peers []PeerConfig
	for _, n := range active {
		if n.ID == target.ID {
			continue
		}
		peer := PeerConfig{
			PublicKey:           n.PublicKey,
			AllowedIPs:          hostOf(n.OverlayIP) + "/32",
			PersistentKeepalive: persistentKeepalive,
		}
		if n.RealIP != "" {
			peer.Endpoint = fmt.Sprintf("%s:%d", n.RealIP, n.ListenPort)
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// BuildConfig assembles the full agent configuration for a node.
func (e *Engine) BuildConfig(ctx context.Context, node *store.Node) (*NodeConfig, error) {
	peers, err := e.PeersForNode(ctx, node)
	if err != nil {
		return nil, err
	}
	rules, err := e.ACLForNode(ctx, node)
	if err != nil {
		return nil, err
	}
	version, err := e.store.ConfigVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading config version: %w", err)
	}
	if rules == nil {
		rules = []FirewallRule{}
	}
	return &NodeConfig{
		Peers:         peers,
		ACLRules:      rules,
		ConfigVersion: version,
		GeneratedAt:   time.Now().UTC(),
	}, nil
}

// ValidRoles are the roles a policy may name; "*" matches any role.
var ValidRoles = []string{"hub", "app", "db", "ops", "monitor", "gateway", "*"}

var validProtocols = []string{"tcp", "udp", "icmp", "any"}

// ValidatePolicy rejects policies that could never compile into a usable
// rule.
func ValidatePolicy(p *store.AccessPolicy) error {
	if !contains(ValidRoles, p.SrcRole) {
		return fmt.Errorf("invalid src_role %q, must be one of %v", p.SrcRole, ValidRoles)
	}
	if !contains(ValidRoles, p.DstRole) {
		return fmt.Errorf("invalid dst_role %q, must be one of %v", p.DstRole, ValidRoles)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if !contains(validProtocols, p.Protocol) {
		return fmt.Errorf("invalid protocol %q, must be one of %v", p.Protocol, validProtocols)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
