// Package agent is a small client for the control plane's agent API. Node
// agents and the bundled simulator use it to enroll, heartbeat, and pull
// their overlay configuration.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config identifies the node this client speaks for.
type Config struct {
	// BaseURL of the control plane, e.g. "http://controller:8000".
	BaseURL      string
	Hostname     string
	Role         string
	PublicKey    string
	AgentVersion string
	OSInfo       string

	// HTTPClient overrides the default client (10s timeout) when set.
	HTTPClient *http.Client
}

// Client talks to the agent API.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// RegisterResult is the controller's answer to an enrollment.
type RegisterResult struct {
	NodeID       int64    `json:"node_id"`
	Hostname     string   `json:"hostname"`
	Status       string   `json:"status"`
	OverlayIP    string   `json:"overlay_ip"`
	HubPublicKey string   `json:"hub_public_key"`
	HubEndpoint  string   `json:"hub_endpoint"`
	DNSServers   []string `json:"dns_servers"`
	AllowedIPs   string   `json:"allowed_ips"`
	Message      string   `json:"message"`
}

// Register enrolls the node. Re-registering with the same key is safe and
// returns the existing assignment.
func (c *Client) Register(ctx context.Context) (*RegisterResult, error) {
	var out RegisterResult
	err := c.post(ctx, "/api/v1/agent/register", map[string]any{
		"hostname":      c.cfg.Hostname,
		"role":          c.cfg.Role,
		"public_key":    c.cfg.PublicKey,
		"agent_version": c.cfg.AgentVersion,
		"os_info":       c.cfg.OSInfo,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", c.cfg.Hostname, err)
	}
	return &out, nil
}

// Telemetry is the optional system snapshot sent with a heartbeat.
type Telemetry struct {
	ConfigVersion int64   `json:"config_version,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	DiskPercent   float64 `json:"disk_percent,omitempty"`
}

// HeartbeatResult carries the trust verdict and the resync hint.
type HeartbeatResult struct {
	Status               string  `json:"status"`
	ConfigChanged        bool    `json:"config_changed"`
	CurrentConfigVersion int64   `json:"current_config_version"`
	TrustScore           float64 `json:"trust_score"`
	RiskLevel            string  `json:"risk_level"`
	ActionTaken          string  `json:"action_taken"`
}

// Heartbeat reports liveness and telemetry. A nil telemetry sends an empty
// snapshot, which scores as fully healthy.
func (c *Client) Heartbeat(ctx context.Context, t *Telemetry) (*HeartbeatResult, error) {
	body := map[string]any{
		"public_key":    c.cfg.PublicKey,
		"agent_version": c.cfg.AgentVersion,
	}
	if t != nil {
		if t.ConfigVersion > 0 {
			body["config_version"] = t.ConfigVersion
		}
		body["cpu_percent"] = t.CPUPercent
		body["memory_percent"] = t.MemoryPercent
		body["disk_percent"] = t.DiskPercent
	}
	var out HeartbeatResult
	if err := c.post(ctx, "/api/v1/agent/heartbeat", body, &out); err != nil {
		return nil, fmt.Errorf("heartbeat for %s: %w", c.cfg.Hostname, err)
	}
	return &out, nil
}

// NodeConfig is the compiled overlay configuration for this node.
type NodeConfig struct {
	NodeID          int64            `json:"node_id"`
	Hostname        string           `json:"hostname"`
	Role            string           `json:"role"`
	OverlayIP       string           `json:"overlay_ip"`
	HubPublicKey    string           `json:"hub_public_key"`
	HubEndpoint     string           `json:"hub_endpoint"`
	Peers           []map[string]any `json:"peers"`
	ACLRules        []map[string]any `json:"acl_rules"`
	ConfigVersion   int64            `json:"config_version"`
	NextSyncSeconds int              `json:"next_sync_seconds"`
}

// FetchConfig pulls the current peer list and ACL for this node.
func (c *Client) FetchConfig(ctx context.Context) (*NodeConfig, error) {
	u := c.cfg.BaseURL + "/api/v1/agent/config?public_key=" + url.QueryEscape(c.cfg.PublicKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var out NodeConfig
	if err := c.send(req, &out); err != nil {
		return nil, fmt.Errorf("fetching config for %s: %w", c.cfg.Hostname, err)
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error     string `json:"error"`
			ErrorCode string `json:"error_code"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.ErrorCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
