// Package config loads controller settings from the environment, with an
// optional YAML overlay for deployments that prefer a config file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config holds every knob the control plane recognizes.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Hub      HubConfig      `yaml:"hub"`
	Register RegisterConfig `yaml:"registration"`
	Client   ClientConfig   `yaml:"clients"`
	Agent    AgentConfig    `yaml:"agent"`
	Audit    AuditConfig    `yaml:"audit"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	Env         string `yaml:"env"`
	AdminSecret string `yaml:"admin_secret"`
	LogLevel    string `yaml:"log_level"`
}

type DatabaseConfig struct {
	// URL is a Postgres DSN. Empty selects the in-memory store (dev/test).
	URL string `yaml:"url"`
}

type RedisConfig struct {
	// Addr enables the Redis-backed event bus when non-empty.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type OverlayConfig struct {
	Network    string   `yaml:"network"`
	Gateway    string   `yaml:"gateway"`
	DNSServers []string `yaml:"dns_servers"`
	Interface  string   `yaml:"interface"`
}

type HubConfig struct {
	PublicKey  string `yaml:"public_key"`
	Endpoint   string `yaml:"endpoint"`
	ListenPort int    `yaml:"listen_port"`
}

type RegisterConfig struct {
	AutoApproveAll   bool     `yaml:"auto_approve_all"`
	AutoApproveRoles []string `yaml:"auto_approve_roles"`
}

type ClientConfig struct {
	IPPoolStart          int  `yaml:"ip_pool_start"`
	IPPoolEnd            int  `yaml:"ip_pool_end"`
	MaxDevicesPerUser    int  `yaml:"max_devices_per_user"`
	DefaultExpiresDays   int  `yaml:"default_expires_days"`
	RequireAdminApproval bool `yaml:"require_admin_approval"`
}

type AgentConfig struct {
	HeartbeatInterval  int `yaml:"heartbeat_interval"`
	ConfigSyncInterval int `yaml:"config_sync_interval"`
	NodeTimeoutMinutes int `yaml:"node_timeout_minutes"`
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults mirrors the values a bare deployment starts with.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8000",
			Env:         "development",
			AdminSecret: "change-me-admin-secret",
			LogLevel:    "info",
		},
		Overlay: OverlayConfig{
			Network:    "10.0.0.0/24",
			Gateway:    "10.0.0.1",
			DNSServers: []string{"10.0.0.1", "1.1.1.1"},
			Interface:  "wg0",
		},
		Hub: HubConfig{
			PublicKey:  "REPLACE_WITH_HUB_PUBLIC_KEY",
			Endpoint:   "hub.example.com:51820",
			ListenPort: 51820,
		},
		Register: RegisterConfig{
			AutoApproveAll:   true,
			AutoApproveRoles: []string{"ops", "hub"},
		},
		Client: ClientConfig{
			IPPoolStart:        100,
			IPPoolEnd:          250,
			MaxDevicesPerUser:  5,
			DefaultExpiresDays: 90,
		},
		Agent: AgentConfig{
			HeartbeatInterval:  30,
			ConfigSyncInterval: 60,
			NodeTimeoutMinutes: 5,
			RateLimitPerMinute: 120,
		},
		Audit: AuditConfig{Enabled: true},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// finally environment variables (highest precedence).
func Load(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		f, err := os.Open(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("opening config file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "API_PORT")
	setString(&c.Server.Env, "ENV")
	setString(&c.Server.AdminSecret, "ADMIN_SECRET")
	setString(&c.Server.LogLevel, "LOG_LEVEL")

	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setString(&c.Overlay.Network, "OVERLAY_NETWORK")
	setString(&c.Overlay.Gateway, "OVERLAY_GATEWAY")
	setStrings(&c.Overlay.DNSServers, "DNS_SERVERS")
	setString(&c.Overlay.Interface, "WG_INTERFACE")

	setString(&c.Hub.PublicKey, "HUB_PUBLIC_KEY")
	setString(&c.Hub.Endpoint, "HUB_ENDPOINT")
	setInt(&c.Hub.ListenPort, "HUB_LISTEN_PORT")

	setBool(&c.Register.AutoApproveAll, "AUTO_APPROVE_ALL")
	setStrings(&c.Register.AutoApproveRoles, "AUTO_APPROVE_ROLES")

	setInt(&c.Client.IPPoolStart, "CLIENT_IP_POOL_START")
	setInt(&c.Client.IPPoolEnd, "CLIENT_IP_POOL_END")
	setInt(&c.Client.MaxDevicesPerUser, "CLIENT_MAX_DEVICES_PER_USER")
	setInt(&c.Client.DefaultExpiresDays, "CLIENT_DEFAULT_EXPIRES_DAYS")
	setBool(&c.Client.RequireAdminApproval, "CLIENT_REQUIRE_ADMIN_APPROVAL")

	setInt(&c.Agent.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	setInt(&c.Agent.ConfigSyncInterval, "CONFIG_SYNC_INTERVAL")
	setInt(&c.Agent.NodeTimeoutMinutes, "NODE_TIMEOUT_MINUTES")
	setInt(&c.Agent.RateLimitPerMinute, "AGENT_RATE_LIMIT_PER_MINUTE")

	setBool(&c.Audit.Enabled, "ENABLE_AUDIT_LOG")
}

// Validate rejects configurations the controller cannot start with.
func (c *Config) Validate() error {
	if _, _, err := net.ParseCIDR(c.Overlay.Network); err != nil {
		return fmt.Errorf("OVERLAY_NETWORK %q is not a valid CIDR: %w", c.Overlay.Network, err)
	}
	if net.ParseIP(c.Overlay.Gateway) == nil {
		return fmt.Errorf("OVERLAY_GATEWAY %q is not a valid IP", c.Overlay.Gateway)
	}
	if c.Client.IPPoolStart < 2 || c.Client.IPPoolEnd > 254 || c.Client.IPPoolStart > c.Client.IPPoolEnd {
		return fmt.Errorf("client IP pool [%d, %d] is out of range", c.Client.IPPoolStart, c.Client.IPPoolEnd)
	}
	return nil
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
