// Command controlplane runs the overlay network controller: the agent,
// admin, and client-device HTTP APIs plus the trust and policy engines
// behind them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ztmesh/controlplane/internal/api"
	"github.com/ztmesh/controlplane/internal/audit"
	"github.com/ztmesh/controlplane/internal/clients"
	"github.com/ztmesh/controlplane/internal/config"
	"github.com/ztmesh/controlplane/internal/events"
	"github.com/ztmesh/controlplane/internal/ipam"
	"github.com/ztmesh/controlplane/internal/metrics"
	"github.com/ztmesh/controlplane/internal/nodes"
	"github.com/ztmesh/controlplane/internal/overlay"
	"github.com/ztmesh/controlplane/internal/policy"
	"github.com/ztmesh/controlplane/internal/store"
	"github.com/ztmesh/controlplane/internal/trust"
)

func main() {
	if err := run(); err != nil {
		slog.Error("controller exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	// A missing .env is fine; the environment may be set another way.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting control plane",
		"env", cfg.Server.Env,
		"overlay_network", cfg.Overlay.Network,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	bus, err := openBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	alloc, err := ipam.New(cfg.Overlay.Network, cfg.Overlay.Gateway)
	if err != nil {
		return err
	}

	var driver overlay.Driver
	if cfg.IsProduction() {
		driver = overlay.NewWG(cfg.Overlay.Interface, logger)
	} else {
		logger.Warn("non-production environment, overlay changes are recorded but not applied")
		driver = overlay.NewFake()
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	auditLog := audit.NewLogger(st, cfg.Audit.Enabled, logger)
	recorder := audit.NewRecorder(st, bus, logger)
	defer recorder.Stop()

	hub := policy.HubInfo{
		PublicKey:      cfg.Hub.PublicKey,
		Endpoint:       cfg.Hub.Endpoint,
		OverlayNetwork: cfg.Overlay.Network,
	}

	nodeMgr := nodes.NewManager(st, alloc, driver, bus, auditLog, m, nodes.ApprovalPolicy{
		AutoApproveAll:   cfg.Register.AutoApproveAll,
		AutoApproveRoles: cfg.Register.AutoApproveRoles,
	}, logger)
	deviceMgr := clients.NewManager(st, alloc, driver, bus, auditLog, m, clients.Settings{
		HubPublicKey:       cfg.Hub.PublicKey,
		HubEndpoint:        cfg.Hub.Endpoint,
		OverlayNetwork:     cfg.Overlay.Network,
		DNSServers:         cfg.Overlay.DNSServers,
		PoolStart:          cfg.Client.IPPoolStart,
		PoolEnd:            cfg.Client.IPPoolEnd,
		MaxDevicesPerUser:  cfg.Client.MaxDevicesPerUser,
		DefaultExpiresDays: cfg.Client.DefaultExpiresDays,
		RequireApproval:    cfg.Client.RequireAdminApproval,
	}, logger)

	reconcilePeers(ctx, driver, nodeMgr, deviceMgr, logger)

	srv := api.NewServer(api.Options{
		Nodes:          nodeMgr,
		Devices:        deviceMgr,
		Policy:         policy.NewEngine(st, hub, m, logger),
		Users:          policy.NewUsers(st, bus, logger),
		Trust:          trust.NewEngine(st, driver, bus, m, logger),
		Store:          st,
		Alloc:          alloc,
		Bus:            bus,
		Metrics:        m,
		Logger:         logger,
		AdminSecret:    cfg.Server.AdminSecret,
		Hub:            hub,
		DNSServers:     cfg.Overlay.DNSServers,
		SyncInterval:   cfg.Agent.ConfigSyncInterval,
		AgentRateLimit: cfg.Agent.RateLimitPerMinute,
	})

	root := http.NewServeMux()
	root.Handle("/metrics", promhttp.Handler())
	root.Handle("/", srv)

	return api.Serve(ctx, ":"+cfg.Server.Port, root, logger)
}

// reconcilePeers re-applies every active node and device to the hub
// interface so a controller restart does not leave the data plane stale.
func reconcilePeers(ctx context.Context, driver overlay.Driver, nodeMgr *nodes.Manager,
	deviceMgr *clients.Manager, logger *slog.Logger) {
	var peers []overlay.Peer
	nodePeers, err := nodeMgr.ActivePeers(ctx)
	if err != nil {
		logger.Error("listing node peers failed", "error", err)
	}
	peers = append(peers, nodePeers...)
	devicePeers, err := deviceMgr.ActivePeers(ctx)
	if err != nil {
		logger.Error("listing device peers failed", "error", err)
	}
	peers = append(peers, devicePeers...)

	for _, p := range peers {
		if err := driver.AddPeer(ctx, p.PublicKey, p.AllowedIPs); err != nil {
			logger.Warn("peer reconcile failed", "public_key", p.PublicKey, "error", err)
		}
	}
	if len(peers) > 0 {
		if err := driver.Save(ctx); err != nil {
			logger.Warn("saving interface config failed", "error", err)
		}
	}
	logger.Info("hub peers reconciled", "count", len(peers))
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, state is in-memory and lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	s, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	logger.Info("connected to postgres")
	return s, func() { s.Close() }, nil
}

func openBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (events.Bus, error) {
	if cfg.Redis.Addr == "" {
		return events.NewLocal(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("event bus backed by redis", "addr", cfg.Redis.Addr)
	return events.NewRedis(rdb, "ztmesh:events", logger), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
