// Package api is the HTTP surface of the control plane: the agent API
// (register, config, heartbeat), the admin API (nodes, policies, users,
// network, audit), and the client device API (create, config download).
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ztmesh/controlplane/internal/clients"
	"github.com/ztmesh/controlplane/internal/events"
	"github.com/ztmesh/controlplane/internal/ipam"
	"github.com/ztmesh/controlplane/internal/metrics"
	"github.com/ztmesh/controlplane/internal/nodes"
	"github.com/ztmesh/controlplane/internal/policy"
	"github.com/ztmesh/controlplane/internal/store"
	"github.com/ztmesh/controlplane/internal/trust"
)

// Options carries everything the server needs. Metrics and Bus may be nil
// in tests.
type Options struct {
	Nodes   *nodes.Manager
	Devices *clients.Manager
	Policy  *policy.Engine
	Users   *policy.Users
	Trust   *trust.Engine
	Store   store.Store
	Alloc   *ipam.Allocator
	Bus     events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	AdminSecret  string
	Hub          policy.HubInfo
	DNSServers   []string
	SyncInterval int

	// AgentRateLimit caps agent requests per source IP per minute.
	// Zero disables the limiter.
	AgentRateLimit int
}

// Server routes HTTP requests to the domain services.
type Server struct {
	nodes   *nodes.Manager
	devices *clients.Manager
	policy  *policy.Engine
	users   *policy.Users
	trust   *trust.Engine
	store   store.Store
	alloc   *ipam.Allocator
	bus     events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	adminSecret  string
	hub          policy.HubInfo
	dnsServers   []string
	syncInterval int
	limiter      *rateLimiter

	router *mux.Router
}

// NewServer builds the router. The server is ready to serve immediately.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	syncInterval := opts.SyncInterval
	if syncInterval <= 0 {
		syncInterval = 60
	}
	s := &Server{
		nodes:        opts.Nodes,
		devices:      opts.Devices,
		policy:       opts.Policy,
		users:        opts.Users,
		trust:        opts.Trust,
		store:        opts.Store,
		alloc:        opts.Alloc,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		logger:       logger,
		adminSecret:  opts.AdminSecret,
		hub:          opts.Hub,
		dnsServers:   opts.DNSServers,
		syncInterval: syncInterval,
	}
	if opts.AgentRateLimit > 0 {
		s.limiter = newRateLimiter(opts.AgentRateLimit, logger)
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Agent surface: authenticated by public key lookup, no admin token.
	agent := v1.PathPrefix("/agent").Subrouter()
	agent.Use(s.rateLimitMiddleware)
	agent.HandleFunc("/register", s.handleRegister).Methods("POST")
	agent.HandleFunc("/config", s.handleConfigByKey).Methods("GET")
	agent.HandleFunc("/config/{hostname}", s.handleConfigByHostname).Methods("GET")
	agent.HandleFunc("/heartbeat", s.handleHeartbeat).Methods("POST")
	agent.HandleFunc("/heartbeat/{hostname}", s.handleHeartbeatByHostname).Methods("POST")
	agent.HandleFunc("/status/{hostname}", s.handleNodeStatus).Methods("GET")

	// Admin surface: X-Admin-Token gate on everything.
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/nodes", s.handleListNodes).Methods("GET")
	admin.HandleFunc("/nodes/{id:[0-9]+}", s.handleGetNode).Methods("GET")
	admin.HandleFunc("/nodes/{id:[0-9]+}", s.handlePatchNode).Methods("PATCH")
	admin.HandleFunc("/nodes/{id:[0-9]+}", s.handleDeleteNode).Methods("DELETE")
	admin.HandleFunc("/nodes/{id:[0-9]+}/approve", s.handleApproveNode).Methods("POST")
	admin.HandleFunc("/nodes/{id:[0-9]+}/suspend", s.handleSuspendNode).Methods("POST")
	admin.HandleFunc("/nodes/{id:[0-9]+}/revoke", s.handleRevokeNode).Methods("POST")
	admin.HandleFunc("/nodes/{id:[0-9]+}/trust/trend", s.handleTrustTrend).Methods("GET")

	admin.HandleFunc("/policies", s.handleListPolicies).Methods("GET")
	admin.HandleFunc("/policies", s.handleCreatePolicy).Methods("POST")
	admin.HandleFunc("/policies/{id:[0-9]+}", s.handleGetPolicy).Methods("GET")
	admin.HandleFunc("/policies/{id:[0-9]+}", s.handlePatchPolicy).Methods("PATCH")
	admin.HandleFunc("/policies/{id:[0-9]+}", s.handleDeletePolicy).Methods("DELETE")

	admin.HandleFunc("/network/stats", s.handleNetworkStats).Methods("GET")
	admin.HandleFunc("/network/allocations", s.handleAllocations).Methods("GET")
	admin.HandleFunc("/audit", s.handleListAudit).Methods("GET")

	admin.HandleFunc("/users", s.handleCreateUser).Methods("POST")
	admin.HandleFunc("/users", s.handleListUsers).Methods("GET")
	admin.HandleFunc("/groups", s.handleCreateGroup).Methods("POST")
	admin.HandleFunc("/groups", s.handleListGroups).Methods("GET")
	admin.HandleFunc("/groups/{name}/members", s.handleAddMember).Methods("POST")
	admin.HandleFunc("/groups/{name}/members/{user_id}", s.handleRemoveMember).Methods("DELETE")
	admin.HandleFunc("/user-policies", s.handleCreateUserPolicy).Methods("POST")
	admin.HandleFunc("/user-policies", s.handleListUserPolicies).Methods("GET")
	admin.HandleFunc("/user-policies/{id:[0-9]+}", s.handleDeleteUserPolicy).Methods("DELETE")
	admin.HandleFunc("/evaluate-access", s.handleEvaluateAccess).Methods("POST")

	admin.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")

	// Client device surface: admin token to manage, bare token to download.
	client := v1.PathPrefix("/client").Subrouter()
	client.Handle("/devices", s.requireAdmin(http.HandlerFunc(s.handleCreateDevice))).Methods("POST")
	client.Handle("/devices", s.requireAdmin(http.HandlerFunc(s.handleListDevices))).Methods("GET")
	client.Handle("/devices/{id:[0-9]+}", s.requireAdmin(http.HandlerFunc(s.handleGetDevice))).Methods("GET")
	client.Handle("/devices/{id:[0-9]+}", s.requireAdmin(http.HandlerFunc(s.handleRevokeDevice))).Methods("DELETE")
	client.Handle("/devices/{id:[0-9]+}/approve", s.requireAdmin(http.HandlerFunc(s.handleApproveDevice))).Methods("POST")
	client.HandleFunc("/config/{token}", s.handleDeviceConfig).Methods("GET")
	client.HandleFunc("/config/{token}/raw", s.handleDeviceConfigRaw).Methods("GET")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// Serve runs the HTTP server until ctx is cancelled, then drains with a
// shutdown timeout.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// writeJSON encodes v with the given status. Encoding errors at this point
// can only be logged; the header is already out.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError emits the error envelope every surface shares.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{
		"error":      message,
		"error_code": code,
	})
}
