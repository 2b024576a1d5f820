// Package server provides the public entry point for initializing the
// PML gateway.
//
// It wires every component — pending store, capability registry,
// routing, sandbox, cloud client, orchestrator, MCP gateway, SSE
// manager — and exposes both the HTTP handler and the stdio loop so
// main.go only chooses a transport.
package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pmlhq/pml-gateway/internal/api"
	"github.com/pmlhq/pml-gateway/internal/cloud"
	"github.com/pmlhq/pml-gateway/internal/config"
	"github.com/pmlhq/pml-gateway/internal/eventstream"
	"github.com/pmlhq/pml-gateway/internal/gateway"
	"github.com/pmlhq/pml-gateway/internal/mcpclient"
	"github.com/pmlhq/pml-gateway/internal/orchestrator"
	"github.com/pmlhq/pml-gateway/internal/pending"
	"github.com/pmlhq/pml-gateway/internal/registry"
	"github.com/pmlhq/pml-gateway/internal/routing"
	"github.com/pmlhq/pml-gateway/internal/sandbox"
	"github.com/pmlhq/pml-gateway/internal/telemetry"
	"github.com/pmlhq/pml-gateway/internal/threshold"
	"github.com/pmlhq/pml-gateway/pkg/models"
)

// Server holds the initialized PML gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Gateway is the MCP protocol front, exposed for the stdio transport.
	Gateway *gateway.Gateway

	// Events is the SSE fan-out manager.
	Events *eventstream.Manager

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the HTTP transport should listen on.
	Port int

	pool     *mcpclient.Pool
	pending  *pending.Store
	registry registry.Registry

	// ShutdownFunc flushes telemetry and stops background work.
	ShutdownFunc func(context.Context) error
}

// New initializes all gateway components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	var reg registry.Registry
	if cfg.Database.URL != "" {
		pg, err := registry.NewPostgresRegistry(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		reg = pg
		log.Info().Msg("Capability registry backed by postgres")
	} else {
		reg = registry.NewMemoryRegistry()
		log.Info().Msg("Capability registry running in memory")
	}

	store := pending.NewStore(cfg.Gateway.PendingTTL)
	store.StartSweeper(ctx)

	resolver := routing.NewResolver(cfg.Cloud.Workspace)
	pool := mcpclient.NewPool()
	planner := cloud.New(cfg.Cloud)
	dispatcher := routing.NewDispatcher(resolver, pool, planner)
	runner := sandbox.NewExecutor(cfg.Sandbox)
	thresholds := threshold.NewController(0.85, 0.70)

	events := eventstream.NewManager(cfg.Gateway.MaxSSEClients,
		time.Duration(cfg.Gateway.HeartbeatMs)*time.Millisecond)
	events.Start()

	scope := models.Scope{Org: cfg.Cloud.Org, Project: cfg.Cloud.Project}

	orch := orchestrator.New(orchestrator.Options{
		Planner:    planner,
		Runner:     runner,
		Router:     dispatcher,
		Pending:    store,
		Resolver:   resolver,
		Registry:   reg,
		Thresholds: thresholds,
		Events:     events,
	})

	gw, err := gateway.New(gateway.Options{
		Orchestrator: orch,
		Resolver:     resolver,
		Registry:     reg,
		Pending:      store,
		Gateway:      cfg.Gateway,
		Scope:        scope,
		Version:      cfg.Version,
	})
	if err != nil {
		return nil, err
	}

	// Composite UIs register their HTML with the gateway's resource map.
	orch.SetRegisterUI(gw.RegisterUI)

	srv := &Server{
		Handler:  api.NewRouter(cfg, gw, events),
		Gateway:  gw,
		Events:   events,
		Config:   cfg,
		Port:     cfg.Port,
		pool:     pool,
		pending:  store,
		registry: reg,
		ShutdownFunc: func(shutdownCtx context.Context) error {
			events.Close()
			pool.Close()
			store.Close()
			reg.Close()
			return shutdownTelemetry(shutdownCtx)
		},
	}
	return srv, nil
}

// ConnectMCPServers spawns the configured MCP subprocesses and registers
// their tools with the routing resolver. Failures are logged, not fatal:
// the gateway still serves cloud-routed work.
func (s *Server) ConnectMCPServers(ctx context.Context, servers []mcpclient.ServerConfig) {
	for _, sc := range servers {
		if err := s.pool.Connect(ctx, sc); err != nil {
			log.Error().Str("server", sc.ID).Err(err).Msg("MCP server connect failed")
		}
	}
	// Route every subprocess tool locally.
	tools := s.pool.ListAllTools(ctx)
	s.Gateway.RegisterTools(tools)
	log.Info().Int("tools", len(tools)).Msg("Local MCP tools registered")
}

// RunStdio serves MCP over the given streams; used by --stdio mode.
func (s *Server) RunStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	return s.Gateway.RunStdio(ctx, r, w)
}
