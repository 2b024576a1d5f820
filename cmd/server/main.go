// PML Gateway — hybrid MCP execution gateway.
//
// This is the main entry point for the PML gateway process. It exposes:
//   - MCP protocol server (stdio frames or HTTP)
//   - Hybrid cloud/local execution of the `execute` meta-tool
//   - Sandboxed local code execution with an RPC tool bridge
//   - Human-in-the-loop approval workflow with a pending store
//   - Capability registry (in-memory by default, postgres when configured)
//   - Live SSE event feed
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pmlhq/pml-gateway/internal/mcpclient"
	"github.com/pmlhq/pml-gateway/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	stdio := flag.Bool("stdio", false, "serve MCP over stdin/stdout instead of HTTP")
	flag.Parse()

	// In stdio mode stdout carries protocol frames; logs go to stderr
	// either way.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gateway")
	}
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 15*time.Second)
		defer c()
		srv.ShutdownFunc(shutdownCtx)
	}()

	srv.ConnectMCPServers(ctx, loadMCPServerConfigs(srv.Config.Cloud.Workspace))

	if *stdio {
		runStdio(ctx, cancel, srv)
		return
	}
	runHTTP(cancel, srv)
}

func runStdio(ctx context.Context, cancel context.CancelFunc, srv *server.Server) {
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("Shutting down")
		cancel()
	}()

	log.Info().Msg("PML gateway serving MCP on stdio")
	if err := srv.RunStdio(ctx, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("stdio transport failed")
	}
}

// runHTTP serves the chi router. No WriteTimeout: the SSE feed holds
// its response open indefinitely.
func runHTTP(cancel context.CancelFunc, srv *server.Server) {
	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", srv.Port),
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully")
		cancel()
		shutdownCtx, c := context.WithTimeout(context.Background(), 15*time.Second)
		defer c()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", srv.Port).
		Str("version", srv.Config.Version).
		Msg("PML gateway listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// loadMCPServerConfigs reads <workspace>/mcp_servers.json when present.
func loadMCPServerConfigs(workspace string) []mcpclient.ServerConfig {
	path := filepath.Join(workspace, "mcp_servers.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Str("path", path).Err(err).Msg("MCP server config unreadable")
		}
		return nil
	}
	var configs []mcpclient.ServerConfig
	if err := json.Unmarshal(raw, &configs); err != nil {
		log.Error().Str("path", path).Err(err).Msg("MCP server config malformed")
		return nil
	}
	return configs
}
