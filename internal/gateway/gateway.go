// Package gateway exposes PML as a single MCP server. It demultiplexes
// JSON-RPC 2.0 requests, dispatches the meta-tools, enforces
// concurrency limits with bounded queueing, and serves registered
// ui:// resources.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/semaphore"

	"github.com/pmlhq/pml-gateway/internal/config"
	"github.com/pmlhq/pml-gateway/internal/orchestrator"
	"github.com/pmlhq/pml-gateway/internal/pending"
	"github.com/pmlhq/pml-gateway/internal/registry"
	"github.com/pmlhq/pml-gateway/internal/routing"
	"github.com/pmlhq/pml-gateway/pkg/models"
)

// Notifier receives server-initiated notifications; the stdio loop and
// the HTTP transport each install their own.
type Notifier func(models.MCPNotification)

// Gateway is the MCP protocol front of the PML process.
type Gateway struct {
	orch     *orchestrator.Orchestrator
	resolver *routing.Resolver
	registry registry.Registry
	pending  *pending.Store
	scope    models.Scope
	version  string

	sem       *semaphore.Weighted
	queued    atomic.Int64
	queueSize int64

	uiMu sync.RWMutex
	ui   map[string]string // uri → html

	schemas map[string]*jsonschema.Schema

	notifyMu sync.RWMutex
	notify   Notifier
}

// Options bundles the gateway's collaborators.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Resolver     *routing.Resolver
	Registry     registry.Registry
	Pending      *pending.Store
	Gateway      config.GatewayConfig
	Scope        models.Scope
	Version      string
}

// New builds a gateway and compiles the meta-tool input schemas.
func New(opts Options) (*Gateway, error) {
	maxConcurrent := opts.Gateway.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	queueSize := opts.Gateway.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}

	g := &Gateway{
		orch:      opts.Orchestrator,
		resolver:  opts.Resolver,
		registry:  opts.Registry,
		pending:   opts.Pending,
		scope:     opts.Scope,
		version:   opts.Version,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		queueSize: int64(maxConcurrent + queueSize),
		ui:        make(map[string]string),
	}
	if err := g.compileSchemas(); err != nil {
		return nil, err
	}
	return g, nil
}

// SetNotifier installs the transport's notification sink.
func (g *Gateway) SetNotifier(n Notifier) {
	g.notifyMu.Lock()
	g.notify = n
	g.notifyMu.Unlock()
}

// Notify emits a server-initiated notification if a sink is installed.
func (g *Gateway) Notify(method string, params interface{}) {
	g.notifyMu.RLock()
	n := g.notify
	g.notifyMu.RUnlock()
	if n != nil {
		n(models.MCPNotification{Jsonrpc: "2.0", Method: method, Params: params})
	}
}

// LogMessage emits notifications/message toward the host.
func (g *Gateway) LogMessage(level, logger string, data interface{}) {
	g.Notify("notifications/message", models.LogMessageParams{Level: level, Logger: logger, Data: data})
}

// RegisterTools records tool descriptors with the routing resolver and
// tells the host the registered set changed.
func (g *Gateway) RegisterTools(descs []models.ToolDescriptor) {
	if len(descs) == 0 {
		return
	}
	g.resolver.RegisterTools(descs)
	g.Notify("notifications/resources/list_changed", struct{}{})
}

// RegisterUI stores HTML under a ui:// URI. Re-registering the same URI
// is idempotent; only new URIs trigger a list_changed notification.
func (g *Gateway) RegisterUI(uri, html string) {
	g.uiMu.Lock()
	prev, existed := g.ui[uri]
	g.ui[uri] = html
	g.uiMu.Unlock()

	if !existed || prev != html {
		g.Notify("notifications/resources/list_changed", struct{}{})
	}
}

// LookupUI returns registered HTML by URI.
func (g *Gateway) LookupUI(uri string) (string, bool) {
	g.uiMu.RLock()
	defer g.uiMu.RUnlock()
	html, ok := g.ui[uri]
	return html, ok
}

// HandleMessage processes one raw JSON-RPC frame. The returned slice is
// nil for notifications (no reply expected).
func (g *Gateway) HandleMessage(ctx context.Context, raw []byte) []byte {
	var req models.MCPRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalResponse(errorResponse(nil, models.CodeParseError, "parse error: "+err.Error()))
	}

	if req.ID == nil || strings.HasPrefix(req.Method, "notifications/") {
		g.handleNotification(req)
		return nil
	}

	resp := g.dispatch(ctx, &req)
	return marshalResponse(resp)
}

func (g *Gateway) handleNotification(req models.MCPRequest) {
	switch req.Method {
	case "notifications/initialized":
		log.Debug().Msg("Host completed initialize handshake")
	case "notifications/cancelled":
		log.Debug().Msg("Host cancelled a request")
	default:
		log.Debug().Str("method", req.Method).Msg("Ignoring notification")
	}
}

func (g *Gateway) dispatch(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	switch req.Method {
	case "initialize":
		return g.handleInitialize(req)
	case "tools/list":
		return g.handleToolsList(req)
	case "tools/call":
		return g.handleToolsCall(ctx, req)
	case "resources/read":
		return g.handleResourcesRead(req)
	case "prompts/get", "prompts/list":
		return okResponse(req.ID, map[string]interface{}{"prompts": []interface{}{}})
	default:
		return errorResponse(req.ID, models.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (g *Gateway) handleInitialize(req *models.MCPRequest) *models.MCPResponse {
	return okResponse(req.ID, map[string]interface{}{
		"protocolVersion": models.MCPProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{},
			"prompts":   map[string]interface{}{},
			"resources": map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    "pml-gateway",
			"version": g.version,
		},
	})
}

// handleToolsList returns the static meta-tool catalog. It never
// performs I/O to the cloud.
func (g *Gateway) handleToolsList(req *models.MCPRequest) *models.MCPResponse {
	return okResponse(req.ID, map[string]interface{}{"tools": metaTools()})
}

func (g *Gateway) handleToolsCall(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	var params models.MCPToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, models.CodeInvalidParams, "invalid tools/call params: "+err.Error())
	}
	if params.Name == "" {
		return errorResponse(req.ID, models.CodeInvalidParams, "tool name required")
	}

	// Bounded admission: maxConcurrent in flight, queueSize waiting.
	if g.queued.Add(1) > g.queueSize {
		g.queued.Add(-1)
		return errorResponse(req.ID, models.CodeBackpressure, "backpressure: request queue full")
	}
	defer g.queued.Add(-1)
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return errorResponse(req.ID, models.CodeInternalError, "request cancelled while queued")
	}
	defer g.sem.Release(1)

	if err := g.validateArgs(params.Name, params.Arguments); err != nil {
		return errorResponse(req.ID, models.CodeInvalidParams, err.Error())
	}

	result, err := g.callTool(ctx, params.Name, params.Arguments)
	if err != nil {
		g.LogMessage("error", "gateway", map[string]interface{}{
			"tool":  params.Name,
			"error": err.Error(),
		})
		// Upstream failures become structured envelopes, not JSON-RPC
		// errors, so the host LLM can reason about them.
		result = models.TextResult(models.ExecuteResult{
			Status: "error",
			Error:  &models.ErrorInfo{Kind: "runtime", Message: err.Error()},
		})
		result.IsError = true
	}
	return okResponse(req.ID, result)
}

func (g *Gateway) handleResourcesRead(req *models.MCPRequest) *models.MCPResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return errorResponse(req.ID, models.CodeInvalidParams, "resources/read requires uri")
	}
	html, ok := g.LookupUI(params.URI)
	if !ok {
		return errorResponse(req.ID, models.CodeInvalidParams, "unknown resource "+params.URI)
	}
	return okResponse(req.ID, models.MCPResourceContents{
		Contents: []models.MCPResourceContent{{
			URI:      params.URI,
			MimeType: "text/html",
			Text:     html,
		}},
	})
}

func okResponse(id, result interface{}) *models.MCPResponse {
	return &models.MCPResponse{Jsonrpc: "2.0", ID: id, Result: result}
}

func errorResponse(id interface{}, code int, message string) *models.MCPResponse {
	return &models.MCPResponse{Jsonrpc: "2.0", ID: id, Error: &models.MCPError{Code: code, Message: message}}
}

func marshalResponse(resp *models.MCPResponse) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		fallback, _ := json.Marshal(errorResponse(resp.ID, models.CodeInternalError, "response marshal failed"))
		return fallback
	}
	return b
}

// validateArgs checks tool arguments against the compiled input schema.
func (g *Gateway) validateArgs(tool string, args map[string]interface{}) error {
	sch, ok := g.schemas[tool]
	if !ok {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	// Round-trip so nested values carry JSON types the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", tool, err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", tool, err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("invalid arguments for %s: %v", tool, err)
	}
	return nil
}
