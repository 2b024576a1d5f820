package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pmlhq/pml-gateway/internal/sandbox"
	"github.com/pmlhq/pml-gateway/pkg/models"
)

// LocalCaller invokes a tool on a connected MCP subprocess; satisfied by
// the mcpclient pool.
type LocalCaller interface {
	CallTool(ctx context.Context, serverID, tool string, args map[string]interface{}) (interface{}, error)
}

// RemoteCaller proxies a server-routed tool call to the cloud.
type RemoteCaller interface {
	CallTool(ctx context.Context, toolID string, args map[string]interface{}) (interface{}, error)
}

// Dispatcher routes bridged tool calls by their declared routing and
// enforces session approval state. It signals HIL pauses by returning a
// *sandbox.Checkpoint error.
type Dispatcher struct {
	resolver *Resolver
	local    LocalCaller
	remote   RemoteCaller
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(resolver *Resolver, local LocalCaller, remote RemoteCaller) *Dispatcher {
	return &Dispatcher{resolver: resolver, local: local, remote: remote}
}

// Call executes one tool call. Tool ids are "server:name".
func (d *Dispatcher) Call(ctx context.Context, toolID string, args map[string]interface{}) (interface{}, *models.UIMeta, error) {
	desc, known := d.resolver.Lookup(toolID)

	// Tools declaring permissions need a one-time session approval.
	if known && len(desc.Permissions) > 0 && !d.resolver.ToolApproved(toolID) {
		return nil, nil, &sandbox.Checkpoint{
			Kind:        models.ApprovalToolPermission,
			Description: fmt.Sprintf("tool %s requires permissions %v", toolID, desc.Permissions),
			Context: map[string]interface{}{
				"tool":        toolID,
				"permissions": desc.Permissions,
			},
		}
	}

	var result interface{}
	var err error
	if d.resolver.Route(toolID) == models.RoutingClient {
		server, tool, ok := strings.Cut(toolID, ":")
		if !ok {
			return nil, nil, fmt.Errorf("malformed tool id %q", toolID)
		}
		result, err = d.local.CallTool(ctx, server, tool, args)
	} else {
		result, err = d.remote.CallTool(ctx, toolID, args)
	}
	if err != nil {
		if cp := classifyCallError(toolID, err); cp != nil {
			return nil, nil, cp
		}
		return nil, nil, err
	}

	ui := extractUI(result)
	return result, ui, nil
}

// classifyCallError maps credential failures to HIL checkpoints.
func classifyCallError(toolID string, err error) *sandbox.Checkpoint {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "api_key"):
		return &sandbox.Checkpoint{
			Kind:        models.ApprovalAPIKeyRequired,
			Description: fmt.Sprintf("tool %s requires an API key", toolID),
			Context:     map[string]interface{}{"tool": toolID},
		}
	case strings.Contains(msg, "oauth"):
		return &sandbox.Checkpoint{
			Kind:        models.ApprovalOAuthConnect,
			Description: fmt.Sprintf("tool %s requires an OAuth connection", toolID),
			Context:     map[string]interface{}{"tool": toolID},
		}
	default:
		return nil
	}
}

// extractUI pulls _meta.ui out of an MCP tool result, when present.
func extractUI(result interface{}) *models.UIMeta {
	m, ok := result.(map[string]interface{})
	if !ok {
		return nil
	}
	meta, ok := m["_meta"].(map[string]interface{})
	if !ok {
		return nil
	}
	rawUI, ok := meta["ui"]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(rawUI)
	if err != nil {
		return nil
	}
	var ui models.UIMeta
	if err := json.Unmarshal(raw, &ui); err != nil || ui.ResourceURI == "" {
		return nil
	}
	return &ui
}
