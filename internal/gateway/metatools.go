package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pmlhq/pml-gateway/internal/orchestrator"
	"github.com/pmlhq/pml-gateway/internal/threshold"
	"github.com/pmlhq/pml-gateway/pkg/models"
)

// metaToolSchemas holds the static input schemas served by tools/list
// and compiled for argument validation.
var metaToolSchemas = map[string]string{
	"execute": `{
		"type": "object",
		"properties": {
			"intent": {"type": "string"},
			"code": {"type": "string"},
			"options": {
				"type": "object",
				"properties": {
					"timeout": {"type": "number"},
					"per_layer_validation": {"type": "boolean"}
				}
			},
			"accept_suggestion": {
				"type": "object",
				"properties": {
					"callName": {"type": "string"},
					"args": {"type": "object"}
				},
				"required": ["callName"]
			},
			"continue_workflow": {
				"type": "object",
				"properties": {
					"workflow_id": {"type": "string"},
					"approved": {"type": "boolean"}
				},
				"required": ["workflow_id", "approved"]
			}
		}
	}`,
	"discover": `{
		"type": "object",
		"properties": {
			"query": {"type": "string"}
		}
	}`,
	"admin": `{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["stats", "aliases", "rename", "resolve", "pending"]},
			"fqdn": {"type": "string"},
			"name": {"type": "string"},
			"new_name": {"type": "string"}
		},
		"required": ["action"]
	}`,
	"abort": `{
		"type": "object",
		"properties": {
			"workflow_id": {"type": "string"}
		},
		"required": ["workflow_id"]
	}`,
	"replan": `{
		"type": "object",
		"properties": {
			"workflow_id": {"type": "string"},
			"intent": {"type": "string"}
		},
		"required": ["workflow_id"]
	}`,
}

var metaToolDescriptions = map[string]string{
	"execute":  "Execute an intent or code through the PML hybrid planner. Supports suggestion acceptance and workflow continuation.",
	"discover": "List the tools and capabilities available in this session.",
	"admin":    "Inspect or manage capability records: stats, aliases, rename, resolve, pending workflows.",
	"abort":    "Abort a pending workflow and discard its stored state.",
	"replan":   "Abort a pending workflow and re-plan its original intent from scratch. Pass intent to override the stored one.",
}

// metaTools returns the static tools/list catalog.
func metaTools() []models.MCPToolInfo {
	names := []string{"execute", "discover", "admin", "abort", "replan"}
	out := make([]models.MCPToolInfo, 0, len(names))
	for _, name := range names {
		var schema map[string]interface{}
		json.Unmarshal([]byte(metaToolSchemas[name]), &schema)
		out = append(out, models.MCPToolInfo{
			Name:        name,
			Description: metaToolDescriptions[name],
			InputSchema: schema,
		})
	}
	return out
}

func (g *Gateway) compileSchemas() error {
	g.schemas = make(map[string]*jsonschema.Schema, len(metaToolSchemas))
	compiler := jsonschema.NewCompiler()
	for name, src := range metaToolSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return fmt.Errorf("schema %s: %w", name, err)
		}
		url := "mem://" + name + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return fmt.Errorf("schema %s: %w", name, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("compile schema %s: %w", name, err)
		}
		g.schemas[name] = sch
	}
	return nil
}

// callTool dispatches one tools/call by name. Unknown names forward to
// the cloud unchanged.
func (g *Gateway) callTool(ctx context.Context, name string, args map[string]interface{}) (*models.MCPToolResult, error) {
	switch name {
	case "execute":
		return g.callExecute(ctx, args)
	case "discover":
		return g.callDiscover(ctx, args)
	case "admin":
		return g.callAdmin(ctx, args)
	case "abort":
		return g.callAbort(args)
	case "replan":
		return g.callReplan(ctx, args)
	default:
		// Unknown tool: the planner sees the original call, name and
		// arguments intact.
		return g.finish(g.orch.ForwardToolCall(ctx, name, args)), nil
	}
}

func (g *Gateway) callExecute(ctx context.Context, args map[string]interface{}) (*models.MCPToolResult, error) {
	var input models.ExecuteInput
	if err := remarshal(args, &input); err != nil {
		return nil, fmt.Errorf("decode execute input: %w", err)
	}
	return g.finish(g.orch.Execute(ctx, input)), nil
}

// finish converts an orchestrator output into a tool result, surfacing
// pauses to hosts that only watch notifications.
func (g *Gateway) finish(out *orchestrator.Output) *models.MCPToolResult {
	if ar, ok := out.Payload.(models.ApprovalRequired); ok {
		g.LogMessage("info", "workflow", map[string]interface{}{
			"event":         "approval_required",
			"workflow_id":   ar.WorkflowID,
			"approval_type": ar.ApprovalType,
		})
	}

	result := models.TextResult(out.Payload)
	if out.UI != nil {
		result.Meta = map[string]interface{}{"ui": out.UI}
	}
	return result
}

func (g *Gateway) callDiscover(ctx context.Context, args map[string]interface{}) (*models.MCPToolResult, error) {
	query, _ := args["query"].(string)

	tools := g.resolver.Tools()
	caps, err := g.registry.Stats(ctx, g.scope)
	if err != nil {
		return nil, fmt.Errorf("capability stats: %w", err)
	}

	type capSummary struct {
		FQDN        string  `json:"fqdn"`
		DisplayName string  `json:"display_name"`
		Description string  `json:"description,omitempty"`
		UsageCount  int64   `json:"usage_count"`
		SuccessRate float64 `json:"success_rate"`
		Reliability float64 `json:"reliability"`
	}
	summaries := make([]capSummary, 0, len(caps))
	for _, c := range caps {
		if query != "" && !strings.Contains(strings.ToLower(c.DisplayName+" "+c.Description), strings.ToLower(query)) {
			continue
		}
		summaries = append(summaries, capSummary{
			FQDN:        c.FQDN,
			DisplayName: c.DisplayName,
			Description: c.Description,
			UsageCount:  c.UsageCount,
			SuccessRate: c.SuccessRate(),
			Reliability: threshold.Reliability(c.SuccessRate()),
		})
	}
	// Reliable capabilities first; semantic ranking happens cloud-side.
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Reliability != summaries[j].Reliability {
			return summaries[i].Reliability > summaries[j].Reliability
		}
		return summaries[i].UsageCount > summaries[j].UsageCount
	})

	return models.TextResult(map[string]interface{}{
		"tools":        tools,
		"capabilities": summaries,
	}), nil
}

func (g *Gateway) callAdmin(ctx context.Context, args map[string]interface{}) (*models.MCPToolResult, error) {
	action, _ := args["action"].(string)
	switch action {
	case "stats":
		caps, err := g.registry.Stats(ctx, g.scope)
		if err != nil {
			return nil, err
		}
		return models.TextResult(map[string]interface{}{"capabilities": caps}), nil

	case "aliases":
		aliases, err := g.registry.ListAliases(ctx, g.scope)
		if err != nil {
			return nil, err
		}
		return models.TextResult(map[string]interface{}{"aliases": aliases}), nil

	case "rename":
		fqdn, _ := args["fqdn"].(string)
		newName, _ := args["new_name"].(string)
		if fqdn == "" || newName == "" {
			return nil, fmt.Errorf("rename requires fqdn and new_name")
		}
		renamed, err := g.registry.Rename(ctx, fqdn, newName)
		if err != nil {
			return nil, err
		}
		return models.TextResult(map[string]interface{}{"renamed": renamed}), nil

	case "resolve":
		name, _ := args["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("resolve requires name")
		}
		rec, err := g.registry.ResolveByName(ctx, name, g.scope)
		if err != nil {
			return nil, err
		}
		return models.TextResult(map[string]interface{}{"capability": rec}), nil

	case "pending":
		return models.TextResult(map[string]interface{}{"pending": g.pending.List()}), nil

	default:
		return nil, fmt.Errorf("unknown admin action %q", action)
	}
}

func (g *Gateway) callAbort(args map[string]interface{}) (*models.MCPToolResult, error) {
	workflowID, _ := args["workflow_id"].(string)
	if !g.orch.Abort(workflowID) {
		return nil, fmt.Errorf("unknown workflow %s", workflowID)
	}
	return models.TextResult(map[string]interface{}{
		"status":      "aborted",
		"workflow_id": workflowID,
	}), nil
}

// callReplan drops the pending entry and re-forwards the workflow's
// original intent with a replan hint. An explicit intent overrides the
// stored one.
func (g *Gateway) callReplan(ctx context.Context, args map[string]interface{}) (*models.MCPToolResult, error) {
	workflowID, _ := args["workflow_id"].(string)
	intent, _ := args["intent"].(string)
	if intent == "" {
		if entry, ok := g.pending.Get(workflowID); ok {
			intent = entry.Intent
		}
	}
	g.orch.Abort(workflowID) // best-effort; the workflow may have finished
	if intent == "" {
		return nil, fmt.Errorf("workflow %s has no stored intent; pass one", workflowID)
	}
	return g.finish(g.orch.Execute(ctx, models.ExecuteInput{Intent: intent, Replan: true})), nil
}

func remarshal(src, dst interface{}) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

