// Package models defines the shared data model for the PML gateway:
// tool descriptors, capability records, pending workflows, execution
// records, UI resources, and the MCP wire types.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// ── Tool Descriptors ─────────────────────────────────────────

// ToolRouting declares where a tool call is executed.
type ToolRouting string

const (
	// RoutingClient runs the tool on a local MCP server subprocess.
	RoutingClient ToolRouting = "client"
	// RoutingServer proxies the tool call to the cloud.
	RoutingServer ToolRouting = "server"
)

// ToolDescriptor describes one tool exposed through the gateway.
// The ID is always "server:name".
type ToolDescriptor struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  map[string]interface{} `json:"inputSchema,omitempty"`
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`
	Routing      ToolRouting            `json:"routing"`
	Permissions  []string               `json:"permissions,omitempty"`
}

// ── Capability Records ───────────────────────────────────────

// Visibility controls who can resolve a capability by name.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityProject Visibility = "project"
	VisibilityOrg     Visibility = "org"
	VisibilityPublic  Visibility = "public"
)

// CapabilityRouting declares where a capability's code executes.
type CapabilityRouting string

const (
	CapabilityLocal  CapabilityRouting = "local"
	CapabilityServer CapabilityRouting = "server"
)

// FQDNPattern validates a fully-qualified capability name:
// org.project.namespace.action.<4-hex short hash>.
var FQDNPattern = regexp.MustCompile(`^[a-z0-9_-]+\.[a-z0-9_-]+\.[a-z0-9_-]+\.[a-z0-9_-]+\.[a-f0-9]{4}$`)

// Capability is a persisted, named unit of executable code.
// The FQDN is immutable; renames create a new record plus an alias.
type Capability struct {
	FQDN        string            `json:"fqdn" db:"fqdn"`
	DisplayName string            `json:"display_name" db:"display_name"`
	Org         string            `json:"org" db:"org"`
	Project     string            `json:"project" db:"project"`
	Namespace   string            `json:"namespace" db:"namespace"`
	Action      string            `json:"action" db:"action"`
	Hash        string            `json:"hash" db:"hash"`
	Version     int               `json:"version" db:"version"`
	Visibility  Visibility        `json:"visibility" db:"visibility"`
	Routing     CapabilityRouting `json:"routing" db:"routing"`

	Description      string                 `json:"description,omitempty" db:"description"`
	CodeSnippet      string                 `json:"code_snippet,omitempty" db:"code_snippet"`
	ParametersSchema map[string]interface{} `json:"parameters_schema,omitempty"`
	Tags             []string               `json:"tags,omitempty"`
	ToolsUsed        []string               `json:"tools_used,omitempty"`

	UsageCount     int64 `json:"usage_count" db:"usage_count"`
	SuccessCount   int64 `json:"success_count" db:"success_count"`
	TotalLatencyMs int64 `json:"total_latency_ms" db:"total_latency_ms"`

	CreatedBy string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SuccessRate is derived, never stored.
func (c *Capability) SuccessRate() float64 {
	if c.UsageCount == 0 {
		return 0
	}
	return float64(c.SuccessCount) / float64(c.UsageCount)
}

// ContentHash returns the full SHA-256 hex digest of a code string.
func ContentHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 4 hex characters of the content hash.
func ShortHash(code string) string {
	return ContentHash(code)[:4]
}

// FQDN assembles a fully-qualified capability name from its parts and the
// short hash of the capability code.
func FQDN(org, project, namespace, action, hash string) string {
	short := hash
	if len(short) > 4 {
		short = short[:4]
	}
	return fmt.Sprintf("%s.%s.%s.%s.%s", org, project, namespace, action, short)
}

// Alias maps (org, project, alias) to a target FQDN. Alias chains are kept
// flat: renames rewrite every alias targeting the old FQDN, so resolution
// is always a single hop.
type Alias struct {
	Org        string    `json:"org" db:"org"`
	Project    string    `json:"project" db:"project"`
	Alias      string    `json:"alias" db:"alias"`
	TargetFQDN string    `json:"target_fqdn" db:"target_fqdn"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Scope identifies the org/project pair a name is resolved in.
type Scope struct {
	Org     string `json:"org"`
	Project string `json:"project"`
}

// ── Pending Workflows (HIL) ──────────────────────────────────

// ApprovalKind classifies why a workflow paused for human input.
type ApprovalKind string

const (
	ApprovalToolPermission ApprovalKind = "tool_permission"
	ApprovalAPIKeyRequired ApprovalKind = "api_key_required"
	ApprovalIntegrity      ApprovalKind = "integrity"
	ApprovalOAuthConnect   ApprovalKind = "oauth_connect"
	ApprovalDependency     ApprovalKind = "dependency"
)

// DefaultPendingTTL bounds how long a paused workflow can be resumed.
const DefaultPendingTTL = 15 * time.Minute

// PendingWorkflow captures everything needed to replay a paused execution
// after the host approves or rejects the checkpoint.
type PendingWorkflow struct {
	WorkflowID   string                 `json:"workflow_id"`
	Code         string                 `json:"code"`
	Intent       string                 `json:"intent,omitempty"`
	ToolID       string                 `json:"tool_id"`
	ApprovalKind ApprovalKind           `json:"approval_kind"`

	// PermissionSet is the sandbox policy tier granted for the replay,
	// set when the host approves a permission escalation.
	PermissionSet string `json:"permission_set,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	FQDNMap      map[string]string      `json:"fqdn_map,omitempty"` // tool id → capability FQDN
	Tasks        []DAGTask              `json:"tasks,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	TTL          time.Duration          `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (p *PendingWorkflow) Expired(now time.Time) bool {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return now.Sub(p.CreatedAt) > ttl
}

// ── DAG Tasks ────────────────────────────────────────────────

// DAGTask is one node of the cloud-planned task graph. LayerIndex groups
// tasks that may run concurrently; layers execute in ascending order.
type DAGTask struct {
	ID         string                 `json:"id"`
	Tool       string                 `json:"tool"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	DependsOn  []string               `json:"dependsOn,omitempty"`
	LayerIndex int                    `json:"layerIndex"`

	// Condition is an optional boolean expression evaluated against the
	// outputs of earlier layers during per-layer validation.
	Condition string `json:"condition,omitempty"`
}

// ── Execution Records (threshold controller) ─────────────────

// ExecutionMode distinguishes how a capability execution was triggered.
type ExecutionMode string

const (
	ModeSpeculative ExecutionMode = "speculative"
	ModeSuggestion  ExecutionMode = "suggestion"
	ModeExplicit    ExecutionMode = "explicit"
)

// ExecutionRecord feeds the adaptive-threshold controller.
type ExecutionRecord struct {
	Confidence      float64       `json:"confidence"`
	Mode            ExecutionMode `json:"mode"`
	Success         bool          `json:"success"`
	UserAccepted    bool          `json:"user_accepted,omitempty"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
	Timestamp       time.Time     `json:"timestamp"`
}

// ── UI Resources ─────────────────────────────────────────────

// UIResource is one per-tool HTML viewer collected during a code run.
// Slot is the execution order within the run.
type UIResource struct {
	Source      string                 `json:"source"` // tool id
	ResourceURI string                 `json:"resourceUri"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Slot        int                    `json:"slot"`
}

// UILayout selects the composite arrangement.
type UILayout string

const (
	LayoutSplit UILayout = "split"
	LayoutTabs  UILayout = "tabs"
	LayoutGrid  UILayout = "grid"
	LayoutStack UILayout = "stack"
)

// SyncRule routes an event from one tool's iframe to another, pre-resolution
// (tool ids) as delivered by the cloud.
type SyncRule struct {
	From   string `json:"from"`
	Event  string `json:"event"`
	To     string `json:"to"` // tool id or "*"
	Action string `json:"action"`
}

// ResolvedSyncRule is a SyncRule with slot indices substituted for tool ids.
// To == -1 means broadcast to every iframe except the sender.
type ResolvedSyncRule struct {
	From   int    `json:"from"`
	Event  string `json:"event"`
	To     int    `json:"to"`
	Action string `json:"action"`
}

// UIOrchestration is the cloud's declarative composition config.
type UIOrchestration struct {
	Layout        UILayout   `json:"layout"`
	Sync          []SyncRule `json:"sync,omitempty"`
	SharedContext []string   `json:"sharedContext,omitempty"`
}

// CompositeUI is the output descriptor of the composite generator.
type CompositeUI struct {
	Type          string                 `json:"type"` // always "composite"
	ResourceURI   string                 `json:"resourceUri"`
	Layout        UILayout               `json:"layout"`
	Children      []UIResource           `json:"children"`
	Sync          []ResolvedSyncRule     `json:"sync,omitempty"`
	SharedContext map[string]interface{} `json:"sharedContext,omitempty"`
	HTML          string                 `json:"-"`
}

// UIMeta is the _meta.ui entry attached to tool call results.
type UIMeta struct {
	ResourceURI string                 `json:"resourceUri"`
	HTML        string                 `json:"html,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// ── Execute Envelopes ────────────────────────────────────────

// ExecuteInput is the input schema of the `execute` meta-tool.
type ExecuteInput struct {
	Intent           string            `json:"intent,omitempty"`
	Code             string            `json:"code,omitempty"`
	Options          *ExecuteOptions   `json:"options,omitempty"`
	AcceptSuggestion *AcceptSuggestion `json:"accept_suggestion,omitempty"`
	ContinueWorkflow *ContinueWorkflow `json:"continue_workflow,omitempty"`

	// Replan marks a re-forwarded intent after an aborted workflow so the
	// planner avoids handing back the same plan.
	Replan bool `json:"replan,omitempty"`
}

// ExecuteOptions tunes a single execute call.
type ExecuteOptions struct {
	TimeoutMs          int  `json:"timeout,omitempty"`
	PerLayerValidation bool `json:"per_layer_validation,omitempty"`
}

// AcceptSuggestion confirms a previously suggested capability call.
type AcceptSuggestion struct {
	CallName string                 `json:"callName"`
	Args     map[string]interface{} `json:"args,omitempty"`
}

// ContinueWorkflow resumes a paused workflow after a HIL decision.
type ContinueWorkflow struct {
	WorkflowID string `json:"workflow_id"`
	Approved   bool   `json:"approved"`
}

// ToolBinding pairs a tool id with the capability FQDN the planner resolved
// it to.
type ToolBinding struct {
	ID   string `json:"id"`
	FQDN string `json:"fqdn"`
}

// ExecuteLocally is the cloud → gateway envelope instructing local
// execution. It never leaks past the orchestrator.
type ExecuteLocally struct {
	Status          string           `json:"status"` // "execute_locally"
	Code            string           `json:"code"`
	ClientTools     []string         `json:"client_tools,omitempty"`
	ToolsUsed       []ToolBinding    `json:"tools_used,omitempty"`
	WorkflowID      string           `json:"workflowId"`
	DAG             *DAG             `json:"dag,omitempty"`
	UIOrchestration *UIOrchestration `json:"ui_orchestration,omitempty"`
}

// DAG wraps the planner's task list.
type DAG struct {
	Tasks []DAGTask `json:"tasks"`
}

// ApprovalRequired is the gateway → host pause envelope.
type ApprovalRequired struct {
	Status       string                 `json:"status"` // "approval_required"
	ApprovalType ApprovalKind           `json:"approval_type"`
	WorkflowID   string                 `json:"workflow_id"`
	Description  string                 `json:"description,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Options      []string               `json:"options,omitempty"`
}

// ExecuteResult is the terminal envelope returned to the host for a
// completed (or failed) execute call.
type ExecuteResult struct {
	Status          string      `json:"status"` // "success" | "error" | "suggestion" | "aborted"
	Result          interface{} `json:"result,omitempty"`
	Error           *ErrorInfo  `json:"error,omitempty"`
	ExecutedLocally bool        `json:"executed_locally,omitempty"`
	WorkflowID      string      `json:"workflow_id,omitempty"`
	Suggestion      interface{} `json:"suggestion,omitempty"`
}

// ErrorInfo is the structured error object surfaced inside successful MCP
// envelopes so the host LLM can reason about failures.
type ErrorInfo struct {
	Kind    string `json:"kind"` // transport, timeout, runtime, memory, not_found, ...
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ── MCP Protocol Types ───────────────────────────────────────

// MCPProtocolVersion is the protocol revision spoken on both sides.
const MCPProtocolVersion = "2024-11-05"

type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

type MCPResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC error codes used by the gateway.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeBackpressure   = -32000
)

type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type MCPToolResult struct {
	Content []MCPContent           `json:"content"`
	IsError bool                   `json:"isError,omitempty"`
	Meta    map[string]interface{} `json:"_meta,omitempty"`
}

type MCPContent struct {
	Type string `json:"type"` // text, image, resource
	Text string `json:"text,omitempty"`
}

// TextResult wraps a JSON-encodable value as a single text content entry.
func TextResult(v interface{}) *MCPToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(v)))
	}
	return &MCPToolResult{Content: []MCPContent{{Type: "text", Text: string(data)}}}
}

// MCPResourceContents is the resources/read result payload.
type MCPResourceContents struct {
	Contents []MCPResourceContent `json:"contents"`
}

type MCPResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// MCPNotification is an outbound JSON-RPC notification (no id).
type MCPNotification struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// LogMessageParams is the payload of notifications/message.
type LogMessageParams struct {
	Level  string      `json:"level"`
	Logger string      `json:"logger,omitempty"`
	Data   interface{} `json:"data"`
}

// ── Workflow Patterns (cloud-side cache) ─────────────────────

// WorkflowPattern is a cached, reusable plan persisted next to capability
// records. The intent embedding is written by the cloud; the gateway only
// reads and updates usage counters.
type WorkflowPattern struct {
	PatternID        string                 `json:"pattern_id" db:"pattern_id"`
	PatternHash      string                 `json:"pattern_hash" db:"pattern_hash"`
	CodeHash         string                 `json:"code_hash" db:"code_hash"`
	Name             string                 `json:"name" db:"name"`
	Description      string                 `json:"description,omitempty" db:"description"`
	CodeSnippet      string                 `json:"code_snippet,omitempty" db:"code_snippet"`
	DAGStructure     map[string]interface{} `json:"dag_structure,omitempty"`
	CacheConfig      map[string]interface{} `json:"cache_config,omitempty"`
	ParametersSchema map[string]interface{} `json:"parameters_schema,omitempty"`
	UsageCount       int64                  `json:"usage_count" db:"usage_count"`
	SuccessCount     int64                  `json:"success_count" db:"success_count"`
	AvgDurationMs    int64                  `json:"avg_duration_ms" db:"avg_duration_ms"`
	Source           string                 `json:"source,omitempty" db:"source"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
	LastUsed         *time.Time             `json:"last_used,omitempty" db:"last_used"`
}
