// Package orchestrator drives the execute meta-tool end to end: forward
// an intent to the cloud planner, run execute_locally envelopes in the
// sandbox, pause on human-in-the-loop checkpoints, and resume approved
// workflows from the pending store.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pmlhq/pml-gateway/internal/cloud"
	"github.com/pmlhq/pml-gateway/internal/compositeui"
	"github.com/pmlhq/pml-gateway/internal/dag"
	"github.com/pmlhq/pml-gateway/internal/escalation"
	"github.com/pmlhq/pml-gateway/internal/pending"
	"github.com/pmlhq/pml-gateway/internal/registry"
	"github.com/pmlhq/pml-gateway/internal/routing"
	"github.com/pmlhq/pml-gateway/internal/sandbox"
	"github.com/pmlhq/pml-gateway/internal/threshold"
	"github.com/pmlhq/pml-gateway/pkg/models"
)

// Planner forwards execute requests to the cloud.
type Planner interface {
	Execute(ctx context.Context, req cloud.ExecuteRequest) (*cloud.PlanResponse, error)
}

// Runner executes wrapped code in the sandbox.
type Runner interface {
	Execute(ctx context.Context, req sandbox.Request) *sandbox.Outcome
}

// ToolRouter dispatches one bridged tool call by its declared routing.
// It may return a *sandbox.Checkpoint error to pause the workflow.
type ToolRouter interface {
	Call(ctx context.Context, toolID string, args map[string]interface{}) (interface{}, *models.UIMeta, error)
}

// Events receives workflow lifecycle broadcasts; satisfied by the SSE
// manager.
type Events interface {
	Broadcast(eventType string, data interface{})
}

// Output is what a single execute call yields: the JSON envelope for the
// host plus an optional UI attachment.
type Output struct {
	Payload interface{}
	UI      *models.UIMeta
}

// Orchestrator coordinates cloud, sandbox, pending store, and routing
// state. Calls are strictly serial per workflow id and parallel across
// workflows.
type Orchestrator struct {
	planner    Planner
	runner     Runner
	router     ToolRouter
	pending    *pending.Store
	resolver   *routing.Resolver
	registry   registry.Registry
	thresholds *threshold.Controller
	events     Events
	registerUI func(uri, html string)

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc
}

// Options bundles the orchestrator's collaborators.
type Options struct {
	Planner    Planner
	Runner     Runner
	Router     ToolRouter
	Pending    *pending.Store
	Resolver   *routing.Resolver
	Registry   registry.Registry
	Thresholds *threshold.Controller
	Events     Events
	RegisterUI func(uri, html string)
}

// New wires an orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		planner:    opts.Planner,
		runner:     opts.Runner,
		router:     opts.Router,
		pending:    opts.Pending,
		resolver:   opts.Resolver,
		registry:   opts.Registry,
		thresholds: opts.Thresholds,
		events:     opts.Events,
		registerUI: opts.RegisterUI,
	}
}

// SetRegisterUI installs the composite-HTML sink after construction,
// breaking the orchestrator↔gateway wiring cycle.
func (o *Orchestrator) SetRegisterUI(fn func(uri, html string)) {
	o.registerUI = fn
}

// lockWorkflow serializes calls touching one workflow id.
func (o *Orchestrator) lockWorkflow(id string) func() {
	o.mu.Lock()
	if o.locks == nil {
		o.locks = make(map[string]*sync.Mutex)
	}
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Execute handles one invocation of the execute meta-tool.
func (o *Orchestrator) Execute(ctx context.Context, input models.ExecuteInput) *Output {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "execute")
	defer span.End()

	if input.ContinueWorkflow != nil {
		return o.resume(ctx, input.ContinueWorkflow)
	}

	// Direct code with no intent skips the planner.
	if input.Code != "" && input.Intent == "" {
		wid := newWorkflowID()
		span.SetAttributes(attribute.String("workflow_id", wid))
		return o.runLocal(ctx, &models.ExecuteLocally{
			Status:     "execute_locally",
			Code:       input.Code,
			WorkflowID: wid,
		}, input.Options, "")
	}

	plan, err := o.planner.Execute(ctx, cloud.ExecuteRequest{
		Intent:           input.Intent,
		Code:             input.Code,
		Options:          input.Options,
		AcceptSuggestion: input.AcceptSuggestion,
		ClientTools:      o.resolver.Tools(),
		Replan:           input.Replan,
	})
	if err != nil {
		return errOutput("transport", err.Error())
	}

	if plan.Local != nil {
		span.SetAttributes(attribute.String("workflow_id", plan.Local.WorkflowID))
		return o.runLocal(ctx, plan.Local, input.Options, input.Intent)
	}

	// Terminal cloud responses pass through unchanged.
	return &Output{Payload: models.ExecuteResult{
		Status:     plan.Status,
		Result:     plan.Result,
		Error:      plan.Error,
		Suggestion: plan.Suggestion,
	}}
}

// ForwardToolCall sends a tools/call the gateway does not recognize to
// the planner with its name and arguments intact. The cloud may answer
// directly or hand back an execute_locally envelope like any plan.
func (o *Orchestrator) ForwardToolCall(ctx context.Context, name string, args map[string]interface{}) *Output {
	plan, err := o.planner.Execute(ctx, cloud.ExecuteRequest{
		ToolCall:    &cloud.ToolCall{Name: name, Arguments: args},
		ClientTools: o.resolver.Tools(),
	})
	if err != nil {
		return errOutput("transport", err.Error())
	}
	if plan.Local != nil {
		return o.runLocal(ctx, plan.Local, nil, "")
	}
	return &Output{Payload: models.ExecuteResult{
		Status:     plan.Status,
		Result:     plan.Result,
		Error:      plan.Error,
		Suggestion: plan.Suggestion,
	}}
}

// uiCollector accumulates _meta.ui entries in execution order.
type uiCollector struct {
	mu        sync.Mutex
	resources []models.UIResource
}

func (c *uiCollector) add(toolID string, ui *models.UIMeta) {
	if ui == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = append(c.resources, models.UIResource{
		Source:      toolID,
		ResourceURI: ui.ResourceURI,
		Context:     ui.Context,
		Slot:        len(c.resources),
	})
}

func (c *uiCollector) all() []models.UIResource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.UIResource(nil), c.resources...)
}

// runLocal executes a cloud envelope in the sandbox. The originating
// intent rides along so a paused workflow can be replanned later.
func (o *Orchestrator) runLocal(ctx context.Context, local *models.ExecuteLocally, opts *models.ExecuteOptions, intent string) *Output {
	unlock := o.lockWorkflow(local.WorkflowID)
	defer unlock()

	fqdnMap := make(map[string]string, len(local.ToolsUsed))
	for _, b := range local.ToolsUsed {
		fqdnMap[b.ID] = b.FQDN
	}

	var tasks []models.DAGTask
	if local.DAG != nil {
		tasks = local.DAG.Tasks
		if err := dag.Validate(tasks); err != nil {
			return errOutput("runtime", "invalid task graph: "+err.Error())
		}
		if opts != nil && opts.PerLayerValidation {
			if err := dag.ValidateConditions(tasks); err != nil {
				return errOutput("runtime", "invalid task condition: "+err.Error())
			}
		}
	}

	entry := &models.PendingWorkflow{
		WorkflowID: local.WorkflowID,
		Code:       local.Code,
		Intent:     intent,
		FQDNMap:    fqdnMap,
		Tasks:      tasks,
	}

	if cp := o.verifyIntegrity(ctx, entry, local.ToolsUsed); cp != nil {
		return o.pause(entry, cp)
	}

	return o.runSandbox(ctx, entry, local.UIOrchestration, opts, nil)
}

// verifyIntegrity checks each referenced capability against its registry
// record. The FQDN embeds the short hash of the capability code at plan
// time; when the stored record's hash no longer matches, the content
// changed underneath the plan and the run pauses for an integrity
// approval — unless the hash was already approved this session.
func (o *Orchestrator) verifyIntegrity(ctx context.Context, entry *models.PendingWorkflow, bindings []models.ToolBinding) *sandbox.Checkpoint {
	if o.registry == nil {
		return nil
	}
	for _, b := range bindings {
		if b.FQDN == "" {
			continue
		}
		rec, err := o.registry.GetByFQDN(ctx, b.FQDN)
		if err != nil {
			// Unknown capability: nothing stored to verify against.
			continue
		}
		short := b.FQDN[strings.LastIndex(b.FQDN, ".")+1:]
		if strings.HasPrefix(rec.Hash, short) {
			continue
		}
		if o.resolver.HashApproved(routing.FQDNBase(b.FQDN), rec.Hash) {
			continue
		}
		return &sandbox.Checkpoint{
			Kind:        models.ApprovalIntegrity,
			Description: fmt.Sprintf("capability %s content changed since it was planned", b.FQDN),
			Context: map[string]interface{}{
				"tool": b.ID,
				"fqdn": b.FQDN,
				"hash": rec.Hash,
			},
		}
	}
	return nil
}

// runSandbox performs one sandbox pass for a workflow, fresh or resumed.
func (o *Orchestrator) runSandbox(ctx context.Context, entry *models.PendingWorkflow, orch *models.UIOrchestration, opts *models.ExecuteOptions, extraCtx map[string]interface{}) *Output {
	collector := &uiCollector{}
	handler := func(hctx context.Context, server, tool string, args map[string]interface{}) (interface{}, error) {
		toolID := server + ":" + tool
		result, ui, err := o.router.Call(hctx, toolID, args)
		if err != nil {
			return nil, err
		}
		collector.add(toolID, ui)
		return result, nil
	}

	var timeout time.Duration
	if opts != nil && opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	// Register a cancel so Abort can kill the run mid-flight.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	if o.cancels == nil {
		o.cancels = make(map[string]context.CancelFunc)
	}
	o.cancels[entry.WorkflowID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, entry.WorkflowID)
		o.mu.Unlock()
	}()

	started := time.Now()
	outcome := o.runner.Execute(ctx, sandbox.Request{
		Code:        entry.Code,
		Context:     extraCtx,
		Timeout:     timeout,
		Handler:     handler,
		Permissions: entry.PermissionSet,
	})
	elapsed := time.Since(started)

	switch outcome.Status {
	case sandbox.StatusPaused:
		return o.pause(entry, outcome.Checkpoint)

	case sandbox.StatusCompleted:
		o.recordUsage(ctx, entry, true, elapsed)
		o.broadcast("workflow_completed", map[string]interface{}{
			"workflow_id": entry.WorkflowID,
			"duration_ms": elapsed.Milliseconds(),
		})
		out := &Output{Payload: models.ExecuteResult{
			Status:          "success",
			Result:          outcome.Result,
			ExecutedLocally: true,
			WorkflowID:      entry.WorkflowID,
		}}
		out.UI = o.assembleUI(entry.WorkflowID, collector.all(), orch)
		return out

	default: // failed
		o.recordUsage(ctx, entry, false, elapsed)
		if outcome.Err != nil && outcome.Err.Kind == sandbox.KindPermission {
			if paused := o.pauseOnDenial(entry, outcome.Err.Message); paused != nil {
				return paused
			}
		}
		o.broadcast("workflow_failed", map[string]interface{}{
			"workflow_id": entry.WorkflowID,
			"error":       outcome.Err,
		})
		return &Output{Payload: models.ExecuteResult{
			Status:          "error",
			Error:           outcome.Err,
			ExecutedLocally: true,
			WorkflowID:      entry.WorkflowID,
		}}
	}
}

// pause stores the workflow and returns the approval envelope.
func (o *Orchestrator) pause(entry *models.PendingWorkflow, cp *sandbox.Checkpoint) *Output {
	entry.ApprovalKind = cp.Kind
	entry.Payload = cp.Context
	if tool, ok := cp.Context["tool"].(string); ok {
		entry.ToolID = tool
	}
	o.pending.SetWithID(entry.WorkflowID, entry)

	o.broadcast("approval_required", map[string]interface{}{
		"workflow_id":   entry.WorkflowID,
		"approval_type": cp.Kind,
	})
	log.Info().
		Str("workflow_id", entry.WorkflowID).
		Str("kind", string(cp.Kind)).
		Msg("Workflow paused for approval")

	return &Output{Payload: models.ApprovalRequired{
		Status:       "approval_required",
		ApprovalType: cp.Kind,
		WorkflowID:   entry.WorkflowID,
		Description:  cp.Description,
		Context:      cp.Context,
		Options:      []string{"continue", "abort"},
	}}
}

// pauseOnDenial turns a sandbox permission failure into a HIL pause when
// the escalation engine can propose a concrete target. The denial is
// process-level, so no tool id is attached; approval widens the
// sandbox's permission tier for the replay instead.
func (o *Orchestrator) pauseOnDenial(entry *models.PendingWorkflow, message string) *Output {
	current := escalation.SetMinimal
	if entry.PermissionSet != "" {
		current = escalation.PermissionSet(entry.PermissionSet)
	}
	suggestion := escalation.Suggest(message, current)
	if suggestion == nil {
		return nil
	}
	cp := &sandbox.Checkpoint{
		Kind:        models.ApprovalToolPermission,
		Description: suggestion.Reason,
		Context: map[string]interface{}{
			"current_set":   string(suggestion.CurrentSet),
			"requested_set": string(suggestion.RequestedSet),
			"operation":     string(suggestion.DetectedOperation),
			"resource":      suggestion.Resource,
			"confidence":    suggestion.Confidence,
		},
	}
	return o.pause(entry, cp)
}

// resume continues a previously paused workflow.
func (o *Orchestrator) resume(ctx context.Context, cw *models.ContinueWorkflow) *Output {
	unlock := o.lockWorkflow(cw.WorkflowID)
	defer unlock()

	entry, ok := o.pending.Get(cw.WorkflowID)
	if !ok {
		return errOutput("not_found", "unknown workflow "+cw.WorkflowID)
	}

	if !cw.Approved {
		o.pending.Delete(cw.WorkflowID)
		o.broadcast("workflow_aborted", map[string]interface{}{"workflow_id": cw.WorkflowID})
		return &Output{Payload: models.ExecuteResult{
			Status:     "aborted",
			WorkflowID: cw.WorkflowID,
		}}
	}

	switch entry.ApprovalKind {
	case models.ApprovalToolPermission:
		if entry.ToolID != "" {
			o.resolver.ApproveTool(entry.ToolID)
		}
		// An escalation pause carries the approved tier; the replayed
		// sandbox pass runs with the widened flags.
		if set, ok := entry.Payload["requested_set"].(string); ok && set != "" {
			entry.PermissionSet = set
		}
	case models.ApprovalAPIKeyRequired, models.ApprovalOAuthConnect:
		if err := o.resolver.ReloadEnv(); err != nil {
			log.Warn().Err(err).Msg("Env reload on continuation failed")
		}
		// A reloaded .env may carry a fresh planner credential.
		if p, ok := o.planner.(interface{ SetAPIKey(string) }); ok {
			if key := os.Getenv("PML_API_KEY"); key != "" {
				p.SetAPIKey(key)
			}
		}
	case models.ApprovalIntegrity:
		if fqdn, ok := entry.FQDNMap[entry.ToolID]; ok {
			if hash, ok := entry.Payload["hash"].(string); ok {
				o.resolver.ApproveHash(routing.FQDNBase(fqdn), hash)
			}
		}
	case models.ApprovalDependency:
		// Installer already ran; nothing to restore.
	}

	o.pending.Delete(cw.WorkflowID)
	log.Info().Str("workflow_id", cw.WorkflowID).Msg("Workflow resumed")

	return o.runSandbox(ctx, entry, nil, nil, map[string]interface{}{
		"__continuation": true,
	})
}

// Abort kills a running sandbox pass and invalidates any pending entry
// for the workflow. Returns false when the id is neither running nor
// pending.
func (o *Orchestrator) Abort(workflowID string) bool {
	o.mu.Lock()
	cancel, running := o.cancels[workflowID]
	o.mu.Unlock()
	if running {
		// The cancel is taken before the workflow lock: the running
		// pass holds that lock until the sandbox exits.
		cancel()
	}

	unlock := o.lockWorkflow(workflowID)
	defer unlock()

	_, pending := o.pending.Get(workflowID)
	if pending {
		o.pending.Delete(workflowID)
	}
	if !running && !pending {
		return false
	}
	o.broadcast("workflow_aborted", map[string]interface{}{"workflow_id": workflowID})
	return true
}

// assembleUI applies the 0/1/many rule to collected UI resources.
func (o *Orchestrator) assembleUI(workflowID string, resources []models.UIResource, orch *models.UIOrchestration) *models.UIMeta {
	switch len(resources) {
	case 0:
		return nil
	case 1:
		return &models.UIMeta{
			ResourceURI: resources[0].ResourceURI,
			Context:     resources[0].Context,
		}
	default:
		cfg := models.UIOrchestration{}
		if orch != nil {
			cfg = *orch
		}
		composite := compositeui.Generate(workflowID, resources, cfg)
		if o.registerUI != nil {
			o.registerUI(composite.ResourceURI, composite.HTML)
		}
		o.broadcast("composite_ui", map[string]interface{}{
			"workflow_id":  workflowID,
			"resource_uri": composite.ResourceURI,
			"children":     len(resources),
		})
		return &models.UIMeta{ResourceURI: composite.ResourceURI, HTML: composite.HTML}
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, entry *models.PendingWorkflow, success bool, elapsed time.Duration) {
	if o.thresholds != nil {
		o.thresholds.Record(models.ExecutionRecord{
			Confidence:      1.0,
			Mode:            models.ModeExplicit,
			Success:         success,
			ExecutionTimeMs: elapsed.Milliseconds(),
			Timestamp:       time.Now().UTC(),
		})
	}
	if o.registry == nil {
		return
	}
	for _, fqdn := range entry.FQDNMap {
		if err := o.registry.RecordUsage(ctx, fqdn, success, elapsed.Milliseconds()); err != nil && !registry.IsNotFound(err) {
			log.Warn().Str("fqdn", fqdn).Err(err).Msg("Usage recording failed")
		}
	}

	// Successful runs refresh the workflow-pattern cache, keyed by code
	// hash so repeated plans bump counters instead of duplicating rows.
	if success && entry.Code != "" {
		codeHash := models.ContentHash(entry.Code)
		err := o.registry.UpsertPattern(ctx, &models.WorkflowPattern{
			PatternID:     uuid.NewString(),
			PatternHash:   codeHash,
			CodeHash:      codeHash,
			CodeSnippet:   entry.Code,
			UsageCount:    1,
			SuccessCount:  1,
			AvgDurationMs: elapsed.Milliseconds(),
			Source:        "local",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Pattern cache update failed")
		}
	}
}

func (o *Orchestrator) broadcast(eventType string, data interface{}) {
	if o.events != nil {
		o.events.Broadcast(eventType, data)
	}
}

func errOutput(kind, message string) *Output {
	return &Output{Payload: models.ExecuteResult{
		Status: "error",
		Error:  &models.ErrorInfo{Kind: kind, Message: message},
	}}
}

// newWorkflowID issues a UUIDv7 so workflow ids double as sortable trace
// ids.
func newWorkflowID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
