package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/pmlhq/pml-gateway/internal/cloud"
	"github.com/pmlhq/pml-gateway/internal/pending"
	"github.com/pmlhq/pml-gateway/internal/registry"
	"github.com/pmlhq/pml-gateway/internal/routing"
	"github.com/pmlhq/pml-gateway/internal/sandbox"
	"github.com/pmlhq/pml-gateway/internal/threshold"
	"github.com/pmlhq/pml-gateway/pkg/models"
)

type fakePlanner struct {
	resp *cloud.PlanResponse
	err  error
	got  cloud.ExecuteRequest
}

func (f *fakePlanner) Execute(_ context.Context, req cloud.ExecuteRequest) (*cloud.PlanResponse, error) {
	f.got = req
	return f.resp, f.err
}

// fakeRunner replays scripted outcomes and can drive the tool handler to
// simulate bridged calls.
type fakeRunner struct {
	script []func(req sandbox.Request) *sandbox.Outcome
	calls  int
}

func (f *fakeRunner) Execute(_ context.Context, req sandbox.Request) *sandbox.Outcome {
	fn := f.script[f.calls]
	f.calls++
	return fn(req)
}

type fakeRouter struct {
	result interface{}
	ui     *models.UIMeta
	err    error
	calls  []string
}

func (f *fakeRouter) Call(_ context.Context, toolID string, _ map[string]interface{}) (interface{}, *models.UIMeta, error) {
	f.calls = append(f.calls, toolID)
	return f.result, f.ui, f.err
}

func newTestOrchestrator(planner Planner, runner Runner, router ToolRouter) (*Orchestrator, *pending.Store, *routing.Resolver) {
	p := pending.NewStore(0)
	r := routing.NewResolver("/tmp/nonexistent-workspace")
	o := New(Options{
		Planner:    planner,
		Runner:     runner,
		Router:     router,
		Pending:    p,
		Resolver:   r,
		Registry:   registry.NewMemoryRegistry(),
		Thresholds: threshold.NewController(0.85, 0.70),
	})
	return o, p, r
}

// ─── Cloud passthrough ───────────────────────────────────────

func TestCloudSuccessPassesThrough(t *testing.T) {
	planner := &fakePlanner{resp: &cloud.PlanResponse{Status: "success", Result: []interface{}{"a", "b"}}}
	o, _, _ := newTestOrchestrator(planner, &fakeRunner{}, &fakeRouter{})

	out := o.Execute(context.Background(), models.ExecuteInput{Intent: "show tools"})
	res, ok := out.Payload.(models.ExecuteResult)
	if !ok {
		t.Fatalf("Payload type = %T, want ExecuteResult", out.Payload)
	}
	if res.Status != "success" || res.ExecutedLocally {
		t.Errorf("result = %+v, want cloud success without local execution", res)
	}
}

func TestPlannerTransportErrorBecomesEnvelope(t *testing.T) {
	planner := &fakePlanner{err: context.DeadlineExceeded}
	o, _, _ := newTestOrchestrator(planner, &fakeRunner{}, &fakeRouter{})

	out := o.Execute(context.Background(), models.ExecuteInput{Intent: "x"})
	res := out.Payload.(models.ExecuteResult)
	if res.Status != "error" || res.Error == nil || res.Error.Kind != "transport" {
		t.Errorf("result = %+v, want transport error envelope", res)
	}
}

// ─── Local execution ─────────────────────────────────────────

func TestLocalExecutionRoutesTools(t *testing.T) {
	planner := &fakePlanner{resp: &cloud.PlanResponse{
		Status: "execute_locally",
		Local: &models.ExecuteLocally{
			Status:     "execute_locally",
			Code:       "return await mcp.fs.read({path:'/tmp/x'})",
			ToolsUsed:  []models.ToolBinding{{ID: "fs:read", FQDN: "alice.default.fs.read.a1b2"}},
			WorkflowID: "01932aaa",
		},
	}}
	router := &fakeRouter{result: "hello"}
	runner := &fakeRunner{script: []func(sandbox.Request) *sandbox.Outcome{
		func(req sandbox.Request) *sandbox.Outcome {
			result, err := req.Handler(context.Background(), "fs", "read", map[string]interface{}{"path": "/tmp/x"})
			if err != nil {
				t.Fatalf("handler error = %v", err)
			}
			return &sandbox.Outcome{Status: sandbox.StatusCompleted, Result: result}
		},
	}}
	o, _, _ := newTestOrchestrator(planner, runner, router)

	out := o.Execute(context.Background(), models.ExecuteInput{Intent: "read x"})
	res := out.Payload.(models.ExecuteResult)
	if res.Status != "success" || res.Result != "hello" {
		t.Errorf("result = %+v, want success hello", res)
	}
	if !res.ExecutedLocally || res.WorkflowID != "01932aaa" {
		t.Errorf("result = %+v, want executed_locally with workflow id", res)
	}
	if len(router.calls) != 1 || router.calls[0] != "fs:read" {
		t.Errorf("router calls = %v, want [fs:read]", router.calls)
	}
}

func TestDirectCodeSkipsPlanner(t *testing.T) {
	planner := &fakePlanner{}
	runner := &fakeRunner{script: []func(sandbox.Request) *sandbox.Outcome{
		func(sandbox.Request) *sandbox.Outcome {
			return &sandbox.Outcome{Status: sandbox.StatusCompleted, Result: float64(3)}
		},
	}}
	o, _, _ := newTestOrchestrator(planner, runner, &fakeRouter{})

	out := o.Execute(context.Background(), models.ExecuteInput{Code: "1 + 2"})
	res := out.Payload.(models.ExecuteResult)
	if res.Status != "success" || res.WorkflowID == "" {
		t.Errorf("result = %+v, want success with generated workflow id", res)
	}
	if planner.got.Intent != "" || planner.got.Code != "" {
		t.Error("planner must not be called for direct code execution")
	}
}

// ─── HIL pause and resume ────────────────────────────────────

func pausedPlanner(workflowID string) *fakePlanner {
	return &fakePlanner{resp: &cloud.PlanResponse{
		Status: "execute_locally",
		Local: &models.ExecuteLocally{
			Status:     "execute_locally",
			Code:       "return await mcp.pay.charge({amount: 5})",
			ToolsUsed:  []models.ToolBinding{{ID: "pay:charge", FQDN: "alice.default.pay.charge.b2c3"}},
			WorkflowID: workflowID,
		},
	}}
}

func TestPermissionPauseAndResume(t *testing.T) {
	cp := &sandbox.Checkpoint{
		Kind:        models.ApprovalToolPermission,
		Description: "pay:charge needs approval",
		Context:     map[string]interface{}{"tool": "pay:charge"},
	}
	runner := &fakeRunner{script: []func(sandbox.Request) *sandbox.Outcome{
		func(sandbox.Request) *sandbox.Outcome {
			return &sandbox.Outcome{Status: sandbox.StatusPaused, Checkpoint: cp}
		},
		func(req sandbox.Request) *sandbox.Outcome {
			if req.Context["__continuation"] != true {
				t.Error("resumed run must carry the continuation flag")
			}
			return &sandbox.Outcome{Status: sandbox.StatusCompleted, Result: "charged"}
		},
	}}
	o, store, resolver := newTestOrchestrator(pausedPlanner("01932bbb"), runner, &fakeRouter{})

	// First call pauses.
	out := o.Execute(context.Background(), models.ExecuteInput{Intent: "charge 5"})
	ar, ok := out.Payload.(models.ApprovalRequired)
	if !ok {
		t.Fatalf("Payload type = %T, want ApprovalRequired", out.Payload)
	}
	if ar.ApprovalType != models.ApprovalToolPermission || ar.WorkflowID != "01932bbb" {
		t.Errorf("envelope = %+v, want tool_permission for 01932bbb", ar)
	}
	if len(ar.Options) != 2 {
		t.Errorf("Options = %v, want [continue abort]", ar.Options)
	}
	if _, ok := store.Get("01932bbb"); !ok {
		t.Fatal("pending entry missing after pause")
	}

	// Second call resumes.
	out = o.Execute(context.Background(), models.ExecuteInput{
		ContinueWorkflow: &models.ContinueWorkflow{WorkflowID: "01932bbb", Approved: true},
	})
	res := out.Payload.(models.ExecuteResult)
	if res.Status != "success" || res.Result != "charged" {
		t.Errorf("resumed result = %+v, want success charged", res)
	}
	if !resolver.ToolApproved("pay:charge") {
		t.Error("tool_permission pre-action must approve the tool for the session")
	}
	if _, ok := store.Get("01932bbb"); ok {
		t.Error("pending entry must be absent after resume")
	}
}

func TestRejectedContinuationAborts(t *testing.T) {
	runner := &fakeRunner{script: []func(sandbox.Request) *sandbox.Outcome{
		func(sandbox.Request) *sandbox.Outcome {
			return &sandbox.Outcome{Status: sandbox.StatusPaused, Checkpoint: &sandbox.Checkpoint{
				Kind: models.ApprovalToolPermission, Context: map[string]interface{}{"tool": "pay:charge"},
			}}
		},
	}}
	o, store, _ := newTestOrchestrator(pausedPlanner("01932ccc"), runner, &fakeRouter{})

	o.Execute(context.Background(), models.ExecuteInput{Intent: "charge"})
	out := o.Execute(context.Background(), models.ExecuteInput{
		ContinueWorkflow: &models.ContinueWorkflow{WorkflowID: "01932ccc", Approved: false},
	})
	res := out.Payload.(models.ExecuteResult)
	if res.Status != "aborted" {
		t.Errorf("Status = %q, want aborted", res.Status)
	}
	if _, ok := store.Get("01932ccc"); ok {
		t.Error("rejected workflow must be deleted from the pending store")
	}
}

func TestResumeUnknownWorkflow(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakePlanner{}, &fakeRunner{}, &fakeRouter{})
	out := o.Execute(context.Background(), models.ExecuteInput{
		ContinueWorkflow: &models.ContinueWorkflow{WorkflowID: "ghost", Approved: true},
	})
	res := out.Payload.(models.ExecuteResult)
	if res.Status != "error" || res.Error == nil || res.Error.Kind != "not_found" {
		t.Errorf("result = %+v, want not_found error", res)
	}
	if !strings.Contains(res.Error.Message, "unknown workflow") {
		t.Errorf("message = %q, want unknown workflow", res.Error.Message)
	}
}

func TestSandboxPermissionFailureBecomesApproval(t *testing.T) {
	runner := &fakeRunner{script: []func(sandbox.Request) *sandbox.Outcome{
		func(sandbox.Request) *sandbox.Outcome {
			return &sandbox.Outcome{Status: sandbox.StatusFailed, Err: &models.ErrorInfo{
				Kind:    sandbox.KindPermission,
				Message: "PermissionDenied: Requires net access to api.example.com:443",
			}}
		},
	}}
	o, store, _ := newTestOrchestrator(pausedPlanner("01932ddd"), runner, &fakeRouter{})

	out := o.Execute(context.Background(), models.ExecuteInput{Intent: "charge"})
	ar, ok := out.Payload.(models.ApprovalRequired)
	if !ok {
		t.Fatalf("Payload type = %T, want ApprovalRequired from escalation", out.Payload)
	}
	if ar.Context["requested_set"] == nil {
		t.Error("escalation context must carry the requested permission set")
	}
	if _, ok := store.Get("01932ddd"); !ok {
		t.Error("denial pause must store the pending workflow")
	}
}

func TestDenialApprovalWidensSandboxPermissions(t *testing.T) {
	runner := &fakeRunner{script: []func(sandbox.Request) *sandbox.Outcome{
		func(req sandbox.Request) *sandbox.Outcome {
			if req.Permissions != "" {
				t.Errorf("first pass Permissions = %q, want minimal", req.Permissions)
			}
			return &sandbox.Outcome{Status: sandbox.StatusFailed, Err: &models.ErrorInfo{
				Kind:    sandbox.KindPermission,
				Message: "PermissionDenied: Requires net access to api.example.com:443",
			}}
		},
		func(req sandbox.Request) *sandbox.Outcome {
			if req.Permissions != "network-api" {
				t.Errorf("resumed Permissions = %q, want network-api", req.Permissions)
			}
			return &sandbox.Outcome{Status: sandbox.StatusCompleted, Result: "charged"}
		},
	}}
	o, store, _ := newTestOrchestrator(pausedPlanner("01933fff"), runner, &fakeRouter{})

	out := o.Execute(context.Background(), models.ExecuteInput{Intent: "charge"})
	ar, ok := out.Payload.(models.ApprovalRequired)
	if !ok {
		t.Fatalf("Payload type = %T, want ApprovalRequired", out.Payload)
	}
	if ar.Context["requested_set"] != "network-api" {
		t.Errorf("requested_set = %v, want network-api", ar.Context["requested_set"])
	}
	if _, present := ar.Context["tool"]; present {
		t.Error("process-level denial must not carry a tool field")
	}
	if entry, ok := store.Get("01933fff"); !ok || entry.Intent != "charge" {
		t.Errorf("pending entry = %+v, want stored intent for replanning", entry)
	}

	// Approval widens the tier; the replay succeeds instead of
	// re-hitting the same denial.
	out = o.Execute(context.Background(), models.ExecuteInput{
		ContinueWorkflow: &models.ContinueWorkflow{WorkflowID: "01933fff", Approved: true},
	})
	res := out.Payload.(models.ExecuteResult)
	if res.Status != "success" || res.Result != "charged" {
		t.Errorf("resumed result = %+v, want success charged", res)
	}
	if runner.calls != 2 {
		t.Errorf("sandbox passes = %d, want exactly 2", runner.calls)
	}
}

func TestIntegrityMismatchPausesAndResumes(t *testing.T) {
	// Registry holds v2 of the capability; the plan references v1.
	fqdn := "alice.default.pay.charge." + models.ShortHash("v1 code")
	current := models.ContentHash("v2 code")
	reg := registry.NewMemoryRegistry()
	reg.Create(context.Background(), &models.Capability{
		FQDN:        fqdn,
		DisplayName: "charge",
		Org:         "alice",
		Project:     "default",
		Hash:        current,
	})

	planner := &fakePlanner{resp: &cloud.PlanResponse{
		Status: "execute_locally",
		Local: &models.ExecuteLocally{
			Status:     "execute_locally",
			Code:       "return await mcp.pay.charge({amount: 5})",
			ToolsUsed:  []models.ToolBinding{{ID: "pay:charge", FQDN: fqdn}},
			WorkflowID: "01933abc",
		},
	}}
	runner := &fakeRunner{script: []func(sandbox.Request) *sandbox.Outcome{
		func(sandbox.Request) *sandbox.Outcome {
			return &sandbox.Outcome{Status: sandbox.StatusCompleted, Result: "charged"}
		},
		func(sandbox.Request) *sandbox.Outcome {
			return &sandbox.Outcome{Status: sandbox.StatusCompleted, Result: "charged"}
		},
	}}
	store := pending.NewStore(0)
	resolver := routing.NewResolver("/tmp/nonexistent-workspace")
	o := New(Options{
		Planner:  planner,
		Runner:   runner,
		Router:   &fakeRouter{},
		Pending:  store,
		Resolver: resolver,
		Registry: reg,
	})

	// The stale reference pauses before the sandbox ever runs.
	out := o.Execute(context.Background(), models.ExecuteInput{Intent: "charge"})
	ar, ok := out.Payload.(models.ApprovalRequired)
	if !ok {
		t.Fatalf("Payload type = %T, want ApprovalRequired", out.Payload)
	}
	if ar.ApprovalType != models.ApprovalIntegrity {
		t.Errorf("ApprovalType = %q, want integrity", ar.ApprovalType)
	}
	if ar.Context["hash"] != current {
		t.Errorf("Context hash = %v, want the stored hash", ar.Context["hash"])
	}
	if runner.calls != 0 {
		t.Errorf("sandbox ran %d times before approval, want 0", runner.calls)
	}

	// Approval records the hash and runs the workflow.
	out = o.Execute(context.Background(), models.ExecuteInput{
		ContinueWorkflow: &models.ContinueWorkflow{WorkflowID: "01933abc", Approved: true},
	})
	res := out.Payload.(models.ExecuteResult)
	if res.Status != "success" || res.Result != "charged" {
		t.Errorf("resumed result = %+v, want success charged", res)
	}
	if !resolver.HashApproved(routing.FQDNBase(fqdn), current) {
		t.Error("integrity pre-action must approve the hash for the session")
	}

	// The same plan now runs without pausing.
	out = o.Execute(context.Background(), models.ExecuteInput{Intent: "charge"})
	if _, paused := out.Payload.(models.ApprovalRequired); paused {
		t.Error("approved hash must not pause again")
	}
}

// ─── UI collection ───────────────────────────────────────────

func TestSingleUIPassesThrough(t *testing.T) {
	router := &fakeRouter{result: "ok", ui: &models.UIMeta{
		ResourceURI: "ui://viewer/1",
		Context:     map[string]interface{}{"k": "v"},
	}}
	runner := &fakeRunner{script: []func(sandbox.Request) *sandbox.Outcome{
		func(req sandbox.Request) *sandbox.Outcome {
			req.Handler(context.Background(), "view", "show", nil)
			return &sandbox.Outcome{Status: sandbox.StatusCompleted, Result: "ok"}
		},
	}}
	o, _, _ := newTestOrchestrator(pausedPlanner("01932eee"), runner, router)

	out := o.Execute(context.Background(), models.ExecuteInput{Intent: "view"})
	if out.UI == nil || out.UI.ResourceURI != "ui://viewer/1" {
		t.Errorf("UI = %+v, want pass-through of the single resource", out.UI)
	}
	if out.UI.HTML != "" {
		t.Error("single UI must not carry composite HTML")
	}
}

func TestMultipleUIsComposed(t *testing.T) {
	var registeredURI string
	router := &fakeRouter{result: "ok", ui: &models.UIMeta{ResourceURI: "ui://viewer/x"}}
	runner := &fakeRunner{script: []func(sandbox.Request) *sandbox.Outcome{
		func(req sandbox.Request) *sandbox.Outcome {
			req.Handler(context.Background(), "a", "one", nil)
			req.Handler(context.Background(), "b", "two", nil)
			return &sandbox.Outcome{Status: sandbox.StatusCompleted, Result: "ok"}
		},
	}}
	o, _, _ := newTestOrchestrator(pausedPlanner("01932fff"), runner, router)
	o.registerUI = func(uri, html string) { registeredURI = uri }

	out := o.Execute(context.Background(), models.ExecuteInput{Intent: "both"})
	if out.UI == nil || out.UI.HTML == "" {
		t.Fatal("two UIs must produce a composite with inline HTML")
	}
	if out.UI.ResourceURI != "ui://pml/workflow/01932fff" {
		t.Errorf("ResourceURI = %q, want ui://pml/workflow/01932fff", out.UI.ResourceURI)
	}
	if registeredURI != out.UI.ResourceURI {
		t.Errorf("composite HTML registered at %q, want %q", registeredURI, out.UI.ResourceURI)
	}
}

// ─── Abort ───────────────────────────────────────────────────

func TestAbortPendingWorkflow(t *testing.T) {
	runner := &fakeRunner{script: []func(sandbox.Request) *sandbox.Outcome{
		func(sandbox.Request) *sandbox.Outcome {
			return &sandbox.Outcome{Status: sandbox.StatusPaused, Checkpoint: &sandbox.Checkpoint{
				Kind: models.ApprovalToolPermission, Context: map[string]interface{}{},
			}}
		},
	}}
	o, store, _ := newTestOrchestrator(pausedPlanner("01932abc"), runner, &fakeRouter{})

	o.Execute(context.Background(), models.ExecuteInput{Intent: "x"})
	if !o.Abort("01932abc") {
		t.Error("Abort() = false for a pending workflow")
	}
	if _, ok := store.Get("01932abc"); ok {
		t.Error("aborted workflow still pending")
	}
	if o.Abort("01932abc") {
		t.Error("Abort() = true for an already-aborted workflow")
	}
}
