package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pmlhq/pml-gateway/internal/cloud"
	"github.com/pmlhq/pml-gateway/internal/config"
	"github.com/pmlhq/pml-gateway/internal/orchestrator"
	"github.com/pmlhq/pml-gateway/internal/pending"
	"github.com/pmlhq/pml-gateway/internal/registry"
	"github.com/pmlhq/pml-gateway/internal/routing"
	"github.com/pmlhq/pml-gateway/internal/threshold"
	"github.com/pmlhq/pml-gateway/pkg/models"
)

// blockingPlanner returns a canned response, optionally holding until
// released to exercise concurrency limits.
type blockingPlanner struct {
	resp *cloud.PlanResponse
	hold chan struct{}
}

func (p *blockingPlanner) Execute(ctx context.Context, _ cloud.ExecuteRequest) (*cloud.PlanResponse, error) {
	if p.hold != nil {
		select {
		case <-p.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.resp, nil
}

// recordingPlanner captures the last request for assertions.
type recordingPlanner struct {
	resp *cloud.PlanResponse
	got  cloud.ExecuteRequest
}

func (p *recordingPlanner) Execute(_ context.Context, req cloud.ExecuteRequest) (*cloud.PlanResponse, error) {
	p.got = req
	return p.resp, nil
}

func newTestGateway(t *testing.T, planner orchestrator.Planner, gwCfg config.GatewayConfig) *Gateway {
	t.Helper()
	store := pending.NewStore(0)
	resolver := routing.NewResolver(t.TempDir())
	reg := registry.NewMemoryRegistry()
	orch := orchestrator.New(orchestrator.Options{
		Planner:    planner,
		Pending:    store,
		Resolver:   resolver,
		Registry:   reg,
		Thresholds: threshold.NewController(0.85, 0.70),
	})
	g, err := New(Options{
		Orchestrator: orch,
		Resolver:     resolver,
		Registry:     reg,
		Pending:      store,
		Gateway:      gwCfg,
		Scope:        models.Scope{Org: "test", Project: "default"},
		Version:      "0.0.0-test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func successGateway(t *testing.T) *Gateway {
	return newTestGateway(t,
		&blockingPlanner{resp: &cloud.PlanResponse{Status: "success", Result: []interface{}{"a", "b"}}},
		config.GatewayConfig{MaxConcurrent: 4, QueueSize: 8})
}

func roundTrip(t *testing.T, g *Gateway, frame string) *models.MCPResponse {
	t.Helper()
	raw := g.HandleMessage(context.Background(), []byte(frame))
	if raw == nil {
		t.Fatal("HandleMessage returned nil for a request")
	}
	var resp models.MCPResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	return &resp
}

// ─── Protocol surface ────────────────────────────────────────

func TestInitialize(t *testing.T) {
	g := successGateway(t)
	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if resp.Error != nil {
		t.Fatalf("initialize error = %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	if result["protocolVersion"] != models.MCPProtocolVersion {
		t.Errorf("protocolVersion = %v, want %s", result["protocolVersion"], models.MCPProtocolVersion)
	}
	info := result["serverInfo"].(map[string]interface{})
	if info["name"] != "pml-gateway" {
		t.Errorf("serverInfo.name = %v, want pml-gateway", info["name"])
	}
}

func TestToolsListStaticCatalog(t *testing.T) {
	g := successGateway(t)
	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	result := resp.Result.(map[string]interface{})
	tools := result["tools"].([]interface{})
	if len(tools) != 5 {
		t.Fatalf("len(tools) = %d, want 5 meta-tools", len(tools))
	}
	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.(map[string]interface{})["name"].(string)] = true
	}
	for _, want := range []string{"execute", "discover", "admin", "abort", "replan"} {
		if !names[want] {
			t.Errorf("tools/list missing %q", want)
		}
	}
}

func TestMalformedJSON(t *testing.T) {
	g := successGateway(t)
	resp := roundTrip(t, g, `{not json`)
	if resp.Error == nil || resp.Error.Code != models.CodeParseError {
		t.Errorf("error = %+v, want code %d", resp.Error, models.CodeParseError)
	}
}

func TestUnknownMethod(t *testing.T) {
	g := successGateway(t)
	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":3,"method":"bogus/method"}`)
	if resp.Error == nil || resp.Error.Code != models.CodeMethodNotFound {
		t.Errorf("error = %+v, want code %d", resp.Error, models.CodeMethodNotFound)
	}
}

func TestInvalidToolArgsRejected(t *testing.T) {
	g := successGateway(t)
	// continue_workflow missing required "approved".
	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"execute","arguments":{"continue_workflow":{"workflow_id":"x"}}}}`)
	if resp.Error == nil || resp.Error.Code != models.CodeInvalidParams {
		t.Errorf("error = %+v, want code %d", resp.Error, models.CodeInvalidParams)
	}
}

func TestNotificationGetsNoReply(t *testing.T) {
	g := successGateway(t)
	raw := g.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if raw != nil {
		t.Errorf("notification reply = %s, want none", raw)
	}
}

// ─── Execute dispatch ────────────────────────────────────────

func TestExecuteCloudSuccess(t *testing.T) {
	g := successGateway(t)
	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"execute","arguments":{"intent":"show tools"}}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var result models.MCPToolResult
	json.Unmarshal(raw, &result)
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content = %+v, want one text entry", result.Content)
	}
	var envelope models.ExecuteResult
	if err := json.Unmarshal([]byte(result.Content[0].Text), &envelope); err != nil {
		t.Fatalf("content text not JSON: %v", err)
	}
	if envelope.Status != "success" {
		t.Errorf("status = %q, want success", envelope.Status)
	}
}

func TestUnknownToolForwardsCallUnchanged(t *testing.T) {
	planner := &recordingPlanner{resp: &cloud.PlanResponse{Status: "success", Result: "sunny"}}
	g := newTestGateway(t, planner, config.GatewayConfig{MaxConcurrent: 4, QueueSize: 8})

	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"weather_lookup","arguments":{"city":"Oslo"}}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	if planner.got.ToolCall == nil || planner.got.ToolCall.Name != "weather_lookup" {
		t.Fatalf("ToolCall = %+v, want the original tool name", planner.got.ToolCall)
	}
	if planner.got.ToolCall.Arguments["city"] != "Oslo" {
		t.Errorf("ToolCall arguments = %v, want the original arguments", planner.got.ToolCall.Arguments)
	}
	if planner.got.Intent != "" {
		t.Error("forwarded call must not be rewritten into an intent")
	}
}

// ─── Resources ───────────────────────────────────────────────

func TestResourceRegisterAndRead(t *testing.T) {
	g := successGateway(t)
	g.RegisterUI("ui://composite/abc", "<html>x</html>")

	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":6,"method":"resources/read","params":{"uri":"ui://composite/abc"}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var contents models.MCPResourceContents
	json.Unmarshal(raw, &contents)
	if len(contents.Contents) != 1 {
		t.Fatalf("contents = %+v, want 1 entry", contents)
	}
	c := contents.Contents[0]
	if c.MimeType != "text/html" || c.Text != "<html>x</html>" {
		t.Errorf("content = %+v, want registered HTML", c)
	}
}

func TestResourceRegistrationIdempotent(t *testing.T) {
	g := successGateway(t)
	var notifications int
	var mu sync.Mutex
	g.SetNotifier(func(models.MCPNotification) {
		mu.Lock()
		notifications++
		mu.Unlock()
	})

	g.RegisterUI("ui://x", "<html></html>")
	g.RegisterUI("ui://x", "<html></html>")
	mu.Lock()
	defer mu.Unlock()
	if notifications != 1 {
		t.Errorf("list_changed notifications = %d, want 1 for duplicate registration", notifications)
	}
}

func TestUnknownResource(t *testing.T) {
	g := successGateway(t)
	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":7,"method":"resources/read","params":{"uri":"ui://ghost"}}`)
	if resp.Error == nil {
		t.Error("reading an unregistered resource must fail")
	}
}

// ─── Backpressure ────────────────────────────────────────────

func TestBackpressureWhenQueueFull(t *testing.T) {
	hold := make(chan struct{})
	planner := &blockingPlanner{resp: &cloud.PlanResponse{Status: "success"}, hold: hold}
	g := newTestGateway(t, planner, config.GatewayConfig{MaxConcurrent: 1, QueueSize: 0})

	first := make(chan *models.MCPResponse, 1)
	go func() {
		first <- roundTrip(t, g, `{"jsonrpc":"2.0","id":10,"method":"tools/call","params":{"name":"execute","arguments":{"intent":"slow"}}}`)
	}()

	// Wait until the first call occupies the only slot.
	deadline := time.Now().Add(2 * time.Second)
	for g.queued.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":11,"method":"tools/call","params":{"name":"execute","arguments":{"intent":"rejected"}}}`)
	if resp.Error == nil || resp.Error.Code != models.CodeBackpressure {
		t.Errorf("second call error = %+v, want code %d", resp.Error, models.CodeBackpressure)
	}

	close(hold)
	if r := <-first; r.Error != nil {
		t.Errorf("first call error = %+v, want success", r.Error)
	}
}

// ─── Admin + abort ───────────────────────────────────────────

func TestAdminStats(t *testing.T) {
	g := successGateway(t)
	hash := models.ContentHash("code")
	g.registry.Create(context.Background(), &models.Capability{
		FQDN:        models.FQDN("test", "default", "ns", "act", hash),
		DisplayName: "act",
		Org:         "test",
		Project:     "default",
	})

	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":12,"method":"tools/call","params":{"name":"admin","arguments":{"action":"stats"}}}`)
	raw, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(raw), "act") {
		t.Errorf("admin stats = %s, want the created capability", raw)
	}
}

func TestAdminResolve(t *testing.T) {
	g := successGateway(t)
	hash := models.ContentHash("code")
	g.registry.Create(context.Background(), &models.Capability{
		FQDN:        models.FQDN("test", "default", "ns", "lookup", hash),
		DisplayName: "lookup",
		Org:         "test",
		Project:     "default",
	})

	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":14,"method":"tools/call","params":{"name":"admin","arguments":{"action":"resolve","name":"lookup"}}}`)
	raw, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(raw), "lookup") {
		t.Errorf("admin resolve = %s, want the resolved capability", raw)
	}

	resp = roundTrip(t, g, `{"jsonrpc":"2.0","id":15,"method":"tools/call","params":{"name":"admin","arguments":{"action":"resolve","name":"ghost"}}}`)
	raw, _ = json.Marshal(resp.Result)
	var result models.MCPToolResult
	json.Unmarshal(raw, &result)
	if !result.IsError {
		t.Error("resolve of unknown name must return an error envelope")
	}
}

func TestAbortUnknownWorkflowIsError(t *testing.T) {
	g := successGateway(t)
	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":13,"method":"tools/call","params":{"name":"abort","arguments":{"workflow_id":"ghost"}}}`)
	raw, _ := json.Marshal(resp.Result)
	var result models.MCPToolResult
	json.Unmarshal(raw, &result)
	if !result.IsError {
		t.Error("abort of unknown workflow must return an error envelope")
	}
}

func TestReplanReForwardsOriginalIntent(t *testing.T) {
	planner := &recordingPlanner{resp: &cloud.PlanResponse{Status: "success", Result: "new plan"}}
	g := newTestGateway(t, planner, config.GatewayConfig{MaxConcurrent: 4, QueueSize: 8})
	g.pending.SetWithID("01933rep", &models.PendingWorkflow{
		WorkflowID:   "01933rep",
		Code:         "return 1",
		Intent:       "summarize the repo",
		ApprovalKind: models.ApprovalToolPermission,
	})

	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":16,"method":"tools/call","params":{"name":"replan","arguments":{"workflow_id":"01933rep"}}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	if planner.got.Intent != "summarize the repo" {
		t.Errorf("Intent = %q, want the stored original intent", planner.got.Intent)
	}
	if !planner.got.Replan {
		t.Error("re-forwarded request must carry the replan hint")
	}
	if _, ok := g.pending.Get("01933rep"); ok {
		t.Error("replan must drop the pending entry")
	}
}

func TestReplanWithoutStoredIntentIsError(t *testing.T) {
	planner := &recordingPlanner{resp: &cloud.PlanResponse{Status: "success"}}
	g := newTestGateway(t, planner, config.GatewayConfig{MaxConcurrent: 4, QueueSize: 8})

	resp := roundTrip(t, g, `{"jsonrpc":"2.0","id":17,"method":"tools/call","params":{"name":"replan","arguments":{"workflow_id":"ghost"}}}`)
	raw, _ := json.Marshal(resp.Result)
	var result models.MCPToolResult
	json.Unmarshal(raw, &result)
	if !result.IsError {
		t.Error("replan of an unknown workflow with no intent must return an error envelope")
	}
}

// ─── Stdio framing ───────────────────────────────────────────

func TestRunStdio(t *testing.T) {
	g := successGateway(t)
	input := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n"
	var out bytes.Buffer

	if err := g.RunStdio(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("RunStdio() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d response frames, want 2", len(lines))
	}
	ids := map[float64]bool{}
	for _, line := range lines {
		var resp models.MCPResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("frame not JSON: %v", err)
		}
		ids[resp.ID.(float64)] = true
	}
	if !ids[1] || !ids[2] {
		t.Errorf("response ids = %v, want 1 and 2", ids)
	}
}
