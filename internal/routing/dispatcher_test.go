package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/pmlhq/pml-gateway/internal/sandbox"
	"github.com/pmlhq/pml-gateway/pkg/models"
)

type fakeLocal struct {
	result interface{}
	err    error
	server string
	tool   string
}

func (f *fakeLocal) CallTool(_ context.Context, server, tool string, _ map[string]interface{}) (interface{}, error) {
	f.server, f.tool = server, tool
	return f.result, f.err
}

type fakeRemote struct {
	result interface{}
	err    error
	toolID string
}

func (f *fakeRemote) CallTool(_ context.Context, toolID string, _ map[string]interface{}) (interface{}, error) {
	f.toolID = toolID
	return f.result, f.err
}

func TestDispatchClientRouted(t *testing.T) {
	resolver := NewResolver(t.TempDir())
	resolver.RegisterTools([]models.ToolDescriptor{
		{ID: "fs:read", Name: "read", Routing: models.RoutingClient},
	})
	local := &fakeLocal{result: "hello"}
	d := NewDispatcher(resolver, local, &fakeRemote{})

	result, ui, err := d.Call(context.Background(), "fs:read", map[string]interface{}{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result != "hello" || ui != nil {
		t.Errorf("Call() = (%v, %v), want (hello, nil)", result, ui)
	}
	if local.server != "fs" || local.tool != "read" {
		t.Errorf("local call = %s:%s, want fs:read", local.server, local.tool)
	}
}

func TestDispatchServerRouted(t *testing.T) {
	resolver := NewResolver(t.TempDir())
	resolver.RegisterTools([]models.ToolDescriptor{
		{ID: "pay:charge", Name: "charge", Routing: models.RoutingServer},
	})
	remote := &fakeRemote{result: map[string]interface{}{"ok": true}}
	d := NewDispatcher(resolver, &fakeLocal{}, remote)

	_, _, err := d.Call(context.Background(), "pay:charge", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if remote.toolID != "pay:charge" {
		t.Errorf("remote toolID = %q, want pay:charge", remote.toolID)
	}
}

func TestPermissionedToolPausesUntilApproved(t *testing.T) {
	resolver := NewResolver(t.TempDir())
	resolver.RegisterTools([]models.ToolDescriptor{
		{ID: "pay:charge", Name: "charge", Routing: models.RoutingServer, Permissions: []string{"net"}},
	})
	remote := &fakeRemote{result: "charged"}
	d := NewDispatcher(resolver, &fakeLocal{}, remote)

	_, _, err := d.Call(context.Background(), "pay:charge", nil)
	var cp *sandbox.Checkpoint
	if !errors.As(err, &cp) {
		t.Fatalf("Call() error = %v, want Checkpoint", err)
	}
	if cp.Kind != models.ApprovalToolPermission {
		t.Errorf("Kind = %q, want tool_permission", cp.Kind)
	}
	if cp.Context["tool"] != "pay:charge" {
		t.Errorf("Context[tool] = %v, want pay:charge", cp.Context["tool"])
	}

	resolver.ApproveTool("pay:charge")
	result, _, err := d.Call(context.Background(), "pay:charge", nil)
	if err != nil {
		t.Fatalf("Call() after approval error = %v", err)
	}
	if result != "charged" {
		t.Errorf("result = %v, want charged", result)
	}
}

func TestAPIKeyErrorBecomesCheckpoint(t *testing.T) {
	resolver := NewResolver(t.TempDir())
	remote := &fakeRemote{err: errors.New("missing API key for provider stripe")}
	d := NewDispatcher(resolver, &fakeLocal{}, remote)

	_, _, err := d.Call(context.Background(), "pay:charge", nil)
	var cp *sandbox.Checkpoint
	if !errors.As(err, &cp) {
		t.Fatalf("Call() error = %v, want Checkpoint", err)
	}
	if cp.Kind != models.ApprovalAPIKeyRequired {
		t.Errorf("Kind = %q, want api_key_required", cp.Kind)
	}
}

func TestUIMetaExtracted(t *testing.T) {
	resolver := NewResolver(t.TempDir())
	resolver.RegisterTools([]models.ToolDescriptor{
		{ID: "view:show", Name: "show", Routing: models.RoutingClient},
	})
	local := &fakeLocal{result: map[string]interface{}{
		"content": []interface{}{map[string]interface{}{"type": "text", "text": "ok"}},
		"_meta": map[string]interface{}{
			"ui": map[string]interface{}{
				"resourceUri": "ui://viewer/1",
				"context":     map[string]interface{}{"k": "v"},
			},
		},
	}}
	d := NewDispatcher(resolver, local, &fakeRemote{})

	_, ui, err := d.Call(context.Background(), "view:show", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if ui == nil || ui.ResourceURI != "ui://viewer/1" {
		t.Errorf("ui = %+v, want resourceUri ui://viewer/1", ui)
	}
}
