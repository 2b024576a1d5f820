package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/pmlhq/pml-gateway/pkg/models"
)

// lockedBuffer lets concurrent reply writers share a bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

func TestPumpRoutesRPCCallToHandler(t *testing.T) {
	stdin := &lockedBuffer{}
	b := &bridge{
		stdin: stdin,
		kill:  func() {},
		handler: func(_ context.Context, server, tool string, args map[string]interface{}) (interface{}, error) {
			if server != "fs" || tool != "read" {
				t.Errorf("handler got %s:%s, want fs:read", server, tool)
			}
			return "hello", nil
		},
	}

	input := `{"type":"rpc_call","id":"abc","server":"fs","tool":"read","args":{"path":"/tmp/x"}}` + "\n" +
		resultMarker + `{"success":true,"result":"hello"}` + "\n"
	env := b.pump(context.Background(), strings.NewReader(input))
	b.wg.Wait()

	if env == nil || !env.Success || env.Result != "hello" {
		t.Fatalf("envelope = %+v, want success result hello", env)
	}

	lines := stdin.lines()
	if len(lines) != 1 {
		t.Fatalf("child received %d replies, want 1", len(lines))
	}
	var reply map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &reply); err != nil {
		t.Fatalf("reply not JSON: %v", err)
	}
	if reply["type"] != "rpc_result" || reply["id"] != "abc" || reply["success"] != true {
		t.Errorf("reply = %v, want successful rpc_result for id abc", reply)
	}
	if reply["result"] != "hello" {
		t.Errorf("reply result = %v, want hello", reply["result"])
	}
}

func TestPumpCheckpointPausesRun(t *testing.T) {
	stdin := &lockedBuffer{}
	killed := false
	b := &bridge{
		stdin: stdin,
		kill:  func() { killed = true },
		handler: func(context.Context, string, string, map[string]interface{}) (interface{}, error) {
			return nil, &Checkpoint{
				Kind:        models.ApprovalToolPermission,
				Description: "pay:charge needs approval",
				Context:     map[string]interface{}{"tool": "pay:charge"},
			}
		},
	}

	input := `{"type":"rpc_call","id":"x1","server":"pay","tool":"charge","args":{}}` + "\n"
	b.pump(context.Background(), strings.NewReader(input))
	b.wg.Wait()

	cp := b.checkpoint()
	if cp == nil {
		t.Fatal("checkpoint not recorded")
	}
	if cp.Kind != models.ApprovalToolPermission {
		t.Errorf("Kind = %q, want tool_permission", cp.Kind)
	}
	if !killed {
		t.Error("checkpoint must stop the running child")
	}

	lines := stdin.lines()
	if len(lines) != 1 {
		t.Fatalf("child received %d replies, want 1", len(lines))
	}
	if !strings.Contains(lines[0], `"success":false`) {
		t.Errorf("checkpoint reply = %q, want failed rpc_result", lines[0])
	}
}

func TestPumpIgnoresPlainStdout(t *testing.T) {
	b := &bridge{stdin: &lockedBuffer{}, kill: func() {}}
	input := "debug output from user code\n" +
		resultMarker + `{"success":false,"error":{"type":"TypeError","message":"x is not a function","stack":""}}` + "\n"
	env := b.pump(context.Background(), strings.NewReader(input))
	if env == nil || env.Success {
		t.Fatalf("envelope = %+v, want failure", env)
	}
	if env.Error.Type != "TypeError" {
		t.Errorf("error type = %q, want TypeError", env.Error.Type)
	}
}

func TestClassifyErrorKinds(t *testing.T) {
	cases := []struct {
		errType, message, want string
	}{
		{"NotCapable", "Requires net access", KindPermission},
		{"Error", "PermissionDenied: Requires read access", KindPermission},
		{"SyntaxError", "Unexpected token", KindSyntax},
		{"RangeError", "out of memory", KindMemory},
		{"TypeError", "x is not a function", KindRuntime},
	}
	for _, tc := range cases {
		if got := classify(tc.errType, tc.message); got != tc.want {
			t.Errorf("classify(%q, %q) = %q, want %q", tc.errType, tc.message, got, tc.want)
		}
	}
}
