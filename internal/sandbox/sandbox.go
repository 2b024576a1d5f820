// Package sandbox executes untrusted code in a fresh runtime subprocess
// with no ambient authority. The only channel back into the gateway is
// an RPC bridge over the child's stdio; tool calls are routed through a
// caller-supplied handler.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pmlhq/pml-gateway/internal/config"
	"github.com/pmlhq/pml-gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// Error kinds surfaced in result envelopes.
const (
	KindTimeout    = "timeout"
	KindMemory     = "memory"
	KindPermission = "permission"
	KindSyntax     = "syntax"
	KindRuntime    = "runtime"
	KindParse      = "parse"
)

// ToolHandler routes one bridged tool call. Returning a *Checkpoint
// error pauses the workflow instead of failing it.
type ToolHandler func(ctx context.Context, server, tool string, args map[string]interface{}) (interface{}, error)

// Checkpoint is a human-in-the-loop pause signaled by a tool handler.
type Checkpoint struct {
	Kind        models.ApprovalKind
	Description string
	Context     map[string]interface{}
}

func (c *Checkpoint) Error() string {
	return fmt.Sprintf("approval required (%s): %s", c.Kind, c.Description)
}

// Request is one sandbox execution.
type Request struct {
	Code    string
	Context map[string]interface{}
	Timeout time.Duration // zero selects the configured default
	Handler ToolHandler

	// Permissions names the granted policy tier (minimal, readonly,
	// filesystem, network-api, mcp-standard). Empty means minimal: read
	// access to the wrapped source and configured paths only.
	Permissions string
}

// Status is the outcome variant of a sandbox run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
)

// Outcome is the terminal state of one execution.
type Outcome struct {
	Status     Status
	Result     interface{}
	Checkpoint *Checkpoint
	Err        *models.ErrorInfo
}

// Executor spawns one child process per execution.
type Executor struct {
	cfg config.SandboxConfig
}

// NewExecutor creates an executor from config.
func NewExecutor(cfg config.SandboxConfig) *Executor {
	return &Executor{cfg: cfg}
}

// envelope is the result frame the wrapped code emits after the marker.
type envelope struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Stack   string `json:"stack"`
	} `json:"error"`
}

// rpcFrame is a bridge message from the child.
type rpcFrame struct {
	Type   string                 `json:"type"`
	ID     string                 `json:"id"`
	Server string                 `json:"server"`
	Tool   string                 `json:"tool"`
	Args   map[string]interface{} `json:"args"`
}

// Execute runs code to completion, pause, or failure. The temp file is
// removed on every exit path.
func (e *Executor) Execute(ctx context.Context, req Request) *Outcome {
	wrapped, err := wrapCode(req.Code, req.Context)
	if err != nil {
		return failed(KindRuntime, err.Error(), "")
	}

	tmp, err := os.CreateTemp("", "pml-sandbox-*.ts")
	if err != nil {
		return failed(KindRuntime, "create temp file: "+err.Error(), "")
	}
	tmpPath := tmp.Name()
	defer func() {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn().Str("path", tmpPath).Err(rmErr).Msg("Sandbox temp file not removed")
		}
	}()
	if _, err := tmp.WriteString(wrapped); err != nil {
		tmp.Close()
		return failed(KindRuntime, "write temp file: "+err.Error(), "")
	}
	tmp.Close()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(e.cfg.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	allowRead := append([]string{tmpPath}, e.cfg.AllowPaths...)
	args := []string{
		"run", "--quiet",
		"--allow-read=" + strings.Join(allowRead, ","),
	}
	args = append(args, e.permissionFlags(req.Permissions)...)
	args = append(args,
		fmt.Sprintf("--v8-flags=--max-old-space-size=%d", e.cfg.MaxHeapMB),
		tmpPath,
	)
	cmd := exec.CommandContext(runCtx, e.cfg.Runtime, args...)
	cmd.Env = []string{} // no ambient environment

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return failed(KindRuntime, err.Error(), "")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failed(KindRuntime, err.Error(), "")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return failed(KindRuntime, "spawn "+e.cfg.Runtime+": "+sanitize(err.Error()), "")
	}

	b := &bridge{
		handler: req.Handler,
		stdin:   stdin,
		kill:    cancel,
	}
	env := b.pump(runCtx, stdout)

	cmd.Wait()
	b.wg.Wait()

	if cp := b.checkpoint(); cp != nil {
		return &Outcome{Status: StatusPaused, Checkpoint: cp}
	}
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return failed(KindTimeout, fmt.Sprintf("execution exceeded %s", timeout), "")
	}

	if env != nil {
		if env.Success {
			return &Outcome{Status: StatusCompleted, Result: env.Result}
		}
		if env.Error == nil {
			return failed(KindRuntime, "sandbox reported failure without detail", "")
		}
		kind := classify(env.Error.Type, env.Error.Message)
		return failed(kind, sanitize(env.Error.Message), sanitize(env.Error.Stack))
	}

	// No envelope: the child died before reporting.
	errOut := sanitize(stderr.String())
	switch {
	case strings.Contains(errOut, "heap out of memory") || strings.Contains(errOut, "Allocation failed"):
		return failed(KindMemory, "sandbox exceeded memory limit", "")
	case strings.Contains(errOut, "could not be parsed") || strings.Contains(errOut, "Unexpected token"):
		return failed(KindSyntax, strings.TrimSpace(errOut), "")
	default:
		msg := strings.TrimSpace(errOut)
		if msg == "" {
			msg = "sandbox exited without a result"
		}
		return failed(KindRuntime, msg, "")
	}
}

// permissionFlags widens the runtime flags for an approved policy tier.
// minimal and readonly add nothing beyond the base read allow-list.
func (e *Executor) permissionFlags(set string) []string {
	var flags []string
	allowWrite := func() {
		if len(e.cfg.AllowPaths) > 0 {
			flags = append(flags, "--allow-write="+strings.Join(e.cfg.AllowPaths, ","))
		}
	}
	switch set {
	case "filesystem":
		allowWrite()
	case "network-api":
		flags = append(flags, "--allow-net")
	case "mcp-standard":
		allowWrite()
		flags = append(flags, "--allow-net", "--allow-env")
	}
	return flags
}

func classify(errType, message string) string {
	switch {
	case strings.Contains(message, "PermissionDenied") || errType == "PermissionDenied" || errType == "NotCapable":
		return KindPermission
	case errType == "SyntaxError":
		return KindSyntax
	case errType == "RangeError" && strings.Contains(message, "memory"):
		return KindMemory
	default:
		return KindRuntime
	}
}

func failed(kind, message, stack string) *Outcome {
	return &Outcome{Status: StatusFailed, Err: &models.ErrorInfo{
		Kind:    kind,
		Message: message,
		Stack:   stack,
	}}
}

// bridge is the gateway side of the RPC channel.
type bridge struct {
	handler ToolHandler
	kill    context.CancelFunc

	writeMu sync.Mutex
	stdin   interface{ Write([]byte) (int, error) }

	mu sync.Mutex
	cp *Checkpoint

	wg sync.WaitGroup
}

func (b *bridge) checkpoint() *Checkpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cp
}

// pump reads child stdout until EOF, dispatching rpc_call frames and
// capturing the result envelope. Returns the envelope if one arrived.
func (b *bridge) pump(ctx context.Context, r interface{ Read([]byte) (int, error) }) *envelope {
	var env *envelope
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxOutputBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, resultMarker) {
			var e envelope
			if err := json.Unmarshal([]byte(line[len(resultMarker):]), &e); err != nil {
				log.Warn().Err(err).Msg("Malformed sandbox result envelope")
				continue
			}
			env = &e
			continue
		}
		var frame rpcFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil || frame.Type != "rpc_call" {
			// User code printed to stdout; pass it to the log.
			log.Debug().Str("stream", "sandbox").Msg(line)
			continue
		}
		b.wg.Add(1)
		go b.dispatch(ctx, frame)
	}
	return env
}

func (b *bridge) dispatch(ctx context.Context, frame rpcFrame) {
	defer b.wg.Done()

	if b.handler == nil {
		b.reply(frame.ID, false, nil, "no tool handler bound")
		return
	}
	result, err := b.handler(ctx, frame.Server, frame.Tool, frame.Args)
	if err != nil {
		var cp *Checkpoint
		if errors.As(err, &cp) {
			b.mu.Lock()
			if b.cp == nil {
				b.cp = cp
			}
			b.mu.Unlock()
			b.reply(frame.ID, false, nil, cp.Error())
			// Stop the run; the workflow resumes after approval.
			b.kill()
			return
		}
		b.reply(frame.ID, false, nil, sanitize(err.Error()))
		return
	}
	b.reply(frame.ID, true, result, "")
}

func (b *bridge) reply(id string, success bool, result interface{}, errMsg string) {
	msg := map[string]interface{}{"type": "rpc_result", "id": id, "success": success}
	if success {
		msg["result"] = result
	} else {
		msg["error"] = errMsg
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	b.writeMu.Lock()
	b.stdin.Write(append(frame, '\n'))
	b.writeMu.Unlock()
}

const maxOutputBytes = 8 << 20
