// Package mcpclient manages one MCP server child process: spawn, the
// initialize handshake, newline-delimited JSON-RPC over piped stdio, and
// teardown. stderr is drained into the gateway log under the server id.
package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pmlhq/pml-gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultRequestTimeout applies per request, including initialize.
const DefaultRequestTimeout = 10 * time.Second

// ConnectError reports a spawn or transport failure.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mcp server %s: connect: %v", e.Server, e.Err)
}
func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError reports a request that saw no response in time. It does
// not imply the subprocess is dead.
type TimeoutError struct {
	Server string
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp server %s: %s timed out", e.Server, e.Method)
}

// ProtocolError reports a non-compliant response from the child.
type ProtocolError struct {
	Server string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp server %s: protocol error: %s", e.Server, e.Detail)
}

// ServerConfig describes how to launch one MCP server.
type ServerConfig struct {
	ID      string
	Command string
	Args    []string
	Env     map[string]string
}

// Client speaks MCP to exactly one child process.
type Client struct {
	cfg     ServerConfig
	timeout time.Duration

	cmd  *exec.Cmd
	conn *conn

	closeOnce sync.Once
	closeErr  error
}

// New prepares a client; no process is started until Connect.
func New(cfg ServerConfig) *Client {
	return &Client{cfg: cfg, timeout: DefaultRequestTimeout}
}

// Connect spawns the process and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectError{Server: c.cfg.ID, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ConnectError{Server: c.cfg.ID, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ConnectError{Server: c.cfg.ID, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &ConnectError{Server: c.cfg.ID, Err: err}
	}
	c.cmd = cmd
	c.conn = newConn(c.cfg.ID, stdout, stdin)

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Debug().Str("server", c.cfg.ID).Msg(sc.Text())
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.conn.call(initCtx, "initialize", map[string]interface{}{
		"protocolVersion": models.MCPProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "pml-gateway"},
	})
	if err != nil {
		c.kill()
		return err
	}
	if resp.Error != nil {
		c.kill()
		return &ProtocolError{Server: c.cfg.ID, Detail: resp.Error.Message}
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["protocolVersion"] == nil {
		c.kill()
		return &ProtocolError{Server: c.cfg.ID, Detail: "initialize result missing protocolVersion"}
	}

	// Per MCP, the handshake completes with an initialized notification.
	c.notify("notifications/initialized", nil)

	log.Info().Str("server", c.cfg.ID).Str("command", c.cfg.Command).Msg("MCP server connected")
	return nil
}

func (c *Client) notify(method string, params interface{}) {
	frame, err := json.Marshal(models.MCPNotification{Jsonrpc: "2.0", Method: method, Params: params})
	if err != nil {
		return
	}
	c.conn.writeMu.Lock()
	c.conn.w.Write(append(frame, '\n'))
	c.conn.writeMu.Unlock()
}

// ListTools fetches the child's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]models.MCPToolInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.conn.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &ProtocolError{Server: c.cfg.ID, Detail: resp.Error.Message}
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, &ProtocolError{Server: c.cfg.ID, Detail: err.Error()}
	}
	var parsed struct {
		Tools []models.MCPToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ProtocolError{Server: c.cfg.ID, Detail: "tools/list result malformed"}
	}
	return parsed.Tools, nil
}

// CallTool invokes a tool on the child and returns its opaque result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.conn.call(ctx, "tools/call", models.MCPToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tool %s on %s: %s", name, c.cfg.ID, resp.Error.Message)
	}
	return resp.Result, nil
}

func (c *Client) kill() {
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
	}
}

// Close terminates the subprocess with SIGKILL and awaits exit. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.cmd == nil || c.cmd.Process == nil {
			return
		}
		if err := c.cmd.Process.Kill(); err != nil {
			c.closeErr = err
		}
		c.cmd.Wait()
		log.Info().Str("server", c.cfg.ID).Msg("MCP server terminated")
	})
	return c.closeErr
}
