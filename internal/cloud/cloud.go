// Package cloud is the HTTP client for the PML planner service. The
// planner either completes an intent itself or returns an
// execute_locally envelope for the gateway to run in the sandbox.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/pmlhq/pml-gateway/internal/config"
	"github.com/pmlhq/pml-gateway/pkg/models"
)

const maxRetries = 3

// ExecuteRequest is the gateway → cloud execute payload.
type ExecuteRequest struct {
	Intent           string                   `json:"intent,omitempty"`
	Code             string                   `json:"code,omitempty"`
	Options          *models.ExecuteOptions   `json:"options,omitempty"`
	AcceptSuggestion *models.AcceptSuggestion `json:"accept_suggestion,omitempty"`
	ClientTools      []models.ToolDescriptor  `json:"client_tools,omitempty"`
	Workspace        string                   `json:"workspace,omitempty"`

	// ToolCall carries a tools/call the gateway did not recognize,
	// forwarded with its original name and arguments intact.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Replan marks an intent re-forwarded after its workflow was aborted.
	Replan bool `json:"replan,omitempty"`
}

// ToolCall is a verbatim tools/call payload.
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// PlanResponse is the decoded cloud reply, discriminated on status.
// Local is set only for execute_locally.
type PlanResponse struct {
	Status     string             `json:"status"`
	Result     interface{}        `json:"result,omitempty"`
	Error      *models.ErrorInfo  `json:"error,omitempty"`
	Suggestion interface{}        `json:"suggestion,omitempty"`
	Local      *models.ExecuteLocally
}

// Client talks to one planner endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a client from config.
func New(cfg config.CloudConfig) *Client {
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		},
	}
}

// SetAPIKey replaces the bearer credential, used after env reloads.
func (c *Client) SetAPIKey(key string) { c.apiKey = key }

// Execute posts an execute request, retrying transient failures with
// exponential backoff. 4xx responses are not retried.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*PlanResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	var resp *PlanResponse
	operation := func() error {
		var opErr error
		resp, opErr = c.post(ctx, "/v1/execute", body)
		return opErr
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("Cloud request failed, retrying")
	}); err != nil {
		return nil, err
	}
	return resp, nil
}

// CallTool proxies a server-routed tool call to the cloud. No retry:
// tool calls may not be idempotent.
func (c *Client) CallTool(ctx context.Context, toolID string, args map[string]interface{}) (interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{
		"tool":      toolID,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tool call: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tools/call", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cloud tool call: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read cloud response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("cloud tool call %s: %d: %s", toolID, httpResp.StatusCode, truncate(raw, 200))
	}

	var result interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tool result: %w", err)
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*PlanResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cloud request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read cloud response: %w", err)
	}

	switch {
	case httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("cloud returned %d", httpResp.StatusCode)
	case httpResp.StatusCode == http.StatusUnauthorized:
		return nil, backoff.Permanent(fmt.Errorf("cloud auth rejected: check PML_API_KEY"))
	case httpResp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("cloud returned %d: %s", httpResp.StatusCode, truncate(raw, 200)))
	}

	return decode(raw)
}

// decode discriminates the reply on its status field.
func decode(raw []byte) (*PlanResponse, error) {
	var head struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("malformed cloud response: %w", err))
	}

	if head.Status == "execute_locally" {
		var local models.ExecuteLocally
		if err := json.Unmarshal(raw, &local); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("malformed execute_locally envelope: %w", err))
		}
		if local.Code == "" {
			return nil, backoff.Permanent(fmt.Errorf("execute_locally envelope missing code"))
		}
		return &PlanResponse{Status: head.Status, Local: &local}, nil
	}

	var resp PlanResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("malformed cloud response: %w", err))
	}
	return &resp, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
