package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pmlhq/pml-gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxLineBytes bounds a single JSON-RPC frame read from the child.
const maxLineBytes = 16 << 20

// conn frames newline-delimited JSON-RPC over a pipe pair and correlates
// responses to outstanding requests by id. It is transport-agnostic so
// tests can drive it with in-memory pipes.
type conn struct {
	serverID string

	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	pending map[int64]chan *models.MCPResponse
	closed  bool

	nextID atomic.Int64
}

func newConn(serverID string, r io.Reader, w io.Writer) *conn {
	c := &conn{
		serverID: serverID,
		w:        w,
		pending:  make(map[int64]chan *models.MCPResponse),
	}
	go c.readLoop(r)
	return c
}

// readLoop parses one JSON object per line, buffering partial lines, and
// delivers each response to its waiter. Unknown ids and notifications
// from the child are logged and dropped.
func (c *conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp models.MCPResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warn().Str("server", c.serverID).Err(err).Msg("Discarding unparseable frame")
			continue
		}
		id, ok := numericID(resp.ID)
		if !ok {
			// Server-initiated notification or request; not supported.
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		} else {
			log.Warn().Str("server", c.serverID).Int64("id", id).Msg("Response for unknown request id")
		}
	}
	c.failAll(fmt.Errorf("connection closed"))
}

func numericID(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// failAll rejects every outstanding request, used on pipe close.
func (c *conn) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- &models.MCPResponse{
			Jsonrpc: "2.0",
			ID:      id,
			Error:   &models.MCPError{Code: models.CodeInternalError, Message: err.Error()},
		}
		delete(c.pending, id)
	}
}

// call sends a request and blocks for the matching response or ctx expiry.
// A timed-out request leaves the connection usable; its eventual response
// is discarded by the read loop.
func (c *conn) call(ctx context.Context, method string, params interface{}) (*models.MCPResponse, error) {
	id := c.nextID.Add(1)

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	frame, err := json.Marshal(models.MCPRequest{Jsonrpc: "2.0", Method: method, Params: raw, ID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan *models.MCPResponse, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &ConnectError{Server: c.serverID, Err: fmt.Errorf("connection closed")}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = c.w.Write(append(frame, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &ConnectError{Server: c.serverID, Err: err}
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &TimeoutError{Server: c.serverID, Method: method}
	}
}
