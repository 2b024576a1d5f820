package mcpclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/pmlhq/pml-gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// Pool owns the set of connected MCP server subprocesses, keyed by
// server id.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Connect spawns and registers one server. An existing client under the
// same id is closed first.
func (p *Pool) Connect(ctx context.Context, cfg ServerConfig) error {
	c := New(cfg)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	if old, ok := p.clients[cfg.ID]; ok {
		old.Close()
	}
	p.clients[cfg.ID] = c
	p.mu.Unlock()
	return nil
}

// Get returns the client for a server id.
func (p *Pool) Get(serverID string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[serverID]
	return c, ok
}

// CallTool routes a tool call to the named server.
func (p *Pool) CallTool(ctx context.Context, serverID, tool string, args map[string]interface{}) (interface{}, error) {
	c, ok := p.Get(serverID)
	if !ok {
		return nil, fmt.Errorf("no connected MCP server %q", serverID)
	}
	return c.CallTool(ctx, tool, args)
}

// ListAllTools aggregates tool descriptors across every server, with
// ids prefixed "server:name".
func (p *Pool) ListAllTools(ctx context.Context) []models.ToolDescriptor {
	p.mu.RLock()
	ids := make([]string, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	var out []models.ToolDescriptor
	for _, id := range ids {
		c, ok := p.Get(id)
		if !ok {
			continue
		}
		tools, err := c.ListTools(ctx)
		if err != nil {
			log.Warn().Str("server", id).Err(err).Msg("tools/list failed")
			continue
		}
		for _, t := range tools {
			out = append(out, models.ToolDescriptor{
				ID:          id + ":" + t.Name,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
				Routing:     models.RoutingClient,
			})
		}
	}
	return out
}

// Close terminates every subprocess.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		c.Close()
		delete(p.clients, id)
	}
}
