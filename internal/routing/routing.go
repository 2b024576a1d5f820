// Package routing decides where each tool call executes and tracks the
// per-session approval state granted through HIL continuations.
package routing

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pmlhq/pml-gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// Resolver maps tool ids ("server:name") to their declared routing and
// overlays session-scoped approvals on top.
type Resolver struct {
	mu        sync.RWMutex
	tools     map[string]models.ToolDescriptor
	approved  map[string]bool   // tool id → approved this session
	hashes    map[string]string // fqdn base → approved content hash
	workspace string
}

// NewResolver creates a resolver rooted at the workspace directory.
func NewResolver(workspace string) *Resolver {
	return &Resolver{
		tools:     make(map[string]models.ToolDescriptor),
		approved:  make(map[string]bool),
		hashes:    make(map[string]string),
		workspace: workspace,
	}
}

// RegisterTools records or replaces tool descriptors.
func (r *Resolver) RegisterTools(descs []models.ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descs {
		r.tools[d.ID] = d
	}
}

// Route returns the declared routing for a tool id. Unknown tools
// default to server routing so the cloud can resolve them.
func (r *Resolver) Route(toolID string) models.ToolRouting {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.tools[toolID]; ok {
		return d.Routing
	}
	return models.RoutingServer
}

// Lookup returns the descriptor for a tool id.
func (r *Resolver) Lookup(toolID string) (models.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[toolID]
	return d, ok
}

// Tools returns all registered descriptors.
func (r *Resolver) Tools() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	return out
}

// ApproveTool marks a tool id approved for the rest of the session.
func (r *Resolver) ApproveTool(toolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approved[toolID] = true
	log.Info().Str("tool", toolID).Msg("Tool approved for session")
}

// ToolApproved reports whether the session has approved a tool id.
func (r *Resolver) ToolApproved(toolID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.approved[toolID]
}

// ApproveHash records a content hash as trusted for an FQDN base
// (the FQDN minus its short-hash segment).
func (r *Resolver) ApproveHash(fqdnBase, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes[fqdnBase] = hash
	log.Info().Str("fqdn_base", fqdnBase).Msg("Capability hash approved for session")
}

// HashApproved reports whether the given hash is trusted for the base.
func (r *Resolver) HashApproved(fqdnBase, hash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hashes[fqdnBase] == hash
}

// ReloadEnv re-reads the workspace env file into the process
// environment. Called after api_key_required and oauth_connect
// continuations, when credentials have landed out-of-band.
func (r *Resolver) ReloadEnv() error {
	path := filepath.Join(r.workspace, ".env")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("No env file to reload")
			return nil
		}
		return fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	log.Info().Int("vars", n).Str("path", path).Msg("Workspace env reloaded")
	return nil
}

// FQDNBase strips the trailing short-hash segment from an FQDN.
func FQDNBase(fqdn string) string {
	if i := strings.LastIndex(fqdn, "."); i > 0 {
		return fqdn[:i]
	}
	return fqdn
}
