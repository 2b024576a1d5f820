package registry

import (
	"context"
	"sync"
	"time"

	"github.com/pmlhq/pml-gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// MemoryRegistry is a thread-safe in-memory Registry. It is the zero-config
// default and the implementation used by tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	caps     map[string]*models.Capability // fqdn → record
	aliases  map[aliasKey]*models.Alias
	patterns map[string]*models.WorkflowPattern // code_hash → pattern
}

type aliasKey struct {
	org, project, alias string
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		caps:     make(map[string]*models.Capability),
		aliases:  make(map[aliasKey]*models.Alias),
		patterns: make(map[string]*models.WorkflowPattern),
	}
}

func (r *MemoryRegistry) Create(_ context.Context, cap *models.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if cap.CreatedAt.IsZero() {
		cap.CreatedAt = now
	}
	cap.UpdatedAt = now
	if cap.Version == 0 {
		cap.Version = 1
	}
	cp := *cap
	r.caps[cap.FQDN] = &cp
	return nil
}

func (r *MemoryRegistry) GetByFQDN(_ context.Context, fqdn string) (*models.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[fqdn]
	if !ok {
		return nil, &ErrNotFound{Entity: "capability", Key: fqdn}
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRegistry) ResolveByName(_ context.Context, name string, scope models.Scope) (*models.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// 1. Exact display-name match within scope.
	for _, c := range r.caps {
		if c.Org == scope.Org && c.Project == scope.Project && c.DisplayName == name {
			cp := *c
			return &cp, nil
		}
	}

	// 2. Alias lookup — a single hop by the flattening invariant.
	if a, ok := r.aliases[aliasKey{scope.Org, scope.Project, name}]; ok {
		if c, ok := r.caps[a.TargetFQDN]; ok {
			log.Warn().
				Str("alias", name).
				Str("target", a.TargetFQDN).
				Msg("Resolved capability through deprecated alias")
			cp := *c
			return &cp, nil
		}
	}

	// 3. Public fallback, first hit wins.
	for _, c := range r.caps {
		if c.DisplayName == name && c.Visibility == models.VisibilityPublic {
			cp := *c
			return &cp, nil
		}
	}

	return nil, &ErrNotFound{Entity: "capability", Key: name}
}

func (r *MemoryRegistry) Rename(_ context.Context, oldFQDN, newDisplayName string) (*models.Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.caps[oldFQDN]
	if !ok {
		return nil, &ErrNotFound{Entity: "capability", Key: oldFQDN}
	}

	now := time.Now().UTC()
	renamed := *old
	renamed.DisplayName = newDisplayName
	renamed.Action = newDisplayName
	renamed.FQDN = models.FQDN(old.Org, old.Project, old.Namespace, newDisplayName, old.Hash)
	renamed.Version = old.Version + 1
	renamed.UpdatedAt = now
	r.caps[renamed.FQDN] = &renamed

	// Alias the old display name to the successor.
	r.aliases[aliasKey{old.Org, old.Project, old.DisplayName}] = &models.Alias{
		Org:        old.Org,
		Project:    old.Project,
		Alias:      old.DisplayName,
		TargetFQDN: renamed.FQDN,
		CreatedAt:  now,
	}

	// Chain flattening: rewrite every alias that targeted the old FQDN.
	for k, a := range r.aliases {
		if a.TargetFQDN == oldFQDN {
			a.TargetFQDN = renamed.FQDN
			r.aliases[k] = a
		}
	}

	delete(r.caps, oldFQDN)

	log.Info().
		Str("old", oldFQDN).
		Str("new", renamed.FQDN).
		Msg("Capability renamed")

	return &renamed, nil
}

func (r *MemoryRegistry) RecordUsage(_ context.Context, fqdn string, success bool, latencyMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.caps[fqdn]
	if !ok {
		return &ErrNotFound{Entity: "capability", Key: fqdn}
	}
	c.UsageCount++
	if success {
		c.SuccessCount++
	}
	c.TotalLatencyMs += latencyMs
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRegistry) ListAliases(_ context.Context, scope models.Scope) ([]models.Alias, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Alias
	for _, a := range r.aliases {
		if a.Org == scope.Org && a.Project == scope.Project {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *MemoryRegistry) Stats(_ context.Context, scope models.Scope) ([]models.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Capability
	for _, c := range r.caps {
		if c.Org == scope.Org && c.Project == scope.Project {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *MemoryRegistry) UpsertPattern(_ context.Context, p *models.WorkflowPattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.patterns[p.CodeHash]; ok {
		// Fold the duration into a running average before bumping the
		// counters. Only successful runs reach the upsert.
		existing.AvgDurationMs = (existing.AvgDurationMs*existing.UsageCount + p.AvgDurationMs) /
			(existing.UsageCount + 1)
		existing.UsageCount++
		existing.SuccessCount++
		existing.LastUsed = &now
		return nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	cp := *p
	r.patterns[p.CodeHash] = &cp
	return nil
}

func (r *MemoryRegistry) Close() error { return nil }
