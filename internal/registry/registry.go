// Package registry manages named, versioned, content-addressed capability
// records with scoped resolution and alias-based renaming.
//
// Renames keep alias chains flat: every alias targeting the old FQDN is
// rewritten to the new one, so resolution is always a single hop.
package registry

import (
	"context"

	"github.com/pmlhq/pml-gateway/pkg/models"
)

// Registry is the capability storage interface. Handler code depends on
// this interface so tests can use the in-memory implementation and
// production the PostgreSQL one.
type Registry interface {
	// Create persists a new capability record.
	Create(ctx context.Context, cap *models.Capability) error

	// GetByFQDN returns a record by its immutable FQDN.
	GetByFQDN(ctx context.Context, fqdn string) (*models.Capability, error)

	// ResolveByName resolves a display name within a scope: exact match
	// first, then alias (single hop), then public fallback.
	ResolveByName(ctx context.Context, name string, scope models.Scope) (*models.Capability, error)

	// Rename creates a successor record with a new display name, aliases
	// the old name, flattens all aliases pointing at the old FQDN, and
	// deletes the old record — atomically with respect to concurrent
	// resolutions.
	Rename(ctx context.Context, oldFQDN, newDisplayName string) (*models.Capability, error)

	// RecordUsage updates usage counters for a capability.
	RecordUsage(ctx context.Context, fqdn string, success bool, latencyMs int64) error

	// ListAliases returns the aliases within a scope, for the admin surface.
	ListAliases(ctx context.Context, scope models.Scope) ([]models.Alias, error)

	// Stats returns aggregate usage counters per capability in a scope.
	Stats(ctx context.Context, scope models.Scope) ([]models.Capability, error)

	// UpsertPattern stores or refreshes a cached workflow pattern.
	UpsertPattern(ctx context.Context, p *models.WorkflowPattern) error

	// Close releases underlying resources.
	Close() error
}

// ErrNotFound is returned when a capability or alias does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is a registry ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
