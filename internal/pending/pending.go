// Package pending holds paused workflows between an approval-emitting
// tool call and its continuation. The store is process-local; restarts
// lose all pending state and the host must re-initiate.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/pmlhq/pml-gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// SweepInterval is how often expired entries are removed in the background.
const SweepInterval = time.Minute

// Store is a thread-safe TTL-bounded map of workflowId → PendingWorkflow.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*models.PendingWorkflow
	ttl     time.Duration

	stopOnce sync.Once
	stop     chan struct{}

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a pending store with the given default TTL.
// A TTL of zero falls back to models.DefaultPendingTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = models.DefaultPendingTTL
	}
	return &Store{
		entries: make(map[string]*models.PendingWorkflow),
		ttl:     ttl,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// SetWithID inserts or replaces an entry and refreshes its TTL.
func (s *Store) SetWithID(id string, entry *models.PendingWorkflow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.WorkflowID = id
	entry.CreatedAt = s.now().UTC()
	if entry.TTL <= 0 {
		entry.TTL = s.ttl
	}
	s.entries[id] = entry
}

// Get returns the entry if present and not expired.
func (s *Store) Get(id string) (*models.PendingWorkflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok || entry.Expired(s.now()) {
		return nil, false
	}
	return entry, true
}

// Delete removes an entry. Deleting a missing id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// List returns all live entries, for the admin surface.
func (s *Store) List() []models.PendingWorkflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]models.PendingWorkflow, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.Expired(now) {
			out = append(out, *e)
		}
	}
	return out
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	return len(s.List())
}

// Sweep removes expired entries and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs the background sweep loop until ctx is done or Close
// is called.
func (s *Store) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					log.Debug().Int("removed", n).Msg("Swept expired pending workflows")
				}
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
}

// Close stops the background sweeper. Idempotent.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}
