// Package contextcache holds one job's map of already-generated
// SectionResults, keyed by section_id across all of the job's
// templates, used to keep later
// sections coherent. Write-once per section_id within a job: each job
// owns its own cache instance, and exactly one goroutine ever writes a
// given section_id, so a plain mutex is enough.
package contextcache

import (
	"fmt"
	"sync"

	"github.com/clinext/extraction-engine/internal/domain"
)

// Cache is scoped to one job. The Orchestrator constructs one per job
// and discards it when the job reaches a terminal state.
type Cache struct {
	mu       sync.RWMutex
	sections map[string]domain.SectionResult
}

func New() *Cache {
	return &Cache{sections: make(map[string]domain.SectionResult)}
}

// Put writes section_id's result exactly once. A second write for the
// same section_id is a programming error (InternalError), since the
// scheduler guarantees one task per section.
func (c *Cache) Put(result domain.SectionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sections[result.SectionID]; exists {
		return fmt.Errorf("contextcache: section %q already written", result.SectionID)
	}
	c.sections[result.SectionID] = result
	return nil
}

// Get reads a dependency's result. Callers should only request
// section_ids listed in their own depends_on, once the scheduler has
// confirmed the dependency reached Accepted.
func (c *Cache) Get(sectionID string) (domain.SectionResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.sections[sectionID]
	return r, ok
}

// GetAll returns the dependency results needed to assemble a
// section's prompt.
func (c *Cache) GetAll(sectionIDs []string) []domain.SectionResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.SectionResult, 0, len(sectionIDs))
	for _, id := range sectionIDs {
		if r, ok := c.sections[id]; ok {
			out = append(out, r)
		}
	}
	return out
}
