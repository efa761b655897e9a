package orchestrator

import (
	"fmt"
	"sort"

	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/platform/apierr"
)

// ValidateTemplates performs the structural validation an inbound
// template set must pass: acyclic dependencies, unique section_id,
// known types. knownTypes, if non-nil, restricts section_type to that
// set.
func ValidateTemplates(specs []domain.SectionSpec, knownTypes map[string]bool) error {
	seen := map[string]bool{}
	for _, s := range specs {
		if s.SectionID == "" {
			return apierr.InvalidRequest(fmt.Errorf("section_id must not be empty"))
		}
		if seen[s.SectionID] {
			return apierr.InvalidRequest(fmt.Errorf("duplicate section_id %q", s.SectionID))
		}
		seen[s.SectionID] = true
		if knownTypes != nil && !knownTypes[s.SectionType] {
			return apierr.InvalidRequest(fmt.Errorf("unknown section_type %q for section %q", s.SectionType, s.SectionID))
		}
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return apierr.InvalidRequest(fmt.Errorf("section %q depends on unknown section %q", s.SectionID, dep))
			}
		}
	}
	if _, err := topologicalLevels(specs); err != nil {
		return apierr.InvalidRequest(err)
	}
	return nil
}

// topologicalLevels groups sections into dependency levels via
// Kahn's algorithm: level 0 has no unmet dependencies, level 1
// depends only on level 0, and so on. Within a level, sections are
// ordered by order_index to break ties deterministically.
func topologicalLevels(specs []domain.SectionSpec) ([][]domain.SectionSpec, error) {
	bySectionID := make(map[string]domain.SectionSpec, len(specs))
	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))

	for _, s := range specs {
		bySectionID[s.SectionID] = s
		indegree[s.SectionID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.SectionID)
		}
	}

	var levels [][]domain.SectionSpec
	remaining := len(specs)
	frontier := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			return bySectionID[frontier[i]].OrderIndex < bySectionID[frontier[j]].OrderIndex
		})
		level := make([]domain.SectionSpec, 0, len(frontier))
		for _, id := range frontier {
			level = append(level, bySectionID[id])
		}
		levels = append(levels, level)
		remaining -= len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if remaining != 0 {
		return nil, fmt.Errorf("cyclic section dependency detected")
	}
	return levels, nil
}
