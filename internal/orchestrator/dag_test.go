package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinext/extraction-engine/internal/domain"
)

func spec(id, typ string, order int, deps ...string) domain.SectionSpec {
	return domain.SectionSpec{SectionID: id, SectionType: typ, OrderIndex: order, DependsOn: deps}
}

func TestValidateTemplates_RejectsEmptySectionID(t *testing.T) {
	err := ValidateTemplates([]domain.SectionSpec{spec("", "subjective", 0)}, nil)
	assert.Error(t, err)
}

func TestValidateTemplates_RejectsDuplicateSectionID(t *testing.T) {
	specs := []domain.SectionSpec{
		spec("s1", "subjective", 0),
		spec("s1", "objective", 1),
	}
	err := ValidateTemplates(specs, nil)
	assert.Error(t, err)
}

func TestValidateTemplates_RejectsUnknownType(t *testing.T) {
	specs := []domain.SectionSpec{spec("s1", "not_a_real_type", 0)}
	err := ValidateTemplates(specs, KnownSectionTypes)
	assert.Error(t, err)
}

func TestValidateTemplates_RejectsUnknownDependency(t *testing.T) {
	specs := []domain.SectionSpec{spec("s1", "subjective", 0, "ghost")}
	err := ValidateTemplates(specs, nil)
	assert.Error(t, err)
}

func TestValidateTemplates_RejectsCycle(t *testing.T) {
	specs := []domain.SectionSpec{
		spec("a", "subjective", 0, "b"),
		spec("b", "objective", 1, "a"),
	}
	err := ValidateTemplates(specs, nil)
	assert.Error(t, err)
}

func TestValidateTemplates_AcceptsValidDAG(t *testing.T) {
	specs := []domain.SectionSpec{
		spec("a", "subjective", 0),
		spec("b", "objective", 1, "a"),
		spec("c", "assessment", 2, "a", "b"),
	}
	assert.NoError(t, ValidateTemplates(specs, nil))
}

func TestTopologicalLevels_OrdersByLevelThenOrderIndex(t *testing.T) {
	specs := []domain.SectionSpec{
		spec("c", "assessment", 2, "a", "b"),
		spec("b", "objective", 1, "a"),
		spec("a", "subjective", 0),
		spec("d", "plan", 3, "a"),
	}
	levels, err := topologicalLevels(specs)
	require.NoError(t, err)
	require.Len(t, levels, 3)

	assert.Len(t, levels[0], 1)
	assert.Equal(t, "a", levels[0][0].SectionID)

	assert.Len(t, levels[1], 2)
	assert.Equal(t, "b", levels[1][0].SectionID) // order_index 1 before d's order_index 3
	assert.Equal(t, "d", levels[1][1].SectionID)

	assert.Len(t, levels[2], 1)
	assert.Equal(t, "c", levels[2][0].SectionID)
}

func TestTopologicalLevels_DetectsCycle(t *testing.T) {
	specs := []domain.SectionSpec{
		spec("a", "subjective", 0, "b"),
		spec("b", "objective", 1, "a"),
	}
	_, err := topologicalLevels(specs)
	assert.Error(t, err)
}
