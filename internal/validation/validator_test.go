package validation

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinext/extraction-engine/internal/domain"
)

func lines() []domain.LineRecord {
	return []domain.LineRecord{
		{LineNo: 1, Text: "Patient reports knee pain for three weeks."},
		{LineNo: 2, Text: "No fever or swelling noted on exam."},
	}
}

func TestValidate_AcceptsSoundCitationsAboveThreshold(t *testing.T) {
	candidate := domain.SectionResult{
		Content: "Patient reports knee pain.",
		LineReferences: []domain.LineReference{
			{Line: 1, Start: 8, End: 15, Text: "reports"},
		},
		Confidence: 0.9,
	}
	report := Validate(candidate, lines(), nil, nil, 0.6)
	assert.True(t, report.Accepted)
}

func TestValidate_RejectsCitationWithWrongText(t *testing.T) {
	candidate := domain.SectionResult{
		Content: "Patient reports knee pain.",
		LineReferences: []domain.LineReference{
			{Line: 1, Start: 8, End: 15, Text: "requests"},
		},
		Confidence: 0.9,
	}
	report := Validate(candidate, lines(), nil, nil, 0.6)
	assert.False(t, report.Accepted)
	assert.NotEmpty(t, report.FailingReferences())
}

func TestValidate_RejectsReferenceToNonexistentLine(t *testing.T) {
	candidate := domain.SectionResult{
		Content: "Something not in the transcript.",
		LineReferences: []domain.LineReference{
			{Line: 99, Start: 0, End: 4, Text: "test"},
		},
		Confidence: 0.9,
	}
	report := Validate(candidate, lines(), nil, nil, 0.6)
	assert.False(t, report.Accepted)
}

func TestValidate_RejectsBelowConfidenceThreshold(t *testing.T) {
	candidate := domain.SectionResult{
		Content:        "Patient reports knee pain.",
		LineReferences: nil,
		Confidence:     0.1,
	}
	report := Validate(candidate, lines(), nil, nil, 0.6)
	assert.False(t, report.Accepted)
}

func TestValidate_RejectsUngroundedEntity(t *testing.T) {
	candidate := domain.SectionResult{
		Content:    "Patient has osteoarthritis.",
		Confidence: 0.9,
	}
	extractEntities := func(string) []string { return []string{"osteoarthritis"} }
	report := Validate(candidate, lines(), nil, extractEntities, 0.6)
	assert.False(t, report.Accepted)
}

func TestValidate_AcceptsEntityGroundedInGlobalMappings(t *testing.T) {
	candidate := domain.SectionResult{
		Content:    "Patient has osteoarthritis.",
		Confidence: 0.9,
	}
	global := []domain.ConceptMapping{{OriginalTerm: "osteoarthritis", ConceptID: "c1"}}
	extractEntities := func(string) []string { return []string{"osteoarthritis"} }
	report := Validate(candidate, lines(), global, extractEntities, 0.6)
	assert.True(t, report.Accepted)
}

func TestComputeConfidence_IsMinOfSelfReportedAndCitationPassRatio(t *testing.T) {
	byLine := map[int]string{1: "Patient reports knee pain for three weeks."}
	refs := []domain.LineReference{
		{Line: 1, Start: 8, End: 15, Text: "reports"}, // passes
		{Line: 1, Start: 0, End: 3, Text: "xyz"},       // fails (wrong text)
	}
	got := ComputeConfidence(0.95, refs, byLine)
	require.InDelta(t, 0.5, got, 0.001) // ratio 1/2 < 0.95
}

func TestComputeConfidence_NoReferencesReturnsSelfReported(t *testing.T) {
	got := ComputeConfidence(0.77, nil, nil)
	assert.Equal(t, 0.77, got)
}

func TestValidate_ReportsAllThreeChecksOnFullyCleanSection(t *testing.T) {
	candidate := domain.SectionResult{
		Content: "Patient reports knee pain.",
		LineReferences: []domain.LineReference{
			{Line: 1, Start: 8, End: 15, Text: "reports"},
		},
		Confidence: 0.9,
	}
	report := Validate(candidate, lines(), nil, nil, 0.6)

	want := []Check{
		{Name: "citation_soundness", Status: CheckPass, Count: 1},
		{Name: "ontology_grounding", Status: CheckPass, Count: 0},
		{Name: "confidence_threshold", Status: CheckPass},
	}
	if diff := cmp.Diff(want, report.Checks, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("unexpected checks (-want +got):\n%s", diff)
	}
}

func TestValidate_AcceptsCodePointSpanOverMultiByteCharacters(t *testing.T) {
	frenchLines := []domain.LineRecord{
		{LineNo: 1, Text: "Le patient présente une douleur au genou depuis trois semaines."},
	}
	candidate := domain.SectionResult{
		Content: "Douleur au genou.",
		LineReferences: []domain.LineReference{
			// "présente" spans code points [11,19), length 8 code points;
			// as bytes it would span [11,20), since "é" is 2 bytes in UTF-8.
			{Line: 1, Start: 11, End: 19, Text: "présente"},
		},
		Confidence: 0.9,
	}
	report := Validate(candidate, frenchLines, nil, nil, 0.6)
	assert.True(t, report.Accepted, "%+v", report.Checks)
}

func TestFailingReferences_CapsSampleSize(t *testing.T) {
	refs := make([]domain.LineReference, 0, 10)
	for i := 0; i < 10; i++ {
		refs = append(refs, domain.LineReference{Line: 1, Start: 0, End: 1, Text: "z"})
	}
	candidate := domain.SectionResult{LineReferences: refs, Confidence: 0.9}
	report := Validate(candidate, lines(), nil, nil, 0.6)
	assert.LessOrEqual(t, len(report.FailingReferences()), 5)
}
