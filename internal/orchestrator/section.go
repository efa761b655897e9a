package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/platform/apierr"
	"github.com/clinext/extraction-engine/internal/platform/vectorindex"
	"github.com/clinext/extraction-engine/internal/validation"
)

const sectionSchemaName = "section_generation"

var sectionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"content": map[string]any{"type": "string"},
		"line_references": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"line":  map[string]any{"type": "integer"},
					"start": map[string]any{"type": "integer"},
					"end":   map[string]any{"type": "integer"},
					"text":  map[string]any{"type": "string"},
				},
				"required": []string{"line", "start", "end", "text"},
			},
		},
		"snomed_mappings": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"concept_id":     map[string]any{"type": "string"},
					"preferred_term": map[string]any{"type": "string"},
					"original_term":  map[string]any{"type": "string"},
					"confidence":     map[string]any{"type": "number"},
				},
				"required": []string{"concept_id", "preferred_term", "original_term"},
			},
		},
		"confidence": map[string]any{"type": "number"},
	},
	"required": []string{"content", "line_references", "confidence"},
}

const sectionSystemPrompt = `You compose one section of a structured clinical document from a
speaker-annotated medical encounter transcript. You are given retrieved
transcript excerpts (with line numbers), the doctor's terminology
preferences, and any already-generated sections this one depends on.
Every sentence in your output must be traceable: cite every factual
claim with a line reference into the transcript excerpts you were
given, using the exact verbatim substring as "text" and its exact
character offsets within that line. Never cite a line or span you were
not given. Prefer the doctor's preferred terminology when it applies.`

// generateSection runs one section through the full per-section
// pipeline: retrieve, load preferences, load dependency context,
// compose, validate, repair-retry up to RMax times. A section whose
// depends_on includes anything that did not reach Accepted is never
// generated at all: it short-circuits straight to Error with reason
// dependency_failed.
func (e *Engine) generateSection(ctx context.Context, jctx *jobContext, spec domain.SectionSpec) domain.SectionResult {
	if dep := missingDependency(jctx, spec); dep != "" {
		return domain.SectionResult{
			SectionID:        spec.SectionID,
			TemplateID:       spec.TemplateID,
			SectionType:      spec.SectionType,
			ValidationStatus: domain.ValidationError,
			ErrorReason:      fmt.Sprintf("dependency_failed: %s", dep),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.TSec)
	defer cancel()

	result, err := e.generateSectionAttempts(ctx, jctx, spec)
	if err != nil {
		return domain.SectionResult{
			SectionID:        spec.SectionID,
			TemplateID:       spec.TemplateID,
			SectionType:      spec.SectionType,
			ValidationStatus: domain.ValidationError,
			ErrorReason:      err.Error(),
		}
	}
	return result
}

// missingDependency returns the first depends_on section_id not yet
// present in jctx.cache, or "" if every dependency is satisfied. Only
// Accepted results are ever written to the cache, so a miss here means
// that dependency failed validation, errored, or was cancelled.
func missingDependency(jctx *jobContext, spec domain.SectionSpec) string {
	for _, dep := range spec.DependsOn {
		if _, ok := jctx.cache.Get(dep); !ok {
			return dep
		}
	}
	return ""
}

func (e *Engine) generateSectionAttempts(ctx context.Context, jctx *jobContext, spec domain.SectionSpec) (domain.SectionResult, error) {
	chunks, err := e.retrieve(ctx, jctx.job.ConversationID, spec.Prompt+" "+spec.SectionType)
	if err != nil {
		return domain.SectionResult{}, err
	}
	appliedPrefs := jctx.preferences
	depResults := jctx.cache.GetAll(spec.DependsOn)

	var repairNote string
	var lastReport validation.Report
	for attempt := 0; attempt <= e.cfg.RMax; attempt++ {
		if ctx.Err() != nil {
			return domain.SectionResult{}, apierr.Cancelled(ctx.Err())
		}

		candidate, genErr := e.composeOnce(ctx, spec, chunks, appliedPrefs, depResults, jctx.patientInfo, repairNote)
		if genErr != nil {
			if attempt == e.cfg.RMax || !apierr.Retryable(apierr.Code(genErr)) {
				return domain.SectionResult{}, genErr
			}
			repairNote = fmt.Sprintf("Your previous output was invalid: %s. Produce valid JSON matching the schema.", genErr.Error())
			continue
		}

		entities := e.entitiesIn(ctx, candidate.Content)
		byLine := linesByNumber(jctx.lines)
		candidate.Confidence = validation.ComputeConfidence(candidate.Confidence, candidate.LineReferences, byLine)

		report := validation.Validate(candidate, jctx.lines, jctx.job.GlobalMappings, func(string) []string { return entities }, e.cfg.ThetaAccept)
		lastReport = report
		if report.Accepted {
			candidate.ValidationStatus = domain.ValidationAccepted
			return candidate, nil
		}
		if attempt == e.cfg.RMax {
			candidate.ValidationStatus = domain.ValidationFailed
			candidate.ErrorReason = strings.Join(report.FailingReferences(), "; ")
			return candidate, nil
		}
		repairNote = repairPrompt(report)
	}
	return domain.SectionResult{}, apierr.LLMInvalidOutput(fmt.Errorf("section %q: exhausted repair attempts: %v", spec.SectionID, lastReport.Checks))
}

func repairPrompt(report validation.Report) string {
	failing := report.FailingReferences()
	if len(failing) == 0 {
		return "Your previous output failed validation. Re-check every citation and confidence score."
	}
	return "Your previous output failed validation for these specific references: " + strings.Join(failing, "; ") + ". Correct them or remove the unsupported claim."
}

func (e *Engine) composeOnce(ctx context.Context, spec domain.SectionSpec, chunks []vectorindex.Match, prefs map[string]string, deps []domain.SectionResult, patientInfo domain.PatientInfo, repairNote string) (domain.SectionResult, error) {
	user := buildUserPrompt(spec, chunks, prefs, deps, patientInfo, repairNote)
	obj, err := e.llmClient.Compose(ctx, sectionSystemPrompt, user, sectionSchemaName, sectionSchema)
	if err != nil {
		return domain.SectionResult{}, err
	}
	return decodeSectionResult(spec, obj)
}

// patientInfoSectionTypes are the section types a patient demographic/
// visit-metadata line is worth including for; a free_text section has
// no fixed shape that would consume it.
var patientInfoSectionTypes = map[string]bool{
	"visit_summary": true, "referral_reason": true,
	"referral_history": true, "referral_recommendation": true,
}

func buildUserPrompt(spec domain.SectionSpec, chunks []vectorindex.Match, prefs map[string]string, deps []domain.SectionResult, patientInfo domain.PatientInfo, repairNote string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Section: %s (%s)\nInstructions: %s\n\n", spec.SectionID, spec.SectionType, spec.Prompt)
	if patientInfoSectionTypes[spec.SectionType] && hasPatientInfo(patientInfo) {
		b.WriteString("Patient info:\n")
		if patientInfo.Name != "" {
			fmt.Fprintf(&b, "Name: %s\n", patientInfo.Name)
		}
		if patientInfo.DOB != "" {
			fmt.Fprintf(&b, "DOB: %s\n", patientInfo.DOB)
		}
		if patientInfo.VisitReason != "" {
			fmt.Fprintf(&b, "Visit reason: %s\n", patientInfo.VisitReason)
		}
		if patientInfo.VisitDate != "" {
			fmt.Fprintf(&b, "Visit date: %s\n", patientInfo.VisitDate)
		}
		b.WriteString("\n")
	}
	b.WriteString("Retrieved transcript excerpts:\n")
	for _, m := range chunks {
		fmt.Fprintf(&b, "[lines %d-%d]\n%s\n\n", m.Chunk.FirstLine, m.Chunk.LastLine, m.Chunk.Text)
	}
	if len(prefs) > 0 {
		b.WriteString("Doctor terminology preferences (original -> preferred):\n")
		for orig, pref := range prefs {
			fmt.Fprintf(&b, "%s -> %s\n", orig, pref)
		}
		b.WriteString("\n")
	}
	if len(deps) > 0 {
		b.WriteString("Already-generated dependency sections:\n")
		for _, d := range deps {
			fmt.Fprintf(&b, "[%s]: %s\n", d.SectionID, d.Content)
		}
		b.WriteString("\n")
	}
	if repairNote != "" {
		fmt.Fprintf(&b, "Repair instructions: %s\n", repairNote)
	}
	return b.String()
}

func decodeSectionResult(spec domain.SectionSpec, obj map[string]any) (domain.SectionResult, error) {
	content, _ := obj["content"].(string)
	if content == "" {
		return domain.SectionResult{}, apierr.LLMInvalidOutput(fmt.Errorf("section %q: empty content", spec.SectionID))
	}
	confidence := toFloat(obj["confidence"])

	var refs []domain.LineReference
	if raw, ok := obj["line_references"].([]any); ok {
		for _, r := range raw {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			refs = append(refs, domain.LineReference{
				Line:  toIntVal(m["line"]),
				Start: toIntVal(m["start"]),
				End:   toIntVal(m["end"]),
				Text:  fmt.Sprint(m["text"]),
			})
		}
	}

	var mappings []domain.ConceptMapping
	if raw, ok := obj["snomed_mappings"].([]any); ok {
		for _, r := range raw {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			mappings = append(mappings, domain.ConceptMapping{
				ConceptID:     fmt.Sprint(m["concept_id"]),
				PreferredTerm: fmt.Sprint(m["preferred_term"]),
				OriginalTerm:  fmt.Sprint(m["original_term"]),
				Confidence:    toFloat(m["confidence"]),
			})
		}
	}

	return domain.SectionResult{
		SectionID:      spec.SectionID,
		TemplateID:     spec.TemplateID,
		SectionType:    spec.SectionType,
		Content:        content,
		LineReferences: refs,
		SnomedMappings: mappings,
		Confidence:     confidence,
	}, nil
}

func (e *Engine) retrieve(ctx context.Context, conversationID, queryText string) ([]vectorindex.Match, error) {
	embeddings, err := e.llmClient.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, err
	}
	var embedding []float32
	if len(embeddings) > 0 {
		embedding = embeddings[0]
	}
	matches, err := e.vectorIndex.Query(ctx, conversationID, embedding, e.cfg.RetrievalTopK)
	if err != nil {
		return nil, apierr.DependencyUnavailable(err)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Chunk.FirstLine < matches[j].Chunk.FirstLine
	})
	return matches, nil
}

// entitiesIn reuses the Term Extractor's deterministic pattern on
// generated content, so the ontology-grounding check applies the same
// entity-detection logic to output that it applies to the transcript.
func (e *Engine) entitiesIn(ctx context.Context, content string) []string {
	lines := make([]domain.LineRecord, 0)
	for i, l := range strings.Split(content, "\n") {
		lines = append(lines, domain.LineRecord{LineNo: i + 1, Text: l})
	}
	terms, err := e.extractor.Extract(ctx, lines)
	if err != nil {
		e.log.Warn("entitiesIn: extractor failed, grounding check skipped", "error", err)
		return nil
	}
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		out = append(out, t.Normalized)
	}
	return out
}

func hasPatientInfo(p domain.PatientInfo) bool {
	return p.Name != "" || p.DOB != "" || p.VisitReason != "" || p.VisitDate != ""
}

func linesByNumber(lines []domain.LineRecord) map[int]string {
	out := make(map[int]string, len(lines))
	for _, l := range lines {
		out[l.LineNo] = l.Text
	}
	return out
}

func toFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}

func toIntVal(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}
