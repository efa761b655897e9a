// Package extraction runs a deterministic LLM pass over the full
// transcript to produce a deduplicated set of candidate medical terms
// with verifiable originating line spans.
package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/platform/apierr"
	"github.com/clinext/extraction-engine/internal/platform/llm"
)

// WindowStride must equal the chunker's stride so windowed extraction
// passes line-align with retrieval chunks.
const WindowStride = 1500 * 4

const schemaName = "medical_term_extraction"

var outputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"terms": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"surface":    map[string]any{"type": "string"},
					"normalized": map[string]any{"type": "string"},
					"occurrences": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"line_no":    map[string]any{"type": "integer"},
								"char_start": map[string]any{"type": "integer"},
								"char_end":   map[string]any{"type": "integer"},
							},
							"required": []string{"line_no", "char_start", "char_end"},
						},
					},
				},
				"required": []string{"surface", "normalized", "occurrences"},
			},
		},
	},
	"required": []string{"terms"},
}

const systemPrompt = `You extract medical terms mentioned in a clinician-patient encounter
transcript. The transcript is presented as numbered lines. For every
distinct medical term (symptom, diagnosis, medication, procedure, body
part, lab finding), report its surface form, a normalized lowercase
form, and every line/character span where it occurs verbatim. Never
invent a line number or character span that does not exist in the
transcript you were given.`

// Extractor runs the extraction pass, windowing oversized transcripts
// and deduplicating by normalized term.
type Extractor struct {
	llmClient llm.Client
}

func New(llmClient llm.Client) *Extractor {
	return &Extractor{llmClient: llmClient}
}

// Extract returns a deduplicated slice of TermCandidate. Occurrences
// that cite a nonexistent line, or whose [char_start, char_end) span is
// empty or runs past the end of that line's text (measured in bytes),
// are discarded here; the text inside a kept span is not compared
// against the term.
func (e *Extractor) Extract(ctx context.Context, lines []domain.LineRecord) ([]domain.TermCandidate, error) {
	if len(lines) == 0 {
		return nil, nil
	}

	numbered := renderNumbered(lines)
	var windows []string
	if len(numbered) <= WindowStride {
		windows = []string{numbered}
	} else {
		windows = windowText(lines, WindowStride)
	}

	byNormalized := map[string]*domain.TermCandidate{}
	for _, w := range windows {
		terms, err := e.extractWindow(ctx, w)
		if err != nil {
			return nil, err
		}
		for _, t := range terms {
			t.Occurrences = filterVerifiable(t.Occurrences, lines)
			if len(t.Occurrences) == 0 {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(t.Normalized))
			if existing, ok := byNormalized[key]; ok {
				existing.Occurrences = append(existing.Occurrences, t.Occurrences...)
			} else {
				cp := t
				byNormalized[key] = &cp
			}
		}
	}

	out := make([]domain.TermCandidate, 0, len(byNormalized))
	for _, t := range byNormalized {
		out = append(out, *t)
	}
	return out, nil
}

func (e *Extractor) extractWindow(ctx context.Context, numbered string) ([]domain.TermCandidate, error) {
	obj, err := e.llmClient.GenerateJSON(ctx, systemPrompt, numbered, schemaName, outputSchema)
	if err != nil {
		return nil, err
	}
	rawTerms, ok := obj["terms"].([]any)
	if !ok {
		return nil, apierr.LLMInvalidOutput(fmt.Errorf("extraction: missing terms array"))
	}

	out := make([]domain.TermCandidate, 0, len(rawTerms))
	for _, rt := range rawTerms {
		m, ok := rt.(map[string]any)
		if !ok {
			continue
		}
		surface, _ := m["surface"].(string)
		normalized, _ := m["normalized"].(string)
		if surface == "" || normalized == "" {
			continue
		}
		var occs []domain.Occurrence
		if rawOccs, ok := m["occurrences"].([]any); ok {
			for _, ro := range rawOccs {
				om, ok := ro.(map[string]any)
				if !ok {
					continue
				}
				occs = append(occs, domain.Occurrence{
					LineNo:    toInt(om["line_no"]),
					CharStart: toInt(om["char_start"]),
					CharEnd:   toInt(om["char_end"]),
				})
			}
		}
		out = append(out, domain.TermCandidate{Surface: surface, Normalized: normalized, Occurrences: occs})
	}
	return out, nil
}

const patientInfoSchemaName = "patient_info_extraction"

var patientInfoSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name":         map[string]any{"type": "string"},
		"dob":          map[string]any{"type": "string"},
		"visit_reason": map[string]any{"type": "string"},
		"visit_date":   map[string]any{"type": "string"},
	},
}

const patientInfoSystemPrompt = `You extract patient demographic and visit metadata explicitly stated in
a clinician-patient encounter transcript: the patient's name, date of
birth, stated reason for the visit, and the visit date. Leave a field
empty rather than guessing if the transcript does not state it.`

// ExtractPatientInfo is a best-effort, additive pass that never blocks
// term extraction or section generation: a failure or an all-empty
// result just means no patient metadata is available to templates.
func (e *Extractor) ExtractPatientInfo(ctx context.Context, lines []domain.LineRecord) domain.PatientInfo {
	if len(lines) == 0 {
		return domain.PatientInfo{}
	}
	obj, err := e.llmClient.GenerateJSON(ctx, patientInfoSystemPrompt, renderNumbered(lines), patientInfoSchemaName, patientInfoSchema)
	if err != nil {
		return domain.PatientInfo{}
	}
	name, _ := obj["name"].(string)
	dob, _ := obj["dob"].(string)
	reason, _ := obj["visit_reason"].(string)
	date, _ := obj["visit_date"].(string)
	return domain.PatientInfo{Name: name, DOB: dob, VisitReason: reason, VisitDate: date}
}

func renderNumbered(lines []domain.LineRecord) string {
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "%d: %s\n", l.LineNo, l.Text)
	}
	return b.String()
}

func windowText(lines []domain.LineRecord, stride int) []string {
	var windows []string
	var buf strings.Builder
	size := 0
	start := 0
	for i, l := range lines {
		line := fmt.Sprintf("%d: %s\n", l.LineNo, l.Text)
		if size+len(line) > stride && i > start {
			windows = append(windows, buf.String())
			buf.Reset()
			size = 0
			start = i
		}
		buf.WriteString(line)
		size += len(line)
	}
	if buf.Len() > 0 {
		windows = append(windows, buf.String())
	}
	return windows
}

func filterVerifiable(occs []domain.Occurrence, lines []domain.LineRecord) []domain.Occurrence {
	byLine := make(map[int]string, len(lines))
	for _, l := range lines {
		byLine[l.LineNo] = l.Text
	}
	out := occs[:0:0]
	for _, o := range occs {
		text, ok := byLine[o.LineNo]
		if !ok {
			continue
		}
		if o.CharStart < 0 || o.CharEnd > len(text) || o.CharStart >= o.CharEnd {
			continue
		}
		out = append(out, o)
	}
	return out
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}
