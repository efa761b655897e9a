// Package validation implements the Citation Validator: reference
// resolution against the stored transcript, ontology grounding, and a
// confidence threshold, reported as a set of named checks (name,
// status, count, sample, details) suitable for driving a repair
// prompt.
package validation

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/clinext/extraction-engine/internal/domain"
)

// ThetaAccept is the default minimum confidence for a section to be
// accepted outright.
const ThetaAccept = 0.6

// CheckStatus is the outcome of one named validation rule.
type CheckStatus string

const (
	CheckPass  CheckStatus = "pass"
	CheckFail  CheckStatus = "fail"
	CheckError CheckStatus = "error"
)

// Check reports the outcome of one validation rule, with enough
// detail to drive a repair prompt.
type Check struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Count   int         `json:"count"`
	Sample  []string    `json:"sample,omitempty"`
	Details string      `json:"details,omitempty"`
}

// Report is the aggregate validation outcome for one candidate
// SectionResult.
type Report struct {
	Accepted bool
	Checks   []Check
}

// FailingReferences extracts the sample of failing references across
// all checks, for assembling a repair prompt that cites the specific
// failing references.
func (r Report) FailingReferences() []string {
	var out []string
	for _, c := range r.Checks {
		if c.Status != CheckPass {
			out = append(out, c.Sample...)
		}
	}
	return out
}

// Validate runs three acceptance checks against candidate given the
// job's stored transcript lines and the job's global concept mappings:
// citation soundness, ontology grounding, and confidence >= thetaAccept.
// It does not check the candidate against a per-section-type schema.
// A section is accepted iff all three checks pass.
func Validate(candidate domain.SectionResult, lines []domain.LineRecord, globalMappings []domain.ConceptMapping, extractEntities func(content string) []string, thetaAccept float64) Report {
	if thetaAccept <= 0 {
		thetaAccept = ThetaAccept
	}
	byLine := make(map[int]string, len(lines))
	for _, l := range lines {
		byLine[l.LineNo] = l.Text
	}

	citationCheck := checkCitations(candidate.LineReferences, byLine)
	groundingCheck := checkGrounding(candidate, globalMappings, extractEntities)
	confidenceCheck := checkConfidence(candidate.Confidence, thetaAccept)

	checks := []Check{citationCheck, groundingCheck, confidenceCheck}
	accepted := true
	for _, c := range checks {
		if c.Status != CheckPass {
			accepted = false
		}
	}
	return Report{Accepted: accepted, Checks: checks}
}

// checkCitations verifies every (line_no, char_start, char_end, text)
// reference resolves against the stored transcript under Unicode NFC
// equality. char_start/char_end are code-point offsets, not byte
// offsets, so a line with multi-byte characters resolves correctly.
func checkCitations(refs []domain.LineReference, byLine map[int]string) Check {
	var failures []string
	for _, ref := range refs {
		lineText, ok := byLine[ref.Line]
		if !ok {
			failures = append(failures, fmt.Sprintf("line %d does not exist", ref.Line))
			continue
		}
		substring, ok := runeSpan(lineText, ref.Start, ref.End)
		if !ok {
			failures = append(failures, fmt.Sprintf("line %d: span [%d,%d) out of bounds", ref.Line, ref.Start, ref.End))
			continue
		}
		if !nfcEqual(substring, ref.Text) {
			failures = append(failures, fmt.Sprintf("line %d: span text %q does not match transcript %q", ref.Line, ref.Text, substring))
		}
	}
	if len(failures) > 0 {
		return Check{Name: "citation_soundness", Status: CheckFail, Count: len(failures), Sample: capSample(failures)}
	}
	return Check{Name: "citation_soundness", Status: CheckPass, Count: len(refs)}
}

// checkGrounding verifies every medical entity mentioned in content
// appears in snomed_mappings or the job's global mappings.
func checkGrounding(candidate domain.SectionResult, globalMappings []domain.ConceptMapping, extractEntities func(string) []string) Check {
	if extractEntities == nil {
		return Check{Name: "ontology_grounding", Status: CheckPass, Count: 0}
	}
	known := map[string]bool{}
	for _, m := range candidate.SnomedMappings {
		known[strings.ToLower(m.OriginalTerm)] = true
	}
	for _, m := range globalMappings {
		known[strings.ToLower(m.OriginalTerm)] = true
	}

	entities := extractEntities(candidate.Content)
	var ungrounded []string
	for _, e := range entities {
		if !known[strings.ToLower(e)] {
			ungrounded = append(ungrounded, e)
		}
	}
	if len(ungrounded) > 0 {
		return Check{Name: "ontology_grounding", Status: CheckFail, Count: len(ungrounded), Sample: capSample(ungrounded)}
	}
	return Check{Name: "ontology_grounding", Status: CheckPass, Count: len(entities)}
}

func checkConfidence(confidence, thetaAccept float64) Check {
	if confidence < thetaAccept {
		return Check{
			Name:    "confidence_threshold",
			Status:  CheckFail,
			Count:   1,
			Details: fmt.Sprintf("confidence %.3f below theta_accept %.3f", confidence, thetaAccept),
		}
	}
	return Check{Name: "confidence_threshold", Status: CheckPass}
}

// ComputeConfidence returns
// confidence_score = min(llm_self_reported, citation_pass_ratio).
func ComputeConfidence(llmSelfReported float64, refs []domain.LineReference, byLine map[int]string) float64 {
	if len(refs) == 0 {
		return llmSelfReported
	}
	passed := 0
	for _, ref := range refs {
		lineText, ok := byLine[ref.Line]
		if !ok {
			continue
		}
		substring, ok := runeSpan(lineText, ref.Start, ref.End)
		if !ok {
			continue
		}
		if nfcEqual(substring, ref.Text) {
			passed++
		}
	}
	ratio := float64(passed) / float64(len(refs))
	if ratio < llmSelfReported {
		return ratio
	}
	return llmSelfReported
}

func nfcEqual(a, b string) bool {
	return norm.NFC.String(a) == norm.NFC.String(b)
}

// runeSpan resolves a [start,end) code-point span against line, the
// same indexing the LLM was given in the numbered-line prompt.
func runeSpan(line string, start, end int) (string, bool) {
	runes := []rune(line)
	if start < 0 || end <= start || end > len(runes) {
		return "", false
	}
	return string(runes[start:end]), true
}

func capSample(items []string) []string {
	const maxSample = 5
	if len(items) > maxSample {
		return items[:maxSample]
	}
	return items
}
