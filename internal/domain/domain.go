// Package domain holds the plain data types shared across the
// extraction engine: transcript lines, chunks, terms, concept
// mappings, section specs/results, jobs, and doctor preferences.
package domain

import "time"

// LineRecord is one line of a normalized transcript. ByteStart is
// strictly less than ByteEnd for any non-empty line; a blank line
// retained from the input has ByteStart == ByteEnd, since there is no
// content to span.
type LineRecord struct {
	LineNo    int    `json:"line_no"`
	Speaker   string `json:"speaker,omitempty"`
	Text      string `json:"text"`
	ByteStart int    `json:"byte_start"`
	ByteEnd   int    `json:"byte_end"`
}

// Chunk is a contiguous text window over a transcript, annotated with
// its line span and indexed for similarity retrieval.
type Chunk struct {
	ChunkID        string    `json:"chunk_id"`
	ConversationID string    `json:"conversation_id"`
	FirstLine      int       `json:"first_line"`
	LastLine       int       `json:"last_line"`
	Text           string    `json:"text"`
	Embedding      []float32 `json:"embedding,omitempty"`
}

// Occurrence is one verified appearance of a term in the transcript.
type Occurrence struct {
	LineNo     int `json:"line_no"`
	CharStart  int `json:"char_start"`
	CharEnd    int `json:"char_end"`
}

// TermCandidate is a medical term surfaced by the Term Extractor.
type TermCandidate struct {
	Surface     string       `json:"surface"`
	Normalized  string       `json:"normalized"`
	Occurrences []Occurrence `json:"occurrences"`
}

// ConceptMapping links a free-text term to a clinical ontology concept.
type ConceptMapping struct {
	OriginalTerm  string  `json:"original_term"`
	ConceptID     string  `json:"concept_id"`
	PreferredTerm string  `json:"preferred_term"`
	Language      string  `json:"language"`
	Confidence    float64 `json:"confidence"`
}

// SectionSpec describes one requested section of a template, as given
// at intake. Immutable for the lifetime of a job.
type SectionSpec struct {
	TemplateID  string   `json:"template_id"`
	SectionID   string   `json:"section_id"`
	SectionType string   `json:"section_type"`
	Prompt      string   `json:"prompt"`
	OrderIndex  int      `json:"order_index"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// LineReference is a citation into the stored transcript.
type LineReference struct {
	Line  int    `json:"line"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// ValidationStatus is the terminal outcome of a section after the
// Citation Validator runs.
type ValidationStatus string

const (
	ValidationAccepted  ValidationStatus = "Accepted"
	ValidationFailed    ValidationStatus = "FailedValidation"
	ValidationError     ValidationStatus = "Error"
)

// SectionResult is the output of generating and validating one
// section. Emitted to the Publisher exactly once.
type SectionResult struct {
	SectionID        string            `json:"section_id"`
	TemplateID       string            `json:"template_id"`
	SectionType      string            `json:"section_type"`
	Content           string            `json:"content"`
	LineReferences    []LineReference   `json:"line_references"`
	SnomedMappings    []ConceptMapping  `json:"snomed_mappings"`
	Confidence        float64           `json:"confidence"`
	Language          string            `json:"language"`
	ValidationStatus  ValidationStatus  `json:"validation_status"`
	ErrorReason       string            `json:"error,omitempty"`
}

// JobStatus is the terminal/non-terminal state of a Job.
type JobStatus string

const (
	JobPending         JobStatus = "Pending"
	JobRunning         JobStatus = "Running"
	JobCancelled       JobStatus = "Cancelled"
	JobCompleted       JobStatus = "Completed"
	JobPartiallyFailed JobStatus = "PartiallyFailed"
	JobFailed          JobStatus = "Failed"
)

// SectionState is the per-section state machine value tracked on a Job.
type SectionState string

const (
	SectionPending          SectionState = "Pending"
	SectionRetrieving       SectionState = "Retrieving"
	SectionGenerating       SectionState = "Generating"
	SectionValidating       SectionState = "Validating"
	SectionAccepted         SectionState = "Accepted"
	SectionRetrying         SectionState = "Retrying"
	SectionFailedValidation SectionState = "FailedValidation"
	SectionError            SectionState = "Error"
	SectionDeliveryFailed   SectionState = "DeliveryFailed"
)

// Job is one invocation of the pipeline for one encounter and one
// template group.
type Job struct {
	JobID            string                  `json:"job_id"`
	ConversationID   string                  `json:"conversation_id"`
	TemplateGroupID  string                  `json:"template_group_id"`
	DoctorID         string                  `json:"doctor_id"`
	Language         string                  `json:"language"`
	Status           JobStatus               `json:"status"`
	SectionStates    map[string]SectionState `json:"section_states"`
	GlobalMappings   []ConceptMapping        `json:"global_mappings,omitempty"`
	PatientInfo      PatientInfo             `json:"patient_info,omitempty"`
	StartedAt        time.Time               `json:"started_at"`
	FinishedAt       time.Time               `json:"finished_at,omitempty"`
}

// PreferenceEntry is one learned terminology substitution for a doctor.
type PreferenceEntry struct {
	Preferred   string    `json:"preferred"`
	Confidence  float64   `json:"confidence"`
	LastUpdated time.Time `json:"last_updated"`
}

// DoctorPreferences is the per-doctor terminology-preference map.
type DoctorPreferences struct {
	DoctorID string                     `json:"doctor_id"`
	Entries  map[string]PreferenceEntry `json:"entries"`
}

// PatientInfo is a supplemental, best-effort demographic/visit
// metadata artifact extracted alongside terms. Never required for a
// section to be accepted.
type PatientInfo struct {
	Name        string `json:"name,omitempty"`
	DOB         string `json:"dob,omitempty"`
	VisitReason string `json:"visit_reason,omitempty"`
	VisitDate   string `json:"visit_date,omitempty"`
}
