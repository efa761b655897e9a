package orchestrator

import "github.com/clinext/extraction-engine/internal/domain"

// SectionRequest is one section of one requested template, as given
// at intake.
type SectionRequest struct {
	SectionID   string   `json:"section_id"`
	Type        string   `json:"type"`
	Prompt      string   `json:"prompt"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// TemplateRequest is one requested clinical document shape.
type TemplateRequest struct {
	TemplateID string           `json:"template_id"`
	Sections   []SectionRequest `json:"sections"`
}

// ProcessEncounterRequest is the inbound ProcessEncounter body.
type ProcessEncounterRequest struct {
	ConversationID      string            `json:"conversation_id"`
	Templates           []TemplateRequest `json:"templates"`
	TranscriptionText    string            `json:"transcription_text"`
	DoctorID             string            `json:"doctor_id"`
	DoctorPreferences    map[string]string `json:"doctor_preferences,omitempty"`
	Language             string            `json:"language"`
}

// ProcessEncounterAck is the synchronous acknowledgment; per-section
// outputs are delivered via the publication sink.
type ProcessEncounterAck struct {
	JobID string `json:"job_id"`
}

func flattenSpecs(templates []TemplateRequest) []domain.SectionSpec {
	var specs []domain.SectionSpec
	orderIndex := 0
	for _, t := range templates {
		for _, s := range t.Sections {
			specs = append(specs, domain.SectionSpec{
				TemplateID:  t.TemplateID,
				SectionID:   s.SectionID,
				SectionType: s.Type,
				Prompt:      s.Prompt,
				OrderIndex:  orderIndex,
				DependsOn:   s.DependsOn,
			})
			orderIndex++
		}
	}
	return specs
}

func templateTypeFor(specs []domain.SectionSpec) map[string]string {
	out := make(map[string]string, len(specs))
	for _, s := range specs {
		out[s.SectionID] = s.TemplateID
	}
	return out
}
