package drafting

import (
	"fmt"
	"strings"

	"safetyvoice/api/internal/store"
)

// SystemInstruction is sent with every rewrite request.
const SystemInstruction = `You are an anonymisation and editorial assistant for a public website that publishes anonymised experiences of laboratory safety enforcement in higher education.
Rules:
1. Remove names of people, institutions, departments, buildings, room numbers, email addresses, phone numbers, URLs and exact dates.
2. Generalise specific equipment and brand mentions into functional categories (for example "a fume hood", "a laser system").
3. Keep a neutral, constructive tone.
4. Do not invent facts that are not present in the input.
5. Frame any allegation as the submitter's perspective using cautious language ("the submitter reports that...").
6. Return only JSON matching the requested schema, with no prose outside it.
The publish_story field must use the headings "### What happened", "### Impact" and "### What would help".`

const notSpecified = "Not specified"

// Prompt is the provider-neutral rewrite request.
type Prompt struct {
	System string
	User   string
}

func orNotSpecified(value string) string {
	if strings.TrimSpace(value) == "" {
		return notSpecified
	}
	return value
}

func BuildPrompt(metadata store.Metadata, sanitisedText string) Prompt {
	var b strings.Builder
	b.WriteString("Generate an anonymised publishable draft from the following experience.\n\n")
	b.WriteString("Metadata:\n")
	fmt.Fprintf(&b, "Role: %s\n", orNotSpecified(metadata.Role))
	fmt.Fprintf(&b, "Institution type: %s\n", orNotSpecified(metadata.InstitutionType))
	fmt.Fprintf(&b, "Region: %s\n", orNotSpecified(metadata.Region))
	fmt.Fprintf(&b, "Discipline: %s\n", orNotSpecified(metadata.Discipline))
	fmt.Fprintf(&b, "Time window: %s\n\n", orNotSpecified(metadata.TimeWindow))
	b.WriteString("Sanitised text:\n")
	b.WriteString(sanitisedText)
	return Prompt{System: SystemInstruction, User: b.String()}
}

// responseSchema is the OpenAPI-subset schema the Gemini API enforces.
var responseSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"publish_title":       map[string]any{"type": "STRING", "description": "Short title for the story"},
		"publish_summary":     map[string]any{"type": "STRING", "description": "1-2 sentence overview"},
		"publish_story":       map[string]any{"type": "STRING", "description": "Narrative with headings: What happened / Impact / What would help"},
		"anonymisation_notes": map[string]any{"type": "ARRAY", "items": map[string]any{"type": "STRING"}, "description": "Internal notes on what was changed"},
		"risk_flags":          map[string]any{"type": "ARRAY", "items": map[string]any{"type": "STRING"}, "description": "Concerns for moderators"},
		"confidence":          map[string]any{"type": "STRING", "enum": []string{"low", "medium", "high"}},
	},
	"required": []string{"publish_title", "publish_summary", "publish_story", "anonymisation_notes", "risk_flags", "confidence"},
}
