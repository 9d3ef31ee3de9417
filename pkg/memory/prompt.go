package memory

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// extractionOutput is the JSON object the extraction model is instructed to
// emit. Field names are part of the prompt contract.
type extractionOutput struct {
	Content              string   `json:"content" jsonschema:"description=The full memory-worthy information from the conversation"`
	Summary              string   `json:"summary" jsonschema:"description=Concise summary of at most 200 characters"`
	Classification       string   `json:"classification" jsonschema:"enum=essential,enum=contextual,enum=conversational,enum=reference,enum=personal,enum=conscious-info"`
	Importance           string   `json:"importance" jsonschema:"enum=critical,enum=high,enum=medium,enum=low"`
	Topic                string   `json:"topic,omitempty" jsonschema:"description=Primary topic or subject"`
	Entities             []string `json:"entities" jsonschema:"description=Named entities mentioned: people, projects, technologies, places"`
	Keywords             []string `json:"keywords" jsonschema:"description=Search keywords for later retrieval"`
	ConfidenceScore      float64  `json:"confidenceScore" jsonschema:"description=Extraction confidence between 0 and 1"`
	ClassificationReason string   `json:"classificationReason" jsonschema:"description=One sentence explaining the chosen classification"`
	PromotionEligible    bool     `json:"promotionEligible" jsonschema:"description=Whether this memory should be considered for promotion to permanent context"`
}

const extractionPromptPreamble = `You are a memory extraction agent. Analyze the conversation below and distil it into a single structured memory record for later retrieval.

## Classification

Classify the memory into exactly one category:

| Classification | Decision question | Examples |
|----------------|-------------------|----------|
| essential | "Will this matter in every future session?" | User's name, core goals, hard constraints |
| contextual | "Does this frame the current work?" | Active project details, environment setup |
| conversational | "Is this just the flow of dialogue?" | Casual exchanges, acknowledgements |
| reference | "Is this a lookup-able fact or resource?" | Links, commands, API names, definitions |
| personal | "Is this about the user as a person?" | Preferences, habits, relationships |
| conscious-info | "Should this live in permanent working memory?" | Identity-level facts the assistant must always know |

## Importance

| Importance | Criteria |
|------------|----------|
| critical | Losing this would break future conversations; core identity or standing instructions |
| high | Strong, durable signal about the user or their work |
| medium | Useful context that may come up again |
| low | Minor detail; keep only because storage is cheap |

## Rules

1. Extract one record covering the memory-worthy content of the exchange.
2. summary must be at most 200 characters.
3. classification and importance must use the exact lowercase values above.
4. confidenceScore must be between 0 and 1.
5. Use empty arrays for entities or keywords when none apply.
6. Respond with ONLY a JSON object matching this schema, no other text:

`

var (
	schemaOnce sync.Once
	schemaJSON string
)

// extractionSchema renders the JSON schema for the output object. Generated
// once; reflection is not free.
func extractionSchema() string {
	schemaOnce.Do(func() {
		reflector := jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		schema := reflector.Reflect(&extractionOutput{})
		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			schemaJSON = "{}"
			return
		}
		schemaJSON = string(data)
	})
	return schemaJSON
}

// systemPrompt is the fixed extraction preamble plus the output schema.
func systemPrompt() string {
	return extractionPromptPreamble + extractionSchema()
}

// userPrompt renders the conversation and optional context block.
func userPrompt(conversation string, ctx ConversationContext) string {
	var b strings.Builder
	b.WriteString("Conversation:\n")
	b.WriteString(conversation)

	if len(ctx.UserPreferences) > 0 || len(ctx.CurrentProjects) > 0 || len(ctx.RelevantSkills) > 0 {
		b.WriteString("\n\nKnown context:\n")
		writeContextLine(&b, "User preferences", ctx.UserPreferences)
		writeContextLine(&b, "Current projects", ctx.CurrentProjects)
		writeContextLine(&b, "Relevant skills", ctx.RelevantSkills)
	}

	return b.String()
}

func writeContextLine(b *strings.Builder, label string, values []string) {
	if len(values) == 0 {
		return
	}
	b.WriteString("- ")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(strings.Join(values, ", "))
	b.WriteString("\n")
}

// formatConversation renders a turn the way the extraction prompt expects.
func formatConversation(userInput, aiOutput string) string {
	return "User: " + userInput + "\nAssistant: " + aiOutput
}
