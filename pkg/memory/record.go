// Package memory defines the structured memory record extracted from
// conversations and the LLM-backed extraction agent that produces it.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Classification buckets a memory record by what kind of information it
// carries. conscious-info marks records eligible for promotion into the
// short-term working set.
type Classification string

const (
	ClassEssential      Classification = "essential"
	ClassContextual     Classification = "contextual"
	ClassConversational Classification = "conversational"
	ClassReference      Classification = "reference"
	ClassPersonal       Classification = "personal"
	ClassConsciousInfo  Classification = "conscious-info"
)

func (c Classification) Valid() bool {
	switch c {
	case ClassEssential, ClassContextual, ClassConversational, ClassReference, ClassPersonal, ClassConsciousInfo:
		return true
	}
	return false
}

// Importance is the extractor's judgement of how much a record matters.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceHigh     Importance = "high"
	ImportanceMedium   Importance = "medium"
	ImportanceLow      Importance = "low"
)

func (i Importance) Valid() bool {
	switch i {
	case ImportanceCritical, ImportanceHigh, ImportanceMedium, ImportanceLow:
		return true
	}
	return false
}

// Score maps importance to its numeric score.
func (i Importance) Score() float64 {
	switch i {
	case ImportanceLow:
		return 0.3
	case ImportanceMedium:
		return 0.5
	case ImportanceHigh:
		return 0.7
	case ImportanceCritical:
		return 0.9
	}
	return 0
}

// ImportanceThreshold converts a minimum-importance name to its score
// threshold. "all" (or empty) means no filtering.
func ImportanceThreshold(name string) float64 {
	switch strings.ToLower(name) {
	case "", "all":
		return 0
	default:
		return Importance(strings.ToLower(name)).Score()
	}
}

// MaxSummaryLength is the hard cap on record summaries.
const MaxSummaryLength = 200

// Record is the structured projection of a conversation turn.
// The JSON form doubles as the processed_data blob persisted alongside the
// row, so field names are stable.
type Record struct {
	ID                   string         `json:"id,omitempty"`
	ConversationID       string         `json:"conversationId"`
	Namespace            string         `json:"namespace,omitempty"`
	Content              string         `json:"content"`
	Summary              string         `json:"summary"`
	Classification       Classification `json:"classification"`
	Importance           Importance     `json:"importance"`
	ImportanceScore      float64        `json:"importanceScore"`
	Topic                string         `json:"topic,omitempty"`
	Entities             []string       `json:"entities"`
	Keywords             []string       `json:"keywords"`
	ConfidenceScore      float64        `json:"confidenceScore"`
	ClassificationReason string         `json:"classificationReason"`
	PromotionEligible    bool           `json:"promotionEligible"`
	ExtractionTimestamp  time.Time      `json:"extractionTimestamp"`
	ConsciousProcessed   bool           `json:"consciousProcessed,omitempty"`

	// ConsolidatedInto is the back-reference written on duplicates when they
	// are merged into a primary record.
	ConsolidatedInto string `json:"consolidatedInto,omitempty"`
}

// ValidationError reports a record field that violates the schema.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid memory record: %s: %s", e.Field, e.Msg)
}

// Validate checks the record against the schema bounds. The explicit checks
// here are the source of truth, not any generated schema.
func (r *Record) Validate() error {
	if !r.Classification.Valid() {
		return &ValidationError{Field: "classification", Msg: fmt.Sprintf("unknown value %q", r.Classification)}
	}
	if !r.Importance.Valid() {
		return &ValidationError{Field: "importance", Msg: fmt.Sprintf("unknown value %q", r.Importance)}
	}
	if r.ConfidenceScore < 0 || r.ConfidenceScore > 1 {
		return &ValidationError{Field: "confidenceScore", Msg: fmt.Sprintf("%v out of range [0,1]", r.ConfidenceScore)}
	}
	if len([]rune(r.Summary)) > MaxSummaryLength {
		return &ValidationError{Field: "summary", Msg: fmt.Sprintf("length %d exceeds %d", len([]rune(r.Summary)), MaxSummaryLength)}
	}
	return nil
}

// SearchableContent builds the lexical search surface for the record:
// content, summary, topic and keywords flattened into one string.
func (r *Record) SearchableContent() string {
	parts := make([]string, 0, 3+len(r.Keywords))
	for _, p := range []string{r.Content, r.Summary, r.Topic} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, r.Keywords...)
	return strings.Join(parts, " ")
}

// AsMap renders the record as the generic map persisted in processed_data.
func (r *Record) AsMap() map[string]any {
	m := map[string]any{
		"conversationId":       r.ConversationID,
		"content":              r.Content,
		"summary":              r.Summary,
		"classification":       string(r.Classification),
		"importance":           string(r.Importance),
		"importanceScore":      r.ImportanceScore,
		"entities":             r.Entities,
		"keywords":             r.Keywords,
		"confidenceScore":      r.ConfidenceScore,
		"classificationReason": r.ClassificationReason,
		"promotionEligible":    r.PromotionEligible,
		"extractionTimestamp":  r.ExtractionTimestamp.Format(time.RFC3339Nano),
	}
	if r.ID != "" {
		m["id"] = r.ID
	}
	if r.Namespace != "" {
		m["namespace"] = r.Namespace
	}
	if r.Topic != "" {
		m["topic"] = r.Topic
	}
	if r.ConsciousProcessed {
		m["consciousProcessed"] = true
	}
	if r.ConsolidatedInto != "" {
		m["consolidatedInto"] = r.ConsolidatedInto
	}
	return m
}

// RecordFromMap decodes a processed_data map back into a typed record.
func RecordFromMap(data map[string]any) (*Record, error) {
	var rec Record
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Result:           &rec,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := decoder.Decode(data); err != nil {
		return nil, fmt.Errorf("failed to decode record data: %w", err)
	}
	if rec.Entities == nil {
		rec.Entities = []string{}
	}
	if rec.Keywords == nil {
		rec.Keywords = []string{}
	}
	return &rec, nil
}

// NewFallbackRecord synthesises the record stored when extraction fails for
// any reason. The shape is fixed; callers and tests rely on it.
func NewFallbackRecord(chatID, userInput, aiOutput string) *Record {
	return &Record{
		ConversationID:       chatID,
		Content:              userInput + " " + aiOutput,
		Summary:              headRunes(userInput, 100) + "...",
		Classification:       ClassConversational,
		Importance:           ImportanceMedium,
		ImportanceScore:      ImportanceMedium.Score(),
		Entities:             []string{},
		Keywords:             []string{},
		ConfidenceScore:      0.5,
		ClassificationReason: "Fallback processing due to error",
		PromotionEligible:    false,
		ExtractionTimestamp:  time.Now().UTC(),
	}
}

func headRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
