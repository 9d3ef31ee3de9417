package memory

import "time"

// RetentionShortTerm is the retention type of every short-term row.
const RetentionShortTerm = "short_term"

// ShortTermRecord is a working-set copy of a memory record. Conscious copies
// set IsPermanentContext and reuse the source memory id as ChatID for
// traceability; they are never evicted by age policy.
type ShortTermRecord struct {
	ID                 int64          `json:"id,omitempty"`
	ChatID             string         `json:"chatId"`
	ProcessedData      map[string]any `json:"processedData"`
	ImportanceScore    float64        `json:"importanceScore"`
	CategoryPrimary    string         `json:"categoryPrimary"`
	RetentionType      string         `json:"retentionType"`
	Namespace          string         `json:"namespace"`
	SearchableContent  string         `json:"searchableContent"`
	Summary            string         `json:"summary"`
	IsPermanentContext bool           `json:"isPermanentContext"`
	CreatedAt          time.Time      `json:"createdAt,omitempty"`
	ExpiresAt          *time.Time     `json:"expiresAt,omitempty"`
}

// NewConsciousShortTermRecord builds the short-term copy of a conscious
// memory record.
func NewConsciousShortTermRecord(rec *Record) *ShortTermRecord {
	return &ShortTermRecord{
		ChatID:             rec.ID,
		ProcessedData:      rec.AsMap(),
		ImportanceScore:    rec.Importance.Score(),
		CategoryPrimary:    string(rec.Classification),
		RetentionType:      RetentionShortTerm,
		Namespace:          rec.Namespace,
		SearchableContent:  rec.SearchableContent(),
		Summary:            rec.Summary,
		IsPermanentContext: true,
	}
}
