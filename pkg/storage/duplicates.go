package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DuplicateCandidate pairs a stored record with its similarity to the
// probe text.
type DuplicateCandidate struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`

	Classification    string `json:"classification"`
	Summary           string `json:"summary"`
	SearchableContent string `json:"searchableContent"`
}

// FindPotentialDuplicates returns records whose searchable content has a
// Jaccard similarity with the probe text at or above the threshold.
// Tokenisation is whitespace-split lowercased text, nothing fancier, so
// callers get stable, explainable similarities.
func (e *Engine) FindPotentialDuplicates(ctx context.Context, text, namespace string, threshold float64) ([]DuplicateCandidate, error) {
	if namespace == "" {
		namespace = "default"
	}
	probe := jaccardTokens(text)

	query := e.rebind(`
SELECT id, classification, summary, searchable_content FROM long_term_memory
WHERE namespace = ?
`)
	rows, err := e.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for duplicates: %w", err)
	}
	defer rows.Close()

	var candidates []DuplicateCandidate
	for rows.Next() {
		var c DuplicateCandidate
		if err := rows.Scan(&c.ID, &c.Classification, &c.Summary, &c.SearchableContent); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate candidate: %w", err)
		}
		c.Similarity = jaccard(probe, jaccardTokens(c.SearchableContent))
		if c.Similarity >= threshold {
			candidates = append(candidates, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates, nil
}

// ValidateConsolidationSafety runs the pre-consolidation checks: no
// self-consolidation, every id present in the namespace, and no duplicate
// already consolidated into the primary. A nil return means the group is
// safe to merge.
func (e *Engine) ValidateConsolidationSafety(ctx context.Context, primaryID string, duplicateIDs []string, namespace string) error {
	if primaryID == "" {
		return fmt.Errorf("primary memory id is required")
	}
	if len(duplicateIDs) == 0 {
		return fmt.Errorf("no duplicates to consolidate")
	}
	if namespace == "" {
		namespace = "default"
	}

	for _, id := range duplicateIDs {
		if id == primaryID {
			return fmt.Errorf("memory %s cannot consolidate into itself", primaryID)
		}
	}

	ids := append([]string{primaryID}, duplicateIDs...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := `
SELECT id, processed_data FROM long_term_memory
WHERE namespace = ? AND id IN (` + placeholders + `)
`
	args := make([]any, 0, len(ids)+1)
	args = append(args, namespace)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := e.db.QueryContext(ctx, e.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to verify consolidation group: %w", err)
	}
	defer rows.Close()

	found := make(map[string]string, len(ids))
	for rows.Next() {
		var id, processedData string
		if err := rows.Scan(&id, &processedData); err != nil {
			return fmt.Errorf("failed to scan consolidation group: %w", err)
		}
		found[id] = processedData
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return fmt.Errorf("memory %s does not exist in namespace %s", id, namespace)
		}
	}
	for _, id := range duplicateIDs {
		if consolidatedInto(found[id]) == primaryID {
			return fmt.Errorf("memory %s is already consolidated into %s", id, primaryID)
		}
	}
	return nil
}

// jaccardTokens is the duplicate-discovery tokeniser: lowercase, split on
// whitespace. No stemming, no stopwords, no punctuation handling.
func jaccardTokens(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tokens[tok] = true
	}
	return tokens
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
