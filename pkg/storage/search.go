package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/memoriai/memori/pkg/memory"
	"github.com/memoriai/memori/pkg/observability"
	"github.com/memoriai/memori/pkg/state"
)

const (
	defaultSearchLimit = 5
	searchCandidateCap = 500

	lexicalWeight    = 1.0
	importanceWeight = 0.3
	recencyWeight    = 0.1
)

// SortBy overrides the default relevance ordering.
type SortBy struct {
	Field     string `json:"field"`     // relevance, importance, created_at
	Direction string `json:"direction"` // asc or desc
}

// SearchOptions narrows and pages a search. The zero value searches the
// default namespace with a limit of 5.
type SearchOptions struct {
	Namespace       string
	Limit           int
	Offset          int
	MinImportance   string
	Categories      []string
	IncludeMetadata bool
	SortBy          *SortBy
}

// SearchResult is one ranked hit.
type SearchResult struct {
	memory.Record
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchMemories runs a ranked lexical search over long-term memory.
// Ranking order: token overlap with searchable content, then importance
// boost, then a mild recency boost, with ascending id as the final
// tiebreak. The SQL layer only prefilters; scores are computed here so the
// FTS and LIKE paths return identical results.
func (e *Engine) SearchMemories(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	start := time.Now()

	tracer := observability.GetTracer("memori.storage")
	ctx, span := tracer.Start(ctx, observability.SpanSearch,
		trace.WithAttributes(attribute.String(observability.AttrNamespace, opts.Namespace)))
	defer span.End()

	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultSearchLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	tokens := searchTokens(query)

	candidates, states, err := e.loadSearchCandidates(ctx, tokens, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]SearchResult, 0, len(candidates))
	for i := range candidates {
		rec := candidates[i]
		lexical := lexicalScore(tokens, rec.SearchableContent())
		if len(tokens) > 0 && lexical == 0 {
			continue
		}
		res := SearchResult{
			Record: rec,
			Score:  lexical*lexicalWeight + rec.ImportanceScore*importanceWeight + recencyBoost(now, rec.ExtractionTimestamp)*recencyWeight,
		}
		if opts.IncludeMetadata {
			res.Metadata = map[string]any{
				"processingState": string(states[i]),
			}
		}
		results = append(results, res)
	}

	orderResults(results, opts.SortBy)

	if opts.Offset >= len(results) {
		results = nil
	} else {
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordSearch(ctx, time.Since(start), len(results))
	}
	span.SetAttributes(attribute.Int("memory.search.results", len(results)))
	span.SetStatus(codes.Ok, "success")

	return results, nil
}

// loadSearchCandidates prefilters rows in SQL. The filter may over-select
// (LIKE matches substrings); exact token scoring happens in the caller.
func (e *Engine) loadSearchCandidates(ctx context.Context, tokens []string, opts SearchOptions) ([]memory.Record, []state.State, error) {
	var (
		query string
		args  []any
	)

	if e.ftsAvailable && len(tokens) > 0 {
		query = `
SELECT ` + qualifiedLongTermColumns("m") + `
FROM memory_fts JOIN long_term_memory m ON m.rowid = memory_fts.rowid
WHERE memory_fts MATCH ? AND m.namespace = ?
`
		args = append(args, ftsMatchExpr(tokens), opts.Namespace)
	} else {
		query = `
SELECT ` + qualifiedLongTermColumns("m") + `
FROM long_term_memory m
WHERE m.namespace = ?
`
		args = append(args, opts.Namespace)
		if len(tokens) > 0 {
			var likes []string
			for _, tok := range tokens {
				likes = append(likes, `LOWER(m.searchable_content) LIKE ? ESCAPE '!'`)
				args = append(args, "%"+escapeLike(tok)+"%")
			}
			query += " AND (" + strings.Join(likes, " OR ") + ")"
		}
	}

	if threshold := memory.ImportanceThreshold(opts.MinImportance); threshold > 0 {
		query += " AND m.importance_score >= ?"
		args = append(args, threshold)
	}
	if len(opts.Categories) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(opts.Categories)), ", ")
		query += " AND m.classification IN (" + placeholders + ")"
		for _, c := range opts.Categories {
			args = append(args, strings.ToLower(strings.TrimSpace(c)))
		}
	}

	query += " LIMIT ?"
	args = append(args, searchCandidateCap)

	rows, err := e.db.QueryContext(ctx, e.rebind(query), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query search candidates: %w", err)
	}
	defer rows.Close()

	var (
		records []memory.Record
		states  []state.State
	)
	for rows.Next() {
		rec, st, err := scanMemoryRecord(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan search candidate: %w", err)
		}
		records = append(records, *rec)
		states = append(states, st)
	}
	return records, states, rows.Err()
}

func orderResults(results []SearchResult, by *SortBy) {
	field := "relevance"
	asc := false
	if by != nil {
		if f := strings.ToLower(strings.TrimSpace(by.Field)); f != "" {
			field = f
		}
		asc = strings.EqualFold(by.Direction, "asc")
	}

	less := func(a, b *SearchResult) bool {
		var cmp int
		switch field {
		case "importance", "importance_score":
			cmp = compareFloat(a.ImportanceScore, b.ImportanceScore)
		case "created_at", "timestamp", "extraction_timestamp":
			switch {
			case a.ExtractionTimestamp.Before(b.ExtractionTimestamp):
				cmp = -1
			case a.ExtractionTimestamp.After(b.ExtractionTimestamp):
				cmp = 1
			}
		default:
			cmp = compareFloat(a.Score, b.Score)
		}
		if cmp == 0 {
			// Direction never applies to the id tiebreak.
			return a.ID < b.ID
		}
		if asc {
			return cmp < 0
		}
		return cmp > 0
	}

	sort.Slice(results, func(i, j int) bool { return less(&results[i], &results[j]) })
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// searchTokens lowercases and splits the query, trimming surrounding
// punctuation from each token.
func searchTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if tok := strings.Trim(f, `.,;:!?"'()[]{}`); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// lexicalScore is the fraction of query tokens present in the content's
// token set.
func lexicalScore(tokens []string, content string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	contentTokens := make(map[string]bool)
	for _, tok := range searchTokens(content) {
		contentTokens[tok] = true
	}
	matched := 0
	for _, tok := range tokens {
		if contentTokens[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}

// recencyBoost decays from 1 toward 0 as the record ages, halving per day.
func recencyBoost(now, extracted time.Time) float64 {
	if extracted.IsZero() || extracted.After(now) {
		return 1
	}
	ageDays := now.Sub(extracted).Hours() / 24
	return 1 / (1 + ageDays)
}

// ftsMatchExpr ORs the tokens as quoted FTS5 strings.
func ftsMatchExpr(tokens []string) string {
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// escapeLike neutralises LIKE wildcards with the ! escape, which parses the
// same across all three dialects.
func escapeLike(token string) string {
	token = strings.ReplaceAll(token, `!`, `!!`)
	token = strings.ReplaceAll(token, `%`, `!%`)
	return strings.ReplaceAll(token, `_`, `!_`)
}

// qualifiedLongTermColumns prefixes the shared column list with a table
// alias for joined queries.
func qualifiedLongTermColumns(alias string) string {
	cols := strings.Split(longTermColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
