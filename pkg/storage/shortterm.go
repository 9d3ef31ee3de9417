package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/memoriai/memori/pkg/memory"
)

const shortTermColumns = `id, chat_id, processed_data, importance_score, category_primary,
retention_type, namespace, searchable_content, summary, is_permanent_context, created_at, expires_at`

// StoreConsciousMemoryInShortTerm copies a processed conscious memory into
// permanent short-term context, keyed by the source memory id for
// traceability. Permanent rows never expire.
func (e *Engine) StoreConsciousMemoryInShortTerm(ctx context.Context, rec *memory.Record, namespace string) (int64, error) {
	if rec == nil || rec.ID == "" {
		return 0, fmt.Errorf("memory record with id is required")
	}
	st := memory.NewConsciousShortTermRecord(rec)
	if namespace != "" {
		st.Namespace = namespace
	}
	return e.StoreShortTermMemory(ctx, st)
}

// StoreShortTermMemory persists one short-term row and returns its id.
// Non-permanent rows get an expiry stamped from the configured TTL unless
// the caller already set one.
func (e *Engine) StoreShortTermMemory(ctx context.Context, rec *memory.ShortTermRecord) (int64, error) {
	if rec == nil {
		return 0, fmt.Errorf("short-term record is required")
	}
	if rec.ChatID == "" {
		return 0, fmt.Errorf("chat id is required")
	}
	if rec.RetentionType == "" {
		rec.RetentionType = memory.RetentionShortTerm
	}
	if rec.Namespace == "" {
		rec.Namespace = "default"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.IsPermanentContext {
		rec.ExpiresAt = nil
	} else if rec.ExpiresAt == nil {
		expiry := rec.CreatedAt.Add(e.shortTermTTL)
		rec.ExpiresAt = &expiry
	}

	processedData, err := marshalJSON(rec.ProcessedData)
	if err != nil {
		return 0, err
	}

	var expiresAt any
	if rec.ExpiresAt != nil {
		expiresAt = *rec.ExpiresAt
	}

	args := []any{
		rec.ChatID, processedData, rec.ImportanceScore, rec.CategoryPrimary,
		rec.RetentionType, rec.Namespace, rec.SearchableContent, rec.Summary,
		rec.IsPermanentContext, rec.CreatedAt, expiresAt,
	}

	if e.dialect == dialectPostgres {
		query := e.rebind(`
INSERT INTO short_term_memory (chat_id, processed_data, importance_score, category_primary, retention_type, namespace, searchable_content, summary, is_permanent_context, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id
`)
		if err := e.db.QueryRowContext(ctx, query, args...).Scan(&rec.ID); err != nil {
			return 0, fmt.Errorf("failed to store short-term memory: %w", err)
		}
		return rec.ID, nil
	}

	query := `
INSERT INTO short_term_memory (chat_id, processed_data, importance_score, category_primary, retention_type, namespace, searchable_content, summary, is_permanent_context, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	res, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to store short-term memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read short-term memory id: %w", err)
	}
	rec.ID = id
	return id, nil
}

// GetPermanentContextMemories returns the permanent short-term rows for a
// namespace in promotion order.
func (e *Engine) GetPermanentContextMemories(ctx context.Context, namespace string) ([]memory.ShortTermRecord, error) {
	query := e.rebind(`
SELECT ` + shortTermColumns + ` FROM short_term_memory
WHERE namespace = ? AND is_permanent_context = ?
ORDER BY created_at ASC, id ASC
`)
	return e.queryShortTerm(ctx, query, namespace, true)
}

// GetShortTermMemories returns short-term rows for a namespace, newest
// first. Expired rows are excluded unless includeExpired is set.
func (e *Engine) GetShortTermMemories(ctx context.Context, namespace string, includeExpired bool, limit int) ([]memory.ShortTermRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT ` + shortTermColumns + ` FROM short_term_memory
WHERE namespace = ?
`
	args := []any{namespace}
	if !includeExpired {
		query += " AND (expires_at IS NULL OR expires_at > ?)"
		args = append(args, time.Now().UTC())
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	return e.queryShortTerm(ctx, e.rebind(query), args...)
}

// CleanupExpiredShortTermMemories removes rows past their expiry. Permanent
// context rows are never touched.
func (e *Engine) CleanupExpiredShortTermMemories(ctx context.Context, namespace string) (int64, error) {
	query := e.rebind(`
DELETE FROM short_term_memory
WHERE namespace = ? AND is_permanent_context = ? AND expires_at IS NOT NULL AND expires_at < ?
`)
	res, err := e.db.ExecContext(ctx, query, namespace, false, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up short-term memory: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.logger.Debug("expired short-term memories removed", "namespace", namespace, "count", removed)
	}
	return removed, nil
}

func (e *Engine) queryShortTerm(ctx context.Context, query string, args ...any) ([]memory.ShortTermRecord, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query short-term memory: %w", err)
	}
	defer rows.Close()

	var records []memory.ShortTermRecord
	for rows.Next() {
		rec, err := scanShortTerm(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan short-term memory: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanShortTerm(row rowScanner) (*memory.ShortTermRecord, error) {
	var (
		rec           memory.ShortTermRecord
		processedData string
		searchable    sql.NullString
		summary       sql.NullString
		expiresAt     sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.ChatID, &processedData, &rec.ImportanceScore, &rec.CategoryPrimary,
		&rec.RetentionType, &rec.Namespace, &searchable, &summary,
		&rec.IsPermanentContext, &rec.CreatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ProcessedData = unmarshalMap(processedData)
	rec.SearchableContent = searchable.String
	rec.Summary = summary.String
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}
