package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/memoriai/memori/pkg/memory"
	"github.com/memoriai/memori/pkg/state"
)

const longTermColumns = `id, conversation_id, namespace, content, summary, classification, importance,
importance_score, topic, entities, keywords, confidence_score, classification_reason,
promotion_eligible, extraction_timestamp, conscious_processed, processed_data, processing_state`

// StoreLongTermMemory persists an extracted record and returns its id. The
// record enters state tracking at PROCESSED unless a PENDING row was staged
// for its id beforehand, in which case the staged state is kept as the
// projection and no seed row is written.
func (e *Engine) StoreLongTermMemory(ctx context.Context, rec *memory.Record, conversationID, namespace string) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("memory record is required")
	}
	if conversationID != "" {
		rec.ConversationID = conversationID
	}
	if namespace != "" {
		rec.Namespace = namespace
	}
	if rec.Namespace == "" {
		rec.Namespace = "default"
	}
	if rec.ConversationID == "" {
		return "", fmt.Errorf("conversation id is required")
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ExtractionTimestamp.IsZero() {
		rec.ExtractionTimestamp = time.Now().UTC()
	}

	processedData, err := marshalJSON(rec.AsMap())
	if err != nil {
		return "", err
	}
	entities, err := marshalJSON(rec.Entities)
	if err != nil {
		return "", err
	}
	keywords, err := marshalJSON(rec.Keywords)
	if err != nil {
		return "", err
	}

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		initial := state.StateProcessed
		last, err := e.lastTransition(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		if last != nil {
			initial = last.To
			// Rows staged before the memory existed could not resolve a
			// namespace; fill it in now.
			backfill := e.rebind(`UPDATE memory_state_history SET namespace = ? WHERE memory_id = ? AND namespace = ''`)
			if _, err := tx.ExecContext(ctx, backfill, rec.Namespace, rec.ID); err != nil {
				return fmt.Errorf("failed to backfill transition namespace: %w", err)
			}
		} else {
			seed := &state.TransitionRecord{
				MemoryID:  rec.ID,
				Namespace: rec.Namespace,
				To:        state.StateProcessed,
				Timestamp: time.Now().UTC(),
				Reason:    "memory stored",
				AgentID:   "storage-engine",
			}
			if err := e.insertTransition(ctx, tx, seed); err != nil {
				return err
			}
		}

		insert := e.rebind(`
INSERT INTO long_term_memory (` + longTermColumns + `, searchable_content)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
		_, err = tx.ExecContext(ctx, insert,
			rec.ID, rec.ConversationID, rec.Namespace, rec.Content, rec.Summary,
			string(rec.Classification), string(rec.Importance), rec.ImportanceScore,
			rec.Topic, entities, keywords, rec.ConfidenceScore, rec.ClassificationReason,
			rec.PromotionEligible, rec.ExtractionTimestamp, rec.ConsciousProcessed,
			processedData, string(initial), rec.SearchableContent(),
		)
		if err != nil {
			return fmt.Errorf("failed to store long-term memory: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return rec.ID, nil
}

// GetMemory loads one record by id.
func (e *Engine) GetMemory(ctx context.Context, memoryID string) (*memory.Record, error) {
	query := e.rebind(`SELECT ` + longTermColumns + ` FROM long_term_memory WHERE id = ?`)
	rec, _, err := scanMemoryRecord(e.db.QueryRowContext(ctx, query, memoryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", memoryID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load memory: %w", err)
	}
	return rec, nil
}

// GetUnprocessedConsciousMemories returns conscious-info records that have
// not been copied into permanent short-term context yet, oldest first.
func (e *Engine) GetUnprocessedConsciousMemories(ctx context.Context, namespace string, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := e.rebind(`
SELECT ` + longTermColumns + ` FROM long_term_memory
WHERE namespace = ? AND classification = ? AND conscious_processed = ?
ORDER BY extraction_timestamp ASC, id ASC
LIMIT ?
`)
	return e.queryMemories(ctx, query, namespace, string(memory.ClassConsciousInfo), false, limit)
}

// GetConsciousMemories returns every conscious-info record in the namespace,
// oldest first. Consolidation candidate loading depends on this ordering:
// the first record seen becomes the group primary.
func (e *Engine) GetConsciousMemories(ctx context.Context, namespace string, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	query := e.rebind(`
SELECT ` + longTermColumns + ` FROM long_term_memory
WHERE namespace = ? AND classification = ?
ORDER BY extraction_timestamp ASC, id ASC
LIMIT ?
`)
	return e.queryMemories(ctx, query, namespace, string(memory.ClassConsciousInfo), limit)
}

// GetMemoriesByState returns records whose projection matches the given
// state, oldest first.
func (e *Engine) GetMemoriesByState(ctx context.Context, namespace string, st state.State, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := e.rebind(`
SELECT ` + longTermColumns + ` FROM long_term_memory
WHERE namespace = ? AND processing_state = ?
ORDER BY extraction_timestamp ASC, id ASC
LIMIT ?
`)
	return e.queryMemories(ctx, query, namespace, string(st), limit)
}

// MarkConsciousProcessed flags a record as copied into short-term context.
func (e *Engine) MarkConsciousProcessed(ctx context.Context, memoryID string) error {
	query := e.rebind(`UPDATE long_term_memory SET conscious_processed = ? WHERE id = ?`)
	res, err := e.db.ExecContext(ctx, query, true, memoryID)
	if err != nil {
		return fmt.Errorf("failed to mark memory conscious-processed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("memory %s: %w", memoryID, ErrNotFound)
	}
	return nil
}

func (e *Engine) queryMemories(ctx context.Context, query string, args ...any) ([]memory.Record, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		rec, _, err := scanMemoryRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// scanMemoryRecord reads one long_term_memory row. The consolidatedInto
// back-reference lives only in processed_data and is lifted from there.
func scanMemoryRecord(row rowScanner) (*memory.Record, state.State, error) {
	var (
		rec             memory.Record
		classification  string
		importance      string
		topic           sql.NullString
		entities        string
		keywords        string
		reason          sql.NullString
		processedData   string
		processingState string
	)
	err := row.Scan(
		&rec.ID, &rec.ConversationID, &rec.Namespace, &rec.Content, &rec.Summary,
		&classification, &importance, &rec.ImportanceScore,
		&topic, &entities, &keywords, &rec.ConfidenceScore, &reason,
		&rec.PromotionEligible, &rec.ExtractionTimestamp, &rec.ConsciousProcessed,
		&processedData, &processingState,
	)
	if err != nil {
		return nil, "", err
	}

	rec.Classification = memory.Classification(classification)
	rec.Importance = memory.Importance(importance)
	rec.Topic = topic.String
	rec.ClassificationReason = reason.String
	rec.Entities = unmarshalStringSlice(entities)
	rec.Keywords = unmarshalStringSlice(keywords)

	var backRef struct {
		ConsolidatedInto string `json:"consolidatedInto"`
	}
	if processedData != "" {
		if err := json.Unmarshal([]byte(processedData), &backRef); err == nil {
			rec.ConsolidatedInto = backRef.ConsolidatedInto
		}
	}

	return &rec, state.State(processingState), nil
}
