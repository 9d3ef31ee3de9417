package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/memoriai/memori/pkg/state"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the transition
// helpers can run standalone or inside a larger transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const transitionColumns = `id, memory_id, namespace, from_state, to_state, timestamp, reason, agent_id, error_message, metadata`

// AppendTransition writes one history row and updates the processing_state
// projection in the same transaction. Rows with an empty From are seeds;
// all others must follow the legal transition graph. Reaching CLEANED also
// removes every relationship touching the memory.
func (e *Engine) AppendTransition(ctx context.Context, rec *state.TransitionRecord) error {
	if rec == nil || rec.MemoryID == "" {
		return fmt.Errorf("transition record with memory id is required")
	}
	if !rec.To.Valid() {
		return fmt.Errorf("unknown state %q", rec.To)
	}
	if rec.From != "" && !state.Legal(rec.From, rec.To) {
		return fmt.Errorf("%w: %s -> %s", state.ErrInvalidTransition, rec.From, rec.To)
	}

	return e.inTx(ctx, func(tx *sql.Tx) error {
		if rec.Namespace == "" {
			var ns string
			query := e.rebind(`SELECT namespace FROM long_term_memory WHERE id = ?`)
			err := tx.QueryRowContext(ctx, query, rec.MemoryID).Scan(&ns)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to resolve namespace: %w", err)
			}
			rec.Namespace = ns
		}
		if err := e.insertTransition(ctx, tx, rec); err != nil {
			return err
		}
		return e.applyProjection(ctx, tx, rec.MemoryID, rec.To)
	})
}

// insertTransition appends the history row only; projection upkeep is the
// caller's responsibility.
func (e *Engine) insertTransition(ctx context.Context, q querier, rec *state.TransitionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	var errMsg any
	if rec.ErrorMessage != "" {
		errMsg = rec.ErrorMessage
	}
	var metadata any
	if len(rec.Metadata) > 0 {
		raw, err := marshalJSON(rec.Metadata)
		if err != nil {
			return err
		}
		metadata = raw
	}

	query := e.rebind(`
INSERT INTO memory_state_history (memory_id, namespace, from_state, to_state, timestamp, reason, agent_id, error_message, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err := q.ExecContext(ctx, query,
		rec.MemoryID, rec.Namespace, string(rec.From), string(rec.To),
		rec.Timestamp, rec.Reason, rec.AgentID, errMsg, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to append state transition: %w", err)
	}
	return nil
}

// applyProjection mirrors the latest state onto long_term_memory and, when
// the record is CLEANED, drops every relationship it participates in.
func (e *Engine) applyProjection(ctx context.Context, q querier, memoryID string, to state.State) error {
	update := e.rebind(`UPDATE long_term_memory SET processing_state = ? WHERE id = ?`)
	if _, err := q.ExecContext(ctx, update, string(to), memoryID); err != nil {
		return fmt.Errorf("failed to update state projection: %w", err)
	}
	if to == state.StateCleaned {
		del := e.rebind(`DELETE FROM memory_relationships WHERE source_id = ? OR target_id = ?`)
		if _, err := q.ExecContext(ctx, del, memoryID, memoryID); err != nil {
			return fmt.Errorf("failed to drop relationships for cleaned memory: %w", err)
		}
	}
	return nil
}

// LastTransition returns the most recent history row for the memory, or
// (nil, nil) when the id has never been tracked.
func (e *Engine) LastTransition(ctx context.Context, memoryID string) (*state.TransitionRecord, error) {
	return e.lastTransition(ctx, e.db, memoryID)
}

func (e *Engine) lastTransition(ctx context.Context, q querier, memoryID string) (*state.TransitionRecord, error) {
	query := e.rebind(`
SELECT ` + transitionColumns + ` FROM memory_state_history
WHERE memory_id = ? ORDER BY id DESC LIMIT 1
`)
	rec, err := scanTransition(q.QueryRowContext(ctx, query, memoryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last transition: %w", err)
	}
	return rec, nil
}

// TransitionHistory returns every history row for the memory in write order.
func (e *Engine) TransitionHistory(ctx context.Context, memoryID string) ([]state.TransitionRecord, error) {
	query := e.rebind(`
SELECT ` + transitionColumns + ` FROM memory_state_history
WHERE memory_id = ? ORDER BY id ASC
`)
	rows, err := e.db.QueryContext(ctx, query, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transition history: %w", err)
	}
	defer rows.Close()

	var history []state.TransitionRecord
	for rows.Next() {
		rec, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		history = append(history, *rec)
	}
	return history, rows.Err()
}

// CountStatesByNamespace aggregates the current projection per state.
func (e *Engine) CountStatesByNamespace(ctx context.Context, namespace string) (map[state.State]int, error) {
	query := e.rebind(`
SELECT processing_state, COUNT(*) FROM long_term_memory
WHERE namespace = ? GROUP BY processing_state
`)
	rows, err := e.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to count states: %w", err)
	}
	defer rows.Close()

	counts := make(map[state.State]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[state.State(st)] = n
	}
	return counts, rows.Err()
}

func scanTransition(row rowScanner) (*state.TransitionRecord, error) {
	var (
		rec      state.TransitionRecord
		from     string
		to       string
		errMsg   sql.NullString
		metadata sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.MemoryID, &rec.Namespace, &from, &to,
		&rec.Timestamp, &rec.Reason, &rec.AgentID, &errMsg, &metadata,
	)
	if err != nil {
		return nil, err
	}
	rec.From = state.State(from)
	rec.To = state.State(to)
	rec.ErrorMessage = errMsg.String
	if metadata.Valid && metadata.String != "" {
		rec.Metadata = unmarshalMap(metadata.String)
	}
	return &rec, nil
}
