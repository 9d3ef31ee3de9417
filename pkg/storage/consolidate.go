package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/memoriai/memori/pkg/memory"
	"github.com/memoriai/memori/pkg/observability"
	"github.com/memoriai/memori/pkg/state"
)

// ConsolidationResult reports a single consolidation call. Duplicates that
// could not be merged are listed in Errors; the rest of the group commits.
type ConsolidationResult struct {
	Consolidated int      `json:"consolidated"`
	Errors       []string `json:"errors"`
}

// ConsolidateDuplicateMemories merges the duplicates into the primary in
// one transaction: entities and keywords are unioned into the primary,
// incoming relationships are re-pointed at the primary (edges that would
// become self-loops are deleted), each duplicate is marked CONSOLIDATED
// through the legal-transition rules and gets a consolidatedInto
// back-reference in its processed data.
func (e *Engine) ConsolidateDuplicateMemories(ctx context.Context, primaryID string, duplicateIDs []string, namespace string) (*ConsolidationResult, error) {
	if primaryID == "" {
		return nil, fmt.Errorf("primary memory id is required")
	}
	if namespace == "" {
		namespace = "default"
	}

	tracer := observability.GetTracer("memori.storage")
	ctx, span := tracer.Start(ctx, observability.SpanConsolidation,
		trace.WithAttributes(
			attribute.String(observability.AttrNamespace, namespace),
			attribute.String(observability.AttrMemoryID, primaryID),
		))
	defer span.End()

	result := &ConsolidationResult{}
	metrics := observability.GetGlobalMetrics()

	err := e.inTx(ctx, func(tx *sql.Tx) error {
		primary, _, err := e.loadMemoryTx(ctx, tx, namespace, primaryID)
		if err != nil {
			return fmt.Errorf("failed to load primary memory: %w", err)
		}

		for _, dupID := range duplicateIDs {
			if dupID == primaryID {
				result.Errors = append(result.Errors, fmt.Sprintf("memory %s cannot consolidate into itself", dupID))
				continue
			}

			dup, cur, err := e.loadMemoryTx(ctx, tx, namespace, dupID)
			if errors.Is(err, ErrNotFound) {
				result.Errors = append(result.Errors, fmt.Sprintf("memory %s does not exist in namespace %s", dupID, namespace))
				continue
			}
			if err != nil {
				return err
			}
			if !state.Legal(cur, state.StateConsolidationProcessing) {
				result.Errors = append(result.Errors, fmt.Sprintf("memory %s cannot be consolidated from state %s", dupID, cur))
				continue
			}

			primary.Entities = mergeUnique(primary.Entities, dup.Entities)
			primary.Keywords = mergeUnique(primary.Keywords, dup.Keywords)

			// Re-pointing an incoming primary -> dup edge would make it a
			// self-loop; drop those before the update.
			del := e.rebind(`DELETE FROM memory_relationships WHERE namespace = ? AND source_id = ? AND target_id = ?`)
			if _, err := tx.ExecContext(ctx, del, namespace, primaryID, dupID); err != nil {
				return fmt.Errorf("failed to drop self-loop relationships: %w", err)
			}
			repoint := e.rebind(`UPDATE memory_relationships SET target_id = ? WHERE namespace = ? AND target_id = ?`)
			if _, err := tx.ExecContext(ctx, repoint, primaryID, namespace, dupID); err != nil {
				return fmt.Errorf("failed to re-point relationships: %w", err)
			}

			dup.ConsolidatedInto = primaryID
			if err := e.updateDerivedColumnsTx(ctx, tx, dup); err != nil {
				return err
			}

			now := time.Now().UTC()
			steps := []state.TransitionRecord{
				{
					MemoryID: dupID, Namespace: namespace,
					From: cur, To: state.StateConsolidationProcessing,
					Timestamp: now, Reason: "consolidating into " + primaryID, AgentID: "consolidation-agent",
				},
				{
					MemoryID: dupID, Namespace: namespace,
					From: state.StateConsolidationProcessing, To: state.StateConsolidated,
					Timestamp: now, Reason: "consolidated into " + primaryID, AgentID: "consolidation-agent",
				},
			}
			for i := range steps {
				if err := e.insertTransition(ctx, tx, &steps[i]); err != nil {
					return err
				}
				if err := e.applyProjection(ctx, tx, dupID, steps[i].To); err != nil {
					return err
				}
				if metrics != nil {
					metrics.RecordStateTransition(ctx, string(steps[i].From), string(steps[i].To))
				}
			}

			result.Consolidated++
		}

		if result.Consolidated > 0 {
			if err := e.updateDerivedColumnsTx(ctx, tx, primary); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("memory.consolidated", result.Consolidated))
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

// loadMemoryTx reads one record and its projection inside the transaction.
func (e *Engine) loadMemoryTx(ctx context.Context, tx *sql.Tx, namespace, memoryID string) (*memory.Record, state.State, error) {
	query := e.rebind(`SELECT ` + longTermColumns + ` FROM long_term_memory WHERE namespace = ? AND id = ?`)
	rec, st, err := scanMemoryRecord(tx.QueryRowContext(ctx, query, namespace, memoryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("memory %s: %w", memoryID, ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load memory: %w", err)
	}
	return rec, st, nil
}

// updateDerivedColumnsTx rewrites the columns that follow from a record's
// mutable fields: entities, keywords, searchable content, processed data.
func (e *Engine) updateDerivedColumnsTx(ctx context.Context, tx *sql.Tx, rec *memory.Record) error {
	entities, err := marshalJSON(rec.Entities)
	if err != nil {
		return err
	}
	keywords, err := marshalJSON(rec.Keywords)
	if err != nil {
		return err
	}
	processedData, err := marshalJSON(rec.AsMap())
	if err != nil {
		return err
	}

	query := e.rebind(`
UPDATE long_term_memory
SET entities = ?, keywords = ?, searchable_content = ?, processed_data = ?
WHERE id = ?
`)
	if _, err := tx.ExecContext(ctx, query, entities, keywords, rec.SearchableContent(), processedData, rec.ID); err != nil {
		return fmt.Errorf("failed to update memory columns: %w", err)
	}
	return nil
}

// mergeUnique appends the unseen items of src to dst, preserving order.
func mergeUnique(dst, src []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range src {
		if !seen[s] {
			seen[s] = true
			dst = append(dst, s)
		}
	}
	return dst
}

// consolidatedInto lifts the back-reference out of a processed_data blob.
func consolidatedInto(processedData string) string {
	if processedData == "" {
		return ""
	}
	var ref struct {
		ConsolidatedInto string `json:"consolidatedInto"`
	}
	if err := json.Unmarshal([]byte(processedData), &ref); err != nil {
		return ""
	}
	return ref.ConsolidatedInto
}
