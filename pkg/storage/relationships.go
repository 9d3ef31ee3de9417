package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/memoriai/memori/pkg/memory"
)

// RelationshipResult reports how a batch of relationship writes went.
// Edges violating an invariant are skipped, not fatal.
type RelationshipResult struct {
	Stored int      `json:"stored"`
	Errors []string `json:"errors"`
}

// StoreMemoryRelationships persists the edges originating from sourceID.
// Each edge is checked against the local invariants and the supersedes
// graph; violations land in the result's error list and the rest of the
// batch still commits.
func (e *Engine) StoreMemoryRelationships(ctx context.Context, sourceID string, rels []memory.Relationship, namespace string) (*RelationshipResult, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("source memory id is required")
	}
	if namespace == "" {
		namespace = "default"
	}

	result := &RelationshipResult{}
	if len(rels) == 0 {
		return result, nil
	}

	err := e.inTx(ctx, func(tx *sql.Tx) error {
		insert := e.rebind(`
INSERT INTO memory_relationships (id, namespace, source_id, target_id, relationship_type, confidence, strength, reason, entities, context, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
		for i := range rels {
			rel := rels[i]
			rel.SourceID = sourceID

			if err := rel.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("relationship %s -> %s: %v", rel.SourceID, rel.TargetID, err))
				continue
			}
			if rel.Type == memory.RelationSupersedes {
				cyclic, err := e.supersedesCycle(ctx, tx, namespace, rel.SourceID, rel.TargetID)
				if err != nil {
					return err
				}
				if cyclic {
					result.Errors = append(result.Errors,
						fmt.Sprintf("relationship %s -> %s: supersedes cycle", rel.SourceID, rel.TargetID))
					continue
				}
			}

			if rel.ID == "" {
				rel.ID = uuid.NewString()
			}
			if rel.CreatedAt.IsZero() {
				rel.CreatedAt = time.Now().UTC()
			}
			entities, err := marshalJSON(rel.Entities)
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, insert,
				rel.ID, namespace, rel.SourceID, rel.TargetID, string(rel.Type),
				rel.Confidence, rel.Strength, rel.Reason, entities, rel.Context, rel.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to store relationship: %w", err)
			}
			result.Stored++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// supersedesCycle walks supersedes edges starting at targetID and reports
// whether sourceID is reachable, which would close a cycle with the edge
// about to be inserted.
func (e *Engine) supersedesCycle(ctx context.Context, q querier, namespace, sourceID, targetID string) (bool, error) {
	query := e.rebind(`
SELECT target_id FROM memory_relationships
WHERE namespace = ? AND source_id = ? AND relationship_type = ?
`)

	visited := make(map[string]bool)
	frontier := []string{targetID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		if current == sourceID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		rows, err := q.QueryContext(ctx, query, namespace, current, string(memory.RelationSupersedes))
		if err != nil {
			return false, fmt.Errorf("failed to walk supersedes graph: %w", err)
		}
		for rows.Next() {
			var next string
			if err := rows.Scan(&next); err != nil {
				rows.Close()
				return false, fmt.Errorf("failed to scan supersedes edge: %w", err)
			}
			frontier = append(frontier, next)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return false, err
		}
		rows.Close()
	}
	return false, nil
}

// GetRelationshipsForMemory returns every edge touching the memory, in
// insertion order.
func (e *Engine) GetRelationshipsForMemory(ctx context.Context, memoryID string) ([]memory.Relationship, error) {
	query := e.rebind(`
SELECT id, source_id, target_id, relationship_type, confidence, strength, reason, entities, context, created_at
FROM memory_relationships
WHERE source_id = ? OR target_id = ?
ORDER BY created_at ASC, id ASC
`)
	rows, err := e.db.QueryContext(ctx, query, memoryID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var rels []memory.Relationship
	for rows.Next() {
		var (
			rel        memory.Relationship
			relType    string
			reason     sql.NullString
			entities   string
			relContext sql.NullString
		)
		err := rows.Scan(
			&rel.ID, &rel.SourceID, &rel.TargetID, &relType,
			&rel.Confidence, &rel.Strength, &reason, &entities, &relContext, &rel.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rel.Type = memory.RelationType(relType)
		rel.Reason = reason.String
		rel.Entities = unmarshalStringSlice(entities)
		rel.Context = relContext.String
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}
