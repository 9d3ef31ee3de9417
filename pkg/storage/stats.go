package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memoriai/memori/pkg/memory"
)

// DatabaseStats summarises one namespace.
type DatabaseStats struct {
	Conversations     int        `json:"conversations"`
	LongTermMemories  int        `json:"longTermMemories"`
	ShortTermMemories int        `json:"shortTermMemories"`
	ConsciousMemories int        `json:"consciousMemories"`
	Relationships     int        `json:"relationships"`
	LastActivity      *time.Time `json:"lastActivity,omitempty"`
}

// GetDatabaseStats aggregates counts and the most recent activity stamp for
// a namespace. The aggregations run concurrently.
func (e *Engine) GetDatabaseStats(ctx context.Context, namespace string) (*DatabaseStats, error) {
	if namespace == "" {
		namespace = "default"
	}

	stats := &DatabaseStats{}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.countRows(ctx, `SELECT COUNT(*) FROM chat_history WHERE namespace = ?`,
			[]any{namespace}, &stats.Conversations)
	})
	g.Go(func() error {
		return e.countRows(ctx, `SELECT COUNT(*) FROM long_term_memory WHERE namespace = ?`,
			[]any{namespace}, &stats.LongTermMemories)
	})
	g.Go(func() error {
		return e.countRows(ctx, `SELECT COUNT(*) FROM short_term_memory WHERE namespace = ?`,
			[]any{namespace}, &stats.ShortTermMemories)
	})
	g.Go(func() error {
		return e.countRows(ctx, `SELECT COUNT(*) FROM long_term_memory WHERE namespace = ? AND classification = ?`,
			[]any{namespace, string(memory.ClassConsciousInfo)}, &stats.ConsciousMemories)
	})
	g.Go(func() error {
		return e.countRows(ctx, `SELECT COUNT(*) FROM memory_relationships WHERE namespace = ?`,
			[]any{namespace}, &stats.Relationships)
	})
	g.Go(func() error {
		last, err := e.lastActivity(ctx, namespace)
		if err != nil {
			return err
		}
		stats.LastActivity = last
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to aggregate database stats: %w", err)
	}
	return stats, nil
}

func (e *Engine) countRows(ctx context.Context, query string, args []any, out *int) error {
	if err := e.db.QueryRowContext(ctx, e.rebind(query), args...).Scan(out); err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}
	return nil
}

// lastActivity takes the newest stamp across the three activity tables.
// ORDER BY + LIMIT keeps the column type visible to the driver, which MAX()
// would not.
func (e *Engine) lastActivity(ctx context.Context, namespace string) (*time.Time, error) {
	queries := []string{
		`SELECT timestamp FROM chat_history WHERE namespace = ? ORDER BY timestamp DESC LIMIT 1`,
		`SELECT extraction_timestamp FROM long_term_memory WHERE namespace = ? ORDER BY extraction_timestamp DESC LIMIT 1`,
		`SELECT created_at FROM short_term_memory WHERE namespace = ? ORDER BY created_at DESC LIMIT 1`,
	}

	var latest *time.Time
	for _, q := range queries {
		var ts time.Time
		err := e.db.QueryRowContext(ctx, e.rebind(q), namespace).Scan(&ts)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read last activity: %w", err)
		}
		if latest == nil || ts.After(*latest) {
			t := ts
			latest = &t
		}
	}
	return latest, nil
}
