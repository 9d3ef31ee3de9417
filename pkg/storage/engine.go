// Package storage is the relational persistence layer: chat turns, long-term
// and short-term memory rows, relationship edges, and the state history log
// all live here. SQLite is the primary dialect; postgres and mysql share the
// same logical schema.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/logger"
)

// Engine wraps one SQL database holding every persisted entity. All
// multi-row mutations run in a single transaction; the legal-transition
// rules are enforced on every state write, including the ones issued from
// inside consolidation transactions.
type Engine struct {
	db           *sql.DB
	dialect      string
	ftsAvailable bool
	shortTermTTL time.Duration
	logger       *slog.Logger
}

// Open connects per the storage config, applies pool settings, pings, and
// initialises the schema. FTS5 is probed on SQLite; when unavailable search
// silently degrades to LIKE scans.
func Open(cfg *config.StorageConfig) (*Engine, error) {
	if cfg == nil {
		cfg = &config.StorageConfig{}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	dialect, driver, dsn, err := resolveDSN(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	e := &Engine{
		db:           db,
		dialect:      dialect,
		shortTermTTL: cfg.ShortTermTTL,
		logger:       logger.GetLogger(),
	}

	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return e, nil
}

func (e *Engine) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := e.db.ExecContext(ctx, schemaFor(e.dialect)); err != nil {
		return fmt.Errorf("failed to initialise schema: %w", err)
	}

	if e.dialect == dialectSQLite {
		if _, err := e.db.ExecContext(ctx, ftsSchema); err != nil {
			e.logger.Debug("fts5 unavailable, search falls back to LIKE scans", "error", err)
		} else {
			e.ftsAvailable = true
		}
	}

	return nil
}

// Dialect reports which SQL dialect the engine speaks.
func (e *Engine) Dialect() string {
	return e.dialect
}

// FTSAvailable reports whether full-text search is active for this database.
func (e *Engine) FTSAvailable() bool {
	return e.ftsAvailable
}

// Ping verifies the connection is still usable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *Engine) Close() error {
	return e.db.Close()
}

// marshalJSON renders v for a JSON text column. Nil slices and maps become
// their empty literal so readers never see SQL NULL where JSON is expected.
func marshalJSON(v any) (string, error) {
	switch t := v.(type) {
	case []string:
		if t == nil {
			return "[]", nil
		}
	case map[string]any:
		if t == nil {
			return "{}", nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(raw), nil
}

func unmarshalStringSlice(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func unmarshalMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// inTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (e *Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
