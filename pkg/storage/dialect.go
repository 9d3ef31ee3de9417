package storage

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
	dialectMySQL    = "mysql"
)

// resolveDSN maps a database URL onto (dialect, driver, dsn). SQLite URLs
// pass through mostly untouched; mysql:// URLs are rewritten into the DSN
// form the go-sql-driver expects.
func resolveDSN(databaseURL string) (dialect, driver, dsn string, err error) {
	switch {
	case databaseURL == ":memory:":
		// A shared-cache memory DB so every pooled connection sees the
		// same database.
		return dialectSQLite, "sqlite3", "file::memory:?cache=shared&_foreign_keys=on", nil

	case strings.HasPrefix(databaseURL, "file:"):
		return dialectSQLite, "sqlite3", withSQLiteParams(databaseURL), nil

	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		return dialectSQLite, "sqlite3", withSQLiteParams("file:" + path), nil

	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return dialectPostgres, "postgres", databaseURL, nil

	case strings.HasPrefix(databaseURL, "mysql://"):
		dsn, err := mysqlDSN(databaseURL)
		if err != nil {
			return "", "", "", err
		}
		return dialectMySQL, "mysql", dsn, nil

	default:
		return "", "", "", fmt.Errorf("unsupported database url: %s", databaseURL)
	}
}

// withSQLiteParams enables foreign key enforcement unless the caller already
// chose a setting in the URL.
func withSQLiteParams(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

// mysqlDSN converts mysql://user:pw@host:port/db?opts into the
// user:pw@tcp(host:port)/db form, forcing parseTime and multiStatements so
// TIMESTAMP columns scan into time.Time and schema blocks execute whole.
func mysqlDSN(databaseURL string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid mysql url: %w", err)
	}

	var auth string
	if u.User != nil {
		auth = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			auth += ":" + pw
		}
		auth += "@"
	}

	host := u.Host
	if host == "" {
		host = "localhost:3306"
	}
	if !strings.Contains(host, ":") {
		host += ":3306"
	}

	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return "", fmt.Errorf("mysql url missing database name: %s", databaseURL)
	}

	params := u.Query()
	params.Set("parseTime", "true")
	params.Set("multiStatements", "true")

	return fmt.Sprintf("%stcp(%s)/%s?%s", auth, host, db, params.Encode()), nil
}

// rebind rewrites ? placeholders into $1..$n for postgres. SQLite and MySQL
// take the queries as written.
func (e *Engine) rebind(query string) string {
	if e.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS chat_history (
    chat_id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    user_input TEXT NOT NULL,
    ai_output TEXT NOT NULL,
    model_used VARCHAR(255),
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_chat_history_namespace ON chat_history(namespace);
CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(session_id);
CREATE INDEX IF NOT EXISTS idx_chat_history_timestamp ON chat_history(namespace, timestamp);

CREATE TABLE IF NOT EXISTS long_term_memory (
    id VARCHAR(255) PRIMARY KEY,
    conversation_id VARCHAR(255) NOT NULL,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    content TEXT NOT NULL,
    summary TEXT NOT NULL,
    classification VARCHAR(50) NOT NULL,
    importance VARCHAR(50) NOT NULL,
    importance_score REAL NOT NULL DEFAULT 0,
    topic VARCHAR(255),
    entities TEXT NOT NULL DEFAULT '[]',
    keywords TEXT NOT NULL DEFAULT '[]',
    confidence_score REAL NOT NULL DEFAULT 0,
    classification_reason TEXT,
    promotion_eligible BOOLEAN NOT NULL DEFAULT 0,
    extraction_timestamp TIMESTAMP NOT NULL,
    conscious_processed BOOLEAN NOT NULL DEFAULT 0,
    searchable_content TEXT NOT NULL,
    processed_data TEXT NOT NULL,
    processing_state VARCHAR(50) NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES chat_history(chat_id)
);

CREATE INDEX IF NOT EXISTS idx_long_term_namespace ON long_term_memory(namespace);
CREATE INDEX IF NOT EXISTS idx_long_term_classification ON long_term_memory(namespace, classification);
CREATE INDEX IF NOT EXISTS idx_long_term_state ON long_term_memory(namespace, processing_state);
CREATE INDEX IF NOT EXISTS idx_long_term_conversation ON long_term_memory(conversation_id);

CREATE TABLE IF NOT EXISTS short_term_memory (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id VARCHAR(255) NOT NULL,
    processed_data TEXT NOT NULL,
    importance_score REAL NOT NULL DEFAULT 0,
    category_primary VARCHAR(100) NOT NULL,
    retention_type VARCHAR(50) NOT NULL DEFAULT 'short_term',
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    searchable_content TEXT,
    summary TEXT,
    is_permanent_context BOOLEAN NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_short_term_namespace ON short_term_memory(namespace);
CREATE INDEX IF NOT EXISTS idx_short_term_permanent ON short_term_memory(namespace, is_permanent_context);
CREATE INDEX IF NOT EXISTS idx_short_term_expires ON short_term_memory(expires_at);

CREATE TABLE IF NOT EXISTS memory_relationships (
    id VARCHAR(255) PRIMARY KEY,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    source_id VARCHAR(255) NOT NULL,
    target_id VARCHAR(255) NOT NULL,
    relationship_type VARCHAR(50) NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    strength REAL NOT NULL DEFAULT 0,
    reason TEXT,
    entities TEXT NOT NULL DEFAULT '[]',
    context TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON memory_relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON memory_relationships(target_id);
CREATE INDEX IF NOT EXISTS idx_relationships_namespace ON memory_relationships(namespace);

CREATE TABLE IF NOT EXISTS memory_state_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    memory_id VARCHAR(255) NOT NULL,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    from_state VARCHAR(50) NOT NULL DEFAULT '',
    to_state VARCHAR(50) NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    reason TEXT,
    agent_id VARCHAR(255),
    error_message TEXT,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_state_history_memory ON memory_state_history(memory_id, id);
CREATE INDEX IF NOT EXISTS idx_state_history_namespace ON memory_state_history(namespace);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS chat_history (
    chat_id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    user_input TEXT NOT NULL,
    ai_output TEXT NOT NULL,
    model_used VARCHAR(255),
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_chat_history_namespace ON chat_history(namespace);
CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(session_id);
CREATE INDEX IF NOT EXISTS idx_chat_history_timestamp ON chat_history(namespace, timestamp);

CREATE TABLE IF NOT EXISTS long_term_memory (
    id VARCHAR(255) PRIMARY KEY,
    conversation_id VARCHAR(255) NOT NULL,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    content TEXT NOT NULL,
    summary TEXT NOT NULL,
    classification VARCHAR(50) NOT NULL,
    importance VARCHAR(50) NOT NULL,
    importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    topic VARCHAR(255),
    entities TEXT NOT NULL DEFAULT '[]',
    keywords TEXT NOT NULL DEFAULT '[]',
    confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    classification_reason TEXT,
    promotion_eligible BOOLEAN NOT NULL DEFAULT FALSE,
    extraction_timestamp TIMESTAMP NOT NULL,
    conscious_processed BOOLEAN NOT NULL DEFAULT FALSE,
    searchable_content TEXT NOT NULL,
    processed_data TEXT NOT NULL,
    processing_state VARCHAR(50) NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES chat_history(chat_id)
);

CREATE INDEX IF NOT EXISTS idx_long_term_namespace ON long_term_memory(namespace);
CREATE INDEX IF NOT EXISTS idx_long_term_classification ON long_term_memory(namespace, classification);
CREATE INDEX IF NOT EXISTS idx_long_term_state ON long_term_memory(namespace, processing_state);
CREATE INDEX IF NOT EXISTS idx_long_term_conversation ON long_term_memory(conversation_id);

CREATE TABLE IF NOT EXISTS short_term_memory (
    id SERIAL PRIMARY KEY,
    chat_id VARCHAR(255) NOT NULL,
    processed_data TEXT NOT NULL,
    importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    category_primary VARCHAR(100) NOT NULL,
    retention_type VARCHAR(50) NOT NULL DEFAULT 'short_term',
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    searchable_content TEXT,
    summary TEXT,
    is_permanent_context BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_short_term_namespace ON short_term_memory(namespace);
CREATE INDEX IF NOT EXISTS idx_short_term_permanent ON short_term_memory(namespace, is_permanent_context);
CREATE INDEX IF NOT EXISTS idx_short_term_expires ON short_term_memory(expires_at);

CREATE TABLE IF NOT EXISTS memory_relationships (
    id VARCHAR(255) PRIMARY KEY,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    source_id VARCHAR(255) NOT NULL,
    target_id VARCHAR(255) NOT NULL,
    relationship_type VARCHAR(50) NOT NULL,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    strength DOUBLE PRECISION NOT NULL DEFAULT 0,
    reason TEXT,
    entities TEXT NOT NULL DEFAULT '[]',
    context TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON memory_relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON memory_relationships(target_id);
CREATE INDEX IF NOT EXISTS idx_relationships_namespace ON memory_relationships(namespace);

CREATE TABLE IF NOT EXISTS memory_state_history (
    id SERIAL PRIMARY KEY,
    memory_id VARCHAR(255) NOT NULL,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    from_state VARCHAR(50) NOT NULL DEFAULT '',
    to_state VARCHAR(50) NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    reason TEXT,
    agent_id VARCHAR(255),
    error_message TEXT,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_state_history_memory ON memory_state_history(memory_id, id);
CREATE INDEX IF NOT EXISTS idx_state_history_namespace ON memory_state_history(namespace);
`

const schemaMySQL = `
CREATE TABLE IF NOT EXISTS chat_history (
    chat_id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    user_input TEXT NOT NULL,
    ai_output TEXT NOT NULL,
    model_used VARCHAR(255),
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_chat_history_namespace ON chat_history(namespace);
CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(session_id);
CREATE INDEX IF NOT EXISTS idx_chat_history_timestamp ON chat_history(namespace, timestamp);

CREATE TABLE IF NOT EXISTS long_term_memory (
    id VARCHAR(255) PRIMARY KEY,
    conversation_id VARCHAR(255) NOT NULL,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    content TEXT NOT NULL,
    summary TEXT NOT NULL,
    classification VARCHAR(50) NOT NULL,
    importance VARCHAR(50) NOT NULL,
    importance_score DOUBLE NOT NULL DEFAULT 0,
    topic VARCHAR(255),
    entities TEXT NOT NULL,
    keywords TEXT NOT NULL,
    confidence_score DOUBLE NOT NULL DEFAULT 0,
    classification_reason TEXT,
    promotion_eligible BOOLEAN NOT NULL DEFAULT FALSE,
    extraction_timestamp TIMESTAMP NOT NULL,
    conscious_processed BOOLEAN NOT NULL DEFAULT FALSE,
    searchable_content TEXT NOT NULL,
    processed_data TEXT NOT NULL,
    processing_state VARCHAR(50) NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES chat_history(chat_id)
);

CREATE INDEX IF NOT EXISTS idx_long_term_namespace ON long_term_memory(namespace);
CREATE INDEX IF NOT EXISTS idx_long_term_classification ON long_term_memory(namespace, classification);
CREATE INDEX IF NOT EXISTS idx_long_term_state ON long_term_memory(namespace, processing_state);
CREATE INDEX IF NOT EXISTS idx_long_term_conversation ON long_term_memory(conversation_id);

CREATE TABLE IF NOT EXISTS short_term_memory (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    chat_id VARCHAR(255) NOT NULL,
    processed_data TEXT NOT NULL,
    importance_score DOUBLE NOT NULL DEFAULT 0,
    category_primary VARCHAR(100) NOT NULL,
    retention_type VARCHAR(50) NOT NULL DEFAULT 'short_term',
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    searchable_content TEXT,
    summary TEXT,
    is_permanent_context BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NULL
);

CREATE INDEX IF NOT EXISTS idx_short_term_namespace ON short_term_memory(namespace);
CREATE INDEX IF NOT EXISTS idx_short_term_permanent ON short_term_memory(namespace, is_permanent_context);
CREATE INDEX IF NOT EXISTS idx_short_term_expires ON short_term_memory(expires_at);

CREATE TABLE IF NOT EXISTS memory_relationships (
    id VARCHAR(255) PRIMARY KEY,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    source_id VARCHAR(255) NOT NULL,
    target_id VARCHAR(255) NOT NULL,
    relationship_type VARCHAR(50) NOT NULL,
    confidence DOUBLE NOT NULL DEFAULT 0,
    strength DOUBLE NOT NULL DEFAULT 0,
    reason TEXT,
    entities TEXT NOT NULL,
    context TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON memory_relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON memory_relationships(target_id);
CREATE INDEX IF NOT EXISTS idx_relationships_namespace ON memory_relationships(namespace);

CREATE TABLE IF NOT EXISTS memory_state_history (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    memory_id VARCHAR(255) NOT NULL,
    namespace VARCHAR(255) NOT NULL DEFAULT 'default',
    from_state VARCHAR(50) NOT NULL DEFAULT '',
    to_state VARCHAR(50) NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    reason TEXT,
    agent_id VARCHAR(255),
    error_message TEXT,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_state_history_memory ON memory_state_history(memory_id, id);
CREATE INDEX IF NOT EXISTS idx_state_history_namespace ON memory_state_history(namespace);
`

// ftsSchema is probed at open. When the SQLite build lacks FTS5 the create
// fails and the engine falls back to LIKE scans.
const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
    searchable_content,
    content='long_term_memory',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS long_term_memory_fts_ai AFTER INSERT ON long_term_memory BEGIN
    INSERT INTO memory_fts(rowid, searchable_content) VALUES (new.rowid, new.searchable_content);
END;

CREATE TRIGGER IF NOT EXISTS long_term_memory_fts_ad AFTER DELETE ON long_term_memory BEGIN
    INSERT INTO memory_fts(memory_fts, rowid, searchable_content) VALUES ('delete', old.rowid, old.searchable_content);
END;

CREATE TRIGGER IF NOT EXISTS long_term_memory_fts_au AFTER UPDATE OF searchable_content ON long_term_memory BEGIN
    INSERT INTO memory_fts(memory_fts, rowid, searchable_content) VALUES ('delete', old.rowid, old.searchable_content);
    INSERT INTO memory_fts(rowid, searchable_content) VALUES (new.rowid, new.searchable_content);
END;
`

func schemaFor(dialect string) string {
	switch dialect {
	case dialectPostgres:
		return schemaPostgres
	case dialectMySQL:
		return schemaMySQL
	default:
		return schemaSQLite
	}
}
