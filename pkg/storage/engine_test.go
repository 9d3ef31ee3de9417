package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/memory"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.StorageConfig{
		DatabaseURL: "file:" + filepath.Join(t.TempDir(), "memori_test.db"),
	}
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func storeTestTurn(t *testing.T, e *Engine, namespace string) string {
	t.Helper()
	chatID, err := e.StoreChatTurn(context.Background(), &ChatTurn{
		SessionID: "session-1",
		Namespace: namespace,
		UserInput: "My favorite color is blue.",
		AIOutput:  "Noted, blue it is.",
		ModelUsed: "gpt-4o",
	})
	if err != nil {
		t.Fatalf("StoreChatTurn: %v", err)
	}
	return chatID
}

func testRecord(conversationID, content, summary string) *memory.Record {
	return &memory.Record{
		ConversationID:       conversationID,
		Content:              content,
		Summary:              summary,
		Classification:       memory.ClassPersonal,
		Importance:           memory.ImportanceHigh,
		ImportanceScore:      memory.ImportanceHigh.Score(),
		Entities:             []string{},
		Keywords:             []string{},
		ConfidenceScore:      0.9,
		ClassificationReason: "stated preference",
		ExtractionTimestamp:  time.Now().UTC(),
	}
}

func TestOpenInitialisesSchema(t *testing.T) {
	e := newTestEngine(t)

	if got := e.Dialect(); got != dialectSQLite {
		t.Errorf("Dialect() = %q, want %q", got, dialectSQLite)
	}
	if err := e.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	// Every table must exist and accept a write.
	chatID := storeTestTurn(t, e, "ns")
	if chatID == "" {
		t.Fatal("StoreChatTurn returned empty id")
	}
	if _, err := e.StoreLongTermMemory(context.Background(), testRecord(chatID, "content", "summary"), chatID, "ns"); err != nil {
		t.Fatalf("StoreLongTermMemory: %v", err)
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(&config.StorageConfig{DatabaseURL: "oracle://db"})
	if err == nil {
		t.Fatal("Open accepted an unsupported scheme")
	}
}

func TestResolveDSN(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		wantDialect string
		wantDriver  string
		wantDSN     string
	}{
		{
			name:        "memory",
			url:         ":memory:",
			wantDialect: dialectSQLite,
			wantDriver:  "sqlite3",
			wantDSN:     "file::memory:?cache=shared&_foreign_keys=on",
		},
		{
			name:        "file with params",
			url:         "file:memori.db?cache=shared",
			wantDialect: dialectSQLite,
			wantDriver:  "sqlite3",
			wantDSN:     "file:memori.db?cache=shared&_foreign_keys=on",
		},
		{
			name:        "file with explicit foreign keys",
			url:         "file:memori.db?_foreign_keys=off",
			wantDialect: dialectSQLite,
			wantDriver:  "sqlite3",
			wantDSN:     "file:memori.db?_foreign_keys=off",
		},
		{
			name:        "sqlite scheme",
			url:         "sqlite://data/memori.db",
			wantDialect: dialectSQLite,
			wantDriver:  "sqlite3",
			wantDSN:     "file:data/memori.db?_foreign_keys=on",
		},
		{
			name:        "postgres passthrough",
			url:         "postgres://user:pw@localhost/memori",
			wantDialect: dialectPostgres,
			wantDriver:  "postgres",
			wantDSN:     "postgres://user:pw@localhost/memori",
		},
		{
			name:        "mysql rewrite",
			url:         "mysql://user:pw@localhost:3307/memori",
			wantDialect: dialectMySQL,
			wantDriver:  "mysql",
			wantDSN:     "user:pw@tcp(localhost:3307)/memori?multiStatements=true&parseTime=true",
		},
		{
			name:        "mysql default port",
			url:         "mysql://root@dbhost/memori",
			wantDialect: dialectMySQL,
			wantDriver:  "mysql",
			wantDSN:     "root@tcp(dbhost:3306)/memori?multiStatements=true&parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialect, driver, dsn, err := resolveDSN(tt.url)
			if err != nil {
				t.Fatalf("resolveDSN(%q): %v", tt.url, err)
			}
			if dialect != tt.wantDialect {
				t.Errorf("dialect = %q, want %q", dialect, tt.wantDialect)
			}
			if driver != tt.wantDriver {
				t.Errorf("driver = %q, want %q", driver, tt.wantDriver)
			}
			if dsn != tt.wantDSN {
				t.Errorf("dsn = %q, want %q", dsn, tt.wantDSN)
			}
		})
	}
}

func TestResolveDSNRejectsMySQLWithoutDatabase(t *testing.T) {
	if _, _, _, err := resolveDSN("mysql://user@localhost"); err == nil {
		t.Fatal("resolveDSN accepted a mysql url without a database")
	}
}

func TestRebind(t *testing.T) {
	e := &Engine{dialect: dialectPostgres}
	got := e.rebind("INSERT INTO t (a, b, c) VALUES (?, ?, ?)")
	want := "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	e.dialect = dialectSQLite
	query := "SELECT * FROM t WHERE a = ?"
	if got := e.rebind(query); got != query {
		t.Errorf("sqlite rebind changed the query: %q", got)
	}
}

func TestStoreChatTurnIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first := &ChatTurn{
		ChatID:    "chat-1",
		SessionID: "s1",
		Namespace: "ns",
		UserInput: "original input",
		AIOutput:  "original output",
		Metadata:  map[string]any{"mode": "automatic"},
	}
	if _, err := e.StoreChatTurn(ctx, first); err != nil {
		t.Fatalf("StoreChatTurn: %v", err)
	}

	second := &ChatTurn{
		ChatID:    "chat-1",
		SessionID: "s1",
		Namespace: "ns",
		UserInput: "attempted overwrite",
		AIOutput:  "attempted overwrite",
	}
	if _, err := e.StoreChatTurn(ctx, second); err != nil {
		t.Fatalf("StoreChatTurn repeat: %v", err)
	}

	got, err := e.GetChatTurn(ctx, "chat-1")
	if err != nil {
		t.Fatalf("GetChatTurn: %v", err)
	}
	if got.UserInput != "original input" {
		t.Errorf("UserInput = %q, the original row must win", got.UserInput)
	}
	if got.Metadata["mode"] != "automatic" {
		t.Errorf("Metadata = %v, want mode=automatic", got.Metadata)
	}

	history, err := e.GetChatHistory(ctx, "ns", "", 10)
	if err != nil {
		t.Fatalf("GetChatHistory: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history length = %d, want 1", len(history))
	}
}

func TestGetChatTurnNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.GetChatTurn(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChatTurn error = %v, want ErrNotFound", err)
	}
}

func TestGetChatHistoryFiltersAndOrders(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, session := range []string{"s1", "s2", "s1"} {
		_, err := e.StoreChatTurn(ctx, &ChatTurn{
			SessionID: session,
			Namespace: "ns",
			UserInput: "input",
			AIOutput:  "output",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("StoreChatTurn: %v", err)
		}
	}

	all, err := e.GetChatHistory(ctx, "ns", "", 10)
	if err != nil {
		t.Fatalf("GetChatHistory: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("history length = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Errorf("history not newest-first at index %d", i)
		}
	}

	s1, err := e.GetChatHistory(ctx, "ns", "s1", 10)
	if err != nil {
		t.Fatalf("GetChatHistory session filter: %v", err)
	}
	if len(s1) != 2 {
		t.Errorf("session history length = %d, want 2", len(s1))
	}

	other, err := e.GetChatHistory(ctx, "other", "", 10)
	if err != nil {
		t.Fatalf("GetChatHistory other namespace: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("foreign namespace returned %d rows", len(other))
	}
}
