package memoriai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/llms"
	"github.com/memoriai/memori/pkg/memori"
	"github.com/memoriai/memori/pkg/storage"
)

// extractorReply is what the fake endpoint returns for extraction calls.
const extractorReply = `{
	"content": "User's favorite color is blue",
	"summary": "Favorite color: blue",
	"classification": "personal",
	"importance": "high",
	"topic": "preferences",
	"entities": [],
	"keywords": ["color", "blue"],
	"confidenceScore": 0.9,
	"classificationReason": "personal preference",
	"promotionEligible": false
}`

// fakeOpenAI serves the three endpoints the stack touches and counts calls.
// Extraction calls are told apart by the schema marker in their system
// prompt.
type fakeOpenAI struct {
	server *httptest.Server

	mu              sync.Mutex
	chatCalls       int
	extractionCalls int
	embedCalls      int
}

func newFakeOpenAI(t *testing.T) *fakeOpenAI {
	t.Helper()
	f := &fakeOpenAI{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			w.WriteHeader(http.StatusOK)

		case "/embeddings":
			f.mu.Lock()
			f.embedCalls++
			f.mu.Unlock()

			var req struct {
				Input []string `json:"input"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			data := make([]map[string]any, len(req.Input))
			for i := range req.Input {
				data[i] = map[string]any{"index": i, "embedding": []float32{1, 0}}
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"model": "text-embedding-3-small",
				"data":  data,
			})

		case "/chat/completions":
			body, _ := io.ReadAll(r.Body)
			content := "The capital of France is Paris."

			f.mu.Lock()
			f.chatCalls++
			if strings.Contains(string(body), "conscious-info") {
				f.extractionCalls++
				content = extractorReply
			}
			f.mu.Unlock()

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":    "chatcmpl-1",
				"model": "gpt-4o",
				"choices": []map[string]any{
					{
						"message":       map[string]string{"role": "assistant", "content": content},
						"finish_reason": "stop",
					},
				},
				"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
			})

		default:
			t.Errorf("unexpected request path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeOpenAI) counts() (chat, extraction, embed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls, f.extractionCalls, f.embedCalls
}

func newTestMemoriai(t *testing.T, f *fakeOpenAI, mutate func(*Config)) *Memoriai {
	t.Helper()

	cfg := Config{
		DatabaseURL: "file:" + filepath.Join(t.TempDir(), "memori.db"),
		APIKey:      "sk-test-0123456789abcdef0123",
		BaseURL:     f.server.URL,
		Namespace:   "memoriai_test",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBuildSettings(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("MEMORI_PROCESSING_MODE", "")

	tests := []struct {
		name         string
		cfg          Config
		wantProvider string
		wantMode     string
		wantCache    bool
		wantPool     bool
	}{
		{
			name:         "anthropic key prefix",
			cfg:          Config{APIKey: "sk-ant-api03-xyz", Mode: "auto"},
			wantProvider: config.ProviderAnthropic,
			wantMode:     config.ModeAutomatic,
			wantCache:    true,
			wantPool:     true,
		},
		{
			name:         "openai key prefix",
			cfg:          Config{APIKey: "sk-0123456789abcdef0123", Mode: "conscious"},
			wantProvider: config.ProviderOpenAI,
			wantMode:     config.ModeConscious,
			wantCache:    true,
			wantPool:     true,
		},
		{
			name:         "ollama sentinel",
			cfg:          Config{APIKey: "ollama-local"},
			wantProvider: config.ProviderOllama,
			wantMode:     config.ModeManual,
			wantCache:    false,
			wantPool:     false,
		},
		{
			name:         "explicit provider wins over key prefix",
			cfg:          Config{APIKey: "sk-ant-api03-xyz", Provider: "openai", Mode: "none"},
			wantProvider: config.ProviderOpenAI,
			wantMode:     config.ModeManual,
			wantCache:    false,
			wantPool:     false,
		},
		{
			name:         "no key defaults to openai",
			cfg:          Config{},
			wantProvider: config.ProviderOpenAI,
			wantMode:     config.ModeManual,
			wantCache:    false,
			wantPool:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := buildSettings(tt.cfg)
			if s.Provider.Type != tt.wantProvider {
				t.Errorf("Provider.Type = %q, want %q", s.Provider.Type, tt.wantProvider)
			}
			if s.Mode != tt.wantMode {
				t.Errorf("Mode = %q, want %q", s.Mode, tt.wantMode)
			}
			if s.Cache.Enabled != tt.wantCache {
				t.Errorf("Cache.Enabled = %v, want %v", s.Cache.Enabled, tt.wantCache)
			}
			if s.Pool.Enabled != tt.wantPool {
				t.Errorf("Pool.Enabled = %v, want %v", s.Pool.Enabled, tt.wantPool)
			}
			if !s.Health.Enabled {
				t.Error("Health.Enabled = false, want true in every mode")
			}
		})
	}
}

func TestBuildSettingsOverrides(t *testing.T) {
	s := buildSettings(Config{
		Mode:                     "automatic",
		CacheSizeMB:              32,
		MaxConnections:           3,
		BackgroundUpdateInterval: 90 * time.Second,
		MinImportance:            "HIGH",
	})

	if s.Cache.MaxSizeMB != 32 {
		t.Errorf("Cache.MaxSizeMB = %d, want 32", s.Cache.MaxSizeMB)
	}
	if s.Pool.MaxConnections != 3 {
		t.Errorf("Pool.MaxConnections = %d, want 3", s.Pool.MaxConnections)
	}
	if s.Conscious.UpdateInterval != 90*time.Second {
		t.Errorf("Conscious.UpdateInterval = %v, want 90s", s.Conscious.UpdateInterval)
	}
	if s.MinImportance != "high" {
		t.Errorf("MinImportance = %q, want high", s.MinImportance)
	}
	if !strings.HasPrefix(s.Namespace, "memoriai_") {
		t.Errorf("Namespace = %q, want memoriai_{epochMillis} default", s.Namespace)
	}
}

func TestNewDefaults(t *testing.T) {
	f := newFakeOpenAI(t)
	m := newTestMemoriai(t, f, nil)

	if m.Mode() != config.ModeManual {
		t.Errorf("Mode() = %q, want manual default", m.Mode())
	}
	if m.ProviderType() != llms.ProviderTypeOpenAI {
		t.Errorf("ProviderType() = %q, want openai", m.ProviderType())
	}
	if _, err := uuid.Parse(m.SessionID()); err != nil {
		t.Errorf("SessionID() = %q, not a UUID", m.SessionID())
	}
	if m.Namespace() != "memoriai_test" {
		t.Errorf("Namespace() = %q", m.Namespace())
	}
}

func TestNewInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{DatabaseURL: "redis://nope"})
	if err == nil {
		t.Error("New(bad database url) error = nil, want error")
	}

	_, err = New(context.Background(), Config{Provider: "telepathy"})
	if err == nil {
		t.Error("New(bad provider) error = nil, want error")
	}
}

func TestChatAutomaticRecordsMemory(t *testing.T) {
	f := newFakeOpenAI(t)
	m := newTestMemoriai(t, f, func(cfg *Config) {
		cfg.Mode = "automatic"
	})
	ctx := context.Background()

	resp, err := m.Chat(ctx, &llms.ChatRequest{
		Messages: []llms.Message{{Role: llms.RoleUser, Content: "My favorite color is blue."}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "The capital of France is Paris." {
		t.Errorf("Content = %q", resp.Content)
	}

	waitFor(t, 5*time.Second, "extracted memory", func() bool {
		results, err := m.SearchMemories(ctx, "favorite color", storage.SearchOptions{})
		return err == nil && len(results) == 1
	})

	_, extraction, _ := f.counts()
	if extraction != 1 {
		t.Errorf("extraction calls = %d, want 1", extraction)
	}

	stats, err := m.GetMemoryStatistics(ctx)
	if err != nil {
		t.Fatalf("GetMemoryStatistics() error = %v", err)
	}
	if stats.Conversations != 1 {
		t.Errorf("Conversations = %d, want 1", stats.Conversations)
	}
	if stats.LongTermMemories != 1 {
		t.Errorf("LongTermMemories = %d, want 1", stats.LongTermMemories)
	}
}

func TestChatManualModeDoesNotRecord(t *testing.T) {
	f := newFakeOpenAI(t)
	m := newTestMemoriai(t, f, nil) // manual default
	ctx := context.Background()

	if _, err := m.Chat(ctx, &llms.ChatRequest{
		Messages: []llms.Message{{Role: llms.RoleUser, Content: "hello"}},
	}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	chat, extraction, _ := f.counts()
	if chat != 1 {
		t.Errorf("chat calls = %d, want 1", chat)
	}
	if extraction != 0 {
		t.Errorf("extraction calls = %d, want 0", extraction)
	}

	stats, err := m.GetMemoryStatistics(ctx)
	if err != nil {
		t.Fatalf("GetMemoryStatistics() error = %v", err)
	}
	if stats.Conversations != 0 {
		t.Errorf("Conversations = %d, want 0", stats.Conversations)
	}
}

func TestChatInternalContextSkipsRecording(t *testing.T) {
	f := newFakeOpenAI(t)
	m := newTestMemoriai(t, f, func(cfg *Config) {
		cfg.Mode = "automatic"
	})
	ctx := llms.WithInternalCall(context.Background())

	if _, err := m.Chat(ctx, &llms.ChatRequest{
		Messages: []llms.Message{{Role: llms.RoleUser, Content: "internal probe"}},
	}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	stats, err := m.GetMemoryStatistics(context.Background())
	if err != nil {
		t.Fatalf("GetMemoryStatistics() error = %v", err)
	}
	if stats.Conversations != 0 {
		t.Errorf("Conversations = %d, want 0 for internal call", stats.Conversations)
	}
}

func TestRecordConversationWrongMode(t *testing.T) {
	f := newFakeOpenAI(t)
	m := newTestMemoriai(t, f, func(cfg *Config) {
		cfg.Mode = "automatic"
	})

	_, err := m.RecordConversation(context.Background(), "hi", "hello")
	if !errors.Is(err, ErrWrongMode) {
		t.Errorf("RecordConversation() error = %v, want ErrWrongMode", err)
	}
}

func TestRecordConversationManualMode(t *testing.T) {
	f := newFakeOpenAI(t)
	m := newTestMemoriai(t, f, nil)
	ctx := context.Background()

	chatID, err := m.RecordConversation(ctx, "remember the milk", "will do")
	if err != nil {
		t.Fatalf("RecordConversation() error = %v", err)
	}
	if chatID == "" {
		t.Fatal("RecordConversation() returned empty chat id")
	}

	if _, extraction, _ := f.counts(); extraction != 0 {
		t.Errorf("extraction calls = %d, want 0 in manual mode", extraction)
	}

	stats, err := m.GetMemoryStatistics(ctx)
	if err != nil {
		t.Fatalf("GetMemoryStatistics() error = %v", err)
	}
	if stats.Conversations != 1 {
		t.Errorf("Conversations = %d, want 1", stats.Conversations)
	}
}

func TestEmbeddingsEndToEnd(t *testing.T) {
	f := newFakeOpenAI(t)
	m := newTestMemoriai(t, f, func(cfg *Config) {
		cfg.Mode = "automatic"
		cfg.EnableEmbeddings = true
	})
	ctx := context.Background()

	vectors, err := m.CreateEmbeddings(ctx, []string{"first", "second"})
	if err != nil {
		t.Fatalf("CreateEmbeddings() error = %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("CreateEmbeddings() returned %d vectors, want 2", len(vectors))
	}

	if _, err := m.Chat(ctx, &llms.ChatRequest{
		Messages: []llms.Message{{Role: llms.RoleUser, Content: "My favorite color is blue."}},
	}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	waitFor(t, 5*time.Second, "indexed embedding", func() bool {
		hits, err := m.SimilarMemories(ctx, "color preference", 5)
		return err == nil && len(hits) == 1
	})

	hits, err := m.SimilarMemories(ctx, "color preference", 5)
	if err != nil {
		t.Fatalf("SimilarMemories() error = %v", err)
	}
	if hits[0].Summary != "Favorite color: blue" {
		t.Errorf("Summary = %q", hits[0].Summary)
	}
}

func TestConsciousModeFacade(t *testing.T) {
	f := newFakeOpenAI(t)
	m := newTestMemoriai(t, f, func(cfg *Config) {
		cfg.Mode = "conscious"
		cfg.BackgroundUpdateInterval = time.Hour
	})
	ctx := context.Background()

	if m.Mode() != config.ModeConscious {
		t.Fatalf("Mode() = %q, want conscious", m.Mode())
	}

	// Conscious mode records turns without invoking the extractor.
	if _, err := m.RecordConversation(ctx, "I am allergic to peanuts", "noted"); err != nil {
		t.Fatalf("RecordConversation() error = %v", err)
	}
	if _, err := m.Chat(ctx, &llms.ChatRequest{
		Messages: []llms.Message{{Role: llms.RoleUser, Content: "hello"}},
	}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if _, extraction, _ := f.counts(); extraction != 0 {
		t.Errorf("extraction calls = %d, want 0 in conscious mode", extraction)
	}

	stats, err := m.GetMemoryStatistics(ctx)
	if err != nil {
		t.Fatalf("GetMemoryStatistics() error = %v", err)
	}
	if stats.Conversations != 1 {
		t.Errorf("Conversations = %d, want 1 (Chat must not auto-record)", stats.Conversations)
	}
}

func TestCloseIdempotent(t *testing.T) {
	f := newFakeOpenAI(t)
	m := newTestMemoriai(t, f, nil)

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}

	_, err := m.RecordConversation(context.Background(), "hi", "hello")
	if !errors.Is(err, memori.ErrNotEnabled) {
		t.Errorf("RecordConversation() after Close error = %v, want ErrNotEnabled", err)
	}
}
