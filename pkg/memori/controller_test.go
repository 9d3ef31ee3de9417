package memori

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/conscious"
	"github.com/memoriai/memori/pkg/llms"
	"github.com/memoriai/memori/pkg/memory"
	"github.com/memoriai/memori/pkg/storage"
)

const testNamespace = "controller_test"

// extractionJSON is the canned extractor reply: a personal, medium-importance
// record about a color preference.
const extractionJSON = `{
	"content": "User's favorite color is blue",
	"summary": "Favorite color: blue",
	"classification": "personal",
	"importance": "medium",
	"topic": "preferences",
	"entities": [],
	"keywords": ["color", "blue"],
	"confidenceScore": 0.9,
	"classificationReason": "personal preference",
	"promotionEligible": false
}`

// mockProvider serves canned replies and counts calls. The pipeline calls it
// from a detached goroutine, so everything is mutex-guarded.
type mockProvider struct {
	mu               sync.Mutex
	response         string
	chatErr          error
	embedErr         error
	embedding        []float32
	chatCalls        int
	embedCalls       int
	embedSawInternal bool
}

func (m *mockProvider) CreateChatCompletion(ctx context.Context, req *llms.ChatRequest) (*llms.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatCalls++
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	return &llms.ChatResponse{Model: "mock", Content: m.response, FinishReason: llms.FinishStop}, nil
}

func (m *mockProvider) CreateEmbedding(ctx context.Context, req *llms.EmbeddingRequest) (*llms.EmbeddingResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedCalls++
	m.embedSawInternal = llms.IsInternalCall(ctx)
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	return &llms.EmbeddingResponse{Model: "mock", Embeddings: [][]float32{m.embedding}}, nil
}

func (m *mockProvider) IsHealthy(ctx context.Context) bool { return true }
func (m *mockProvider) Diagnostics() llms.Diagnostics {
	return llms.Diagnostics{ProviderType: "mock", Healthy: true}
}
func (m *mockProvider) Model() string { return "mock-model" }
func (m *mockProvider) ProviderType() llms.ProviderType { return "mock" }
func (m *mockProvider) Close() error { return nil }

func (m *mockProvider) stats() (chat, embed int, internal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatCalls, m.embedCalls, m.embedSawInternal
}

func newTestController(t *testing.T, mutate func(*config.Settings)) (*Controller, *mockProvider) {
	t.Helper()

	cfg := &config.Settings{
		Namespace: testNamespace,
		Mode:      config.ModeAutomatic,
		Storage: config.StorageConfig{
			DatabaseURL: "file:" + filepath.Join(t.TempDir(), "memori.db"),
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	provider := &mockProvider{response: extractionJSON, embedding: []float32{1, 0}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctrl, err := New(cfg, provider, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })

	return ctrl, provider
}

func enable(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
}

// seedConsciousMemory stores a promotion-eligible conscious-info record with
// its backing chat turn.
func seedConsciousMemory(t *testing.T, c *Controller, content string) string {
	t.Helper()
	ctx := context.Background()

	chatID, err := c.engine.StoreChatTurn(ctx, &storage.ChatTurn{
		SessionID: "seed",
		Namespace: c.namespace,
		UserInput: content,
		AIOutput:  "noted",
	})
	if err != nil {
		t.Fatalf("StoreChatTurn() error = %v", err)
	}

	id, err := c.engine.StoreLongTermMemory(ctx, &memory.Record{
		Content:              content,
		Summary:              content,
		Classification:       memory.ClassConsciousInfo,
		Importance:           memory.ImportanceHigh,
		ImportanceScore:      memory.ImportanceHigh.Score(),
		Entities:             []string{},
		Keywords:             []string{},
		ConfidenceScore:      0.9,
		ClassificationReason: "seeded",
		PromotionEligible:    true,
	}, chatID, c.namespace)
	if err != nil {
		t.Fatalf("StoreLongTermMemory() error = %v", err)
	}
	return id
}

func TestControllerLifecycle(t *testing.T) {
	ctrl, _ := newTestController(t, nil)

	if ctrl.IsEnabled() {
		t.Error("IsEnabled() = true before Enable")
	}
	if ctrl.SessionID() == "" {
		t.Error("SessionID() is empty")
	}
	if _, err := uuid.Parse(ctrl.SessionID()); err != nil {
		t.Errorf("SessionID() = %q, not a UUID", ctrl.SessionID())
	}

	enable(t, ctrl)
	if !ctrl.IsEnabled() {
		t.Error("IsEnabled() = false after Enable")
	}

	if err := ctrl.Enable(context.Background()); !errors.Is(err, ErrAlreadyEnabled) {
		t.Errorf("second Enable() error = %v, want ErrAlreadyEnabled", err)
	}

	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if ctrl.IsEnabled() {
		t.Error("IsEnabled() = true after Close")
	}
	if err := ctrl.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}

func TestNewControllerValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := New(nil, nil, logger); err == nil {
		t.Error("New(nil provider) error = nil, want error")
	}

	cfg := &config.Settings{Mode: "telepathic"}
	if _, err := New(cfg, &mockProvider{}, logger); err == nil {
		t.Error("New(invalid mode) error = nil, want error")
	}
}

func TestRecordConversationRequiresEnable(t *testing.T) {
	ctrl, _ := newTestController(t, nil)

	_, err := ctrl.RecordConversation(context.Background(), "hi", "hello", nil)
	if !errors.Is(err, ErrNotEnabled) {
		t.Errorf("RecordConversation() error = %v, want ErrNotEnabled", err)
	}

	enable(t, ctrl)
	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_, err = ctrl.RecordConversation(context.Background(), "hi", "hello", nil)
	if !errors.Is(err, ErrNotEnabled) {
		t.Errorf("RecordConversation() after Close error = %v, want ErrNotEnabled", err)
	}
}

func TestRecordConversationAutomaticPipeline(t *testing.T) {
	ctrl, provider := newTestController(t, nil)
	enable(t, ctrl)
	ctx := context.Background()

	chatID, err := ctrl.RecordConversation(ctx, "My favorite color is blue.", "Noted!", nil)
	if err != nil {
		t.Fatalf("RecordConversation() error = %v", err)
	}
	if chatID == "" {
		t.Fatal("RecordConversation() returned empty chat id")
	}
	ctrl.wg.Wait()

	turn, err := ctrl.engine.GetChatTurn(ctx, chatID)
	if err != nil {
		t.Fatalf("GetChatTurn() error = %v", err)
	}
	if turn.UserInput != "My favorite color is blue." {
		t.Errorf("UserInput = %q", turn.UserInput)
	}
	if turn.ModelUsed != "mock-model" {
		t.Errorf("ModelUsed = %q, want mock-model", turn.ModelUsed)
	}
	if turn.SessionID != ctrl.SessionID() {
		t.Errorf("SessionID = %q, want controller session %q", turn.SessionID, ctrl.SessionID())
	}

	results, err := ctrl.SearchMemories(ctx, "favorite color", storage.SearchOptions{IncludeMetadata: true})
	if err != nil {
		t.Fatalf("SearchMemories() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("SearchMemories() returned %d results, want 1", len(results))
	}
	rec := results[0]
	if rec.Classification != memory.ClassPersonal {
		t.Errorf("Classification = %q, want personal", rec.Classification)
	}
	if rec.ConversationID != chatID {
		t.Errorf("ConversationID = %q, want %q", rec.ConversationID, chatID)
	}
	if got := rec.Metadata["processingState"]; got != "PROCESSED" {
		t.Errorf("processingState = %v, want PROCESSED", got)
	}

	chat, embed, _ := provider.stats()
	if chat != 1 {
		t.Errorf("extraction calls = %d, want 1", chat)
	}
	if embed != 0 {
		t.Errorf("embedding calls = %d, want 0 with embedding memory off", embed)
	}
}

func TestRecordConversationManualModeSkipsExtraction(t *testing.T) {
	ctrl, provider := newTestController(t, func(cfg *config.Settings) {
		cfg.Mode = config.ModeManual
	})
	enable(t, ctrl)
	ctx := context.Background()

	chatID, err := ctrl.RecordConversation(ctx, "remember this", "ok", nil)
	if err != nil {
		t.Fatalf("RecordConversation() error = %v", err)
	}
	ctrl.wg.Wait()

	if _, err := ctrl.engine.GetChatTurn(ctx, chatID); err != nil {
		t.Fatalf("GetChatTurn() error = %v", err)
	}
	if chat, _, _ := provider.stats(); chat != 0 {
		t.Errorf("extraction calls = %d, want 0 in manual mode", chat)
	}

	results, err := ctrl.SearchMemories(ctx, "remember", storage.SearchOptions{})
	if err != nil {
		t.Fatalf("SearchMemories() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("SearchMemories() returned %d results, want 0", len(results))
	}
}

func TestRecordConversationConsciousModeSkipsExtraction(t *testing.T) {
	ctrl, provider := newTestController(t, func(cfg *config.Settings) {
		cfg.Mode = config.ModeConscious
	})
	enable(t, ctrl)

	if !ctrl.IsConsciousModeEnabled() {
		t.Error("IsConsciousModeEnabled() = false")
	}
	if !ctrl.IsBackgroundMonitoringActive() {
		t.Error("IsBackgroundMonitoringActive() = false after Enable")
	}

	if _, err := ctrl.RecordConversation(context.Background(), "hi", "hello", nil); err != nil {
		t.Fatalf("RecordConversation() error = %v", err)
	}
	ctrl.wg.Wait()

	if chat, _, _ := provider.stats(); chat != 0 {
		t.Errorf("extraction calls = %d, want 0 in conscious mode", chat)
	}

	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if ctrl.IsBackgroundMonitoringActive() {
		t.Error("IsBackgroundMonitoringActive() = true after Close")
	}
}

func TestRecordConversationImportanceFilter(t *testing.T) {
	ctrl, provider := newTestController(t, func(cfg *config.Settings) {
		cfg.MinImportance = "high"
	})
	enable(t, ctrl)
	ctx := context.Background()

	// The canned extraction is medium importance; the filter must drop it.
	if _, err := ctrl.RecordConversation(ctx, "My favorite color is blue.", "Noted!", nil); err != nil {
		t.Fatalf("RecordConversation() error = %v", err)
	}
	ctrl.wg.Wait()

	if chat, _, _ := provider.stats(); chat != 1 {
		t.Errorf("extraction calls = %d, want 1", chat)
	}
	results, err := ctrl.SearchMemories(ctx, "favorite color", storage.SearchOptions{})
	if err != nil {
		t.Fatalf("SearchMemories() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("SearchMemories() returned %d results, want 0 after filter", len(results))
	}
}

func TestRecordConversationOptions(t *testing.T) {
	ctrl, _ := newTestController(t, func(cfg *config.Settings) {
		cfg.Mode = config.ModeManual
	})
	enable(t, ctrl)
	ctx := context.Background()

	chatID, err := ctrl.RecordConversation(ctx, "hi", "hello", &RecordOptions{
		SessionID: "session-42",
		Model:     "gpt-test",
		Metadata:  map[string]any{"channel": "cli"},
	})
	if err != nil {
		t.Fatalf("RecordConversation() error = %v", err)
	}

	turn, err := ctrl.engine.GetChatTurn(ctx, chatID)
	if err != nil {
		t.Fatalf("GetChatTurn() error = %v", err)
	}
	if turn.SessionID != "session-42" {
		t.Errorf("SessionID = %q, want session-42", turn.SessionID)
	}
	if turn.ModelUsed != "gpt-test" {
		t.Errorf("ModelUsed = %q, want gpt-test", turn.ModelUsed)
	}
	if turn.Metadata["channel"] != "cli" {
		t.Errorf("Metadata[channel] = %v, want cli", turn.Metadata["channel"])
	}
}

func TestEmbeddingSideChannel(t *testing.T) {
	ctrl, provider := newTestController(t, func(cfg *config.Settings) {
		cfg.EnableEmbeddingMemory = true
	})
	enable(t, ctrl)
	ctx := context.Background()

	if _, err := ctrl.RecordConversation(ctx, "My favorite color is blue.", "Noted!", nil); err != nil {
		t.Fatalf("RecordConversation() error = %v", err)
	}
	ctrl.wg.Wait()

	_, embed, internal := provider.stats()
	if embed != 1 {
		t.Fatalf("embedding calls = %d, want 1", embed)
	}
	if !internal {
		t.Error("pipeline embedding call was not marked internal")
	}

	hits, err := ctrl.SimilarMemories(ctx, "what color does the user like", 5)
	if err != nil {
		t.Fatalf("SimilarMemories() error = %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("SimilarMemories() returned %d hits, want 1", len(hits))
	}
	if hits[0].Similarity < 0.99 {
		t.Errorf("Similarity = %v, want ~1 for identical embeddings", hits[0].Similarity)
	}
	if hits[0].Summary != "Favorite color: blue" {
		t.Errorf("Summary = %q", hits[0].Summary)
	}
	if hits[0].Metadata["classification"] != "personal" {
		t.Errorf("Metadata[classification] = %q, want personal", hits[0].Metadata["classification"])
	}

	results, err := ctrl.SearchMemories(ctx, "favorite color", storage.SearchOptions{})
	if err != nil {
		t.Fatalf("SearchMemories() error = %v", err)
	}
	if len(results) != 1 || hits[0].MemoryID != results[0].ID {
		t.Errorf("hit MemoryID = %q, want stored record id %q", hits[0].MemoryID, results[0].ID)
	}

	// The query embedding is a user-facing call, not an internal one.
	if _, _, internal := provider.stats(); internal {
		t.Error("query embedding call was marked internal")
	}
}

func TestSimilarMemoriesRequiresEmbeddingMemory(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	enable(t, ctrl)

	if _, err := ctrl.SimilarMemories(context.Background(), "anything", 5); err == nil {
		t.Error("SimilarMemories() error = nil, want error with embedding memory off")
	}
}

func TestEnableRunsEagerConsciousPass(t *testing.T) {
	ctrl, _ := newTestController(t, func(cfg *config.Settings) {
		cfg.Mode = config.ModeConscious
	})
	seedConsciousMemory(t, ctrl, "User is allergic to peanuts")

	enable(t, ctrl)

	rows, err := ctrl.engine.GetPermanentContextMemories(context.Background(), testNamespace)
	if err != nil {
		t.Fatalf("GetPermanentContextMemories() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("permanent context rows = %d, want 1 after eager pass", len(rows))
	}
	if rows[0].Summary != "User is allergic to peanuts" {
		t.Errorf("Summary = %q", rows[0].Summary)
	}
}

func TestCheckForConsciousContextUpdates(t *testing.T) {
	ctrl, _ := newTestController(t, func(cfg *config.Settings) {
		cfg.Mode = config.ModeConscious
	})
	enable(t, ctrl)
	ctx := context.Background()

	promoted, err := ctrl.CheckForConsciousContextUpdates(ctx)
	if err != nil {
		t.Fatalf("CheckForConsciousContextUpdates() error = %v", err)
	}
	if promoted != 0 {
		t.Errorf("promoted = %d, want 0 with nothing waiting", promoted)
	}

	seedConsciousMemory(t, ctrl, "User speaks French")
	promoted, err = ctrl.CheckForConsciousContextUpdates(ctx)
	if err != nil {
		t.Fatalf("CheckForConsciousContextUpdates() error = %v", err)
	}
	if promoted != 1 {
		t.Errorf("promoted = %d, want 1", promoted)
	}
}

func TestConsciousOpsOutsideConsciousMode(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	enable(t, ctrl)
	ctx := context.Background()

	promoted, err := ctrl.CheckForConsciousContextUpdates(ctx)
	if err != nil {
		t.Fatalf("CheckForConsciousContextUpdates() error = %v", err)
	}
	if promoted != 0 {
		t.Errorf("promoted = %d, want 0 in automatic mode", promoted)
	}
	if err := ctrl.InitializeConsciousContext(ctx); err != nil {
		t.Errorf("InitializeConsciousContext() error = %v, want nil no-op", err)
	}
	if ctrl.IsBackgroundMonitoringActive() {
		t.Error("IsBackgroundMonitoringActive() = true in automatic mode")
	}
}

func TestSearchWorksBeforeEnable(t *testing.T) {
	ctrl, _ := newTestController(t, nil)

	results, err := ctrl.SearchMemories(context.Background(), "anything", storage.SearchOptions{})
	if err != nil {
		t.Fatalf("SearchMemories() before Enable error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("SearchMemories() returned %d results, want 0", len(results))
	}

	if _, err := ctrl.GetStatistics(context.Background()); err != nil {
		t.Errorf("GetStatistics() before Enable error = %v", err)
	}
}

func TestGetStatistics(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	enable(t, ctrl)
	ctx := context.Background()

	if _, err := ctrl.RecordConversation(ctx, "My favorite color is blue.", "Noted!", nil); err != nil {
		t.Fatalf("RecordConversation() error = %v", err)
	}
	ctrl.wg.Wait()

	stats, err := ctrl.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics() error = %v", err)
	}
	if stats.Conversations != 1 {
		t.Errorf("Conversations = %d, want 1", stats.Conversations)
	}
	if stats.LongTermMemories != 1 {
		t.Errorf("LongTermMemories = %d, want 1", stats.LongTermMemories)
	}
	if stats.LastActivity == nil {
		t.Error("LastActivity = nil, want timestamp")
	}
}

func TestStoreRelationships(t *testing.T) {
	ctrl, _ := newTestController(t, func(cfg *config.Settings) {
		cfg.Mode = config.ModeConscious
	})
	enable(t, ctrl)
	ctx := context.Background()

	source := seedConsciousMemory(t, ctrl, "User works at Acme")
	target := seedConsciousMemory(t, ctrl, "User is a Go engineer")

	result, err := ctrl.StoreRelationships(ctx, source, []memory.Relationship{{
		SourceID:   source,
		TargetID:   target,
		Type:       memory.RelationElaboration,
		Confidence: 0.8,
		Strength:   0.6,
	}})
	if err != nil {
		t.Fatalf("StoreRelationships() error = %v", err)
	}
	if result.Stored != 1 {
		t.Errorf("Stored = %d, want 1", result.Stored)
	}

	stats, err := ctrl.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics() error = %v", err)
	}
	if stats.Relationships != 1 {
		t.Errorf("Relationships = %d, want 1", stats.Relationships)
	}
}

func TestConsolidateDuplicatesViaController(t *testing.T) {
	ctrl, _ := newTestController(t, func(cfg *config.Settings) {
		cfg.Mode = config.ModeConscious
	})
	enable(t, ctrl)
	ctx := context.Background()

	seedConsciousMemory(t, ctrl, "User prefers dark roast coffee")
	seedConsciousMemory(t, ctrl, "User prefers dark roast coffee")

	report, err := ctrl.ConsolidateDuplicates(ctx, conscious.ConsolidationRequest{DryRun: true})
	if err != nil {
		t.Fatalf("ConsolidateDuplicates() error = %v", err)
	}
	if report.Consolidated != 1 {
		t.Errorf("Consolidated = %d, want 1 group", report.Consolidated)
	}
	if report.DuplicatesFound != 1 {
		t.Errorf("DuplicatesFound = %d, want 1", report.DuplicatesFound)
	}

	auto, _ := newTestController(t, nil)
	enable(t, auto)
	if _, err := auto.ConsolidateDuplicates(ctx, conscious.ConsolidationRequest{}); err == nil {
		t.Error("ConsolidateDuplicates() in automatic mode error = nil, want error")
	}
}

func TestSetBackgroundUpdateInterval(t *testing.T) {
	ctrl, _ := newTestController(t, func(cfg *config.Settings) {
		cfg.Mode = config.ModeConscious
	})
	enable(t, ctrl)

	ctrl.SetBackgroundUpdateInterval(42 * time.Second)
	if got := ctrl.conscious.Interval(); got != 42*time.Second {
		t.Errorf("Interval() = %v, want 42s", got)
	}

	auto, _ := newTestController(t, nil)
	auto.SetBackgroundUpdateInterval(time.Second) // no conscious agent, must not panic
}

func TestSessionIDFreshPerController(t *testing.T) {
	a, _ := newTestController(t, nil)
	b, _ := newTestController(t, nil)
	if a.SessionID() == b.SessionID() {
		t.Errorf("SessionID() = %q for both controllers, want distinct", a.SessionID())
	}
}
