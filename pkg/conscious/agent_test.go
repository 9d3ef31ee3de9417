package conscious

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/memory"
	"github.com/memoriai/memori/pkg/state"
	"github.com/memoriai/memori/pkg/storage"
)

const testNamespace = "conscious_test"

func newTestAgent(t *testing.T, cfg *config.ConsciousConfig) (*Agent, *storage.Engine, *state.Manager) {
	t.Helper()
	engine, err := storage.Open(&config.StorageConfig{
		DatabaseURL: "file:" + filepath.Join(t.TempDir(), "memori_test.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	states := state.NewManager(engine, logger)

	agent, err := NewAgent(engine, states, cfg, testNamespace, logger)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	t.Cleanup(agent.Stop)
	return agent, engine, states
}

// storeConsciousRecord persists a conscious-info record (with its backing
// chat turn) and returns the memory id.
func storeConsciousRecord(t *testing.T, engine *storage.Engine, content string, extracted time.Time) string {
	t.Helper()
	return storeClassifiedRecord(t, engine, content, memory.ClassConsciousInfo, extracted)
}

func storeClassifiedRecord(t *testing.T, engine *storage.Engine, content string, class memory.Classification, extracted time.Time) string {
	t.Helper()
	ctx := context.Background()

	chatID, err := engine.StoreChatTurn(ctx, &storage.ChatTurn{
		SessionID: "session-1",
		Namespace: testNamespace,
		UserInput: content,
		AIOutput:  "Understood.",
		ModelUsed: "gpt-4o",
	})
	if err != nil {
		t.Fatalf("StoreChatTurn: %v", err)
	}

	rec := &memory.Record{
		ConversationID:       chatID,
		Content:              content,
		Summary:              content,
		Classification:       class,
		Importance:           memory.ImportanceHigh,
		ImportanceScore:      memory.ImportanceHigh.Score(),
		Entities:             []string{},
		Keywords:             []string{},
		ConfidenceScore:      0.9,
		ClassificationReason: "test fixture",
		PromotionEligible:    true,
		ExtractionTimestamp:  extracted,
	}
	id, err := engine.StoreLongTermMemory(ctx, rec, chatID, testNamespace)
	if err != nil {
		t.Fatalf("StoreLongTermMemory: %v", err)
	}
	return id
}

func currentState(t *testing.T, states *state.Manager, memoryID string) state.State {
	t.Helper()
	st, tracked, err := states.CurrentState(context.Background(), memoryID)
	if err != nil {
		t.Fatalf("CurrentState(%s): %v", memoryID, err)
	}
	if !tracked {
		t.Fatalf("memory %s has no tracked state", memoryID)
	}
	return st
}

func TestRunIngestionPassPromotesConsciousRecords(t *testing.T) {
	agent, engine, states := newTestAgent(t, nil)
	ctx := context.Background()

	id := storeConsciousRecord(t, engine, "User speaks fluent Spanish.", time.Now().UTC())

	promoted, err := agent.RunIngestionPass(ctx)
	if err != nil {
		t.Fatalf("RunIngestionPass: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("promoted = %d, want 1", promoted)
	}

	if got := currentState(t, states, id); got != state.StateConsciousProcessed {
		t.Errorf("state = %s, want %s", got, state.StateConsciousProcessed)
	}

	copies, err := engine.GetPermanentContextMemories(ctx, testNamespace)
	if err != nil {
		t.Fatalf("GetPermanentContextMemories: %v", err)
	}
	if len(copies) != 1 {
		t.Fatalf("permanent context copies = %d, want 1", len(copies))
	}
	if copies[0].ChatID != id {
		t.Errorf("short-term ChatID = %q, want source memory id %q", copies[0].ChatID, id)
	}
	if !copies[0].IsPermanentContext {
		t.Error("short-term copy is not flagged permanent")
	}

	// The promoted record must not be a candidate again.
	remaining, err := engine.GetUnprocessedConsciousMemories(ctx, testNamespace, 10)
	if err != nil {
		t.Fatalf("GetUnprocessedConsciousMemories: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("unprocessed candidates after promotion = %d, want 0", len(remaining))
	}

	promoted, err = agent.RunIngestionPass(ctx)
	if err != nil {
		t.Fatalf("second RunIngestionPass: %v", err)
	}
	if promoted != 0 {
		t.Errorf("second pass promoted = %d, want 0", promoted)
	}
}

func TestRunIngestionPassIgnoresOtherClassifications(t *testing.T) {
	agent, engine, _ := newTestAgent(t, nil)
	ctx := context.Background()

	storeClassifiedRecord(t, engine, "User prefers tabs over spaces.", memory.ClassPersonal, time.Now().UTC())

	promoted, err := agent.RunIngestionPass(ctx)
	if err != nil {
		t.Fatalf("RunIngestionPass: %v", err)
	}
	if promoted != 0 {
		t.Errorf("promoted = %d, want 0", promoted)
	}

	copies, err := engine.GetPermanentContextMemories(ctx, testNamespace)
	if err != nil {
		t.Fatalf("GetPermanentContextMemories: %v", err)
	}
	if len(copies) != 0 {
		t.Errorf("permanent context copies = %d, want 0", len(copies))
	}
}

func TestRunIngestionPassSkipsNonPromotableStates(t *testing.T) {
	agent, engine, states := newTestAgent(t, nil)
	ctx := context.Background()

	id := storeConsciousRecord(t, engine, "User works at Initech.", time.Now().UTC())

	// Another worker already claimed the record.
	ok, err := states.Transition(ctx, id, state.StateConsciousProcessing, state.TransitionOptions{
		Namespace: testNamespace, Reason: "claimed elsewhere", AgentID: "test",
	})
	if err != nil || !ok {
		t.Fatalf("Transition: ok=%v err=%v", ok, err)
	}

	promoted, err := agent.RunIngestionPass(ctx)
	if err != nil {
		t.Fatalf("RunIngestionPass: %v", err)
	}
	if promoted != 0 {
		t.Errorf("promoted = %d, want 0", promoted)
	}
	if got := currentState(t, states, id); got != state.StateConsciousProcessing {
		t.Errorf("state = %s, want %s (untouched)", got, state.StateConsciousProcessing)
	}
}

func TestBackgroundLoopPromotesWithinInterval(t *testing.T) {
	agent, engine, states := newTestAgent(t, &config.ConsciousConfig{UpdateInterval: 20 * time.Millisecond})
	ctx := context.Background()

	id := storeConsciousRecord(t, engine, "User's birthday is March 3rd.", time.Now().UTC())

	agent.Start(ctx)
	if !agent.Running() {
		t.Fatal("Running() = false after Start")
	}
	// Double start must not spawn a second loop.
	agent.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, tracked, err := states.CurrentState(ctx, id)
		if err != nil {
			t.Fatalf("CurrentState: %v", err)
		}
		if tracked && st == state.StateConsciousProcessed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record never promoted, last state %s", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	agent.Stop()
	if agent.Running() {
		t.Error("Running() = true after Stop")
	}
	agent.Stop() // idempotent
}

func TestSetIntervalIgnoresNonPositive(t *testing.T) {
	agent, _, _ := newTestAgent(t, &config.ConsciousConfig{UpdateInterval: time.Minute})

	agent.SetInterval(0)
	if got := agent.Interval(); got != time.Minute {
		t.Errorf("Interval() = %v, want %v", got, time.Minute)
	}

	agent.SetInterval(5 * time.Second)
	if got := agent.Interval(); got != 5*time.Second {
		t.Errorf("Interval() = %v, want %v", got, 5*time.Second)
	}
}
