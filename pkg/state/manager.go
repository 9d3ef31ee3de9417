package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memoriai/memori/pkg/observability"
)

// Store is the persistence surface the manager writes through. The storage
// engine implements it; AppendTransition must write the history row and the
// projection column in one transaction.
type Store interface {
	AppendTransition(ctx context.Context, rec *TransitionRecord) error
	LastTransition(ctx context.Context, memoryID string) (*TransitionRecord, error)
	TransitionHistory(ctx context.Context, memoryID string) ([]TransitionRecord, error)
	CountStatesByNamespace(ctx context.Context, namespace string) (map[State]int, error)
}

// Manager serialises state transitions per memory id and enforces the legal
// transition graph. The history log is the source of truth; the projection
// column is maintained by the store.
type Manager struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serialising writes for one memory id.
func (m *Manager) lockFor(memoryID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[memoryID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[memoryID] = lock
	}
	return lock
}

// Transition moves the record to the target state. It returns (false, nil)
// when the transition is illegal from the record's current state or the
// record has no tracked state; nothing is written in either case.
func (m *Manager) Transition(ctx context.Context, memoryID string, to State, opts TransitionOptions) (bool, error) {
	if memoryID == "" {
		return false, fmt.Errorf("memory id is required")
	}
	if !to.Valid() {
		return false, fmt.Errorf("unknown state %q", to)
	}

	lock := m.lockFor(memoryID)
	lock.Lock()
	defer lock.Unlock()

	last, err := m.store.LastTransition(ctx, memoryID)
	if err != nil {
		return false, fmt.Errorf("failed to read current state: %w", err)
	}
	if last == nil {
		m.logger.Debug("transition refused: no tracked state", "memory_id", memoryID, "to", to)
		return false, nil
	}

	from := last.To
	if !Legal(from, to) {
		m.logger.Debug("transition refused: illegal",
			"memory_id", memoryID, "from", from, "to", to)
		return false, nil
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = last.Namespace
	}

	rec := &TransitionRecord{
		MemoryID:     memoryID,
		Namespace:    namespace,
		From:         from,
		To:           to,
		Timestamp:    time.Now().UTC(),
		Reason:       opts.Reason,
		AgentID:      opts.AgentID,
		ErrorMessage: opts.ErrorMessage,
		Metadata:     opts.Metadata,
	}
	if err := m.store.AppendTransition(ctx, rec); err != nil {
		return false, fmt.Errorf("failed to record transition %s -> %s: %w", from, to, err)
	}

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordStateTransition(ctx, string(from), string(to))
	}

	return true, nil
}

// CurrentState returns the record's state and whether any state is tracked.
func (m *Manager) CurrentState(ctx context.Context, memoryID string) (State, bool, error) {
	last, err := m.store.LastTransition(ctx, memoryID)
	if err != nil {
		return "", false, fmt.Errorf("failed to read current state: %w", err)
	}
	if last == nil {
		return "", false, nil
	}
	return last.To, true, nil
}

// History returns the full transition log, oldest first.
func (m *Manager) History(ctx context.Context, memoryID string) ([]TransitionRecord, error) {
	return m.store.TransitionHistory(ctx, memoryID)
}

// CanTransition reports whether the transition would be legal right now,
// without writing anything.
func (m *Manager) CanTransition(ctx context.Context, memoryID string, to State) (bool, error) {
	last, err := m.store.LastTransition(ctx, memoryID)
	if err != nil {
		return false, fmt.Errorf("failed to read current state: %w", err)
	}
	if last == nil {
		return false, nil
	}
	return Legal(last.To, to), nil
}

// RetryTransition polls the transition up to maxRetries times separated by
// delay, re-reading the current state each attempt. It succeeds as soon as
// the transition becomes legal and completes.
func (m *Manager) RetryTransition(ctx context.Context, memoryID string, to State, maxRetries int, delay time.Duration, opts TransitionOptions) (bool, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		ok, err := m.Transition(ctx, memoryID, to, opts)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if attempt == maxRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
	}

	return false, nil
}

// StatesByNamespace counts records per current state within a namespace.
func (m *Manager) StatesByNamespace(ctx context.Context, namespace string) (map[State]int, error) {
	return m.store.CountStatesByNamespace(ctx, namespace)
}

// InitializeExistingMemoryState seeds state tracking for a record that
// pre-dates it. Idempotent for the same state; fails once history exists
// with a different one.
func (m *Manager) InitializeExistingMemoryState(ctx context.Context, memoryID string, s State) error {
	if memoryID == "" {
		return fmt.Errorf("memory id is required")
	}
	if !s.Valid() {
		return fmt.Errorf("unknown state %q", s)
	}

	lock := m.lockFor(memoryID)
	lock.Lock()
	defer lock.Unlock()

	last, err := m.store.LastTransition(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("failed to read current state: %w", err)
	}
	if last != nil {
		if last.To == s {
			return nil
		}
		return fmt.Errorf("memory %s already tracked in state %s", memoryID, last.To)
	}

	rec := &TransitionRecord{
		MemoryID:  memoryID,
		To:        s,
		Timestamp: time.Now().UTC(),
		Reason:    "initialized existing memory state",
		AgentID:   "state-manager",
	}
	if err := m.store.AppendTransition(ctx, rec); err != nil {
		return fmt.Errorf("failed to seed state: %w", err)
	}

	return nil
}
