// Package conscious runs the background promotion loop that copies
// conscious-info memory records into permanent short-term context, and the
// duplicate consolidation routine that merges near-identical records.
package conscious

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/state"
	"github.com/memoriai/memori/pkg/storage"
)

// agentID stamps every transition this agent writes.
const agentID = "conscious-agent"

// defaultPassLimit bounds how many unprocessed records one ingestion pass
// pulls from storage.
const defaultPassLimit = 50

// Agent owns the conscious-ingestion worker for one namespace. At most one
// background goroutine runs per Agent; on-demand passes share a lock with it
// so the processed-id set has a single writer at a time.
type Agent struct {
	engine    *storage.Engine
	states    *state.Manager
	namespace string
	logger    *slog.Logger

	interval  atomic.Int64 // nanoseconds between passes
	batchSize int
	threshold float64

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	// passMu serialises ingestion passes; processed is only touched while
	// it is held.
	passMu    sync.Mutex
	processed map[string]bool
}

// NewAgent builds the conscious agent for a namespace. The loop does not
// start until Start is called.
func NewAgent(engine *storage.Engine, states *state.Manager, cfg *config.ConsciousConfig, namespace string, logger *slog.Logger) (*Agent, error) {
	if engine == nil {
		return nil, fmt.Errorf("storage engine is required")
	}
	if states == nil {
		return nil, fmt.Errorf("state manager is required")
	}
	if cfg == nil {
		cfg = &config.ConsciousConfig{}
	}
	cfg.SetDefaults()
	if namespace == "" {
		namespace = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{
		engine:    engine,
		states:    states,
		namespace: namespace,
		logger:    logger.With("component", "conscious", "namespace", namespace),
		batchSize: cfg.BatchSize,
		threshold: cfg.SimilarityThreshold,
		processed: make(map[string]bool),
	}
	a.interval.Store(int64(cfg.UpdateInterval))
	return a, nil
}

// Start launches the background promotion loop. Calling Start on a running
// agent is a no-op. The loop exits when ctx is cancelled or Stop is called.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.loop(ctx, a.stop, a.done)
	a.logger.Info("conscious ingestion loop started", "interval", a.Interval())
}

// Stop signals the loop and waits for it to exit. Safe to call when the
// loop is not running.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	stop, done := a.stop, a.done
	a.mu.Unlock()

	close(stop)
	<-done
	a.logger.Info("conscious ingestion loop stopped")
}

// Running reports whether the background loop is active.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// SetInterval changes the period between passes. Takes effect after the
// pass currently being waited for.
func (a *Agent) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	a.interval.Store(int64(d))
}

// Interval returns the current period between passes.
func (a *Agent) Interval() time.Duration {
	return time.Duration(a.interval.Load())
}

func (a *Agent) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	// A timer instead of a ticker so SetInterval applies on the next reset.
	timer := time.NewTimer(a.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
			if _, err := a.RunIngestionPass(ctx); err != nil {
				a.logger.Warn("conscious ingestion pass failed", "error", err)
			}
			timer.Reset(a.Interval())
		}
	}
}

// RunIngestionPass promotes unprocessed conscious-info records into
// permanent short-term context and returns how many were promoted. The
// returned error covers the candidate fetch only; per-record failures move
// the record to FAILED and the pass continues.
func (a *Agent) RunIngestionPass(ctx context.Context) (int, error) {
	a.passMu.Lock()
	defer a.passMu.Unlock()

	records, err := a.engine.GetUnprocessedConsciousMemories(ctx, a.namespace, defaultPassLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to load conscious candidates: %w", err)
	}

	promoted := 0
	for i := range records {
		rec := &records[i]
		if a.processed[rec.ID] {
			continue
		}

		ok, err := a.states.Transition(ctx, rec.ID, state.StateConsciousProcessing, state.TransitionOptions{
			Namespace: a.namespace,
			Reason:    "conscious ingestion started",
			AgentID:   agentID,
		})
		if err != nil {
			a.logger.Warn("could not begin conscious processing", "memory_id", rec.ID, "error", err)
			continue
		}
		if !ok {
			// Not promotable from its current state; another worker or a
			// consolidation run got there first.
			a.logger.Debug("skipping record, not in a promotable state", "memory_id", rec.ID)
			continue
		}

		if _, err := a.engine.StoreConsciousMemoryInShortTerm(ctx, rec, a.namespace); err != nil {
			a.failRecord(ctx, rec.ID, "copy to short-term failed", err)
			continue
		}
		if err := a.engine.MarkConsciousProcessed(ctx, rec.ID); err != nil {
			a.failRecord(ctx, rec.ID, "conscious-processed flag update failed", err)
			continue
		}

		ok, err = a.states.Transition(ctx, rec.ID, state.StateConsciousProcessed, state.TransitionOptions{
			Namespace: a.namespace,
			Reason:    "promoted to permanent short-term context",
			AgentID:   agentID,
		})
		if err != nil || !ok {
			a.logger.Warn("could not finish conscious processing", "memory_id", rec.ID, "error", err)
			continue
		}

		a.processed[rec.ID] = true
		promoted++
	}

	if promoted > 0 {
		a.logger.Info("conscious ingestion pass complete", "promoted", promoted, "candidates", len(records))
	}
	return promoted, nil
}

// failRecord moves a record to FAILED with the error on the transition row.
func (a *Agent) failRecord(ctx context.Context, memoryID, reason string, cause error) {
	a.logger.Warn("conscious ingestion failed for record",
		"memory_id", memoryID, "reason", reason, "error", cause)

	ok, err := a.states.Transition(ctx, memoryID, state.StateFailed, state.TransitionOptions{
		Namespace:    a.namespace,
		Reason:       reason,
		AgentID:      agentID,
		ErrorMessage: cause.Error(),
	})
	if err != nil || !ok {
		a.logger.Error("could not mark record failed", "memory_id", memoryID, "error", err)
	}
}
