// Package state owns the per-record processing lifecycle: the legal
// transition graph, the append-only history, and the serialised writer.
package state

import (
	"errors"
	"time"
)

// State is one step in a memory record's processing lifecycle.
type State string

const (
	StatePending                 State = "PENDING"
	StateProcessed               State = "PROCESSED"
	StateConsciousProcessing     State = "CONSCIOUS_PROCESSING"
	StateConsciousProcessed      State = "CONSCIOUS_PROCESSED"
	StateConsolidationProcessing State = "CONSOLIDATION_PROCESSING"
	StateConsolidated            State = "CONSOLIDATED"
	StateCleanupPending          State = "CLEANUP_PENDING"
	StateCleanupProcessing       State = "CLEANUP_PROCESSING"
	StateCleaned                 State = "CLEANED"
	StateFailed                  State = "FAILED"
)

// ErrInvalidTransition is available for callers that want an error value;
// Transition itself reports illegal transitions as (false, nil).
var ErrInvalidTransition = errors.New("illegal state transition")

// legalTransitions is the complete transition graph. Pairs not listed are
// rejected and never persisted.
var legalTransitions = map[State][]State{
	StatePending:                 {StateProcessed, StateFailed},
	StateProcessed:               {StateConsciousProcessing, StateConsolidationProcessing, StateFailed},
	StateConsciousProcessing:     {StateConsciousProcessed, StateFailed},
	StateConsciousProcessed:      {StateConsolidationProcessing, StateCleanupPending, StateFailed},
	StateConsolidationProcessing: {StateConsolidated, StateFailed},
	StateConsolidated:            {StateCleanupPending},
	StateFailed:                  {StateCleanupPending},
	StateCleanupPending:          {StateCleanupProcessing},
	StateCleanupProcessing:       {StateCleaned},
	StateCleaned:                 {},
}

func (s State) Valid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// Legal reports whether from → to is in the transition graph.
func Legal(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves the state.
func Terminal(s State) bool {
	return len(legalTransitions[s]) == 0
}

// TransitionRecord is one row of the append-only history. From is empty on
// the seed row written when a record enters state tracking.
type TransitionRecord struct {
	ID           int64          `json:"id,omitempty"`
	MemoryID     string         `json:"memoryId"`
	Namespace    string         `json:"namespace"`
	From         State          `json:"fromState"`
	To           State          `json:"toState"`
	Timestamp    time.Time      `json:"timestamp"`
	Reason       string         `json:"reason"`
	AgentID      string         `json:"agentId"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TransitionOptions carries the caller-supplied annotations for a
// transition. Namespace may be left empty when the record's namespace is
// already on file.
type TransitionOptions struct {
	Reason       string
	AgentID      string
	ErrorMessage string
	Metadata     map[string]any
	Namespace    string
}
