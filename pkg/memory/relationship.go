package memory

import (
	"fmt"
	"time"
)

// RelationType labels a directed edge between two memory records.
type RelationType string

const (
	RelationReference     RelationType = "reference"
	RelationContinuation  RelationType = "continuation"
	RelationContradiction RelationType = "contradiction"
	RelationElaboration   RelationType = "elaboration"
	RelationSupersedes    RelationType = "supersedes"
)

func (t RelationType) Valid() bool {
	switch t {
	case RelationReference, RelationContinuation, RelationContradiction, RelationElaboration, RelationSupersedes:
		return true
	}
	return false
}

// Relationship is a directed edge from one memory record to another.
type Relationship struct {
	ID         string       `json:"id,omitempty"`
	SourceID   string       `json:"sourceId"`
	TargetID   string       `json:"targetId"`
	Type       RelationType `json:"type"`
	Confidence float64      `json:"confidence"`
	Strength   float64      `json:"strength"`
	Reason     string       `json:"reason,omitempty"`
	Entities   []string     `json:"entities,omitempty"`
	Context    string       `json:"context,omitempty"`
	CreatedAt  time.Time    `json:"createdAt,omitempty"`
}

// Validate checks the edge's local invariants. The supersedes-cycle check
// needs the stored graph and lives in the storage layer.
func (r *Relationship) Validate() error {
	if r.SourceID == "" || r.TargetID == "" {
		return fmt.Errorf("relationship requires source and target ids")
	}
	if r.SourceID == r.TargetID {
		return fmt.Errorf("relationship source and target must differ")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown relationship type %q", r.Type)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("relationship confidence %v out of range [0,1]", r.Confidence)
	}
	if r.Strength < 0 || r.Strength > 1 {
		return fmt.Errorf("relationship strength %v out of range [0,1]", r.Strength)
	}
	return nil
}
