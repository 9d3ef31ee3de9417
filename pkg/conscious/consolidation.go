package conscious

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memoriai/memori/pkg/memory"
	"github.com/memoriai/memori/pkg/state"
)

// ConsolidationRequest parameterises one consolidation run. Zero values take
// the documented defaults.
type ConsolidationRequest struct {
	// Namespace to consolidate. Empty means the agent's namespace.
	Namespace string `json:"namespace,omitempty"`

	// SimilarityThreshold is the minimum Jaccard similarity for two records
	// to count as duplicates. Defaults to 0.7.
	SimilarityThreshold float64 `json:"similarityThreshold,omitempty"`

	// DryRun plans groups and runs safety checks without writing anything:
	// no merges, no state transitions.
	DryRun bool `json:"dryRun,omitempty"`

	// BatchSize bounds how many groups are merged concurrently. Defaults
	// to 10.
	BatchSize int `json:"batchSize,omitempty"`
}

// MemoryUsage reports heap allocation around a consolidation run.
type MemoryUsage struct {
	BeforeBytes uint64 `json:"beforeBytes"`
	AfterBytes  uint64 `json:"afterBytes"`
	PeakBytes   uint64 `json:"peakBytes"`
}

// ConsolidationStats breaks down how the run's groups were formed.
type ConsolidationStats struct {
	GroupsProcessed    int     `json:"groupsProcessed"`
	TotalDuplicates    int     `json:"totalDuplicates"`
	AverageSimilarity  float64 `json:"averageSimilarity"`
	SafetyChecksPassed int     `json:"safetyChecksPassed"`
	SafetyChecksFailed int     `json:"safetyChecksFailed"`
}

// ConsolidationReport is the outcome of one consolidation run. On a dry run
// Consolidated counts the groups that would have merged.
type ConsolidationReport struct {
	// TotalProcessed is the number of conscious records examined.
	TotalProcessed int `json:"totalProcessed"`

	// DuplicatesFound is the number of records claimed as duplicates across
	// all groups.
	DuplicatesFound int `json:"duplicatesFound"`

	// Consolidated is the number of groups merged into their primary.
	Consolidated int `json:"consolidated"`

	// Skipped counts records examined that produced no group: nothing
	// similar enough, or the group failed its safety check.
	Skipped int `json:"skipped"`

	Errors         []string           `json:"errors,omitempty"`
	ProcessingTime time.Duration      `json:"processingTime"`
	MemoryUsage    MemoryUsage        `json:"memoryUsage"`
	Stats          ConsolidationStats `json:"stats"`
}

// duplicateGroup is one primary plus the records that will merge into it.
type duplicateGroup struct {
	primaryID    string
	duplicateIDs []string
	similarities []float64
}

// consolidationScanLimit bounds how many conscious records one run loads.
const consolidationScanLimit = 500

// ConsolidateDuplicates finds groups of near-identical conscious records and
// merges each group into its oldest member. Records are scanned oldest
// first; the first record seen becomes its group's primary and claimed
// duplicates are never re-examined. Groups merge concurrently in batches of
// req.BatchSize. A dry run reports the same plan without writing.
func (a *Agent) ConsolidateDuplicates(ctx context.Context, req ConsolidationRequest) (*ConsolidationReport, error) {
	namespace := req.Namespace
	if namespace == "" {
		namespace = a.namespace
	}
	threshold := req.SimilarityThreshold
	if threshold == 0 {
		threshold = 0.7
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("similarity threshold must be in [0, 1], got %v", threshold)
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	start := time.Now()
	report := &ConsolidationReport{}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	report.MemoryUsage.BeforeBytes = ms.HeapAlloc
	report.MemoryUsage.PeakBytes = ms.HeapAlloc

	records, err := a.engine.GetConsciousMemories(ctx, namespace, consolidationScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load conscious records: %w", err)
	}

	groups, simSum, simCount := a.planGroups(ctx, records, namespace, threshold, report)
	if simCount > 0 {
		report.Stats.AverageSimilarity = simSum / float64(simCount)
	}

	a.logger.Info("consolidation plan ready",
		"namespace", namespace, "records", len(records), "groups", len(groups), "dry_run", req.DryRun)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchSize)

	for _, group := range groups {
		group := group
		g.Go(func() error {
			errs := a.consolidateGroup(gctx, group, namespace, req.DryRun)

			mu.Lock()
			report.Stats.GroupsProcessed++
			if len(errs) == 0 {
				report.Consolidated++
			} else {
				report.Errors = append(report.Errors, errs...)
			}
			var sample runtime.MemStats
			runtime.ReadMemStats(&sample)
			if sample.HeapAlloc > report.MemoryUsage.PeakBytes {
				report.MemoryUsage.PeakBytes = sample.HeapAlloc
			}
			mu.Unlock()
			return nil
		})
	}
	// Group errors are reported, never propagated; Wait only sees ctx errors.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	runtime.ReadMemStats(&ms)
	report.MemoryUsage.AfterBytes = ms.HeapAlloc
	if ms.HeapAlloc > report.MemoryUsage.PeakBytes {
		report.MemoryUsage.PeakBytes = ms.HeapAlloc
	}
	report.ProcessingTime = time.Since(start)

	a.logger.Info("consolidation run complete",
		"namespace", namespace,
		"groups", report.Stats.GroupsProcessed,
		"consolidated", report.Consolidated,
		"duplicates", report.DuplicatesFound,
		"errors", len(report.Errors),
		"dry_run", req.DryRun,
		"duration", report.ProcessingTime)

	return report, nil
}

// planGroups scans the records oldest first and forms non-overlapping
// duplicate groups. Safety checks run here so a dry run exercises them too.
func (a *Agent) planGroups(ctx context.Context, records []memory.Record, namespace string, threshold float64, report *ConsolidationReport) ([]duplicateGroup, float64, int) {
	claimed := make(map[string]bool)
	var groups []duplicateGroup
	var simSum float64
	simCount := 0

	for i := range records {
		rec := &records[i]
		if claimed[rec.ID] {
			continue
		}
		report.TotalProcessed++

		candidates, err := a.engine.FindPotentialDuplicates(ctx, rec.SearchableContent(), namespace, threshold)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("duplicate scan for %s: %v", rec.ID, err))
			report.Skipped++
			continue
		}

		group := duplicateGroup{primaryID: rec.ID}
		for _, c := range candidates {
			if c.ID == rec.ID || claimed[c.ID] {
				continue
			}
			if memory.Classification(c.Classification) != memory.ClassConsciousInfo {
				continue
			}
			group.duplicateIDs = append(group.duplicateIDs, c.ID)
			group.similarities = append(group.similarities, c.Similarity)
		}
		if len(group.duplicateIDs) == 0 {
			report.Skipped++
			continue
		}

		if err := a.engine.ValidateConsolidationSafety(ctx, rec.ID, group.duplicateIDs, namespace); err != nil {
			report.Stats.SafetyChecksFailed++
			report.Skipped++
			report.Errors = append(report.Errors, fmt.Sprintf("safety check for %s: %v", rec.ID, err))
			continue
		}
		report.Stats.SafetyChecksPassed++

		for i, id := range group.duplicateIDs {
			claimed[id] = true
			simSum += group.similarities[i]
			simCount++
		}
		report.DuplicatesFound += len(group.duplicateIDs)
		report.Stats.TotalDuplicates += len(group.duplicateIDs)
		groups = append(groups, group)
	}

	return groups, simSum, simCount
}

// consolidateGroup merges one group. The duplicates' transitions are written
// by the storage engine inside the merge transaction; this method owns the
// primary's. A dry run writes nothing.
func (a *Agent) consolidateGroup(ctx context.Context, group duplicateGroup, namespace string, dryRun bool) []string {
	if dryRun {
		a.logger.Info("dry run: would consolidate",
			"primary_id", group.primaryID, "duplicates", len(group.duplicateIDs))
		return nil
	}

	ok, err := a.states.Transition(ctx, group.primaryID, state.StateConsolidationProcessing, state.TransitionOptions{
		Namespace: namespace,
		Reason:    "consolidating duplicates",
		AgentID:   agentID,
	})
	if err != nil {
		return []string{fmt.Sprintf("begin consolidation for %s: %v", group.primaryID, err)}
	}
	if !ok {
		return []string{fmt.Sprintf("primary %s is not in a consolidatable state", group.primaryID)}
	}

	result, err := a.engine.ConsolidateDuplicateMemories(ctx, group.primaryID, group.duplicateIDs, namespace)
	if err != nil {
		a.failRecord(ctx, group.primaryID, "consolidation failed", err)
		return []string{fmt.Sprintf("consolidate into %s: %v", group.primaryID, err)}
	}

	errs := append([]string(nil), result.Errors...)

	ok, err = a.states.Transition(ctx, group.primaryID, state.StateConsolidated, state.TransitionOptions{
		Namespace: namespace,
		Reason:    fmt.Sprintf("absorbed %d duplicates", result.Consolidated),
		AgentID:   agentID,
	})
	if err != nil {
		errs = append(errs, fmt.Sprintf("finish consolidation for %s: %v", group.primaryID, err))
	} else if !ok {
		errs = append(errs, fmt.Sprintf("primary %s could not leave CONSOLIDATION_PROCESSING", group.primaryID))
	}

	return errs
}
