package main

import (
	"context"
	"fmt"
	"time"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/storage"
)

// RecordCmd stores one exchange through the full pipeline. The default mode
// is manual, so nothing beyond the turn itself is written unless the user
// asks for automatic or conscious processing.
type RecordCmd struct {
	UserInput string `arg:"" help:"User side of the exchange."`
	AIOutput  string `arg:"" help:"Assistant side of the exchange."`
}

func (c *RecordCmd) Run(cli *CLI) error {
	ctx := context.Background()

	m, err := openMemori(ctx, cli, config.ModeManual)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	chatID, err := m.RecordConversation(ctx, c.UserInput, c.AIOutput)
	if err != nil {
		return err
	}

	fmt.Printf("Recorded conversation %s (namespace %q)\n", chatID, m.Namespace())
	return nil
}

// SearchCmd runs a ranked search over long-term memory. It opens storage
// directly, so no provider credentials are needed.
type SearchCmd struct {
	Query string `arg:"" help:"Search query."`
	Limit int    `help:"Maximum results." default:"10"`
}

func (c *SearchCmd) Run(cli *CLI) error {
	ctx := context.Background()

	engine, namespace, err := openEngine(cli)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	results, err := engine.SearchMemories(ctx, c.Query, storage.SearchOptions{
		Namespace:     namespace,
		Limit:         c.Limit,
		MinImportance: cli.MinImportance,
	})
	if err != nil {
		return err
	}

	printSearchResults(c.Query, results)
	return nil
}

// StatsCmd prints the per-namespace memory counters.
type StatsCmd struct{}

func (c *StatsCmd) Run(cli *CLI) error {
	ctx := context.Background()

	engine, namespace, err := openEngine(cli)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	stats, err := engine.GetDatabaseStats(ctx, namespace)
	if err != nil {
		return err
	}

	printStats(namespace, stats)
	return nil
}

func printSearchResults(query string, results []storage.SearchResult) {
	if len(results) == 0 {
		fmt.Printf("No memories found for %q\n", query)
		return
	}

	fmt.Printf("\n🔍 %d memories for %q:\n\n", len(results), query)
	for i, r := range results {
		fmt.Printf("%2d. [%s/%s] %s\n", i+1, r.Classification, r.Importance, r.Summary)
		if r.Topic != "" {
			fmt.Printf("    Topic: %s\n", r.Topic)
		}
		fmt.Printf("    Score: %.2f | Recorded: %s\n", r.Score, formatTimestamp(r.ExtractionTimestamp))
		fmt.Println()
	}
}

func printStats(namespace string, stats *storage.DatabaseStats) {
	fmt.Printf("\n📊 Memory statistics (namespace %q)\n", namespace)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Conversations:       %d\n", stats.Conversations)
	fmt.Printf("Long-term memories:  %d\n", stats.LongTermMemories)
	fmt.Printf("Short-term memories: %d\n", stats.ShortTermMemories)
	fmt.Printf("Conscious memories:  %d\n", stats.ConsciousMemories)
	fmt.Printf("Relationships:       %d\n", stats.Relationships)
	if stats.LastActivity != nil {
		fmt.Printf("Last activity:       %s\n", stats.LastActivity.Format(time.RFC3339))
	}
	fmt.Println()
}
