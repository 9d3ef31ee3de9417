// Package memori provides durable, queryable memory for conversational LLM
// applications.
//
// Memori records every conversation exchange, distills the ones worth
// keeping into structured memory via an LLM extraction agent, and serves
// them back through ranked search. One SQLite file (or postgres/mysql DSN)
// holds everything: chat history, long-term and short-term memory,
// relationship edges, and a full processing-state audit trail.
//
// # Quick Start
//
//	import "github.com/memoriai/memori/pkg/memoriai"
//
//	m, err := memoriai.New(ctx, memoriai.Config{
//	    DatabaseURL: "file:memori.db?cache=shared",
//	    APIKey:      os.Getenv("OPENAI_API_KEY"),
//	    Mode:        "automatic",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	resp, err := m.Chat(ctx, &llms.ChatRequest{
//	    Messages: []llms.Message{{Role: llms.RoleUser, Content: "I prefer Go for backend work"}},
//	})
//
// In automatic mode every Chat call is recorded and mined for memory in the
// background. Later searches recall what the user said:
//
//	results, err := m.SearchMemories(ctx, "language preferences", storage.SearchOptions{})
//
// # Processing Modes
//
//   - automatic: every exchange is recorded and processed by the extraction
//     agent as it happens.
//   - conscious: exchanges are recorded; a background loop periodically
//     promotes essential memories into permanent working context.
//   - manual: nothing is recorded unless RecordConversation is called.
//
// # Packages
//
// The memoriai façade is the single-handle entry point. Underneath:
//
//	import (
//	    "github.com/memoriai/memori/pkg/llms"    // provider transports
//	    "github.com/memoriai/memori/pkg/perf"    // cache, pool, health envelope
//	    "github.com/memoriai/memori/pkg/memory"  // extraction agent
//	    "github.com/memoriai/memori/pkg/storage" // relational engine
//	    "github.com/memoriai/memori/pkg/memori"  // controller
//	)
//
// # CLI
//
// Install the command-line interface:
//
//	go install github.com/memoriai/memori/cmd/memori@latest
//
// Then chat with memory capture, or inspect what was kept:
//
//	memori chat --mode automatic
//	memori search "kubernetes migration"
//	memori stats
package memori
