package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/llms"
	"github.com/memoriai/memori/pkg/memoriai"
	"github.com/memoriai/memori/pkg/storage"
)

// ChatCmd runs an interactive chat session. Every exchange flows through the
// memory pipeline of the selected mode.
type ChatCmd struct{}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx := context.Background()

	m, err := openMemori(ctx, cli, config.ModeAutomatic)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	fmt.Printf("💬 Chat with %s (%s mode, namespace %q)\n", m.ProviderType(), m.Mode(), m.Namespace())
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("Type your messages below. Commands:")
	fmt.Println("  /quit or /exit - Exit chat")
	fmt.Println("  /clear - Clear conversation history")
	fmt.Println("  /search <query> - Search recorded memory")
	fmt.Println("  /stats - Show memory statistics")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	var history []llms.Message

	for {
		fmt.Print("You: ")

		input, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := c.handleCommand(ctx, m, input, &history)
			if err != nil {
				fmt.Printf("❌ Error: %v\n", err)
				continue
			}
			if quit {
				return nil
			}
			continue
		}

		history = append(history, llms.Message{Role: llms.RoleUser, Content: input})

		resp, err := m.Chat(ctx, &llms.ChatRequest{Messages: history})
		if err != nil {
			fmt.Printf("❌ Error: %v\n", err)
			history = history[:len(history)-1]
			continue
		}

		fmt.Printf("\n%s\n\n", resp.Content)
		history = append(history, llms.Message{Role: llms.RoleAssistant, Content: resp.Content})
	}
}

// handleCommand dispatches a slash command. Returns true when the REPL
// should exit.
func (c *ChatCmd) handleCommand(ctx context.Context, m *memoriai.Memoriai, input string, history *[]llms.Message) (bool, error) {
	cmd, rest, _ := strings.Cut(input, " ")

	switch cmd {
	case "/quit", "/exit":
		fmt.Println("Goodbye!")
		return true, nil

	case "/clear":
		*history = (*history)[:0]
		fmt.Println("Conversation history cleared")
		return false, nil

	case "/search":
		query := strings.TrimSpace(rest)
		if query == "" {
			fmt.Println("Usage: /search <query>")
			return false, nil
		}
		results, err := m.SearchMemories(ctx, query, storage.SearchOptions{Limit: 5})
		if err != nil {
			return false, err
		}
		printSearchResults(query, results)
		return false, nil

	case "/stats":
		stats, err := m.GetMemoryStatistics(ctx)
		if err != nil {
			return false, err
		}
		printStats(m.Namespace(), stats)
		return false, nil

	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		return false, nil
	}
}
