// Command memori is the CLI for the memori memory engine.
//
// Usage:
//
//	memori chat --api-key sk-... --mode automatic
//	memori record "user said this" "assistant answered that"
//	memori search "kubernetes migration"
//	memori stats --namespace support_bot
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/memoriai/memori/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Chat    ChatCmd    `cmd:"" help:"Interactive chat with memory capture."`
	Record  RecordCmd  `cmd:"" help:"Record one user/assistant exchange."`
	Search  SearchCmd  `cmd:"" help:"Search long-term memory."`
	Stats   StatsCmd   `cmd:"" help:"Show memory statistics for a namespace."`

	Config    string `short:"c" help:"Path to settings file (yaml)." type:"path"`
	Database  string `help:"Database URL (default: file:memori.db?cache=shared)." placeholder:"URL"`
	Provider  string `help:"LLM provider (openai, anthropic, ollama)."`
	Model     string `help:"Model name."`
	APIKey    string `name:"api-key" help:"API key (defaults to provider environment variable)."`
	BaseURL   string `name:"base-url" help:"Custom API base URL."`
	Namespace string `help:"Memory namespace." default:"default"`
	Mode      string `help:"Processing mode (automatic, conscious, manual)."`

	Embeddings    bool   `help:"Enable the embedding side-channel."`
	MinImportance string `name:"min-importance" help:"Drop extracted memories below this importance (low, medium, high, critical, all)."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("memori version %s\n", version)
	return nil
}

// printBanner prints a colored ASCII banner using memori-indigo (#6366f1)
func printBanner() {
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			// Not a terminal, skip banner
			return
		}
	} else {
		return
	}

	// Indigo: #6366f1 = RGB(99, 102, 241)
	indigoColor := "\033[38;2;99;102;241m"
	resetColor := "\033[0m"

	banner := `
███╗   ███╗███████╗███╗   ███╗ ██████╗ ██████╗ ██╗
████╗ ████║██╔════╝████╗ ████║██╔═══██╗██╔══██╗██║
██╔████╔██║█████╗  ██╔████╔██║██║   ██║██████╔╝██║
██║╚██╔╝██║██╔══╝  ██║╚██╔╝██║██║   ██║██╔══██╗██║
██║ ╚═╝ ██║███████╗██║ ╚═╝ ██║╚██████╔╝██║  ██║██║
╚═╝     ╚═╝╚══════╝╚═╝     ╚═╝ ╚═════╝ ╚═╝  ╚═╝╚═╝
`
	fmt.Printf("%s%s%s\n", indigoColor, banner, resetColor)
}

// shouldSkipBanner checks if the command should skip the banner. One-shot
// commands produce scriptable output, so only the chat REPL gets decoration.
func shouldSkipBanner(args []string) bool {
	if len(args) < 2 {
		return false
	}

	for _, arg := range args {
		if arg == "record" || arg == "search" || arg == "stats" || arg == "version" {
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	_ = config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("memori"),
		kong.Description("Memori - durable, queryable memory for LLM conversations"),
		kong.UsageOnError(),
	)

	// Initialize logger with CLI flags/env vars (before config loading)
	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
