package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/memoriai"
	"github.com/memoriai/memori/pkg/storage"
)

// openMemori builds the full stack from the settings file (when --config is
// given) seeded under the global flags; explicit flags always win. Commands
// that take LLM traffic pass their natural default mode.
func openMemori(ctx context.Context, cli *CLI, defaultMode string) (*memoriai.Memoriai, error) {
	cfg := memoriai.Config{
		DatabaseURL:   cli.Database,
		APIKey:        cli.APIKey,
		Provider:      cli.Provider,
		Model:         cli.Model,
		BaseURL:       cli.BaseURL,
		Namespace:     cli.Namespace,
		Mode:          cli.Mode,
		MinImportance: cli.MinImportance,
	}
	if cli.Embeddings {
		cfg.EnableEmbeddings = true
	}

	if cli.Config != "" {
		settings, err := config.Load(cli.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		applySettings(&cfg, settings)
	}

	if cfg.Mode == "" {
		cfg.Mode = defaultMode
	}

	if cfg.APIKey == "" && !providerHasEnvKey(cfg.Provider) {
		cfg.APIKey = promptAPIKey(cfg.Provider)
	}

	return memoriai.New(ctx, cfg)
}

// applySettings copies file settings into the zero fields of cfg, so flags
// given on the command line keep priority over the file.
func applySettings(cfg *memoriai.Config, settings *config.Settings) {
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = settings.Storage.DatabaseURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = settings.Provider.APIKey
	}
	if cfg.Provider == "" {
		cfg.Provider = settings.Provider.Type
	}
	if cfg.Model == "" {
		cfg.Model = settings.Provider.Model
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = settings.Provider.BaseURL
	}
	if cfg.Namespace == "" || cfg.Namespace == "default" {
		if settings.Namespace != "" {
			cfg.Namespace = settings.Namespace
		}
	}
	if cfg.Mode == "" {
		cfg.Mode = settings.Mode
	}
	if cfg.MinImportance == "" {
		cfg.MinImportance = settings.MinImportance
	}
	if settings.EnableEmbeddingMemory {
		cfg.EnableEmbeddings = true
	}
	if settings.Cache.MaxSizeMB > 0 {
		cfg.CacheSizeMB = settings.Cache.MaxSizeMB
	}
	if settings.Pool.MaxConnections > 0 {
		cfg.MaxConnections = settings.Pool.MaxConnections
	}
	if settings.Conscious.UpdateInterval > 0 {
		cfg.BackgroundUpdateInterval = settings.Conscious.UpdateInterval
	}
}

// openEngine opens the storage layer alone. Read-only commands go straight
// to the database so they work without provider credentials.
func openEngine(cli *CLI) (*storage.Engine, string, error) {
	storageCfg := config.StorageConfig{DatabaseURL: cli.Database}
	namespace := cli.Namespace
	if cli.Config != "" {
		settings, err := config.Load(cli.Config)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		if storageCfg.DatabaseURL == "" {
			storageCfg = settings.Storage
		}
		if namespace == "default" && settings.Namespace != "" {
			namespace = settings.Namespace
		}
	}

	engine, err := storage.Open(&storageCfg)
	if err != nil {
		return nil, "", err
	}
	return engine, namespace, nil
}

// providerHasEnvKey reports whether the environment already carries a key
// for the provider, or the provider needs none at all.
func providerHasEnvKey(provider string) bool {
	switch strings.ToLower(provider) {
	case config.ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY") != ""
	case config.ProviderOllama:
		return true
	case config.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY") != ""
	default:
		// No explicit provider: env detection picks whichever key exists.
		return os.Getenv("ANTHROPIC_API_KEY") != "" || os.Getenv("OPENAI_API_KEY") != ""
	}
}

// promptAPIKey reads a key from the terminal without echo. Non-interactive
// runs return empty and fall through to provider validation.
func promptAPIKey(provider string) string {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return ""
	}

	label := provider
	if label == "" {
		label = "LLM provider"
	}
	fmt.Printf("API key for %s: ", label)
	key, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(key))
}

func formatTimestamp(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}
