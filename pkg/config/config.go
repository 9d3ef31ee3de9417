// Package config holds the configuration structs for every component, each
// with the SetDefaults/Validate pair, plus yaml file loading and environment
// fallbacks.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/memoriai/memori/pkg/observability"
	"github.com/memoriai/memori/pkg/vector"
)

// Processing modes (how conversations are ingested into memory).
const (
	ModeAutomatic = "automatic"
	ModeConscious = "conscious"
	ModeManual    = "manual"
)

// Importance filter values accepted by MEMORI_MIN_IMPORTANCE.
var importanceFilters = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true, "all": true,
}

// Settings is the root configuration.
type Settings struct {
	Namespace string `yaml:"namespace"`
	Mode      string `yaml:"mode"` // automatic, conscious, manual

	// MinImportance filters which extracted records are persisted:
	// low, medium, high, critical, or all.
	MinImportance string `yaml:"min_importance"`

	// EnableChatMemory turns conversation recording on.
	EnableChatMemory bool `yaml:"enable_chat_memory"`

	// EnableEmbeddingMemory turns the optional embedding side-channel on.
	EnableEmbeddingMemory bool `yaml:"enable_embedding_memory"`

	Provider  ProviderConfig  `yaml:"provider"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Pool      PoolConfig      `yaml:"pool"`
	Health    HealthConfig    `yaml:"health"`
	Agent     AgentConfig     `yaml:"agent"`
	Conscious ConsciousConfig `yaml:"conscious"`

	// Vector configures the embedding side-channel's index; it only applies
	// when EnableEmbeddingMemory is set.
	Vector vector.Config `yaml:"vector"`

	Logging       LoggingConfig        `yaml:"logging"`
	Observability observability.Config `yaml:"observability"`
}

// LoggingConfig configures the slog-based logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // simple, verbose
	File   string `yaml:"file"`   // optional log file path
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// SetDefaults applies defaults to every section and reads the documented
// environment fallbacks.
func (s *Settings) SetDefaults() {
	if s.Mode == "" {
		s.Mode = modeFromEnv()
	}
	s.Mode = NormalizeMode(s.Mode)

	if s.MinImportance == "" {
		s.MinImportance = strings.ToLower(envOr("MEMORI_MIN_IMPORTANCE", "all"))
	}

	if !s.EnableChatMemory {
		s.EnableChatMemory = envBool("MEMORI_ENABLE_CHAT_MEMORY")
	}
	if !s.EnableEmbeddingMemory {
		s.EnableEmbeddingMemory = envBool("MEMORI_ENABLE_EMBEDDING_MEMORY")
	}

	s.Provider.SetDefaults()
	s.Storage.SetDefaults()
	s.Cache.SetDefaults()
	s.Pool.SetDefaults()
	s.Health.SetDefaults()
	s.Agent.SetDefaults()
	s.Conscious.SetDefaults()
	s.Logging.SetDefaults()
}

// Validate checks every section.
func (s *Settings) Validate() error {
	switch s.Mode {
	case ModeAutomatic, ModeConscious, ModeManual:
	default:
		return fmt.Errorf("mode must be automatic, conscious, or manual; got %q", s.Mode)
	}
	if !importanceFilters[s.MinImportance] {
		return fmt.Errorf("min_importance must be low, medium, high, critical, or all; got %q", s.MinImportance)
	}
	if err := s.Provider.Validate(); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if err := s.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := s.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := s.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := s.Health.Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if err := s.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if err := s.Conscious.Validate(); err != nil {
		return fmt.Errorf("conscious: %w", err)
	}
	return nil
}

// NormalizeMode maps the accepted aliases onto the canonical mode names:
// "auto" means automatic, "none" means manual.
func NormalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "auto", "automatic":
		return ModeAutomatic
	case "conscious":
		return ModeConscious
	case "none", "manual", "":
		return ModeManual
	default:
		return strings.ToLower(mode)
	}
}

// Load reads a yaml settings file, applies defaults and validates.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	settings.SetDefaults()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &settings, nil
}

// Default returns settings built entirely from defaults and environment.
func Default() (*Settings, error) {
	var settings Settings
	settings.SetDefaults()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &settings, nil
}

func modeFromEnv() string {
	if mode := os.Getenv("MEMORI_PROCESSING_MODE"); mode != "" {
		return mode
	}
	return ModeManual
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
