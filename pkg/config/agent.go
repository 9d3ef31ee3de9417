package config

import (
	"fmt"
	"time"
)

// AgentConfig configures the memory extraction agent.
type AgentConfig struct {
	// Model overrides the provider's chat model for extraction calls.
	// Empty means use the provider's configured model.
	Model string `yaml:"model"`

	// Temperature for extraction calls. Extraction wants near-deterministic
	// output, so the default is low.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the extraction response.
	MaxTokens int `yaml:"max_tokens"`

	// PromptTokenBudget bounds the conversation text included in the
	// extraction prompt. Longer conversations are tail-truncated.
	PromptTokenBudget int `yaml:"prompt_token_budget"`

	// Timeout for a single extraction call.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *AgentConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1000
	}
	if c.PromptTokenBudget == 0 {
		c.PromptTokenBudget = 6000
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

func (c *AgentConfig) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if c.PromptTokenBudget < 100 {
		return fmt.Errorf("prompt_token_budget must be at least 100")
	}
	return nil
}

// ConsciousConfig configures the background conscious-ingestion agent.
type ConsciousConfig struct {
	// UpdateInterval is the period of the background promotion loop.
	UpdateInterval time.Duration `yaml:"update_interval"`

	// BatchSize bounds how many duplicate groups a consolidation pass
	// processes concurrently.
	BatchSize int `yaml:"batch_size"`

	// SimilarityThreshold is the Jaccard similarity above which two records
	// are considered duplicates during consolidation.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

func (c *ConsciousConfig) SetDefaults() {
	if c.UpdateInterval == 0 {
		c.UpdateInterval = 30 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.7
	}
}

func (c *ConsciousConfig) Validate() error {
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in (0, 1]")
	}
	return nil
}
