package utils

import (
	"strings"
	"testing"
)

func TestNewTokenCounter(t *testing.T) {
	tests := []struct {
		name  string
		model string
	}{
		{"GPT-4o model", "gpt-4o"},
		{"GPT-4 model", "gpt-4"},
		{"Claude model (uses fallback)", "claude-sonnet-4-20250514"},
		{"unknown model (uses fallback)", "llama3.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter, err := NewTokenCounter(tt.model)
			if err != nil {
				t.Fatalf("NewTokenCounter() error = %v", err)
			}
			if counter == nil {
				t.Fatal("NewTokenCounter() returned nil counter")
			}
			if counter.GetModel() != tt.model {
				t.Errorf("GetModel() = %v, want %v", counter.GetModel(), tt.model)
			}
		})
	}
}

func TestCount(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("failed to create token counter: %v", err)
	}

	if got := counter.Count(""); got != 0 {
		t.Errorf("Count(empty) = %d, want 0", got)
	}

	short := counter.Count("hello")
	long := counter.Count("hello world, this is a longer sentence with more tokens")
	if short <= 0 {
		t.Errorf("Count(short) = %d, want positive", short)
	}
	if long <= short {
		t.Errorf("longer text should count more tokens: short=%d long=%d", short, long)
	}
}

func TestCountMessagesIncludesOverhead(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("failed to create token counter: %v", err)
	}

	messages := []Message{
		{Role: "user", Content: "hi"},
	}

	got := counter.CountMessages(messages)
	contentOnly := counter.Count("user") + counter.Count("hi")
	// 3 per message + 3 reply priming
	if got != contentOnly+6 {
		t.Errorf("CountMessages = %d, want %d (content %d + overhead 6)", got, contentOnly+6, contentOnly)
	}
}

func TestTruncateToBudgetKeepsTail(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("failed to create token counter: %v", err)
	}

	text := strings.Repeat("alpha beta gamma delta ", 200) + "FINAL MARKER"

	truncated := counter.TruncateToBudget(text, 50)
	if counter.Count(truncated) > 50 {
		t.Errorf("truncated text counts %d tokens, budget was 50", counter.Count(truncated))
	}
	if !strings.Contains(truncated, "FINAL MARKER") {
		t.Error("truncation should keep the tail of the text")
	}

	if got := counter.TruncateToBudget("short", 50); got != "short" {
		t.Errorf("text within budget should be unchanged, got %q", got)
	}
	if got := counter.TruncateToBudget("anything", 0); got != "" {
		t.Errorf("zero budget should return empty, got %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("12345678"); got != 2 {
		t.Errorf("EstimateTokens = %d, want 2 (len/4)", got)
	}
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(empty) = %d, want 0", got)
	}
}
