package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func TestParseAnthropicRateLimitHeaders(t *testing.T) {
	resetAt := time.Now().Add(30 * time.Second).UTC().Truncate(time.Second)

	headers := http.Header{}
	headers.Set("retry-after", "12")
	headers.Set("anthropic-ratelimit-requests-reset", resetAt.Format(time.RFC3339))
	headers.Set("anthropic-ratelimit-requests-remaining", "99")
	headers.Set("anthropic-ratelimit-input-tokens-remaining", "10000")
	headers.Set("anthropic-ratelimit-output-tokens-remaining", "2000")

	info := ParseAnthropicRateLimitHeaders(headers)

	if info.RetryAfter != 12*time.Second {
		t.Errorf("RetryAfter = %v, want 12s", info.RetryAfter)
	}
	if info.ResetTime != resetAt.Unix() {
		t.Errorf("ResetTime = %d, want %d", info.ResetTime, resetAt.Unix())
	}
	if info.RequestsRemaining != 99 {
		t.Errorf("RequestsRemaining = %d, want 99", info.RequestsRemaining)
	}
	if info.InputTokensRemaining != 10000 {
		t.Errorf("InputTokensRemaining = %d, want 10000", info.InputTokensRemaining)
	}
	if info.OutputTokensRemaining != 2000 {
		t.Errorf("OutputTokensRemaining = %d, want 2000", info.OutputTokensRemaining)
	}
}

func TestParseOpenAIRateLimitHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "5")
	headers.Set("x-ratelimit-reset-tokens", "1700000000")
	headers.Set("x-ratelimit-remaining-requests", "42")
	headers.Set("x-ratelimit-remaining-tokens", "31337")

	info := ParseOpenAIRateLimitHeaders(headers)

	if info.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %v, want 5s", info.RetryAfter)
	}
	if info.ResetTime != 1700000000 {
		t.Errorf("ResetTime = %d, want 1700000000", info.ResetTime)
	}
	if info.RequestsRemaining != 42 {
		t.Errorf("RequestsRemaining = %d, want 42", info.RequestsRemaining)
	}
	if info.TokensRemaining != 31337 {
		t.Errorf("TokensRemaining = %d, want 31337", info.TokensRemaining)
	}
}

func TestParseHeadersEmptyIsZero(t *testing.T) {
	empty := http.Header{}

	if info := ParseAnthropicRateLimitHeaders(empty); info != (RateLimitInfo{}) {
		t.Errorf("anthropic parser on empty headers = %+v, want zero value", info)
	}
	if info := ParseOpenAIRateLimitHeaders(empty); info != (RateLimitInfo{}) {
		t.Errorf("openai parser on empty headers = %+v, want zero value", info)
	}
}

func TestParseHeadersIgnoresGarbage(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after", "soon")
	headers.Set("anthropic-ratelimit-requests-reset", "not-a-timestamp")

	info := ParseAnthropicRateLimitHeaders(headers)
	if info.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0 for unparsable header", info.RetryAfter)
	}
	if info.ResetTime != 0 {
		t.Errorf("ResetTime = %d, want 0 for unparsable header", info.ResetTime)
	}
}
