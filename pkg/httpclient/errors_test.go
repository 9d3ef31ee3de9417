package httpclient

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryableErrorMessage(t *testing.T) {
	err := &RetryableError{
		StatusCode: 429,
		Message:    "max HTTP retries (3) exceeded",
		RetryAfter: 10 * time.Second,
	}

	got := err.Error()
	want := "HTTP 429: max HTTP retries (3) exceeded (retry after 10s)"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err.RetryAfter = 0
	got = err.Error()
	want = "HTTP 429: max HTTP retries (3) exceeded"
	if got != want {
		t.Errorf("Error() without RetryAfter = %q, want %q", got, want)
	}
}

func TestRetryableErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("HTTP 503")
	err := &RetryableError{StatusCode: 503, Message: "gave up", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is should see the wrapped error")
	}
}

func TestAsRetryable(t *testing.T) {
	err := &RetryableError{StatusCode: 429, Message: "gave up", RetryAfter: 3 * time.Second}
	wrapped := fmt.Errorf("chat completion: %w", err)

	got, ok := AsRetryable(wrapped)
	if !ok {
		t.Fatal("AsRetryable should find the error through wrapping")
	}
	if got.StatusCode != 429 || got.RetryAfter != 3*time.Second {
		t.Errorf("got %+v, want the original error back", got)
	}

	if _, ok := AsRetryable(fmt.Errorf("connection refused")); ok {
		t.Error("AsRetryable should be false for unrelated errors")
	}
}
