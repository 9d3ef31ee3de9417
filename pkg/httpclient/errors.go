package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError reports that the client gave up after exhausting retries.
// RetryAfter carries the delay the provider suggested for the next attempt.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// AsRetryable digs a RetryableError out of err's chain, through any provider
// wrapping on the way. Callers use it to surface the suggested backoff.
func AsRetryable(err error) (*RetryableError, bool) {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr, true
	}
	return nil, false
}
