package llms

import (
	"errors"
	"fmt"
)

// ErrUnsupported reports an operation the provider's API does not offer,
// such as embeddings on Anthropic.
var ErrUnsupported = errors.New("operation not supported by provider")

// TransportError wraps any failure between building a request and decoding a
// well-formed response: network errors, non-2xx statuses, and bodies that do
// not match the provider's schema.
type TransportError struct {
	Provider   ProviderType
	StatusCode int    // 0 when the failure happened before a response arrived
	Body       string // response body (or fragment) when one was read
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
