package llms

import "context"

// internalCallKey marks provider calls made by the memory pipeline itself.
// The performance envelope skips caching for marked calls, and conversation
// recording hooks must not fire for them, or extraction would recurse.
type internalCallKey struct{}

func WithInternalCall(ctx context.Context) context.Context {
	return context.WithValue(ctx, internalCallKey{}, true)
}

func IsInternalCall(ctx context.Context) bool {
	v, _ := ctx.Value(internalCallKey{}).(bool)
	return v
}
