package core

import "context"

type ctxKeyAuthToken struct{}

// WithAuthToken returns a context carrying the session's auth token.
// Command handlers derive their context through this once per dispatch so
// downstream provider calls are authorized without re-threading credentials.
func WithAuthToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxKeyAuthToken{}, token)
}

// AuthToken extracts the auth token from ctx, or "" when absent.
func AuthToken(ctx context.Context) string {
	if tok, ok := ctx.Value(ctxKeyAuthToken{}).(string); ok {
		return tok
	}
	return ""
}
