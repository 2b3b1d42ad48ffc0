package middleware

import (
	"context"
	"net/http"

	"github.com/lzjever/mbos-wos/internal/core"
)

const RequestIDHeader = "X-Request-ID"

type ctxKeyRequestID struct{}

// RequestID injects a request ID into the context. IDs are time-ordered so
// log lines for one upgrade sort with the channel frames that follow it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = core.NewID()
		}
		ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, requestID)
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKeyRequestID{}).(string); ok {
		return id
	}
	return r.Header.Get(RequestIDHeader)
}
