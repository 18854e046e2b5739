// Package interceptors carries per-request metadata from HTTP headers into
// the request context, where handlers, the logger and spans pick it up.
package interceptors

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/task-sagas/internal/pkg/interceptors/constants"
)

// RequestMetadata stores the request id assigned by middleware.RequestID and
// the X-User-Id header in the context, and tags the active span with both.
// It must run after middleware.RequestID.
func RequestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		userID := strings.TrimSpace(r.Header.Get(constants.HeaderXUserId))

		ctx := context.WithValue(r.Context(), constants.ContextKeyRequestID, requestID)
		if userID != "" {
			ctx = context.WithValue(ctx, constants.ContextKeyUserID, userID)
		}

		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("request.id", requestID))
		if userID != "" {
			span.SetAttributes(attribute.String("user.id", userID))
		}

		if requestID != "" {
			w.Header().Set(constants.HeaderXRequestId, requestID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request id stored by RequestMetadata, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(constants.ContextKeyRequestID).(string)
	return id
}

// UserID returns the caller's X-User-Id, or "" when the header was absent.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(constants.ContextKeyUserID).(string)
	return id
}
