package web

import (
	"context"
	"net/http"

	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/go-chi/chi/v5/middleware"
)

// WithRequestMetadata adds the request ID, client IP and User-Agent to the
// context for audit logging.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	ctx = core.ContextWithRequestID(ctx, middleware.GetReqID(r.Context()))
	ctx = core.ContextWithIPAddress(ctx, clientIP(r)) // RemoteAddr already rewritten by TrustedRealIP
	ctx = core.ContextWithUserAgent(ctx, r.UserAgent())
	return ctx
}
