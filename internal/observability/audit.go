package observability

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Audit logs a security-relevant HTTP event with request correlation fields.
func Audit(r *http.Request, event string, attrs ...any) {
	base := []any{
		"event", event,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"remote_addr", r.RemoteAddr,
	}
	base = append(base, attrs...)
	slog.InfoContext(r.Context(), "audit", base...)
}
