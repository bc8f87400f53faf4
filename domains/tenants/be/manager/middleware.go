package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/service"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/logging"
)

type connKey struct{}

// WithConn stores a tenant database handle on the context.
func WithConn(ctx context.Context, conn Conn) context.Context {
	return context.WithValue(ctx, connKey{}, conn)
}

// ConnFromContext retrieves the tenant database handle attached by the
// routing middleware.
func ConnFromContext(ctx context.Context) (Conn, bool) {
	conn, ok := ctx.Value(connKey{}).(Conn)
	return conn, ok
}

// Middleware resolves the request's organization to its tenant database and
// attaches the handle to the context. Downstream handlers call
// ConnFromContext and never touch routing themselves. Requests without a
// routable tenant are answered here and never reach the handler.
func Middleware(m *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := m.GetConnection(r.Context())
			if err != nil {
				writeRoutingError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithConn(r.Context(), conn)))
		})
	}
}

func writeRoutingError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var title string
	switch {
	case errors.Is(err, ErrNoOrganization):
		status, title = http.StatusUnauthorized, "No organization in request"
	case errors.Is(err, service.ErrNotFound):
		status, title = http.StatusNotFound, "Unknown tenant"
	case errors.Is(err, ErrTenantNotReady):
		status, title = http.StatusServiceUnavailable, "Tenant is still provisioning"
	case errors.Is(err, ErrTenantUnavailable):
		status, title = http.StatusGone, "Tenant unavailable"
	case errors.Is(err, ErrConnectionFailed):
		status, title = http.StatusServiceUnavailable, "Tenant database unreachable"
	default:
		status, title = http.StatusInternalServerError, "Internal error"
	}

	if status >= http.StatusInternalServerError {
		logging.FromRequest(r, zap.NewNop()).Error("tenant routing failed", zap.Error(err))
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"title": title, "status": status})
}
