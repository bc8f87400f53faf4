package manager

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solusinc/manylead-cloud-sub001/platform/go/tenant"
)

func TestMiddlewareAttachesConn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.manager.ProvisionTenant(ctx, "org_1", "acme", "")
	require.NoError(t, err)

	var seen Conn
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, ok := ConnFromContext(r.Context())
		require.True(t, ok)
		seen = conn
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/contacts", nil)
	req = req.WithContext(tenant.WithOrganizationID(req.Context(), "org_1"))
	w := httptest.NewRecorder()
	Middleware(f.manager)(next).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, rec.ConnectionRef, seen.(*fakeConn).ref)
}

func TestMiddlewareRejectsByState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, "org_pending", "pending-co", "")
	require.NoError(t, err)
	_, err = f.registry.Register(ctx, "org_failed", "failed-co", "")
	require.NoError(t, err)
	_, err = f.registry.MarkProvisioning(ctx, "org_failed")
	require.NoError(t, err)
	_, err = f.registry.MarkFailed(ctx, "org_failed", "boom")
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a routable tenant")
	})
	mw := Middleware(f.manager)(next)

	serve := func(organizationID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/contacts", nil)
		if organizationID != "" {
			req = req.WithContext(tenant.WithOrganizationID(req.Context(), organizationID))
		}
		w := httptest.NewRecorder()
		mw.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusUnauthorized, serve("").Code)
	require.Equal(t, http.StatusNotFound, serve("org_ghost").Code)

	w := serve("org_pending")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "5", w.Header().Get("Retry-After"))

	require.Equal(t, http.StatusGone, serve("org_failed").Code)
}

func TestMiddlewareOpenFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.ProvisionTenant(ctx, "org_1", "acme", "")
	require.NoError(t, err)
	f.opener.setFail(errors.New("connection refused"))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a connection")
	})
	req := httptest.NewRequest(http.MethodGet, "/contacts", nil)
	req = req.WithContext(tenant.WithOrganizationID(req.Context(), "org_1"))
	w := httptest.NewRecorder()
	Middleware(f.manager)(next).ServeHTTP(w, req)

	// An active tenant with a flapping database is retryable, not gone.
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "5", w.Header().Get("Retry-After"))
}
