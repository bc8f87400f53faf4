// Package handler exposes the tenant admin surface over HTTP. Creation is
// asynchronous by default; ?sync=1 provisions inline and only answers once
// the tenant database is ready.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/manager"
	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/service"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/logging"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/persistence"
)

const (
	problemTypeValidation = "https://manylead.cloud/problems/validation-error"
	problemTypeNotFound   = "https://manylead.cloud/problems/not-found"
	problemTypeConflict   = "https://manylead.cloud/problems/conflict"
	problemTypeNotReady   = "https://manylead.cloud/problems/tenant-not-ready"
	problemTypeInternal   = "https://manylead.cloud/problems/internal-error"
)

// Handler wires the tenant manager to the admin HTTP routes.
type Handler struct {
	mgr    *manager.Manager
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(mgr *manager.Manager, logger *zap.Logger) *Handler {
	if mgr == nil {
		panic("tenant manager is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{mgr: mgr, logger: logger}
}

// Routes mounts the admin surface on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/admin/tenants", h.CreateTenant)
	r.Get("/admin/tenants/{slug}", h.GetTenant)
	r.Get("/admin/tenants/{slug}/availability", h.SlugAvailability)
	r.Post("/admin/tenants/{slug}/retry", h.RetryProvisioning)
	r.Delete("/admin/tenants/{slug}", h.DeleteTenant)
}

type createTenantRequest struct {
	OrganizationID string `json:"organization_id"`
	Slug           string `json:"slug"`
	DisplayName    string `json:"display_name,omitempty"`
	RequestedBy    string `json:"requested_by,omitempty"`
}

type tenantResponse struct {
	OrganizationID string     `json:"organization_id"`
	Slug           string     `json:"slug"`
	DisplayName    *string    `json:"display_name,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
}

type problemResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status"`
}

// CreateTenant implements POST /admin/tenants. With ?sync=1 the response is
// 201 with an active tenant; without it, 202 with a pending one.
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid request body", err.Error())
		return
	}
	if req.OrganizationID == "" || req.Slug == "" {
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid request body", "organization_id and slug are required")
		return
	}

	sync := r.URL.Query().Get("sync") == "1"

	var (
		rec service.Tenant
		err error
	)
	if sync {
		rec, err = h.mgr.ProvisionTenant(r.Context(), req.OrganizationID, req.Slug, req.DisplayName)
	} else {
		rec, err = h.mgr.InitTenant(r.Context(), req.OrganizationID, req.Slug, req.DisplayName, req.RequestedBy)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/admin/tenants/"+rec.Slug)
	status := http.StatusAccepted
	if sync {
		status = http.StatusCreated
	}
	h.writeJSON(w, r, status, toResponse(rec))
}

// GetTenant implements GET /admin/tenants/{slug}.
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	rec, err := h.mgr.GetTenantBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, toResponse(rec))
}

// SlugAvailability implements GET /admin/tenants/{slug}/availability.
func (h *Handler) SlugAvailability(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	free, err := h.mgr.SlugAvailable(r.Context(), slug)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"slug": slug, "available": free})
}

// RetryProvisioning implements POST /admin/tenants/{slug}/retry: the operator
// escape hatch for tenants stuck in failed.
func (h *Handler) RetryProvisioning(w http.ResponseWriter, r *http.Request) {
	rec, err := h.mgr.GetTenantBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body struct {
		RequestedBy string `json:"requested_by,omitempty"`
	}
	// The body is optional.
	_ = json.NewDecoder(r.Body).Decode(&body)

	rec, err = h.mgr.RetryProvisioning(r.Context(), rec.OrganizationID, body.RequestedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, toResponse(rec))
}

// DeleteTenant implements DELETE /admin/tenants/{slug}: soft delete, the
// retention sweeper handles the physical removal later.
func (h *Handler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	rec, err := h.mgr.GetTenantBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	actor := r.Header.Get("X-Actor-Id")
	if actor == "" {
		actor = "admin:unknown"
	}

	if err := h.mgr.DeleteTenant(r.Context(), rec.OrganizationID, actor); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toResponse(t service.Tenant) tenantResponse {
	return tenantResponse{
		OrganizationID: t.OrganizationID,
		Slug:           t.Slug,
		DisplayName:    t.DisplayName,
		Status:         string(t.Status),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		DeletedAt:      t.DeletedAt,
		LastError:      t.LastError,
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.writeProblem(w, r, http.StatusNotFound, problemTypeNotFound, "Tenant not found", "")
	case errors.Is(err, service.ErrConflict):
		h.writeProblem(w, r, http.StatusConflict, problemTypeConflict, "Tenant already exists", "")
	case errors.Is(err, service.ErrInvalidTransition):
		h.writeProblem(w, r, http.StatusConflict, problemTypeConflict, "Tenant state does not allow this operation", "")
	case errors.Is(err, manager.ErrTenantNotReady):
		h.writeProblem(w, r, http.StatusServiceUnavailable, problemTypeNotReady, "Tenant is still provisioning", "retry later")
	case errors.Is(err, manager.ErrProvisioningFailed):
		h.writeProblem(w, r, http.StatusBadGateway, problemTypeInternal, "Tenant provisioning failed", err.Error())
	case errors.Is(err, persistence.ErrInvalidSlug):
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid slug", err.Error())
	default:
		logging.FromRequest(r, h.logger).Error("tenant admin request failed", zap.Error(err))
		h.writeProblem(w, r, http.StatusInternalServerError, problemTypeInternal, "Internal error", "")
	}
}

func (h *Handler) writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	h.writeJSON(w, r, status, problemResponse{Type: problemType, Title: title, Detail: detail, Status: status})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.FromRequest(r, h.logger).Error("write response", zap.Error(err))
	}
}
