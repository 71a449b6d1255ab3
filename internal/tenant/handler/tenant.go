package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/finflow/finflow-backend/internal/tenant/service"
	"github.com/finflow/finflow-backend/pkg/httputil"
	"github.com/finflow/finflow-backend/pkg/logger"
)

// TenantHandler handles tenant provisioning and lifecycle endpoints
type TenantHandler struct {
	provisioning *service.ProvisioningService
	registry     *service.RegistryService
	logger       *logger.Logger
}

// NewTenantHandler creates a new tenant handler
func NewTenantHandler(provisioning *service.ProvisioningService, registry *service.RegistryService, log *logger.Logger) *TenantHandler {
	return &TenantHandler{
		provisioning: provisioning,
		registry:     registry,
		logger:       log,
	}
}

// Setup provisions a new tenant for the calling lobby user
func (h *TenantHandler) Setup(w http.ResponseWriter, r *http.Request) {
	var req service.SetupRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	response, err := h.provisioning.Setup(r.Context(), &req)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, response)
}

// Get returns the calling user's tenant
func (h *TenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.registry.Get(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, t)
}

// Suspend transitions a tenant to suspended
func (h *TenantHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.registry.Suspend(r.Context(), id); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}

// Reactivate transitions a suspended tenant back to active
func (h *TenantHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.registry.Reactivate(r.Context(), id); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}
