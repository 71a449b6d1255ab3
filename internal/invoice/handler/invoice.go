package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/finflow/finflow-backend/internal/invoice/etl"
	"github.com/finflow/finflow-backend/internal/invoice/service"
	"github.com/finflow/finflow-backend/pkg/httputil"
	"github.com/finflow/finflow-backend/pkg/logger"
)

// InvoiceHandler handles invoice intake and quarantine endpoints
type InvoiceHandler struct {
	intake *service.IntakeService
	logger *logger.Logger
}

// NewInvoiceHandler creates a new invoice handler
func NewInvoiceHandler(intake *service.IntakeService, log *logger.Logger) *InvoiceHandler {
	return &InvoiceHandler{
		intake: intake,
		logger: log,
	}
}

// IntakeRequest is a batch of raw records to run through the pipeline
type IntakeRequest struct {
	Records    []etl.RawRecord `json:"records"`
	SourceType string          `json:"source_type"`
}

// RetryBatchRequest names the quarantine records to retry
type RetryBatchRequest struct {
	RecordIDs []string `json:"record_ids" validate:"required,min=1"`
}

// RetryRecordRequest carries optional field fixes for a single retry
type RetryRecordRequest struct {
	FixedData map[string]any `json:"fixed_data,omitempty"`
}

// Intake runs the ETL pipeline over the posted records
func (h *InvoiceHandler) Intake(w http.ResponseWriter, r *http.Request) {
	var req IntakeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.intake.RunInvoiceETL(r.Context(), req.Records, req.SourceType)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// List returns the tenant's invoices with protected fields decrypted
func (h *InvoiceHandler) List(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.intake.ListInvoices(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, invoices)
}

// ListQuarantine returns the tenant's pending quarantine records
func (h *InvoiceHandler) ListQuarantine(w http.ResponseWriter, r *http.Request) {
	records, err := h.intake.ListQuarantine(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, records)
}

// RetryBatch retries a set of quarantine records
func (h *InvoiceHandler) RetryBatch(w http.ResponseWriter, r *http.Request) {
	var req RetryBatchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.intake.RetryQuarantineBatch(r.Context(), req.RecordIDs)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Retry retries a single quarantine record, optionally with fixed fields
func (h *InvoiceHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RetryRecordRequest
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
	}

	outcome, err := h.intake.RetryQuarantineRecord(r.Context(), id, req.FixedData)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	status := http.StatusOK
	if !outcome.Resolved {
		status = http.StatusUnprocessableEntity
	}
	httputil.JSON(w, status, outcome)
}
