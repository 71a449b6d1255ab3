package service

import (
	"context"
	"encoding/json"

	"github.com/finflow/finflow-backend/internal/invoice/domain"
	"github.com/finflow/finflow-backend/internal/invoice/etl"
	"github.com/finflow/finflow-backend/internal/invoice/repository"
	tenantdomain "github.com/finflow/finflow-backend/internal/tenant/domain"
	"github.com/finflow/finflow-backend/pkg/audit"
	"github.com/finflow/finflow-backend/pkg/crypto"
	"github.com/finflow/finflow-backend/pkg/database"
	"github.com/finflow/finflow-backend/pkg/errors"
	"github.com/finflow/finflow-backend/pkg/logger"
	"github.com/finflow/finflow-backend/pkg/messaging"
	"github.com/finflow/finflow-backend/pkg/tenant"
)

// TenantSecrets yields the decrypted data secret of an active tenant
type TenantSecrets interface {
	ActiveSecret(ctx context.Context, tenantID string) (*tenantdomain.Tenant, []byte, error)
}

// EventPublisher publishes intake lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// IntakeService runs the invoice ETL pipeline for the current tenant. Valid
// rows and quarantine rows from one run commit in a single transaction;
// events and audit entries go out only after that commit.
type IntakeService struct {
	db         *database.DB
	invoices   *repository.InvoiceRepository
	quarantine *repository.QuarantineRepository
	secrets    TenantSecrets
	publisher  EventPublisher
	audit      *audit.Emitter
	logger     *logger.Logger
}

// NewIntakeService creates a new intake service
func NewIntakeService(
	db *database.DB,
	invoices *repository.InvoiceRepository,
	quarantine *repository.QuarantineRepository,
	secrets TenantSecrets,
	publisher EventPublisher,
	auditEmitter *audit.Emitter,
	log *logger.Logger,
) *IntakeService {
	return &IntakeService{
		db:         db,
		invoices:   invoices,
		quarantine: quarantine,
		secrets:    secrets,
		publisher:  publisher,
		audit:      auditEmitter,
		logger:     log,
	}
}

// IntakeResult summarizes one ETL run
type IntakeResult struct {
	Total       int `json:"total"`
	Synced      int `json:"synced"`
	Quarantined int `json:"quarantined"`
}

// RetryFailure is one quarantine record that still fails validation
type RetryFailure struct {
	ID     string   `json:"id"`
	Errors []string `json:"errors"`
}

// RetryBatchResult summarizes a batch retry of quarantine records
type RetryBatchResult struct {
	TotalProcessed int            `json:"total_processed"`
	Succeeded      int            `json:"succeeded"`
	Failed         []RetryFailure `json:"failed"`
}

// RetryOutcome is the result of retrying a single quarantine record
type RetryOutcome struct {
	Resolved bool     `json:"success"`
	Errors   []string `json:"errors,omitempty"`
}

// RunInvoiceETL processes a batch of raw records for the current tenant.
// Valid rows are upserted, invalid rows are quarantined, and both writes
// commit together. A failed run leaves the tenant's data untouched.
func (s *IntakeService) RunInvoiceETL(ctx context.Context, rows []etl.RawRecord, sourceType string) (*IntakeResult, error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		return nil, errors.MissingTenantContext()
	}
	if tc.IsLobby() {
		return nil, errors.Forbidden("intake requires a tenant scope")
	}
	if sourceType == "" {
		sourceType = "upload"
	}

	_, secret, err := s.secrets.ActiveSecret(ctx, tc.TenantID)
	if err != nil {
		return nil, err
	}

	processed, err := etl.Process(rows, secret)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tc.TenantID).Msg("intake run aborted")
		return nil, err
	}

	records := make([]domain.QuarantineRecord, 0, len(processed.Rejects))
	for _, reject := range processed.Rejects {
		raw, err := json.Marshal(reject.Record)
		if err != nil {
			return nil, err
		}
		records = append(records, domain.QuarantineRecord{
			SourceType: sourceType,
			RawData:    raw,
			Errors:     reject.Errors,
		})
	}

	err = s.db.WithTenantTx(ctx, func(ctx context.Context) error {
		if err := s.invoices.UpsertInTx(ctx, processed.Invoices); err != nil {
			return err
		}
		return s.quarantine.InsertInTx(ctx, records)
	})
	if err != nil {
		return nil, err
	}

	result := &IntakeResult{
		Total:       len(rows),
		Synced:      len(processed.Invoices),
		Quarantined: len(processed.Rejects),
	}

	s.logger.Info().
		Str("tenant_id", tc.TenantID).
		Str("source_type", sourceType).
		Int("total", result.Total).
		Int("synced", result.Synced).
		Int("quarantined", result.Quarantined).
		Msg("intake run committed")

	if s.publisher != nil {
		event := messaging.IntakeCompletedEvent{
			TenantID:    tc.TenantID,
			SourceTag:   sourceType,
			Total:       result.Total,
			Synced:      result.Synced,
			Quarantined: result.Quarantined,
		}
		if err := s.publisher.Publish(ctx, messaging.EventIntakeCompleted, event); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", tc.TenantID).Msg("failed to publish intake event")
		}
	}
	if s.audit != nil {
		s.audit.Emit(ctx, "intake.run", "invoices", map[string]any{
			"source_type": sourceType,
			"total":       result.Total,
			"synced":      result.Synced,
			"quarantined": result.Quarantined,
		})
	}

	return result, nil
}

// RetryQuarantineBatch re-runs the pipeline over stored quarantine records.
// Records that now pass are upserted and their quarantine rows deleted, all in
// one transaction; records that still fail are reported and left in place.
func (s *IntakeService) RetryQuarantineBatch(ctx context.Context, ids []string) (*RetryBatchResult, error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		return nil, errors.MissingTenantContext()
	}

	_, secret, err := s.secrets.ActiveSecret(ctx, tc.TenantID)
	if err != nil {
		return nil, err
	}

	result := &RetryBatchResult{Failed: []RetryFailure{}}

	err = s.db.WithTenantTx(ctx, func(ctx context.Context) error {
		records, err := s.quarantine.GetByIDs(ctx, ids)
		if err != nil {
			return err
		}

		found := make(map[string]bool, len(records))
		for _, rec := range records {
			found[rec.ID] = true
		}
		for _, id := range ids {
			if !found[id] {
				result.Failed = append(result.Failed, RetryFailure{
					ID:     id,
					Errors: []string{"quarantine record not found"},
				})
			}
		}

		var (
			invoices []domain.Invoice
			resolved []string
		)
		for _, rec := range records {
			inv, errs, err := s.reprocess(rec.RawData, nil, secret)
			if err != nil {
				return err
			}
			if len(errs) > 0 {
				result.Failed = append(result.Failed, RetryFailure{ID: rec.ID, Errors: errs})
				continue
			}
			invoices = append(invoices, *inv)
			resolved = append(resolved, rec.ID)
		}

		if err := s.invoices.UpsertInTx(ctx, invoices); err != nil {
			return err
		}
		if err := s.quarantine.DeleteByIDs(ctx, resolved); err != nil {
			return err
		}

		result.TotalProcessed = len(ids)
		result.Succeeded = len(resolved)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("tenant_id", tc.TenantID).
		Int("total", result.TotalProcessed).
		Int("succeeded", result.Succeeded).
		Int("failed", len(result.Failed)).
		Msg("quarantine batch retry committed")

	if s.publisher != nil {
		event := messaging.QuarantineRetriedEvent{
			TenantID:    tc.TenantID,
			RecordIDs:   ids,
			Succeeded:   result.Succeeded,
			Failed:      len(result.Failed),
			PerformedBy: tc.UserID,
		}
		if err := s.publisher.Publish(ctx, messaging.EventQuarantineRetried, event); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", tc.TenantID).Msg("failed to publish retry event")
		}
	}
	if s.audit != nil {
		s.audit.Emit(ctx, "quarantine.retry", "quarantine_records", map[string]any{
			"total":     result.TotalProcessed,
			"succeeded": result.Succeeded,
			"failed":    len(result.Failed),
		})
	}

	return result, nil
}

// RetryQuarantineRecord retries one record with caller-supplied fixes merged
// over the stored raw data. On success the invoice is upserted and the
// quarantine row deleted; on continued failure the row stays untouched and
// the remaining errors come back to the caller.
func (s *IntakeService) RetryQuarantineRecord(ctx context.Context, id string, fixedFields map[string]any) (*RetryOutcome, error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		return nil, errors.MissingTenantContext()
	}

	_, secret, err := s.secrets.ActiveSecret(ctx, tc.TenantID)
	if err != nil {
		return nil, err
	}

	outcome := &RetryOutcome{}

	err = s.db.WithTenantTx(ctx, func(ctx context.Context) error {
		records, err := s.quarantine.GetByIDs(ctx, []string{id})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return errors.NotFound("quarantine record")
		}

		inv, errs, err := s.reprocess(records[0].RawData, fixedFields, secret)
		if err != nil {
			return err
		}
		if len(errs) > 0 {
			outcome.Errors = errs
			return nil
		}

		if err := s.invoices.UpsertInTx(ctx, []domain.Invoice{*inv}); err != nil {
			return err
		}
		if err := s.quarantine.DeleteByIDs(ctx, []string{id}); err != nil {
			return err
		}
		outcome.Resolved = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Resolved {
		if s.publisher != nil {
			event := messaging.QuarantineRetriedEvent{
				TenantID:    tc.TenantID,
				RecordIDs:   []string{id},
				Succeeded:   1,
				PerformedBy: tc.UserID,
			}
			if err := s.publisher.Publish(ctx, messaging.EventQuarantineResolved, event); err != nil {
				s.logger.Warn().Err(err).Str("tenant_id", tc.TenantID).Msg("failed to publish resolve event")
			}
		}
		if s.audit != nil {
			s.audit.Emit(ctx, "quarantine.resolve", "quarantine_records", map[string]any{
				"record_id": id,
			})
		}
	}

	return outcome, nil
}

// reprocess re-runs normalize/validate/transform over stored raw data, with
// optional fixes merged over it. A non-empty error slice means the data is
// still invalid; a non-nil error is an infrastructure failure.
func (s *IntakeService) reprocess(rawData json.RawMessage, fixedFields map[string]any, secret []byte) (*domain.Invoice, []string, error) {
	var raw etl.RawRecord
	if err := json.Unmarshal(rawData, &raw); err != nil {
		return nil, []string{"stored raw data is not valid JSON"}, nil
	}
	for k, v := range fixedFields {
		raw[k] = v
	}

	rec := etl.Normalize(raw)
	if errs := etl.Validate(rec); len(errs) > 0 {
		return nil, errs, nil
	}

	inv, err := etl.Transform(rec, secret)
	if err != nil {
		return nil, nil, err
	}
	return inv, nil, nil
}

// ListInvoices returns the tenant's invoices with protected fields decrypted.
// Rows written before encryption was enabled pass through as stored.
func (s *IntakeService) ListInvoices(ctx context.Context) ([]domain.Invoice, error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		return nil, errors.MissingTenantContext()
	}

	_, secret, err := s.secrets.ActiveSecret(ctx, tc.TenantID)
	if err != nil {
		return nil, err
	}

	invoices, err := s.invoices.List(ctx)
	if err != nil {
		return nil, err
	}

	for i := range invoices {
		if !invoices[i].IsEncrypted {
			continue
		}
		name, err := crypto.DecryptField(invoices[i].CustomerName, secret)
		if err != nil {
			return nil, err
		}
		number, err := crypto.DecryptField(invoices[i].InvoiceNumber, secret)
		if err != nil {
			return nil, err
		}
		invoices[i].CustomerName = name
		invoices[i].InvoiceNumber = number
	}

	return invoices, nil
}

// ListQuarantine returns the tenant's pending quarantine records
func (s *IntakeService) ListQuarantine(ctx context.Context) ([]domain.QuarantineRecord, error) {
	if _, err := tenant.Current(ctx); err != nil {
		return nil, errors.MissingTenantContext()
	}
	return s.quarantine.ListPending(ctx)
}
