package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finflow/finflow-backend/internal/invoice/etl"
	"github.com/finflow/finflow-backend/internal/invoice/repository"
	tenantdomain "github.com/finflow/finflow-backend/internal/tenant/domain"
	"github.com/finflow/finflow-backend/pkg/crypto"
	"github.com/finflow/finflow-backend/pkg/errors"
	"github.com/finflow/finflow-backend/pkg/logger"
	"github.com/finflow/finflow-backend/pkg/messaging"
	"github.com/finflow/finflow-backend/pkg/testutil"
)

const (
	testTenantID = "9f1c2b7e-0000-4000-8000-000000000001"
	testSchema   = "tenant_acme_7f3a9c"
)

var intakeSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeSecrets struct {
	tenant *tenantdomain.Tenant
	secret []byte
	err    error
}

func (f *fakeSecrets) ActiveSecret(ctx context.Context, tenantID string) (*tenantdomain.Tenant, []byte, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.tenant, f.secret, nil
}

func newIntakeService(t *testing.T) (*IntakeService, *testutil.MockDB, *testutil.MockPublisher) {
	mockDB := testutil.NewMockDB(t)
	mockDB.MarkSchemaVerified(testSchema)

	secrets := &fakeSecrets{
		tenant: &tenantdomain.Tenant{
			ID:         testTenantID,
			SchemaName: testSchema,
			Status:     tenantdomain.StatusActive,
		},
		secret: intakeSecret,
	}
	publisher := testutil.NewMockPublisher()

	svc := NewIntakeService(
		mockDB.DB,
		repository.NewInvoiceRepository(mockDB.DB),
		repository.NewQuarantineRepository(mockDB.DB),
		secrets,
		publisher,
		nil,
		logger.New("intake-test", "test"),
	)
	return svc, mockDB, publisher
}

func scopedCtx() context.Context {
	return testutil.ScopedContext(testTenantID, testSchema)
}

func quarantineColumns() []string {
	return []string{"id", "source_type", "raw_data", "errors", "status", "created_at"}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestRunInvoiceETL_MixedBatch(t *testing.T) {
	svc, mockDB, publisher := newIntakeService(t)
	defer mockDB.Close()

	rows := []etl.RawRecord{
		{"external_id": "EXT-1", "customer_name": "Acme", "amount": 100.0},
		{"invoice_id": "EXT-2", "client_name": "Globex", "total_amount": 250.5},
		{"external_id": "EXT-3", "amount": "not-a-number"},
	}

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectExec("INSERT INTO invoices").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mockDB.Mock.ExpectExec("INSERT INTO quarantine_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.Mock.ExpectCommit()

	result, err := svc.RunInvoiceETL(scopedCtx(), rows, "csv_upload")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 1, result.Quarantined)

	publisher.AssertEventPublished(t, messaging.EventIntakeCompleted)
	mockDB.ExpectationsWereMet(t)
}

func TestRunInvoiceETL_AllValidSkipsQuarantineInsert(t *testing.T) {
	svc, mockDB, _ := newIntakeService(t)
	defer mockDB.Close()

	rows := []etl.RawRecord{
		{"external_id": "EXT-1", "customer_name": "Acme", "amount": 100.0},
	}

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectExec("INSERT INTO invoices").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.Mock.ExpectCommit()

	result, err := svc.RunInvoiceETL(scopedCtx(), rows, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Zero(t, result.Quarantined)

	mockDB.ExpectationsWereMet(t)
}

func TestRunInvoiceETL_NoScope(t *testing.T) {
	svc, mockDB, publisher := newIntakeService(t)
	defer mockDB.Close()

	_, err := svc.RunInvoiceETL(context.Background(), nil, "csv_upload")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingTenantContext))

	publisher.AssertNoEventsPublished(t)
}

func TestRunInvoiceETL_SuspendedTenant(t *testing.T) {
	svc, mockDB, publisher := newIntakeService(t)
	defer mockDB.Close()

	svc.secrets = &fakeSecrets{err: errors.Forbidden("tenant is suspended")}

	_, err := svc.RunInvoiceETL(scopedCtx(), []etl.RawRecord{
		{"external_id": "EXT-1", "customer_name": "Acme", "amount": 100.0},
	}, "csv_upload")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	publisher.AssertNoEventsPublished(t)
}

func TestRetryQuarantineBatch(t *testing.T) {
	svc, mockDB, publisher := newIntakeService(t)
	defer mockDB.Close()

	goodRaw := mustJSON(t, map[string]any{
		"external_id": "EXT-9", "customer_name": "Acme", "amount": 100.0,
	})
	badRaw := mustJSON(t, map[string]any{
		"external_id": "EXT-10", "amount": 100.0,
	})

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectQuery("FROM quarantine_records").
		WillReturnRows(testutil.MockRows(quarantineColumns()...).
			AddRow("q-1", "csv_upload", goodRaw, []byte(`["amount must be numeric"]`), "pending", time.Now()).
			AddRow("q-2", "csv_upload", badRaw, []byte(`["customer_name is required"]`), "pending", time.Now()))
	mockDB.Mock.ExpectExec("INSERT INTO invoices").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.Mock.ExpectExec("DELETE FROM quarantine_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.Mock.ExpectCommit()

	result, err := svc.RetryQuarantineBatch(scopedCtx(), []string{"q-1", "q-2"})
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalProcessed)
	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "q-2", result.Failed[0].ID)
	assert.Contains(t, result.Failed[0].Errors[0], "customer_name")

	publisher.AssertEventPublished(t, messaging.EventQuarantineRetried)
	mockDB.ExpectationsWereMet(t)
}

func TestRetryQuarantineBatch_UnknownID(t *testing.T) {
	svc, mockDB, _ := newIntakeService(t)
	defer mockDB.Close()

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectQuery("FROM quarantine_records").
		WillReturnRows(testutil.MockRows(quarantineColumns()...))
	mockDB.Mock.ExpectCommit()

	result, err := svc.RetryQuarantineBatch(scopedCtx(), []string{"q-missing"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.TotalProcessed)
	assert.Zero(t, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "q-missing", result.Failed[0].ID)
	assert.Contains(t, result.Failed[0].Errors[0], "not found")

	mockDB.ExpectationsWereMet(t)
}

func TestRetryQuarantineRecord_FixedFieldsResolve(t *testing.T) {
	svc, mockDB, publisher := newIntakeService(t)
	defer mockDB.Close()

	raw := mustJSON(t, map[string]any{
		"external_id": "EXT-9", "amount": 100.0,
	})

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectQuery("FROM quarantine_records").
		WillReturnRows(testutil.MockRows(quarantineColumns()...).
			AddRow("q-1", "csv_upload", raw, []byte(`["customer_name is required"]`), "pending", time.Now()))
	mockDB.Mock.ExpectExec("INSERT INTO invoices").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.Mock.ExpectExec("DELETE FROM quarantine_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.Mock.ExpectCommit()

	outcome, err := svc.RetryQuarantineRecord(scopedCtx(), "q-1", map[string]any{
		"customer_name": "Acme",
	})
	require.NoError(t, err)

	assert.True(t, outcome.Resolved)
	assert.Empty(t, outcome.Errors)

	publisher.AssertEventPublished(t, messaging.EventQuarantineResolved)
	mockDB.ExpectationsWereMet(t)
}

func TestRetryQuarantineRecord_StillInvalidLeavesRow(t *testing.T) {
	svc, mockDB, publisher := newIntakeService(t)
	defer mockDB.Close()

	raw := mustJSON(t, map[string]any{
		"external_id": "EXT-9", "amount": 100.0,
	})

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectQuery("FROM quarantine_records").
		WillReturnRows(testutil.MockRows(quarantineColumns()...).
			AddRow("q-1", "csv_upload", raw, []byte(`["customer_name is required"]`), "pending", time.Now()))
	mockDB.Mock.ExpectCommit()

	outcome, err := svc.RetryQuarantineRecord(scopedCtx(), "q-1", nil)
	require.NoError(t, err)

	assert.False(t, outcome.Resolved)
	require.NotEmpty(t, outcome.Errors)
	assert.Contains(t, outcome.Errors[0], "customer_name")

	publisher.AssertNoEventsPublished(t)
	mockDB.ExpectationsWereMet(t)
}

func TestRetryQuarantineRecord_NotFound(t *testing.T) {
	svc, mockDB, _ := newIntakeService(t)
	defer mockDB.Close()

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectQuery("FROM quarantine_records").
		WillReturnRows(testutil.MockRows(quarantineColumns()...))
	mockDB.Mock.ExpectRollback()

	_, err := svc.RetryQuarantineRecord(scopedCtx(), "q-missing", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	mockDB.ExpectationsWereMet(t)
}

func TestListInvoices_DecryptsProtectedFields(t *testing.T) {
	svc, mockDB, _ := newIntakeService(t)
	defer mockDB.Close()

	encName, err := crypto.EncryptField("Acme Corp", intakeSecret)
	require.NoError(t, err)
	encNumber, err := crypto.EncryptField("INV-001", intakeSecret)
	require.NoError(t, err)

	columns := []string{
		"id", "external_id", "customer_name", "invoice_number", "amount",
		"currency", "status", "due_date", "metadata", "is_encrypted",
		"created_at", "updated_at",
	}
	now := time.Now()

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectQuery("FROM invoices").
		WillReturnRows(testutil.MockRows(columns...).
			AddRow("inv-1", "EXT-1", encName, encNumber, 100.0, "USD", "pending", nil, []byte(`{}`), true, now, now).
			AddRow("inv-2", "EXT-2", "Legacy Client", "INV-LEGACY", 50.0, "USD", "paid", nil, []byte(`{}`), false, now, now))
	mockDB.Mock.ExpectCommit()

	invoices, err := svc.ListInvoices(scopedCtx())
	require.NoError(t, err)
	require.Len(t, invoices, 2)

	assert.Equal(t, "Acme Corp", invoices[0].CustomerName)
	assert.Equal(t, "INV-001", invoices[0].InvoiceNumber)
	assert.Equal(t, "Legacy Client", invoices[1].CustomerName)
	assert.Equal(t, "INV-LEGACY", invoices[1].InvoiceNumber)

	mockDB.ExpectationsWereMet(t)
}
