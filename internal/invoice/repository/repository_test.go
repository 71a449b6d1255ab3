package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finflow/finflow-backend/internal/invoice/domain"
	"github.com/finflow/finflow-backend/pkg/errors"
	"github.com/finflow/finflow-backend/pkg/testutil"
)

const (
	testTenantID = "4dfa1f3e-0000-4000-8000-000000000042"
	testSchema   = "tenant_acme_7f3a9c"
)

func newMockDB(t *testing.T) *testutil.MockDB {
	mockDB := testutil.NewMockDB(t)
	mockDB.MarkSchemaVerified(testSchema)
	return mockDB
}

func scopedCtx() context.Context {
	return testutil.ScopedContext(testTenantID, testSchema)
}

func TestInvoiceBulkUpsert(t *testing.T) {
	mockDB := newMockDB(t)
	defer mockDB.Close()
	repo := NewInvoiceRepository(mockDB.DB)

	invoices := []domain.Invoice{
		{ExternalID: "EXT-1", CustomerName: "enc-1", InvoiceNumber: "enc-n1", Amount: 100, Currency: "USD", Status: "pending", Metadata: []byte(`{}`), IsEncrypted: true},
		{ExternalID: "EXT-2", CustomerName: "enc-2", InvoiceNumber: "enc-n2", Amount: 250, Currency: "EUR", Status: "paid", Metadata: []byte(`{}`), IsEncrypted: true},
	}

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectExec("INSERT INTO invoices").
		WithArgs(
			testutil.AnyUUID{}, "EXT-1", "enc-1", "enc-n1", 100.0, "USD", "pending", nil, []byte(`{}`), true,
			testutil.AnyUUID{}, "EXT-2", "enc-2", "enc-n2", 250.0, "EUR", "paid", nil, []byte(`{}`), true,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mockDB.Mock.ExpectCommit()

	require.NoError(t, repo.BulkUpsert(scopedCtx(), invoices))
	mockDB.ExpectationsWereMet(t)
}

func TestInvoiceBulkUpsert_EmptyBatch(t *testing.T) {
	mockDB := newMockDB(t)
	defer mockDB.Close()
	repo := NewInvoiceRepository(mockDB.DB)

	// No transaction is opened for an empty batch
	require.NoError(t, repo.BulkUpsert(scopedCtx(), nil))
	mockDB.ExpectationsWereMet(t)
}

func TestInvoiceGetByExternalID_NotFound(t *testing.T) {
	mockDB := newMockDB(t)
	defer mockDB.Close()
	repo := NewInvoiceRepository(mockDB.DB)

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectQuery("FROM invoices").
		WillReturnRows(testutil.MockRows("id"))
	mockDB.Mock.ExpectRollback()

	_, err := repo.GetByExternalID(scopedCtx(), "EXT-MISSING")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	mockDB.ExpectationsWereMet(t)
}

func TestQuarantineListPending(t *testing.T) {
	mockDB := newMockDB(t)
	defer mockDB.Close()
	repo := NewQuarantineRepository(mockDB.DB)

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectQuery("FROM quarantine_records").
		WillReturnRows(testutil.MockRows("id", "source_type", "raw_data", "errors", "status", "created_at").
			AddRow("q-1", "csv_upload", []byte(`{"amount":"x"}`), []byte(`["amount must be numeric"]`), "pending", time.Now()))
	mockDB.Mock.ExpectCommit()

	records, err := repo.ListPending(scopedCtx())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ErrorList{"amount must be numeric"}, records[0].Errors)

	mockDB.ExpectationsWereMet(t)
}

func TestQuarantineGetByID_NotFound(t *testing.T) {
	mockDB := newMockDB(t)
	defer mockDB.Close()
	repo := NewQuarantineRepository(mockDB.DB)

	mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
	mockDB.Mock.ExpectQuery("FROM quarantine_records").
		WillReturnRows(testutil.MockRows("id"))
	mockDB.Mock.ExpectRollback()

	_, err := repo.GetByID(scopedCtx(), "q-missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	mockDB.ExpectationsWereMet(t)
}

func TestQuarantineMarkResolved(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		mockDB := newMockDB(t)
		defer mockDB.Close()
		repo := NewQuarantineRepository(mockDB.DB)

		mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
		mockDB.Mock.ExpectExec("UPDATE quarantine_records").
			WithArgs("q-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mockDB.Mock.ExpectCommit()

		require.NoError(t, repo.MarkResolved(scopedCtx(), "q-1"))
		mockDB.ExpectationsWereMet(t)
	})

	t.Run("NotFound", func(t *testing.T) {
		mockDB := newMockDB(t)
		defer mockDB.Close()
		repo := NewQuarantineRepository(mockDB.DB)

		mockDB.ExpectTenantTx(testSchema, testTenantID, testutil.DBRoleTenant)
		mockDB.Mock.ExpectExec("UPDATE quarantine_records").
			WithArgs("q-missing").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mockDB.Mock.ExpectRollback()

		err := repo.MarkResolved(scopedCtx(), "q-missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		mockDB.ExpectationsWereMet(t)
	})
}
