package service

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finflow/finflow-backend/internal/tenant/domain"
	"github.com/finflow/finflow-backend/internal/tenant/repository"
	"github.com/finflow/finflow-backend/pkg/config"
	"github.com/finflow/finflow-backend/pkg/crypto"
	"github.com/finflow/finflow-backend/pkg/errors"
	"github.com/finflow/finflow-backend/pkg/testutil"
)

const registryTenantID = "7a1b3c5d-9e8f-4a2b-8c6d-1f3e5a7b9c2d"

func newRegistryService(t *testing.T) (*RegistryService, *testutil.MockDB) {
	mockDB := testutil.NewMockDB(t)
	t.Cleanup(func() { mockDB.Close() })

	repo := repository.NewRegistryRepository(mockDB.DB, &config.RegistryConfig{
		CacheSize: 16,
		CacheTTL:  time.Minute,
	})
	return NewRegistryService(repo, testutil.TestMasterKey()), mockDB
}

func expectTenantRow(mockDB *testutil.MockDB, status, encryptedSecret string) {
	mockDB.ExpectTenantTx("public", "PUBLIC_ACCESS", testutil.DBRoleTenant)
	mockDB.ExpectQuery("SELECT id, name, slug, schema_name, status, encrypted_secret, created_at, updated_at FROM tenants WHERE id = $1").
		WithArgs(registryTenantID).
		WillReturnRows(testutil.MockRows(
			"id", "name", "slug", "schema_name", "status", "encrypted_secret", "created_at", "updated_at").
			AddRow(registryTenantID, "Acme Inc", "acme_inc", "tenant_acme_inc_7f3a9c",
				status, encryptedSecret, time.Now(), time.Now()))
	mockDB.Mock.ExpectCommit()
}

func TestActiveSecret(t *testing.T) {
	svc, mockDB := newRegistryService(t)

	secret, err := crypto.GenerateTenantSecret()
	require.NoError(t, err)
	wrapped, err := testutil.TestMasterKey().Wrap(secret)
	require.NoError(t, err)

	expectTenantRow(mockDB, domain.StatusActive, wrapped)

	tenant, got, err := svc.ActiveSecret(context.Background(), registryTenantID)
	require.NoError(t, err)
	assert.Equal(t, registryTenantID, tenant.ID)
	assert.Equal(t, secret, got)

	mockDB.ExpectationsWereMet(t)
}

func TestActiveSecret_Suspended(t *testing.T) {
	svc, mockDB := newRegistryService(t)

	expectTenantRow(mockDB, domain.StatusSuspended, "x:y:z")

	_, _, err := svc.ActiveSecret(context.Background(), registryTenantID)
	assert.ErrorIs(t, err, errors.ErrForbidden)
}

func TestActiveSecret_Deleted(t *testing.T) {
	svc, mockDB := newRegistryService(t)

	expectTenantRow(mockDB, domain.StatusDeleted, "x:y:z")

	_, _, err := svc.ActiveSecret(context.Background(), registryTenantID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestActiveSecret_TamperedSecret(t *testing.T) {
	svc, mockDB := newRegistryService(t)

	other, err := crypto.ParseMasterKey("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	secret, err := crypto.GenerateTenantSecret()
	require.NoError(t, err)
	wrappedWithWrongKey, err := other.Wrap(secret)
	require.NoError(t, err)

	expectTenantRow(mockDB, domain.StatusActive, wrappedWithWrongKey)

	_, _, err = svc.ActiveSecret(context.Background(), registryTenantID)
	assert.ErrorIs(t, err, errors.ErrDecryptionFailed)
}

func TestReactivate_Suspended(t *testing.T) {
	svc, mockDB := newRegistryService(t)

	expectTenantRow(mockDB, domain.StatusSuspended, "x:y:z")

	mockDB.ExpectTenantTx("public", "PUBLIC_ACCESS", testutil.DBRoleTenant)
	mockDB.Mock.ExpectExec("UPDATE tenants SET status").
		WithArgs(domain.StatusActive, registryTenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.Mock.ExpectCommit()

	require.NoError(t, svc.Reactivate(context.Background(), registryTenantID))
	mockDB.ExpectationsWereMet(t)
}

func TestReactivate_DeletedIsTerminal(t *testing.T) {
	svc, mockDB := newRegistryService(t)

	// Only the status read happens; no update is issued.
	expectTenantRow(mockDB, domain.StatusDeleted, "x:y:z")

	err := svc.Reactivate(context.Background(), registryTenantID)
	assert.ErrorIs(t, err, errors.ErrConflict)
	mockDB.ExpectationsWereMet(t)
}

func TestGet_ServesFromCache(t *testing.T) {
	svc, mockDB := newRegistryService(t)

	// One database round trip; the second Get must hit the cache.
	expectTenantRow(mockDB, domain.StatusActive, "x:y:z")

	first, err := svc.Get(context.Background(), registryTenantID)
	require.NoError(t, err)

	second, err := svc.Get(context.Background(), registryTenantID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	mockDB.ExpectationsWereMet(t)
}
