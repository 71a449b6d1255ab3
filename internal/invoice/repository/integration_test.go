package repository_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finflow/finflow-backend/internal/invoice/domain"
	"github.com/finflow/finflow-backend/internal/invoice/repository"
	"github.com/finflow/finflow-backend/pkg/crypto"
	"github.com/finflow/finflow-backend/pkg/database"
	"github.com/finflow/finflow-backend/pkg/logger"
	"github.com/finflow/finflow-backend/pkg/testutil"
)

var itDB *database.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx, testutil.DefaultPostgresConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	db, err := container.Connect(ctx)
	if err != nil {
		container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}

	if err := container.CreateRegistrySchema(ctx, db); err != nil {
		container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to create registry schema: %v\n", err)
		os.Exit(1)
	}

	itDB = database.NewFromSqlx(db, logger.New("integration-test", "test"))

	code := m.Run()
	container.Terminate(ctx)
	os.Exit(code)
}

func encrypted(t *testing.T, value string, secret []byte) string {
	t.Helper()
	blob, err := crypto.EncryptField(value, secret)
	require.NoError(t, err)
	return blob
}

func TestIntegration_InvoiceUpsertRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	seeded, err := testutil.SeedTenant(ctx, itDB.DB, "Roundtrip Org", "roundtrip")
	require.NoError(t, err)
	scoped := testutil.ScopedContext(seeded.ID, seeded.SchemaName)

	repo := repository.NewInvoiceRepository(itDB)

	invoices := []domain.Invoice{
		{
			ID:            uuid.New().String(),
			ExternalID:    "EXT-1",
			CustomerName:  encrypted(t, "Acme Corp", seeded.Secret),
			InvoiceNumber: encrypted(t, "INV-001", seeded.Secret),
			Amount:        1200.50,
			Currency:      "USD",
			Status:        domain.StatusPending,
			Metadata:      []byte(`{}`),
			IsEncrypted:   true,
		},
	}
	require.NoError(t, repo.BulkUpsert(scoped, invoices))

	got, err := repo.GetByExternalID(scoped, "EXT-1")
	require.NoError(t, err)
	assert.InDelta(t, 1200.50, got.Amount, 0.001)

	name, err := crypto.DecryptField(got.CustomerName, seeded.Secret)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", name)

	// Upserting the same external id updates in place
	invoices[0].Amount = 999.99
	invoices[0].Status = domain.StatusPaid
	require.NoError(t, repo.BulkUpsert(scoped, invoices))

	list, err := repo.List(scoped)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.InDelta(t, 999.99, list[0].Amount, 0.001)
	assert.Equal(t, domain.StatusPaid, list[0].Status)
}

func TestIntegration_TenantIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	alpha, err := testutil.SeedTenant(ctx, itDB.DB, "Alpha Org", "alpha")
	require.NoError(t, err)
	beta, err := testutil.SeedTenant(ctx, itDB.DB, "Beta Org", "beta")
	require.NoError(t, err)

	alphaCtx := testutil.ScopedContext(alpha.ID, alpha.SchemaName)
	betaCtx := testutil.ScopedContext(beta.ID, beta.SchemaName)

	repo := repository.NewInvoiceRepository(itDB)

	require.NoError(t, repo.BulkUpsert(alphaCtx, []domain.Invoice{{
		ID:            uuid.New().String(),
		ExternalID:    "ALPHA-1",
		CustomerName:  encrypted(t, "Alpha Client", alpha.Secret),
		InvoiceNumber: encrypted(t, "INV-A1", alpha.Secret),
		Amount:        100,
		Currency:      "USD",
		Status:        domain.StatusPending,
		Metadata:      []byte(`{}`),
		IsEncrypted:   true,
	}}))

	// The same external id is invisible from the other tenant's scope
	_, err = repo.GetByExternalID(betaCtx, "ALPHA-1")
	require.Error(t, err)

	betaList, err := repo.List(betaCtx)
	require.NoError(t, err)
	assert.Empty(t, betaList)

	alphaList, err := repo.List(alphaCtx)
	require.NoError(t, err)
	assert.Len(t, alphaList, 1)
}

func TestIntegration_QuarantineLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	seeded, err := testutil.SeedTenant(ctx, itDB.DB, "Quarantine Org", "quarantine")
	require.NoError(t, err)
	scoped := testutil.ScopedContext(seeded.ID, seeded.SchemaName)

	repo := repository.NewQuarantineRepository(itDB)

	recID := uuid.New().String()
	err = itDB.WithTenantTx(scoped, func(txCtx context.Context) error {
		return repo.InsertInTx(txCtx, []domain.QuarantineRecord{{
			ID:         recID,
			SourceType: "csv_upload",
			RawData:    []byte(`{"external_id":"EXT-9","amount":"oops"}`),
			Errors:     domain.ErrorList{"amount must be numeric"},
		}})
	})
	require.NoError(t, err)

	pending, err := repo.ListPending(scoped)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ErrorList{"amount must be numeric"}, pending[0].Errors)

	got, err := repo.GetByID(scoped, recID)
	require.NoError(t, err)
	assert.Equal(t, "csv_upload", got.SourceType)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, time.Minute)

	err = itDB.WithTenantTx(scoped, func(txCtx context.Context) error {
		return repo.DeleteByIDs(txCtx, []string{recID})
	})
	require.NoError(t, err)

	_, err = repo.GetByID(scoped, recID)
	require.Error(t, err)

	pending, err = repo.ListPending(scoped)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
