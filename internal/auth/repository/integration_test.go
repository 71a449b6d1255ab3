package repository_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finflow/finflow-backend/internal/auth/domain"
	"github.com/finflow/finflow-backend/internal/auth/repository"
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

func TestIntegration_EmailUniquePerScope(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	repo := repository.NewUserRepository(itDB)

	first := &domain.User{Email: "shared@dup.test", PasswordHash: "x", FullName: "First"}
	require.NoError(t, repo.Create(ctx, first))

	// A second lobby row with the same email violates the lobby index
	dup := &domain.User{Email: "shared@dup.test", PasswordHash: "x", FullName: "Dup"}
	require.Error(t, repo.Create(ctx, dup))

	// Once the first row is bound to a tenant, the email frees up in the lobby
	seeded, err := testutil.SeedTenant(ctx, itDB.DB, "Dup Org", "dup")
	require.NoError(t, err)
	require.NoError(t, repo.LinkTenant(ctx, first.ID, seeded.ID, "ADMIN"))

	second := &domain.User{Email: "shared@dup.test", PasswordHash: "y", FullName: "Second"}
	require.NoError(t, repo.Create(ctx, second))
}

func TestIntegration_GetByEmailPrefersLobbyRow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	repo := repository.NewUserRepository(itDB)

	bound := &domain.User{Email: "picky@dup.test", PasswordHash: "x", FullName: "Bound"}
	require.NoError(t, repo.Create(ctx, bound))

	seeded, err := testutil.SeedTenant(ctx, itDB.DB, "Picky Org", "picky")
	require.NoError(t, err)
	require.NoError(t, repo.LinkTenant(ctx, bound.ID, seeded.ID, "ADMIN"))

	lobby := &domain.User{Email: "picky@dup.test", PasswordHash: "y", FullName: "Lobby"}
	require.NoError(t, repo.Create(ctx, lobby))

	got, err := repo.GetByEmail(ctx, "picky@dup.test")
	require.NoError(t, err)
	assert.Equal(t, lobby.ID, got.ID, "the unbound row wins when the email recurs")
	assert.Nil(t, got.TenantID)
}
