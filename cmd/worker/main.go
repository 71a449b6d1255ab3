package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/finflow/finflow-backend/internal/connector"
	"github.com/finflow/finflow-backend/internal/invoice/etl"
	invoicerepo "github.com/finflow/finflow-backend/internal/invoice/repository"
	invoiceservice "github.com/finflow/finflow-backend/internal/invoice/service"
	tenantrepo "github.com/finflow/finflow-backend/internal/tenant/repository"
	tenantservice "github.com/finflow/finflow-backend/internal/tenant/service"
	"github.com/finflow/finflow-backend/pkg/audit"
	"github.com/finflow/finflow-backend/pkg/config"
	"github.com/finflow/finflow-backend/pkg/crypto"
	"github.com/finflow/finflow-backend/pkg/database"
	"github.com/finflow/finflow-backend/pkg/logger"
	"github.com/finflow/finflow-backend/pkg/messaging"
	"github.com/finflow/finflow-backend/pkg/tenant"
)

const syncInterval = 5 * time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadWithValidation("worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("worker", cfg.Server.Environment)
	log.Info().Msg("starting FinFlow intake worker")

	masterKey, err := crypto.ParseMasterKey(cfg.Auth.MasterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid master key")
	}

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeTenantEvents, "worker", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}
	auditPublisher, err := messaging.NewPublisher(rmq, messaging.ExchangeAuditEvents, "worker", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create audit event publisher")
	}

	auditor := audit.NewEmitter(auditPublisher, cfg.Audit.BufferSize, log)
	defer auditor.Close()

	registryRepo := tenantrepo.NewRegistryRepository(db, &cfg.Registry)
	registrySvc := tenantservice.NewRegistryService(registryRepo, masterKey)

	intakeSvc := invoiceservice.NewIntakeService(
		db,
		invoicerepo.NewInvoiceRepository(db),
		invoicerepo.NewQuarantineRepository(db),
		registrySvc,
		publisher,
		auditor,
		log,
	)

	// The static connector is the reference source; provider connectors
	// register here as they are built.
	connectors := connector.NewRegistry()
	if err := connectors.Register(connector.NewStatic(sampleRecords())); err != nil {
		log.Fatal().Err(err).Msg("failed to register connector")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("shutting down worker")
		cancel()
	}()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", syncInterval).Msg("worker running")

	for {
		syncAllTenants(ctx, log, registryRepo, connectors, intakeSvc)

		select {
		case <-ctx.Done():
			log.Info().Msg("worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// syncAllTenants runs every registered connector for every active tenant,
// each under its own SYSTEM_JOB scope.
func syncAllTenants(
	ctx context.Context,
	log *logger.Logger,
	registry *tenantrepo.RegistryRepository,
	connectors *connector.Registry,
	intake *invoiceservice.IntakeService,
) {
	var tenants []struct {
		ID         string
		SchemaName string
	}

	// Listing the registry needs a scope like any other database access
	listScope := tenant.NewSystemContext(tenant.RoleSystemReadonly, "", "")
	err := tenant.RunAs(ctx, listScope, func(ctx context.Context) error {
		active, err := registry.ListActive(ctx)
		if err != nil {
			return err
		}
		for _, t := range active {
			tenants = append(tenants, struct {
				ID         string
				SchemaName string
			}{t.ID, t.SchemaName})
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to list active tenants")
		return
	}

	for _, t := range tenants {
		if ctx.Err() != nil {
			return
		}

		scope := tenant.NewSystemContext(tenant.RoleSystemJob, t.ID, t.SchemaName)
		err := tenant.RunAs(ctx, scope, func(ctx context.Context) error {
			for _, connectorType := range connectors.Types() {
				c, err := connectors.Get(connectorType)
				if err != nil {
					return err
				}

				result, err := c.Sync(ctx, intake)
				if err != nil {
					return err
				}

				log.Info().
					Str("tenant_id", t.ID).
					Str("connector", connectorType).
					Int("total", result.Total).
					Int("synced", result.Synced).
					Int("quarantined", result.Quarantined).
					Msg("connector sync completed")
			}
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("tenant_id", t.ID).Msg("tenant sync failed")
		}
	}
}

// sampleRecords stages a small batch for the static connector. Upserts are
// keyed on external_id, so re-syncing the same batch is idempotent.
func sampleRecords() []etl.RawRecord {
	return []etl.RawRecord{
		{"external_id": "STATIC-1001", "customer_name": "Static Industries", "amount": 1250.00, "invoice_number": "INV-S1001"},
		{"external_id": "STATIC-1002", "customer_name": "Example Logistics", "amount": 480.25, "invoice_number": "INV-S1002", "status": "paid"},
	}
}
