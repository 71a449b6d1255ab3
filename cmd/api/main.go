package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	authhandler "github.com/finflow/finflow-backend/internal/auth/handler"
	authjwt "github.com/finflow/finflow-backend/internal/auth/jwt"
	authrepo "github.com/finflow/finflow-backend/internal/auth/repository"
	authservice "github.com/finflow/finflow-backend/internal/auth/service"
	"github.com/finflow/finflow-backend/internal/identity"
	invoicehandler "github.com/finflow/finflow-backend/internal/invoice/handler"
	invoicerepo "github.com/finflow/finflow-backend/internal/invoice/repository"
	invoiceservice "github.com/finflow/finflow-backend/internal/invoice/service"
	tenanthandler "github.com/finflow/finflow-backend/internal/tenant/handler"
	tenantrepo "github.com/finflow/finflow-backend/internal/tenant/repository"
	tenantservice "github.com/finflow/finflow-backend/internal/tenant/service"
	"github.com/finflow/finflow-backend/pkg/audit"
	"github.com/finflow/finflow-backend/pkg/config"
	"github.com/finflow/finflow-backend/pkg/crypto"
	"github.com/finflow/finflow-backend/pkg/database"
	"github.com/finflow/finflow-backend/pkg/httputil"
	"github.com/finflow/finflow-backend/pkg/logger"
	"github.com/finflow/finflow-backend/pkg/messaging"
	"github.com/finflow/finflow-backend/pkg/tenant"
)

func main() {
	// Load .env in development; ignored when the file is absent
	_ = godotenv.Load()

	// Load configuration with validation (fails fast if key material is missing)
	cfg, err := config.LoadWithValidation("api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("api", cfg.Server.Environment)
	log.Info().Msg("starting FinFlow API")

	// Parse the envelope master key
	masterKey, err := crypto.ParseMasterKey(cfg.Auth.MasterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid master key")
	}

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Connect to RabbitMQ
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	tenantPublisher, err := messaging.NewPublisher(rmq, messaging.ExchangeTenantEvents, "api", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create tenant event publisher")
	}
	auditPublisher, err := messaging.NewPublisher(rmq, messaging.ExchangeAuditEvents, "api", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create audit event publisher")
	}

	auditor := audit.NewEmitter(auditPublisher, cfg.Audit.BufferSize, log)
	defer auditor.Close()

	// Initialize components
	jwtManager := authjwt.NewManager(&cfg.Auth)

	registryRepo := tenantrepo.NewRegistryRepository(db, &cfg.Registry)
	registrySvc := tenantservice.NewRegistryService(registryRepo, masterKey)

	userRepo := authrepo.NewUserRepository(db)
	authSvc := authservice.NewAuthService(userRepo, jwtManager, registrySvc, log)

	provisioningSvc := tenantservice.NewProvisioningService(
		db, registryRepo, userRepo, jwtManager, masterKey, tenantPublisher, auditor, log)

	invoiceRepo := invoicerepo.NewInvoiceRepository(db)
	quarantineRepo := invoicerepo.NewQuarantineRepository(db)
	intakeSvc := invoiceservice.NewIntakeService(
		db, invoiceRepo, quarantineRepo, registrySvc, tenantPublisher, auditor, log)

	resolver := identity.NewResolver(jwtManager, registrySvc, userRepo, &cfg.Auth, log)

	authHandler := authhandler.NewAuthHandler(authSvc, log)
	tenantHandler := tenanthandler.NewTenantHandler(provisioningSvc, registrySvc, log)
	invoiceHandler := invoicehandler.NewInvoiceHandler(intakeSvc, log)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "api",
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	// Public auth routes
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(resolver.Middleware)

		r.Route("/api/v1/tenants", func(r chi.Router) {
			r.With(identity.RequireLobby).Post("/setup", tenantHandler.Setup)

			r.Group(func(r chi.Router) {
				r.Use(identity.RequireTenant)
				r.Use(identity.RequireRole(tenant.RoleAdmin))
				r.Get("/{id}", tenantHandler.Get)
				r.Post("/{id}/suspend", tenantHandler.Suspend)
				r.Post("/{id}/reactivate", tenantHandler.Reactivate)
			})
		})

		r.Route("/api/v1/invoices", func(r chi.Router) {
			r.Use(identity.RequireTenant)
			r.Get("/", invoiceHandler.List)
			r.Post("/", invoiceHandler.Intake)
			r.Post("/intake", invoiceHandler.Intake)
		})

		r.Route("/api/v1/quarantine", func(r chi.Router) {
			r.Use(identity.RequireTenant)
			r.Get("/", invoiceHandler.ListQuarantine)
			r.Post("/retry", invoiceHandler.RetryBatch)
			r.Post("/{id}/retry", invoiceHandler.Retry)
		})
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
