package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"

	cfg "github.com/coinloft/crypto-custody-app/backend/config"
	"github.com/coinloft/crypto-custody-app/backend/internal/handlers"
	"github.com/coinloft/crypto-custody-app/backend/internal/usecases"
	"github.com/coinloft/crypto-custody-app/backend/internal/usecases/repository"
	"github.com/coinloft/crypto-custody-app/backend/internal/workers"
	"github.com/coinloft/crypto-custody-app/backend/pkg/database"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// Server timeout constants.
const (
	readTimeoutSeconds     = 15
	writeTimeoutSeconds    = 15
	idleTimeoutSeconds     = 60
	shutdownTimeoutSeconds = 5
)

func main() {
	time.Local = time.UTC

	// Parse configuration
	config, err := cfg.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	// Setup logging
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if config.App.Debug {
		opts.Level = slog.LevelDebug
	}

	ctx := context.Background()

	migrationsPath := "./migrations"
	if workDir, err := os.Getwd(); err == nil {
		if _, err := os.Stat(filepath.Join(workDir, "migrations")); !os.IsNotExist(err) {
			migrationsPath = filepath.Join(workDir, "migrations")
		} else if _, err := os.Stat(filepath.Join(workDir, "..", "migrations")); !os.IsNotExist(err) {
			migrationsPath = filepath.Join(workDir, "..", "migrations")
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, opts))
	logger.Warn("Starting application with configuration",
		"debug", config.App.Debug,
		"environment", config.App.Environment,
		"server_port", config.HTTP.Port,
		"database_url", config.DB.DatabaseURL)

	// Connect to Database
	pg, err := database.New(config,
		database.MaxPoolSize(config.DB.PoolMax),
		database.ConnTimeout(config.DB.ConnectTimeout),
		database.HealthCheckPeriod(config.DB.HealthCheckPeriod),
		database.Isolation(pgx.ReadCommitted),
	)
	if err != nil {
		slog.Error("postgres connection failed", slog.String("error", err.Error()))
		return
	}
	defer pg.Close()

	// Run database migrations
	logger.Info("Running database migrations", "path", migrationsPath)
	if err = database.RunMigrations(logger, config.DB.DatabaseURL, migrationsPath); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		log.Fatal(err)
	}
	logger.Info("Database migrations completed successfully")

	// Create repositories
	depositsRepository := repository.NewDepositsRepository(logger, pg)
	walletsRepository := repository.NewWalletsRepository(logger, pg)
	policiesRepository := repository.NewConfirmationPoliciesRepository(logger, pg)
	rulesRepository := repository.NewApprovalRulesRepository(logger, pg)
	auditRepository := repository.NewAuditRepository(logger, pg)

	// Create services
	depositService := usecases.NewDepositService(logger, depositsRepository)
	walletService := usecases.NewWalletService(logger, walletsRepository)
	auditService := usecases.NewAuditService(logger, auditRepository)

	// Confirmation policies and approval rules are loaded once; a change
	// requires a restart.
	policies, err := policiesRepository.LoadEnabled(ctx)
	if err != nil {
		logger.Error("Failed to load confirmation policies", "error", err)
		log.Fatal(err)
	}

	rules, err := rulesRepository.LoadAll(ctx)
	if err != nil {
		logger.Error("Failed to load approval rules", "error", err)
		log.Fatal(err)
	}

	logger.Info("Pipeline configuration loaded",
		"confirmation_policies", len(policies),
		"approval_rules", len(rules))

	staleness := time.Duration(config.Workers.StalenessWindowHours) * time.Hour
	scanTimeout := time.Duration(config.Workers.ScanTimeoutSeconds) * time.Second

	// Initialize chain detectors; chains without credentials are skipped
	detectorList := workers.InitializeDetectors(logger, config.Chains, walletService, staleness)

	detectionManager := workers.NewDepositDetectionManager(
		logger, depositService, policies, scanTimeout, detectorList)

	confirmationManager := workers.NewDepositConfirmationManager(
		logger, depositService, auditService, policies, rules)

	// Start workers
	detectionManager.Start()
	defer detectionManager.Stop()

	confirmationScheduler := workers.NewConfirmationScheduler(
		logger,
		confirmationManager,
		time.Duration(config.Workers.ConfirmationIntervalSeconds)*time.Second,
	)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	go confirmationScheduler.Start(workerCtx)

	// Create handlers
	httpHandler := handlers.NewHTTPHandler(logger, depositService, detectionManager, confirmationManager)

	// Create router
	router := mux.NewRouter()
	httpHandler.RegisterRoutes(router)

	// Configure CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	// Wrap router in CORS middleware
	handler := c.Handler(router)

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         ":" + config.HTTP.Port,
		Handler:      handler,
		ReadTimeout:  readTimeoutSeconds * time.Second,
		WriteTimeout: writeTimeoutSeconds * time.Second,
		IdleTimeout:  idleTimeoutSeconds * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting server", "address", server.Addr)
		if err = server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			log.Fatal(err)
		}
	}()

	// Set up graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	stopWorkers()
	detectionManager.Stop()

	// Give 5 seconds to complete current requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
	defer cancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return
	}

	logger.Info("Server exited properly")
}
