package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/nwfth/partial-picking/internal/api"
	"github.com/nwfth/partial-picking/internal/auth"
	"github.com/nwfth/partial-picking/internal/config"
	"github.com/nwfth/partial-picking/internal/db"
	"github.com/nwfth/partial-picking/internal/queue"
	"github.com/nwfth/partial-picking/internal/services"
	"github.com/nwfth/partial-picking/internal/workers"
)

// retryPolicy is the exponential backoff used by both transactional
// engines: 2ms base, doubling to a 64ms cap, three retries.
var retryPolicy = services.RetryPolicy{
	BaseDelay:  2 * time.Millisecond,
	MaxDelay:   64 * time.Millisecond,
	MaxRetries: 3,
}

func main() {
	if err := godotenv.Load("../../.env"); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrations(cfg)
		return
	}

	database, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	database.SetMaxOpenConns(cfg.DatabaseMaxConnections)
	database.SetMaxIdleConns(cfg.DatabaseMaxIdleConnections)
	database.SetConnMaxLifetime(cfg.DatabaseConnectionLifetime)

	if err := database.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Database connection established")

	if cfg.RunMigrations {
		log.Println("Running database migrations...")
		if err := db.RunMigrations(database, "migrations"); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Println("Database migrations completed successfully")
	} else {
		log.Println("Skipping migrations (RUN_MIGRATIONS=false)")
	}

	queries := db.New(database)

	log.Println("Connecting to NATS...")
	natsManager, err := queue.NewManager(cfg.NATSURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsManager.Close()
	log.Println("NATS connection established")

	authManager, err := auth.NewManager(cfg, queries)
	if err != nil {
		log.Fatalf("Failed to initialize auth manager: %v", err)
	}

	validator := services.NewValidator(queries)
	runsEngine := services.NewRunProgressionEngine(queries)
	pickEngine := services.NewPickEngine(queries, validator, runsEngine, cfg.WarehouseLocation, retryPolicy)
	putawayEngine := services.NewPutawayEngine(queries, cfg.WarehouseLocation, retryPolicy)
	auditService := services.NewAuditService(queries)
	loginLimiter := services.NewLoginThrottle(cfg.LoginRatePerSecond, cfg.LoginRateBurst)
	queryLimiter := services.NewQueryConcurrencyLimiter(cfg.MaxConcurrentQueries)

	log.Println("Starting bulk unpick worker...")
	bulkUnpickWorker := workers.NewBulkUnpickWorker(natsManager, queries, pickEngine)
	if err := bulkUnpickWorker.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start bulk unpick worker: %v", err)
	}
	log.Println("Bulk unpick worker started")

	server := api.NewServer(cfg, queries, natsManager, database, authManager,
		validator, pickEngine, runsEngine, putawayEngine, auditService,
		loginLimiter, queryLimiter, bulkUnpickWorker)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AppPort),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %d (environment: %s)", cfg.AppPort, cfg.AppEnv)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped gracefully")
}

func runMigrations(cfg *config.Config) {
	database, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	log.Println("Running database migrations...")
	if err := db.RunMigrations(database, "migrations"); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations completed successfully")
}
