package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fanlume/pointscore/internal/core/auth"
	"github.com/fanlume/pointscore/internal/core/idempotency"
	idempotencypg "github.com/fanlume/pointscore/internal/core/idempotency/postgres"
	ledgerpg "github.com/fanlume/pointscore/internal/core/ledger/postgres"
	ledgerservice "github.com/fanlume/pointscore/internal/core/ledger/service"
	reservationpg "github.com/fanlume/pointscore/internal/core/reservation/postgres"
	reservationservice "github.com/fanlume/pointscore/internal/core/reservation/service"
	walletpg "github.com/fanlume/pointscore/internal/core/wallet/postgres"
	walletservice "github.com/fanlume/pointscore/internal/core/wallet/service"
	"github.com/fanlume/pointscore/internal/infra/postgres"
	infraRedis "github.com/fanlume/pointscore/internal/infra/redis"
	"github.com/fanlume/pointscore/internal/platform/balancecache"
	"github.com/fanlume/pointscore/internal/platform/events"
	"github.com/fanlume/pointscore/internal/platform/ingest"
	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
	"github.com/fanlume/pointscore/internal/transport/httpapi"
	"github.com/fanlume/pointscore/internal/transport/httpapi/handler"
	"github.com/fanlume/pointscore/pkg/config"
	"github.com/fanlume/pointscore/pkg/logger"
)

func main() {
	// Create context that listens for termination signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewDefault(cfg.Env)
	log.Info("Starting points core service",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	// Initialize database connection pool and apply the schema
	db, err := postgres.NewPool(ctx, postgres.Config{URL: cfg.DatabaseURL})
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Error("Failed to apply schema", "error", err)
		os.Exit(1)
	}
	log.Info("Database connection established")

	// Initialize Redis client for the idempotency result cache. The service
	// degrades to database-only dedup when Redis is unreachable.
	var resultCache idempotency.ResultCache
	var redisPing handler.Pinger
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("Redis unreachable, idempotency cache disabled", "error", err)
	} else {
		resultCache = infraRedis.NewIdempotencyCache(redisClient, log)
		redisPing = redisPinger{client: redisClient}
		log.Info("Redis connection established")
	}

	// Initialize repositories
	walletRepo := walletpg.NewWalletRepository(db.Pool)
	ledgerRepo := ledgerpg.NewLedgerRepository(db.Pool)
	reservationRepo := reservationpg.NewReservationRepository(db.Pool)
	idempotencyRepo := idempotencypg.NewStore(db.Pool)
	ingestStore := ingest.NewPostgresStore(db.Pool)

	// Initialize the event bus and the balance snapshot cache
	bus := events.NewBus(events.Config{
		DedupTTL:       cfg.EventDedupTTL,
		HandlerRetries: cfg.EventHandlerRetries,
	}, log)

	cache := balancecache.New(balancecache.Config{
		Size: cfg.BalanceCacheSize,
		TTL:  cfg.BalanceCacheTTL,
	}, log)
	cache.Attach(bus)

	// Initialize core services
	idempotencySvc := idempotency.NewService(idempotencyRepo, resultCache, idempotency.Config{
		OperationalTTL: cfg.IdempotencyTTL,
		Retention:      cfg.IdempotencyRetention,
	}, log)
	// Ingest event IDs and paired-entry keys are UUIDs with suffixes
	idempotencySvc.SetKeyValidator(idempotency.DerivedKeyValidator)

	ledgerSvc := ledgerservice.NewLedgerService(ledgerRepo, walletRepo, cfg.DefaultCurrency, log)
	ledgerSvc.SetEventPublisher(bus)

	engine := walletservice.NewEscrowEngine(walletRepo, ledgerSvc, idempotencySvc, bus, walletservice.Config{
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		RetryBackoff:     cfg.RetryBackoff,
	}, log)

	reservationSvc := reservationservice.NewReservationService(reservationRepo, walletRepo, ledgerSvc, idempotencySvc, bus, reservationservice.Config{
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		RetryBackoff:     cfg.RetryBackoff,
		DefaultTTL:       cfg.ReservationDefaultTTL,
	}, log)

	sweeper := reservationservice.NewSweeper(reservationSvc, reservationservice.SweeperConfig{
		Interval: cfg.ReservationSweepEvery,
	}, log)

	capabilitySvc := auth.NewCapabilityService(cfg.QueueTokenSecret, cfg.CapabilityTokenTTL)
	identityVerifier := auth.NewIdentityVerifier(cfg.IdentityTokenSecret)

	// Initialize the ingest worker and bind event handlers
	worker := ingest.NewWorker(ingestStore, idempotencySvc, ingest.Config{
		PollInterval:      cfg.IngestPollInterval,
		MaxConcurrentJobs: cfg.IngestMaxConcurrent,
		MaxRetryAttempts:  cfg.IngestMaxRetries,
		InitialRetryDelay: cfg.IngestInitialDelay,
		MaxRetryDelay:     cfg.IngestMaxDelay,
		BackoffMultiplier: cfg.IngestBackoffMultiple,
	}, log)

	worker.RegisterHandler("queue_item_expired", expiredQueueItemHandler(engine))
	log.Info("Registered queue item expiry handler")

	// Initialize HTTP handlers
	escrowHandler := handler.NewEscrowHandler(engine, capabilitySvc)
	balanceHandler := handler.NewBalanceHandler(engine, cache)
	ledgerHandler := handler.NewLedgerHandler(ledgerSvc)
	reservationHandler := handler.NewReservationHandler(reservationSvc)
	adminHandler := handler.NewAdminHandler(worker, ingestStore)
	webhookHandler := handler.NewWebhookHandler(worker)
	healthHandler := handler.NewHealthHandler(db.Pool, redisPing)

	// Determine allowed origins for CORS
	allowedOrigins := []string{"http://localhost:5173"}
	if cfg.IsProduction() {
		if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
			allowedOrigins = []string{origins}
		}
	}

	// Create HTTP router
	r := httpapi.NewRouter(httpapi.Config{
		Logger:             log,
		AllowedOrigins:     allowedOrigins,
		WebhookSecret:      cfg.WebhookSecret,
		EscrowHandler:      escrowHandler,
		BalanceHandler:     balanceHandler,
		LedgerHandler:      ledgerHandler,
		ReservationHandler: reservationHandler,
		AdminHandler:       adminHandler,
		WebhookHandler:     webhookHandler,
		HealthHandler:      healthHandler,
		IdentityVerifier:   identityVerifier,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start background components
	bus.Start()
	worker.Start(ctx)
	sweeper.Start(ctx)
	log.Info("Background workers started")

	// Start server in a goroutine
	go func() {
		log.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for termination signal
	<-ctx.Done()
	log.Info("Shutdown signal received")

	// Stop intake first, then drain workers, then the bus
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", "error", err)
	}

	worker.Stop()
	sweeper.Stop()
	bus.Stop()

	log.Info("Server stopped gracefully")
}

// expiredQueueItemHandler refunds the escrow behind an expired queue item.
// The derived idempotency key makes event redelivery a no-op.
func expiredQueueItemHandler(engine *walletservice.EscrowEngine) ingest.Handler {
	return func(ctx context.Context, event *ingest.Event) error {
		escrowID, ok := event.Payload["escrow_id"].(string)
		if !ok || escrowID == "" {
			return ingest.NonRetryable(fmt.Errorf("event %s has no escrow_id", event.EventID))
		}

		_, err := engine.RefundEscrow(ctx, walletservice.RefundEscrowRequest{
			IdempotencyKey: event.EventID + "_refund",
			EscrowID:       escrowID,
			Reason:         "queue_item_expired",
			CorrelationID:  event.EventID,
		})
		switch {
		case err == nil:
			return nil
		case apperrors.HasCode(err, apperrors.ErrCodeEscrowAlreadyProcessed):
			// The settlement or an earlier refund won; nothing left to do.
			return nil
		case apperrors.HasCode(err, apperrors.ErrCodeEscrowNotFound):
			return ingest.NonRetryable(err)
		default:
			return err
		}
	}
}

// redisPinger adapts the redis client to the health Pinger interface
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
