package testdb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	infra "github.com/fanlume/pointscore/internal/infra/postgres"
)

// TestDB is a disposable PostgreSQL instance with the full schema applied
type TestDB struct {
	Container *tcpostgres.PostgresContainer
	DB        *infra.DB
	Pool      *pgxpool.Pool
	ConnStr   string
}

// NewTestDB starts a PostgreSQL container and applies the embedded schema
func NewTestDB(ctx context.Context) (*TestDB, error) {
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("pointscore_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	db, err := infra.NewPool(ctx, infra.Config{URL: connStr})
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &TestDB{
		Container: container,
		DB:        db,
		Pool:      db.Pool,
		ConnStr:   connStr,
	}, nil
}

// Reset truncates every table so a test starts from an empty ledger
func (db *TestDB) Reset(ctx context.Context) error {
	// Reverse dependency order
	tables := []string{
		"ledger_repair_journal",
		"dlq_events",
		"ingest_events",
		"points_reservations",
		"idempotency_records",
		"ledger_entries",
		"escrow_items",
		"model_wallets",
		"wallets",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}

	return nil
}

// Close closes the pool and terminates the container
func (db *TestDB) Close(ctx context.Context) error {
	if db.DB != nil {
		db.DB.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}
