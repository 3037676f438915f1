package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voltchat/battery-plane/internal/config"
	"github.com/voltchat/battery-plane/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the transactional port the ledger and the subscription state
// machine are written against. Implementations must make WithTx atomic:
// either every write inside fn is applied, or none is.
type Store interface {
	// WithTx runs fn inside a single storage transaction. The transaction
	// commits when fn returns nil and rolls back on every other exit path.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetBalance(ctx context.Context, userID string) (*models.UserBalance, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.BalanceTransaction, error)
	ListDailyUsage(ctx context.Context, userID, fromDay, toDay string) ([]models.DailyUsageSummary, error)
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	// ListStaleAllowances returns the IDs of users with a positive daily
	// allowance whose reset marker is not day.
	ListStaleAllowances(ctx context.Context, day string) ([]string, error)

	Health(ctx context.Context) error
	Close()
}

// Tx is the write surface available inside a storage transaction.
// Reads through Tx lock the row for the remainder of the transaction, so
// two concurrent debits for the same user serialize instead of both
// reading the same starting balance.
type Tx interface {
	// BalanceForUpdate returns the user's balance row locked for update,
	// creating it with a zero balance when absent.
	BalanceForUpdate(ctx context.Context, userID string) (*models.UserBalance, error)
	UpdateBalance(ctx context.Context, balance *models.UserBalance) error
	AppendTransaction(ctx context.Context, txn *models.BalanceTransaction) error
	// AddDailyUsage increments the user's summary row for day by one
	// message, credits units, and one use of model, creating it if needed.
	AddDailyUsage(ctx context.Context, userID, day, model string, credits int64) error
	SubscriptionForUpdate(ctx context.Context, userID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	// MarkEventProcessed records an external billing event ID and reports
	// whether this is its first delivery. Handlers skip re-applying work
	// when it returns false.
	MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

// Database wraps the PostgreSQL connection pool
type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabase creates a new database connection
func NewDatabase(cfg config.DatabaseConfig) (*Database, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
		cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Database{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health checks database health
func (db *Database) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
