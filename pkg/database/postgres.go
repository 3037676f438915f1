package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/voltchat/battery-plane/pkg/models"
)

// PostgresStore implements Store on top of the pgx connection pool.
// Per-user serialization relies on SELECT ... FOR UPDATE row locks: a debit
// and a concurrent credit for the same user queue on the balance row.
type PostgresStore struct {
	db *Database
}

// NewPostgresStore wraps an open database in the Store port.
func NewPostgresStore(db *Database) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx runs fn in a single pgx transaction, committing only when fn
// returns nil.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&postgresTx{tx: pgtx}); err != nil {
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*models.UserBalance, error) {
	var b models.UserBalance
	err := s.db.Pool.QueryRow(ctx, `
		SELECT user_id, total_balance, daily_allowance, COALESCE(last_daily_reset, ''), created_at, updated_at
		FROM user_balances
		WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.TotalBalance, &b.DailyAllowance, &b.LastDailyReset, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]models.BalanceTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, user_id, type, amount, balance_after, description,
		       COALESCE(external_payment_ref, ''), created_at
		FROM balance_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.BalanceTransaction
	for rows.Next() {
		var t models.BalanceTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter,
			&t.Description, &t.ExternalPaymentRef, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDailyUsage(ctx context.Context, userID, fromDay, toDay string) ([]models.DailyUsageSummary, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT user_id, day, total_credits_used, total_messages, models_used
		FROM daily_usage_summaries
		WHERE user_id = $1 AND day >= $2 AND day <= $3
		ORDER BY day
	`, userID, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	var out []models.DailyUsageSummary
	for rows.Next() {
		var d models.DailyUsageSummary
		var modelsRaw []byte
		if err := rows.Scan(&d.UserID, &d.Date, &d.TotalCreditsUsed, &d.TotalMessages, &modelsRaw); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		if len(modelsRaw) > 0 {
			if err := json.Unmarshal(modelsRaw, &d.ModelsUsed); err != nil {
				return nil, fmt.Errorf("failed to decode models_used: %w", err)
			}
		}
		if d.ModelsUsed == nil {
			d.ModelsUsed = map[string]int64{}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.Pool.QueryRow(ctx, `
		SELECT user_id, plan_id, external_customer_ref, external_subscription_ref,
		       status, current_period_start, current_period_end, billing_interval,
		       cancel_at, canceled_at, created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1
	`, userID).Scan(&sub.UserID, &sub.PlanID, &sub.ExternalCustomerRef, &sub.ExternalSubscriptionRef,
		&sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.BillingInterval,
		&sub.CancelAt, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) ListStaleAllowances(ctx context.Context, day string) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT user_id
		FROM user_balances
		WHERE daily_allowance > 0
		  AND (last_daily_reset IS NULL OR last_daily_reset <> $1)
	`, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale allowances: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) BalanceForUpdate(ctx context.Context, userID string) (*models.UserBalance, error) {
	// Lazy creation keeps checkBalance from ever failing on a new user.
	// The insert races benignly: ON CONFLICT DO NOTHING, then lock the row.
	_, err := t.tx.Exec(ctx, `
		INSERT INTO user_balances (user_id, total_balance, daily_allowance, created_at, updated_at)
		VALUES ($1, 0, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure balance row: %w", err)
	}

	var b models.UserBalance
	err = t.tx.QueryRow(ctx, `
		SELECT user_id, total_balance, daily_allowance, COALESCE(last_daily_reset, ''), created_at, updated_at
		FROM user_balances
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&b.UserID, &b.TotalBalance, &b.DailyAllowance, &b.LastDailyReset, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance row: %w", err)
	}
	return &b, nil
}

func (t *postgresTx) UpdateBalance(ctx context.Context, balance *models.UserBalance) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE user_balances
		SET total_balance = $2, daily_allowance = $3, last_daily_reset = NULLIF($4, ''), updated_at = NOW()
		WHERE user_id = $1
	`, balance.UserID, balance.TotalBalance, balance.DailyAllowance, balance.LastDailyReset)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (t *postgresTx) AppendTransaction(ctx context.Context, txn *models.BalanceTransaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balance_transactions (
			id, user_id, type, amount, balance_after, description,
			external_payment_ref, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, txn.ID, txn.UserID, txn.Type, txn.Amount, txn.BalanceAfter,
		txn.Description, txn.ExternalPaymentRef, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (t *postgresTx) AddDailyUsage(ctx context.Context, userID, day, model string, credits int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO daily_usage_summaries (user_id, day, total_credits_used, total_messages, models_used)
		VALUES ($1, $2, $3, 1, jsonb_build_object($4::text, 1))
		ON CONFLICT (user_id, day) DO UPDATE SET
			total_credits_used = daily_usage_summaries.total_credits_used + EXCLUDED.total_credits_used,
			total_messages = daily_usage_summaries.total_messages + 1,
			models_used = jsonb_set(
				daily_usage_summaries.models_used,
				ARRAY[$4::text],
				to_jsonb(COALESCE((daily_usage_summaries.models_used->>$4)::bigint, 0) + 1)
			)
	`, userID, day, credits, model)
	if err != nil {
		return fmt.Errorf("failed to upsert daily usage: %w", err)
	}
	return nil
}

func (t *postgresTx) SubscriptionForUpdate(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := t.tx.QueryRow(ctx, `
		SELECT user_id, plan_id, external_customer_ref, external_subscription_ref,
		       status, current_period_start, current_period_end, billing_interval,
		       cancel_at, canceled_at, created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&sub.UserID, &sub.PlanID, &sub.ExternalCustomerRef, &sub.ExternalSubscriptionRef,
		&sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.BillingInterval,
		&sub.CancelAt, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription row: %w", err)
	}
	return &sub, nil
}

func (t *postgresTx) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO subscriptions (
			user_id, plan_id, external_customer_ref, external_subscription_ref,
			status, current_period_start, current_period_end, billing_interval,
			cancel_at, canceled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			external_customer_ref = EXCLUDED.external_customer_ref,
			external_subscription_ref = EXCLUDED.external_subscription_ref,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			billing_interval = EXCLUDED.billing_interval,
			cancel_at = EXCLUDED.cancel_at,
			canceled_at = EXCLUDED.canceled_at,
			updated_at = NOW()
	`, sub.UserID, sub.PlanID, sub.ExternalCustomerRef, sub.ExternalSubscriptionRef,
		sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.BillingInterval,
		sub.CancelAt, sub.CanceledAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (t *postgresTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to persist webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
