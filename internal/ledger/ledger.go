package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/voltchat/battery-plane/internal/pricing"
	"github.com/voltchat/battery-plane/pkg/database"
	"github.com/voltchat/battery-plane/pkg/events"
	"github.com/voltchat/battery-plane/pkg/metrics"
	"github.com/voltchat/battery-plane/pkg/models"
	"go.uber.org/zap"
)

// Ledger is the transactional core of battery metering. Every mutation of
// a user's balance goes through one storage transaction that also appends
// the audit transaction row (and, for debits, the daily usage summary), so
// a partial write cannot occur.
type Ledger struct {
	store    database.Store
	prices   *pricing.Table
	logger   *zap.Logger
	eventBus *events.Bus
}

// New creates a ledger over the given store and price table.
func New(store database.Store, prices *pricing.Table, logger *zap.Logger, eventBus *events.Bus) *Ledger {
	return &Ledger{
		store:    store,
		prices:   prices,
		logger:   logger,
		eventBus: eventBus,
	}
}

// BalanceCheck is the result of a pre-flight balance check.
type BalanceCheck struct {
	HasBalance     bool  `json:"has_balance"`
	CurrentBalance int64 `json:"current_balance"`
	EstimatedCost  int64 `json:"estimated_cost"`
	DailyAllowance int64 `json:"daily_allowance"`
}

// DebitResult reports a completed usage debit.
type DebitResult struct {
	Cost       int64 `json:"cost"`
	NewBalance int64 `json:"new_balance"`
}

// CheckBalance estimates the cost of a pending call and reports whether
// the user can afford it. The user's balance row is created lazily with a
// zero balance, so this never fails for an unknown user.
func (l *Ledger) CheckBalance(ctx context.Context, userID, model string, estimatedTokens int64) (*BalanceCheck, error) {
	estimated := l.prices.Cost(model, estimatedTokens, 0, false)

	var check *BalanceCheck
	err := l.store.WithTx(ctx, func(tx database.Tx) error {
		balance, err := tx.BalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		check = &BalanceCheck{
			HasBalance:     balance.TotalBalance >= estimated,
			CurrentBalance: balance.TotalBalance,
			EstimatedCost:  estimated,
			DailyAllowance: balance.DailyAllowance,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check balance: %w", err)
	}
	return check, nil
}

// RecordUsage prices a completed AI call and debits the user atomically.
// Returns ErrInsufficientBalance (with no state change) when the balance
// does not cover the cost.
func (l *Ledger) RecordUsage(ctx context.Context, usage *models.UsageEvent) (*DebitResult, error) {
	cost := l.prices.Cost(usage.Model, usage.InputTokens, usage.OutputTokens, usage.Cached)
	description := fmt.Sprintf("%s usage (%d in / %d out tokens)", usage.Model, usage.InputTokens, usage.OutputTokens)
	return l.Debit(ctx, usage.UserID, cost, usage.Model, description)
}

// Debit charges cost units against the user's balance. The balance update,
// the usage transaction, and the daily summary increment share one storage
// transaction.
func (l *Ledger) Debit(ctx context.Context, userID string, cost int64, model, description string) (*DebitResult, error) {
	if cost < 0 {
		return nil, fmt.Errorf("debit cost must not be negative, got %d", cost)
	}

	now := time.Now().UTC()
	day := models.Day(now)

	var result *DebitResult
	err := l.store.WithTx(ctx, func(tx database.Tx) error {
		balance, err := tx.BalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		if cost > balance.TotalBalance {
			return &InsufficientBalanceError{UserID: userID, Balance: balance.TotalBalance, Cost: cost}
		}

		// Zero-cost usage (local models) still counts toward the daily
		// summary but produces no ledger entry.
		if cost > 0 {
			balance.TotalBalance -= cost
			if err := tx.UpdateBalance(ctx, balance); err != nil {
				return err
			}

			if err := tx.AppendTransaction(ctx, &models.BalanceTransaction{
				ID:           uuid.NewString(),
				UserID:       userID,
				Type:         models.TransactionUsage,
				Amount:       -cost,
				BalanceAfter: balance.TotalBalance,
				Description:  description,
				CreatedAt:    now,
			}); err != nil {
				return err
			}
		}

		if err := tx.AddDailyUsage(ctx, userID, day, model, cost); err != nil {
			return err
		}

		result = &DebitResult{Cost: cost, NewBalance: balance.TotalBalance}
		return nil
	})
	if err != nil {
		var insufficient *InsufficientBalanceError
		if errors.As(err, &insufficient) {
			metrics.InsufficientTotal.Inc()
			l.logger.Info("debit rejected for insufficient balance",
				zap.String("user_id", userID),
				zap.String("model", model),
				zap.Int64("balance", insufficient.Balance),
				zap.Int64("cost", insufficient.Cost),
			)
			l.publish(ctx, events.NewEvent(events.EventBatteryInsufficient, userID, map[string]interface{}{
				"model":   model,
				"balance": insufficient.Balance,
				"cost":    insufficient.Cost,
			}))
			return nil, err
		}
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}

	metrics.RecordDebit(model, cost)
	l.logger.Debug("debited battery",
		zap.String("user_id", userID),
		zap.String("model", model),
		zap.Int64("cost", cost),
		zap.Int64("new_balance", result.NewBalance),
	)
	l.publish(ctx, events.NewEvent(events.EventBatteryDebited, userID, map[string]interface{}{
		"model":       model,
		"cost":        cost,
		"new_balance": result.NewBalance,
	}))

	return result, nil
}

// Credit adds amount units to the user's balance and appends the matching
// transaction atomically.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, txType models.TransactionType, description, externalRef string) (int64, error) {
	var newBalance int64
	err := l.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		newBalance, err = ApplyCredit(ctx, tx, userID, amount, txType, description, externalRef)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to credit balance: %w", err)
	}

	metrics.RecordCredit(string(txType))
	l.logger.Info("credited battery",
		zap.String("user_id", userID),
		zap.String("type", string(txType)),
		zap.Int64("amount", amount),
		zap.Int64("new_balance", newBalance),
	)
	l.publish(ctx, events.NewEvent(events.EventBatteryCredited, userID, map[string]interface{}{
		"type":        string(txType),
		"amount":      amount,
		"new_balance": newBalance,
	}))

	return newBalance, nil
}

// ApplyCredit performs a credit inside an existing storage transaction.
// The subscription state machine uses this to keep a grant and the
// subscription upsert in one atomic unit.
func ApplyCredit(ctx context.Context, tx database.Tx, userID string, amount int64, txType models.TransactionType, description, externalRef string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	balance, err := tx.BalanceForUpdate(ctx, userID)
	if err != nil {
		return 0, err
	}

	balance.TotalBalance += amount
	if err := tx.UpdateBalance(ctx, balance); err != nil {
		return 0, err
	}

	if err := tx.AppendTransaction(ctx, &models.BalanceTransaction{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Type:               txType,
		Amount:             amount,
		BalanceAfter:       balance.TotalBalance,
		Description:        description,
		ExternalPaymentRef: externalRef,
		CreatedAt:          time.Now().UTC(),
	}); err != nil {
		return 0, err
	}

	return balance.TotalBalance, nil
}

// Balance returns the user's current balance. Unknown users read as a
// zero balance without creating a row.
func (l *Ledger) Balance(ctx context.Context, userID string) (*models.UserBalance, error) {
	balance, err := l.store.GetBalance(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return &models.UserBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// Transactions returns the user's most recent ledger entries.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]models.BalanceTransaction, error) {
	return l.store.ListTransactions(ctx, userID, limit)
}

// UsageHistory returns daily summaries for an inclusive day range.
func (l *Ledger) UsageHistory(ctx context.Context, userID, fromDay, toDay string) ([]models.DailyUsageSummary, error) {
	return l.store.ListDailyUsage(ctx, userID, fromDay, toDay)
}

func (l *Ledger) publish(ctx context.Context, event events.Event) {
	if l.eventBus == nil {
		return
	}
	if err := l.eventBus.Publish(ctx, event); err != nil {
		l.logger.Warn("failed to publish ledger event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}
