package reset

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/voltchat/battery-plane/pkg/database"
	"github.com/voltchat/battery-plane/pkg/events"
	"github.com/voltchat/battery-plane/pkg/metrics"
	"github.com/voltchat/battery-plane/pkg/models"
	"go.uber.org/zap"
)

const allowanceDescription = "Daily battery allowance"

// Scheduler tops up standing balances with each user's daily allowance,
// once per user per UTC day. The allowance is additive into the balance,
// which is what makes unused allowance roll over.
type Scheduler struct {
	store    database.Store
	logger   *zap.Logger
	eventBus *events.Bus
	interval time.Duration
}

// NewScheduler creates a daily reset scheduler that sweeps every interval.
func NewScheduler(store database.Store, logger *zap.Logger, eventBus *events.Bus, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    store,
		logger:   logger,
		eventBus: eventBus,
		interval: interval,
	}
}

// Start runs the sweep loop until ctx is canceled. The first sweep runs
// immediately so a restart does not delay overdue resets.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()

	s.logger.Info("started daily reset scheduler",
		zap.Duration("interval", s.interval),
	)
}

func (s *Scheduler) sweep(ctx context.Context) {
	day := models.Day(time.Now())
	updated, err := s.ResetDailyAllowances(ctx, day)
	if err != nil {
		s.logger.Error("daily reset sweep failed", zap.Error(err))
		return
	}
	if updated > 0 {
		s.logger.Info("daily reset sweep complete",
			zap.String("day", day),
			zap.Int("users_updated", updated),
		)
	}
}

// ResetDailyAllowances credits the daily allowance to every user whose
// reset marker is not day, and moves the marker. Idempotent: a second run
// for the same day finds no stale markers and is a no-op. Each user is
// processed in its own storage transaction, so the sweep serializes with
// concurrent debits per user but users proceed independently.
func (s *Scheduler) ResetDailyAllowances(ctx context.Context, day string) (int, error) {
	userIDs, err := s.store.ListStaleAllowances(ctx, day)
	if err != nil {
		return 0, err
	}

	metrics.DailyResetRuns.Inc()

	updated := 0
	for _, userID := range userIDs {
		credited, err := s.resetUser(ctx, userID, day)
		if err != nil {
			s.logger.Error("failed to reset daily allowance",
				zap.String("user_id", userID),
				zap.String("day", day),
				zap.Error(err),
			)
			continue
		}
		if credited > 0 {
			updated++
		}
	}

	metrics.DailyResetUsersUpdated.Add(float64(updated))
	return updated, nil
}

func (s *Scheduler) resetUser(ctx context.Context, userID, day string) (int64, error) {
	var credited int64
	err := s.store.WithTx(ctx, func(tx database.Tx) error {
		balance, err := tx.BalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		// Re-check under the row lock: a concurrent sweep may have won.
		if balance.DailyAllowance <= 0 || balance.LastDailyReset == day {
			return nil
		}

		credited = balance.DailyAllowance
		balance.TotalBalance += credited
		balance.LastDailyReset = day
		if err := tx.UpdateBalance(ctx, balance); err != nil {
			return err
		}

		return tx.AppendTransaction(ctx, &models.BalanceTransaction{
			ID:           uuid.NewString(),
			UserID:       userID,
			Type:         models.TransactionSubscription,
			Amount:       credited,
			BalanceAfter: balance.TotalBalance,
			Description:  allowanceDescription,
			CreatedAt:    time.Now().UTC(),
		})
	})
	if err != nil {
		return 0, err
	}

	if credited > 0 {
		metrics.RecordCredit(string(models.TransactionSubscription))
		if s.eventBus != nil {
			_ = s.eventBus.Publish(ctx, events.NewEvent(events.EventBatteryDailyReset, userID, map[string]interface{}{
				"day":    day,
				"amount": credited,
			}))
		}
	}
	return credited, nil
}
