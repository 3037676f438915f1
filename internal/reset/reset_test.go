package reset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voltchat/battery-plane/pkg/database"
	"github.com/voltchat/battery-plane/pkg/models"
	"go.uber.org/zap"
)

func seedBalance(t *testing.T, store *database.MemoryStore, userID string, total, allowance int64, lastReset string) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx database.Tx) error {
		balance, err := tx.BalanceForUpdate(context.Background(), userID)
		if err != nil {
			return err
		}
		balance.TotalBalance = total
		balance.DailyAllowance = allowance
		balance.LastDailyReset = lastReset
		return tx.UpdateBalance(context.Background(), balance)
	})
	require.NoError(t, err)
}

func TestResetDailyAllowances_IsIdempotentPerDay(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := database.NewMemoryStore()
	s := NewScheduler(store, logger, nil, time.Hour)
	ctx := context.Background()

	seedBalance(t, store, "user-1", 50, 200, "2024-05-31")

	updated, err := s.ResetDailyAllowances(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance.TotalBalance)
	assert.Equal(t, "2024-06-01", balance.LastDailyReset)

	// Second run on the same day credits nothing.
	updated, err = s.ResetDailyAllowances(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, 0, updated)

	balance, err = store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance.TotalBalance)

	transactions, err := store.ListTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, transactions, 1)
	assert.Equal(t, models.TransactionSubscription, transactions[0].Type)
	assert.Equal(t, int64(200), transactions[0].Amount)
	assert.Equal(t, "Daily battery allowance", transactions[0].Description)
}

func TestResetDailyAllowances_SkipsUsersWithoutAllowance(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := database.NewMemoryStore()
	s := NewScheduler(store, logger, nil, time.Hour)
	ctx := context.Background()

	seedBalance(t, store, "free-user", 10, 0, "")
	seedBalance(t, store, "paid-user", 0, 600, "2024-05-30")

	updated, err := s.ResetDailyAllowances(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	free, err := store.GetBalance(ctx, "free-user")
	require.NoError(t, err)
	assert.Equal(t, int64(10), free.TotalBalance)
	assert.Empty(t, free.LastDailyReset)

	paid, err := store.GetBalance(ctx, "paid-user")
	require.NoError(t, err)
	assert.Equal(t, int64(600), paid.TotalBalance)
}

func TestResetDailyAllowances_RollsOverUnusedAllowance(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := database.NewMemoryStore()
	s := NewScheduler(store, logger, nil, time.Hour)
	ctx := context.Background()

	seedBalance(t, store, "user-1", 0, 200, "")

	// Three days of accrual with no usage stack up in the standing balance.
	for _, day := range []string{"2024-06-01", "2024-06-02", "2024-06-03"} {
		_, err := s.ResetDailyAllowances(ctx, day)
		require.NoError(t, err)
	}

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance.TotalBalance)
}
