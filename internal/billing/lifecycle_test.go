package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/voltchat/battery-plane/internal/catalog"
	"github.com/voltchat/battery-plane/pkg/database"
	"github.com/voltchat/battery-plane/pkg/models"
	"go.uber.org/zap"
)

func newTestStateMachine(t *testing.T) (*StateMachine, *database.MemoryStore) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	store := database.NewMemoryStore()
	return NewStateMachine(store, catalog.Default("starter"), logger, nil), store
}

func checkoutSession(user, planID string) *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		ID:                "cs_test_1",
		Mode:              stripe.CheckoutSessionModeSubscription,
		ClientReferenceID: user,
		Metadata:          map[string]string{"plan_id": planID},
		Customer:          &stripe.Customer{ID: "cus_1"},
		Subscription:      &stripe.Subscription{ID: "sub_1"},
	}
}

func subscriptionEvent(user, priceID string, status stripe.SubscriptionStatus, start, end time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID:                 "sub_1",
		Metadata:           map[string]string{"user_id": user},
		Status:             status,
		CurrentPeriodStart: start.Unix(),
		CurrentPeriodEnd:   end.Unix(),
		Customer:           &stripe.Customer{ID: "cus_1"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{ID: priceID}},
			},
		},
	}
}

func TestCheckoutCompleted_ActivatesSubscription(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	err := sm.HandleCheckoutCompleted(ctx, "evt_1", checkoutSession("user-1", "starter"))
	require.NoError(t, err)

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), balance.TotalBalance)
	assert.Equal(t, int64(200), balance.DailyAllowance)

	sub, err := store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "starter", sub.PlanID)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.Equal(t, "cus_1", sub.ExternalCustomerRef)
	assert.Equal(t, "sub_1", sub.ExternalSubscriptionRef)

	transactions, err := store.ListTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, transactions, 1)
	assert.Equal(t, models.TransactionSubscription, transactions[0].Type)
	assert.Equal(t, "Starter subscription activated", transactions[0].Description)
}

func TestCheckoutCompleted_DuplicateEventCreditsOnce(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	session := checkoutSession("user-1", "starter")
	require.NoError(t, sm.HandleCheckoutCompleted(ctx, "evt_1", session))
	require.NoError(t, sm.HandleCheckoutCompleted(ctx, "evt_1", session))

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), balance.TotalBalance)
}

func TestCheckoutCompleted_MissingUserIsNoOp(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	session := checkoutSession("", "starter")
	require.NoError(t, sm.HandleCheckoutCompleted(ctx, "evt_1", session))

	_, err := store.GetSubscription(ctx, "")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCheckoutCompleted_OneOffBatteryPurchase(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	session := &stripe.CheckoutSession{
		ID:                "cs_test_2",
		Mode:              stripe.CheckoutSessionModePayment,
		ClientReferenceID: "user-1",
		Metadata:          map[string]string{"battery_units": "2500"},
		PaymentIntent:     &stripe.PaymentIntent{ID: "pi_1"},
	}
	require.NoError(t, sm.HandleCheckoutCompleted(ctx, "evt_1", session))

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), balance.TotalBalance)
	assert.Equal(t, int64(0), balance.DailyAllowance)

	// Purchase does not create a subscription.
	_, err = store.GetSubscription(ctx, "user-1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	transactions, err := store.ListTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, transactions, 1)
	assert.Equal(t, models.TransactionPurchase, transactions[0].Type)
	assert.Equal(t, "pi_1", transactions[0].ExternalPaymentRef)
}

func TestSubscriptionUpdated_MidPeriodUpgradeGrantsProratedCredit(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	require.NoError(t, sm.HandleCheckoutCompleted(ctx, "evt_1", checkoutSession("user-1", "starter")))

	// Upgrade to Daily at the exact midpoint of a 30-day period.
	now := time.Now().UTC()
	event := subscriptionEvent("user-1", "price_daily_monthly", stripe.SubscriptionStatusActive,
		now.AddDate(0, 0, -15), now.AddDate(0, 0, 15))
	require.NoError(t, sm.HandleSubscriptionUpdated(ctx, "evt_2", event))

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	// 6000 activation + floor((18000-6000) * 15 / 30) = 6000 prorated.
	assert.Equal(t, int64(12000), balance.TotalBalance)
	assert.Equal(t, int64(600), balance.DailyAllowance)

	sub, err := store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "daily", sub.PlanID)
	assert.Equal(t, models.IntervalMonthly, sub.BillingInterval)

	transactions, err := store.ListTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, transactions, 2)
	assert.Equal(t, models.TransactionSubscriptionUpgrade, transactions[0].Type)
	assert.Equal(t, int64(6000), transactions[0].Amount)
}

func TestSubscriptionUpdated_DowngradeAdjustsAllowanceWithoutCredit(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	require.NoError(t, sm.HandleCheckoutCompleted(ctx, "evt_1", checkoutSession("user-1", "daily")))

	now := time.Now().UTC()
	event := subscriptionEvent("user-1", "price_starter_monthly", stripe.SubscriptionStatusActive,
		now.AddDate(0, 0, -10), now.AddDate(0, 0, 20))
	require.NoError(t, sm.HandleSubscriptionUpdated(ctx, "evt_2", event))

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(18000), balance.TotalBalance) // activation grant only
	assert.Equal(t, int64(200), balance.DailyAllowance)

	sub, err := store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "starter", sub.PlanID)
}

func TestSubscriptionUpdated_NonActiveUpgradeDoesNotGrant(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	require.NoError(t, sm.HandleCheckoutCompleted(ctx, "evt_1", checkoutSession("user-1", "starter")))

	now := time.Now().UTC()
	event := subscriptionEvent("user-1", "price_daily_monthly", stripe.SubscriptionStatusPastDue,
		now.AddDate(0, 0, -15), now.AddDate(0, 0, 15))
	require.NoError(t, sm.HandleSubscriptionUpdated(ctx, "evt_2", event))

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), balance.TotalBalance)
	// Allowance still follows the new plan.
	assert.Equal(t, int64(600), balance.DailyAllowance)
}

func TestSubscriptionUpdated_UnknownPriceFallsBackToDefaultPlan(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	now := time.Now().UTC()
	event := subscriptionEvent("user-1", "price_retired_tier", stripe.SubscriptionStatusActive,
		now, now.AddDate(0, 1, 0))
	require.NoError(t, sm.HandleSubscriptionUpdated(ctx, "evt_1", event))

	sub, err := store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "starter", sub.PlanID)
}

func TestSubscriptionDeleted_StopsAccrualKeepsBalance(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	require.NoError(t, sm.HandleCheckoutCompleted(ctx, "evt_1", checkoutSession("user-1", "starter")))

	event := &stripe.Subscription{
		ID:       "sub_1",
		Metadata: map[string]string{"user_id": "user-1"},
		Status:   stripe.SubscriptionStatusCanceled,
	}
	require.NoError(t, sm.HandleSubscriptionDeleted(ctx, "evt_2", event))

	sub, err := store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), balance.TotalBalance) // standing balance kept
	assert.Equal(t, int64(0), balance.DailyAllowance)  // accrual stopped
}

func TestInvoicePaymentSucceeded_RenewalDeliveredTwiceCreditsOnce(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	require.NoError(t, sm.HandleCheckoutCompleted(ctx, "evt_1", checkoutSession("user-1", "starter")))

	invoice := &stripe.Invoice{
		ID:            "in_1",
		BillingReason: stripe.InvoiceBillingReasonSubscriptionCycle,
		Metadata:      map[string]string{"user_id": "user-1"},
	}
	require.NoError(t, sm.HandleInvoicePaymentSucceeded(ctx, "evt_2", invoice))
	require.NoError(t, sm.HandleInvoicePaymentSucceeded(ctx, "evt_2", invoice))

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12000), balance.TotalBalance) // activation + one renewal

	transactions, err := store.ListTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, transactions, 2)
	assert.Equal(t, "Starter subscription renewed", transactions[0].Description)
	assert.Equal(t, "in_1", transactions[0].ExternalPaymentRef)
}

func TestInvoicePaymentSucceeded_SkipsSubscriptionCreationInvoice(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	require.NoError(t, sm.HandleCheckoutCompleted(ctx, "evt_1", checkoutSession("user-1", "starter")))

	invoice := &stripe.Invoice{
		ID:            "in_0",
		BillingReason: stripe.InvoiceBillingReasonSubscriptionCreate,
		Metadata:      map[string]string{"user_id": "user-1"},
	}
	require.NoError(t, sm.HandleInvoicePaymentSucceeded(ctx, "evt_2", invoice))

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), balance.TotalBalance) // activation only
}

func TestInvoicePaymentFailed_MarksPastDueAndRenewalRecovers(t *testing.T) {
	sm, store := newTestStateMachine(t)
	ctx := context.Background()

	require.NoError(t, sm.HandleCheckoutCompleted(ctx, "evt_1", checkoutSession("user-1", "starter")))

	failed := &stripe.Invoice{
		ID:       "in_2",
		Metadata: map[string]string{"user_id": "user-1"},
	}
	require.NoError(t, sm.HandleInvoicePaymentFailed(ctx, "evt_2", failed))

	sub, err := store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPastDue, sub.Status)

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), balance.TotalBalance) // no balance change on failure

	// A later successful payment recovers the subscription.
	paid := &stripe.Invoice{
		ID:            "in_3",
		BillingReason: stripe.InvoiceBillingReasonSubscriptionCycle,
		Metadata:      map[string]string{"user_id": "user-1"},
	}
	require.NoError(t, sm.HandleInvoicePaymentSucceeded(ctx, "evt_3", paid))

	sub, err = store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
}
