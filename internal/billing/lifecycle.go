package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/voltchat/battery-plane/internal/catalog"
	"github.com/voltchat/battery-plane/internal/ledger"
	"github.com/voltchat/battery-plane/pkg/database"
	"github.com/voltchat/battery-plane/pkg/events"
	"github.com/voltchat/battery-plane/pkg/metrics"
	"github.com/voltchat/battery-plane/pkg/models"
	"go.uber.org/zap"
)

// userIDKey is the metadata key the checkout flow stamps on Stripe
// objects so billing events can be attributed to an internal user.
const userIDKey = "user_id"

// StateMachine applies external billing events to the subscription row,
// the plan-derived daily allowance, and the battery ledger. Every handler
// runs inside one storage transaction that begins by recording the Stripe
// event ID, so redelivered events are skipped instead of double-granting.
type StateMachine struct {
	store    database.Store
	catalog  *catalog.Catalog
	logger   *zap.Logger
	eventBus *events.Bus
}

// NewStateMachine creates the subscription lifecycle state machine.
func NewStateMachine(store database.Store, cat *catalog.Catalog, logger *zap.Logger, eventBus *events.Bus) *StateMachine {
	return &StateMachine{
		store:    store,
		catalog:  cat,
		logger:   logger,
		eventBus: eventBus,
	}
}

// HandleCheckoutCompleted processes checkout.session.completed. In
// subscription mode it activates the plan: upsert the subscription row,
// grant the monthly battery, and set the daily allowance. In payment mode
// it credits a one-off battery purchase and touches nothing else.
func (sm *StateMachine) HandleCheckoutCompleted(ctx context.Context, eventID string, session *stripe.CheckoutSession) error {
	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata[userIDKey]
	}
	if userID == "" {
		sm.logger.Warn("checkout session missing user identifier, skipping",
			zap.String("event_id", eventID),
			zap.String("session_id", session.ID),
		)
		return nil
	}

	if session.Mode == stripe.CheckoutSessionModePayment {
		return sm.handleBatteryPurchase(ctx, eventID, userID, session)
	}

	plan, ok := sm.catalog.Plan(session.Metadata["plan_id"])
	if !ok {
		sm.logger.Warn("checkout session references unknown plan, using default",
			zap.String("event_id", eventID),
			zap.String("plan_id", session.Metadata["plan_id"]),
		)
		plan = sm.catalog.DefaultPlan()
	}

	interval := models.IntervalMonthly
	if session.Metadata["interval"] == string(models.IntervalAnnual) {
		interval = models.IntervalAnnual
	}

	// checkout.session.completed carries the subscription as an ID only;
	// the period is provisional until customer.subscription.updated
	// delivers the authoritative one.
	now := time.Now().UTC()
	periodEnd := now.AddDate(0, 1, 0)
	if interval == models.IntervalAnnual {
		periodEnd = now.AddDate(1, 0, 0)
	}

	customerRef, subscriptionRef := checkoutRefs(session)

	var applied bool
	err := sm.store.WithTx(ctx, func(tx database.Tx) error {
		first, err := tx.MarkEventProcessed(ctx, eventID, "checkout.session.completed")
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		applied = true

		if err := tx.UpsertSubscription(ctx, &models.Subscription{
			UserID:                  userID,
			PlanID:                  plan.ID,
			ExternalCustomerRef:     customerRef,
			ExternalSubscriptionRef: subscriptionRef,
			Status:                  models.SubscriptionActive,
			CurrentPeriodStart:      now,
			CurrentPeriodEnd:        periodEnd,
			BillingInterval:         interval,
		}); err != nil {
			return err
		}

		if _, err := ledger.ApplyCredit(ctx, tx, userID, plan.TotalBatteryPerMonth,
			models.TransactionSubscription,
			fmt.Sprintf("%s subscription activated", plan.Name),
			subscriptionRef,
		); err != nil {
			return err
		}

		return sm.setDailyAllowance(ctx, tx, userID, plan.DailyBattery)
	})
	if err != nil {
		return fmt.Errorf("failed to apply checkout completion: %w", err)
	}
	if !applied {
		sm.logger.Info("duplicate checkout event skipped", zap.String("event_id", eventID))
		return nil
	}

	metrics.RecordCredit(string(models.TransactionSubscription))
	sm.logger.Info("subscription activated",
		zap.String("user_id", userID),
		zap.String("plan_id", plan.ID),
		zap.Int64("battery_granted", plan.TotalBatteryPerMonth),
		zap.Int64("daily_allowance", plan.DailyBattery),
	)
	sm.publish(ctx, events.NewEvent(events.EventSubscriptionActivated, userID, map[string]interface{}{
		"plan_id":         plan.ID,
		"battery_granted": plan.TotalBatteryPerMonth,
	}))
	return nil
}

func (sm *StateMachine) handleBatteryPurchase(ctx context.Context, eventID, userID string, session *stripe.CheckoutSession) error {
	units, err := strconv.ParseInt(session.Metadata["battery_units"], 10, 64)
	if err != nil || units <= 0 {
		sm.logger.Warn("battery purchase with invalid unit count, skipping",
			zap.String("event_id", eventID),
			zap.String("battery_units", session.Metadata["battery_units"]),
		)
		return nil
	}

	paymentRef := session.ID
	if session.PaymentIntent != nil {
		paymentRef = session.PaymentIntent.ID
	}

	var applied bool
	err = sm.store.WithTx(ctx, func(tx database.Tx) error {
		first, err := tx.MarkEventProcessed(ctx, eventID, "checkout.session.completed")
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		applied = true

		_, err = ledger.ApplyCredit(ctx, tx, userID, units,
			models.TransactionPurchase,
			fmt.Sprintf("Battery purchase (%d units)", units),
			paymentRef,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to apply battery purchase: %w", err)
	}
	if !applied {
		sm.logger.Info("duplicate purchase event skipped", zap.String("event_id", eventID))
		return nil
	}

	metrics.RecordCredit(string(models.TransactionPurchase))
	sm.logger.Info("battery purchase credited",
		zap.String("user_id", userID),
		zap.Int64("units", units),
		zap.String("payment_ref", paymentRef),
	)
	sm.publish(ctx, events.NewEvent(events.EventBatteryCredited, userID, map[string]interface{}{
		"type":  string(models.TransactionPurchase),
		"units": units,
	}))
	return nil
}

// HandleSubscriptionUpdated processes customer.subscription.updated. The
// event's price resolves to a plan through the catalog reverse map; an
// unmapped price falls back to the default plan rather than dropping the
// event, which would leave the subscription permanently un-synced. An
// upgrade to a bigger plan while active grants a prorated credit; the
// daily allowance follows the new plan in both directions.
func (sm *StateMachine) HandleSubscriptionUpdated(ctx context.Context, eventID string, sub *stripe.Subscription) error {
	userID := sub.Metadata[userIDKey]
	if userID == "" || sub.ID == "" {
		sm.logger.Warn("subscription event missing identifiers, skipping",
			zap.String("event_id", eventID),
			zap.String("subscription_id", sub.ID),
		)
		return nil
	}

	var priceID string
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		priceID = sub.Items.Data[0].Price.ID
	}
	plan, interval, known := sm.catalog.PlanForPrice(priceID)
	if !known {
		sm.logger.Warn("subscription price not in catalog, using default plan",
			zap.String("event_id", eventID),
			zap.String("price_id", priceID),
			zap.String("default_plan", plan.ID),
		)
	}

	status := mapSubscriptionStatus(sub.Status)
	now := time.Now().UTC()
	periodStart := time.Unix(sub.CurrentPeriodStart, 0).UTC()
	periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()

	var prorated int64
	var applied bool
	err := sm.store.WithTx(ctx, func(tx database.Tx) error {
		first, err := tx.MarkEventProcessed(ctx, eventID, "customer.subscription.updated")
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		applied = true

		existing, err := tx.SubscriptionForUpdate(ctx, userID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}

		updated := &models.Subscription{
			UserID:                  userID,
			PlanID:                  plan.ID,
			ExternalCustomerRef:     customerID(sub.Customer),
			ExternalSubscriptionRef: sub.ID,
			Status:                  status,
			CurrentPeriodStart:      periodStart,
			CurrentPeriodEnd:        periodEnd,
			BillingInterval:         interval,
			CancelAt:                unixPtr(sub.CancelAt),
			CanceledAt:              unixPtr(sub.CanceledAt),
		}
		if err := tx.UpsertSubscription(ctx, updated); err != nil {
			return err
		}

		if existing != nil && existing.PlanID != plan.ID && status == models.SubscriptionActive {
			oldPlan, ok := sm.catalog.Plan(existing.PlanID)
			if !ok {
				oldPlan = sm.catalog.DefaultPlan()
			}
			prorated = ComputeProration(oldPlan, plan, periodStart, periodEnd, now)
			if prorated > 0 {
				if _, err := ledger.ApplyCredit(ctx, tx, userID, prorated,
					models.TransactionSubscriptionUpgrade,
					fmt.Sprintf("Upgrade to %s (prorated)", plan.Name),
					sub.ID,
				); err != nil {
					return err
				}
			}
		}

		return sm.setDailyAllowance(ctx, tx, userID, plan.DailyBattery)
	})
	if err != nil {
		return fmt.Errorf("failed to apply subscription update: %w", err)
	}
	if !applied {
		sm.logger.Info("duplicate subscription update skipped", zap.String("event_id", eventID))
		return nil
	}

	if prorated > 0 {
		metrics.RecordCredit(string(models.TransactionSubscriptionUpgrade))
	}
	sm.logger.Info("subscription updated",
		zap.String("user_id", userID),
		zap.String("plan_id", plan.ID),
		zap.String("status", string(status)),
		zap.Int64("prorated_credit", prorated),
	)
	sm.publish(ctx, events.NewEvent(events.EventSubscriptionUpdated, userID, map[string]interface{}{
		"plan_id":         plan.ID,
		"status":          string(status),
		"prorated_credit": prorated,
	}))
	return nil
}

// HandleSubscriptionDeleted processes customer.subscription.deleted.
// Cancellation is terminal: the status flips to canceled and future
// accrual stops, but the standing balance is kept.
func (sm *StateMachine) HandleSubscriptionDeleted(ctx context.Context, eventID string, sub *stripe.Subscription) error {
	userID := sub.Metadata[userIDKey]
	if userID == "" {
		sm.logger.Warn("subscription deletion missing user identifier, skipping",
			zap.String("event_id", eventID),
			zap.String("subscription_id", sub.ID),
		)
		return nil
	}

	now := time.Now().UTC()
	var applied bool
	err := sm.store.WithTx(ctx, func(tx database.Tx) error {
		first, err := tx.MarkEventProcessed(ctx, eventID, "customer.subscription.deleted")
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		applied = true

		existing, err := tx.SubscriptionForUpdate(ctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			sm.logger.Warn("deletion event for unknown subscription",
				zap.String("user_id", userID),
			)
			return nil
		}
		if err != nil {
			return err
		}

		existing.Status = models.SubscriptionCanceled
		existing.CanceledAt = &now
		if err := tx.UpsertSubscription(ctx, existing); err != nil {
			return err
		}

		return sm.setDailyAllowance(ctx, tx, userID, 0)
	})
	if err != nil {
		return fmt.Errorf("failed to apply subscription deletion: %w", err)
	}
	if !applied {
		return nil
	}

	sm.logger.Info("subscription canceled",
		zap.String("user_id", userID),
		zap.String("subscription_id", sub.ID),
	)
	sm.publish(ctx, events.NewEvent(events.EventSubscriptionCanceled, userID, nil))
	return nil
}

// HandleInvoicePaymentSucceeded processes invoice.payment_succeeded. A
// renewal grants the plan's monthly battery and recovers a past_due
// subscription to active. The subscription-creation invoice is skipped:
// activation credit was already granted by the checkout handler.
func (sm *StateMachine) HandleInvoicePaymentSucceeded(ctx context.Context, eventID string, invoice *stripe.Invoice) error {
	if invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		sm.logger.Debug("skipping subscription-creation invoice",
			zap.String("event_id", eventID),
			zap.String("invoice_id", invoice.ID),
		)
		return nil
	}

	userID := invoiceUserID(invoice)
	if userID == "" {
		sm.logger.Warn("invoice missing user identifier, skipping",
			zap.String("event_id", eventID),
			zap.String("invoice_id", invoice.ID),
		)
		return nil
	}

	var plan models.Plan
	var applied bool
	err := sm.store.WithTx(ctx, func(tx database.Tx) error {
		first, err := tx.MarkEventProcessed(ctx, eventID, "invoice.payment_succeeded")
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		applied = true

		sub, err := tx.SubscriptionForUpdate(ctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			sm.logger.Warn("renewal invoice for unknown subscription",
				zap.String("user_id", userID),
				zap.String("invoice_id", invoice.ID),
			)
			return nil
		}
		if err != nil {
			return err
		}

		var ok bool
		plan, ok = sm.catalog.Plan(sub.PlanID)
		if !ok {
			sm.logger.Warn("subscription references unknown plan, using default",
				zap.String("plan_id", sub.PlanID),
			)
			plan = sm.catalog.DefaultPlan()
		}

		if sub.Status == models.SubscriptionPastDue {
			sub.Status = models.SubscriptionActive
			if err := tx.UpsertSubscription(ctx, sub); err != nil {
				return err
			}
		}

		_, err = ledger.ApplyCredit(ctx, tx, userID, plan.TotalBatteryPerMonth,
			models.TransactionSubscription,
			fmt.Sprintf("%s subscription renewed", plan.Name),
			invoice.ID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to apply renewal: %w", err)
	}
	if !applied {
		sm.logger.Info("duplicate renewal event skipped", zap.String("event_id", eventID))
		return nil
	}
	if plan.ID == "" {
		return nil // no subscription row, nothing granted
	}

	metrics.RecordCredit(string(models.TransactionSubscription))
	sm.logger.Info("subscription renewed",
		zap.String("user_id", userID),
		zap.String("plan_id", plan.ID),
		zap.Int64("battery_granted", plan.TotalBatteryPerMonth),
	)
	sm.publish(ctx, events.NewEvent(events.EventSubscriptionRenewed, userID, map[string]interface{}{
		"plan_id":         plan.ID,
		"battery_granted": plan.TotalBatteryPerMonth,
	}))
	return nil
}

// HandleInvoicePaymentFailed processes invoice.payment_failed: the
// subscription flips to past_due and the balance is left untouched.
func (sm *StateMachine) HandleInvoicePaymentFailed(ctx context.Context, eventID string, invoice *stripe.Invoice) error {
	userID := invoiceUserID(invoice)
	if userID == "" {
		sm.logger.Warn("failed invoice missing user identifier, skipping",
			zap.String("event_id", eventID),
			zap.String("invoice_id", invoice.ID),
		)
		return nil
	}

	var applied bool
	err := sm.store.WithTx(ctx, func(tx database.Tx) error {
		first, err := tx.MarkEventProcessed(ctx, eventID, "invoice.payment_failed")
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		applied = true

		sub, err := tx.SubscriptionForUpdate(ctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		sub.Status = models.SubscriptionPastDue
		return tx.UpsertSubscription(ctx, sub)
	})
	if err != nil {
		return fmt.Errorf("failed to apply payment failure: %w", err)
	}
	if !applied {
		return nil
	}

	sm.logger.Warn("payment failed, subscription past due",
		zap.String("user_id", userID),
		zap.String("invoice_id", invoice.ID),
	)
	sm.publish(ctx, events.NewEvent(events.EventPaymentFailed, userID, map[string]interface{}{
		"invoice_id": invoice.ID,
	}))
	return nil
}

// setDailyAllowance updates the allowance on the user's balance row,
// creating the row if the user has never checked their balance.
func (sm *StateMachine) setDailyAllowance(ctx context.Context, tx database.Tx, userID string, allowance int64) error {
	balance, err := tx.BalanceForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	balance.DailyAllowance = allowance
	return tx.UpdateBalance(ctx, balance)
}

func (sm *StateMachine) publish(ctx context.Context, event events.Event) {
	if sm.eventBus == nil {
		return
	}
	if err := sm.eventBus.Publish(ctx, event); err != nil {
		sm.logger.Warn("failed to publish billing event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// mapSubscriptionStatus maps a Stripe subscription status onto the closed
// internal status set.
func mapSubscriptionStatus(status stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusTrialing:
		return models.SubscriptionTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.SubscriptionCanceled
	case stripe.SubscriptionStatusIncomplete:
		return models.SubscriptionIncomplete
	default:
		return models.SubscriptionIncomplete
	}
}

func checkoutRefs(session *stripe.CheckoutSession) (customerRef, subscriptionRef string) {
	if session.Customer != nil {
		customerRef = session.Customer.ID
	}
	if session.Subscription != nil {
		subscriptionRef = session.Subscription.ID
	}
	return customerRef, subscriptionRef
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func invoiceUserID(invoice *stripe.Invoice) string {
	if id := invoice.Metadata[userIDKey]; id != "" {
		return id
	}
	if invoice.SubscriptionDetails != nil {
		return invoice.SubscriptionDetails.Metadata[userIDKey]
	}
	return ""
}

func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
