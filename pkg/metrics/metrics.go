package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ledger metrics
	DebitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "battery_debits_total",
			Help: "Number of successful battery debits",
		},
		[]string{"model"},
	)

	DebitedUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "battery_debited_units_total",
			Help: "Battery units debited for usage",
		},
		[]string{"model"},
	)

	CreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "battery_credits_total",
			Help: "Number of battery credits by transaction type",
		},
		[]string{"type"},
	)

	InsufficientTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "battery_insufficient_total",
			Help: "Number of debits rejected for insufficient balance",
		},
	)

	// Webhook metrics
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Stripe webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// Daily reset metrics
	DailyResetRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "battery_daily_reset_runs_total",
			Help: "Number of daily allowance reset sweeps",
		},
	)

	DailyResetUsersUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "battery_daily_reset_users_total",
			Help: "Number of users credited a daily allowance",
		},
	)
)

// RecordDebit updates ledger metrics after a successful debit
func RecordDebit(model string, units int64) {
	DebitsTotal.WithLabelValues(model).Inc()
	DebitedUnitsTotal.WithLabelValues(model).Add(float64(units))
}

// RecordCredit updates ledger metrics after a successful credit
func RecordCredit(txType string) {
	CreditsTotal.WithLabelValues(txType).Inc()
}

// RecordWebhookEvent counts a processed webhook event
func RecordWebhookEvent(eventType, outcome string) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}
