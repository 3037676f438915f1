package models

import "time"

// TransactionType categorizes a balance transaction.
type TransactionType string

const (
	TransactionPurchase            TransactionType = "purchase"
	TransactionSubscription        TransactionType = "subscription"
	TransactionSubscriptionUpgrade TransactionType = "subscription_upgrade"
	TransactionBonus               TransactionType = "bonus"
	TransactionRefund              TransactionType = "refund"
	TransactionUsage               TransactionType = "usage"
)

// SubscriptionStatus is the internal subscription lifecycle state.
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
)

// BillingInterval is how often a subscription renews.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalAnnual  BillingInterval = "annual"
)

// UserBalance holds a user's standing battery balance and daily allowance.
// Created lazily with a zero balance on first check; mutated only through
// ledger operations.
type UserBalance struct {
	UserID         string
	TotalBalance   int64
	DailyAllowance int64
	// LastDailyReset is the day (YYYY-MM-DD, UTC) the allowance was last
	// credited. Empty for users that never received one.
	LastDailyReset string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BalanceTransaction is one immutable entry in the append-only ledger.
// BalanceAfter must equal the user's TotalBalance immediately after the
// transaction is applied, so replaying a user's transactions from zero
// reconstructs the current balance.
type BalanceTransaction struct {
	ID           string
	UserID       string
	Type         TransactionType
	Amount       int64 // negative for usage debits
	BalanceAfter int64
	Description  string
	// ExternalPaymentRef links purchases to the payment gateway record.
	ExternalPaymentRef string
	CreatedAt          time.Time
}

// DailyUsageSummary aggregates one user's usage for one day.
// ModelsUsed is serialized to JSONB only at the storage boundary.
type DailyUsageSummary struct {
	UserID           string
	Date             string // YYYY-MM-DD, UTC
	TotalCreditsUsed int64
	TotalMessages    int64
	ModelsUsed       map[string]int64
}

// Subscription mirrors the gateway-side subscription for one user.
// One row per user, upserted on every billing event.
type Subscription struct {
	UserID                  string
	PlanID                  string
	ExternalCustomerRef     string
	ExternalSubscriptionRef string
	Status                  SubscriptionStatus
	CurrentPeriodStart      time.Time
	CurrentPeriodEnd        time.Time
	BillingInterval         BillingInterval
	CancelAt                *time.Time
	CanceledAt              *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Plan is a static catalog tier.
type Plan struct {
	ID                   string
	Name                 string
	TotalBatteryPerMonth int64
	DailyBattery         int64
	PriceMonthlyCents    int64
	PriceAnnualCents     int64
	// Stripe price IDs for the two billing intervals.
	MonthlyPriceID string
	AnnualPriceID  string
}

// UsageEvent is one completed AI call as delivered by the request pipeline.
type UsageEvent struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Model          string `json:"model"`
	InputTokens    int64  `json:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens"`
	Cached         bool   `json:"cached"`
}

// DayFormat renders a time as the canonical ledger day key.
const DayFormat = "2006-01-02"

// Day returns t's UTC day in ledger key form.
func Day(t time.Time) string {
	return t.UTC().Format(DayFormat)
}
