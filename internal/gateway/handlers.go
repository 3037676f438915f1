package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/voltchat/battery-plane/internal/ledger"
	"github.com/voltchat/battery-plane/pkg/database"
	"github.com/voltchat/battery-plane/pkg/models"
	"go.uber.org/zap"
)

const defaultEstimatedTokens = 1024

// handleGetBattery returns the user's current balance.
// GET /v1/battery
func (g *Gateway) handleGetBattery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFromContext(ctx)

	balance, err := g.ledger.Balance(ctx, userID)
	if err != nil {
		g.logger.Error("failed to load balance",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":          balance.UserID,
		"total_balance":    balance.TotalBalance,
		"daily_allowance":  balance.DailyAllowance,
		"last_daily_reset": balance.LastDailyReset,
	})
}

// handleCheckBattery runs a pre-flight cost estimate for a pending call.
// POST /v1/battery/check
func (g *Gateway) handleCheckBattery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFromContext(ctx)

	var req struct {
		Model           string `json:"model"`
		EstimatedTokens int64  `json:"estimated_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EstimatedTokens <= 0 {
		req.EstimatedTokens = defaultEstimatedTokens
	}

	check, err := g.ledger.CheckBalance(ctx, userID, req.Model, req.EstimatedTokens)
	if err != nil {
		g.logger.Error("failed to check balance",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to check balance")
		return
	}

	g.writeJSON(w, http.StatusOK, check)
}

// handleRecordUsage ingests one completed AI call from the request
// pipeline and debits the user. An insufficient balance surfaces as 402
// with an upgrade prompt so the caller blocks the AI call.
// POST /v1/usage
func (g *Gateway) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFromContext(ctx)

	var usage models.UsageEvent
	if err := json.NewDecoder(r.Body).Decode(&usage); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	usage.UserID = userID
	if usage.Model == "" {
		g.writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	result, err := g.ledger.RecordUsage(ctx, &usage)
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			g.writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
				"error":           "insufficient battery balance",
				"code":            "insufficient_battery",
				"current_balance": insufficient.Balance,
				"required":        insufficient.Cost,
				"upgrade_url":     "/settings/battery",
			})
			return
		}
		g.logger.Error("failed to record usage",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("model", usage.Model),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to record usage")
		return
	}

	g.writeJSON(w, http.StatusOK, result)
}

// handleGetUsage returns daily usage summaries for a date range.
// GET /v1/usage?from=2024-06-01&to=2024-06-30
func (g *Gateway) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFromContext(ctx)

	fromDay, toDay := parseDayRange(r)
	summaries, err := g.ledger.UsageHistory(ctx, userID, fromDay, toDay)
	if err != nil {
		g.logger.Error("failed to query usage history",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}

	out := make([]map[string]interface{}, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, map[string]interface{}{
			"date":               s.Date,
			"total_credits_used": s.TotalCreditsUsed,
			"total_messages":     s.TotalMessages,
			"models_used":        s.ModelsUsed,
		})
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"from": fromDay,
		"to":   toDay,
		"days": out,
	})
}

// handleListTransactions returns the user's recent ledger entries.
// GET /v1/battery/transactions
func (g *Gateway) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFromContext(ctx)

	limit := 50
	transactions, err := g.ledger.Transactions(ctx, userID, limit)
	if err != nil {
		g.logger.Error("failed to query transactions",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to query transactions")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
	})
}

// handleGetSubscription returns the user's current subscription.
// GET /v1/subscription
func (g *Gateway) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFromContext(ctx)

	sub, err := g.store.GetSubscription(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		g.writeError(w, http.StatusNotFound, "no subscription")
		return
	}
	if err != nil {
		g.logger.Error("failed to query subscription",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to query subscription")
		return
	}

	g.writeJSON(w, http.StatusOK, sub)
}

// parseDayRange reads from/to query params, defaulting to the last 30 days.
func parseDayRange(r *http.Request) (string, string) {
	now := time.Now().UTC()
	fromDay := models.Day(now.AddDate(0, 0, -30))
	toDay := models.Day(now)

	if v := r.URL.Query().Get("from"); v != "" {
		if _, err := time.Parse(models.DayFormat, v); err == nil {
			fromDay = v
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if _, err := time.Parse(models.DayFormat, v); err == nil {
			toDay = v
		}
	}
	return fromDay, toDay
}
