package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/voltchat/battery-plane/pkg/models"
	"go.uber.org/zap"
)

// handleResetDaily triggers a daily allowance sweep out of schedule.
// POST /admin/battery/reset-daily
func (g *Gateway) handleResetDaily(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	day := models.Day(time.Now())

	updated, err := g.resetScheduler.ResetDailyAllowances(ctx, day)
	if err != nil {
		g.logger.Error("manual daily reset failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"day":           day,
		"users_updated": updated,
	})
}

// handleGrantBattery credits a user out of band (support compensation,
// refunds that re-grant units).
// POST /admin/battery/grant
func (g *Gateway) handleGrantBattery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		UserID      string `json:"user_id"`
		Amount      int64  `json:"amount"`
		Type        string `json:"type"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Amount <= 0 {
		g.writeError(w, http.StatusBadRequest, "user_id and positive amount are required")
		return
	}

	txType := models.TransactionBonus
	if req.Type == string(models.TransactionRefund) {
		txType = models.TransactionRefund
	}
	if req.Description == "" {
		req.Description = "Support grant"
	}

	newBalance, err := g.ledger.Credit(ctx, req.UserID, req.Amount, txType, req.Description, "")
	if err != nil {
		g.logger.Error("admin grant failed",
			zap.Error(err),
			zap.String("user_id", req.UserID),
		)
		g.writeError(w, http.StatusInternalServerError, "grant failed")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     req.UserID,
		"amount":      req.Amount,
		"type":        txType,
		"new_balance": newBalance,
	})
}

// handleListPlans returns the plan catalog.
// GET /admin/plans
func (g *Gateway) handleListPlans(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"plans": g.catalog.Plans(),
	})
}
