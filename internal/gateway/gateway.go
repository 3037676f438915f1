package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/voltchat/battery-plane/internal/billing"
	"github.com/voltchat/battery-plane/internal/catalog"
	"github.com/voltchat/battery-plane/internal/ledger"
	"github.com/voltchat/battery-plane/internal/reset"
	"github.com/voltchat/battery-plane/pkg/database"
	"go.uber.org/zap"
)

type contextKey string

const userIDContextKey contextKey = "user_id"

// Gateway exposes the battery query surface and the billing webhook over
// HTTP. Identity is external: the upstream auth proxy authenticates the
// user and forwards the ID in X-User-ID.
type Gateway struct {
	store          database.Store
	ledger         *ledger.Ledger
	catalog        *catalog.Catalog
	resetScheduler *reset.Scheduler
	webhookHandler *billing.WebhookHandler
	logger         *zap.Logger
	router         *chi.Mux
	adminToken     string
}

// NewGateway creates the API gateway and wires its routes.
func NewGateway(
	store database.Store,
	batteryLedger *ledger.Ledger,
	cat *catalog.Catalog,
	resetScheduler *reset.Scheduler,
	webhookHandler *billing.WebhookHandler,
	logger *zap.Logger,
	adminToken string,
) *Gateway {
	g := &Gateway{
		store:          store,
		ledger:         batteryLedger,
		catalog:        cat,
		resetScheduler: resetScheduler,
		webhookHandler: webhookHandler,
		logger:         logger,
		router:         chi.NewRouter(),
		adminToken:     adminToken,
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://*.voltchat.app"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Admin-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.router.Handle("/metrics", promhttp.Handler())

	// Health checks (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Stripe webhook endpoint (no auth - uses signature verification)
	g.router.Post("/api/webhooks/stripe", g.webhookHandler.HandleWebhook)

	// User battery surface (authenticated upstream, user forwarded in header)
	g.router.Group(func(r chi.Router) {
		r.Use(g.userAuthMiddleware)

		r.Get("/v1/battery", g.handleGetBattery)
		r.Post("/v1/battery/check", g.handleCheckBattery)
		r.Get("/v1/battery/transactions", g.handleListTransactions)
		r.Post("/v1/usage", g.handleRecordUsage)
		r.Get("/v1/usage", g.handleGetUsage)
		r.Get("/v1/subscription", g.handleGetSubscription)
	})

	// Admin endpoints
	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Post("/admin/battery/reset-daily", g.handleResetDaily)
		r.Post("/admin/battery/grant", g.handleGrantBattery)
		r.Get("/admin/plans", g.handleListPlans)
	})
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (g *Gateway) userAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			g.writeError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(g.adminToken)) != 1 {
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDContextKey).(string)
	return userID
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Health(r.Context()); err != nil {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
