package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/voltchat/battery-plane/pkg/cache"
	"github.com/voltchat/battery-plane/pkg/metrics"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute
)

// WebhookHandler processes Stripe webhook events for the battery plane.
//
// All events are verified with Stripe's signature check before any state
// is touched. Deduplication is layered: a Redis SetNX lock (with an
// in-memory fallback when Redis is absent) keeps concurrent redeliveries
// from racing, and the state machine persists processed event IDs inside
// its storage transaction so a redelivery after a restart is still a
// no-op.
type WebhookHandler struct {
	// webhookSecret is the Stripe webhook signing secret used to verify
	// event authenticity.
	webhookSecret string

	// sm applies billing events to subscriptions and the ledger
	sm *StateMachine

	// cache provides distributed idempotency locking
	cache *cache.Cache

	// logger provides structured logging for observability
	logger *zap.Logger

	// processedEvents is the in-memory fallback for the idempotency lock
	// when no cache is configured.
	processedEvents map[string]time.Time

	mu sync.Mutex
}

// NewWebhookHandler creates a Stripe webhook handler.
func NewWebhookHandler(webhookSecret string, sm *StateMachine, cacheClient *cache.Cache, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		sm:              sm,
		cache:           cacheClient,
		logger:          logger,
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook is the entry point for all Stripe webhook events.
//
// HTTP response codes:
// - 200 OK: event processed (or recognized as a duplicate / unknown type)
// - 400 Bad Request: unreadable body or invalid signature
// - 500 Internal Server Error: processing failed; Stripe will redeliver
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed",
			zap.Error(err),
		)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	lockAcquired, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !lockAcquired {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		metrics.RecordWebhookEvent(string(event.Type), "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	var handlerErr error
	defer func() {
		h.finalizeEvent(ctx, event.ID, handlerErr == nil)
	}()

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	handlerErr = h.dispatch(ctx, event)
	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		metrics.RecordWebhookEvent(string(event.Type), "error")
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	metrics.RecordWebhookEvent(string(event.Type), "ok")
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) dispatch(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("failed to unmarshal checkout session: %w", err)
		}
		return h.sm.HandleCheckoutCompleted(ctx, event.ID, &session)

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		return h.sm.HandleSubscriptionUpdated(ctx, event.ID, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		return h.sm.HandleSubscriptionDeleted(ctx, event.ID, &sub)

	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		return h.sm.HandleInvoicePaymentSucceeded(ctx, event.ID, &invoice)

	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		return h.sm.HandleInvoicePaymentFailed(ctx, event.ID, &invoice)

	default:
		// Unknown event type - log but don't fail (allows Stripe to add new events)
		h.logger.Info("received unknown webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		key := h.redisKeyForEvent(eventID)
		acquired, err := h.cache.SetNX(ctx, key, "processing", webhookProcessingTTL)
		return acquired, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		key := h.redisKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		} else {
			if err := h.cache.Delete(ctx, key); err != nil {
				h.logger.Warn("failed to release webhook lock",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

func (h *WebhookHandler) redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}
