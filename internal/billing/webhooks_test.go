package billing

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/voltchat/battery-plane/pkg/cache"
	"go.uber.org/zap"
)

func TestWebhookHandler_HandleWebhook_SignatureVerification(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	// Signature verification happens before any state is touched, so the
	// state machine and cache can be nil here.
	handler := NewWebhookHandler("whsec_test_secret", nil, nil, logger)

	tests := []struct {
		name           string
		payload        []byte
		signature      string
		expectedStatus int
	}{
		{
			name:           "No signature",
			payload:        []byte(`{}`),
			signature:      "",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Invalid signature",
			payload:        []byte(`{}`),
			signature:      "t=123,v1=invalid",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Valid signature",
			payload:        []byte(`{"id": "evt_123", "object": "event", "api_version": "2023-10-16"}`),
			signature:      generateSignature(t, []byte(`{"id": "evt_123", "object": "event", "api_version": "2023-10-16"}`), "whsec_test_secret"),
			expectedStatus: http.StatusOK, // Unknown event type returns 200
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(tt.payload))
			if tt.signature != "" {
				req.Header.Set("Stripe-Signature", tt.signature)
			}
			w := httptest.NewRecorder()

			handler.HandleWebhook(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestWebhookHandler_Idempotency_InMemory(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	handler := NewWebhookHandler("whsec_test_secret", nil, nil, logger)

	payload := []byte(`{"id": "evt_idempotency_test", "object": "event", "type": "unknown.event", "api_version": "2023-10-16"}`)
	signature := generateSignature(t, payload, "whsec_test_secret")

	req1 := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(payload))
	req1.Header.Set("Stripe-Signature", signature)
	w1 := httptest.NewRecorder()

	handler.HandleWebhook(w1, req1)

	if w1.Code != http.StatusOK {
		t.Errorf("first request failed: %d", w1.Code)
	}

	handler.mu.Lock()
	if _, exists := handler.processedEvents["evt_idempotency_test"]; !exists {
		t.Error("event not marked as processed")
	}
	handler.mu.Unlock()

	// Redelivery of the same event must still be a 200 no-op.
	req2 := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(payload))
	req2.Header.Set("Stripe-Signature", signature)
	w2 := httptest.NewRecorder()

	handler.HandleWebhook(w2, req2)

	if w2.Code != http.StatusOK {
		t.Errorf("second request failed: %d", w2.Code)
	}
}

func TestWebhookHandler_Idempotency_Redis(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	redisCache := cache.NewCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	handler := NewWebhookHandler("whsec_test_secret", nil, redisCache, logger)

	payload := []byte(`{"id": "evt_redis_test", "object": "event", "type": "unknown.event", "api_version": "2023-10-16"}`)
	signature := generateSignature(t, payload, "whsec_test_secret")

	req1 := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(payload))
	req1.Header.Set("Stripe-Signature", signature)
	w1 := httptest.NewRecorder()
	handler.HandleWebhook(w1, req1)

	if w1.Code != http.StatusOK {
		t.Errorf("first request failed: %d", w1.Code)
	}
	if got, _ := mr.Get("webhooks:stripe:evt_redis_test"); got != "processed" {
		t.Errorf("expected cache key marked processed, got %q", got)
	}

	req2 := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(payload))
	req2.Header.Set("Stripe-Signature", signature)
	w2 := httptest.NewRecorder()
	handler.HandleWebhook(w2, req2)

	if w2.Code != http.StatusOK {
		t.Errorf("second request failed: %d", w2.Code)
	}
}

func TestWebhookHandler_DispatchesCheckoutToStateMachine(t *testing.T) {
	sm, store := newTestStateMachine(t)
	logger, _ := zap.NewDevelopment()
	handler := NewWebhookHandler("whsec_test_secret", sm, nil, logger)

	payload := []byte(`{
		"id": "evt_checkout_1",
		"object": "event",
		"api_version": "2023-10-16",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_1",
				"object": "checkout.session",
				"mode": "subscription",
				"client_reference_id": "user-1",
				"metadata": {"plan_id": "starter"}
			}
		}
	}`)
	signature := generateSignature(t, payload, "whsec_test_secret")

	req := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()
	handler.HandleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("webhook returned %d", w.Code)
	}

	balance, err := store.GetBalance(req.Context(), "user-1")
	if err != nil {
		t.Fatalf("failed to load balance: %v", err)
	}
	if balance.TotalBalance != 6000 {
		t.Errorf("expected activation grant of 6000, got %d", balance.TotalBalance)
	}
}

func generateSignature(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	now := time.Now().Unix()
	signature := webhook.ComputeSignature(time.Unix(now, 0), payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", now, hex.EncodeToString(signature))
}
