package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bloomhq/settlement/internal/config"
	"github.com/bloomhq/settlement/internal/intake"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "whsec_test"

// testConfig returns a minimal config for testing (in-memory storage,
// fake payment provider)
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		ProviderWebhookSecret: testSecret,
		Currency:              "eur",
		ProcessingDeadline:    config.DefaultProcessingDeadline,
		PendingTTL:            config.DefaultPendingTTL,
		SettleMaxAttempts:     config.DefaultSettleMaxAttempts,
		SettleBaseDelay:       time.Millisecond,
		BasePointsPerUnit:     config.DefaultBasePointsPerUnit,
		WebhookRateRPS:        1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func parseBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

// deliverWebhook signs and posts a provider event envelope.
func deliverWebhook(t *testing.T, s *Server, eventID, eventType string, object map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(object)
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(map[string]any{
		"event_id":       eventID,
		"type":           eventType,
		"object_payload": json.RawMessage(payload),
	})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/webhooks/provider", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", intake.Sign(body, testSecret))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp := parseBody(t, w); resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Not ready until Run has started the background machinery.
	w := doJSON(t, s, "GET", "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before startup, got %d", w.Code)
	}

	s.ready.Store(true)
	w = doJSON(t, s, "GET", "/health/ready", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 after ready, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "bloom_") {
		t.Error("Expected bloom metrics in exposition")
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/api", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp := parseBody(t, w); resp["currency"] != "eur" {
		t.Errorf("currency = %v, want eur", resp["currency"])
	}
}

// ---------------------------------------------------------------------------
// End-to-end settlement flow through the HTTP surface
// ---------------------------------------------------------------------------

func TestInvestmentSettlementFlow(t *testing.T) {
	s := newTestServer(t)

	// Create a pending investment.
	w := doJSON(t, s, "POST", "/v1/investments", map[string]any{
		"accountId":   "acct_1",
		"projectRef":  "proj_solar",
		"type":        "boost",
		"amountCents": 10000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create investment: %d %s", w.Code, w.Body.String())
	}
	created := parseBody(t, w)
	inv, ok := created["investment"].(map[string]any)
	if !ok {
		t.Fatalf("no investment in response: %v", created)
	}
	invID, _ := inv["id"].(string)
	if invID == "" {
		t.Fatal("investment id missing")
	}
	if inv["status"] != "pending" {
		t.Errorf("status = %v, want pending", inv["status"])
	}
	// 100 EUR boost at 10 points per euro with a 30 percent bonus.
	if inv["points"] != float64(1300) {
		t.Errorf("points = %v, want 1300", inv["points"])
	}

	// Provider confirms the charge.
	w = deliverWebhook(t, s, "evt_1", "payment.succeeded", map[string]any{
		"entity_id":    invID,
		"account_id":   "acct_1",
		"amount_cents": 10000,
		"currency":     "eur",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", w.Code, w.Body.String())
	}
	if resp := parseBody(t, w); resp["outcome"] != "success" {
		t.Errorf("outcome = %v, want success", resp["outcome"])
	}

	// Points are on the balance.
	w = doJSON(t, s, "GET", "/v1/accounts/acct_1/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: %d", w.Code)
	}
	bal := parseBody(t, w)["balance"].(map[string]any)
	if bal["points"] != float64(1300) {
		t.Errorf("balance = %v, want 1300", bal["points"])
	}

	// Redelivery acknowledges without double credit.
	w = deliverWebhook(t, s, "evt_1", "payment.succeeded", map[string]any{
		"entity_id":    invID,
		"account_id":   "acct_1",
		"amount_cents": 10000,
		"currency":     "eur",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("redelivery: %d", w.Code)
	}
	if resp := parseBody(t, w); resp["outcome"] != "duplicate" {
		t.Errorf("redelivery outcome = %v, want duplicate", resp["outcome"])
	}

	w = doJSON(t, s, "GET", "/v1/accounts/acct_1/balance", nil)
	bal = parseBody(t, w)["balance"].(map[string]any)
	if bal["points"] != float64(1300) {
		t.Errorf("balance after redelivery = %v, want 1300", bal["points"])
	}
}

func TestWebhookBadSignature(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"event_id":"evt_x","type":"payment.succeeded","object_payload":{}}`)
	req := httptest.NewRequest("POST", "/webhooks/provider", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", intake.Sign(body, "wrong_secret"))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestQuestClaimFlow(t *testing.T) {
	s := newTestServer(t)

	// Register a quest.
	w := doJSON(t, s, "POST", "/v1/admin/quests", map[string]any{
		"title":  "First Steps",
		"target": 2,
		"points": 100,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create quest: %d %s", w.Code, w.Body.String())
	}
	quest := parseBody(t, w)["quest"].(map[string]any)
	questID, _ := quest["id"].(string)
	if questID == "" {
		t.Fatal("quest id missing")
	}

	// Complete it.
	progressPath := fmt.Sprintf("/v1/accounts/acct_1/quests/%s/progress", questID)
	for i := 0; i < 2; i++ {
		if w := doJSON(t, s, "POST", progressPath, map[string]any{"increment": 1}); w.Code != http.StatusOK {
			t.Fatalf("progress: %d %s", w.Code, w.Body.String())
		}
	}

	// Claim grants once.
	claimPath := fmt.Sprintf("/v1/accounts/acct_1/quests/%s/claim", questID)
	w = doJSON(t, s, "POST", claimPath, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("claim: %d %s", w.Code, w.Body.String())
	}
	if resp := parseBody(t, w); resp["points"] != float64(100) {
		t.Errorf("claim points = %v, want 100", resp["points"])
	}

	w = doJSON(t, s, "POST", claimPath, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second claim: %d, want 409", w.Code)
	}

	w = doJSON(t, s, "GET", "/v1/accounts/acct_1/balance", nil)
	bal := parseBody(t, w)["balance"].(map[string]any)
	if bal["points"] != float64(100) {
		t.Errorf("balance = %v, want 100", bal["points"])
	}
}

func TestSubscriptionFlow(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/subscriptions", map[string]any{
		"accountId":   "acct_1",
		"planRef":     "plan_green",
		"frequency":   "monthly",
		"amountCents": 1000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create subscription: %d %s", w.Code, w.Body.String())
	}
	sub := parseBody(t, w)["subscription"].(map[string]any)
	subID, _ := sub["id"].(string)
	if subID == "" {
		t.Fatal("subscription id missing")
	}

	// Renewal cycle grants points.
	w = deliverWebhook(t, s, "evt_sub_1", "payment.succeeded", map[string]any{
		"subscription_id": subID,
		"account_id":      "acct_1",
		"amount_cents":    1000,
		"currency":        "eur",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("renewal webhook: %d %s", w.Code, w.Body.String())
	}
	if resp := parseBody(t, w); resp["outcome"] != "success" {
		t.Errorf("outcome = %v, want success", resp["outcome"])
	}

	w = doJSON(t, s, "GET", "/v1/accounts/acct_1/balance", nil)
	bal := parseBody(t, w)["balance"].(map[string]any)
	if bal["points"] != float64(100) {
		t.Errorf("balance = %v, want 100", bal["points"])
	}

	// Cancel is terminal.
	w = doJSON(t, s, "DELETE", "/v1/subscriptions/"+subID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	w = deliverWebhook(t, s, "evt_sub_2", "payment.succeeded", map[string]any{
		"subscription_id": subID,
		"account_id":      "acct_1",
		"amount_cents":    1000,
		"currency":        "eur",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("post-cancel webhook: %d", w.Code)
	}
	if resp := parseBody(t, w); resp["outcome"] != "business_error" {
		t.Errorf("outcome = %v, want business_error", resp["outcome"])
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
