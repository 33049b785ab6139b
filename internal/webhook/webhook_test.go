package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/bloomhq/settlement/internal/idempotency"
	"github.com/bloomhq/settlement/internal/intake"
	"github.com/bloomhq/settlement/internal/ledger"
	"github.com/bloomhq/settlement/internal/payments"
	"github.com/bloomhq/settlement/internal/rules"
	"github.com/bloomhq/settlement/internal/settlement"
)

const testSecret = "whsec_webhook_test"

type testEnv struct {
	router  *gin.Engine
	service *settlement.Service
	ledger  *ledger.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledgerStore := ledger.NewMemoryStore()
	store := settlement.NewMemoryStore(idempotency.NewMemoryStore(), ledgerStore)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := settlement.NewService(store, rules.NewEngine(rules.DefaultConfig()), payments.NewFakeClient(), logger)

	handler := NewHandler(testSecret, intake.NewMemoryStore(), service, logger)
	router := gin.New()
	handler.RegisterRoutes(router.Group("/api/v1"))

	return &testEnv{router: router, service: service, ledger: ledger.New(ledgerStore)}
}

func (e *testEnv) createInvestment(t *testing.T) *settlement.Investment {
	t.Helper()
	inv, _, err := e.service.CreateInvestment(context.Background(), settlement.CreateRequest{
		AccountID: "acct_1", ProjectRef: "proj", Type: "boost", AmountCents: 10_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	return inv
}

func eventBody(t *testing.T, eventID, eventType string, object any) []byte {
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
	return body
}

func (e *testEnv) deliver(body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/provider", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, signature)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestReceive_Success(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvestment(t)

	body := eventBody(t, "evt_1", "payment.succeeded", intake.Payment{
		EntityID: inv.ID, AccountID: inv.AccountID, AmountCents: inv.AmountCents, Currency: "eur",
	})
	w := env.deliver(body, intake.Sign(body, testSecret))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Received bool   `json:"received"`
		Outcome  string `json:"outcome"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Received || resp.Outcome != settlement.ResultSuccess {
		t.Errorf("response = %+v, want received success", resp)
	}

	bal, _ := env.ledger.GetBalance(context.Background(), inv.AccountID)
	if bal.Points != 1300 {
		t.Errorf("balance = %d, want 1300", bal.Points)
	}
}

func TestReceive_BadSignature(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvestment(t)

	body := eventBody(t, "evt_1", "payment.succeeded", intake.Payment{
		EntityID: inv.ID, AccountID: inv.AccountID, AmountCents: inv.AmountCents,
	})
	w := env.deliver(body, intake.Sign(body, "wrong_secret"))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	bal, _ := env.ledger.GetBalance(context.Background(), inv.AccountID)
	if bal.Points != 0 {
		t.Errorf("unauthenticated event credited points: %d", bal.Points)
	}
}

func TestReceive_BadSchema(t *testing.T) {
	env := newTestEnv(t)

	body := eventBody(t, "evt_1", "payment.succeeded", map[string]any{"amount_cents": 100})
	w := env.deliver(body, intake.Sign(body, testSecret))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestReceive_DuplicateAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvestment(t)

	body := eventBody(t, "evt_1", "payment.succeeded", intake.Payment{
		EntityID: inv.ID, AccountID: inv.AccountID, AmountCents: inv.AmountCents,
	})
	sig := intake.Sign(body, testSecret)

	if w := env.deliver(body, sig); w.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", w.Code)
	}
	w := env.deliver(body, sig)
	if w.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", w.Code)
	}

	var resp struct {
		Outcome string `json:"outcome"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Outcome != settlement.ResultDuplicate {
		t.Errorf("outcome = %q, want duplicate", resp.Outcome)
	}

	bal, _ := env.ledger.GetBalance(context.Background(), inv.AccountID)
	if bal.Points != 1300 {
		t.Errorf("redelivery double-credited: balance = %d", bal.Points)
	}
}

// Business errors are consumed with a 200 so the provider stops retrying.
func TestReceive_BusinessErrorConsumed(t *testing.T) {
	env := newTestEnv(t)

	body := eventBody(t, "evt_ghost", "payment.succeeded", intake.Payment{
		EntityID: "inv_ghost", AccountID: "acct_1", AmountCents: 100,
	})
	w := env.deliver(body, intake.Sign(body, testSecret))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Outcome string `json:"outcome"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Outcome != settlement.ResultBusinessError {
		t.Errorf("outcome = %q, want business_error", resp.Outcome)
	}
}

func TestReceive_UnrecognizedTypeAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	body := eventBody(t, "evt_u", "customer.updated", map[string]string{"foo": "bar"})
	w := env.deliver(body, intake.Sign(body, testSecret))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Outcome string `json:"outcome"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Outcome != settlement.ResultIgnored {
		t.Errorf("outcome = %q, want ignored", resp.Outcome)
	}
}

func TestReceive_ConcurrentRedeliveries(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvestment(t)

	body := eventBody(t, "evt_race", "payment.succeeded", intake.Payment{
		EntityID: inv.ID, AccountID: inv.AccountID, AmountCents: inv.AmountCents,
	})
	sig := intake.Sign(body, testSecret)

	const deliveries = 16
	var wg sync.WaitGroup
	codes := make(chan int, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- env.deliver(body, sig).Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		if code != http.StatusOK {
			t.Errorf("delivery status = %d, want 200", code)
		}
	}

	bal, _ := env.ledger.GetBalance(context.Background(), inv.AccountID)
	if bal.Points != 1300 {
		t.Errorf("balance = %d, want exactly 1300", bal.Points)
	}
}

func TestReceive_RefundFlow(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvestment(t)

	success := eventBody(t, "evt_s", "payment.succeeded", intake.Payment{
		EntityID: inv.ID, AccountID: inv.AccountID, AmountCents: inv.AmountCents,
	})
	if w := env.deliver(success, intake.Sign(success, testSecret)); w.Code != http.StatusOK {
		t.Fatalf("success delivery: %d", w.Code)
	}

	refund := eventBody(t, "evt_r", "charge.refunded", intake.Refund{
		EntityID: inv.ID, AccountID: inv.AccountID, AmountCents: inv.AmountCents,
	})
	w := env.deliver(refund, intake.Sign(refund, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("refund delivery: %d, body %s", w.Code, w.Body.String())
	}

	bal, _ := env.ledger.GetBalance(context.Background(), inv.AccountID)
	if bal.Points != 0 {
		t.Errorf("balance after refund = %d, want 0", bal.Points)
	}
}

func TestReceive_ManyDistinctEvents(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		inv := env.createInvestment(t)
		body := eventBody(t, fmt.Sprintf("evt_%d", i), "payment.succeeded", intake.Payment{
			EntityID: inv.ID, AccountID: inv.AccountID, AmountCents: inv.AmountCents,
		})
		if w := env.deliver(body, intake.Sign(body, testSecret)); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: %d", i, w.Code)
		}
	}

	bal, _ := env.ledger.GetBalance(context.Background(), "acct_1")
	if bal.Points != 5*1300 {
		t.Errorf("balance = %d, want 6500", bal.Points)
	}
}
