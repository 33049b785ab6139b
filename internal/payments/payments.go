// Package payments creates charge intents with the external payment
// provider. Outcomes never come back through this package; the provider
// reports them asynchronously via signed webhook events.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/bloomhq/settlement/internal/idgen"
)

// ErrProviderUnavailable wraps provider API failures. Callers surface it
// as a transient error and must not leave a silent orphan behind: a
// failed investment charge closes its just-created pending entity, and
// an uncharged subscription is caught by the dunning sweep.
var ErrProviderUnavailable = errors.New("payments: provider unavailable")

// IntentRequest describes a charge to initiate.
type IntentRequest struct {
	AmountCents int64
	Currency    string
	AccountID   string
	EntityID    string
	Kind        string // "investment" or "subscription"
}

// Intent is the provider-side handle for an initiated charge.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Status       string `json:"status"`
}

// Client initiates charges with the payment provider.
type Client interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
}

// StripeClient implements Client against the Stripe API.
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a Stripe-backed payment client.
func NewStripeClient(apiKey string) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{api: api}
}

// CreateIntent creates a PaymentIntent carrying our entity reference in
// metadata so webhook events can be correlated back.
func (s *StripeClient) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
	}
	params.Context = ctx
	params.AddMetadata("account_id", req.AccountID)
	params.AddMetadata("entity_id", req.EntityID)
	params.AddMetadata("kind", req.Kind)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
	}, nil
}

// FakeClient is a local stand-in used when no provider key is configured.
// It hands out unique intent IDs and remembers requests for tests.
type FakeClient struct {
	mu       sync.Mutex
	requests []IntentRequest

	// FailNext makes the next CreateIntent return ErrProviderUnavailable.
	FailNext bool
}

// NewFakeClient creates a local payment client.
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// CreateIntent returns a synthetic intent handle.
func (f *FakeClient) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNext {
		f.FailNext = false
		return nil, ErrProviderUnavailable
	}
	f.requests = append(f.requests, req)
	return &Intent{
		ID:     idgen.WithPrefix("pi_local_"),
		Status: "requires_payment_method",
	}, nil
}

// Requests returns a copy of every request seen.
func (f *FakeClient) Requests() []IntentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]IntentRequest(nil), f.requests...)
}
