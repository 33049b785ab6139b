package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bloomhq/settlement/internal/settlement"
)

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClientWants_Filters(t *testing.T) {
	event := &Event{Type: EventSettlementSucceeded, AccountID: "acct_1"}

	cases := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, true},
		{"matching type", Subscription{EventTypes: []EventType{EventSettlementSucceeded}}, true},
		{"other type", Subscription{EventTypes: []EventType{EventRewardClaimed}}, false},
		{"matching account", Subscription{AccountIDs: []string{"acct_1"}}, true},
		{"other account", Subscription{AccountIDs: []string{"acct_2"}}, false},
		{"type and account", Subscription{EventTypes: []EventType{EventSettlementSucceeded}, AccountIDs: []string{"acct_1"}}, true},
		{"type matches account does not", Subscription{EventTypes: []EventType{EventSettlementSucceeded}, AccountIDs: []string{"acct_2"}}, false},
		{"empty subscription", Subscription{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Client{sub: tc.sub}
			if got := c.wants(event); got != tc.want {
				t.Errorf("wants = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNotifySettlement_EventTypes(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name string
		inv  *settlement.Investment
		want EventType
	}{
		{"succeeded", &settlement.Investment{Status: settlement.StatusSucceeded}, EventSettlementSucceeded},
		{"failed", &settlement.Investment{Status: settlement.StatusFailed}, EventSettlementFailed},
		{"refunded", &settlement.Investment{Status: settlement.StatusSucceeded, RefundedAt: &now}, EventRefundApplied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hub := newTestHub()
			tc.inv.AccountID = "acct_1"
			hub.NotifySettlement(tc.inv, 1300)

			select {
			case event := <-hub.broadcast:
				if event.Type != tc.want {
					t.Errorf("event type = %q, want %q", event.Type, tc.want)
				}
				if event.AccountID != "acct_1" {
					t.Errorf("accountId = %q", event.AccountID)
				}
			default:
				t.Fatal("no event broadcast")
			}
		})
	}
}

func TestSerialize_RoundTrips(t *testing.T) {
	event := &Event{
		Type:      EventBalanceChanged,
		AccountID: "acct_1",
		Timestamp: time.Now(),
		Data:      map[string]any{"newBalance": float64(42)},
	}

	var decoded Event
	if err := json.Unmarshal(serialize(event), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != EventBalanceChanged || decoded.AccountID != "acct_1" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	hub := newTestHub()
	for i := 0; i < 300; i++ {
		hub.Broadcast(&Event{Type: EventBalanceChanged})
	}
	// Channel capacity is 256; the rest were dropped without blocking.
	if got := len(hub.broadcast); got != 256 {
		t.Errorf("queued events = %d, want 256", got)
	}
}
