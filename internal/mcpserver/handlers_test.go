package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:    ts.URL,
		APIKey:    "sk_test_key",
		AccountID: "acct_1",
	}
	client := NewBloomClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"balance":{"points":0}}`))
	}))
	defer ts.Close()

	client := NewBloomClient(Config{APIURL: ts.URL, APIKey: "sk_secret123", AccountID: "acct_1"})
	_, err := client.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_DoRequest_NoAPIKey_NoAuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewBloomClient(Config{APIURL: ts.URL, AccountID: "acct_1"})
	_, err := client.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "already_claimed",
			"message": "Reward was already claimed",
		})
	}))
	defer ts.Close()

	client := NewBloomClient(Config{APIURL: ts.URL, AccountID: "acct_1"})
	_, err := client.ClaimReward(context.Background(), "quest_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "Reward was already claimed")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewBloomClient(Config{APIURL: ts.URL, AccountID: "acct_1"})
	_, err := client.GetBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewBloomClient(Config{APIURL: "http://127.0.0.1:1", AccountID: "acct_1"})
	_, err := client.GetBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewBloomClient(Config{APIURL: ts.URL, AccountID: "acct_1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	_, err := client.GetBalance(ctx)
	require.Error(t, err)
}

func TestClient_GetLedgerHistory_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/acct_1/ledger", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"entries":[]}`))
	}))
	defer ts.Close()

	client := NewBloomClient(Config{APIURL: ts.URL, AccountID: "acct_1"})
	_, err := client.GetLedgerHistory(context.Background(), 5)
	require.NoError(t, err)
}

func TestClient_GetLedgerHistory_ZeroLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("limit"), "limit=0 should not be sent")
		_, _ = w.Write([]byte(`{"entries":[]}`))
	}))
	defer ts.Close()

	client := NewBloomClient(Config{APIURL: ts.URL, AccountID: "acct_1"})
	_, err := client.GetLedgerHistory(context.Background(), 0)
	require.NoError(t, err)
}

func TestClient_CreateInvestment_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/investments", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "acct_1", m["accountId"])
		assert.Equal(t, "proj_solar", m["projectRef"])
		assert.Equal(t, "boost", m["type"])
		assert.Equal(t, float64(10000), m["amountCents"])

		_ = json.NewEncoder(w).Encode(map[string]any{"investment": map[string]any{"id": "inv_1"}})
	}))
	defer ts.Close()

	client := NewBloomClient(Config{APIURL: ts.URL, AccountID: "acct_1"})
	_, err := client.CreateInvestment(context.Background(), "proj_solar", "boost", 10000)
	require.NoError(t, err)
}

func TestClient_ClaimReward_Path(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/accounts/acct_1/quests/quest_7/claim", r.URL.Path)
		_, _ = w.Write([]byte(`{"points":250,"newBalance":250}`))
	}))
	defer ts.Close()

	client := NewBloomClient(Config{APIURL: ts.URL, AccountID: "acct_1"})
	_, err := client.ClaimReward(context.Background(), "quest_7")
	require.NoError(t, err)
}

// ============================================================
// Handler: check_balance
// ============================================================

func TestHandleCheckBalance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct_1/balance", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test_key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"balance": map[string]any{
				"accountId": "acct_1",
				"points":    1300,
				"updatedAt": "2026-08-01T12:00:00Z",
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "1300")
	assert.Contains(t, text, "acct_1")
}

func TestHandleCheckBalance_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct_1/balance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "balance_error", "message": "db down"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "db down")
}

// ============================================================
// Handler: get_ledger_history
// ============================================================

func TestHandleGetLedgerHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct_1/ledger", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entries": []map[string]any{
				{"delta": 1300, "reasonCode": "investment_bonus", "sourceType": "investment", "sourceId": "inv_1", "createdAt": "2026-08-01T12:00:00Z"},
				{"delta": -200, "reasonCode": "spend", "sourceType": "spend", "sourceId": "order_9"},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetLedgerHistory(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "+1300")
	assert.Contains(t, text, "investment_bonus")
	assert.Contains(t, text, "-200")
	assert.Contains(t, text, "inv_1")
}

func TestHandleGetLedgerHistory_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct_1/ledger", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"entries": []map[string]any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetLedgerHistory(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No ledger entries")
}

// ============================================================
// Handler: create_investment
// ============================================================

func TestHandleCreateInvestment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/investments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"investment": map[string]any{
				"id": "inv_abc", "projectRef": "proj_solar", "type": "boost",
				"amountCents": 10000, "currency": "eur", "points": 1300, "status": "pending",
			},
			"paymentIntent": map[string]any{"id": "pi_1", "clientSecret": "pi_1_secret"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCreateInvestment(context.Background(), makeRequest(map[string]any{
		"project_ref":  "proj_solar",
		"type":         "boost",
		"amount_cents": float64(10000), // JSON numbers come as float64
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "inv_abc")
	assert.Contains(t, text, "100.00 EUR")
	assert.Contains(t, text, "1300")
	assert.Contains(t, text, "pending")
	assert.Contains(t, text, "pi_1")
}

func TestHandleCreateInvestment_MissingArgs(t *testing.T) {
	h := NewHandlers(NewBloomClient(Config{}))

	result, err := h.HandleCreateInvestment(context.Background(), makeRequest(map[string]any{
		"type": "standard", "amount_cents": float64(1000),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "project_ref is required")

	result, err = h.HandleCreateInvestment(context.Background(), makeRequest(map[string]any{
		"project_ref": "p", "amount_cents": float64(1000),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "type is required")

	result, err = h.HandleCreateInvestment(context.Background(), makeRequest(map[string]any{
		"project_ref": "p", "type": "standard",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount_cents must be positive")
}

func TestHandleCreateInvestment_BelowMinimum(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/investments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "amount_out_of_bounds", "message": "Amount below the minimum for this type",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCreateInvestment(context.Background(), makeRequest(map[string]any{
		"project_ref": "p", "type": "boost", "amount_cents": float64(100),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "below the minimum")
}

// ============================================================
// Handler: get_investment
// ============================================================

func TestHandleGetInvestment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/investments/inv_abc", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"investment": map[string]any{
				"id": "inv_abc", "projectRef": "proj_wind", "type": "standard",
				"amountCents": 5000, "currency": "eur", "points": 500, "status": "succeeded",
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetInvestment(context.Background(), makeRequest(map[string]any{
		"investment_id": "inv_abc",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "succeeded")
	assert.Contains(t, text, "proj_wind")
}

func TestHandleGetInvestment_MissingID(t *testing.T) {
	h := NewHandlers(NewBloomClient(Config{}))
	result, err := h.HandleGetInvestment(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "investment_id is required")
}

func TestHandleGetInvestment_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/investments/inv_missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "not_found", "message": "Investment not found"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetInvestment(context.Background(), makeRequest(map[string]any{
		"investment_id": "inv_missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Investment not found")
}

// ============================================================
// Handler: list_quests
// ============================================================

func TestHandleListQuests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/quests", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quests": []map[string]any{
				{"id": "quest_1", "title": "First Steps", "description": "Make your first investment", "target": 1, "points": 100},
				{"id": "quest_2", "title": "Collector", "target": 5, "points": 250, "itemSku": "badge_gold"},
			},
		})
	})
	mux.HandleFunc("/v1/accounts/acct_1/quests", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"progress": []map[string]any{
				{"questId": "quest_1", "status": "completed", "count": 1, "target": 1},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListQuests(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 quest(s)")
	assert.Contains(t, text, "First Steps")
	assert.Contains(t, text, "1/1 (completed)")
	assert.Contains(t, text, "badge_gold")
}

func TestHandleListQuests_NoProgress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/quests", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quests": []map[string]any{
				{"id": "quest_1", "title": "Solo", "target": 3, "points": 50},
			},
		})
	})
	// Progress endpoint intentionally missing: listing still works.

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListQuests(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Solo")
}

func TestHandleListQuests_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/quests", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"quests": []map[string]any{}})
	})
	mux.HandleFunc("/v1/accounts/acct_1/quests", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"progress": []map[string]any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListQuests(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No active quests")
}

// ============================================================
// Handler: claim_reward
// ============================================================

func TestHandleClaimReward(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct_1/quests/quest_2/claim", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"points":     250,
			"item":       map[string]any{"sku": "badge_gold", "quantity": 1},
			"newBalance": 1550,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleClaimReward(context.Background(), makeRequest(map[string]any{
		"quest_id": "quest_2",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "250")
	assert.Contains(t, text, "badge_gold")
	assert.Contains(t, text, "1550")
}

func TestHandleClaimReward_MissingQuestID(t *testing.T) {
	h := NewHandlers(NewBloomClient(Config{}))
	result, err := h.HandleClaimReward(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "quest_id is required")
}

func TestHandleClaimReward_AlreadyClaimed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct_1/quests/quest_2/claim", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "already_claimed", "message": "Reward was already claimed",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleClaimReward(context.Background(), makeRequest(map[string]any{
		"quest_id": "quest_2",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "already claimed")
}

// ============================================================
// Formatting & parsing unit tests
// ============================================================

func TestFormatBalance_FlatResponse(t *testing.T) {
	text, err := formatBalance(json.RawMessage(`{"accountId":"acct_9","points":42}`))
	require.NoError(t, err)
	assert.Contains(t, text, "42")
	assert.Contains(t, text, "acct_9")
}

func TestFormatBalance_NoPoints(t *testing.T) {
	_, err := formatBalance(json.RawMessage(`{"status":"ok"}`))
	assert.Error(t, err)
}

func TestFormatBalance_MalformedJSON(t *testing.T) {
	_, err := formatBalance(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatLedgerEntries_DirectArray(t *testing.T) {
	text, err := formatLedgerEntries(json.RawMessage(`[{"delta":10,"reasonCode":"quest_reward"}]`))
	require.NoError(t, err)
	assert.Contains(t, text, "+10")
	assert.Contains(t, text, "quest_reward")
}

func TestFormatLedgerEntries_MalformedJSON(t *testing.T) {
	_, err := formatLedgerEntries(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatInvestment_NoInvestment(t *testing.T) {
	_, err := formatInvestment(json.RawMessage(`{"status":"ok"}`))
	assert.Error(t, err)
}

func TestFormatQuestList_DirectArrays(t *testing.T) {
	quests := json.RawMessage(`[{"id":"q1","title":"T","target":2,"points":10}]`)
	progress := json.RawMessage(`[{"questId":"q1","status":"active","count":1,"target":2}]`)
	text, err := formatQuestList(quests, progress)
	require.NoError(t, err)
	assert.Contains(t, text, "1/2 (active)")
}

func TestGetString_Fallback(t *testing.T) {
	m := map[string]any{"foo": "bar"}
	assert.Equal(t, "bar", getString(m, "missing", "foo"))
	assert.Equal(t, "", getString(m, "missing1", "missing2"))
}

func TestGetFloat_Fallback(t *testing.T) {
	m := map[string]any{"score": 95.5}
	v, ok := getFloat(m, "missing", "score")
	assert.True(t, ok)
	assert.Equal(t, 95.5, v)

	_, ok = getFloat(m, "missing1", "missing2")
	assert.False(t, ok)
}

// ============================================================
// Server wiring and error shape
// ============================================================

func TestNewMCPServer_Constructs(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", AccountID: "acct_1"})
	require.NotNil(t, s)
}

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// All handlers return (result, nil) even on failures. The failure is
	// encoded in result.IsError, not in the Go error.
	h := NewHandlers(NewBloomClient(Config{
		APIURL:    "http://127.0.0.1:1", // unreachable
		AccountID: "acct_1",
	}))

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"CheckBalance", func() (*mcp.CallToolResult, error) {
			return h.HandleCheckBalance(context.Background(), makeRequest(nil))
		}},
		{"GetLedgerHistory", func() (*mcp.CallToolResult, error) {
			return h.HandleGetLedgerHistory(context.Background(), makeRequest(nil))
		}},
		{"CreateInvestment", func() (*mcp.CallToolResult, error) {
			return h.HandleCreateInvestment(context.Background(), makeRequest(map[string]any{
				"project_ref": "p", "type": "standard", "amount_cents": float64(1000),
			}))
		}},
		{"GetInvestment", func() (*mcp.CallToolResult, error) {
			return h.HandleGetInvestment(context.Background(), makeRequest(map[string]any{"investment_id": "inv_1"}))
		}},
		{"ListQuests", func() (*mcp.CallToolResult, error) {
			return h.HandleListQuests(context.Background(), makeRequest(nil))
		}},
		{"ClaimReward", func() (*mcp.CallToolResult, error) {
			return h.HandleClaimReward(context.Background(), makeRequest(map[string]any{"quest_id": "q1"}))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			assert.NotNil(t, result, "handler should always return a result")
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}
