package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *BloomClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *BloomClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance returns the account's points balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetLedgerHistory lists recent ledger entries.
func (h *Handlers) HandleGetLedgerHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetLedgerHistory(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get ledger history: %v", err)), nil
	}

	text, err := formatLedgerEntries(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse ledger history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCreateInvestment starts a new investment.
func (h *Handlers) HandleCreateInvestment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectRef := req.GetString("project_ref", "")
	if projectRef == "" {
		return mcp.NewToolResultError("project_ref is required"), nil
	}
	investType := req.GetString("type", "")
	if investType == "" {
		return mcp.NewToolResultError("type is required"), nil
	}
	amountCents := req.GetInt("amount_cents", 0)
	if amountCents <= 0 {
		return mcp.NewToolResultError("amount_cents must be positive"), nil
	}

	raw, err := h.client.CreateInvestment(ctx, projectRef, investType, int64(amountCents))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create investment: %v", err)), nil
	}

	text, err := formatInvestment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse investment: %v", err)), nil
	}

	return mcp.NewToolResultText(text +
		"\nThe investment is pending until the payment provider confirms the charge. " +
		"Use get_investment to check its status."), nil
}

// HandleGetInvestment fetches an investment's current state.
func (h *Handlers) HandleGetInvestment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	investmentID := req.GetString("investment_id", "")
	if investmentID == "" {
		return mcp.NewToolResultError("investment_id is required"), nil
	}

	raw, err := h.client.GetInvestment(ctx, investmentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get investment: %v", err)), nil
	}

	text, err := formatInvestment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse investment: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListQuests lists active quests with the account's progress.
func (h *Handlers) HandleListQuests(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	questsRaw, err := h.client.ListQuests(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list quests: %v", err)), nil
	}

	// Progress is best-effort; quests without any are still worth showing.
	progressRaw, err := h.client.ListQuestProgress(ctx)
	if err != nil {
		progressRaw = nil
	}

	text, err := formatQuestList(questsRaw, progressRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quests: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleClaimReward claims a completed quest's reward.
func (h *Handlers) HandleClaimReward(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	questID := req.GetString("quest_id", "")
	if questID == "" {
		return mcp.NewToolResultError("quest_id is required"), nil
	}

	raw, err := h.client.ClaimReward(ctx, questID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to claim reward: %v", err)), nil
	}

	text, err := formatClaim(questID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Balance might be at top level or nested under "balance"
	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}

	points, ok := getFloat(bal, "points", "balance")
	if !ok {
		return "", fmt.Errorf("no points in response: %s", string(raw))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Bloom points balance: %.0f\n", points)
	if v := getString(bal, "accountId", "account_id"); v != "" {
		fmt.Fprintf(&sb, "Account: %s\n", v)
	}
	if v := getString(bal, "updatedAt", "updated_at"); v != "" {
		fmt.Fprintf(&sb, "Last change: %s\n", v)
	}
	return sb.String(), nil
}

func formatLedgerEntries(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []map[string]any `json:"entries"`
	}
	// Try as {"entries": [...]}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Entries == nil {
		// Try as direct array
		if err := json.Unmarshal(raw, &resp.Entries); err != nil {
			return "", fmt.Errorf("unexpected ledger response format")
		}
	}

	if len(resp.Entries) == 0 {
		return "No ledger entries yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d ledger entr(y/ies):\n\n", len(resp.Entries))
	for i, e := range resp.Entries {
		delta, _ := getFloat(e, "delta", "points")
		sign := "+"
		if delta < 0 {
			sign = ""
		}
		fmt.Fprintf(&sb, "%d. %s%.0f points", i+1, sign, delta)
		if v := getString(e, "reasonCode", "reason_code", "reason"); v != "" {
			fmt.Fprintf(&sb, " (%s)", v)
		}
		sb.WriteString("\n")
		if src := getString(e, "sourceType", "source_type"); src != "" {
			fmt.Fprintf(&sb, "   Source: %s", src)
			if id := getString(e, "sourceId", "source_id"); id != "" {
				fmt.Fprintf(&sb, " %s", id)
			}
			sb.WriteString("\n")
		}
		if v := getString(e, "createdAt", "created_at"); v != "" {
			fmt.Fprintf(&sb, "   At: %s\n", v)
		}
	}
	return sb.String(), nil
}

func formatInvestment(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	inv := resp
	if i, ok := resp["investment"].(map[string]any); ok {
		inv = i
	}
	if getString(inv, "id") == "" {
		return "", fmt.Errorf("no investment in response: %s", string(raw))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Investment %s\n", getString(inv, "id"))
	fmt.Fprintf(&sb, "  Project: %s\n", getString(inv, "projectRef", "project_ref"))
	fmt.Fprintf(&sb, "  Type: %s\n", getString(inv, "type"))
	if amount, ok := getFloat(inv, "amountCents", "amount_cents"); ok {
		fmt.Fprintf(&sb, "  Amount: %.2f %s\n", amount/100, strings.ToUpper(getString(inv, "currency")))
	}
	if points, ok := getFloat(inv, "points"); ok {
		fmt.Fprintf(&sb, "  Points: %.0f\n", points)
	}
	fmt.Fprintf(&sb, "  Status: %s\n", getString(inv, "status"))
	if v := getString(inv, "failureReason", "failure_reason"); v != "" {
		fmt.Fprintf(&sb, "  Failure reason: %s\n", v)
	}

	if intent, ok := resp["paymentIntent"].(map[string]any); ok {
		fmt.Fprintf(&sb, "  Payment intent: %s", getString(intent, "id"))
		if v := getString(intent, "clientSecret", "client_secret"); v != "" {
			fmt.Fprintf(&sb, " (secret %s)", v)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatQuestList(questsRaw, progressRaw json.RawMessage) (string, error) {
	var quests struct {
		Quests []map[string]any `json:"quests"`
	}
	if err := json.Unmarshal(questsRaw, &quests); err != nil || quests.Quests == nil {
		if err := json.Unmarshal(questsRaw, &quests.Quests); err != nil {
			return "", fmt.Errorf("unexpected quests response format")
		}
	}

	if len(quests.Quests) == 0 {
		return "No active quests right now.", nil
	}

	// Index progress by quest ID.
	byQuest := map[string]map[string]any{}
	if progressRaw != nil {
		var progress struct {
			Progress []map[string]any `json:"progress"`
		}
		if err := json.Unmarshal(progressRaw, &progress); err != nil || progress.Progress == nil {
			_ = json.Unmarshal(progressRaw, &progress.Progress)
		}
		for _, p := range progress.Progress {
			if id := getString(p, "questId", "quest_id"); id != "" {
				byQuest[id] = p
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d quest(s):\n\n", len(quests.Quests))
	for i, q := range quests.Quests {
		id := getString(q, "id")
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, getString(q, "title", "name"), id)
		if v := getString(q, "description"); v != "" {
			fmt.Fprintf(&sb, "   %s\n", v)
		}
		points, _ := getFloat(q, "points")
		reward := fmt.Sprintf("%.0f points", points)
		if sku := getString(q, "itemSku", "item_sku"); sku != "" {
			reward += " + item " + sku
		}
		fmt.Fprintf(&sb, "   Reward: %s\n", reward)

		if p, ok := byQuest[id]; ok {
			count, _ := getFloat(p, "count")
			target, _ := getFloat(p, "target")
			fmt.Fprintf(&sb, "   Your progress: %.0f/%.0f (%s)\n", count, target, getString(p, "status"))
		} else if target, ok := getFloat(q, "target"); ok {
			fmt.Fprintf(&sb, "   Target: %.0f\n", target)
		}
		if i < len(quests.Quests)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatClaim(questID string, raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reward claimed for quest %s.\n", questID)
	if points, ok := getFloat(resp, "points"); ok && points > 0 {
		fmt.Fprintf(&sb, "  Points granted: %.0f\n", points)
	}
	if item, ok := resp["item"].(map[string]any); ok {
		fmt.Fprintf(&sb, "  Item: %s (x%.0f)\n", getString(item, "sku"), mustFloat(item, "quantity"))
	}
	if bal, ok := getFloat(resp, "newBalance", "new_balance"); ok {
		fmt.Fprintf(&sb, "  New balance: %.0f points\n", bal)
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func mustFloat(m map[string]any, key string) float64 {
	v, _ := getFloat(m, key)
	return v
}
