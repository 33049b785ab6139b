package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Bloom MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check the account's current Bloom points balance. "+
			"Points are earned from settled investments, quest rewards and subscription cycles."),
)

var ToolGetLedgerHistory = mcp.NewTool("get_ledger_history",
	mcp.WithDescription(
		"List the account's most recent points ledger entries, newest first. "+
			"Each entry shows the signed delta, a reason code and the source it came from."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
)

var ToolCreateInvestment = mcp.NewTool("create_investment",
	mcp.WithDescription(
		"Start an investment into a project. Returns the pending investment and a payment "+
			"intent to complete with the payment provider. Points are only credited once the "+
			"provider confirms the charge."),
	mcp.WithString("project_ref",
		mcp.Required(),
		mcp.Description("Reference of the project to invest in (e.g. 'proj_solar')")),
	mcp.WithString("type",
		mcp.Required(),
		mcp.Description("Investment product type"),
		mcp.Enum("standard", "boost")),
	mcp.WithNumber("amount_cents",
		mcp.Required(),
		mcp.Description("Amount in minor currency units (e.g. 10000 for 100.00 EUR)")),
)

var ToolGetInvestment = mcp.NewTool("get_investment",
	mcp.WithDescription(
		"Look up an investment by ID to see whether it is still pending or has settled "+
			"(succeeded or failed) and how many points it carries."),
	mcp.WithString("investment_id",
		mcp.Required(),
		mcp.Description("The investment ID (e.g. 'inv_...')")),
)

var ToolListQuests = mcp.NewTool("list_quests",
	mcp.WithDescription(
		"Browse active quests with their targets and rewards, alongside the account's "+
			"progress on each."),
)

var ToolClaimReward = mcp.NewTool("claim_reward",
	mcp.WithDescription(
		"Claim the reward of a completed quest. Grants points and any reward item exactly "+
			"once; claiming twice is rejected."),
	mcp.WithString("quest_id",
		mcp.Required(),
		mcp.Description("The quest ID to claim")),
)
