package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the sale MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetSaleState = mcp.NewTool("get_sale_state",
	mcp.WithDescription(
		"Get the current state of the token sale: lifecycle (pending, open, committed, aborted), "+
			"target and minimums, total base tokens deposited, escrowed sale tokens, "+
			"the implied exchange rate and whether settlement has finished."),
)

var ToolGetBuyer = mcp.NewTool("get_buyer",
	mcp.WithDescription(
		"Look up one buyer of the sale: admitted deposit, pending allocation, "+
			"and the progress of the refund/forward and sale-token legs."),
	mcp.WithString("principal",
		mcp.Required(),
		mcp.Description("The buyer's principal (e.g. 'alice')")),
)

var ToolOpenSale = mcp.NewTool("open_sale",
	mcp.WithDescription(
		"Open a pending sale for deposits. Fails unless sale tokens are already escrowed "+
			"in the sale's ledger account and the end time has not passed."),
)

var ToolRefreshSaleTokens = mcp.NewTool("refresh_sale_tokens",
	mcp.WithDescription(
		"Re-read the sale-token balance escrowed by the sale. Only valid while the sale is pending."),
)

var ToolRefreshBuyer = mcp.NewTool("refresh_buyer",
	mcp.WithDescription(
		"Reconcile a buyer's deposit with the sale after they transferred base tokens to their "+
			"deposit subaccount. Deposits only ever increase; anything above the sale target stays "+
			"in the subaccount. May commit the sale if the target is reached."),
	mcp.WithString("principal",
		mcp.Description("Buyer to refresh. Defaults to the configured caller principal.")),
)

var ToolFinalizeSale = mcp.NewTool("finalize_sale",
	mcp.WithDescription(
		"Run one settlement pass over a committed or aborted sale. Moves base tokens and "+
			"sale tokens and registers participants. Safe to repeat until settlement is complete."),
)
