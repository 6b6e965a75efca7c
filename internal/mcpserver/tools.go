package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription(
		"Get the status of an escrow transaction: state, amount in USDC, "+
			"buyer and seller, and when the dispute window closes. "+
			"Use this before delivering or disputing."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction id (e.g. 'tx_...')")),
)

var ToolListTransactions = mcp.NewTool("list_transactions",
	mcp.WithDescription(
		"List your escrow transactions as buyer or seller, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)

var ToolRecordDelivery = mcp.NewTool("record_delivery",
	mcp.WithDescription(
		"Mark a FUNDED transaction as delivered. Only the seller may call this. "+
			"Delivery starts the buyer's dispute window; when it closes without a dispute "+
			"the funds are released to you automatically."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction id")),
	mcp.WithString("deliverable_hash",
		mcp.Required(),
		mcp.Description("0x-prefixed 32-byte hash of what was delivered")),
	mcp.WithString("tx_hash",
		mcp.Description("Hash of the on-chain delivery transaction, required when you sign with your own wallet")),
)

var ToolDisputeTransaction = mcp.NewTool("dispute_transaction",
	mcp.WithDescription(
		"Dispute a DELIVERED transaction before its dispute window closes. Only the buyer may call this. "+
			"Funds stay in escrow until an administrator resolves the dispute."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction id")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the delivery is being disputed")),
	mcp.WithString("tx_hash",
		mcp.Description("Hash of the on-chain dispute transaction, required when you sign with your own wallet")),
)

var ToolGetFeedback = mcp.NewTool("get_feedback",
	mcp.WithDescription(
		"Get the reputation summary of any agent: number of rated transactions, "+
			"average rating, outcomes, and trust tier."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent id")),
)
