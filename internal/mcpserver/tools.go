package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the risk scoring MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAssessAsset = mcp.NewTool("assess_asset",
	mcp.WithDescription(
		"Run a fresh risk assessment of a smart contract or token. "+
			"Returns the overall 0-100 score (higher is safer), the risk level, "+
			"per-category scores and which data sources were unavailable. "+
			"Read-only: nothing is ever signed or submitted on chain."),
	mcp.WithString("identifier",
		mcp.Required(),
		mcp.Description("Contract address (0x... for Ethereum) or entity ID (0.0.N for Hedera)")),
	mcp.WithString("chain",
		mcp.Required(),
		mcp.Description("Chain the identifier lives on"),
		mcp.Enum("ethereum", "hedera")),
	mcp.WithString("network",
		mcp.Description("Network, default mainnet"),
		mcp.Enum("mainnet", "testnet")),
	mcp.WithString("coingecko_id",
		mcp.Description("CoinGecko coin ID for market signals (e.g. 'aave')")),
	mcp.WithString("defillama_slug",
		mcp.Description("DefiLlama protocol slug for TVL signals (e.g. 'aave-v3')")),
)

var ToolGetProtocolRisk = mcp.NewTool("get_protocol_risk",
	mcp.WithDescription(
		"Get the latest risk assessment of a tracked protocol by catalog ID. "+
			"Served from the periodic refresh unless refresh is set. "+
			"Use list_protocols to find IDs."),
	mcp.WithString("protocol_id",
		mcp.Required(),
		mcp.Description("Catalog ID (e.g. 'aave-v3', 'uniswap-v3')")),
	mcp.WithBoolean("refresh",
		mcp.Description("Force a fresh upstream read instead of the stored assessment")),
)

var ToolListProtocols = mcp.NewTool("list_protocols",
	mcp.WithDescription(
		"List the protocols this service tracks, with each one's latest score and risk level."),
	mcp.WithString("chain",
		mcp.Description("Only list protocols on this chain"),
		mcp.Enum("ethereum", "hedera")),
)

var ToolExplainScore = mcp.NewTool("explain_score",
	mcp.WithDescription(
		"Explain the technical score of a contract or token in plain words: "+
			"the risk category, the main reasons and a recommendation. "+
			"Covers verification, upgradeability and privileged capabilities only."),
	mcp.WithString("identifier",
		mcp.Required(),
		mcp.Description("Contract address (0x...) or Hedera entity ID (0.0.N)")),
	mcp.WithString("chain",
		mcp.Required(),
		mcp.Description("Chain the identifier lives on"),
		mcp.Enum("ethereum", "hedera")),
	mcp.WithString("network",
		mcp.Description("Network, default mainnet"),
		mcp.Enum("mainnet", "testnet")),
)
