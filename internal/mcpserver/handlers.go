package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/riskscore/internal/assess"
	"github.com/mbd888/riskscore/internal/catalog"
	"github.com/mbd888/riskscore/internal/features"
	"github.com/mbd888/riskscore/internal/risk"
	"github.com/mbd888/riskscore/internal/scoring"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *RiskClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *RiskClient) *Handlers {
	return &Handlers{client: client}
}

// HandleAssessAsset runs a fresh assessment.
func (h *Handlers) HandleAssessAsset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identifier := req.GetString("identifier", "")
	if identifier == "" {
		return mcp.NewToolResultError("identifier is required"), nil
	}
	chainName := req.GetString("chain", "")
	if chainName == "" {
		return mcp.NewToolResultError("chain is required"), nil
	}

	raw, err := h.client.Assess(ctx, assess.Request{
		Identifier:    identifier,
		Chain:         chainName,
		Network:       req.GetString("network", ""),
		CoinGeckoID:   req.GetString("coingecko_id", ""),
		DefiLlamaSlug: req.GetString("defillama_slug", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Assessment failed: %v", err)), nil
	}

	var resp struct {
		Report             assess.Report   `json:"report"`
		Partial            bool            `json:"partial"`
		MissingCategories  []risk.Category `json:"missing_categories"`
		DegradedCategories []risk.Category `json:"degraded_categories"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Report.Assessment == nil {
		return mcp.NewToolResultError("Failed to parse assessment response"), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Asset: %s\n", resp.Report.Key)
	writeAssessment(&sb, resp.Report.Assessment)
	if resp.Partial {
		sb.WriteString("\nPartial data:")
		if len(resp.MissingCategories) > 0 {
			fmt.Fprintf(&sb, " missing %s;", joinCategories(resp.MissingCategories))
		}
		if len(resp.DegradedCategories) > 0 {
			fmt.Fprintf(&sb, " degraded %s;", joinCategories(resp.DegradedCategories))
		}
		sb.WriteString(" missing categories score as neutral 50.\n")
	}
	if len(resp.Report.Errors) > 0 {
		sb.WriteString("\nUpstream errors:\n")
		for _, e := range resp.Report.Errors {
			fmt.Fprintf(&sb, "  - %s\n", e)
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetProtocolRisk returns a catalog protocol's latest assessment.
func (h *Handlers) HandleGetProtocolRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("protocol_id", "")
	if id == "" {
		return mcp.NewToolResultError("protocol_id is required"), nil
	}

	raw, err := h.client.GetProtocol(ctx, id, req.GetBool("refresh", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get protocol risk: %v", err)), nil
	}

	var resp struct {
		Protocol   catalog.Protocol     `json:"protocol"`
		Assessment *risk.RiskAssessment `json:"assessment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Assessment == nil {
		return mcp.NewToolResultError("Failed to parse protocol response"), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Protocol: %s (%s)\n", resp.Protocol.Name, resp.Protocol.ID)
	fmt.Fprintf(&sb, "Contract: %s on %s\n", resp.Protocol.ContractAddress, resp.Protocol.Chain)
	writeAssessment(&sb, resp.Assessment)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListProtocols lists the catalog.
func (h *Handlers) HandleListProtocols(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainFilter := strings.ToLower(req.GetString("chain", ""))

	raw, err := h.client.ListProtocols(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list protocols: %v", err)), nil
	}

	var resp struct {
		Protocols []catalog.ProtocolSummary `json:"protocols"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError("Failed to parse protocols response"), nil
	}

	var list []catalog.ProtocolSummary
	for _, p := range resp.Protocols {
		if chainFilter == "" || strings.EqualFold(p.Chain, chainFilter) {
			list = append(list, p)
		}
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No protocols tracked."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tracking %d protocol(s):\n\n", len(list))
	for i, p := range list {
		fmt.Fprintf(&sb, "%d. %s (%s) on %s\n", i+1, p.Name, p.ID, p.Chain)
		if p.Overall == nil {
			sb.WriteString("   Not assessed yet\n")
			continue
		}
		fmt.Fprintf(&sb, "   Score: %d/100 | Level: %s", *p.Overall, p.RiskLevel)
		if p.Partial {
			sb.WriteString(" | partial data")
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleExplainScore explains the technical score.
func (h *Handlers) HandleExplainScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identifier := req.GetString("identifier", "")
	if identifier == "" {
		return mcp.NewToolResultError("identifier is required"), nil
	}
	chainName := req.GetString("chain", "")
	if chainName == "" {
		return mcp.NewToolResultError("chain is required"), nil
	}
	network := req.GetString("network", "mainnet")

	raw, err := h.client.Score(ctx, chainName, network, identifier)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score: %v", err)), nil
	}

	var resp struct {
		Features    features.FeatureSet `json:"features"`
		Explanation scoring.Explanation `json:"explanation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError("Failed to parse score response"), nil
	}

	e := resp.Explanation
	var sb strings.Builder
	fmt.Fprintf(&sb, "Technical score: %d/100 (%s)\n", e.Score, e.Category)
	if len(e.Reasons) > 0 {
		sb.WriteString("Reasons:\n")
		for _, r := range e.Reasons {
			fmt.Fprintf(&sb, "  - %s\n", r)
		}
	}
	fmt.Fprintf(&sb, "Recommendation: %s\n", e.Recommendation)
	fmt.Fprintf(&sb, "Methodology: %s (%s)\n", e.Methodology, e.ScoreRange)
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func writeAssessment(sb *strings.Builder, a *risk.RiskAssessment) {
	fmt.Fprintf(sb, "Overall: %d/100 | Level: %s\n", a.Overall, a.RiskLevel)

	cats := make([]risk.Category, 0, len(a.CategoryScores))
	for c := range a.CategoryScores {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	sb.WriteString("Categories:\n")
	for _, c := range cats {
		s := a.CategoryScores[c]
		fmt.Fprintf(sb, "  %s: %d", c, s.Score)
		if av, ok := a.DataAvailability[c]; ok {
			fmt.Fprintf(sb, " [%s]", av)
		}
		if len(s.Reasons) > 0 {
			fmt.Fprintf(sb, " - %s", strings.Join(s.Reasons, "; "))
		}
		sb.WriteString("\n")
	}
	if a.CycleID != "" {
		fmt.Fprintf(sb, "Cycle: %s at %s\n", a.CycleID, a.ComputedAt.UTC().Format("2006-01-02 15:04:05Z"))
	}
}

func joinCategories(cs []risk.Category) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
