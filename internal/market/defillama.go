package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/mbd888/riskscore/internal/httpcache"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/validation"
)

// DefaultDefiLlamaBase is the public API root.
const DefaultDefiLlamaBase = "https://api.llama.fi"

// DefiLlama fetches protocol TVL.
type DefiLlama struct {
	fetcher Fetcher
	base    string
	logger  *slog.Logger
}

// NewDefiLlama creates a client. An empty base uses the public API.
func NewDefiLlama(f Fetcher, base string, logger *slog.Logger) *DefiLlama {
	if base == "" {
		base = DefaultDefiLlamaBase
	}
	return &DefiLlama{fetcher: f, base: strings.TrimRight(base, "/"), logger: logging.OrDiscard(logger)}
}

type tvlPoint struct {
	Date              int64   `json:"date"`
	TotalLiquidityUSD float64 `json:"totalLiquidityUSD"`
}

type protocolResponse struct {
	Name     string          `json:"name"`
	Category string          `json:"category"`
	TVL      json.RawMessage `json:"tvl"`
	// CurrentChainTvls is the precomputed per-chain breakdown.
	CurrentChainTvls map[string]float64 `json:"currentChainTvls"`
	ChainTvls        map[string]struct {
		TVL []tvlPoint `json:"tvl"`
	} `json:"chainTvls"`
}

// Protocol returns TVL data for slug.
func (d *DefiLlama) Protocol(ctx context.Context, slug string) (*ProtocolData, error) {
	if !validation.IsValidSlug(slug) {
		return nil, fmt.Errorf("%w: defillama slug %q", ErrInvalidSlug, slug)
	}

	var resp protocolResponse
	res, err := d.fetcher.GetJSON(ctx, httpcache.GetRequest{
		Source:   SourceDefiLlama,
		Endpoint: d.base + "/protocol/" + url.PathEscape(slug),
	}, &resp)
	if err != nil {
		logging.L(ctx).Warn("defillama lookup failed", "slug", slug, "error", err)
		return nil, &SignalError{Source: SourceDefiLlama, ID: slug, Err: err}
	}

	out := &ProtocolData{
		Slug:         slug,
		Name:         resp.Name,
		Category:     resp.Category,
		Chains:       chainBreakdown(resp),
		Availability: res.Availability,
		FetchedAt:    res.FetchedAt,
	}
	if out.Name == "" {
		out.Name = slug
	}
	if out.Category == "" {
		out.Category = "Unknown"
	}

	// tvl is a daily series for most protocols and a bare number for a few.
	// Absent, null and empty values leave TVL unknown rather than zero.
	var series []tvlPoint
	var scalar *float64
	switch {
	case json.Unmarshal(resp.TVL, &series) == nil && len(series) > 0:
		current := series[len(series)-1].TotalLiquidityUSD
		out.TVL = &current
		out.TVLChange24h = changeOver(series, 1)
		out.TVLChange7d = changeOver(series, 7)
	case json.Unmarshal(resp.TVL, &scalar) == nil && scalar != nil:
		out.TVL = scalar
	default:
		logging.L(ctx).Debug("defillama reported no tvl", "slug", slug)
	}
	return out, nil
}

// changeOver returns the percentage change between the last point and the
// point days entries earlier.
func changeOver(series []tvlPoint, days int) *float64 {
	if len(series) <= days {
		return nil
	}
	prev := series[len(series)-1-days].TotalLiquidityUSD
	if prev <= 0 {
		return nil
	}
	pct := (series[len(series)-1].TotalLiquidityUSD - prev) / prev * 100
	return &pct
}

// chainBreakdown keeps real chains only. DefiLlama also reports derived
// buckets such as "borrowed", "staking" and "Ethereum-borrowed".
func chainBreakdown(resp protocolResponse) map[string]float64 {
	out := make(map[string]float64)
	if len(resp.CurrentChainTvls) > 0 {
		for name, v := range resp.CurrentChainTvls {
			if isChainBucket(name) {
				out[name] = v
			}
		}
		return out
	}
	for name, ct := range resp.ChainTvls {
		if !isChainBucket(name) || len(ct.TVL) == 0 {
			continue
		}
		out[name] = ct.TVL[len(ct.TVL)-1].TotalLiquidityUSD
	}
	return out
}

func isChainBucket(name string) bool {
	if strings.Contains(name, "-") {
		return false
	}
	switch strings.ToLower(name) {
	case "borrowed", "staking", "pool2", "vesting", "treasury", "offers":
		return false
	}
	return true
}
