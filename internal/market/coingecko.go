package market

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/mbd888/riskscore/internal/httpcache"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/validation"
)

// DefaultCoinGeckoBase is the public API root.
const DefaultCoinGeckoBase = "https://api.coingecko.com/api/v3"

// CoinGecko fetches token market data.
type CoinGecko struct {
	fetcher Fetcher
	base    string
	apiKey  string
	logger  *slog.Logger
}

// NewCoinGecko creates a client. An empty base uses the public API. Keys
// are sent as the pro header when base points at the pro API and as the
// demo header otherwise.
func NewCoinGecko(f Fetcher, base, apiKey string, logger *slog.Logger) *CoinGecko {
	if base == "" {
		base = DefaultCoinGeckoBase
	}
	return &CoinGecko{
		fetcher: f,
		base:    strings.TrimRight(base, "/"),
		apiKey:  apiKey,
		logger:  logging.OrDiscard(logger),
	}
}

type usdValue struct {
	USD float64 `json:"usd"`
}

type coinResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	MarketData struct {
		CurrentPrice             usdValue `json:"current_price"`
		MarketCap                usdValue `json:"market_cap"`
		TotalVolume              usdValue `json:"total_volume"`
		PriceChangePercentage24h float64  `json:"price_change_percentage_24h"`
		PriceChangePercentage7d  float64  `json:"price_change_percentage_7d"`
		MarketCapRank            *int     `json:"market_cap_rank"`
	} `json:"market_data"`
	LastUpdated string `json:"last_updated"`
}

func (c *CoinGecko) header() http.Header {
	if c.apiKey == "" {
		return nil
	}
	h := http.Header{}
	if strings.Contains(c.base, "pro-api") {
		h.Set("x-cg-pro-api-key", c.apiKey)
	} else {
		h.Set("x-cg-demo-api-key", c.apiKey)
	}
	return h
}

// Token returns market data for coinID.
func (c *CoinGecko) Token(ctx context.Context, coinID string) (*TokenData, error) {
	if !validation.IsValidSlug(coinID) {
		return nil, fmt.Errorf("%w: coingecko id %q", ErrInvalidSlug, coinID)
	}

	var resp coinResponse
	res, err := c.fetcher.GetJSON(ctx, httpcache.GetRequest{
		Source:   SourceCoinGecko,
		Endpoint: c.base + "/coins/" + url.PathEscape(coinID),
		Params: url.Values{
			"localization":   {"false"},
			"tickers":        {"false"},
			"community_data": {"false"},
			"developer_data": {"false"},
			"sparkline":      {"false"},
		},
		Header: c.header(),
	}, &resp)
	if err != nil {
		logging.L(ctx).Warn("coingecko lookup failed", "coin_id", coinID, "error", err)
		return nil, &SignalError{Source: SourceCoinGecko, ID: coinID, Err: err}
	}

	md := resp.MarketData
	rank := md.MarketCapRank
	if rank != nil && *rank <= 0 {
		rank = nil
	}
	return &TokenData{
		CoinID:         coinID,
		Name:           resp.Name,
		Symbol:         strings.ToUpper(resp.Symbol),
		Price:          md.CurrentPrice.USD,
		MarketCap:      md.MarketCap.USD,
		Volume24h:      md.TotalVolume.USD,
		PriceChange24h: md.PriceChangePercentage24h,
		PriceChange7d:  md.PriceChangePercentage7d,
		MarketCapRank:  rank,
		LastUpdated:    resp.LastUpdated,
		Availability:   res.Availability,
		FetchedAt:      res.FetchedAt,
	}, nil
}
