// Package market fetches price, volume and TVL signals for a protocol.
// Clients go through the same cache/retry executor as the chain adapters
// and each reports its own availability: a missing TVL never blocks price
// data and vice versa.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/riskscore/internal/httpcache"
)

const (
	SourceCoinGecko = "coingecko"
	SourceDefiLlama = "defillama"
)

// ErrInvalidSlug is returned for a malformed coin ID or protocol slug.
var ErrInvalidSlug = errors.New("invalid market identifier")

// Fetcher is the slice of the cache client the clients need.
type Fetcher interface {
	GetJSON(ctx context.Context, req httpcache.GetRequest, out any) (*httpcache.Result, error)
}

// TokenData is CoinGecko market data in USD.
type TokenData struct {
	CoinID         string  `json:"coin_id"`
	Name           string  `json:"name"`
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price"`
	MarketCap      float64 `json:"market_cap"`
	Volume24h      float64 `json:"volume_24h"`
	PriceChange24h float64 `json:"price_change_24h"`
	PriceChange7d  float64 `json:"price_change_7d"`
	// MarketCapRank is nil for unranked coins.
	MarketCapRank *int   `json:"market_cap_rank"`
	LastUpdated   string `json:"last_updated,omitempty"`

	Availability httpcache.Availability `json:"availability"`
	FetchedAt    time.Time              `json:"fetched_at"`
}

// ProtocolData is DefiLlama TVL data in USD.
type ProtocolData struct {
	Slug     string  `json:"slug"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	// TVL is nil when DefiLlama reports no usable value.
	TVL *float64 `json:"tvl"`
	// TVLChange24h and TVLChange7d are percentages, nil without enough history.
	TVLChange24h *float64 `json:"tvl_change_24h"`
	TVLChange7d  *float64 `json:"tvl_change_7d"`
	// Chains maps chain name to its current TVL.
	Chains map[string]float64 `json:"chains"`

	Availability httpcache.Availability `json:"availability"`
	FetchedAt    time.Time              `json:"fetched_at"`
}

// SignalError wraps an upstream failure with the source that produced it.
type SignalError struct {
	Source string
	ID     string
	Err    error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Source, e.ID, e.Err)
}

func (e *SignalError) Unwrap() error { return e.Err }
