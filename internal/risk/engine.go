package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mbd888/riskscore/internal/httpcache"
	"github.com/mbd888/riskscore/internal/idgen"
	"github.com/mbd888/riskscore/internal/market"
	"github.com/mbd888/riskscore/internal/scoring"
)

// Version identifies the aggregation rules. Receipts record it.
const Version = "risk-aggregator/v1"

const (
	neutralScore     = 50
	maxReasons       = 3
	insufficientData = "Insufficient data: TVL and market data unavailable"
)

// TechnicalInputs is the security category input.
type TechnicalInputs struct {
	Result       scoring.ScoreResult
	Availability httpcache.Availability
}

// FinancialInputs carries the TVL and market signals. A nil field means
// that signal is unavailable.
type FinancialInputs struct {
	Protocol *market.ProtocolData
	Token    *market.TokenData
}

// OperationalInputs carries protocol metadata.
type OperationalInputs struct {
	// Category is the protocol category (Lending, DEX, ...), if known.
	Category string
}

// MarketInputs carries adoption signals. A nil field means unavailable.
type MarketInputs struct {
	Token    *market.TokenData
	Protocol *market.ProtocolData
}

// Engine aggregates category scores.
type Engine struct {
	weights         Weights
	lowThreshold    int
	mediumThreshold int
	extended        bool
	now             func() time.Time
}

// NewEngine creates an aggregator with default weights and thresholds.
// Operational and market categories are neutral placeholders unless
// extended scoring is enabled.
func NewEngine() *Engine {
	return &Engine{
		weights:         DefaultWeights(),
		lowThreshold:    DefaultLowThreshold,
		mediumThreshold: DefaultMediumThreshold,
		now:             time.Now,
	}
}

// WithWeights overrides the category weights. Validate them first.
func (e *Engine) WithWeights(w Weights) *Engine {
	e.weights = w
	return e
}

// WithThresholds overrides the Low and Medium level thresholds.
func (e *Engine) WithThresholds(low, medium int) *Engine {
	e.lowThreshold = low
	e.mediumThreshold = medium
	return e
}

// WithExtendedScoring scores the operational and market categories from
// protocol category, market-cap rank and chain count.
func (e *Engine) WithExtendedScoring(on bool) *Engine {
	e.extended = on
	return e
}

// WithClock replaces the time source for ComputedAt.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Weights returns the weights in effect.
func (e *Engine) Weights() Weights { return e.weights }

// Thresholds returns the Low and Medium level thresholds.
func (e *Engine) Thresholds() (low, medium int) { return e.lowThreshold, e.mediumThreshold }

// Extended reports whether extended scoring is on.
func (e *Engine) Extended() bool { return e.extended }

// Aggregate builds a RiskAssessment. It is pure apart from the clock and
// ID; the overall score depends only on the four category scores.
func (e *Engine) Aggregate(tech TechnicalInputs, fin FinancialInputs, op OperationalInputs, mkt MarketInputs) *RiskAssessment {
	scores := map[Category]scoring.ScoreResult{
		CategorySecurity:  tech.Result,
		CategoryFinancial: FinancialScore(fin),
	}
	avail := map[Category]httpcache.Availability{
		CategorySecurity:  orUnavailable(tech.Availability),
		CategoryFinancial: signalAvailability(fin.Protocol, fin.Token),
	}

	if e.extended {
		scores[CategoryOperational] = OperationalScore(op)
		scores[CategoryMarket] = MarketScore(mkt)
		avail[CategoryOperational] = httpcache.Complete
		avail[CategoryMarket] = signalAvailability(mkt.Protocol, mkt.Token)
	} else {
		scores[CategoryOperational] = placeholder("Operational")
		scores[CategoryMarket] = placeholder("Market")
		avail[CategoryOperational] = httpcache.Complete
		avail[CategoryMarket] = httpcache.Complete
	}

	overall := e.Overall(scores)
	a := &RiskAssessment{
		ID:               idgen.WithPrefix("ra_"),
		Overall:          overall,
		RiskLevel:        e.Level(overall),
		CategoryScores:   scores,
		DataAvailability: avail,
		Weights:          e.weights,
		ComputedAt:       e.now().UTC(),
	}
	for _, c := range Categories {
		switch avail[c] {
		case httpcache.Unavailable:
			a.Partial = true
			a.MissingCategories = append(a.MissingCategories, c)
		case httpcache.Partial:
			a.Partial = true
		}
	}
	return a
}

// Overall is round(Σ weight × score), clamped to [0, 100]. It sums in
// basis points so exact .5 ties round up instead of drifting with float
// error.
func (e *Engine) Overall(scores map[Category]scoring.ScoreResult) int {
	var sum int64
	for _, c := range Categories {
		sum += e.weights.BasisPoints(c) * int64(scores[c].Score)
	}
	if sum < 0 {
		return 0
	}
	return scoring.Clamp(int((sum+basisPointScale/2)/basisPointScale), 0, 100)
}

// Level classifies an overall score.
func (e *Engine) Level(overall int) Level {
	switch {
	case overall >= e.lowThreshold:
		return LevelLow
	case overall >= e.mediumThreshold:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// FinancialScore starts at a neutral 50 and moves with TVL size, 24h price
// swing and volume relative to market cap. Missing signals are skipped
// with a reason; with neither signal the score stays 50.
func FinancialScore(in FinancialInputs) scoring.ScoreResult {
	var tvlKnown bool
	var tvl float64
	if in.Protocol != nil && in.Protocol.TVL != nil {
		tvlKnown, tvl = true, *in.Protocol.TVL
	}
	if !tvlKnown && in.Token == nil {
		return scoring.ScoreResult{Score: neutralScore, Reasons: []string{insufficientData}}
	}

	score := neutralScore
	var reasons []string

	if tvlKnown {
		switch {
		case tvl > 1_000_000_000:
			score += 25
			reasons = append(reasons, fmt.Sprintf("High TVL: $%.1fB", tvl/1e9))
		case tvl > 100_000_000:
			score += 15
			reasons = append(reasons, fmt.Sprintf("Moderate TVL: $%.0fM", tvl/1e6))
		case tvl > 10_000_000:
			score += 5
			reasons = append(reasons, fmt.Sprintf("Low TVL: $%.0fM", tvl/1e6))
		default:
			score -= 10
			reasons = append(reasons, fmt.Sprintf("Very low TVL: $%.1fM", tvl/1e6))
		}
	} else {
		reasons = append(reasons, "TVL data unavailable")
	}

	if t := in.Token; t != nil {
		swing := math.Abs(t.PriceChange24h)
		switch {
		case swing > 20:
			score -= 15
			reasons = append(reasons, fmt.Sprintf("High volatility: %.1f%% (24h)", swing))
		case swing > 10:
			score -= 5
			reasons = append(reasons, fmt.Sprintf("Moderate volatility: %.1f%% (24h)", swing))
		case swing < 5:
			score += 10
			reasons = append(reasons, fmt.Sprintf("Low volatility: %.1f%% (24h)", swing))
		}
		if t.MarketCap > 0 {
			switch ratio := t.Volume24h / t.MarketCap; {
			case ratio > 0.1:
				score += 10
				reasons = append(reasons, "High liquidity")
			case ratio < 0.01:
				score -= 5
				reasons = append(reasons, "Low liquidity")
			}
		}
	} else {
		reasons = append(reasons, "Market data unavailable")
	}

	return scoring.ScoreResult{Score: scoring.Clamp(score, 0, 100), Reasons: truncate(reasons)}
}

// OperationalScore is the extended operational rule: 60, plus 10 for
// established categories.
func OperationalScore(in OperationalInputs) scoring.ScoreResult {
	score := 60
	var reasons []string
	switch strings.ToLower(in.Category) {
	case "lending", "dex", "dexes", "dexs":
		score += 10
		reasons = append(reasons, "Established category: "+in.Category)
	}
	reasons = append(reasons, "Governance structure: not evaluated")
	return scoring.ScoreResult{Score: scoring.Clamp(score, 0, 100), Reasons: truncate(reasons)}
}

// MarketScore is the extended market rule: 50 moved by market-cap rank and
// multi-chain presence.
func MarketScore(in MarketInputs) scoring.ScoreResult {
	if in.Token == nil && in.Protocol == nil {
		return scoring.ScoreResult{Score: neutralScore, Reasons: []string{"Insufficient data: market rank and chain data unavailable"}}
	}

	score := neutralScore
	var reasons []string

	if in.Token != nil {
		rank := 999
		if in.Token.MarketCapRank != nil {
			rank = *in.Token.MarketCapRank
		}
		switch {
		case rank <= 50:
			score += 30
			reasons = append(reasons, fmt.Sprintf("Top 50 by market cap (#%d)", rank))
		case rank <= 100:
			score += 20
			reasons = append(reasons, fmt.Sprintf("Top 100 by market cap (#%d)", rank))
		case rank <= 200:
			score += 10
			reasons = append(reasons, fmt.Sprintf("Top 200 by market cap (#%d)", rank))
		case in.Token.MarketCapRank == nil:
			score -= 10
			reasons = append(reasons, "Unranked by market cap")
		default:
			score -= 10
			reasons = append(reasons, fmt.Sprintf("Lower market cap rank (#%d)", rank))
		}
	} else {
		reasons = append(reasons, "Market rank unavailable")
	}

	if in.Protocol != nil {
		switch n := len(in.Protocol.Chains); {
		case n > 5:
			score += 15
			reasons = append(reasons, fmt.Sprintf("Multi-chain: %d chains", n))
		case n > 2:
			score += 5
			reasons = append(reasons, fmt.Sprintf("Multi-chain: %d chains", n))
		}
	}

	return scoring.ScoreResult{Score: scoring.Clamp(score, 0, 100), Reasons: truncate(reasons)}
}

func placeholder(name string) scoring.ScoreResult {
	return scoring.ScoreResult{Score: neutralScore, Reasons: []string{name + " risk: not evaluated (neutral placeholder)"}}
}

// signalAvailability folds two optional signals: both missing is
// unavailable, one missing is partial, otherwise the worst of the two.
func signalAvailability(p *market.ProtocolData, t *market.TokenData) httpcache.Availability {
	var got []httpcache.Availability
	if p != nil {
		got = append(got, orUnavailable(p.Availability))
	}
	if t != nil {
		got = append(got, orUnavailable(t.Availability))
	}
	switch len(got) {
	case 0:
		return httpcache.Unavailable
	case 1:
		return httpcache.Worst(got[0], httpcache.Partial)
	default:
		return httpcache.Worst(got...)
	}
}

func orUnavailable(a httpcache.Availability) httpcache.Availability {
	if a == "" {
		return httpcache.Unavailable
	}
	return a
}

func truncate(reasons []string) []string {
	if len(reasons) > maxReasons {
		return reasons[:maxReasons]
	}
	return reasons
}

// Aggregate scores with a default engine.
func Aggregate(tech TechnicalInputs, fin FinancialInputs, op OperationalInputs, mkt MarketInputs) *RiskAssessment {
	return NewEngine().Aggregate(tech, fin, op, mkt)
}
