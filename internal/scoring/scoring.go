// Package scoring is the deterministic technical-risk rule engine. It turns
// a FeatureSet into a 10-95 score (higher is safer) with at most three
// human-readable reasons.
package scoring

import (
	"github.com/mbd888/riskscore/internal/chain"
	"github.com/mbd888/riskscore/internal/features"
)

// Version identifies the rule set. Receipts record it.
const Version = "tech-baseline/v0.3"

const (
	MinScore = 10
	MaxScore = 95

	UnverifiedScore = 40
	VerifiedBase    = 85
	FlagPenalty     = 8
	MaxFlagPenalty  = 32
	ComboPenalty    = 8
	MaxReasons      = 3
)

const (
	ReasonUnverified = "Contract unverified"
	ReasonCombo      = "Upgradeable + admin control"
	ReasonClean      = "Verified source; no risky keys"
)

// flagOrder is the evaluation order. Earlier flags are more severe.
var flagOrder = []struct {
	capability chain.Capability
	reason     string
}{
	{chain.CapAdmin, "Admin key present"},
	{chain.CapSupply, "Supply key present"},
	{chain.CapPause, "Pause key present"},
	{chain.CapFreeze, "Freeze key present"},
	{chain.CapWipe, "Wipe key present"},
	{chain.CapKYC, "KYC key present"},
	{chain.CapFee, "Fee key present"},
}

// ScoreResult is a category score with its reasons, most severe first.
type ScoreResult struct {
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// ScoreTechnical applies the baseline rules:
//
//  1. unverified source scores 40 and nothing else is evaluated
//  2. verified starts at 85; each present flag costs 8, capped at 32
//  3. upgradeable with an admin key costs a further 8, outside the cap
//  4. the result is clamped to [10, 95]
func ScoreTechnical(fs features.FeatureSet) ScoreResult {
	if !fs.Verified {
		return ScoreResult{Score: UnverifiedScore, Reasons: []string{ReasonUnverified}}
	}

	score := VerifiedBase
	var reasons []string

	penalty := 0
	for _, f := range flagOrder {
		if penalty >= MaxFlagPenalty {
			break
		}
		if fs.Flag(f.capability) {
			penalty += FlagPenalty
			reasons = append(reasons, f.reason)
		}
	}
	score -= penalty

	if fs.Upgradeable && fs.HasAdminKey {
		score -= ComboPenalty
		reasons = append(reasons, ReasonCombo)
	}

	if len(reasons) == 0 {
		reasons = append(reasons, ReasonClean)
	}
	if len(reasons) > MaxReasons {
		reasons = reasons[:MaxReasons]
	}
	return ScoreResult{Score: Clamp(score, MinScore, MaxScore), Reasons: reasons}
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Explanation is a verbose rendering of a technical score.
type Explanation struct {
	Score          int      `json:"score"`
	Category       string   `json:"risk_category"`
	Reasons        []string `json:"primary_reasons"`
	Recommendation string   `json:"recommendation"`
	Methodology    string   `json:"methodology"`
	ScoreRange     string   `json:"score_range"`
}

// Explain describes a technical score in words.
func Explain(r ScoreResult) Explanation {
	e := Explanation{
		Score:       r.Score,
		Reasons:     r.Reasons,
		Methodology: Version,
		ScoreRange:  "10-95 (higher is safer)",
	}
	switch {
	case r.Score >= 80:
		e.Category = "Low Risk"
	case r.Score >= 60:
		e.Category = "Medium Risk"
	case r.Score >= 40:
		e.Category = "High Risk"
	default:
		e.Category = "Very High Risk"
	}
	switch {
	case r.Score <= 40:
		e.Recommendation = "High caution: source not verified or many privileged keys"
	case r.Score <= 60:
		e.Recommendation = "Moderate caution: some privileged keys present"
	case r.Score <= 80:
		e.Recommendation = "Generally safe: few privileged keys"
	default:
		e.Recommendation = "Low risk: verified source with minimal privileged keys"
	}
	return e
}
