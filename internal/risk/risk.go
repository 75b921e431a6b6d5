// Package risk combines independently scored risk dimensions into one
// weighted protocol verdict.
//
// Every assessment carries 4 categories: security (the technical score),
// financial (TVL, volatility, liquidity), operational and market. Scores
// range from 0 (high risk) to 100 (low risk). The overall score is a
// weighted sum of the category scores and nothing else.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/riskscore/internal/httpcache"
	"github.com/mbd888/riskscore/internal/scoring"
)

// Level is the traffic-light classification of an overall score.
type Level string

const (
	LevelLow    Level = "Low"
	LevelMedium Level = "Medium"
	LevelHigh   Level = "High"
)

// Category is one scored risk dimension.
type Category string

const (
	CategorySecurity    Category = "security"
	CategoryFinancial   Category = "financial"
	CategoryOperational Category = "operational"
	CategoryMarket      Category = "market"
)

// Categories lists every category in weight order.
var Categories = []Category{CategorySecurity, CategoryFinancial, CategoryOperational, CategoryMarket}

// Default thresholds for the risk level.
const (
	DefaultLowThreshold    = 70
	DefaultMediumThreshold = 40
)

// Weights are the category weights of the overall score.
type Weights struct {
	Security    float64 `json:"security"`
	Financial   float64 `json:"financial"`
	Operational float64 `json:"operational"`
	Market      float64 `json:"market"`
}

// DefaultWeights returns 0.40/0.30/0.20/0.10.
func DefaultWeights() Weights {
	return Weights{Security: 0.40, Financial: 0.30, Operational: 0.20, Market: 0.10}
}

// ErrInvalidWeights is returned by Weights.Validate.
var ErrInvalidWeights = errors.New("invalid risk weights")

// Validate requires non-negative weights summing to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Security, w.Financial, w.Operational, w.Market} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: negative or NaN weight", ErrInvalidWeights)
		}
	}
	if sum := w.Security + w.Financial + w.Operational + w.Market; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: weights sum to %.4f, want 1", ErrInvalidWeights, sum)
	}
	return nil
}

const basisPointScale = 10_000

// BasisPoints returns the weight of c in hundredths of a percent.
func (w Weights) BasisPoints(c Category) int64 {
	return int64(math.Round(w.Of(c) * basisPointScale))
}

// Of returns the weight of c.
func (w Weights) Of(c Category) float64 {
	switch c {
	case CategorySecurity:
		return w.Security
	case CategoryFinancial:
		return w.Financial
	case CategoryOperational:
		return w.Operational
	case CategoryMarket:
		return w.Market
	}
	return 0
}

// RiskAssessment is the verdict for one subject in one refresh cycle.
type RiskAssessment struct {
	ID string `json:"id"`
	// Key identifies the assessed subject: a catalog protocol ID or
	// chain:network:identifier.
	Key              string                                 `json:"key"`
	Overall          int                                    `json:"overall"`
	RiskLevel        Level                                  `json:"risk_level"`
	CategoryScores   map[Category]scoring.ScoreResult       `json:"category_scores"`
	DataAvailability map[Category]httpcache.Availability    `json:"data_availability"`
	Weights          Weights                                `json:"weights"`
	ComputedAt       time.Time                              `json:"computed_at"`
	CycleID          string                                 `json:"cycle_id"`
	Partial          bool                                   `json:"partial"`
	// MissingCategories lists categories whose inputs were all unavailable.
	MissingCategories []Category `json:"missing_categories"`
}

// Clone returns a deep copy.
func (a *RiskAssessment) Clone() *RiskAssessment {
	if a == nil {
		return nil
	}
	c := *a
	c.CategoryScores = make(map[Category]scoring.ScoreResult, len(a.CategoryScores))
	for k, v := range a.CategoryScores {
		v.Reasons = append([]string(nil), v.Reasons...)
		c.CategoryScores[k] = v
	}
	c.DataAvailability = make(map[Category]httpcache.Availability, len(a.DataAvailability))
	for k, v := range a.DataAvailability {
		c.DataAvailability[k] = v
	}
	c.MissingCategories = append([]Category(nil), a.MissingCategories...)
	return &c
}

// ErrNotFound is returned when no assessment exists for a key.
var ErrNotFound = errors.New("assessment not found")

// Store keeps assessments per subject key, newest last.
type Store interface {
	Record(ctx context.Context, assessment *RiskAssessment) error
	// Latest returns the most recent assessment for key or ErrNotFound.
	Latest(ctx context.Context, key string) (*RiskAssessment, error)
	// ListByKey returns up to limit assessments for key, most recent first.
	ListByKey(ctx context.Context, key string, limit int) ([]*RiskAssessment, error)
}
