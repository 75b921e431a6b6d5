// Package receipts keeps an auditable record of every assessment.
//
// A receipt holds the inputs, raw chain facts, features, scores and
// rule-set versions of one run, so any score can be re-derived later. When
// an HMAC secret is configured each receipt is signed.
package receipts

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/riskscore/internal/assess"
	"github.com/mbd888/riskscore/internal/chain"
	"github.com/mbd888/riskscore/internal/features"
	"github.com/mbd888/riskscore/internal/market"
	"github.com/mbd888/riskscore/internal/risk"
)

// PrototypeVersion is the receipt layout version.
const PrototypeVersion = "0.3-multichain"

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrReceiptExists   = errors.New("receipts: already exists")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
	ErrInvalidID       = errors.New("receipts: invalid id")
)

// Inputs is what was asked for.
type Inputs struct {
	ID        string         `json:"id"`
	Request   assess.Request `json:"request"`
	Timestamp int64          `json:"timestamp"`
	Datetime  string         `json:"datetime"`
}

// Scores is the scoring outcome.
type Scores struct {
	Tech        int                             `json:"tech"`
	TechReasons []string                        `json:"tech_reasons"`
	Overall     int                             `json:"overall"`
	RiskLevel   risk.Level                      `json:"risk_level"`
	Categories  map[risk.Category]CategoryScore `json:"categories"`
}

// CategoryScore is one category's score, reasons and data availability.
type CategoryScore struct {
	Score        int      `json:"score"`
	Reasons      []string `json:"reasons"`
	Availability string   `json:"availability"`
}

// Market holds the market signals used, if any.
type Market struct {
	Token    *market.TokenData    `json:"token,omitempty"`
	Protocol *market.ProtocolData `json:"protocol,omitempty"`
}

// Versions pins the rule sets that produced the scores.
type Versions struct {
	Prototype  string `json:"prototype"`
	Scoring    string `json:"scoring"`
	Aggregator string `json:"aggregator"`
}

// Metadata describes the run itself.
type Metadata struct {
	AssessmentID string   `json:"assessment_id"`
	CycleID      string   `json:"cycle_id"`
	DurationMS   int64    `json:"analysis_duration_ms"`
	Success      bool     `json:"success"`
	Partial      bool     `json:"partial"`
	Errors       []string `json:"errors"`
}

// Receipt is the record of one assessment.
type Receipt struct {
	ID       string               `json:"id"`
	Key      string               `json:"key"`
	Inputs   Inputs               `json:"inputs"`
	Facts    *chain.RawChainFacts `json:"facts"`
	Features features.FeatureSet  `json:"features"`
	Scores   Scores               `json:"scores"`
	Market   Market               `json:"market"`
	Links    map[string]string    `json:"links"`
	TS       int64                `json:"ts"`
	Versions Versions             `json:"versions"`
	Metadata Metadata             `json:"metadata"`

	PayloadHash string    `json:"payload_hash"`
	Signature   string    `json:"signature,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}

// signedPayload is the receipt without its hash and signature.
func (r *Receipt) signedPayload() Receipt {
	p := *r
	p.PayloadHash = ""
	p.Signature = ""
	return p
}

// Summary is the list view of a receipt.
type Summary struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	TS        int64      `json:"ts"`
	Tech      int        `json:"tech_score"`
	Overall   int        `json:"overall"`
	RiskLevel risk.Level `json:"risk_level"`
	Success   bool       `json:"success"`
	Version   string     `json:"version"`
	Signed    bool       `json:"signed"`
}

// Summarize returns the list view of r.
func Summarize(r *Receipt) Summary {
	return Summary{
		ID:        r.ID,
		Key:       r.Key,
		TS:        r.TS,
		Tech:      r.Scores.Tech,
		Overall:   r.Scores.Overall,
		RiskLevel: r.Scores.RiskLevel,
		Success:   r.Metadata.Success,
		Version:   r.Versions.Prototype,
		Signed:    r.Signature != "",
	}
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receipt_id"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipts. Receipts are append-only.
type Store interface {
	// Create fails with ErrReceiptExists when the ID is taken.
	Create(ctx context.Context, receipt *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	// List returns up to limit receipts, newest first.
	List(ctx context.Context, limit int) ([]*Receipt, error)
	ListByKey(ctx context.Context, key string, limit int) ([]*Receipt, error)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,200}$`)

// ValidID reports whether id can name a receipt file.
func ValidID(id string) bool { return idPattern.MatchString(id) }

var idReplacer = strings.NewReplacer(".", "_", "/", "_", ":", "_")

// BaseID is <identifier with . / : replaced by _>-<unix ts>.
func BaseID(identifier string, ts int64) string {
	return idReplacer.Replace(identifier) + "-" + strconv.FormatInt(ts, 10)
}
