package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/riskscore/internal/assess"
	"github.com/mbd888/riskscore/internal/chain"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/risk"
	"github.com/mbd888/riskscore/internal/scoring"
)

const maxIDAttempts = 100

// Service implements receipt business logic.
type Service struct {
	store  Store
	signer *Signer
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a new receipt service.
// If signer is nil, receipts are stored unsigned.
func NewService(store Store, signer *Signer, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		signer: signer,
		now:    time.Now,
		logger: logging.OrDiscard(logger),
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Signing reports whether receipts are signed.
func (s *Service) Signing() bool { return s != nil && s.signer != nil }

// IssueAssessment builds, signs and persists the receipt for r. Nil-safe:
// a nil service does nothing.
func (s *Service) IssueAssessment(ctx context.Context, r *assess.Report) error {
	_, err := s.Issue(ctx, r)
	return err
}

// Issue is IssueAssessment returning the stored receipt.
func (s *Service) Issue(ctx context.Context, r *assess.Report) (*Receipt, error) {
	if s == nil {
		return nil, nil
	}
	if r == nil || r.Assessment == nil {
		return nil, errors.New("receipts: report has no assessment")
	}

	now := s.now().UTC()
	ts := now.Unix()
	rc := Build(r, ts)
	rc.IssuedAt = now

	base := BaseID(r.Identifier, ts)
	for i := 0; i < maxIDAttempts; i++ {
		rc.ID = base
		if i > 0 {
			rc.ID = base + "-" + strconv.Itoa(i)
		}
		// ID is part of the signed payload.
		hash, err := PayloadHash(rc.signedPayload())
		if err != nil {
			return nil, fmt.Errorf("receipts: failed to hash payload: %w", err)
		}
		rc.PayloadHash = hash
		sig, err := s.signer.Sign(rc.signedPayload())
		if err != nil {
			return nil, fmt.Errorf("receipts: failed to sign: %w", err)
		}
		rc.Signature = sig

		err = s.store.Create(ctx, rc)
		if errors.Is(err, ErrReceiptExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Debug("receipt issued", "id", rc.ID, "key", rc.Key, "signed", sig != "")
		return rc, nil
	}
	return nil, fmt.Errorf("receipts: no free id for %s", base)
}

// Build maps a report onto the receipt layout.
func Build(r *assess.Report, ts int64) *Receipt {
	a := r.Assessment
	cats := make(map[risk.Category]CategoryScore, len(a.CategoryScores))
	for c, sc := range a.CategoryScores {
		cats[c] = CategoryScore{Score: sc.Score, Reasons: sc.Reasons, Availability: string(a.DataAvailability[c])}
	}

	return &Receipt{
		Key: r.Key,
		Inputs: Inputs{
			ID:        r.Identifier,
			Request:   r.Request.Normalized(),
			Timestamp: ts,
			Datetime:  time.Unix(ts, 0).UTC().Format(time.RFC3339),
		},
		Facts:    r.Facts,
		Features: r.Features,
		Scores: Scores{
			Tech:        r.Technical.Score,
			TechReasons: r.Technical.Reasons,
			Overall:     a.Overall,
			RiskLevel:   a.RiskLevel,
			Categories:  cats,
		},
		Market: Market{Token: r.Token, Protocol: r.Protocol},
		Links:  links(r),
		TS:     ts,
		Versions: Versions{
			Prototype:  PrototypeVersion,
			Scoring:    scoring.Version,
			Aggregator: risk.Version,
		},
		Metadata: Metadata{
			AssessmentID: a.ID,
			CycleID:      r.CycleID,
			DurationMS:   r.DurationMS,
			Success:      len(a.MissingCategories) == 0,
			Partial:      a.Partial,
			Errors:       r.Errors,
		},
	}
}

func links(r *assess.Report) map[string]string {
	out := map[string]string{}
	if r.Facts != nil && r.Facts.ExplorerURL != "" {
		name := "etherscan"
		if r.Chain == chain.Hedera {
			name = "hashscan"
		}
		out[name] = r.Facts.ExplorerURL
	}
	if r.Request.CoinGeckoID != "" {
		out["coingecko"] = "https://www.coingecko.com/en/coins/" + r.Request.CoinGeckoID
	}
	if r.Request.DefiLlamaSlug != "" {
		out["defillama"] = "https://defillama.com/protocol/" + r.Request.DefiLlamaSlug
	}
	return out
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	return s.store.Get(ctx, id)
}

// List returns recent receipts, optionally for one key.
func (s *Service) List(ctx context.Context, key string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	if key != "" {
		return s.store.ListByKey(ctx, key, limit)
	}
	return s.store.List(ctx, limit)
}

// Verify checks that a receipt's hash and signature match its content.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	if s.signer == nil {
		return &VerifyResponse{
			Valid:     false,
			ReceiptID: receiptID,
			Error:     ErrSigningDisabled.Error(),
		}, nil
	}

	receipt, err := s.Get(ctx, receiptID)
	if err != nil {
		if errors.Is(err, ErrReceiptNotFound) || errors.Is(err, ErrInvalidID) {
			return &VerifyResponse{
				Valid:     false,
				ReceiptID: receiptID,
				Error:     ErrReceiptNotFound.Error(),
			}, nil
		}
		return nil, err
	}

	payload := receipt.signedPayload()
	resp := &VerifyResponse{ReceiptID: receiptID}

	hash, err := PayloadHash(payload)
	switch {
	case err != nil || hash != receipt.PayloadHash:
		resp.Error = "payload hash mismatch"
	case !s.signer.Verify(payload, receipt.Signature):
		resp.Error = "signature verification failed"
	default:
		resp.Valid = true
	}
	return resp, nil
}
