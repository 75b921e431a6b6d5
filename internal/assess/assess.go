// Package assess runs the end-to-end pipeline for one asset: chain facts,
// features, technical score, market signals and the aggregated verdict.
//
// The chain adapter and both market clients are fetched concurrently. A
// failing source never cancels its siblings; it only degrades the
// categories that depend on it.
package assess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/riskscore/internal/chain"
	"github.com/mbd888/riskscore/internal/features"
	"github.com/mbd888/riskscore/internal/httpcache"
	"github.com/mbd888/riskscore/internal/idgen"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/market"
	"github.com/mbd888/riskscore/internal/metrics"
	"github.com/mbd888/riskscore/internal/risk"
	"github.com/mbd888/riskscore/internal/scoring"
	"github.com/mbd888/riskscore/internal/traces"
	"github.com/mbd888/riskscore/internal/validation"
)

var (
	ErrInvalidRequest = errors.New("invalid assessment request")
	// ErrCrossCycle marks a fetch result from an older data snapshot that a
	// refetch could not bring into the current cycle.
	ErrCrossCycle = errors.New("result belongs to a different refresh cycle")
)

// Request is one assessment order.
type Request struct {
	Identifier    string `json:"identifier"`
	Chain         string `json:"chain"`
	Network       string `json:"network,omitempty"`
	CoinGeckoID   string `json:"coingecko_id,omitempty"`
	DefiLlamaSlug string `json:"defillama_slug,omitempty"`
	Category      string `json:"category,omitempty"`
	// ProtocolID is the catalog entry this request came from, if any.
	ProtocolID string `json:"protocol_id,omitempty"`
}

// Report is everything one assessment produced. Receipts persist it.
type Report struct {
	Key        string                `json:"key"`
	Request    Request               `json:"request"`
	Chain      chain.Chain           `json:"chain"`
	Network    chain.Network         `json:"network"`
	Identifier string                `json:"identifier"`
	Facts      *chain.RawChainFacts  `json:"facts"`
	Features   features.FeatureSet   `json:"features"`
	Technical  scoring.ScoreResult   `json:"technical"`
	Token      *market.TokenData     `json:"token,omitempty"`
	Protocol   *market.ProtocolData  `json:"protocol,omitempty"`
	Assessment *risk.RiskAssessment  `json:"assessment"`
	Errors     []string              `json:"errors,omitempty"`
	CycleID    string                `json:"cycle_id"`
	CycleStart time.Time             `json:"cycle_start"`
	DurationMS int64                 `json:"duration_ms"`
}

// PartialDataError accompanies a usable assessment whose inputs were
// incomplete.
type PartialDataError struct {
	Key      string
	Missing  []risk.Category
	Degraded []risk.Category
}

func (e *PartialDataError) Error() string {
	return fmt.Sprintf("partial assessment for %s: missing %v, degraded %v", e.Key, e.Missing, e.Degraded)
}

// TokenSource returns market data for a CoinGecko coin ID.
type TokenSource interface {
	Token(ctx context.Context, coinID string) (*market.TokenData, error)
}

// ProtocolSource returns TVL data for a DefiLlama slug.
type ProtocolSource interface {
	Protocol(ctx context.Context, slug string) (*market.ProtocolData, error)
}

// ReceiptIssuer persists a receipt for a finished report.
type ReceiptIssuer interface {
	IssueAssessment(ctx context.Context, r *Report) error
}

// Publisher fans finished reports out to live subscribers.
type Publisher interface {
	PublishAssessment(r *Report)
}

// Service runs assessments.
type Service struct {
	registry  *chain.Registry
	engine    *risk.Engine
	tokens    TokenSource
	protocols ProtocolSource
	store     risk.Store
	receipts  ReceiptIssuer
	publisher Publisher
	freshness time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates an assessment service. Market sources, store,
// receipts and publisher are optional.
func NewService(registry *chain.Registry, engine *risk.Engine, logger *slog.Logger) *Service {
	if engine == nil {
		engine = risk.NewEngine()
	}
	return &Service{
		registry:  registry,
		engine:    engine,
		freshness: httpcache.DefaultTTL,
		now:       time.Now,
		logger:    logging.OrDiscard(logger),
	}
}

// WithFreshness sets how old data may be at cycle start and still belong
// to the cycle's snapshot. Pass the cache TTL.
func (s *Service) WithFreshness(d time.Duration) *Service {
	if d > 0 {
		s.freshness = d
	}
	return s
}

// WithMarket sets the market-data sources.
func (s *Service) WithMarket(tokens TokenSource, protocols ProtocolSource) *Service {
	s.tokens = tokens
	s.protocols = protocols
	return s
}

// WithStore records every assessment into store.
func (s *Service) WithStore(store risk.Store) *Service {
	s.store = store
	return s
}

// WithReceipts issues a receipt per assessment.
func (s *Service) WithReceipts(r ReceiptIssuer) *Service {
	s.receipts = r
	return s
}

// WithPublisher publishes every report.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithClock replaces the time source used for cycle starts.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Engine returns the aggregator in use.
func (s *Service) Engine() *risk.Engine { return s.engine }

// Chains lists the chains an adapter is registered for.
func (s *Service) Chains() []chain.Chain { return s.registry.Chains() }

// Store returns the assessment store, or nil.
func (s *Service) Store() risk.Store { return s.store }

// Key names the assessed subject: the catalog ID when present, otherwise
// chain:network:identifier.
func Key(protocolID string, c chain.Chain, n chain.Network, identifier string) string {
	if protocolID != "" {
		return protocolID
	}
	return string(c) + ":" + string(n) + ":" + identifier
}

type target struct {
	adapter    chain.Adapter
	chain      chain.Chain
	network    chain.Network
	identifier string
}

// parse validates the chain, network and identifier without any I/O.
func (s *Service) parse(chainName, network, identifier string) (target, error) {
	c, err := chain.ParseChain(chainName)
	if err != nil {
		return target{}, err
	}
	n, err := chain.ParseNetwork(network)
	if err != nil {
		return target{}, err
	}
	a, err := s.registry.Get(c)
	if err != nil {
		return target{}, err
	}
	id, err := a.Normalize(identifier)
	if err != nil {
		return target{}, err
	}
	return target{adapter: a, chain: c, network: n, identifier: id}, nil
}

// Features resolves an entity and normalizes its facts.
func (s *Service) Features(ctx context.Context, chainName, network, identifier string) (*chain.RawChainFacts, features.FeatureSet, error) {
	t, err := s.parse(chainName, network, identifier)
	if err != nil {
		return nil, features.FeatureSet{}, err
	}
	ctx, span := traces.StartSpan(ctx, "assess.Features", traces.Chain(string(t.chain)), traces.Identifier(t.identifier))
	facts, err := t.adapter.Resolve(ctx, t.identifier, t.network)
	traces.End(span, err)
	if err != nil {
		return nil, features.FeatureSet{}, err
	}
	return facts, features.Normalize(facts, t.chain, t.network), nil
}

// Score resolves an entity and returns its technical score.
func (s *Service) Score(ctx context.Context, chainName, network, identifier string) (features.FeatureSet, scoring.ScoreResult, error) {
	_, fs, err := s.Features(ctx, chainName, network, identifier)
	if err != nil {
		return features.FeatureSet{}, scoring.ScoreResult{}, err
	}
	return fs, scoring.ScoreTechnical(fs), nil
}

// fetched is one concurrent fetch outcome.
type fetched[T any] struct {
	val T
	err error
}

// outside reports whether at falls before the cycle's snapshot window: data
// that was already stale when the cycle started. A zero time is unknown and
// never counts as outside.
func (s *Service) outside(c Cycle, at time.Time) bool {
	return !at.IsZero() && at.Before(c.Start.Add(-s.freshness))
}

// alignToCycle keeps one assessment from mixing snapshots. When some result
// falls inside the cycle's window and another does not, the older ones are
// refetched past the cache; a result that still predates the window is
// rejected with ErrCrossCycle.
func (s *Service) alignToCycle(ctx context.Context, c Cycle, t target, req Request,
	facts *fetched[*chain.RawChainFacts], token *fetched[*market.TokenData], protocol *fetched[*market.ProtocolData]) {
	var stamps []time.Time
	if facts.err == nil && facts.val != nil {
		stamps = append(stamps, facts.val.FetchedAt)
	}
	if token.err == nil && token.val != nil {
		stamps = append(stamps, token.val.FetchedAt)
	}
	if protocol.err == nil && protocol.val != nil {
		stamps = append(stamps, protocol.val.FetchedAt)
	}
	var inside, outside int
	for _, at := range stamps {
		switch {
		case at.IsZero():
		case s.outside(c, at):
			outside++
		default:
			inside++
		}
	}
	if inside == 0 || outside == 0 {
		return
	}

	ctx = httpcache.BypassFresh(ctx)
	var g errgroup.Group
	if facts.err == nil && facts.val != nil && s.outside(c, facts.val.FetchedAt) {
		g.Go(func() error {
			refetch(ctx, s, c, facts, factsTime, func(ctx context.Context) (*chain.RawChainFacts, error) {
				return t.adapter.Resolve(ctx, t.identifier, t.network)
			})
			return nil
		})
	}
	if token.err == nil && token.val != nil && s.outside(c, token.val.FetchedAt) {
		g.Go(func() error {
			refetch(ctx, s, c, token, tokenTime, func(ctx context.Context) (*market.TokenData, error) {
				return s.tokens.Token(ctx, req.CoinGeckoID)
			})
			return nil
		})
	}
	if protocol.err == nil && protocol.val != nil && s.outside(c, protocol.val.FetchedAt) {
		g.Go(func() error {
			refetch(ctx, s, c, protocol, protocolTime, func(ctx context.Context) (*market.ProtocolData, error) {
				return s.protocols.Protocol(ctx, req.DefiLlamaSlug)
			})
			return nil
		})
	}
	_ = g.Wait()
}

func refetch[T any](ctx context.Context, s *Service, c Cycle, slot *fetched[T], at func(T) time.Time, fetch func(context.Context) (T, error)) {
	old := at(slot.val)
	v, err := fetch(ctx)
	if err == nil && !s.outside(c, at(v)) {
		slot.val = v
		return
	}
	if err == nil {
		old = at(v)
	}
	var zero T
	slot.val = zero
	slot.err = fmt.Errorf("%w: data from %s, cycle %s started %s", ErrCrossCycle,
		old.UTC().Format(time.RFC3339), c.ID, c.Start.Format(time.RFC3339))
}

func factsTime(f *chain.RawChainFacts) time.Time {
	if f == nil {
		return time.Time{}
	}
	return f.FetchedAt
}

func tokenTime(td *market.TokenData) time.Time {
	if td == nil {
		return time.Time{}
	}
	return td.FetchedAt
}

func protocolTime(pd *market.ProtocolData) time.Time {
	if pd == nil {
		return time.Time{}
	}
	return pd.FetchedAt
}

// Assess runs the full pipeline. A malformed request fails before any
// network call. Upstream trouble never fails the call: the report is
// returned with a *PartialDataError describing what was missing.
func (s *Service) Assess(ctx context.Context, req Request) (*Report, error) {
	t, err := s.parse(req.Chain, req.Network, req.Identifier)
	if err != nil {
		return nil, err
	}
	for field, v := range map[string]string{"coingecko_id": req.CoinGeckoID, "defillama_slug": req.DefiLlamaSlug} {
		if v != "" && !validation.IsValidSlug(v) {
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidRequest, field, v)
		}
	}

	cycle, ok := CycleFrom(ctx)
	if !ok {
		cycle = NewCycle(s.now())
		ctx = WithCycle(ctx, cycle)
	}
	key := Key(req.ProtocolID, t.chain, t.network, t.identifier)
	log := s.logger.With("cycle_id", cycle.ID, "key", key)

	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "assess.Assess",
		traces.Chain(string(t.chain)), traces.Identifier(t.identifier), traces.CycleID(cycle.ID))
	defer span.End()

	var (
		factsRes    fetched[*chain.RawChainFacts]
		tokenRes    fetched[*market.TokenData]
		protocolRes fetched[*market.ProtocolData]
	)
	// Plain Group: no sibling cancellation. Every goroutine returns nil and
	// reports its outcome through its slot.
	var g errgroup.Group
	g.Go(func() error {
		facts, err := t.adapter.Resolve(ctx, t.identifier, t.network)
		factsRes = fetched[*chain.RawChainFacts]{val: facts, err: err}
		return nil
	})
	if s.tokens != nil && req.CoinGeckoID != "" {
		g.Go(func() error {
			td, err := s.tokens.Token(ctx, req.CoinGeckoID)
			tokenRes = fetched[*market.TokenData]{val: td, err: err}
			return nil
		})
	}
	if s.protocols != nil && req.DefiLlamaSlug != "" {
		g.Go(func() error {
			pd, err := s.protocols.Protocol(ctx, req.DefiLlamaSlug)
			protocolRes = fetched[*market.ProtocolData]{val: pd, err: err}
			return nil
		})
	}
	_ = g.Wait()
	s.alignToCycle(ctx, cycle, t, req, &factsRes, &tokenRes, &protocolRes)

	rep := &Report{
		Key:        key,
		Request:    req,
		Chain:      t.chain,
		Network:    t.network,
		Identifier: t.identifier,
		CycleID:    cycle.ID,
		CycleStart: cycle.Start,
	}

	facts, err := factsRes.val, factsRes.err
	if err != nil {
		log.Warn("chain facts unavailable", "error", err)
		rep.Errors = append(rep.Errors, "chain: "+err.Error())
		facts = nil
	}
	token, err := tokenRes.val, tokenRes.err
	if err != nil {
		log.Warn("market data unavailable", "source", market.SourceCoinGecko, "error", err)
		rep.Errors = append(rep.Errors, market.SourceCoinGecko+": "+err.Error())
		token = nil
	}
	protocol, err := protocolRes.val, protocolRes.err
	if err != nil {
		log.Warn("tvl data unavailable", "source", market.SourceDefiLlama, "error", err)
		rep.Errors = append(rep.Errors, market.SourceDefiLlama+": "+err.Error())
		protocol = nil
	}

	techAvail := httpcache.Unavailable
	if facts != nil {
		techAvail = facts.Availability
		for _, f := range facts.Failures {
			rep.Errors = append(rep.Errors, f.Source+": "+f.Reason)
		}
	}
	fs := features.Normalize(facts, t.chain, t.network)
	tech := scoring.ScoreTechnical(fs)

	category := req.Category
	if category == "" && protocol != nil {
		category = protocol.Category
	}
	a := s.engine.Aggregate(
		risk.TechnicalInputs{Result: tech, Availability: techAvail},
		risk.FinancialInputs{Protocol: protocol, Token: token},
		risk.OperationalInputs{Category: category},
		risk.MarketInputs{Token: token, Protocol: protocol},
	)
	a.Key = key
	a.CycleID = cycle.ID

	rep.Facts = facts
	rep.Features = fs
	rep.Technical = tech
	rep.Token = token
	rep.Protocol = protocol
	rep.Assessment = a
	rep.DurationMS = time.Since(start).Milliseconds()

	metrics.AssessmentsTotal.WithLabelValues(string(t.chain), string(a.RiskLevel)).Inc()
	metrics.AssessmentDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.Availability(string(httpcache.Worst(availabilities(a)...))))

	s.deliver(ctx, log, rep)

	log.Info("assessment complete",
		"overall", a.Overall, "level", a.RiskLevel, "partial", a.Partial, "duration_ms", rep.DurationMS)

	if a.Partial {
		metrics.PartialAssessmentsTotal.Inc()
		pe := &PartialDataError{Key: key, Missing: append([]risk.Category(nil), a.MissingCategories...)}
		for _, c := range risk.Categories {
			if a.DataAvailability[c] == httpcache.Partial {
				pe.Degraded = append(pe.Degraded, c)
			}
		}
		return rep, pe
	}
	return rep, nil
}

// deliver records, receipts and publishes a report. Failures are logged;
// the assessment itself stands.
func (s *Service) deliver(ctx context.Context, log *slog.Logger, rep *Report) {
	if s.store != nil {
		if err := s.store.Record(ctx, rep.Assessment); err != nil {
			log.Error("failed to record assessment", "error", err)
		}
	}
	if s.receipts != nil {
		if err := s.receipts.IssueAssessment(ctx, rep); err != nil {
			log.Error("failed to issue receipt", "error", err)
		}
	}
	if s.publisher != nil {
		s.publisher.PublishAssessment(rep)
	}
}

func availabilities(a *risk.RiskAssessment) []httpcache.Availability {
	out := make([]httpcache.Availability, 0, len(a.DataAvailability))
	for _, v := range a.DataAvailability {
		out = append(out, v)
	}
	return out
}

// IsPartial reports whether err only signals incomplete inputs.
func IsPartial(err error) bool {
	var pe *PartialDataError
	return errors.As(err, &pe)
}

// Cycle is one refresh cycle. An assessment under a cycle only combines
// data from the snapshot that was current when the cycle started.
type Cycle struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
}

// NewCycle starts a cycle at start.
func NewCycle(start time.Time) Cycle {
	return Cycle{ID: idgen.CycleID(start), Start: start.UTC()}
}

type cycleKey struct{}

// WithCycle attaches c to ctx; Assess then joins c instead of starting its
// own cycle.
func WithCycle(ctx context.Context, c Cycle) context.Context {
	ctx = logging.WithCycleID(ctx, c.ID)
	return context.WithValue(ctx, cycleKey{}, c)
}

// CycleFrom returns the cycle attached to ctx.
func CycleFrom(ctx context.Context) (Cycle, bool) {
	c, ok := ctx.Value(cycleKey{}).(Cycle)
	return c, ok
}

// Normalized returns req with chain and network in canonical form, for
// display and receipts.
func (r Request) Normalized() Request {
	r.Chain = strings.ToLower(strings.TrimSpace(r.Chain))
	r.Network = strings.ToLower(strings.TrimSpace(r.Network))
	if r.Network == "" {
		r.Network = string(chain.Mainnet)
	}
	return r
}
