package assess

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskscore/internal/chain"
	"github.com/mbd888/riskscore/internal/httpcache"
	"github.com/mbd888/riskscore/internal/market"
	"github.com/mbd888/riskscore/internal/risk"
)

type stubAdapter struct {
	calls atomic.Int32
	facts *chain.RawChainFacts
	wait  func()
}

func (a *stubAdapter) Chain() chain.Chain { return chain.Ethereum }

func (a *stubAdapter) Normalize(id string) (string, error) {
	if !strings.HasPrefix(id, "0x") {
		return "", &chain.InvalidIdentifierError{Chain: chain.Ethereum, Identifier: id, Reason: "missing 0x"}
	}
	return strings.ToLower(id), nil
}

func (a *stubAdapter) Resolve(ctx context.Context, id string, n chain.Network) (*chain.RawChainFacts, error) {
	a.calls.Add(1)
	if a.wait != nil {
		a.wait()
	}
	f := *a.facts
	f.Identifier = id
	f.Network = n
	return &f, nil
}

type stubTokens struct {
	td   *market.TokenData
	err  error
	wait func()
}

func (s *stubTokens) Token(ctx context.Context, id string) (*market.TokenData, error) {
	if s.wait != nil {
		s.wait()
	}
	return s.td, s.err
}

type stubProtocols struct {
	pd   *market.ProtocolData
	err  error
	wait func()
}

func (s *stubProtocols) Protocol(ctx context.Context, slug string) (*market.ProtocolData, error) {
	if s.wait != nil {
		s.wait()
	}
	return s.pd, s.err
}

type recorder struct {
	mu        sync.Mutex
	receipts  []*Report
	published []*Report
}

func (r *recorder) IssueAssessment(ctx context.Context, rep *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, rep)
	return nil
}

func (r *recorder) PublishAssessment(rep *Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, rep)
}

func verifiedFacts() *chain.RawChainFacts {
	return &chain.RawChainFacts{
		Chain:        chain.Ethereum,
		EntityType:   "contract",
		Verified:     true,
		Capabilities: map[chain.Capability]bool{chain.CapAdmin: true},
		Availability: httpcache.Complete,
	}
}

func aaveToken() *market.TokenData {
	return &market.TokenData{CoinID: "aave", PriceChange24h: 2, Volume24h: 2e8, MarketCap: 1e9, Availability: httpcache.Complete}
}

func ptr(v float64) *float64 { return &v }

func aaveProtocol() *market.ProtocolData {
	return &market.ProtocolData{Slug: "aave", TVL: ptr(2e9), Category: "Lending", Availability: httpcache.Complete}
}

func aaveRequest() Request {
	return Request{Identifier: "0xABC", Chain: "ethereum", CoinGeckoID: "aave", DefiLlamaSlug: "aave", ProtocolID: "aave-v3"}
}

func TestAssessComplete(t *testing.T) {
	adapter := &stubAdapter{facts: verifiedFacts()}
	rec := &recorder{}
	store := risk.NewMemoryStore()
	svc := NewService(chain.NewRegistry(adapter), nil, nil).
		WithMarket(&stubTokens{td: aaveToken()}, &stubProtocols{pd: aaveProtocol()}).
		WithStore(store).
		WithReceipts(rec).
		WithPublisher(rec)

	rep, err := svc.Assess(context.Background(), aaveRequest())
	require.NoError(t, err)

	assert.Equal(t, "aave-v3", rep.Key)
	assert.Equal(t, "0xabc", rep.Identifier)
	assert.Equal(t, chain.Mainnet, rep.Network)
	assert.Equal(t, 77, rep.Technical.Score, "verified with one flag")
	assert.Equal(t, 95, rep.Assessment.CategoryScores[risk.CategoryFinancial].Score)
	// round(0.4*77 + 0.3*95 + 0.2*50 + 0.1*50) = round(74.3)
	assert.Equal(t, 74, rep.Assessment.Overall)
	assert.Equal(t, risk.LevelLow, rep.Assessment.RiskLevel)
	assert.False(t, rep.Assessment.Partial)
	assert.True(t, strings.HasPrefix(rep.CycleID, "cyc_"))
	assert.Equal(t, rep.CycleID, rep.Assessment.CycleID)

	latest, err := store.Latest(context.Background(), "aave-v3")
	require.NoError(t, err)
	assert.Equal(t, rep.Assessment.ID, latest.ID)
	assert.Len(t, rec.receipts, 1)
	assert.Len(t, rec.published, 1)
}

func TestAssessInvalidIdentifierMakesNoCalls(t *testing.T) {
	adapter := &stubAdapter{facts: verifiedFacts()}
	svc := NewService(chain.NewRegistry(adapter), nil, nil)

	_, err := svc.Assess(context.Background(), Request{Identifier: "nope", Chain: "ethereum"})
	assert.ErrorIs(t, err, chain.ErrInvalidIdentifier)
	assert.EqualValues(t, 0, adapter.calls.Load())

	_, err = svc.Assess(context.Background(), Request{Identifier: "0x1", Chain: "solana"})
	assert.ErrorIs(t, err, chain.ErrUnsupportedChain)

	_, err = svc.Assess(context.Background(), Request{Identifier: "0x1", Chain: "eth", Network: "goerli"})
	assert.ErrorIs(t, err, chain.ErrInvalidNetwork)

	_, err = svc.Assess(context.Background(), Request{Identifier: "0x1", Chain: "eth", CoinGeckoID: "Bad ID"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.EqualValues(t, 0, adapter.calls.Load())
}

func TestAssessMarketOutageIsPartial(t *testing.T) {
	down := &httpcache.DataUnavailable{Source: market.SourceCoinGecko, Reason: "503"}
	svc := NewService(chain.NewRegistry(&stubAdapter{facts: verifiedFacts()}), nil, nil).
		WithMarket(&stubTokens{err: down}, &stubProtocols{err: errors.New("timeout")})

	rep, err := svc.Assess(context.Background(), aaveRequest())
	require.Error(t, err)
	require.NotNil(t, rep)

	var pe *PartialDataError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []risk.Category{risk.CategoryFinancial}, pe.Missing)
	assert.True(t, IsPartial(err))

	fin := rep.Assessment.CategoryScores[risk.CategoryFinancial]
	assert.Equal(t, 50, fin.Score)
	assert.Equal(t, 77, rep.Assessment.CategoryScores[risk.CategorySecurity].Score, "security unaffected")
	assert.Len(t, rep.Errors, 2)
}

func TestAssessOneMarketSourceDegrades(t *testing.T) {
	svc := NewService(chain.NewRegistry(&stubAdapter{facts: verifiedFacts()}), nil, nil).
		WithMarket(&stubTokens{err: errors.New("down")}, &stubProtocols{pd: aaveProtocol()})

	rep, err := svc.Assess(context.Background(), aaveRequest())
	var pe *PartialDataError
	require.True(t, errors.As(err, &pe))
	assert.Empty(t, pe.Missing)
	assert.Equal(t, []risk.Category{risk.CategoryFinancial}, pe.Degraded)
	assert.Equal(t, httpcache.Partial, rep.Assessment.DataAvailability[risk.CategoryFinancial])
}

func TestAssessUnavailableChainFacts(t *testing.T) {
	facts := &chain.RawChainFacts{Chain: chain.Ethereum, Availability: httpcache.Unavailable,
		Failures: []chain.SourceFailure{{Source: "etherscan", Reason: "503"}}}
	svc := NewService(chain.NewRegistry(&stubAdapter{facts: facts}), nil, nil)

	rep, err := svc.Assess(context.Background(), Request{Identifier: "0x1", Chain: "ethereum"})
	var pe *PartialDataError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Missing, risk.CategorySecurity)
	assert.Equal(t, 40, rep.Technical.Score, "unknown verification scores as unverified")
	assert.Contains(t, rep.Errors, "etherscan: 503")
}

func TestAssessFetchesConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(3)
	barrier := func() {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	svc := NewService(chain.NewRegistry(&stubAdapter{facts: verifiedFacts(), wait: barrier}), nil, nil).
		WithMarket(&stubTokens{td: aaveToken(), wait: barrier}, &stubProtocols{pd: aaveProtocol(), wait: barrier})

	begin := time.Now()
	_, err := svc.Assess(context.Background(), aaveRequest())
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), time.Second, "fetches should overlap")
}

func TestAssessJoinsCallerCycle(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cyc := NewCycle(at)
	svc := NewService(chain.NewRegistry(&stubAdapter{facts: verifiedFacts()}), nil, nil)

	rep, err := svc.Assess(WithCycle(context.Background(), cyc), Request{Identifier: "0x1", Chain: "ethereum"})
	// No market keys: financial is unavailable.
	require.True(t, IsPartial(err))
	assert.Equal(t, cyc.ID, rep.CycleID)
	assert.Equal(t, at, rep.CycleStart)
	assert.Equal(t, "ethereum:mainnet:0x1", rep.Key)
	assert.True(t, strings.HasPrefix(cyc.ID, "cyc_20260301T120000_"))
}

// seqTokens returns its results in order, repeating the last one.
type seqTokens struct {
	mu      sync.Mutex
	results []*market.TokenData
	calls   int
}

func (s *seqTokens) Token(ctx context.Context, id string) (*market.TokenData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.results)-1)
	s.calls++
	td := *s.results[i]
	return &td, nil
}

func (s *seqTokens) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func tokenAt(at time.Time) *market.TokenData {
	td := aaveToken()
	td.FetchedAt = at
	return td
}

func TestAssessRefetchesDataFromEarlierSnapshot(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cyc := NewCycle(start)
	facts := verifiedFacts()
	facts.FetchedAt = start.Add(time.Second)
	pd := aaveProtocol()
	pd.FetchedAt = start.Add(time.Second)
	tokens := &seqTokens{results: []*market.TokenData{
		tokenAt(start.Add(-time.Hour)),
		tokenAt(start.Add(2 * time.Second)),
	}}

	svc := NewService(chain.NewRegistry(&stubAdapter{facts: facts}), nil, nil).
		WithFreshness(5*time.Minute).
		WithMarket(tokens, &stubProtocols{pd: pd})

	rep, err := svc.Assess(WithCycle(context.Background(), cyc), aaveRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, tokens.count(), "older token data is refetched")
	require.NotNil(t, rep.Token)
	assert.Equal(t, start.Add(2*time.Second), rep.Token.FetchedAt)
	assert.Empty(t, rep.Errors)
}

func TestAssessRejectsDataThatStaysInEarlierSnapshot(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cyc := NewCycle(start)
	facts := verifiedFacts()
	facts.FetchedAt = start
	pd := aaveProtocol()
	pd.FetchedAt = start
	// Upstream down: every refetch falls back to the same old entry.
	tokens := &seqTokens{results: []*market.TokenData{tokenAt(start.Add(-time.Hour))}}

	svc := NewService(chain.NewRegistry(&stubAdapter{facts: facts}), nil, nil).
		WithFreshness(5*time.Minute).
		WithMarket(tokens, &stubProtocols{pd: pd})

	rep, err := svc.Assess(WithCycle(context.Background(), cyc), aaveRequest())
	require.True(t, IsPartial(err))
	assert.Nil(t, rep.Token, "old token data must not be combined with this cycle")
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], ErrCrossCycle.Error())
	assert.Equal(t, httpcache.Partial, rep.Assessment.DataAvailability[risk.CategoryFinancial])
}

func TestAssessAcceptsOneConsistentOlderSnapshot(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := start.Add(-time.Hour)
	facts := verifiedFacts()
	facts.FetchedAt = old
	pd := aaveProtocol()
	pd.FetchedAt = old
	tokens := &seqTokens{results: []*market.TokenData{tokenAt(old)}}

	svc := NewService(chain.NewRegistry(&stubAdapter{facts: facts}), nil, nil).
		WithFreshness(5*time.Minute).
		WithMarket(tokens, &stubProtocols{pd: pd})

	rep, err := svc.Assess(WithCycle(context.Background(), NewCycle(start)), aaveRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.count())
	assert.NotNil(t, rep.Token)
}

func TestAssessCachedDataWithinFreshnessIsInCycle(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	facts := verifiedFacts()
	facts.FetchedAt = start.Add(time.Second)
	pd := aaveProtocol()
	pd.FetchedAt = start
	tokens := &seqTokens{results: []*market.TokenData{tokenAt(start.Add(-4 * time.Minute))}}

	svc := NewService(chain.NewRegistry(&stubAdapter{facts: facts}), nil, nil).
		WithFreshness(5*time.Minute).
		WithMarket(tokens, &stubProtocols{pd: pd})

	_, err := svc.Assess(WithCycle(context.Background(), NewCycle(start)), aaveRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.count(), "a cache hit from the current snapshot is not refetched")
}

func TestFeaturesAndScore(t *testing.T) {
	svc := NewService(chain.NewRegistry(&stubAdapter{facts: verifiedFacts()}), nil, nil)

	facts, fs, err := svc.Features(context.Background(), "eth", "testnet", "0xDEF")
	require.NoError(t, err)
	assert.Equal(t, "0xdef", facts.Identifier)
	assert.True(t, fs.Verified)
	assert.True(t, fs.Flag(chain.CapAdmin))

	_, res, err := svc.Score(context.Background(), "eth", "", "0xDEF")
	require.NoError(t, err)
	assert.Equal(t, 77, res.Score)

	_, _, err = svc.Score(context.Background(), "eth", "", "bad")
	assert.ErrorIs(t, err, chain.ErrInvalidIdentifier)
}
