// Package chain resolves on-chain identifiers into RawChainFacts. Each chain
// family has an Adapter that knows its own identifier format, registries
// and governance idioms; a Registry selects the adapter by Chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/riskscore/internal/httpcache"
)

// Chain is a chain family.
type Chain string

const (
	Ethereum Chain = "ethereum"
	Hedera   Chain = "hedera"
)

// Network selects mainnet or testnet endpoints.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrUnsupportedChain  = errors.New("unsupported chain")
	ErrInvalidNetwork    = errors.New("invalid network")
)

// ParseChain accepts a chain name case-insensitively. "eth" and "evm" are
// aliases for ethereum.
func ParseChain(s string) (Chain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ethereum", "eth", "evm":
		return Ethereum, nil
	case "hedera", "hbar":
		return Hedera, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedChain, s)
	}
}

// ParseNetwork accepts mainnet or testnet; empty means mainnet.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidNetwork, s)
	}
}

// InvalidIdentifierError is returned before any network call when an
// identifier does not match the chain's format.
type InvalidIdentifierError struct {
	Chain      Chain
	Identifier string
	Reason     string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid %s identifier %q: %s", e.Chain, e.Identifier, e.Reason)
}

func (e *InvalidIdentifierError) Is(target error) bool { return target == ErrInvalidIdentifier }

// Capability is a privileged power some party may hold over an asset.
type Capability string

const (
	CapAdmin  Capability = "admin"
	CapSupply Capability = "supply"
	CapPause  Capability = "pause"
	CapFreeze Capability = "freeze"
	CapWipe   Capability = "wipe"
	CapKYC    Capability = "kyc"
	CapFee    Capability = "fee"
)

// IndicatorHoldersLowerBound marks a holder count read from one page only.
const IndicatorHoldersLowerBound = "holders:lower_bound"

// AllCapabilities lists every capability in evaluation order.
var AllCapabilities = []Capability{CapAdmin, CapSupply, CapPause, CapFreeze, CapWipe, CapKYC, CapFee}

// VerificationStatus is one source's answer about source verification.
type VerificationStatus string

const (
	VerificationAffirmed    VerificationStatus = "affirmed"
	VerificationDenied      VerificationStatus = "denied"
	VerificationUnavailable VerificationStatus = "unavailable"
)

// VerificationCheck records what one verification source said.
type VerificationCheck struct {
	Source  string             `json:"source"`
	Address string             `json:"address"`
	Status  VerificationStatus `json:"status"`
	Detail  string             `json:"detail,omitempty"`
}

// SourceFailure records an upstream that could not be read.
type SourceFailure struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// RawChainFacts is what an adapter learned about one entity. Its shape is
// chain-specific in content (indicator names, entity kinds) and is
// consumed only by the feature normalizer.
type RawChainFacts struct {
	Chain   Chain   `json:"chain"`
	Network Network `json:"network"`
	// Identifier is the caller's entity in normalized form. For proxies it
	// stays the proxy address.
	Identifier string `json:"identifier"`
	// Implementation is the resolved logic address when it differs from Identifier.
	Implementation string `json:"implementation,omitempty"`
	EntityType     string `json:"entity_type"`

	Verified      bool                `json:"verified"`
	BytecodeOnly  bool                `json:"bytecode_only"`
	Verifications []VerificationCheck `json:"verifications"`

	// Capabilities is nil when the governance structure could not be
	// inspected (no interface description, registry down).
	Capabilities map[Capability]bool `json:"capabilities"`
	// Indicators are the raw names that produced Capabilities: ABI
	// functions for EVM chains, key slots for ledger-native chains.
	Indicators []string `json:"indicators,omitempty"`

	Upgradeable bool `json:"upgradeable"`
	// Holders is nil when the chain cannot report a holder count.
	Holders     *int   `json:"holders"`
	ExplorerURL string `json:"explorer_url"`

	Availability httpcache.Availability `json:"availability"`
	Failures     []SourceFailure        `json:"failures,omitempty"`
	// FetchedAt is the oldest fetch time of any payload used.
	FetchedAt time.Time `json:"fetched_at"`
}

// CapabilitiesKnown reports whether governance was inspected.
func (f *RawChainFacts) CapabilitiesKnown() bool { return f.Capabilities != nil }

func (f *RawChainFacts) fail(source string, err error) {
	f.Failures = append(f.Failures, SourceFailure{Source: source, Reason: err.Error()})
}

// observe folds one upstream result's timestamp into FetchedAt.
func (f *RawChainFacts) observe(res *httpcache.Result) {
	if res == nil {
		return
	}
	if f.FetchedAt.IsZero() || res.FetchedAt.Before(f.FetchedAt) {
		f.FetchedAt = res.FetchedAt
	}
}

func (f *RawChainFacts) setCapability(c Capability, indicator string) {
	if f.Capabilities == nil {
		f.Capabilities = emptyCapabilities()
	}
	f.Capabilities[c] = true
	f.Indicators = append(f.Indicators, indicator)
}

func emptyCapabilities() map[Capability]bool {
	m := make(map[Capability]bool, len(AllCapabilities))
	for _, c := range AllCapabilities {
		m[c] = false
	}
	return m
}

// Fetcher is the slice of the cache client adapters need.
type Fetcher interface {
	GetJSON(ctx context.Context, req httpcache.GetRequest, out any) (*httpcache.Result, error)
	Do(ctx context.Context, req httpcache.Request) (*httpcache.Result, error)
}

// Adapter resolves identifiers of one chain family.
type Adapter interface {
	Chain() Chain
	// Normalize validates identifier and returns its canonical form, or an
	// *InvalidIdentifierError. It never touches the network.
	Normalize(identifier string) (string, error)
	// Resolve gathers facts. Upstream failures are reported inside the
	// facts; the only error is an invalid identifier or network.
	Resolve(ctx context.Context, identifier string, network Network) (*RawChainFacts, error)
}

// Registry maps chains to adapters.
type Registry struct {
	adapters map[Chain]Adapter
}

// NewRegistry registers adapters by their Chain.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Chain]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Chain()] = a
	}
	return r
}

// Get returns the adapter for c.
func (r *Registry) Get(c Chain) (Adapter, error) {
	a, ok := r.adapters[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, c)
	}
	return a, nil
}

// Chains lists registered chains in sorted order.
func (r *Registry) Chains() []Chain {
	out := make([]Chain, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve dispatches to the adapter for c.
func (r *Registry) Resolve(ctx context.Context, c Chain, identifier string, network Network) (*RawChainFacts, error) {
	a, err := r.Get(c)
	if err != nil {
		return nil, err
	}
	return a.Resolve(ctx, identifier, network)
}

// availabilityOf folds the sources an adapter consulted into one value:
// nothing read is unavailable, some sources failing is partial, otherwise
// the worst of what was read.
func availabilityOf(read []httpcache.Availability, failures int) httpcache.Availability {
	switch {
	case len(read) == 0:
		return httpcache.Unavailable
	case failures > 0:
		return httpcache.Worst(append(read, httpcache.Partial)...)
	default:
		return httpcache.Worst(read...)
	}
}
