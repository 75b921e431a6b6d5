package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/mbd888/riskscore/internal/httpcache"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/validation"
)

const sourceHederaMirror = "hedera_mirror"

// holdersPageLimit is the page size of the balances query. The count is a
// lower bound when the mirror reports more pages.
const holdersPageLimit = 100

// HederaConfig holds endpoints for the Hedera adapter.
type HederaConfig struct {
	MirrorMainnet string // e.g. https://mainnet-public.mirrornode.hedera.com/api/v1
	MirrorTestnet string // e.g. https://testnet.mirrornode.hedera.com/api/v1
	SourcifyRepo  string // e.g. https://repo.sourcify.dev
	HashscanBase  string // e.g. https://hashscan.io
}

// HederaAdapter resolves shard.realm.num entity IDs via the mirror node.
// Token key slots map 1:1 onto capabilities; verification comes from the
// Sourcify repository for entities that carry EVM bytecode.
type HederaAdapter struct {
	cfg      HederaConfig
	fetcher  Fetcher
	sourcify sourcify
	logger   *slog.Logger
}

// NewHederaAdapter creates a Hedera adapter.
func NewHederaAdapter(f Fetcher, cfg HederaConfig, logger *slog.Logger) *HederaAdapter {
	return &HederaAdapter{
		cfg:      cfg,
		fetcher:  f,
		sourcify: sourcify{fetcher: f, repoBase: cfg.SourcifyRepo},
		logger:   logging.OrDiscard(logger),
	}
}

func (a *HederaAdapter) Chain() Chain { return Hedera }

// Normalize accepts shard.realm.num.
func (a *HederaAdapter) Normalize(identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if !validation.IsValidHederaID(id) {
		return "", &InvalidIdentifierError{Chain: Hedera, Identifier: identifier, Reason: "must be shard.realm.num, e.g. 0.0.123456"}
	}
	return id, nil
}

func hederaChainID(n Network) string {
	if n == Testnet {
		return "296"
	}
	return "295"
}

func (a *HederaAdapter) mirror(n Network) string {
	if n == Testnet {
		return strings.TrimRight(a.cfg.MirrorTestnet, "/")
	}
	return strings.TrimRight(a.cfg.MirrorMainnet, "/")
}

type mirrorKey struct {
	Type string `json:"_type"`
	Key  string `json:"key"`
}

type mirrorToken struct {
	TokenID        string     `json:"token_id"`
	Name           string     `json:"name"`
	Symbol         string     `json:"symbol"`
	Type           string     `json:"type"`
	AdminKey       *mirrorKey `json:"admin_key"`
	SupplyKey      *mirrorKey `json:"supply_key"`
	PauseKey       *mirrorKey `json:"pause_key"`
	FreezeKey      *mirrorKey `json:"freeze_key"`
	WipeKey        *mirrorKey `json:"wipe_key"`
	KYCKey         *mirrorKey `json:"kyc_key"`
	FeeScheduleKey *mirrorKey `json:"fee_schedule_key"`
}

// keySlots pairs each native key slot with the capability it grants.
func (t mirrorToken) keySlots() []struct {
	name string
	cap  Capability
	key  *mirrorKey
} {
	return []struct {
		name string
		cap  Capability
		key  *mirrorKey
	}{
		{"admin_key", CapAdmin, t.AdminKey},
		{"supply_key", CapSupply, t.SupplyKey},
		{"pause_key", CapPause, t.PauseKey},
		{"freeze_key", CapFreeze, t.FreezeKey},
		{"wipe_key", CapWipe, t.WipeKey},
		{"kyc_key", CapKYC, t.KYCKey},
		{"fee_schedule_key", CapFee, t.FeeScheduleKey},
	}
}

type mirrorBalances struct {
	Balances []struct {
		Account string `json:"account"`
		Balance int64  `json:"balance"`
	} `json:"balances"`
	Links struct {
		Next *string `json:"next"`
	} `json:"links"`
}

type mirrorContract struct {
	ContractID string     `json:"contract_id"`
	EVMAddress string     `json:"evm_address"`
	Bytecode   string     `json:"bytecode"`
	AdminKey   *mirrorKey `json:"admin_key"`
}

// Resolve reads the token and contract views of the entity. A 404 from
// either view means the entity is not of that kind.
func (a *HederaAdapter) Resolve(ctx context.Context, identifier string, network Network) (*RawChainFacts, error) {
	id, err := a.Normalize(identifier)
	if err != nil {
		return nil, err
	}
	if network != Mainnet && network != Testnet {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNetwork, network)
	}

	facts := &RawChainFacts{Chain: Hedera, Network: network, Identifier: id}
	var read []httpcache.Availability
	base := a.mirror(network)

	var token mirrorToken
	res, err := a.fetcher.GetJSON(ctx, httpcache.GetRequest{Source: sourceHederaMirror, Endpoint: base + "/tokens/" + id}, &token)
	tokenFound := err == nil
	tokenMissing := errors.Is(err, httpcache.ErrNotFound)
	switch {
	case tokenFound:
		read = append(read, res.Availability)
		facts.observe(res)
		facts.EntityType = "token"
		facts.Capabilities = emptyCapabilities()
		for _, slot := range token.keySlots() {
			if slot.key != nil && slot.key.Key != "" {
				facts.setCapability(slot.cap, "key:"+slot.name)
			}
		}
		a.holders(ctx, base, id, facts, &read)
	case tokenMissing:
		read = append(read, httpcache.Complete)
	default:
		facts.fail(sourceHederaMirror, fmt.Errorf("token lookup: %w", err))
	}

	var contract mirrorContract
	res, err = a.fetcher.GetJSON(ctx, httpcache.GetRequest{Source: sourceHederaMirror, Endpoint: base + "/contracts/" + id}, &contract)
	contractFound := err == nil
	contractMissing := errors.Is(err, httpcache.ErrNotFound)
	switch {
	case contractFound:
		read = append(read, res.Availability)
		facts.observe(res)
		if facts.EntityType == "" {
			facts.EntityType = "contract"
		}
		if facts.Capabilities == nil {
			facts.Capabilities = emptyCapabilities()
		}
		if contract.AdminKey != nil && contract.AdminKey.Key != "" {
			facts.setCapability(CapAdmin, "key:contract_admin_key")
		}
		a.verifyContract(ctx, contract, network, facts, &read)
	case contractMissing:
		read = append(read, httpcache.Complete)
	default:
		facts.fail(sourceHederaMirror, fmt.Errorf("contract lookup: %w", err))
	}

	if !contractFound && len(facts.Verifications) == 0 {
		status := VerificationDenied
		detail := "no contract bytecode"
		if !contractMissing {
			status = VerificationUnavailable
			detail = "contract lookup failed"
		}
		facts.Verifications = append(facts.Verifications, VerificationCheck{
			Source: sourceHederaMirror, Address: id, Status: status, Detail: detail,
		})
	}

	if facts.EntityType == "" {
		facts.EntityType = "token"
	}
	facts.ExplorerURL = fmt.Sprintf("%s/%s/%s/%s", strings.TrimRight(a.cfg.HashscanBase, "/"), network, facts.EntityType, id)
	facts.BytecodeOnly = !facts.Verified

	if tokenMissing && contractMissing {
		facts.fail(sourceHederaMirror, fmt.Errorf("entity %s not found on %s", id, network))
		facts.Availability = httpcache.Unavailable
	} else {
		facts.Availability = availabilityOf(read, len(facts.Failures))
	}

	logging.L(ctx).Debug("resolved hedera facts",
		"id", id,
		"entity_type", facts.EntityType,
		"verified", facts.Verified,
		"availability", facts.Availability,
	)
	return facts, nil
}

func (a *HederaAdapter) holders(ctx context.Context, base, id string, facts *RawChainFacts, read *[]httpcache.Availability) {
	var bal mirrorBalances
	res, err := a.fetcher.GetJSON(ctx, httpcache.GetRequest{
		Source:   sourceHederaMirror,
		Endpoint: base + "/tokens/" + id + "/balances",
		Params:   url.Values{"limit": {fmt.Sprint(holdersPageLimit)}},
	}, &bal)
	if err != nil {
		facts.fail(sourceHederaMirror, fmt.Errorf("balances lookup: %w", err))
		return
	}
	*read = append(*read, res.Availability)
	facts.observe(res)
	n := len(bal.Balances)
	facts.Holders = &n
	if bal.Links.Next != nil && *bal.Links.Next != "" {
		facts.Indicators = append(facts.Indicators, IndicatorHoldersLowerBound)
	}
}

func (a *HederaAdapter) verifyContract(ctx context.Context, c mirrorContract, network Network, facts *RawChainFacts, read *[]httpcache.Availability) {
	evm := strings.ToLower(c.EVMAddress)
	if c.Bytecode == "" || c.Bytecode == "0x" || !validation.IsValidEVMAddress(evm) {
		facts.Verifications = append(facts.Verifications, VerificationCheck{
			Source: sourceHederaMirror, Address: facts.Identifier, Status: VerificationDenied, Detail: "no contract bytecode",
		})
		return
	}
	if facts.Implementation == "" && evm != "" {
		facts.Implementation = evm
	}

	check, _, res, err := a.sourcify.repoMatch(ctx, evm, hederaChainID(network))
	facts.Verifications = append(facts.Verifications, check)
	if err != nil {
		facts.fail(sourceSourcifyRepo, err)
		return
	}
	if res != nil {
		*read = append(*read, res.Availability)
		facts.observe(res)
	} else {
		*read = append(*read, httpcache.Complete)
	}
	facts.Verified = check.Status == VerificationAffirmed
}
