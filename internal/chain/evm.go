package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/riskscore/internal/httpcache"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/retry"
	"github.com/mbd888/riskscore/internal/validation"
)

const (
	sourceEtherscan = "etherscan"
	sourceEthRPC    = "eth_rpc"
)

// eip1967ImplementationSlot is keccak256("eip1967.proxy.implementation") - 1.
var eip1967ImplementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")

// StorageReader reads contract storage. *ethclient.Client satisfies it.
type StorageReader interface {
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
}

// EVMConfig holds endpoints for the Ethereum-family adapter.
type EVMConfig struct {
	EtherscanBase   string // v2 multichain endpoint, e.g. https://api.etherscan.io/v2/api
	EtherscanAPIKey string
	SourcifyAPI     string // e.g. https://sourcify.dev/server
	SourcifyRepo    string // e.g. https://repo.sourcify.dev
	ExplorerMainnet string // e.g. https://etherscan.io
	ExplorerTestnet string // e.g. https://sepolia.etherscan.io
	// RPC optionally reads the EIP-1967 implementation slot per network.
	RPC map[Network]StorageReader
}

// EVMAdapter resolves EVM contract addresses via Etherscan and Sourcify.
type EVMAdapter struct {
	cfg      EVMConfig
	fetcher  Fetcher
	sourcify sourcify
	logger   *slog.Logger
}

// NewEVMAdapter creates an Ethereum-family adapter.
func NewEVMAdapter(f Fetcher, cfg EVMConfig, logger *slog.Logger) *EVMAdapter {
	return &EVMAdapter{
		cfg:      cfg,
		fetcher:  f,
		sourcify: sourcify{fetcher: f, apiBase: cfg.SourcifyAPI, repoBase: cfg.SourcifyRepo},
		logger:   logging.OrDiscard(logger),
	}
}

func (a *EVMAdapter) Chain() Chain { return Ethereum }

// Normalize accepts 0x + 40 hex characters and returns the lowercase form.
// Mixed-case input must carry a valid EIP-55 checksum.
func (a *EVMAdapter) Normalize(identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if !validation.IsValidEVMAddress(id) {
		return "", &InvalidIdentifierError{Chain: Ethereum, Identifier: identifier, Reason: "must be 0x followed by 40 hex characters"}
	}
	if isMixedCase(id[2:]) {
		ma, err := common.NewMixedcaseAddressFromString(id)
		if err != nil || !ma.ValidChecksum() {
			return "", &InvalidIdentifierError{Chain: Ethereum, Identifier: identifier, Reason: "EIP-55 checksum mismatch"}
		}
	}
	return strings.ToLower(id), nil
}

func isMixedCase(hex string) bool {
	return strings.ToLower(hex) != hex && strings.ToUpper(hex) != hex
}

func evmChainID(n Network) string {
	if n == Testnet {
		return "11155111" // sepolia
	}
	return "1"
}

func (a *EVMAdapter) explorerURL(addr string, n Network) string {
	base := a.cfg.ExplorerMainnet
	if n == Testnet {
		base = a.cfg.ExplorerTestnet
	}
	return strings.TrimRight(base, "/") + "/address/" + addr
}

// Resolve looks the address up on Etherscan, follows a proxy to its
// implementation, falls back to Sourcify for verification, and scans the
// verified ABI for privileged functions. Upstream failures degrade the
// facts; they never produce an error.
func (a *EVMAdapter) Resolve(ctx context.Context, identifier string, network Network) (*RawChainFacts, error) {
	addr, err := a.Normalize(identifier)
	if err != nil {
		return nil, err
	}
	if network != Mainnet && network != Testnet {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNetwork, network)
	}

	facts := &RawChainFacts{
		Chain:       Ethereum,
		Network:     network,
		Identifier:  addr,
		EntityType:  "contract",
		ExplorerURL: a.explorerURL(addr, network),
	}
	var read []httpcache.Availability
	chainID := evmChainID(network)

	src, res, err := a.sourceCode(ctx, addr, network)
	primaryOK := err == nil
	if primaryOK {
		read = append(read, res.Availability)
		facts.observe(res)
	} else {
		facts.fail(sourceEtherscan, err)
	}

	// Proxy hop: registry pointer first, EIP-1967 slot as a second opinion.
	impl := ""
	if primaryOK && src.isProxy() {
		facts.Upgradeable = true
		impl = strings.ToLower(strings.TrimSpace(src.Implementation))
	}
	if impl == "" {
		slotImpl, res, err := a.implementationSlot(ctx, addr, network)
		switch {
		case err != nil:
			facts.fail(sourceEthRPC, err)
		case res != nil:
			read = append(read, res.Availability)
			facts.observe(res)
			if slotImpl != "" {
				facts.Upgradeable = true
				impl = slotImpl
			}
		}
	}

	verifyAddr := addr
	if impl != "" && impl != addr && validation.IsValidEVMAddress(impl) {
		facts.Implementation = impl
		verifyAddr = impl
		implSrc, res, err := a.sourceCode(ctx, impl, network)
		if err != nil {
			facts.fail(sourceEtherscan, fmt.Errorf("implementation %s: %w", impl, err))
			primaryOK = false
		} else {
			src = implSrc
			primaryOK = true
			read = append(read, res.Availability)
			facts.observe(res)
		}
	}

	abiText := ""
	if primaryOK {
		check := VerificationCheck{Source: sourceEtherscan, Address: verifyAddr, Status: VerificationDenied}
		if strings.TrimSpace(src.SourceCode) != "" {
			check.Status = VerificationAffirmed
			check.Detail = src.ContractName
			facts.Verified = true
			abiText = src.ABI
		}
		facts.Verifications = append(facts.Verifications, check)
	} else {
		facts.Verifications = append(facts.Verifications, VerificationCheck{
			Source: sourceEtherscan, Address: verifyAddr, Status: VerificationUnavailable,
		})
	}

	// Either source affirming is enough.
	if !facts.Verified {
		check, res, err := a.sourcify.checkByAddress(ctx, verifyAddr, chainID)
		facts.Verifications = append(facts.Verifications, check)
		if err != nil {
			facts.fail(sourceSourcify, err)
		} else {
			read = append(read, res.Availability)
			facts.observe(res)
			if check.Status == VerificationAffirmed {
				facts.Verified = true
				repoCheck, repoABI, res, err := a.sourcify.repoMatch(ctx, verifyAddr, chainID)
				switch {
				case err != nil:
					facts.fail(sourceSourcifyRepo, err)
				case repoCheck.Status == VerificationAffirmed:
					abiText = repoABI
					read = append(read, res.Availability)
					facts.observe(res)
				}
			}
		}
	}

	if facts.Verified && looksLikeABI(abiText) {
		scan := ScanABI(abiText)
		facts.Capabilities = scan.Capabilities
		for _, m := range scan.Matched {
			facts.Indicators = append(facts.Indicators, "abi:"+m)
		}
	}

	facts.BytecodeOnly = !facts.Verified
	facts.Availability = availabilityOf(read, len(facts.Failures))

	logging.L(ctx).Debug("resolved evm facts",
		"address", addr,
		"implementation", facts.Implementation,
		"verified", facts.Verified,
		"availability", facts.Availability,
		"failures", len(facts.Failures),
	)
	return facts, nil
}

func looksLikeABI(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "[")
}

type etherscanEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanSource struct {
	SourceCode     string `json:"SourceCode"`
	ABI            string `json:"ABI"`
	ContractName   string `json:"ContractName"`
	Proxy          string `json:"Proxy"`
	Implementation string `json:"Implementation"`
}

func (s etherscanSource) isProxy() bool { return s.Proxy == "1" }

// validateEtherscan keeps API-level errors (HTTP 200 with status "0") out
// of the cache. Rate limiting is retried; anything else is permanent.
func validateEtherscan(body []byte) error {
	var env etherscanEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode etherscan envelope: %w", err)
	}
	if env.Status == "1" {
		return nil
	}
	var detail string
	if err := json.Unmarshal(env.Result, &detail); err != nil {
		detail = string(env.Result)
	}
	err := fmt.Errorf("etherscan: %s: %s", env.Message, detail)
	if strings.Contains(strings.ToLower(detail), "rate limit") {
		return err
	}
	return retry.Permanent(err)
}

func (a *EVMAdapter) sourceCode(ctx context.Context, addr string, network Network) (etherscanSource, *httpcache.Result, error) {
	var secret url.Values
	if a.cfg.EtherscanAPIKey != "" {
		secret = url.Values{"apikey": {a.cfg.EtherscanAPIKey}}
	}
	var env etherscanEnvelope
	res, err := a.fetcher.GetJSON(ctx, httpcache.GetRequest{
		Source:   sourceEtherscan,
		Endpoint: a.cfg.EtherscanBase,
		Params: url.Values{
			"chainid": {evmChainID(network)},
			"module":  {"contract"},
			"action":  {"getsourcecode"},
			"address": {addr},
		},
		Secret:   secret,
		Validate: validateEtherscan,
	}, &env)
	if err != nil {
		return etherscanSource{}, nil, err
	}

	var results []etherscanSource
	if err := json.Unmarshal(env.Result, &results); err != nil {
		return etherscanSource{}, nil, fmt.Errorf("decode etherscan result: %w", err)
	}
	if len(results) == 0 {
		return etherscanSource{}, nil, errors.New("etherscan returned no result")
	}
	return results[0], res, nil
}

// implementationSlot reads the EIP-1967 slot. A nil result with nil error
// means no RPC is configured for the network.
func (a *EVMAdapter) implementationSlot(ctx context.Context, addr string, network Network) (string, *httpcache.Result, error) {
	rpc, ok := a.cfg.RPC[network]
	if !ok || rpc == nil {
		return "", nil, nil
	}
	res, err := a.fetcher.Do(ctx, httpcache.Request{
		Source: sourceEthRPC,
		Key:    fmt.Sprintf("eth_getStorageAt %s %s %s", network, addr, eip1967ImplementationSlot.Hex()),
		Fetch: func(ctx context.Context) ([]byte, error) {
			return rpc.StorageAt(ctx, common.HexToAddress(addr), eip1967ImplementationSlot, nil)
		},
	})
	if err != nil {
		return "", nil, err
	}
	impl := common.BytesToAddress(res.Payload)
	if impl == (common.Address{}) {
		return "", res, nil
	}
	return strings.ToLower(impl.Hex()), res, nil
}
