package chain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskscore/internal/httpcache"
	"github.com/mbd888/riskscore/internal/retry"
)

const (
	proxyAddr = "0x1111111111111111111111111111111111111111"
	implAddr  = "0x2222222222222222222222222222222222222222"
	plainAddr = "0x3333333333333333333333333333333333333333"
)

// fakeEVMUpstreams serves Etherscan, Sourcify and the Sourcify repository
// from one httptest server.
type fakeEVMUpstreams struct {
	mu        sync.Mutex
	etherscan map[string]etherscanSource // by lowercase address
	// etherscanDown makes every Etherscan call answer 500.
	etherscanDown bool
	sourcify      map[string]string // address -> "perfect"/"partial"
	repo          map[string]string // lowercase address -> ABI JSON
	calls         atomic.Int32
	apiKeys       []string
}

func (f *fakeEVMUpstreams) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/etherscan", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.apiKeys = append(f.apiKeys, r.URL.Query().Get("apikey"))
		if f.etherscanDown {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		src, ok := f.etherscan[strings.ToLower(r.URL.Query().Get("address"))]
		if !ok {
			src = etherscanSource{}
		}
		writeJSON(w, map[string]any{"status": "1", "message": "OK", "result": []etherscanSource{src}})
	})
	mux.HandleFunc("/sourcify/check-by-addresses", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		addr := r.URL.Query().Get("addresses")
		status, ok := f.sourcify[addr]
		if !ok {
			status = "false"
		}
		writeJSON(w, []map[string]any{{"address": addr, "status": status, "chainIds": []string{r.URL.Query().Get("chainIds")}}})
	})
	mux.HandleFunc("/repo/contracts/", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		// /repo/contracts/{match}/{chain}/{checksum}/metadata.json
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/repo/contracts/"), "/")
		if len(parts) != 4 || parts[0] != matchFull {
			http.NotFound(w, r)
			return
		}
		abiJSON, ok := f.repo[strings.ToLower(parts[2])]
		if !ok || parts[2] != common.HexToAddress(parts[2]).Hex() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":{"abi":` + abiJSON + `}}`))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newEVMTest(t *testing.T, f *fakeEVMUpstreams) *EVMAdapter {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewEVMAdapter(fastClient(), EVMConfig{
		EtherscanBase:   srv.URL + "/etherscan",
		EtherscanAPIKey: "secret",
		SourcifyAPI:     srv.URL + "/sourcify",
		SourcifyRepo:    srv.URL + "/repo",
		ExplorerMainnet: "https://etherscan.io",
		ExplorerTestnet: "https://sepolia.etherscan.io",
	}, nil)
}

func TestEVMNormalize(t *testing.T) {
	a := NewEVMAdapter(nil, EVMConfig{}, nil)

	got, err := a.Normalize("  0xABCDEF0123456789ABCDEF0123456789ABCDEF01 ")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", got)

	// Valid EIP-55 checksum.
	got, err = a.Normalize("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	require.NoError(t, err)
	assert.Equal(t, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", got)

	for _, bad := range []string{"", "0x123", "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0xZZaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"} {
		_, err := a.Normalize(bad)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, bad)
	}
}

func TestEVMResolve_InvalidIdentifierMakesNoCalls(t *testing.T) {
	f := &fakeEVMUpstreams{}
	a := newEVMTest(t, f)

	_, err := a.Resolve(context.Background(), "0xnothex", Mainnet)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	assert.EqualValues(t, 0, f.calls.Load())
}

func TestEVMResolve_VerifiedWithABI(t *testing.T) {
	f := &fakeEVMUpstreams{etherscan: map[string]etherscanSource{
		plainAddr: {SourceCode: "contract T {}", ABI: ownablePausableABI, ContractName: "T"},
	}}
	a := newEVMTest(t, f)

	facts, err := a.Resolve(context.Background(), plainAddr, Mainnet)
	require.NoError(t, err)

	assert.True(t, facts.Verified)
	assert.False(t, facts.BytecodeOnly)
	assert.False(t, facts.Upgradeable)
	assert.Empty(t, facts.Implementation)
	assert.True(t, facts.Capabilities[CapAdmin])
	assert.True(t, facts.Capabilities[CapPause])
	assert.False(t, facts.Capabilities[CapSupply])
	assert.Contains(t, facts.Indicators, "abi:transferOwnership")
	assert.Equal(t, "https://etherscan.io/address/"+plainAddr, facts.ExplorerURL)
	assert.Equal(t, httpcache.Complete, facts.Availability)
	assert.Empty(t, facts.Failures)
	assert.False(t, facts.FetchedAt.IsZero())

	// Sourcify is not consulted once Etherscan affirms.
	require.Len(t, facts.Verifications, 1)
	assert.Equal(t, sourceEtherscan, facts.Verifications[0].Source)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"secret"}, f.apiKeys)
}

func TestEVMResolve_ProxyHop(t *testing.T) {
	f := &fakeEVMUpstreams{etherscan: map[string]etherscanSource{
		proxyAddr: {SourceCode: "contract Proxy {}", ABI: `[]`, Proxy: "1", Implementation: strings.ToUpper(implAddr[:2]) + implAddr[2:]},
		implAddr:  {SourceCode: "contract Impl {}", ABI: ownablePausableABI, ContractName: "Impl"},
	}}
	a := newEVMTest(t, f)

	facts, err := a.Resolve(context.Background(), proxyAddr, Testnet)
	require.NoError(t, err)

	assert.Equal(t, proxyAddr, facts.Identifier)
	assert.Equal(t, implAddr, facts.Implementation)
	assert.True(t, facts.Upgradeable)
	assert.Equal(t, "https://sepolia.etherscan.io/address/"+proxyAddr, facts.ExplorerURL)
	assert.True(t, facts.Verified)
	// Flags come from the implementation's interface.
	assert.True(t, facts.Capabilities[CapAdmin])
	assert.True(t, facts.Capabilities[CapPause])
	require.NotEmpty(t, facts.Verifications)
	assert.Equal(t, implAddr, facts.Verifications[0].Address)
}

type fakeStorage struct {
	value []byte
	err   error
}

func (s fakeStorage) StorageAt(_ context.Context, _ common.Address, key common.Hash, _ *big.Int) ([]byte, error) {
	if key != eip1967ImplementationSlot {
		return make([]byte, 32), nil
	}
	return s.value, s.err
}

func TestEVMResolve_ImplementationFromStorageSlot(t *testing.T) {
	f := &fakeEVMUpstreams{etherscan: map[string]etherscanSource{
		proxyAddr: {SourceCode: "contract Proxy {}", ABI: `[]`},
		implAddr:  {SourceCode: "contract Impl {}", ABI: `[{"type":"function","name":"mint","inputs":[],"outputs":[]}]`},
	}}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	slot := common.LeftPadBytes(common.HexToAddress(implAddr).Bytes(), 32)
	a := NewEVMAdapter(fastClient(), EVMConfig{
		EtherscanBase:   srv.URL + "/etherscan",
		SourcifyAPI:     srv.URL + "/sourcify",
		SourcifyRepo:    srv.URL + "/repo",
		ExplorerMainnet: "https://etherscan.io",
		RPC:             map[Network]StorageReader{Mainnet: fakeStorage{value: slot}},
	}, nil)

	facts, err := a.Resolve(context.Background(), proxyAddr, Mainnet)
	require.NoError(t, err)
	assert.True(t, facts.Upgradeable)
	assert.Equal(t, implAddr, facts.Implementation)
	assert.True(t, facts.Capabilities[CapSupply])
	assert.Equal(t, httpcache.Complete, facts.Availability)
}

func TestEVMResolve_RPCFailureDegradesToPartial(t *testing.T) {
	f := &fakeEVMUpstreams{etherscan: map[string]etherscanSource{
		plainAddr: {SourceCode: "contract T {}", ABI: `[]`},
	}}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	a := NewEVMAdapter(fastClient(), EVMConfig{
		EtherscanBase: srv.URL + "/etherscan",
		SourcifyAPI:   srv.URL + "/sourcify",
		SourcifyRepo:  srv.URL + "/repo",
		RPC:           map[Network]StorageReader{Mainnet: fakeStorage{err: errors.New("dial tcp: refused")}},
	}, nil)

	facts, err := a.Resolve(context.Background(), plainAddr, Mainnet)
	require.NoError(t, err)
	assert.True(t, facts.Verified)
	assert.False(t, facts.Upgradeable)
	assert.Equal(t, httpcache.Partial, facts.Availability)
	require.Len(t, facts.Failures, 1)
	assert.Equal(t, sourceEthRPC, facts.Failures[0].Source)
}

func TestEVMResolve_SecondarySourceAffirmsWhenPrimaryDown(t *testing.T) {
	f := &fakeEVMUpstreams{
		etherscanDown: true,
		sourcify:      map[string]string{plainAddr: "perfect"},
		repo:          map[string]string{plainAddr: `[{"type":"function","name":"burn","inputs":[],"outputs":[]}]`},
	}
	a := newEVMTest(t, f)

	facts, err := a.Resolve(context.Background(), plainAddr, Mainnet)
	require.NoError(t, err)

	// Verification is the OR of both sources.
	assert.True(t, facts.Verified)
	assert.False(t, facts.BytecodeOnly)
	assert.Contains(t, []httpcache.Availability{httpcache.Cached, httpcache.Partial}, facts.Availability)
	assert.True(t, facts.Capabilities[CapSupply])

	statuses := map[string]VerificationStatus{}
	for _, v := range facts.Verifications {
		statuses[v.Source] = v.Status
	}
	assert.Equal(t, VerificationUnavailable, statuses[sourceEtherscan])
	assert.Equal(t, VerificationAffirmed, statuses[sourceSourcify])
}

func TestEVMResolve_SecondaryAffirmsWhenPrimaryDenies(t *testing.T) {
	f := &fakeEVMUpstreams{
		etherscan: map[string]etherscanSource{plainAddr: {ABI: "Contract source code not verified"}},
		sourcify:  map[string]string{plainAddr: "partial"},
	}
	a := newEVMTest(t, f)

	facts, err := a.Resolve(context.Background(), plainAddr, Mainnet)
	require.NoError(t, err)
	assert.True(t, facts.Verified)
	assert.Equal(t, httpcache.Complete, facts.Availability)
	// No repository metadata: the governance structure stays unknown.
	assert.False(t, facts.CapabilitiesKnown())
}

func TestEVMResolve_UnverifiedEverywhere(t *testing.T) {
	f := &fakeEVMUpstreams{etherscan: map[string]etherscanSource{plainAddr: {}}}
	a := newEVMTest(t, f)

	facts, err := a.Resolve(context.Background(), plainAddr, Mainnet)
	require.NoError(t, err)
	assert.False(t, facts.Verified)
	assert.True(t, facts.BytecodeOnly)
	assert.False(t, facts.CapabilitiesKnown())
	assert.Equal(t, httpcache.Complete, facts.Availability)
}

func TestEVMResolve_AllSourcesDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	a := NewEVMAdapter(fastClient(), EVMConfig{
		EtherscanBase: srv.URL + "/etherscan",
		SourcifyAPI:   srv.URL + "/sourcify",
		SourcifyRepo:  srv.URL + "/repo",
	}, nil)

	facts, err := a.Resolve(context.Background(), plainAddr, Mainnet)
	require.NoError(t, err)
	assert.False(t, facts.Verified)
	assert.True(t, facts.BytecodeOnly)
	assert.Equal(t, httpcache.Unavailable, facts.Availability)
	assert.Len(t, facts.Failures, 2)
	assert.NotEmpty(t, facts.Failures[0].Reason)
}

func TestValidateEtherscan(t *testing.T) {
	assert.NoError(t, validateEtherscan([]byte(`{"status":"1","message":"OK","result":[]}`)))

	err := validateEtherscan([]byte(`{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`))
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))

	err = validateEtherscan([]byte(`{"status":"0","message":"NOTOK","result":"Invalid API Key"}`))
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Contains(t, err.Error(), "Invalid API Key")
}
