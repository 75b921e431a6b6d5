package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskscore/internal/httpcache"
)

const hederaEVMAddr = "0x00000000000000000000000000000000000004d2"

// fakeMirror serves canned mirror node and repository responses by path.
// Paths without a response answer 404; status overrides win.
type fakeMirror struct {
	responses map[string]string
	statuses  map[string]int
	calls     atomic.Int32
}

func (f *fakeMirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if code, ok := f.statuses[r.URL.Path]; ok {
		http.Error(w, "status override", code)
		return
	}
	body, ok := f.responses[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func newHederaTest(t *testing.T, f *fakeMirror) *HederaAdapter {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewHederaAdapter(fastClient(), HederaConfig{
		MirrorMainnet: srv.URL + "/mainnet/api/v1",
		MirrorTestnet: srv.URL + "/testnet/api/v1",
		SourcifyRepo:  srv.URL + "/repo",
		HashscanBase:  "https://hashscan.io",
	}, nil)
}

func TestHederaNormalize(t *testing.T) {
	a := NewHederaAdapter(nil, HederaConfig{}, nil)
	got, err := a.Normalize(" 0.0.123456 ")
	require.NoError(t, err)
	assert.Equal(t, "0.0.123456", got)

	for _, bad := range []string{"", "0.0", "0.0.x", "0x1234", "0.0.99999999999999999999"} {
		_, err := a.Normalize(bad)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, bad)
	}
}

func TestHederaResolve_InvalidIdentifierMakesNoCalls(t *testing.T) {
	f := &fakeMirror{}
	a := newHederaTest(t, f)
	_, err := a.Resolve(context.Background(), "not-an-id", Mainnet)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	assert.EqualValues(t, 0, f.calls.Load())
}

func TestHederaResolve_TokenKeySlots(t *testing.T) {
	f := &fakeMirror{responses: map[string]string{
		"/mainnet/api/v1/tokens/0.0.1001": `{
			"token_id":"0.0.1001","name":"Demo","symbol":"DMO","type":"FUNGIBLE_COMMON",
			"admin_key":{"_type":"ED25519","key":"aa"},
			"supply_key":{"_type":"ED25519","key":"bb"},
			"pause_key":null,"freeze_key":null,"wipe_key":null,"kyc_key":null,
			"fee_schedule_key":{"_type":"ED25519","key":"cc"}}`,
		"/mainnet/api/v1/tokens/0.0.1001/balances": `{
			"balances":[{"account":"0.0.1","balance":10},{"account":"0.0.2","balance":5},{"account":"0.0.3","balance":0}],
			"links":{"next":null}}`,
	}}
	a := newHederaTest(t, f)

	facts, err := a.Resolve(context.Background(), "0.0.1001", Mainnet)
	require.NoError(t, err)

	assert.Equal(t, "token", facts.EntityType)
	assert.True(t, facts.CapabilitiesKnown())
	assert.True(t, facts.Capabilities[CapAdmin])
	assert.True(t, facts.Capabilities[CapSupply])
	assert.True(t, facts.Capabilities[CapFee])
	assert.False(t, facts.Capabilities[CapPause])
	assert.False(t, facts.Capabilities[CapFreeze])
	assert.False(t, facts.Capabilities[CapWipe])
	assert.False(t, facts.Capabilities[CapKYC])
	assert.ElementsMatch(t, []string{"key:admin_key", "key:supply_key", "key:fee_schedule_key"}, facts.Indicators)

	require.NotNil(t, facts.Holders)
	assert.Equal(t, 3, *facts.Holders)

	// Native tokens carry no contract source.
	assert.False(t, facts.Verified)
	assert.True(t, facts.BytecodeOnly)
	assert.False(t, facts.Upgradeable)
	assert.Equal(t, "https://hashscan.io/mainnet/token/0.0.1001", facts.ExplorerURL)
	assert.Equal(t, httpcache.Complete, facts.Availability)
}

func TestHederaResolve_HolderCountIsLowerBoundWhenPaged(t *testing.T) {
	f := &fakeMirror{responses: map[string]string{
		"/testnet/api/v1/tokens/0.0.7":          `{"token_id":"0.0.7"}`,
		"/testnet/api/v1/tokens/0.0.7/balances": `{"balances":[{"account":"0.0.9","balance":1}],"links":{"next":"/api/v1/tokens/0.0.7/balances?limit=100&account.id=gt:0.0.9"}}`,
	}}
	a := newHederaTest(t, f)

	facts, err := a.Resolve(context.Background(), "0.0.7", Testnet)
	require.NoError(t, err)
	require.NotNil(t, facts.Holders)
	assert.Equal(t, 1, *facts.Holders)
	assert.Contains(t, facts.Indicators, "holders:lower_bound")
	assert.Equal(t, "https://hashscan.io/testnet/token/0.0.7", facts.ExplorerURL)
	for _, c := range AllCapabilities {
		assert.False(t, facts.Capabilities[c], "capability %s", c)
	}
}

func TestHederaResolve_VerifiedContract(t *testing.T) {
	checksum := common.HexToAddress(hederaEVMAddr).Hex()
	f := &fakeMirror{responses: map[string]string{
		"/mainnet/api/v1/contracts/0.0.1234": `{
			"contract_id":"0.0.1234","evm_address":"` + hederaEVMAddr + `",
			"bytecode":"0x6080","admin_key":{"_type":"ProtobufEncoded","key":"dd"}}`,
		"/repo/contracts/partial_match/295/" + checksum + "/metadata.json": `{"output":{"abi":[]}}`,
	}}
	a := newHederaTest(t, f)

	facts, err := a.Resolve(context.Background(), "0.0.1234", Mainnet)
	require.NoError(t, err)

	assert.Equal(t, "contract", facts.EntityType)
	assert.True(t, facts.Verified)
	assert.False(t, facts.BytecodeOnly)
	assert.True(t, facts.Capabilities[CapAdmin])
	assert.Nil(t, facts.Holders)
	assert.Equal(t, hederaEVMAddr, facts.Implementation)
	assert.Equal(t, "https://hashscan.io/mainnet/contract/0.0.1234", facts.ExplorerURL)
	assert.Equal(t, httpcache.Complete, facts.Availability)

	var repo *VerificationCheck
	for i := range facts.Verifications {
		if facts.Verifications[i].Source == sourceSourcifyRepo {
			repo = &facts.Verifications[i]
		}
	}
	require.NotNil(t, repo)
	assert.Equal(t, VerificationAffirmed, repo.Status)
	assert.Equal(t, matchPartial, repo.Detail)
}

func TestHederaResolve_UnknownEntityIsUnavailable(t *testing.T) {
	f := &fakeMirror{}
	a := newHederaTest(t, f)

	facts, err := a.Resolve(context.Background(), "0.0.42", Mainnet)
	require.NoError(t, err)
	assert.Equal(t, httpcache.Unavailable, facts.Availability)
	assert.False(t, facts.Verified)
	assert.True(t, facts.BytecodeOnly)
	assert.False(t, facts.CapabilitiesKnown())
	require.NotEmpty(t, facts.Failures)
	assert.True(t, strings.Contains(facts.Failures[len(facts.Failures)-1].Reason, "not found"))
}

func TestHederaResolve_MirrorOutageDegrades(t *testing.T) {
	f := &fakeMirror{
		statuses: map[string]int{"/mainnet/api/v1/tokens/0.0.5": http.StatusServiceUnavailable},
	}
	a := newHederaTest(t, f)

	facts, err := a.Resolve(context.Background(), "0.0.5", Mainnet)
	require.NoError(t, err)
	assert.Equal(t, httpcache.Partial, facts.Availability)
	assert.False(t, facts.CapabilitiesKnown())
	require.Len(t, facts.Failures, 1)
	assert.Equal(t, sourceHederaMirror, facts.Failures[0].Source)
	require.Len(t, facts.Verifications, 1)
	assert.Equal(t, VerificationDenied, facts.Verifications[0].Status)
}
