package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/riskscore/internal/httpcache"
)

const (
	sourceSourcify     = "sourcify"
	sourceSourcifyRepo = "sourcify_repo"

	matchFull    = "full_match"
	matchPartial = "partial_match"
)

// sourcify talks to the Sourcify server API and its file repository.
type sourcify struct {
	fetcher  Fetcher
	apiBase  string
	repoBase string
}

type sourcifyCheckItem struct {
	Address  string          `json:"address"`
	Status   string          `json:"status"`
	ChainIDs json.RawMessage `json:"chainIds"`
}

// matchFor returns "perfect" or "partial" when the item reports a match
// on chainID. Older responses carry a top-level status and string chain
// IDs; newer ones carry per-chain objects.
func (it sourcifyCheckItem) matchFor(chainID string) string {
	if isSourcifyMatch(it.Status) {
		return it.Status
	}
	var perChain []struct {
		ChainID string `json:"chainId"`
		Status  string `json:"status"`
	}
	if len(it.ChainIDs) > 0 && json.Unmarshal(it.ChainIDs, &perChain) == nil {
		for _, pc := range perChain {
			if pc.ChainID == chainID && isSourcifyMatch(pc.Status) {
				return pc.Status
			}
		}
	}
	return ""
}

func isSourcifyMatch(s string) bool { return s == "perfect" || s == "partial" }

// checkByAddress asks whether addr is verified on chainID.
func (s sourcify) checkByAddress(ctx context.Context, addr, chainID string) (VerificationCheck, *httpcache.Result, error) {
	addr = strings.ToLower(addr)
	check := VerificationCheck{Source: sourceSourcify, Address: addr}

	var items []sourcifyCheckItem
	res, err := s.fetcher.GetJSON(ctx, httpcache.GetRequest{
		Source:   sourceSourcify,
		Endpoint: strings.TrimRight(s.apiBase, "/") + "/check-by-addresses",
		Params:   url.Values{"addresses": {addr}, "chainIds": {chainID}},
	}, &items)
	if err != nil {
		check.Status = VerificationUnavailable
		check.Detail = err.Error()
		return check, nil, err
	}

	check.Status = VerificationDenied
	for _, it := range items {
		if !strings.EqualFold(it.Address, addr) {
			continue
		}
		if m := it.matchFor(chainID); m != "" {
			check.Status = VerificationAffirmed
			check.Detail = m
		}
	}
	return check, res, nil
}

type sourcifyMetadata struct {
	Output struct {
		ABI json.RawMessage `json:"abi"`
	} `json:"output"`
}

// repoMatch looks for addr's metadata in the repository, full match
// first. A 404 on both paths is a definitive "not verified".
func (s sourcify) repoMatch(ctx context.Context, addr, chainID string) (VerificationCheck, string, *httpcache.Result, error) {
	checksum := common.HexToAddress(addr).Hex()
	check := VerificationCheck{Source: sourceSourcifyRepo, Address: strings.ToLower(addr), Status: VerificationDenied}

	for _, match := range []string{matchFull, matchPartial} {
		var meta sourcifyMetadata
		endpoint := fmt.Sprintf("%s/contracts/%s/%s/%s/metadata.json",
			strings.TrimRight(s.repoBase, "/"), match, chainID, checksum)
		res, err := s.fetcher.GetJSON(ctx, httpcache.GetRequest{Source: sourceSourcifyRepo, Endpoint: endpoint}, &meta)
		if errors.Is(err, httpcache.ErrNotFound) {
			continue
		}
		if err != nil {
			check.Status = VerificationUnavailable
			check.Detail = err.Error()
			return check, "", nil, err
		}
		check.Status = VerificationAffirmed
		check.Detail = match
		return check, string(meta.Output.ABI), res, nil
	}
	return check, "", nil, nil
}
