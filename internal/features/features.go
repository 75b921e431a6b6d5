// Package features maps chain-specific RawChainFacts onto the frozen,
// chain-agnostic FeatureSet. Everything downstream of Normalize is unaware
// of which chain produced the data.
package features

import (
	"github.com/mbd888/riskscore/internal/chain"
)

// Caveats attached when a fact could not be established.
const (
	CaveatGovernanceUnknown = "governance flags unknown: interface description unavailable"
	CaveatHoldersUnknown    = "holder count not reported by this chain"
	CaveatHoldersLowerBound = "holder count is a lower bound"
	CaveatSourcesDegraded   = "one or more data sources failed"
)

// FeatureSet is the frozen feature schema. JSON keys are a wire contract:
// they are never renamed or removed, and every field is always present.
type FeatureSet struct {
	Verified     bool `json:"verified"`
	BytecodeOnly bool `json:"bytecode_only"`
	HasAdminKey  bool `json:"has_admin_key"`
	HasSupplyKey bool `json:"has_supply_key"`
	HasPauseKey  bool `json:"has_pause_key"`
	HasFreezeKey bool `json:"has_freeze_key"`
	HasWipeKey   bool `json:"has_wipe_key"`
	HasKYCKey    bool `json:"has_kyc_key"`
	HasFeeKey    bool `json:"has_fee_key"`
	Upgradeable  bool `json:"upgradeable"`
	// HoldersEstimate is nil when unknown and serializes as null, never 0.
	HoldersEstimate *int          `json:"holders_estimate"`
	Chain           chain.Chain   `json:"chain"`
	Network         chain.Network `json:"network"`

	Caveats []string `json:"caveats,omitempty"`
}

// HoldersKnown reports whether a holder count was obtained.
func (f FeatureSet) HoldersKnown() bool { return f.HoldersEstimate != nil }

// Flag reports the governance flag for c.
func (f FeatureSet) Flag(c chain.Capability) bool {
	switch c {
	case chain.CapAdmin:
		return f.HasAdminKey
	case chain.CapSupply:
		return f.HasSupplyKey
	case chain.CapPause:
		return f.HasPauseKey
	case chain.CapFreeze:
		return f.HasFreezeKey
	case chain.CapWipe:
		return f.HasWipeKey
	case chain.CapKYC:
		return f.HasKYCKey
	case chain.CapFee:
		return f.HasFeeKey
	}
	return false
}

// SetFlag sets the governance flag for c. Unknown capabilities are ignored.
func (f *FeatureSet) SetFlag(c chain.Capability, v bool) {
	switch c {
	case chain.CapAdmin:
		f.HasAdminKey = v
	case chain.CapSupply:
		f.HasSupplyKey = v
	case chain.CapPause:
		f.HasPauseKey = v
	case chain.CapFreeze:
		f.HasFreezeKey = v
	case chain.CapWipe:
		f.HasWipeKey = v
	case chain.CapKYC:
		f.HasKYCKey = v
	case chain.CapFee:
		f.HasFeeKey = v
	}
}

// Normalize builds a FeatureSet from facts. It is pure: no network access,
// no mutation of facts, and the same input always yields the same output.
// Unknown governance flags become false with a caveat; an unknown holder
// count stays nil. A nil facts value yields the safe all-unknown set.
func Normalize(facts *chain.RawChainFacts, c chain.Chain, n chain.Network) FeatureSet {
	fs := FeatureSet{Chain: c, Network: n, BytecodeOnly: true}
	if facts == nil {
		fs.Caveats = []string{CaveatGovernanceUnknown, CaveatHoldersUnknown, CaveatSourcesDegraded}
		return fs
	}

	fs.Verified = facts.Verified
	fs.BytecodeOnly = !facts.Verified
	fs.Upgradeable = facts.Upgradeable

	if facts.CapabilitiesKnown() {
		for _, capability := range chain.AllCapabilities {
			fs.SetFlag(capability, facts.Capabilities[capability])
		}
	} else {
		fs.Caveats = append(fs.Caveats, CaveatGovernanceUnknown)
	}

	if facts.Holders != nil {
		h := *facts.Holders
		fs.HoldersEstimate = &h
		for _, ind := range facts.Indicators {
			if ind == chain.IndicatorHoldersLowerBound {
				fs.Caveats = append(fs.Caveats, CaveatHoldersLowerBound)
				break
			}
		}
	} else {
		fs.Caveats = append(fs.Caveats, CaveatHoldersUnknown)
	}

	if len(facts.Failures) > 0 {
		fs.Caveats = append(fs.Caveats, CaveatSourcesDegraded)
	}
	return fs
}
