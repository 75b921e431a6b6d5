package scoring

import (
	"reflect"
	"testing"

	"github.com/mbd888/riskscore/internal/chain"
	"github.com/mbd888/riskscore/internal/features"
)

func verified(flags ...chain.Capability) features.FeatureSet {
	fs := features.FeatureSet{Verified: true, Chain: chain.Ethereum, Network: chain.Mainnet}
	for _, f := range flags {
		fs.SetFlag(f, true)
	}
	return fs
}

// allFeatureSets enumerates every flag combination with both upgradeable values.
func allFeatureSets(isVerified bool) []features.FeatureSet {
	var out []features.FeatureSet
	for mask := 0; mask < 1<<len(chain.AllCapabilities); mask++ {
		for _, up := range []bool{false, true} {
			fs := features.FeatureSet{Verified: isVerified, Upgradeable: up}
			for i, c := range chain.AllCapabilities {
				fs.SetFlag(c, mask&(1<<i) != 0)
			}
			out = append(out, fs)
		}
	}
	return out
}

func TestScenarios(t *testing.T) {
	tests := []struct {
		name    string
		fs      features.FeatureSet
		score   int
		reasons []string
	}{
		{
			name:    "unverified no flags",
			fs:      features.FeatureSet{},
			score:   40,
			reasons: []string{"Contract unverified"},
		},
		{
			name:    "verified clean",
			fs:      verified(),
			score:   85,
			reasons: []string{"Verified source; no risky keys"},
		},
		{
			name:    "admin and pause",
			fs:      verified(chain.CapAdmin, chain.CapPause),
			score:   69,
			reasons: []string{"Admin key present", "Pause key present"},
		},
		{
			name: "upgradeable admin",
			fs: func() features.FeatureSet {
				fs := verified(chain.CapAdmin)
				fs.Upgradeable = true
				return fs
			}(),
			score:   69,
			reasons: []string{"Admin key present", "Upgradeable + admin control"},
		},
		{
			name:    "all seven flags capped",
			fs:      verified(chain.AllCapabilities...),
			score:   53,
			reasons: []string{"Admin key present", "Supply key present", "Pause key present"},
		},
		{
			name: "upgradeable without admin is free",
			fs: func() features.FeatureSet {
				fs := verified(chain.CapFee)
				fs.Upgradeable = true
				return fs
			}(),
			score:   77,
			reasons: []string{"Fee key present"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreTechnical(tt.fs)
			if got.Score != tt.score {
				t.Errorf("score = %d, want %d", got.Score, tt.score)
			}
			if !reflect.DeepEqual(got.Reasons, tt.reasons) {
				t.Errorf("reasons = %q, want %q", got.Reasons, tt.reasons)
			}
		})
	}
}

func TestUnverifiedIsAlways40(t *testing.T) {
	for _, fs := range allFeatureSets(false) {
		got := ScoreTechnical(fs)
		if got.Score != 40 || len(got.Reasons) != 1 || got.Reasons[0] != ReasonUnverified {
			t.Fatalf("unverified %+v scored %+v", fs, got)
		}
	}
}

func TestClampAndReasonLaws(t *testing.T) {
	for _, fs := range allFeatureSets(true) {
		got := ScoreTechnical(fs)
		if got.Score < MinScore || got.Score > MaxScore {
			t.Fatalf("score %d out of range for %+v", got.Score, fs)
		}
		if len(got.Reasons) == 0 || len(got.Reasons) > MaxReasons {
			t.Fatalf("reasons %q for %+v", got.Reasons, fs)
		}
		// Flag penalty alone never goes below 85-32.
		noCombo := fs
		noCombo.Upgradeable = false
		if s := ScoreTechnical(noCombo).Score; s < VerifiedBase-MaxFlagPenalty {
			t.Fatalf("flag penalty exceeded cap: %d for %+v", s, fs)
		}
	}
}

func TestMonotonicity(t *testing.T) {
	for _, fs := range allFeatureSets(true) {
		base := ScoreTechnical(fs).Score
		for _, c := range chain.AllCapabilities {
			if fs.Flag(c) {
				continue
			}
			more := fs
			more.SetFlag(c, true)
			if s := ScoreTechnical(more).Score; s > base {
				t.Fatalf("adding %s raised score %d -> %d for %+v", c, base, s, fs)
			}
		}
	}
}

func TestHoldersAndProvenanceDoNotAffectScore(t *testing.T) {
	n := 1_000_000
	a := verified(chain.CapPause)
	b := a
	b.HoldersEstimate = &n
	b.Chain = chain.Hedera
	b.Network = chain.Testnet
	if !reflect.DeepEqual(ScoreTechnical(a), ScoreTechnical(b)) {
		t.Error("score must depend only on verification and governance flags")
	}
}

func TestExplain(t *testing.T) {
	tests := []struct {
		score    int
		category string
	}{
		{95, "Low Risk"},
		{69, "Medium Risk"},
		{40, "High Risk"},
		{10, "Very High Risk"},
	}
	for _, tt := range tests {
		e := Explain(ScoreResult{Score: tt.score, Reasons: []string{"x"}})
		if e.Category != tt.category {
			t.Errorf("Explain(%d).Category = %q, want %q", tt.score, e.Category, tt.category)
		}
		if e.Recommendation == "" || e.Methodology != Version {
			t.Errorf("Explain(%d) incomplete: %+v", tt.score, e)
		}
	}
}
