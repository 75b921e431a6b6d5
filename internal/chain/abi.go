package chain

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// abiRule grants a capability when every group matches a function. A
// group lists the lowercase names it accepts; names match exactly.
type abiRule struct {
	capability Capability
	allOf      [][]string
}

// abiRules is the privileged-function table. New names are added here.
var abiRules = []abiRule{
	{CapAdmin, [][]string{{"owner"}, {"transferownership"}}},
	{CapAdmin, [][]string{{"grantrole"}}},
	{CapPause, [][]string{{"pause"}, {"unpause"}}},
	{CapSupply, [][]string{{"mint", "mintto"}}},
	{CapSupply, [][]string{{"burn", "burnfrom"}}},
}

// viewNames may match even when declared view or pure. Every other rule
// name must be state-changing, so getters like paused() never count.
var viewNames = map[string]bool{"owner": true}

// ABIScan is the outcome of scanning one interface description.
type ABIScan struct {
	Capabilities map[Capability]bool
	// Matched lists the function names (or raw patterns when the ABI could
	// not be parsed) that triggered a rule, sorted and de-duplicated.
	Matched []string
	Parsed  bool
}

// ScanABI evaluates abiRules against an ABI JSON string. Well-formed ABIs
// are matched against their declared function names; anything else falls
// back to exact identifier tokens in the raw text.
func ScanABI(raw string) ABIScan {
	scan := ABIScan{Capabilities: emptyCapabilities()}

	names, parsed := functionNames(raw)
	if !parsed {
		names = rawTokens(raw)
	}
	scan.Parsed = parsed

	matched := make(map[string]bool)
	for _, rule := range abiRules {
		hits := make([]string, 0, len(rule.allOf))
		for _, group := range rule.allOf {
			hit := ""
			for _, name := range group {
				if n, ok := names[name]; ok {
					hit = n
					break
				}
			}
			if hit == "" {
				hits = nil
				break
			}
			hits = append(hits, hit)
		}
		if hits == nil {
			continue
		}
		scan.Capabilities[rule.capability] = true
		for _, h := range hits {
			matched[h] = true
		}
	}

	for m := range matched {
		scan.Matched = append(scan.Matched, m)
	}
	sort.Strings(scan.Matched)
	return scan
}

// functionNames maps lowercase function names to their declared spelling.
// View and pure functions are left out unless listed in viewNames.
func functionNames(raw string) (map[string]string, bool) {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return nil, false
	}
	names := make(map[string]string, len(parsed.Methods))
	for _, m := range parsed.Methods {
		lower := strings.ToLower(m.RawName)
		if m.IsConstant() && !viewNames[lower] {
			continue
		}
		names[lower] = m.RawName
	}
	return names, true
}

// rawTokens splits unparseable text into lowercase identifiers.
func rawTokens(raw string) map[string]string {
	fields := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f] = f
	}
	return out
}
