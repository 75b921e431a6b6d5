// Package catalog loads the list of protocols the service tracks.
package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/mbd888/riskscore/internal/assess"
	"github.com/mbd888/riskscore/internal/chain"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/validation"
)

//go:embed default.json
var defaultCatalog []byte

var (
	ErrEmpty    = errors.New("catalog: no valid protocols")
	ErrNotFound = errors.New("catalog: protocol not found")
)

// Protocol is one tracked protocol.
type Protocol struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Chain           string `json:"chain"`
	Network         string `json:"network,omitempty"`
	ContractAddress string `json:"contract_address"`
	CoinGeckoID     string `json:"coingecko_id"`
	DefiLlamaSlug   string `json:"defillama_slug"`
	Category        string `json:"category,omitempty"`
}

// Request converts the entry into an assessment order.
func (p Protocol) Request() assess.Request {
	return assess.Request{
		Identifier:    p.ContractAddress,
		Chain:         p.Chain,
		Network:       p.Network,
		CoinGeckoID:   p.CoinGeckoID,
		DefiLlamaSlug: p.DefiLlamaSlug,
		Category:      p.Category,
		ProtocolID:    p.ID,
	}
}

// missing lists required fields that are empty.
func (p Protocol) missing() []string {
	var out []string
	for _, f := range []struct{ name, v string }{
		{"id", p.ID},
		{"name", p.Name},
		{"chain", p.Chain},
		{"contract_address", p.ContractAddress},
		{"coingecko_id", p.CoinGeckoID},
		{"defillama_slug", p.DefiLlamaSlug},
	} {
		if strings.TrimSpace(f.v) == "" {
			out = append(out, f.name)
		}
	}
	return out
}

// Catalog is an immutable protocol list.
type Catalog struct {
	protocols []Protocol
	byID      map[string]Protocol
}

type file struct {
	Protocols []Protocol `json:"protocols"`
}

// Load reads a catalog file; an empty path loads the built-in catalog.
func Load(path string, logger *slog.Logger) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog, logger)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return Parse(data, logger)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog, nil)
	if err != nil {
		panic("catalog: built-in catalog invalid: " + err.Error())
	}
	return c
}

// Parse decodes a catalog document. Entries with missing fields, an
// unknown chain or a duplicate ID are skipped with a warning.
func Parse(data []byte, logger *slog.Logger) (*Catalog, error) {
	logger = logging.OrDiscard(logger)

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: invalid JSON: %w", err)
	}

	c := &Catalog{byID: make(map[string]Protocol, len(f.Protocols))}
	for _, p := range f.Protocols {
		if m := p.missing(); len(m) > 0 {
			logger.Warn("skipping protocol with missing fields", "name", p.Name, "missing", m)
			continue
		}
		if !validation.IsValidSlug(p.ID) {
			logger.Warn("skipping protocol with invalid id", "id", p.ID)
			continue
		}
		ch, err := chain.ParseChain(p.Chain)
		if err != nil {
			logger.Warn("skipping protocol", "id", p.ID, "error", err)
			continue
		}
		p.Chain = string(ch)
		if _, dup := c.byID[p.ID]; dup {
			logger.Warn("skipping duplicate protocol", "id", p.ID)
			continue
		}
		if p.Network == "" {
			p.Network = string(chain.Mainnet)
		}
		c.byID[p.ID] = p
		c.protocols = append(c.protocols, p)
	}
	if len(c.protocols) == 0 {
		return nil, ErrEmpty
	}
	sort.Slice(c.protocols, func(i, j int) bool { return c.protocols[i].ID < c.protocols[j].ID })
	return c, nil
}

// List returns every protocol ordered by ID.
func (c *Catalog) List() []Protocol {
	return append([]Protocol(nil), c.protocols...)
}

// Get returns one protocol.
func (c *Catalog) Get(id string) (Protocol, error) {
	p, ok := c.byID[id]
	if !ok {
		return Protocol{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return p, nil
}

// Len is the number of protocols.
func (c *Catalog) Len() int { return len(c.protocols) }
