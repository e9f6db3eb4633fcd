package models

import (
	"sort"
	"time"
)

// TokenReading is one provider's view of a token at a point in time.
type TokenReading struct {
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Decimals  int       `json:"decimals"`
	Price     *float64  `json:"price,omitempty"`
	Liquidity *float64  `json:"liquidity,omitempty"`
	Volume24h *float64  `json:"volume24h,omitempty"`
	MarketCap *float64  `json:"marketCap,omitempty"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// CanonicalToken is the reconciled record for one chain+address pair.
type CanonicalToken struct {
	Chain       string               `json:"chain"`
	Address     string               `json:"address"`
	Symbol      string               `json:"symbol"`
	Name        string               `json:"name"`
	Decimals    int                  `json:"decimals"`
	Price       *float64             `json:"price,omitempty"`
	Liquidity   *float64             `json:"liquidity,omitempty"`
	Volume24h   *float64             `json:"volume24h,omitempty"`
	MarketCap   *float64             `json:"marketCap,omitempty"`
	Sources     []string             `json:"sources"`
	PriceSource string               `json:"priceSource,omitempty"`
	SourceSeen  map[string]time.Time `json:"sourceSeen,omitempty"`
	LastUpdated time.Time            `json:"lastUpdated"`
}

// Clone returns a deep copy so callers can mutate without racing cache readers.
func (t *CanonicalToken) Clone() *CanonicalToken {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Price = cloneFloat(t.Price)
	cp.Liquidity = cloneFloat(t.Liquidity)
	cp.Volume24h = cloneFloat(t.Volume24h)
	cp.MarketCap = cloneFloat(t.MarketCap)
	cp.Sources = append([]string(nil), t.Sources...)
	if t.SourceSeen != nil {
		cp.SourceSeen = make(map[string]time.Time, len(t.SourceSeen))
		for k, v := range t.SourceSeen {
			cp.SourceSeen[k] = v
		}
	}
	return &cp
}

// HasSource reports whether name contributed to the record.
func (t *CanonicalToken) HasSource(name string) bool {
	i := sort.SearchStrings(t.Sources, name)
	return i < len(t.Sources) && t.Sources[i] == name
}

// Value dereferences an optional metric, treating absent as zero.
func Value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// Float is a helper for building optional metrics.
func Float(v float64) *float64 {
	return &v
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

const (
	ChainEthereum = "ethereum"
	ChainSolana   = "solana"
	ChainBSC      = "bsc"
	ChainPolygon  = "polygon"
	ChainBase     = "base"
	ChainArbitrum = "arbitrum"
	ChainUnknown  = "unknown"
)

// ChainAliases maps the network identifiers used by upstream providers onto
// canonical chain names. Canonical names map to themselves.
var ChainAliases = map[string]string{
	"ethereum":     ChainEthereum,
	"eth":          ChainEthereum,
	"1":            ChainEthereum,
	"solana":       ChainSolana,
	"sol":          ChainSolana,
	"bsc":          ChainBSC,
	"bnb":          ChainBSC,
	"56":           ChainBSC,
	"polygon":      ChainPolygon,
	"polygon_pos":  ChainPolygon,
	"matic":        ChainPolygon,
	"137":          ChainPolygon,
	"base":         ChainBase,
	"8453":         ChainBase,
	"arbitrum":     ChainArbitrum,
	"arbitrum_one": ChainArbitrum,
	"42161":        ChainArbitrum,
}

// CanonicalChain resolves a lowercased network id; unknown ids pass through.
func CanonicalChain(network string) string {
	if network == "" {
		return ChainUnknown
	}
	if c, ok := ChainAliases[network]; ok {
		return c
	}
	return network
}
