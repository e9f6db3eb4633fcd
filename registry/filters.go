package registry

import (
	"fmt"
	"math"
	"strings"

	"dex_aggregator/models"
)

// Filters narrow which broadcast updates a client receives through the
// all-tokens and chain rooms.
type Filters struct {
	Chains       []string `json:"chains,omitempty"`
	MinVolume    *float64 `json:"minVolume,omitempty"`
	MinMarketCap *float64 `json:"minMarketCap,omitempty"`
}

func (f Filters) Validate() error {
	if len(f.Chains) > maxChains {
		return fmt.Errorf("%w: at most %d chains", ErrInvalidFilter, maxChains)
	}
	for _, c := range f.Chains {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("%w: empty chain", ErrInvalidFilter)
		}
	}
	if err := checkThreshold("minVolume", f.MinVolume); err != nil {
		return err
	}
	return checkThreshold("minMarketCap", f.MinMarketCap)
}

func checkThreshold(name string, v *float64) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidFilter, name)
	}
	return nil
}

// Matches reports whether t passes every set criterion. Absent metrics count
// as zero.
func (f *Filters) Matches(t *models.CanonicalToken) bool {
	if f == nil {
		return true
	}
	if len(f.Chains) > 0 {
		ok := false
		for _, c := range f.Chains {
			if c == t.Chain {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinVolume != nil && models.Value(t.Volume24h) < *f.MinVolume {
		return false
	}
	if f.MinMarketCap != nil && models.Value(t.MarketCap) < *f.MinMarketCap {
		return false
	}
	return true
}

func (f Filters) normalized() Filters {
	out := f.clone()
	for i, c := range out.Chains {
		out.Chains[i] = models.CanonicalChain(strings.ToLower(strings.TrimSpace(c)))
	}
	return out
}

func (f Filters) clone() Filters {
	out := Filters{Chains: append([]string(nil), f.Chains...)}
	if f.MinVolume != nil {
		v := *f.MinVolume
		out.MinVolume = &v
	}
	if f.MinMarketCap != nil {
		v := *f.MinMarketCap
		out.MinMarketCap = &v
	}
	return out
}
