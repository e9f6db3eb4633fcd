// Package merger reconciles provider readings into one canonical record per
// chain+address key.
//
// Readings are folded in input order. Price is first-writer-wins: once a
// provider has supplied a price it owns the slot and only that provider may
// refresh it. Liquidity keeps the maximum, sources accumulate as a set, and
// volume and market cap take the latest reported value.
package merger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"dex_aggregator/models"
)

var ErrKeyMismatch = errors.New("reading does not match merge key")

// Key is the identity readings are reconciled on.
func Key(chain, address string) string {
	return strings.ToLower(chain) + ":" + strings.ToLower(address)
}

// TokenKey returns the merge key of a canonical record.
func TokenKey(t *models.CanonicalToken) string {
	return Key(t.Chain, t.Address)
}

type Merger struct {
	now func() time.Time

	// StaleSourceAfter prunes a source that has not contributed within this
	// window. Zero keeps sources forever.
	StaleSourceAfter time.Duration
}

func New(staleSourceAfter time.Duration) *Merger {
	return &Merger{now: time.Now, StaleSourceAfter: staleSourceAfter}
}

// WithClock replaces the wall clock, for tests.
func (m *Merger) WithClock(now func() time.Time) *Merger {
	m.now = now
	return m
}

// Merge folds incoming into existing (which may be nil) and returns a new
// record. existing is not modified.
//
// The first source to report a price owns it. Other sources never replace a
// set price, but the owner may overwrite its own earlier value, otherwise a
// cached price could never move. Pruning the owner as stale frees the slot.
func (m *Merger) Merge(existing *models.CanonicalToken, incoming []models.TokenReading) (*models.CanonicalToken, error) {
	if existing == nil && len(incoming) == 0 {
		return nil, errors.New("nothing to merge")
	}

	now := m.now()
	var out *models.CanonicalToken
	var key string
	if existing != nil {
		out = existing.Clone()
		key = TokenKey(out)
		if out.SourceSeen == nil {
			out.SourceSeen = make(map[string]time.Time, len(out.Sources))
		}
		for _, src := range out.Sources {
			if _, ok := out.SourceSeen[src]; !ok {
				out.SourceSeen[src] = out.LastUpdated
			}
		}
	} else {
		first := incoming[0]
		key = Key(first.Chain, first.Address)
		out = &models.CanonicalToken{
			Chain:      strings.ToLower(first.Chain),
			Address:    strings.ToLower(first.Address),
			SourceSeen: make(map[string]time.Time, len(incoming)),
		}
	}

	for _, r := range incoming {
		if k := Key(r.Chain, r.Address); k != key {
			return nil, fmt.Errorf("%w: %s != %s", ErrKeyMismatch, k, key)
		}
	}

	if len(incoming) > 0 {
		m.pruneStale(out, incoming, now)
	}

	for _, r := range incoming {
		fold(out, r, now)
	}

	out.Sources = sortedSources(out.SourceSeen)
	out.LastUpdated = now
	return out, nil
}

// MergeAll groups a flat list of readings by key, preserving the order in
// which keys first appear, and merges each group from scratch.
func (m *Merger) MergeAll(readings []models.TokenReading) ([]*models.CanonicalToken, error) {
	groups := GroupByKey(readings)
	out := make([]*models.CanonicalToken, 0, len(groups))
	for _, g := range groups {
		tok, err := m.Merge(nil, g.Readings)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}

// Group is the readings sharing one key, in input order.
type Group struct {
	Key      string
	Readings []models.TokenReading
}

func GroupByKey(readings []models.TokenReading) []Group {
	idx := make(map[string]int)
	var groups []Group
	for _, r := range readings {
		k := Key(r.Chain, r.Address)
		i, ok := idx[k]
		if !ok {
			i = len(groups)
			idx[k] = i
			groups = append(groups, Group{Key: k})
		}
		groups[i].Readings = append(groups[i].Readings, r)
	}
	return groups
}

func fold(out *models.CanonicalToken, r models.TokenReading, now time.Time) {
	if hasValue(r.Price) && (!hasValue(out.Price) || out.PriceSource == r.Source) {
		out.Price = models.Float(*r.Price)
		out.PriceSource = r.Source
	}

	if r.Liquidity != nil && (out.Liquidity == nil || *r.Liquidity > *out.Liquidity) {
		out.Liquidity = models.Float(*r.Liquidity)
	}

	if r.Volume24h != nil {
		out.Volume24h = models.Float(*r.Volume24h)
	}
	if r.MarketCap != nil {
		out.MarketCap = models.Float(*r.MarketCap)
	}

	if out.Symbol == "" {
		out.Symbol = r.Symbol
	}
	if out.Name == "" {
		out.Name = r.Name
	}
	if out.Decimals == 0 {
		out.Decimals = r.Decimals
	}

	if r.Source != "" {
		seen := r.Timestamp
		if seen.IsZero() {
			seen = now
		}
		if prev, ok := out.SourceSeen[r.Source]; !ok || seen.After(prev) {
			out.SourceSeen[r.Source] = seen
		}
	}
}

// pruneStale drops sources that have not reported within the window and are
// not part of this merge. A pruned price owner releases the price slot.
func (m *Merger) pruneStale(out *models.CanonicalToken, incoming []models.TokenReading, now time.Time) {
	if m.StaleSourceAfter <= 0 {
		return
	}
	reporting := make(map[string]struct{}, len(incoming))
	for _, r := range incoming {
		reporting[r.Source] = struct{}{}
	}
	for src, seen := range out.SourceSeen {
		if _, ok := reporting[src]; ok {
			continue
		}
		if now.Sub(seen) <= m.StaleSourceAfter {
			continue
		}
		delete(out.SourceSeen, src)
		if out.PriceSource == src {
			out.Price = nil
			out.PriceSource = ""
		}
	}
}

func hasValue(v *float64) bool {
	return v != nil && *v != 0
}

func sortedSources(seen map[string]time.Time) []string {
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
