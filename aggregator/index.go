package aggregator

import (
	"sort"
	"strings"
	"sync"
	"time"

	"dex_aggregator/merger"
)

type indexEntry struct {
	chain       string
	address     string
	firstSeen   time.Time
	lastMerged  time.Time
	lastRequest time.Time
}

// index remembers every key the pipeline has produced and when a client last
// asked for it. The cache holds the values; the index only holds identities.
type index struct {
	mu      sync.RWMutex
	entries map[string]*indexEntry
	byAddr  map[string]string
	queries map[string]time.Time

	// spellings maps a lowercased address to the case a caller sent. Base58
	// addresses are case sensitive upstream.
	spellings map[string]spelling
}

type spelling struct {
	address string
	seen    time.Time
}

func newIndex() *index {
	return &index{
		entries:   make(map[string]*indexEntry),
		byAddr:    make(map[string]string),
		queries:   make(map[string]time.Time),
		spellings: make(map[string]spelling),
	}
}

// merged records a merge and reports whether the key was new.
func (ix *index) merged(chain, address string, at time.Time) bool {
	key := merger.Key(chain, address)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[key]
	if !ok {
		e = &indexEntry{chain: strings.ToLower(chain), address: strings.ToLower(address), firstSeen: at}
		ix.entries[key] = e
		ix.byAddr[e.address] = e.chain
	}
	e.lastMerged = at
	return !ok
}

func (ix *index) requested(chain, address string, at time.Time) {
	key := merger.Key(chain, address)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e, ok := ix.entries[key]; ok {
		e.lastRequest = at
	}
}

func (ix *index) requestedQuery(q string, at time.Time) {
	ix.mu.Lock()
	ix.queries[strings.ToLower(strings.TrimSpace(q))] = at
	ix.mu.Unlock()
}

// chainOf resolves the chain last seen for an address.
func (ix *index) chainOf(address string) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.byAddr[strings.ToLower(address)]
}

// remember records the caller's spelling of an address. All-lowercase
// addresses need no entry.
func (ix *index) remember(address string, at time.Time) {
	lower := strings.ToLower(address)
	if lower == address {
		return
	}
	ix.mu.Lock()
	ix.spellings[lower] = spelling{address: address, seen: at}
	ix.mu.Unlock()
}

// upstream returns the remembered spelling of address, or address itself.
func (ix *index) upstream(address string) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.upstreamLocked(address)
}

func (ix *index) upstreamLocked(address string) string {
	if sp, ok := ix.spellings[strings.ToLower(address)]; ok {
		return sp.address
	}
	return address
}

type target struct {
	chain    string
	address  string
	upstream string
}

// fetchAddress is the address sent to providers.
func (t target) fetchAddress() string {
	if t.upstream != "" {
		return t.upstream
	}
	return t.address
}

// watched returns keys requested since cutoff, in key order.
func (ix *index) watched(cutoff time.Time) []target {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	keys := make([]string, 0)
	for k, e := range ix.entries {
		if !e.lastRequest.IsZero() && !e.lastRequest.Before(cutoff) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]target, len(keys))
	for i, k := range keys {
		e := ix.entries[k]
		out[i] = target{chain: e.chain, address: e.address, upstream: ix.upstreamLocked(e.address)}
	}
	return out
}

// watchedQueries returns queries requested since cutoff and forgets older
// ones.
func (ix *index) watchedQueries(cutoff time.Time) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []string
	for q, at := range ix.queries {
		if at.Before(cutoff) {
			delete(ix.queries, q)
			continue
		}
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (ix *index) all() []target {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	keys := make([]string, 0, len(ix.entries))
	for k := range ix.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]target, len(keys))
	for i, k := range keys {
		e := ix.entries[k]
		out[i] = target{chain: e.chain, address: e.address}
	}
	return out
}

// forget drops keys that have neither merged nor been requested since cutoff.
func (ix *index) forget(cutoff time.Time) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for k, e := range ix.entries {
		if e.lastMerged.Before(cutoff) && e.lastRequest.Before(cutoff) {
			delete(ix.entries, k)
			if ix.byAddr[e.address] == e.chain {
				delete(ix.byAddr, e.address)
			}
			n++
		}
	}
	for addr, sp := range ix.spellings {
		if _, live := ix.byAddr[addr]; !live && sp.seen.Before(cutoff) {
			delete(ix.spellings, addr)
		}
	}
	return n
}

func (ix *index) size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}
