package aggregator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dex_aggregator/broadcast"
	"dex_aggregator/merger"
	"dex_aggregator/metrics"
	"dex_aggregator/models"
	"dex_aggregator/registry"
)

var ErrCycleFailed = errors.New("refresh cycle failed for every target")

// Refresh re-fetches every watched token and query: tokens with a token room
// in the registry, plus tokens and queries requested within the watch window.
// It is the scheduler's job.
func (s *Service) Refresh(ctx context.Context) error {
	start := s.now()
	targets := s.refreshTargets(start)
	queries := s.index.watchedQueries(start.Add(-s.cfg.WatchWindow))

	stats := models.CycleStats{StartedAt: start, Addresses: len(targets), Queries: len(queries)}
	if len(targets) == 0 && len(queries) == 0 {
		s.finishCycle(stats)
		return nil
	}

	var (
		mu       sync.Mutex
		updated  = make(map[string]*models.CanonicalToken)
		failures int
	)
	collect := func(toks []*models.CanonicalToken, errs []error, allFailed bool) {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range toks {
			updated[merger.TokenKey(t)] = t
		}
		stats.ProviderErrors += len(errs)
		if allFailed {
			failures++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RefreshWorkers)
	for _, t := range targets {
		g.Go(func() error {
			readings, errs := s.fetcher.FetchByAddress(gctx, t.chain, t.fetchAddress())
			if len(readings) == 0 {
				if len(errs) > 0 {
					s.log.Debugw("No readings for watched token", "key", merger.Key(t.chain, t.address), "errors", len(errs))
				}
				collect(nil, errs, len(errs) > 0)
				return nil
			}
			collect(s.apply(gctx, readings), errs, false)
			return nil
		})
	}
	for _, q := range queries {
		g.Go(func() error {
			readings, errs := s.fetcher.Search(gctx, q)
			if len(readings) == 0 && len(errs) > 0 {
				collect(nil, errs, true)
				return nil
			}
			toks := s.apply(gctx, readings)
			_ = s.cache.SetSearch(gctx, q, toks)
			collect(toks, errs, false)
			return nil
		})
	}
	_ = g.Wait()

	stats.TokensUpdated = len(updated)
	if len(updated) > 0 && s.publisher != nil {
		s.publisher.Emit(broadcast.BatchUpdate{Tokens: orderedTokens(updated)})
	}

	forgotten := s.index.forget(start.Add(-s.forgetAfter()))
	s.finishCycle(stats)

	s.log.Infow("Refresh cycle completed",
		"addresses", stats.Addresses,
		"queries", stats.Queries,
		"updated", stats.TokensUpdated,
		"provider_errors", stats.ProviderErrors,
		"forgotten", forgotten,
		"duration", s.now().Sub(start))

	if failures == len(targets)+len(queries) {
		if s.publisher != nil {
			s.publisher.Emit(broadcast.ErrorOccurred{
				Err:       ErrCycleFailed,
				Message:   ErrCycleFailed.Error(),
				Context:   map[string]any{"addresses": stats.Addresses, "queries": stats.Queries},
				Timestamp: s.now(),
			})
		}
		return ErrCycleFailed
	}
	return nil
}

// refreshTargets joins token rooms with recently requested keys. A room whose
// chain is unknown is fetched across all chains.
func (s *Service) refreshTargets(now time.Time) []target {
	seen := make(map[string]struct{})
	var out []target
	add := func(t target) {
		k := merger.Key(t.chain, t.address)
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}

	if s.subs != nil {
		for _, room := range s.subs.RoomsWithPrefix("token:") {
			addr, ok := registry.TokenFromRoom(room)
			if !ok || addr == "" {
				continue
			}
			up := s.index.upstream(addr)
			if up != addr {
				s.index.remember(up, now)
			}
			add(target{chain: s.index.chainOf(addr), address: addr, upstream: up})
		}
	}
	for _, t := range s.index.watched(now.Add(-s.cfg.WatchWindow)) {
		add(t)
	}
	return out
}

func (s *Service) forgetAfter() time.Duration {
	d := s.cfg.WatchWindow
	if ttl := s.cache.TTL(); ttl > d {
		d = ttl
	}
	return 2 * d
}

func orderedTokens(m map[string]*models.CanonicalToken) []*models.CanonicalToken {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*models.CanonicalToken, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

func (s *Service) finishCycle(stats models.CycleStats) {
	stats.Duration = s.now().Sub(stats.StartedAt)
	metrics.RecordCycleDuration(stats.Duration)
	s.statsMu.Lock()
	s.lastCycle = stats
	s.statsMu.Unlock()
}
