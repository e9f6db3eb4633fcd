package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"dex_aggregator/broadcast"
	"dex_aggregator/cache"
	"dex_aggregator/merger"
	"dex_aggregator/metrics"
	"dex_aggregator/models"
	"dex_aggregator/registry"
)

var ErrNotFound = errors.New("token not found")

// Fetcher fans a request out to every provider. dex.Registry satisfies it.
type Fetcher interface {
	FetchByAddress(ctx context.Context, chain, address string) ([]models.TokenReading, []error)
	Search(ctx context.Context, query string) ([]models.TokenReading, []error)
}

// Publisher accepts events for asynchronous delivery. broadcast.Router
// satisfies it.
type Publisher interface {
	Emit(ev broadcast.Event) bool
}

// HistorySink receives every merged record. db.HistoryWriter satisfies it.
type HistorySink interface {
	Record(tok *models.CanonicalToken)
}

type Config struct {
	StaleSourceAfter time.Duration
	WatchWindow      time.Duration
	SpikeThreshold   float64
	RefreshWorkers   int
}

// Service is the fetch, merge, cache and publish pipeline.
type Service struct {
	fetcher   Fetcher
	cache     *cache.TokenCache
	merger    *merger.Merger
	publisher Publisher
	history   HistorySink
	subs      *registry.Registry
	cfg       Config
	log       *zap.SugaredLogger
	now       func() time.Time

	locks   *keyLocks
	index   *index
	flights singleflight.Group

	statsMu   sync.RWMutex
	lastCycle models.CycleStats
}

func New(fetcher Fetcher, c *cache.TokenCache, publisher Publisher, subs *registry.Registry, cfg Config, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.RefreshWorkers <= 0 {
		cfg.RefreshWorkers = 8
	}
	return &Service{
		fetcher:   fetcher,
		cache:     c,
		merger:    merger.New(cfg.StaleSourceAfter),
		publisher: publisher,
		subs:      subs,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		locks:     newKeyLocks(),
		index:     newIndex(),
	}
}

// WithHistory attaches an optional snapshot sink.
func (s *Service) WithHistory(h HistorySink) *Service {
	s.history = h
	return s
}

// WithClock replaces the wall clock for both the service and its merger.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.merger.WithClock(now)
	return s
}

// FetchByAddress returns the canonical token, from cache when fresh and from
// the providers otherwise. Concurrent misses for one key share a fetch.
func (s *Service) FetchByAddress(ctx context.Context, chain, address string) (*models.CanonicalToken, error) {
	chain = strings.ToLower(strings.TrimSpace(chain))
	upstream := strings.TrimSpace(address)
	address = strings.ToLower(upstream)
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", ErrNotFound)
	}
	if chain == "" {
		chain = s.index.chainOf(address)
	}

	if chain != "" {
		if tok, ok := s.cache.Token(ctx, chain, address); ok {
			s.index.requested(chain, address, s.now())
			return tok, nil
		}
	}

	v, err, _ := s.flights.Do("addr:"+merger.Key(chain, address), func() (interface{}, error) {
		return s.refreshAddress(ctx, chain, address, upstream)
	})
	if err != nil {
		return nil, err
	}
	tok := v.(*models.CanonicalToken)
	s.index.remember(upstream, s.now())
	s.index.requested(tok.Chain, tok.Address, s.now())
	return tok, nil
}

// Search returns tokens matching query, cached per lowercased query.
func (s *Service) Search(ctx context.Context, query string) ([]*models.CanonicalToken, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	s.index.requestedQuery(query, s.now())

	if hit, ok := s.cache.Search(ctx, query); ok {
		return hit, nil
	}

	v, err, _ := s.flights.Do("search:"+strings.ToLower(query), func() (interface{}, error) {
		return s.refreshQuery(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*models.CanonicalToken), nil
}

// Lookup reads the cache only. It surfaces cache.ErrUnavailable so the read
// API can tell a dead cache from a miss.
func (s *Service) Lookup(ctx context.Context, chain, address string) (*models.CanonicalToken, error) {
	return s.cache.Lookup(ctx, chain, address)
}

// Tokens lists every known token still present in the cache, deepest
// liquidity first.
func (s *Service) Tokens(ctx context.Context) ([]*models.CanonicalToken, error) {
	targets := s.index.all()
	out := make([]*models.CanonicalToken, 0, len(targets))
	for _, t := range targets {
		tok, err := s.cache.Lookup(ctx, t.chain, t.address)
		switch {
		case err == nil:
			out = append(out, tok)
		case errors.Is(err, cache.ErrMiss):
		default:
			return nil, err
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := models.Value(out[i].Liquidity), models.Value(out[j].Liquidity)
		if li != lj {
			return li > lj
		}
		return merger.TokenKey(out[i]) < merger.TokenKey(out[j])
	})
	return out, nil
}

// LastCycle reports the most recent refresh cycle.
func (s *Service) LastCycle() models.CycleStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.lastCycle
}

// Watch records the spelling of an address a client subscribed to, so the
// refresh job queries providers with the original case.
func (s *Service) Watch(address string) {
	s.index.remember(strings.TrimSpace(address), s.now())
}

// refreshAddress fetches upstream, the caller's spelling, and matches the
// merged records on the lowercased address.
func (s *Service) refreshAddress(ctx context.Context, chain, address, upstream string) (*models.CanonicalToken, error) {
	readings, errs := s.fetcher.FetchByAddress(ctx, chain, upstream)
	if len(readings) == 0 {
		if len(errs) > 0 {
			s.reportFailure("fetch", merger.Key(chain, address), errs)
			return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, merger.Key(chain, address), errors.Join(errs...))
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, merger.Key(chain, address))
	}

	merged := s.apply(ctx, readings)
	for _, tok := range merged {
		if tok.Address == address && (chain == "" || tok.Chain == chain) {
			return tok, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, merger.Key(chain, address))
}

func (s *Service) refreshQuery(ctx context.Context, query string) ([]*models.CanonicalToken, error) {
	readings, errs := s.fetcher.Search(ctx, query)
	if len(readings) == 0 && len(errs) > 0 {
		s.reportFailure("search", query, errs)
		return nil, errors.Join(errs...)
	}

	merged := s.apply(ctx, readings)
	if merged == nil {
		merged = []*models.CanonicalToken{}
	}
	_ = s.cache.SetSearch(ctx, query, merged)
	return merged, nil
}

// apply merges readings into the cached records, one key at a time under
// that key's lock, and publishes the results.
func (s *Service) apply(ctx context.Context, readings []models.TokenReading) []*models.CanonicalToken {
	groups := merger.GroupByKey(readings)
	out := make([]*models.CanonicalToken, 0, len(groups))
	for _, g := range groups {
		tok, err := s.mergeKey(ctx, g)
		if err != nil {
			s.log.Warnw("Merge failed", "key", g.Key, "error", err)
			continue
		}
		out = append(out, tok)
	}
	return out
}

func (s *Service) mergeKey(ctx context.Context, g merger.Group) (*models.CanonicalToken, error) {
	unlock := s.locks.Lock(g.Key)
	defer unlock()

	first := g.Readings[0]
	existing, _ := s.cache.Token(ctx, first.Chain, first.Address)

	merged, err := s.merger.Merge(existing, g.Readings)
	if err != nil {
		return nil, err
	}
	metrics.IncrementMerged()

	// the merged value is still published when the cache write fails
	_ = s.cache.SetToken(ctx, merged)

	isNew := s.index.merged(merged.Chain, merged.Address, merged.LastUpdated)
	if s.history != nil {
		s.history.Record(merged)
	}
	s.publish(existing, merged, isNew)
	return merged, nil
}

func (s *Service) publish(prev, cur *models.CanonicalToken, isNew bool) {
	if s.publisher == nil {
		return
	}
	if isNew {
		s.publisher.Emit(broadcast.NewTokenListed{Token: cur})
	}
	s.publisher.Emit(broadcast.TokenUpdated{Token: cur})
	if prev == nil {
		return
	}

	oldPrice, newPrice := models.Value(prev.Price), models.Value(cur.Price)
	if oldPrice != 0 && newPrice != 0 && oldPrice != newPrice {
		s.publisher.Emit(broadcast.PriceChanged{
			Chain:         cur.Chain,
			TokenAddress:  cur.Address,
			OldPrice:      oldPrice,
			NewPrice:      newPrice,
			ChangePercent: broadcast.ChangePercent(oldPrice, newPrice),
			Token:         cur,
		})
	}

	oldVol, newVol := models.Value(prev.Volume24h), models.Value(cur.Volume24h)
	if pct := broadcast.ChangePercent(oldVol, newVol); pct != nil && s.cfg.SpikeThreshold > 0 && *pct >= s.cfg.SpikeThreshold {
		s.publisher.Emit(broadcast.VolumeSpike{
			Chain:        cur.Chain,
			TokenAddress: cur.Address,
			TokenName:    cur.Name,
			OldVolume:    oldVol,
			NewVolume:    newVol,
			SpikePercent: pct,
			Token:        cur,
		})
	}
}

func (s *Service) reportFailure(op, key string, errs []error) {
	s.log.Warnw("All providers failed",
		"op", op,
		"key", key,
		"providers", len(errs),
		"error", errors.Join(errs...))
	if s.publisher != nil {
		s.publisher.Emit(broadcast.ErrorOccurred{
			Err:       errors.Join(errs...),
			Message:   "all providers failed",
			Context:   map[string]any{"op": op, "key": key},
			Timestamp: s.now(),
		})
	}
}
