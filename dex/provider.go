package dex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dex_aggregator/config"
	"dex_aggregator/merger"
	"dex_aggregator/models"
	"dex_aggregator/parser"
)

// Provider is one upstream market-data source.
type Provider interface {
	Name() string
	FetchByAddress(ctx context.Context, chain, address string) ([]models.TokenReading, error)
	Search(ctx context.Context, query string) ([]models.TokenReading, error)
}

type statsReporter interface {
	Stats() models.ProviderStats
}

// Registry holds the enabled providers in registration order and fans calls
// out to all of them. Results are joined in that order, which is the merge
// fold order.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	byName    map[string]Provider
	log       *zap.SugaredLogger
}

func NewRegistry(log *zap.SugaredLogger, providers ...Provider) (*Registry, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Registry{byName: make(map[string]Provider), log: log}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[p.Name()]; ok {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.byName[p.Name()] = p
	r.providers = append(r.providers, p)
	return nil
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.providers))
	for i, p := range r.providers {
		out[i] = p.Name()
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// NewFromConfig registers every enabled provider. Registration order is
// DexScreener, GeckoTerminal, Jupiter.
func NewFromConfig(cfg *config.Config, n *parser.Normalizer, log *zap.SugaredLogger) (*Registry, error) {
	var providers []Provider
	if p := cfg.Providers.DexScreener; p.Enabled {
		providers = append(providers, NewDexScreener(p, n, log))
	}
	if p := cfg.Providers.GeckoTerminal; p.Enabled {
		providers = append(providers, NewGeckoTerminal(p, n, log))
	}
	if p := cfg.Providers.Jupiter; p.Enabled {
		providers = append(providers, NewJupiter(p, n, log))
	}
	if len(providers) == 0 {
		return nil, errors.New("no providers enabled")
	}
	return NewRegistry(log, providers...)
}

// FetchByAddress asks every provider in parallel. A failing provider does not
// affect the others; its error is returned alongside whatever succeeded.
func (r *Registry) FetchByAddress(ctx context.Context, chain, address string) ([]models.TokenReading, []error) {
	return r.fanOut(ctx, "fetch", func(ctx context.Context, p Provider) ([]models.TokenReading, error) {
		return p.FetchByAddress(ctx, chain, address)
	})
}

func (r *Registry) Search(ctx context.Context, query string) ([]models.TokenReading, []error) {
	return r.fanOut(ctx, "search", func(ctx context.Context, p Provider) ([]models.TokenReading, error) {
		return p.Search(ctx, query)
	})
}

func (r *Registry) fanOut(ctx context.Context, op string, call func(context.Context, Provider) ([]models.TokenReading, error)) ([]models.TokenReading, []error) {
	r.mu.RLock()
	providers := append([]Provider(nil), r.providers...)
	r.mu.RUnlock()

	results := make([][]models.TokenReading, len(providers))
	errs := make([]error, len(providers))

	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			readings, err := call(ctx, p)
			if err != nil {
				var pe *ProviderError
				attempts := 0
				if errors.As(err, &pe) {
					attempts = pe.Attempts
				}
				r.log.Warnw("Provider call failed",
					"provider", p.Name(),
					"op", op,
					"attempts", attempts,
					"error", err)
				errs[i] = err
				return nil
			}
			results[i] = readings
			return nil
		})
	}
	_ = g.Wait()

	var out []models.TokenReading
	for _, rs := range results {
		out = append(out, rs...)
	}
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	return out, failed
}

// Stats returns per-provider counters for the providers that track them.
func (r *Registry) Stats() []models.ProviderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ProviderStats
	for _, p := range r.providers {
		if s, ok := p.(statsReporter); ok {
			out = append(out, s.Stats())
		}
	}
	return out
}

// normalizeAll converts raw entries, skipping (and logging) unusable ones. If
// every entry is unusable the payload is reported as malformed.
func normalizeAll(n *parser.Normalizer, log *zap.SugaredLogger, source string, raws []parser.RawToken) ([]models.TokenReading, error) {
	out := make([]models.TokenReading, 0, len(raws))
	var skipped int
	for _, raw := range raws {
		reading, err := n.Normalize(raw, source)
		if err != nil {
			skipped++
			log.Debugw("Skipping unusable provider entry", "provider", source, "error", err)
			continue
		}
		out = append(out, reading)
	}
	if len(out) == 0 && skipped > 0 {
		return nil, &ProviderError{
			Provider: source,
			Op:       "normalize",
			Attempts: 1,
			Err:      fmt.Errorf("%w: %d entries without address", ErrMalformed, skipped),
		}
	}
	return bestPerKey(out), nil
}

// bestPerKey keeps one reading per token, the one backed by the deepest
// liquidity, so a provider listing many pools for a token reports once.
func bestPerKey(readings []models.TokenReading) []models.TokenReading {
	idx := make(map[string]int, len(readings))
	out := readings[:0]
	for _, r := range readings {
		k := merger.Key(r.Chain, r.Address)
		i, ok := idx[k]
		if !ok {
			idx[k] = len(out)
			out = append(out, r)
			continue
		}
		if models.Value(r.Liquidity) > models.Value(out[i].Liquidity) {
			out[i] = r
		}
	}
	return out
}
