package dex

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"dex_aggregator/config"
	"dex_aggregator/middleware"
	"dex_aggregator/models"
	"dex_aggregator/parser"
)

const JupiterName = "Jupiter"

// Jupiter only lists Solana mints.
type Jupiter struct {
	*Client
	normalizer *parser.Normalizer
	log        *zap.SugaredLogger
}

func NewJupiter(cfg config.ProviderConfig, n *parser.Normalizer, log *zap.SugaredLogger) *Jupiter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg.Name = JupiterName
	return &Jupiter{
		Client:     NewClient(cfg, middleware.DefaultBreakerSettings(), log),
		normalizer: n,
		log:        log,
	}
}

func (j *Jupiter) FetchByAddress(ctx context.Context, chain, address string) ([]models.TokenReading, error) {
	if chain != "" && !strings.EqualFold(chain, models.ChainSolana) {
		return nil, nil
	}
	readings, err := j.search(ctx, "fetch", address)
	if err != nil {
		return nil, err
	}
	out := readings[:0]
	for _, r := range readings {
		if strings.EqualFold(r.Address, address) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (j *Jupiter) Search(ctx context.Context, query string) ([]models.TokenReading, error) {
	return j.search(ctx, "search", query)
}

func (j *Jupiter) search(ctx context.Context, op, query string) ([]models.TokenReading, error) {
	var resp []jupiterToken
	found, err := j.GetJSON(ctx, op, "/tokens/v2/search", url.Values{"query": {query}}, &resp)
	if err != nil || !found {
		return nil, err
	}

	raws := make([]parser.RawToken, 0, len(resp))
	for _, t := range resp {
		raw := parser.RawToken{
			"chain":    models.ChainSolana,
			"mint":     t.ID,
			"symbol":   t.Symbol,
			"name":     t.Name,
			"decimals": t.Decimals,
		}
		if t.USDPrice != nil {
			raw["usdPrice"] = *t.USDPrice
		}
		if t.Liquidity != nil {
			raw["liquidity"] = *t.Liquidity
		}
		if t.Mcap != nil {
			raw["mcap"] = *t.Mcap
		} else if t.Fdv != nil {
			raw["fdv"] = *t.Fdv
		}
		if t.Stats24h != nil {
			raw["volume24h"] = t.Stats24h.BuyVolume + t.Stats24h.SellVolume
		}
		raws = append(raws, raw)
	}
	return normalizeAll(j.normalizer, j.log, j.Name(), raws)
}
