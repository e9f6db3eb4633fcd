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

const DexScreenerName = "DexScreener"

// DexScreener reads pair listings; each pair's base token becomes a reading.
type DexScreener struct {
	*Client
	normalizer *parser.Normalizer
	log        *zap.SugaredLogger
}

func NewDexScreener(cfg config.ProviderConfig, n *parser.Normalizer, log *zap.SugaredLogger) *DexScreener {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg.Name = DexScreenerName
	return &DexScreener{
		Client:     NewClient(cfg, middleware.DefaultBreakerSettings(), log),
		normalizer: n,
		log:        log,
	}
}

func (d *DexScreener) FetchByAddress(ctx context.Context, chain, address string) ([]models.TokenReading, error) {
	var resp dexScreenerResponse
	found, err := d.GetJSON(ctx, "fetch", "/tokens/"+url.PathEscape(address), nil, &resp)
	if err != nil || !found {
		return nil, err
	}

	raws := make([]parser.RawToken, 0, len(resp.Pairs))
	for _, p := range resp.Pairs {
		if !strings.EqualFold(p.BaseToken.Address, address) {
			continue
		}
		if chain != "" && models.CanonicalChain(strings.ToLower(p.ChainID)) != strings.ToLower(chain) {
			continue
		}
		raws = append(raws, dexScreenerRaw(p))
	}
	return normalizeAll(d.normalizer, d.log, d.Name(), raws)
}

func (d *DexScreener) Search(ctx context.Context, query string) ([]models.TokenReading, error) {
	var resp dexScreenerResponse
	found, err := d.GetJSON(ctx, "search", "/search", url.Values{"q": {query}}, &resp)
	if err != nil || !found {
		return nil, err
	}
	raws := make([]parser.RawToken, 0, len(resp.Pairs))
	for _, p := range resp.Pairs {
		raws = append(raws, dexScreenerRaw(p))
	}
	return normalizeAll(d.normalizer, d.log, d.Name(), raws)
}

func dexScreenerRaw(p dexScreenerPair) parser.RawToken {
	raw := parser.RawToken{
		"chainId":  p.ChainID,
		"address":  p.BaseToken.Address,
		"symbol":   p.BaseToken.Symbol,
		"name":     p.BaseToken.Name,
		"priceUsd": p.PriceUsd,
	}
	if p.Liquidity != nil && p.Liquidity.Usd != nil {
		raw["liquidityUsd"] = *p.Liquidity.Usd
	}
	if p.Volume != nil && p.Volume.H24 != nil {
		raw["volume24h"] = *p.Volume.H24
	}
	if p.MarketCap != nil {
		raw["marketCap"] = *p.MarketCap
	} else if p.Fdv != nil {
		raw["fdv"] = *p.Fdv
	}
	return raw
}
