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

const GeckoTerminalName = "GeckoTerminal"

// geckoNetworks maps canonical chains onto GeckoTerminal network ids.
var geckoNetworks = map[string]string{
	models.ChainEthereum: "eth",
	models.ChainSolana:   "solana",
	models.ChainBSC:      "bsc",
	models.ChainPolygon:  "polygon_pos",
	models.ChainBase:     "base",
	models.ChainArbitrum: "arbitrum",
}

type GeckoTerminal struct {
	*Client
	normalizer *parser.Normalizer
	log        *zap.SugaredLogger
}

func NewGeckoTerminal(cfg config.ProviderConfig, n *parser.Normalizer, log *zap.SugaredLogger) *GeckoTerminal {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg.Name = GeckoTerminalName
	return &GeckoTerminal{
		Client:     NewClient(cfg, middleware.DefaultBreakerSettings(), log),
		normalizer: n,
		log:        log,
	}
}

// FetchByAddress needs a chain GeckoTerminal knows; other chains yield nothing.
func (g *GeckoTerminal) FetchByAddress(ctx context.Context, chain, address string) ([]models.TokenReading, error) {
	network, ok := geckoNetworks[strings.ToLower(chain)]
	if !ok {
		return nil, nil
	}

	var resp geckoTokenResponse
	path := "/networks/" + network + "/tokens/" + url.PathEscape(address)
	found, err := g.GetJSON(ctx, "fetch", path, nil, &resp)
	if err != nil || !found || resp.Data == nil {
		return nil, err
	}

	a := resp.Data.Attributes
	raw := parser.RawToken{
		"network": network,
		"address": a.Address,
		"symbol":  a.Symbol,
		"name":    a.Name,
	}
	if a.Decimals != nil {
		raw["decimals"] = *a.Decimals
	}
	setStr(raw, "price_usd", a.PriceUsd)
	setStr(raw, "total_reserve_in_usd", a.TotalReserveInUsd)
	setStr(raw, "volume_h24", a.VolumeUsd.H24)
	if a.MarketCapUsd != nil {
		setStr(raw, "market_cap_usd", a.MarketCapUsd)
	} else {
		setStr(raw, "fdv_usd", a.FdvUsd)
	}
	return normalizeAll(g.normalizer, g.log, g.Name(), []parser.RawToken{raw})
}

func (g *GeckoTerminal) Search(ctx context.Context, query string) ([]models.TokenReading, error) {
	var resp geckoPoolsResponse
	found, err := g.GetJSON(ctx, "search", "/search/pools", url.Values{"query": {query}}, &resp)
	if err != nil || !found {
		return nil, err
	}

	raws := make([]parser.RawToken, 0, len(resp.Data))
	for _, p := range resp.Data {
		network := p.Relationships.Network.Data.ID
		address := strings.TrimPrefix(p.Relationships.BaseToken.Data.ID, network+"_")
		if network == "" {
			network, address, _ = strings.Cut(p.Relationships.BaseToken.Data.ID, "_")
		}
		symbol, _, _ := strings.Cut(p.Attributes.Name, " / ")

		raw := parser.RawToken{
			"network": network,
			"address": address,
			"symbol":  symbol,
		}
		setStr(raw, "price_usd", p.Attributes.BaseTokenPriceUsd)
		setStr(raw, "reserve_in_usd", p.Attributes.ReserveInUsd)
		setStr(raw, "volume_h24", p.Attributes.VolumeUsd.H24)
		if p.Attributes.MarketCapUsd != nil {
			setStr(raw, "market_cap_usd", p.Attributes.MarketCapUsd)
		} else {
			setStr(raw, "fdv_usd", p.Attributes.FdvUsd)
		}
		raws = append(raws, raw)
	}
	return normalizeAll(g.normalizer, g.log, g.Name(), raws)
}

func setStr(raw parser.RawToken, key string, v *string) {
	if v != nil && *v != "" {
		raw[key] = *v
	}
}
