package parser

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"dex_aggregator/models"
)

var ErrMissingAddress = errors.New("raw token has no address")

// RawToken is one provider entry flattened into field-name/value pairs.
// Values are whatever the provider sent: strings, float64, int or nil.
type RawToken map[string]any

// Field aliases in lookup order. The first present, non-empty key wins.
var (
	chainKeys     = []string{"chain", "chainId", "chain_id", "network"}
	addressKeys   = []string{"address", "mint", "tokenAddress", "token_address", "id"}
	symbolKeys    = []string{"symbol", "ticker"}
	nameKeys      = []string{"name"}
	decimalsKeys  = []string{"decimals"}
	priceKeys     = []string{"price", "priceUsd", "price_usd", "usdPrice"}
	liquidityKeys = []string{"liquidity", "liquidityUsd", "liquidity_usd", "reserve_in_usd", "total_reserve_in_usd"}
	volumeKeys    = []string{"volume24h", "volume", "volumeUsd", "volume_usd", "volume_h24"}
	marketCapKeys = []string{"marketCap", "market_cap", "market_cap_usd", "mcap", "fdv", "fdv_usd"}
)

// Normalizer converts raw provider entries into canonical readings.
type Normalizer struct {
	Now func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{Now: time.Now}
}

// Normalize maps aliases onto the canonical shape. It performs no I/O.
func (n *Normalizer) Normalize(raw RawToken, source string) (models.TokenReading, error) {
	address := strings.ToLower(strings.TrimSpace(raw.str(addressKeys)))
	if address == "" {
		return models.TokenReading{}, fmt.Errorf("%s: %w", source, ErrMissingAddress)
	}

	decimals := 0
	if d := raw.num(decimalsKeys); d != nil {
		decimals = int(*d)
	}

	now := time.Now
	if n != nil && n.Now != nil {
		now = n.Now
	}

	return models.TokenReading{
		Chain:     models.CanonicalChain(strings.ToLower(strings.TrimSpace(raw.str(chainKeys)))),
		Address:   address,
		Symbol:    strings.ToUpper(strings.TrimSpace(raw.str(symbolKeys))),
		Name:      strings.TrimSpace(raw.str(nameKeys)),
		Decimals:  decimals,
		Price:     raw.num(priceKeys),
		Liquidity: raw.num(liquidityKeys),
		Volume24h: raw.num(volumeKeys),
		MarketCap: raw.num(marketCapKeys),
		Source:    source,
		Timestamp: now(),
	}, nil
}

// RawFromReading expresses a reading in raw form, using canonical field names.
func RawFromReading(r models.TokenReading) RawToken {
	raw := RawToken{
		"chain":    r.Chain,
		"address":  r.Address,
		"symbol":   r.Symbol,
		"name":     r.Name,
		"decimals": r.Decimals,
	}
	if r.Price != nil {
		raw["price"] = *r.Price
	}
	if r.Liquidity != nil {
		raw["liquidity"] = *r.Liquidity
	}
	if r.Volume24h != nil {
		raw["volume24h"] = *r.Volume24h
	}
	if r.MarketCap != nil {
		raw["marketCap"] = *r.MarketCap
	}
	return raw
}

func (r RawToken) str(keys []string) string {
	for _, k := range keys {
		switch v := r[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

func (r RawToken) num(keys []string) *float64 {
	for _, k := range keys {
		if f, ok := toFloat(r[k]); ok {
			return &f
		}
	}
	return nil
}

// toFloat accepts numbers and numeric strings. NaN and infinities are
// treated as absent.
func toFloat(v any) (float64, bool) {
	f, ok := rawFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		if x == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
