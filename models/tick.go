package models

import "time"

// TokenTick is one canonical snapshot as stored in the history table.
type TokenTick struct {
	Timestamp time.Time `ch:"timestamp"`
	Chain     string    `ch:"chain"`
	Address   string    `ch:"address"`
	Symbol    string    `ch:"symbol"`
	Price     float64   `ch:"price"`
	Liquidity float64   `ch:"liquidity"`
	Volume24h float64   `ch:"volume_24h"`
	MarketCap float64   `ch:"market_cap"`
	Sources   []string  `ch:"sources"`
}

// TickFromToken flattens a canonical record for storage.
func TickFromToken(t *CanonicalToken) TokenTick {
	return TokenTick{
		Timestamp: t.LastUpdated,
		Chain:     t.Chain,
		Address:   t.Address,
		Symbol:    t.Symbol,
		Price:     Value(t.Price),
		Liquidity: Value(t.Liquidity),
		Volume24h: Value(t.Volume24h),
		MarketCap: Value(t.MarketCap),
		Sources:   append([]string(nil), t.Sources...),
	}
}
