package dex

// Wire shapes. Only the fields the canonical token needs are decoded.

type dexScreenerResponse struct {
	Pairs []dexScreenerPair `json:"pairs"`
}

type dexScreenerPair struct {
	ChainID   string `json:"chainId"`
	BaseToken struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUsd  string `json:"priceUsd"`
	Liquidity *struct {
		Usd *float64 `json:"usd"`
	} `json:"liquidity"`
	Volume *struct {
		H24 *float64 `json:"h24"`
	} `json:"volume"`
	Fdv       *float64 `json:"fdv"`
	MarketCap *float64 `json:"marketCap"`
}

type geckoTokenResponse struct {
	Data *geckoToken `json:"data"`
}

type geckoToken struct {
	ID         string `json:"id"`
	Attributes struct {
		Address           string  `json:"address"`
		Name              string  `json:"name"`
		Symbol            string  `json:"symbol"`
		Decimals          *int    `json:"decimals"`
		PriceUsd          *string `json:"price_usd"`
		FdvUsd            *string `json:"fdv_usd"`
		MarketCapUsd      *string `json:"market_cap_usd"`
		TotalReserveInUsd *string `json:"total_reserve_in_usd"`
		VolumeUsd         struct {
			H24 *string `json:"h24"`
		} `json:"volume_usd"`
	} `json:"attributes"`
}

type geckoPoolsResponse struct {
	Data []geckoPool `json:"data"`
}

type geckoPool struct {
	ID         string `json:"id"`
	Attributes struct {
		Name              string  `json:"name"`
		BaseTokenPriceUsd *string `json:"base_token_price_usd"`
		ReserveInUsd      *string `json:"reserve_in_usd"`
		FdvUsd            *string `json:"fdv_usd"`
		MarketCapUsd      *string `json:"market_cap_usd"`
		VolumeUsd         struct {
			H24 *string `json:"h24"`
		} `json:"volume_usd"`
	} `json:"attributes"`
	Relationships struct {
		BaseToken struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		} `json:"base_token"`
		Network struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		} `json:"network"`
	} `json:"relationships"`
}

type jupiterToken struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Symbol    string   `json:"symbol"`
	Decimals  int      `json:"decimals"`
	USDPrice  *float64 `json:"usdPrice"`
	Liquidity *float64 `json:"liquidity"`
	Mcap      *float64 `json:"mcap"`
	Fdv       *float64 `json:"fdv"`
	Stats24h  *struct {
		BuyVolume  float64 `json:"buyVolume"`
		SellVolume float64 `json:"sellVolume"`
	} `json:"stats24h"`
}
