package dex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex_aggregator/models"
	"dex_aggregator/parser"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testNormalizer() *parser.Normalizer {
	return &parser.Normalizer{Now: func() time.Time { return fixedNow }}
}

func serveJSON(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDexScreenerFetchByAddress(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/tokens/0xABC": `{"schemaVersion":"1.0.0","pairs":[
			{"chainId":"ethereum","baseToken":{"address":"0xAbC","name":"Alpha","symbol":"alp"},
			 "priceUsd":"1.25","liquidity":{"usd":5000},"volume":{"h24":900},"fdv":12000},
			{"chainId":"ethereum","baseToken":{"address":"0xabc","name":"Alpha","symbol":"ALP"},
			 "priceUsd":"1.30","liquidity":{"usd":9000},"volume":{"h24":100},"marketCap":11000},
			{"chainId":"ethereum","baseToken":{"address":"0xother","name":"Weth","symbol":"WETH"},
			 "priceUsd":"3000","liquidity":{"usd":1}},
			{"chainId":"bsc","baseToken":{"address":"0xabc","name":"Alpha","symbol":"ALP"},
			 "priceUsd":"1.10","liquidity":{"usd":99999}}
		]}`,
	})
	d := NewDexScreener(testProviderConfig(srv.URL, 0), testNormalizer(), nil)

	readings, err := d.FetchByAddress(context.Background(), "ethereum", "0xABC")
	require.NoError(t, err)
	require.Len(t, readings, 1)

	r := readings[0]
	assert.Equal(t, "ethereum", r.Chain)
	assert.Equal(t, "0xabc", r.Address)
	assert.Equal(t, "ALP", r.Symbol)
	assert.Equal(t, 1.30, models.Value(r.Price))
	assert.Equal(t, 9000.0, models.Value(r.Liquidity))
	assert.Equal(t, 11000.0, models.Value(r.MarketCap))
	assert.Equal(t, DexScreenerName, r.Source)
	assert.Equal(t, fixedNow, r.Timestamp)
}

func TestDexScreenerSearchAndNotFound(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/search": `{"pairs":[
			{"chainId":"solana","baseToken":{"address":"MintA","symbol":"aaa"},"priceUsd":"0.1","liquidity":{"usd":10}},
			{"chainId":"bsc","baseToken":{"address":"0xB","symbol":"bbb"},"priceUsd":"2"}
		]}`,
	})
	d := NewDexScreener(testProviderConfig(srv.URL, 0), testNormalizer(), nil)

	readings, err := d.Search(context.Background(), "aaa")
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "solana", readings[0].Chain)
	assert.Equal(t, "minta", readings[0].Address)
	assert.Equal(t, "bsc", readings[1].Chain)

	none, err := d.FetchByAddress(context.Background(), "", "0xmissing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDexScreenerAllEntriesUnusable(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/search": `{"pairs":[{"chainId":"bsc","baseToken":{"symbol":"X"},"priceUsd":"1"}]}`,
	})
	d := NewDexScreener(testProviderConfig(srv.URL, 0), testNormalizer(), nil)

	_, err := d.Search(context.Background(), "x")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestGeckoTerminalFetchByAddress(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/networks/polygon_pos/tokens/0xdef": `{"data":{"id":"polygon_pos_0xdef","type":"token","attributes":{
			"address":"0xDEF","name":"Delta","symbol":"dlt","decimals":18,
			"price_usd":"0.5","fdv_usd":"1000","market_cap_usd":null,
			"total_reserve_in_usd":"2500.5","volume_usd":{"h24":"42"}}}}`,
	})
	g := NewGeckoTerminal(testProviderConfig(srv.URL, 0), testNormalizer(), nil)

	readings, err := g.FetchByAddress(context.Background(), "polygon", "0xdef")
	require.NoError(t, err)
	require.Len(t, readings, 1)
	r := readings[0]
	assert.Equal(t, "polygon", r.Chain)
	assert.Equal(t, "0xdef", r.Address)
	assert.Equal(t, 18, r.Decimals)
	assert.Equal(t, 0.5, models.Value(r.Price))
	assert.Equal(t, 2500.5, models.Value(r.Liquidity))
	assert.Equal(t, 42.0, models.Value(r.Volume24h))
	assert.Equal(t, 1000.0, models.Value(r.MarketCap))

	unsupported, err := g.FetchByAddress(context.Background(), "fantom", "0xdef")
	require.NoError(t, err)
	assert.Empty(t, unsupported)
}

func TestGeckoTerminalSearch(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/search/pools": `{"data":[{"id":"eth_0xpool","attributes":{
			"name":"PEPE / WETH","base_token_price_usd":"0.000012","reserve_in_usd":"80000",
			"volume_usd":{"h24":"1500"},"fdv_usd":"5000000"},
			"relationships":{"base_token":{"data":{"id":"eth_0xPEPE"}},"network":{"data":{"id":"eth"}}}}]}`,
	})
	g := NewGeckoTerminal(testProviderConfig(srv.URL, 0), testNormalizer(), nil)

	readings, err := g.Search(context.Background(), "pepe")
	require.NoError(t, err)
	require.Len(t, readings, 1)
	r := readings[0]
	assert.Equal(t, "ethereum", r.Chain)
	assert.Equal(t, "0xpepe", r.Address)
	assert.Equal(t, "PEPE", r.Symbol)
	assert.Equal(t, 0.000012, models.Value(r.Price))
	assert.Equal(t, 80000.0, models.Value(r.Liquidity))
	assert.Equal(t, GeckoTerminalName, r.Source)
}

func TestJupiterSearchAndFetch(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/tokens/v2/search": `[
			{"id":"So11111111111111111111111111111111111111112","name":"Wrapped SOL","symbol":"SOL","decimals":9,
			 "usdPrice":150.5,"liquidity":1000000,"mcap":70000000000,"stats24h":{"buyVolume":10,"sellVolume":15}},
			{"id":"OtherMint","name":"Other","symbol":"oth","decimals":6,"usdPrice":1}
		]`,
	})
	j := NewJupiter(testProviderConfig(srv.URL, 0), testNormalizer(), nil)

	all, err := j.Search(context.Background(), "sol")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "solana", all[0].Chain)
	assert.Equal(t, 25.0, models.Value(all[0].Volume24h))
	assert.Equal(t, 9, all[0].Decimals)

	one, err := j.FetchByAddress(context.Background(), "solana", "othermint")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "OTH", one[0].Symbol)

	skipped, err := j.FetchByAddress(context.Background(), "ethereum", "0xabc")
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

type fakeProvider struct {
	name     string
	readings []models.TokenReading
	err      error
	delay    time.Duration
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) FetchByAddress(ctx context.Context, chain, address string) ([]models.TokenReading, error) {
	time.Sleep(f.delay)
	return f.readings, f.err
}

func (f *fakeProvider) Search(ctx context.Context, query string) ([]models.TokenReading, error) {
	return f.FetchByAddress(ctx, "", query)
}

func TestRegistryFanOutKeepsRegistrationOrder(t *testing.T) {
	a := &fakeProvider{name: "A", delay: 30 * time.Millisecond, readings: []models.TokenReading{{Chain: "bsc", Address: "0x1", Source: "A"}}}
	b := &fakeProvider{name: "B", err: &ProviderError{Provider: "B", Op: "fetch", Attempts: 6, Err: ErrTransient}}
	c := &fakeProvider{name: "C", readings: []models.TokenReading{{Chain: "bsc", Address: "0x1", Source: "C"}}}

	reg, err := NewRegistry(nil, a, b, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, reg.Names())

	readings, errs := reg.FetchByAddress(context.Background(), "bsc", "0x1")
	require.Len(t, readings, 2)
	assert.Equal(t, "A", readings[0].Source)
	assert.Equal(t, "C", readings[1].Source)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrTransient)
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	_, err := NewRegistry(nil, &fakeProvider{name: "A"}, &fakeProvider{name: "A"})
	assert.Error(t, err)
}

func TestRegistryStats(t *testing.T) {
	srv := serveJSON(t, map[string]string{"/search": `{"pairs":[]}`})
	d := NewDexScreener(testProviderConfig(srv.URL, 0), testNormalizer(), nil)
	reg, err := NewRegistry(nil, d, &fakeProvider{name: "plain"})
	require.NoError(t, err)

	_, errs := reg.Search(context.Background(), "x")
	assert.Empty(t, errs)

	stats := reg.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, DexScreenerName, stats[0].Provider)
	assert.Equal(t, int64(1), stats[0].Requests)
	assert.Equal(t, "closed", stats[0].BreakerState)
	assert.False(t, stats[0].LastSuccess.IsZero(), fmt.Sprintf("%+v", stats[0]))
}
