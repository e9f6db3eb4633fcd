package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex_aggregator/aggregator"
	"dex_aggregator/cache"
	"dex_aggregator/models"
)

type fakeService struct {
	tokens    []*models.CanonicalToken
	tokensErr error
	byAddr    map[string]*models.CanonicalToken
	search    []*models.CanonicalToken
	searchErr error

	lastChain string
}

func (f *fakeService) Tokens(context.Context) ([]*models.CanonicalToken, error) {
	return f.tokens, f.tokensErr
}

func (f *fakeService) FetchByAddress(_ context.Context, chain, address string) (*models.CanonicalToken, error) {
	f.lastChain = chain
	if t, ok := f.byAddr[address]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", aggregator.ErrNotFound, address)
}

func (f *fakeService) Search(context.Context, string) ([]*models.CanonicalToken, error) {
	return f.search, f.searchErr
}

func mkToken(chain, addr, symbol string, price, liq float64) *models.CanonicalToken {
	return &models.CanonicalToken{
		Chain:     chain,
		Address:   addr,
		Symbol:    symbol,
		Name:      symbol + " Token",
		Price:     models.Float(price),
		Liquidity: models.Float(liq),
	}
}

func serve(t *testing.T, svc TokenService, target string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(svc, nil).Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decodePage(t *testing.T, rec *httptest.ResponseRecorder) TokenPage {
	t.Helper()
	var p TokenPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func manyTokens(n int) []*models.CanonicalToken {
	out := make([]*models.CanonicalToken, n)
	for i := range out {
		out[i] = mkToken("ethereum", fmt.Sprintf("0x%02d", i), fmt.Sprintf("T%d", i), 1, float64(n-i))
	}
	return out
}

func TestListTokensPaginates(t *testing.T) {
	svc := &fakeService{tokens: manyTokens(25)}

	rec := serve(t, svc, "/api/tokens")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	p := decodePage(t, rec)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 10, p.Limit)
	assert.Equal(t, 25, p.Total)
	assert.Equal(t, 3, p.TotalPages)
	require.Len(t, p.Tokens, 10)
	assert.Equal(t, "0x00", p.Tokens[0].Address)

	p = decodePage(t, serve(t, svc, "/api/tokens?page=3&limit=10"))
	require.Len(t, p.Tokens, 5)
	assert.Equal(t, "0x20", p.Tokens[0].Address)

	p = decodePage(t, serve(t, svc, "/api/tokens?page=9"))
	assert.Empty(t, p.Tokens)
	assert.Equal(t, 25, p.Total)

	p = decodePage(t, serve(t, svc, "/api/tokens?limit=500&page=0"))
	assert.Equal(t, 100, p.Limit)
	assert.Equal(t, 1, p.Page)
	assert.Len(t, p.Tokens, 25)
}

func TestListTokensFilters(t *testing.T) {
	svc := &fakeService{tokens: []*models.CanonicalToken{
		mkToken("ethereum", "0xaaa", "PEPE", 0.5, 1000),
		mkToken("ethereum", "0xbbb", "WETH", 3000, 5000000),
		mkToken("solana", "mint1", "BONK", 0.00001, 20000),
		{Chain: "bsc", Address: "0xccc", Symbol: "NOPRICE"},
	}}

	tests := []struct {
		query string
		want  []string
	}{
		{"chain=ethereum", []string{"0xaaa", "0xbbb"}},
		{"chain=eth", []string{"0xaaa", "0xbbb"}},
		{"minPrice=1", []string{"0xbbb"}},
		{"maxPrice=1", []string{"0xaaa", "mint1", "0xccc"}},
		{"minLiquidity=10000&maxLiquidity=100000", []string{"mint1"}},
		{"search=pe", []string{"0xaaa"}},
		{"search=MINT", []string{"mint1"}},
		{"chain=solana&minPrice=1", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := serve(t, svc, "/api/tokens?"+tt.query)
			require.Equal(t, http.StatusOK, rec.Code)
			p := decodePage(t, rec)
			got := make([]string, 0, len(p.Tokens))
			for _, tok := range p.Tokens {
				got = append(got, tok.Address)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want), p.Total)
		})
	}
}

func TestListTokensBadQuery(t *testing.T) {
	rec := serve(t, &fakeService{}, "/api/tokens?minPrice=cheap")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "minPrice")
}

func TestListTokensCacheDown(t *testing.T) {
	svc := &fakeService{tokensErr: fmt.Errorf("get: %w", cache.ErrUnavailable)}
	rec := serve(t, svc, "/api/tokens")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetToken(t *testing.T) {
	svc := &fakeService{byAddr: map[string]*models.CanonicalToken{
		"0xaaa": mkToken("ethereum", "0xaaa", "PEPE", 1, 1),
	}}

	rec := serve(t, svc, "/api/tokens/ethereum/0xaaa")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Token models.CanonicalToken `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PEPE", body.Token.Symbol)
	assert.Equal(t, "ethereum", svc.lastChain)

	rec = serve(t, svc, "/api/tokens/0xaaa")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, svc.lastChain)

	rec = serve(t, svc, "/api/tokens/ethereum/0xmissing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "token not found")
}

func TestSearch(t *testing.T) {
	svc := &fakeService{search: []*models.CanonicalToken{mkToken("bsc", "0x1", "CAKE", 2, 2)}}

	rec := serve(t, svc, "/api/search?q="+url.QueryEscape("cake"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"CAKE"`)

	rec = serve(t, svc, "/api/search")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc = &fakeService{searchErr: errors.New("all providers failed")}
	rec = serve(t, svc, "/api/search?q=x")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tokens":[],"query":"x"}`, rec.Body.String())
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1002"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:1000"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1003"))

	now = now.Add(time.Hour)
	assert.Equal(t, 2, rl.Evict(time.Minute))
}

func TestParseListQueryWithoutChain(t *testing.T) {
	f, p, err := ParseListQuery(url.Values{})
	require.NoError(t, err)
	assert.Empty(t, f.Chain)
	assert.Equal(t, Page{Page: 1, Limit: 10}, p)
	assert.True(t, f.Match(mkToken("ethereum", "0xaaa", "PEPE", 1, 1)))

	f, _, err = ParseListQuery(url.Values{"chain": {"  "}})
	require.NoError(t, err)
	assert.Empty(t, f.Chain)

	f, _, err = ParseListQuery(url.Values{"chain": {"SOL"}})
	require.NoError(t, err)
	assert.Equal(t, "solana", f.Chain)
}
