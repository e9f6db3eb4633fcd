package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"dex_aggregator/models"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

// TokenFilter narrows the token listing. Nil bounds are unset.
type TokenFilter struct {
	Chain        string
	MinPrice     *float64
	MaxPrice     *float64
	MinLiquidity *float64
	MaxLiquidity *float64
	Search       string
}

type Page struct {
	Page  int
	Limit int
}

// ParseListQuery reads filter and pagination parameters. Out of range page and
// limit values are clamped; unparsable numbers are an error.
func ParseListQuery(q url.Values) (TokenFilter, Page, error) {
	f := TokenFilter{
		Search: strings.ToLower(strings.TrimSpace(q.Get("search"))),
	}
	if chain := strings.ToLower(strings.TrimSpace(q.Get("chain"))); chain != "" {
		f.Chain = models.CanonicalChain(chain)
	}
	bounds := []struct {
		name string
		dst  **float64
	}{
		{"minPrice", &f.MinPrice},
		{"maxPrice", &f.MaxPrice},
		{"minLiquidity", &f.MinLiquidity},
		{"maxLiquidity", &f.MaxLiquidity},
	}
	for _, b := range bounds {
		v, err := optionalFloat(q, b.name)
		if err != nil {
			return f, Page{}, err
		}
		*b.dst = v
	}

	p := Page{Page: 1, Limit: defaultLimit}
	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return f, p, fmt.Errorf("page: %w", err)
		}
		p.Page = max(1, n)
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return f, p, fmt.Errorf("limit: %w", err)
		}
		if n < 1 {
			n = defaultLimit
		}
		p.Limit = min(maxLimit, n)
	}
	return f, p, nil
}

func optionalFloat(q url.Values, key string) (*float64, error) {
	s := q.Get(key)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &v, nil
}

// Match applies every set criterion. Missing price or liquidity counts as
// zero; search matches symbol, name or address case-insensitively.
func (f TokenFilter) Match(t *models.CanonicalToken) bool {
	if f.Chain != "" && t.Chain != f.Chain {
		return false
	}
	price, liq := models.Value(t.Price), models.Value(t.Liquidity)
	if f.MinLiquidity != nil && liq < *f.MinLiquidity {
		return false
	}
	if f.MaxLiquidity != nil && liq > *f.MaxLiquidity {
		return false
	}
	if f.MinPrice != nil && price < *f.MinPrice {
		return false
	}
	if f.MaxPrice != nil && price > *f.MaxPrice {
		return false
	}
	if f.Search != "" {
		return strings.Contains(strings.ToLower(t.Symbol), f.Search) ||
			strings.Contains(strings.ToLower(t.Name), f.Search) ||
			strings.Contains(strings.ToLower(t.Address), f.Search)
	}
	return true
}

func FilterTokens(tokens []*models.CanonicalToken, f TokenFilter) []*models.CanonicalToken {
	out := make([]*models.CanonicalToken, 0, len(tokens))
	for _, t := range tokens {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out
}

type TokenPage struct {
	Tokens     []*models.CanonicalToken `json:"tokens"`
	Page       int                      `json:"page"`
	Limit      int                      `json:"limit"`
	Total      int                      `json:"total"`
	TotalPages int                      `json:"totalPages"`
}

func Paginate(tokens []*models.CanonicalToken, p Page) TokenPage {
	total := len(tokens)
	start := min((p.Page-1)*p.Limit, total)
	end := min(start+p.Limit, total)
	return TokenPage{
		Tokens:     tokens[start:end],
		Page:       p.Page,
		Limit:      p.Limit,
		Total:      total,
		TotalPages: (total + p.Limit - 1) / p.Limit,
	}
}
