package dex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/encoding/json"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dex_aggregator/config"
	"dex_aggregator/metrics"
	"dex_aggregator/middleware"
	"dex_aggregator/models"
	"dex_aggregator/utils"
)

const maxBodyBytes = 4 << 20

// Client performs rate-limited, retried GETs against one provider. The
// breaker wraps the whole retried call so one logical request counts once.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	policy  utils.RetryPolicy

	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *zap.SugaredLogger

	requests    atomic.Int64
	failures    atomic.Int64
	mu          sync.Mutex
	lastSuccess time.Time
	lastError   string
}

func NewClient(cfg config.ProviderConfig, breaker middleware.BreakerSettings, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	limit := rate.Inf
	burst := 1
	if cfg.RateLimitPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RateLimitPerMinute))
		if b := cfg.RateLimitPerMinute / 60; b > 1 {
			burst = b
		}
	}
	return &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		policy: utils.RetryPolicy{
			BaseDelay:  cfg.BaseDelay,
			MaxDelay:   cfg.MaxDelay,
			MaxRetries: cfg.MaxRetries,
		},
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		breaker: middleware.NewCircuitBreaker(cfg.Name, breaker, log),
		log:     log.With("provider", cfg.Name),
	}
}

func (c *Client) Name() string { return c.name }

// GetJSON fetches path (relative to the base URL) and decodes the body into
// out. A 404 leaves out untouched and reports found=false.
func (c *Client) GetJSON(ctx context.Context, op, path string, query url.Values, out any) (found bool, err error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	start := time.Now()
	attempts := 0
	notFound := false
	c.requests.Add(1)

	_, err = c.breaker.Execute(func() (interface{}, error) {
		err := c.retry(ctx, op, u, out, &attempts)
		if errors.Is(err, errNotFound) {
			notFound = true
			return nil, nil
		}
		return nil, err
	})

	metrics.ObserveProviderCall(c.name, op, attempts, time.Since(start), err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrTransient, err)
		}
		c.recordFailure(err)
		return false, &ProviderError{Provider: c.name, Op: op, Attempts: attempts, Err: err}
	}
	c.recordSuccess()
	return !notFound, nil
}

func (c *Client) retry(ctx context.Context, op, u string, out any, attempts *int) error {
	b := backoff.WithContext(c.policy.NewBackOff(), ctx)

	operation := func() error {
		*attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: rate limiter: %v", ErrTransient, err))
		}
		return c.do(ctx, u, out)
	}

	err := backoff.RetryNotify(operation, b, func(err error, d time.Duration) {
		c.log.Debugw("Retrying provider request",
			"op", op,
			"attempt", *attempts,
			"delay", d,
			"error", err)
	})
	if err != nil && !errors.Is(err, ErrTransient) && !errors.Is(err, ErrMalformed) && !errors.Is(err, errNotFound) {
		err = fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: build request: %v", ErrMalformed, err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(errNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return nil
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.lastSuccess = time.Now()
	c.mu.Unlock()
}

func (c *Client) recordFailure(err error) {
	c.failures.Add(1)
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// Stats reports request outcomes and breaker state.
func (c *Client) Stats() models.ProviderStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.ProviderStats{
		Provider:     c.name,
		Requests:     c.requests.Load(),
		Failures:     c.failures.Load(),
		LastSuccess:  c.lastSuccess,
		LastError:    c.lastError,
		BreakerState: c.breaker.State().String(),
	}
}
