// Package pricing reads USD token prices from an HTTP price API.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/brojonat/solmarket/service/cache"
	"github.com/brojonat/solmarket/service/token"
	"github.com/itchyny/gojq"
	"golang.org/x/time/rate"
)

// ErrPriceUnavailable is returned when the price API fails or its response
// does not yield a number.
var ErrPriceUnavailable = errors.New("price unavailable")

// Feed fetches prices. The response body is decoded as JSON and the price is
// extracted with a jq expression in which $id is the token's price id, so a
// different API only needs a different expression.
type Feed struct {
	http    *http.Client
	baseURL string
	query   *gojq.Code
	limiter *rate.Limiter
	cache   *cache.Manager
	ttl     time.Duration
	logger  *slog.Logger
}

// NewFeed compiles expr and returns a Feed limited to ratePerSec requests.
// Prices are memoized in c for ttl.
func NewFeed(baseURL, expr string, ratePerSec float64, c *cache.Manager, ttl time.Duration, logger *slog.Logger) (*Feed, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid price query %q: %w", expr, err)
	}
	code, err := gojq.Compile(q, gojq.WithVariables([]string{"$id"}))
	if err != nil {
		return nil, fmt.Errorf("invalid price query %q: %w", expr, err)
	}
	return &Feed{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		query:   code,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		cache:   c,
		ttl:     ttl,
		logger:  logger.With("component", "price_feed"),
	}, nil
}

// Price returns the USD price of symbol.
func (f *Feed) Price(ctx context.Context, symbol string) (float64, error) {
	tok, err := token.Lookup(symbol)
	if err != nil {
		return 0, err
	}
	return cache.Memoize(ctx, f.cache, "price:"+tok.Symbol, f.ttl, func(ctx context.Context) (float64, error) {
		return f.fetch(ctx, tok.PriceID)
	})
}

func (f *Feed) fetch(ctx context.Context, id string) (float64, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: rate limiter: %v", ErrPriceUnavailable, err)
	}

	u, err := url.Parse(f.baseURL)
	if err != nil {
		return 0, fmt.Errorf("%w: bad url: %v", ErrPriceUnavailable, err)
	}
	q := u.Query()
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := f.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("%w: status %d: %s", ErrPriceUnavailable, resp.StatusCode, body)
	}

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return 0, fmt.Errorf("%w: decode: %v", ErrPriceUnavailable, err)
	}

	price, err := f.extract(ctx, doc, id)
	if err != nil {
		return 0, err
	}
	f.logger.DebugContext(ctx, "fetched price", "id", id, "price", price, "duration", time.Since(start))
	return price, nil
}

func (f *Feed) extract(ctx context.Context, doc any, id string) (float64, error) {
	iter := f.query.RunWithContext(ctx, doc, id)
	v, ok := iter.Next()
	if !ok {
		return 0, fmt.Errorf("%w: query produced no value for %s", ErrPriceUnavailable, id)
	}
	switch n := v.(type) {
	case error:
		return 0, fmt.Errorf("%w: query: %v", ErrPriceUnavailable, n)
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case *big.Int:
		fl, _ := new(big.Float).SetInt(n).Float64()
		return fl, nil
	default:
		return 0, fmt.Errorf("%w: %s is %T, not a number", ErrPriceUnavailable, id, v)
	}
}
