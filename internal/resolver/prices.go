package resolver

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chaintrack/internal/bounded"
	"chaintrack/internal/cache"
	"chaintrack/internal/fetcher"
)

// PriceBook serves USD quotes through the shared cache.
type PriceBook struct {
	fetcher fetcher.PriceFetcher
	cache   *cache.ResultCache
	ttl     time.Duration
	timeout time.Duration
	logger  zerolog.Logger
}

// NewPriceBook wraps a price fetcher with caching.
func NewPriceBook(f fetcher.PriceFetcher, results *cache.ResultCache, ttl, timeout time.Duration, logger zerolog.Logger) *PriceBook {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	return &PriceBook{
		fetcher: f,
		cache:   results,
		ttl:     ttl,
		timeout: timeout,
		logger:  logger.With().Str("component", "price_book").Logger(),
	}
}

// USD returns the quote for symbol, hitting the upstream at most once per TTL.
func (p *PriceBook) USD(ctx context.Context, symbol string) (fetcher.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	key := cache.NamespacePrice + symbol
	if quote, ok := cache.Lookup[fetcher.Quote](p.cache, key); ok {
		return quote, nil
	}

	quote, err := bounded.Call(ctx, p.timeout, func(ctx context.Context) (fetcher.Quote, error) {
		return p.fetcher.FetchUSD(ctx, symbol)
	})
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", symbol).Msg("price lookup failed")
		return fetcher.Quote{}, err
	}

	if p.cache != nil {
		p.cache.Set(key, quote, p.ttl)
	}
	return quote, nil
}
