// Package symbols discovers and ranks the pairs listed by the exchange.
package symbols

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bookflow/logger"
	"bookflow/models"
)

const (
	DefaultMarketsTTL = 30 * time.Minute

	btcReference models.TradingPair = "BTC_USDC"
	ethReference models.TradingPair = "ETH_USDC"
)

// MarketSource lists rates and pairs. ripio.Client implements it.
type MarketSource interface {
	Rates(ctx context.Context) ([]models.RipioRate, error)
	Pairs(ctx context.Context) ([]models.RipioPair, error)
}

// Catalog caches the ranked market list for ttl. Concurrent callers share
// one fetch.
type Catalog struct {
	source MarketSource
	filter *Filter
	ttl    time.Duration
	now    func() time.Time
	log    *logger.Log

	mu       sync.Mutex
	markets  []models.Market
	loadedAt time.Time
}

type CatalogOption func(*Catalog)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CatalogOption {
	return func(c *Catalog) { c.now = now }
}

func NewCatalog(source MarketSource, filter *Filter, ttl time.Duration, opts ...CatalogOption) *Catalog {
	if ttl <= 0 {
		ttl = DefaultMarketsTTL
	}
	if filter == nil {
		filter, _ = NewFilter(DefaultQuoteFilter, nil)
	}
	c := &Catalog{
		source: source,
		filter: filter,
		ttl:    ttl,
		now:    time.Now,
		log:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Markets returns enabled markets sorted by descending USD volume.
func (c *Catalog) Markets(ctx context.Context) ([]models.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.markets != nil && c.now().Sub(c.loadedAt) < c.ttl {
		return cloneMarkets(c.markets), nil
	}

	markets, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	c.markets = markets
	c.loadedAt = c.now()

	c.log.WithComponent("catalog").WithFields(logger.Fields{
		"markets": len(markets),
		"ttl":     c.ttl.String(),
	}).Info("market catalog refreshed")
	return cloneMarkets(markets), nil
}

// ActivePairs returns the ranked pairs that pass the filter. With an explicit
// pair list no request is made.
func (c *Catalog) ActivePairs(ctx context.Context) ([]models.TradingPair, error) {
	if c.filter.Explicit() {
		return c.filter.Apply(nil), nil
	}
	markets, err := c.Markets(ctx)
	if err != nil {
		return nil, err
	}
	return c.filter.Apply(markets), nil
}

// Invalidate drops the cached list so the next call refetches.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.markets = nil
	c.mu.Unlock()
}

func (c *Catalog) load(ctx context.Context) ([]models.Market, error) {
	rates, err := c.source.Rates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rates: %w", err)
	}
	pairs, err := c.source.Pairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pairs: %w", err)
	}
	return rankMarkets(rates, pairs), nil
}

// rankMarkets joins rates with enabled pairs and sorts by USD volume. Volume
// of *_BTC and *_ETH pairs is converted with the BTC_USDC and ETH_USDC last
// prices; a missing reference price counts as zero.
func rankMarkets(rates []models.RipioRate, pairs []models.RipioPair) []models.Market {
	enabled := make(map[models.TradingPair]models.RipioPair, len(pairs))
	for _, p := range pairs {
		if p.Enabled {
			enabled[models.NormalizePair(p.Symbol)] = p
		}
	}

	prices := make(map[models.TradingPair]decimal.Decimal, len(rates))
	for _, r := range rates {
		prices[models.NormalizePair(r.Pair)] = r.LastPrice
	}
	btcPrice := prices[btcReference]
	ethPrice := prices[ethReference]

	markets := make([]models.Market, 0, len(enabled))
	for _, r := range rates {
		pair := models.NormalizePair(r.Pair)
		info, ok := enabled[pair]
		if !ok {
			continue
		}

		base, quote := info.Base, info.Quote
		if base == "" || quote == "" {
			base, quote = pair.Base(), pair.Quote()
		}

		usd := r.Volume
		switch pair.Quote() {
		case "BTC":
			usd = r.Volume.Mul(btcPrice)
		case "ETH":
			usd = r.Volume.Mul(ethPrice)
		}

		markets = append(markets, models.Market{
			Pair:      pair,
			Base:      base,
			Quote:     quote,
			LastPrice: r.LastPrice,
			Volume:    r.Volume,
			USDVolume: usd,
		})
	}

	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].USDVolume.GreaterThan(markets[j].USDVolume)
	})
	return markets
}

func cloneMarkets(in []models.Market) []models.Market {
	out := make([]models.Market, len(in))
	copy(out, in)
	return out
}
