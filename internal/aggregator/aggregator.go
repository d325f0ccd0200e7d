package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/you/arb-engine/internal/config"
	"github.com/you/arb-engine/internal/metrics"
	"github.com/you/arb-engine/internal/stats"
	"github.com/you/arb-engine/internal/types"
	"github.com/you/arb-engine/internal/venue"
	"go.uber.org/zap"
)

// ErrNoQuotes means zero venues answered before their timeouts.
var ErrNoQuotes = errors.New("aggregator: no venue returned a quote")

// GasSource provides the assumed USD cost of one unit of gas.
type GasSource interface {
	GasPriceUSDPerGas(ctx context.Context) float64
}

type BestQuote struct {
	Quote  types.Quote
	All    []types.Quote
	Cached bool
}

type cacheKey struct {
	tokenIn  common.Address
	tokenOut common.Address
	amountIn float64
}

type cacheEntry struct {
	best    BestQuote
	expires time.Time
}

// Aggregator fans a quote request out to every enabled venue concurrently and
// picks the best answer. The quote cache has a single writer (this struct);
// readers may observe results up to one cache TTL stale.
type Aggregator struct {
	cfg  *config.Config
	reg  *venue.Registry
	perf *stats.Tracker
	gas  GasSource
	log  *zap.Logger

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
}

func New(cfg *config.Config, reg *venue.Registry, perf *stats.Tracker, gas GasSource, log *zap.Logger) *Aggregator {
	return &Aggregator{
		cfg:   cfg,
		reg:   reg,
		perf:  perf,
		gas:   gas,
		log:   log,
		cache: make(map[cacheKey]cacheEntry, 64),
	}
}

// GetBestQuote returns the highest-ranked quote for the swap, consulting the
// short-TTL cache first. A venue that errors or misses its timeout is dropped
// from the round; the round itself only fails when nobody answers.
func (a *Aggregator) GetBestQuote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn float64) (*BestQuote, error) {
	key := cacheKey{tokenIn, tokenOut, amountIn}

	a.mu.RLock()
	if e, ok := a.cache[key]; ok && time.Now().Before(e.expires) {
		a.mu.RUnlock()
		metrics.QuoteCacheHits.Inc()
		hit := e.best
		hit.Cached = true
		return &hit, nil
	}
	a.mu.RUnlock()

	adapters := a.reg.Enabled(a.cfg.Venues)
	if len(adapters) == 0 {
		return nil, ErrNoQuotes
	}

	gasPrice := a.gas.GasPriceUSDPerGas(ctx)

	var (
		wg     sync.WaitGroup
		qmu    sync.Mutex
		quotes []types.Quote
	)
	for _, ad := range adapters {
		ad := ad
		wg.Add(1)
		go func() {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, a.cfg.QuoteTimeout())
			defer cancel()

			start := time.Now()
			q, err := ad.Quote(qctx, tokenIn, tokenOut, amountIn)
			lat := time.Since(start)
			if err != nil {
				metrics.QuoteErrors.WithLabelValues(string(ad.ID())).Inc()
				a.log.Debug("venue excluded from round",
					zap.String("venue", string(ad.ID())),
					zap.Duration("latency", lat),
					zap.Error(err))
				return
			}
			if q.AmountOut < 0 {
				metrics.QuoteErrors.WithLabelValues(string(ad.ID())).Inc()
				a.log.Warn("venue returned negative amountOut, dropping",
					zap.String("venue", string(ad.ID())))
				return
			}
			q.Venue = ad.ID()
			q.Latency = lat
			if q.Ts.IsZero() {
				q.Ts = time.Now()
			}
			if q.Confidence == 0 {
				q.Confidence = 100 * a.perf.Reliability(ad.ID())
			}

			metrics.QuotesTotal.WithLabelValues(string(ad.ID())).Inc()
			metrics.QuoteLatency.WithLabelValues(string(ad.ID())).Observe(lat.Seconds())
			a.perf.RecordQuote(ad.ID(), lat, q.PriceImpact)

			qmu.Lock()
			quotes = append(quotes, q)
			qmu.Unlock()
		}()
	}
	wg.Wait()

	if len(quotes) == 0 {
		return nil, ErrNoQuotes
	}

	best := quotes[0]
	for _, q := range quotes[1:] {
		if better(q, best, gasPrice) {
			best = q
		}
	}

	res := BestQuote{Quote: best, All: quotes}
	a.mu.Lock()
	a.cache[key] = cacheEntry{best: res, expires: time.Now().Add(a.cfg.QuoteCacheTTL())}
	a.mu.Unlock()
	return &res, nil
}

// better ranks by amountOut minus gas cost, ties broken by lower price
// impact.
func better(q, cur types.Quote, gasPriceUSD float64) bool {
	qe := q.AmountOut - float64(q.GasEstimate)*gasPriceUSD
	ce := cur.AmountOut - float64(cur.GasEstimate)*gasPriceUSD
	if qe != ce {
		return qe > ce
	}
	return q.PriceImpact < cur.PriceImpact
}

// ClearCache drops every cached best quote.
func (a *Aggregator) ClearCache() {
	a.mu.Lock()
	a.cache = make(map[cacheKey]cacheEntry, 64)
	a.mu.Unlock()
}
