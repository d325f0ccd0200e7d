package feed

import (
	"context"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/sugawarayuuta/sonnet"
	"github.com/you/arb-engine/internal/config"
	"github.com/you/arb-engine/internal/risk"
	"github.com/you/arb-engine/internal/types"
)

// Consumer reads price and portfolio state written to redis by the external
// feed process.
type Consumer struct {
	rdb         *redis.Client
	priceNS     string
	portfolioNS string
	stream      string
}

func NewConsumer(cfg *config.Config) *Consumer {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Feed.Redis.Addr,
		DB:       cfg.Feed.Redis.DB,
		Username: cfg.Feed.Redis.Username,
		Password: cfg.Feed.Redis.Password,
	})
	return &Consumer{
		rdb:         rdb,
		priceNS:     cfg.Feed.Redis.PriceNS,
		portfolioNS: cfg.Feed.Redis.PortfolioNS,
		stream:      cfg.Feed.Redis.Stream,
	}
}

// Price reads the last published USD price for a symbol.
func (c *Consumer) Price(ctx context.Context, symbol string) (float64, error) {
	s, err := c.rdb.Get(ctx, c.priceNS+symbol).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// Portfolio reads the current portfolio hash. Implements
// risk.PortfolioSource.
func (c *Consumer) Portfolio(ctx context.Context) (risk.Portfolio, error) {
	m, err := c.rdb.HGetAll(ctx, c.portfolioNS+"current").Result()
	if err != nil {
		return risk.Portfolio{}, err
	}
	if len(m) == 0 {
		return risk.Portfolio{}, redis.Nil
	}
	p := risk.Portfolio{Ts: time.Now()}
	p.ValueUSD, _ = strconv.ParseFloat(m["value_usd"], 64)
	p.OpenExposureUSD, _ = strconv.ParseFloat(m["exposure_usd"], 64)
	p.CapitalUSD, _ = strconv.ParseFloat(m["capital_usd"], 64)
	if ms, err := strconv.ParseInt(m["ts_ms"], 10, 64); err == nil && ms > 0 {
		p.Ts = time.UnixMilli(ms)
	}
	return p, nil
}

// StreamPrices drains the price stream into the book until ctx is done.
// Entries look like XADD feed:stream * symbol WETH price 2000.5.
func (c *Consumer) StreamPrices(ctx context.Context, book *PriceBook) error {
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{c.stream, lastID},
			Count:   200,
			Block:   time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				lastID = m.ID
				sym, _ := m.Values["symbol"].(string)
				raw, _ := m.Values["price"].(string)
				if sym == "" {
					continue
				}
				if px, err := strconv.ParseFloat(raw, 64); err == nil && px > 0 {
					book.Set(sym, px)
				}
			}
		}
	}
}

// poolJSON is the indexer's wire shape for one pool.
type poolJSON struct {
	PoolID         string   `json:"poolId"`
	Kind           string   `json:"kind"`
	Tokens         []string `json:"tokens"`
	TotalLiquidity float64  `json:"totalLiquidity"`
	Volume24h      float64  `json:"volume24h"`
	FeeBps         uint32   `json:"fee"`
}

// Pools reads the indexer-published pool set. Implements
// routing.PoolSource.
func (c *Consumer) Pools(ctx context.Context) ([]types.Pool, error) {
	raw, err := c.rdb.Get(ctx, "pools:current").Bytes()
	if err != nil {
		return nil, err
	}
	var rows []poolJSON
	if err := sonnet.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]types.Pool, 0, len(rows))
	for _, r := range rows {
		p := types.Pool{
			ID:             r.PoolID,
			TotalLiquidity: r.TotalLiquidity,
			Volume24h:      r.Volume24h,
			FeeBps:         r.FeeBps,
		}
		switch r.Kind {
		case "concentrated_liquidity":
			p.Kind = types.PoolConcentratedLiquidity
		case "stable":
			p.Kind = types.PoolStable
		case "weighted":
			p.Kind = types.PoolWeighted
		default:
			p.Kind = types.PoolConstantProduct
		}
		for _, t := range r.Tokens {
			p.Tokens = append(p.Tokens, common.HexToAddress(t))
		}
		out = append(out, p)
	}
	return out, nil
}

// Publisher mirrors the writer side; used by the feed process and by tests.
type Publisher struct {
	rdb         *redis.Client
	priceNS     string
	portfolioNS string
	stream      string
}

func NewPublisher(cfg *config.Config) *Publisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Feed.Redis.Addr,
		DB:       cfg.Feed.Redis.DB,
		Username: cfg.Feed.Redis.Username,
		Password: cfg.Feed.Redis.Password,
	})
	return &Publisher{
		rdb:         rdb,
		priceNS:     cfg.Feed.Redis.PriceNS,
		portfolioNS: cfg.Feed.Redis.PortfolioNS,
		stream:      cfg.Feed.Redis.Stream,
	}
}

func (p *Publisher) PublishPrice(ctx context.Context, symbol string, price float64) error {
	if err := p.rdb.Set(ctx, p.priceNS+symbol, strconv.FormatFloat(price, 'f', -1, 64), 0).Err(); err != nil {
		return err
	}
	return p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"symbol": symbol,
			"price":  strconv.FormatFloat(price, 'f', -1, 64),
		},
	}).Err()
}

func (p *Publisher) PublishPortfolio(ctx context.Context, pf risk.Portfolio) error {
	return p.rdb.HSet(ctx, p.portfolioNS+"current", map[string]interface{}{
		"value_usd":    pf.ValueUSD,
		"exposure_usd": pf.OpenExposureUSD,
		"capital_usd":  pf.CapitalUSD,
		"ts_ms":        pf.Ts.UnixMilli(),
	}).Err()
}
