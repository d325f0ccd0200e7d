package routing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/you/arb-engine/internal/config"
	"github.com/you/arb-engine/internal/types"
	"go.uber.org/zap"
)

// PoolSource is the external liquidity data source. It is pulled only on
// cache-refresh boundaries; between refreshes searches run on data up to one
// pool-refresh TTL stale.
type PoolSource interface {
	Pools(ctx context.Context) ([]types.Pool, error)
}

type routeKey struct {
	tokenIn  common.Address
	tokenOut common.Address
	maxHops  int
}

type routeEntry struct {
	route   *types.Route
	expires time.Time
}

// Finder answers shortest-hop path queries over the pool graph. The pool
// cache, its adjacency index and the route cache all have this struct as
// their only writer.
type Finder struct {
	cfg *config.Config
	src PoolSource
	log *zap.Logger

	mu        sync.RWMutex
	pools     []types.Pool
	byID      map[string]*types.Pool
	adj       map[common.Address][]string // asset -> pool ids, rebuilt per refresh
	fetchedAt time.Time

	rmu    sync.RWMutex
	routes map[routeKey]routeEntry

	excluded map[string]struct{} // config-level, never searched
}

func NewFinder(cfg *config.Config, src PoolSource, log *zap.Logger) *Finder {
	ex := make(map[string]struct{}, len(cfg.Routing.ExcludedPools))
	for _, id := range cfg.Routing.ExcludedPools {
		ex[id] = struct{}{}
	}
	return &Finder{
		cfg:      cfg,
		src:      src,
		log:      log,
		byID:     make(map[string]*types.Pool),
		adj:      make(map[common.Address][]string),
		routes:   make(map[routeKey]routeEntry),
		excluded: ex,
	}
}

// refresh pulls pools from the source when the TTL has lapsed and rebuilds
// the adjacency index once per pull.
func (f *Finder) refresh(ctx context.Context) error {
	f.mu.RLock()
	fresh := time.Since(f.fetchedAt) < f.cfg.PoolRefresh() && len(f.pools) > 0
	f.mu.RUnlock()
	if fresh {
		return nil
	}

	pools, err := f.src.Pools(ctx)
	if err != nil {
		f.mu.RLock()
		havePrev := len(f.pools) > 0
		f.mu.RUnlock()
		if havePrev {
			// keep serving the stale set rather than dropping the graph
			f.log.Warn("pool refresh failed, serving stale pool set", zap.Error(err))
			return nil
		}
		return fmt.Errorf("pool refresh: %w", err)
	}

	byID := make(map[string]*types.Pool, len(pools))
	adj := make(map[common.Address][]string, len(pools)*2)
	for i := range pools {
		p := &pools[i]
		if _, banned := f.excluded[p.ID]; banned {
			continue
		}
		byID[p.ID] = p
		for _, tok := range p.Tokens {
			adj[tok] = append(adj[tok], p.ID)
		}
	}

	f.mu.Lock()
	f.pools = pools
	f.byID = byID
	f.adj = adj
	f.fetchedAt = time.Now()
	f.mu.Unlock()

	f.log.Debug("pool cache refreshed", zap.Int("pools", len(byID)))
	return nil
}

// FindRoute returns a shortest-hop route from tokenIn to tokenOut, or
// (nil, nil) when no path exists within maxHops; absence of a route is "no
// opportunity", not a failure. Ties among equal-hop candidates fall to
// pool-cache iteration order rather than liquidity; that trade-off is
// deliberate and keeps the search single-pass.
func (f *Finder) FindRoute(ctx context.Context, tokenIn, tokenOut common.Address, maxHops int, excluded []string) (*types.Route, error) {
	if maxHops <= 0 || maxHops > f.cfg.Routing.MaxHops {
		maxHops = f.cfg.Routing.MaxHops
	}

	cacheable := len(excluded) == 0
	key := routeKey{tokenIn, tokenOut, maxHops}
	if cacheable {
		f.rmu.RLock()
		if e, ok := f.routes[key]; ok && time.Now().Before(e.expires) {
			f.rmu.RUnlock()
			return e.route, nil
		}
		f.rmu.RUnlock()
	}

	if err := f.refresh(ctx); err != nil {
		return nil, err
	}

	extra := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		extra[id] = struct{}{}
	}

	f.mu.RLock()
	route := f.search(tokenIn, tokenOut, maxHops, extra)
	f.mu.RUnlock()

	if cacheable && route != nil {
		f.rmu.Lock()
		f.routes[key] = routeEntry{route: route, expires: time.Now().Add(f.cfg.RouteCacheTTL())}
		f.rmu.Unlock()
	}
	return route, nil
}

type partialPath struct {
	hops []types.Hop
	last common.Address
}

// search runs under f.mu read lock. Direct pool first, then breadth-first by
// hop level; pools are excluded per candidate path only (cycle avoidance),
// never globally.
func (f *Finder) search(tokenIn, tokenOut common.Address, maxHops int, extra map[string]struct{}) *types.Route {
	if p := f.bestDirectPool(tokenIn, tokenOut, extra); p != nil {
		return &types.Route{
			TokenIn:  tokenIn,
			TokenOut: tokenOut,
			Hops:     []types.Hop{hopThrough(p, tokenIn, tokenOut)},
		}
	}
	if maxHops < 2 {
		return nil
	}

	frontier := []partialPath{{last: tokenIn}}
	for level := 1; level <= maxHops; level++ {
		var next []partialPath
		for _, pp := range frontier {
			for _, pid := range f.adj[pp.last] {
				if _, banned := extra[pid]; banned {
					continue
				}
				if usedInPath(pp.hops, pid) {
					continue
				}
				pool := f.byID[pid]
				if pool == nil {
					continue
				}
				for _, tok := range pool.Tokens {
					if tok == pp.last {
						continue
					}
					hops := append(append([]types.Hop(nil), pp.hops...), hopThrough(pool, pp.last, tok))
					if tok == tokenOut {
						return &types.Route{TokenIn: tokenIn, TokenOut: tokenOut, Hops: hops}
					}
					next = append(next, partialPath{hops: hops, last: tok})
				}
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return nil
}

func usedInPath(hops []types.Hop, pool string) bool {
	for _, h := range hops {
		if h.Pool == pool {
			return true
		}
	}
	return false
}

func hopThrough(p *types.Pool, in, out common.Address) types.Hop {
	return types.Hop{Pool: p.ID, Kind: p.Kind, TokenIn: in, TokenOut: out, FeeBps: p.FeeBps}
}

// bestDirectPool picks the highest-scoring pool holding both tokens.
func (f *Finder) bestDirectPool(a, b common.Address, extra map[string]struct{}) *types.Pool {
	var best *types.Pool
	var bestScore float64
	for _, pid := range f.adj[a] {
		if _, banned := extra[pid]; banned {
			continue
		}
		p := f.byID[pid]
		if p == nil || !poolHolds(p, b) {
			continue
		}
		if s := poolScore(p); best == nil || s > bestScore {
			best, bestScore = p, s
		}
	}
	return best
}

func poolHolds(p *types.Pool, tok common.Address) bool {
	for _, t := range p.Tokens {
		if t == tok {
			return true
		}
	}
	return false
}

// poolScore is monotone in liquidity and volume and decreasing in fee. Log
// terms keep one large raw figure from drowning the rest.
func poolScore(p *types.Pool) float64 {
	return math.Log1p(p.TotalLiquidity) + math.Log1p(p.Volume24h) + 1.0/(1.0+float64(p.FeeBps))
}

// ClearCache drops the route cache and forces a pool refetch on next use.
func (f *Finder) ClearCache() {
	f.rmu.Lock()
	f.routes = make(map[routeKey]routeEntry)
	f.rmu.Unlock()
	f.mu.Lock()
	f.fetchedAt = time.Time{}
	f.mu.Unlock()
}
