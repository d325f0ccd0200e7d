package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/you/arb-engine/internal/config"
	"github.com/you/arb-engine/internal/types"
	"go.uber.org/zap"
)

var (
	tokA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	tokC = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	tokD = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

type staticSource struct {
	pools []types.Pool
	err   error
	calls int
}

func (s *staticSource) Pools(context.Context) ([]types.Pool, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.pools, nil
}

func pool(id string, fee uint32, liq float64, toks ...common.Address) types.Pool {
	return types.Pool{ID: id, Kind: types.PoolConstantProduct, Tokens: toks, TotalLiquidity: liq, Volume24h: liq / 2, FeeBps: fee}
}

func newFinder(t *testing.T, src PoolSource, excluded ...string) *Finder {
	t.Helper()
	cfg := &config.Config{
		Routing: config.RoutingCfg{
			MaxHops:          3,
			PoolRefreshSec:   60,
			RouteCacheTTLSec: 30,
			ExcludedPools:    excluded,
		},
	}
	return NewFinder(cfg, src, zap.NewNop())
}

func TestFindRoute_DirectPool(t *testing.T) {
	src := &staticSource{pools: []types.Pool{pool("p-ab", 30, 1e6, tokA, tokB)}}
	f := newFinder(t, src)

	r, err := f.FindRoute(context.Background(), tokA, tokB, 3, nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Valid())
	assert.Equal(t, tokA, r.Hops[0].TokenIn)
	assert.Equal(t, tokB, r.Hops[0].TokenOut)
}

func TestFindRoute_TwoHopWhenNoDirectPool(t *testing.T) {
	src := &staticSource{pools: []types.Pool{
		pool("p-ab", 30, 1e6, tokA, tokB),
		pool("p-bc", 30, 1e6, tokB, tokC),
	}}
	f := newFinder(t, src)

	r, err := f.FindRoute(context.Background(), tokA, tokC, 2, nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 2, r.Len())
	assert.True(t, r.Valid())
	assert.Equal(t, tokA, r.Hops[0].TokenIn)
	assert.Equal(t, tokB, r.Hops[0].TokenOut)
	assert.Equal(t, tokB, r.Hops[1].TokenIn)
	assert.Equal(t, tokC, r.Hops[1].TokenOut)
}

func TestFindRoute_RespectsHopBudget(t *testing.T) {
	src := &staticSource{pools: []types.Pool{
		pool("p-ab", 30, 1e6, tokA, tokB),
		pool("p-bc", 30, 1e6, tokB, tokC),
	}}
	f := newFinder(t, src)

	r, err := f.FindRoute(context.Background(), tokA, tokC, 1, nil)
	require.NoError(t, err)
	assert.Nil(t, r, "two hops needed but only one allowed")
}

func TestFindRoute_NoPathIsNotAnError(t *testing.T) {
	src := &staticSource{pools: []types.Pool{pool("p-ab", 30, 1e6, tokA, tokB)}}
	f := newFinder(t, src)

	r, err := f.FindRoute(context.Background(), tokA, tokD, 3, nil)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestFindRoute_NeverRepeatsAPool(t *testing.T) {
	// the only way from A to D passes B and C; a naive search could bounce
	// back through p-ab
	src := &staticSource{pools: []types.Pool{
		pool("p-ab", 30, 1e6, tokA, tokB),
		pool("p-bc", 30, 1e6, tokB, tokC),
		pool("p-cd", 30, 1e6, tokC, tokD),
	}}
	f := newFinder(t, src)

	r, err := f.FindRoute(context.Background(), tokA, tokD, 3, nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 3, r.Len())
	assert.True(t, r.Valid())

	seen := map[string]bool{}
	for _, h := range r.Hops {
		assert.False(t, seen[h.Pool], "pool %s repeated", h.Pool)
		seen[h.Pool] = true
	}
}

func TestFindRoute_ConfigExcludedPoolIsInvisible(t *testing.T) {
	src := &staticSource{pools: []types.Pool{
		pool("p-direct", 30, 1e6, tokA, tokC),
		pool("p-ab", 30, 1e6, tokA, tokB),
		pool("p-bc", 30, 1e6, tokB, tokC),
	}}
	f := newFinder(t, src, "p-direct")

	r, err := f.FindRoute(context.Background(), tokA, tokC, 3, nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 2, r.Len(), "must route around the excluded direct pool")
}

func TestFindRoute_CallerExclusionSkipsPool(t *testing.T) {
	src := &staticSource{pools: []types.Pool{
		pool("p-direct", 30, 1e6, tokA, tokC),
		pool("p-ab", 30, 1e6, tokA, tokB),
		pool("p-bc", 30, 1e6, tokB, tokC),
	}}
	f := newFinder(t, src)

	r, err := f.FindRoute(context.Background(), tokA, tokC, 3, []string{"p-direct"})
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 2, r.Len())
}

func TestFindRoute_BestDirectPoolByScore(t *testing.T) {
	src := &staticSource{pools: []types.Pool{
		pool("p-thin", 30, 1e3, tokA, tokB),
		pool("p-deep", 30, 1e7, tokA, tokB),
	}}
	f := newFinder(t, src)

	r, err := f.FindRoute(context.Background(), tokA, tokB, 3, nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "p-deep", r.Hops[0].Pool)
}

func TestFindRoute_PoolCacheRefreshedOncePerTTL(t *testing.T) {
	src := &staticSource{pools: []types.Pool{pool("p-ab", 30, 1e6, tokA, tokB)}}
	f := newFinder(t, src)

	for i := 0; i < 5; i++ {
		_, err := f.FindRoute(context.Background(), tokA, tokB, 3, []string{"none"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.calls, "pool source must only be pulled on refresh boundaries")
}

func TestFindRoute_RouteCacheHit(t *testing.T) {
	src := &staticSource{pools: []types.Pool{pool("p-ab", 30, 1e6, tokA, tokB)}}
	f := newFinder(t, src)

	r1, err := f.FindRoute(context.Background(), tokA, tokB, 3, nil)
	require.NoError(t, err)
	r2, err := f.FindRoute(context.Background(), tokA, tokB, 3, nil)
	require.NoError(t, err)
	assert.Same(t, r1, r2, "second lookup inside the TTL must come from the route cache")
}

func TestFindRoute_StalePoolSetServedOnRefreshFailure(t *testing.T) {
	src := &staticSource{pools: []types.Pool{pool("p-ab", 30, 1e6, tokA, tokB)}}
	f := newFinder(t, src)

	_, err := f.FindRoute(context.Background(), tokA, tokB, 3, nil)
	require.NoError(t, err)

	src.err = errors.New("indexer down")
	f.ClearCache() // forces a refetch attempt
	r, err := f.FindRoute(context.Background(), tokA, tokB, 3, nil)
	require.NoError(t, err)
	assert.NotNil(t, r, "stale pool set keeps serving")
}

func TestRouteReversed(t *testing.T) {
	r := &types.Route{
		TokenIn:  tokA,
		TokenOut: tokC,
		Hops: []types.Hop{
			{Pool: "p-ab", TokenIn: tokA, TokenOut: tokB},
			{Pool: "p-bc", TokenIn: tokB, TokenOut: tokC},
		},
	}
	rev := r.Reversed()
	assert.True(t, rev.Valid())
	assert.Equal(t, tokC, rev.TokenIn)
	assert.Equal(t, tokA, rev.TokenOut)
	assert.Equal(t, "p-bc", rev.Hops[0].Pool)
}
