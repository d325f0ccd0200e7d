package venue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/you/arb-engine/internal/feed"
	"github.com/you/arb-engine/internal/types"
)

var (
	weth = common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")
	usdc = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
)

func paperSetup() (*feed.PriceBook, map[common.Address]string) {
	book := feed.NewPriceBook()
	book.Set("WETHUSD", 2000)
	book.Set("USDCUSD", 1)
	symbols := map[common.Address]string{weth: "WETHUSD", usdc: "USDCUSD"}
	return book, symbols
}

func TestPaperQuote_CrossRate(t *testing.T) {
	book, symbols := paperSetup()
	p := NewPaperAdapter("paper_a", book, symbols, 0, 0, 150000)

	q, err := p.Quote(context.Background(), weth, usdc, 1.0)
	require.NoError(t, err)
	assert.Equal(t, types.VenueID("paper_a"), q.Venue)
	assert.InDelta(t, 2000.0, q.AmountOut, 1e-9)
	assert.Equal(t, uint64(150000), q.GasEstimate)

	// and priced the same walking the other way
	back, err := p.Quote(context.Background(), usdc, weth, 2000.0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, back.AmountOut, 1e-9)
}

func TestPaperQuote_BiasAndFee(t *testing.T) {
	book, symbols := paperSetup()
	p := NewPaperAdapter("paper_a", book, symbols, 10, 30, 150000)

	q, err := p.Quote(context.Background(), weth, usdc, 1.0)
	require.NoError(t, err)
	// 2000 * 1.001 * 0.997
	assert.InDelta(t, 2000*1.001*0.997, q.AmountOut, 1e-9)
	assert.Equal(t, uint32(30), q.FeeBps)
}

func TestPaperQuote_UnknownToken(t *testing.T) {
	book, symbols := paperSetup()
	p := NewPaperAdapter("paper_a", book, symbols, 0, 0, 150000)

	_, err := p.Quote(context.Background(), common.HexToAddress("0xdead"), usdc, 1.0)
	assert.Error(t, err)
}

func TestPaperQuote_NoPriceYet(t *testing.T) {
	book := feed.NewPriceBook()
	symbols := map[common.Address]string{weth: "WETHUSD", usdc: "USDCUSD"}
	p := NewPaperAdapter("paper_a", book, symbols, 0, 0, 150000)

	_, err := p.Quote(context.Background(), weth, usdc, 1.0)
	assert.Error(t, err, "feed has not produced a price yet")
}

func paperRoute() *types.Route {
	return &types.Route{
		TokenIn:  weth,
		TokenOut: usdc,
		Hops:     []types.Hop{{Pool: "paper", TokenIn: weth, TokenOut: usdc}},
	}
}

func TestPaperExecute_FillsAtQuote(t *testing.T) {
	book, symbols := paperSetup()
	p := NewPaperAdapter("paper_a", book, symbols, 0, 0, 150000)

	res, err := p.Execute(context.Background(), ExecRequest{
		Route:        paperRoute(),
		AmountIn:     1.0,
		MinAmountOut: 1990,
		Deadline:     time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, res.AmountOut, 1e-9)
	assert.Equal(t, uint64(150000), res.GasUsed)
	assert.True(t, strings.HasPrefix(res.TxHash, "0x"))
	assert.Len(t, res.TxHash, 2+64)
}

func TestPaperExecute_MinOutProtects(t *testing.T) {
	book, symbols := paperSetup()
	p := NewPaperAdapter("paper_a", book, symbols, 0, 0, 150000)

	_, err := p.Execute(context.Background(), ExecRequest{
		Route:        paperRoute(),
		AmountIn:     1.0,
		MinAmountOut: 2100,
		Deadline:     time.Now().Add(time.Minute),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below min out")
}

func TestPaperExecute_ExpiredDeadline(t *testing.T) {
	book, symbols := paperSetup()
	p := NewPaperAdapter("paper_a", book, symbols, 0, 0, 150000)

	_, err := p.Execute(context.Background(), ExecRequest{
		Route:        paperRoute(),
		AmountIn:     1.0,
		MinAmountOut: 0,
		Deadline:     time.Now().Add(-time.Second),
	})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	book, symbols := paperSetup()
	a := NewPaperAdapter("paper_a", book, symbols, 0, 0, 150000)
	b := NewPaperAdapter("paper_b", book, symbols, 5, 0, 150000)

	r := NewRegistry()
	r.Register(a)
	r.Register(b)
	r.Register(a) // re-registering must not duplicate

	assert.Len(t, r.All(), 2)
	assert.Equal(t, a, r.Get("paper_a"))
	assert.Nil(t, r.Get("paper_z"))

	enabled := r.Enabled([]types.VenueID{"paper_b", "paper_z", "paper_a"})
	require.Len(t, enabled, 2)
	assert.Equal(t, types.VenueID("paper_b"), enabled[0].ID())
}
