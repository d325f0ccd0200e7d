package gas

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/you/arb-engine/internal/config"
	"github.com/you/arb-engine/internal/feed"
	"go.uber.org/zap"
)

// nativeSymbol keys the chain's gas token in the price book.
const nativeSymbol = "ETHUSD"

// Source prices one unit of gas in USD from the chain head (base fee + tip),
// falling back to the node's suggested gas price and finally to the
// configured static price when no RPC is reachable.
type Source struct {
	cfg  *config.Config
	book *feed.PriceBook
	log  *zap.Logger
	ec   *ethclient.Client

	mu      sync.Mutex
	cached  float64
	fetched time.Time
}

// NewSource dials the RPC when one is configured; without an RPC the source
// serves the static fallback only.
func NewSource(cfg *config.Config, book *feed.PriceBook, log *zap.Logger) (*Source, error) {
	s := &Source{cfg: cfg, book: book, log: log}
	if cfg.Chain.RPCHTTP != "" {
		ec, err := ethclient.Dial(cfg.Chain.RPCHTTP)
		if err != nil {
			return nil, fmt.Errorf("dial rpc: %w", err)
		}
		s.ec = ec
	}
	return s, nil
}

// GasPriceUSDPerGas returns the assumed USD cost of one gas unit, cached for
// a few seconds. It never fails: on any RPC trouble the last good or static
// value is served.
func (s *Source) GasPriceUSDPerGas(ctx context.Context) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.fetched) < 5*time.Second && s.cached > 0 {
		return s.cached
	}

	weiPerGas := s.weiPerGas(ctx)
	nativeUSD := s.cfg.Chain.NativeUSD
	if px, err := s.book.Price(nativeSymbol); err == nil {
		nativeUSD = px
	}

	usd := new(big.Float).Mul(
		new(big.Float).SetInt(weiPerGas),
		big.NewFloat(nativeUSD/1e18),
	)
	v, _ := usd.Float64()
	if v <= 0 {
		v = s.staticWeiPerGasUSD(nativeUSD)
	}
	s.cached = v
	s.fetched = time.Now()
	return v
}

func (s *Source) weiPerGas(ctx context.Context) *big.Int {
	if s.ec == nil {
		return big.NewInt(1e9) // 1 gwei static
	}
	header, err := s.ec.HeaderByNumber(ctx, nil)
	if err != nil || header.BaseFee == nil {
		gp, err := s.ec.SuggestGasPrice(ctx)
		if err != nil {
			s.log.Debug("gas price lookup failed, using static", zap.Error(err))
			return big.NewInt(1e9)
		}
		return gp
	}
	tip, err := s.ec.SuggestGasTipCap(ctx)
	if err != nil {
		tip = big.NewInt(1e9)
	}
	return new(big.Int).Add(header.BaseFee, tip)
}

func (s *Source) staticWeiPerGasUSD(nativeUSD float64) float64 {
	return 1e9 * nativeUSD / 1e18
}

// SwapGasUSD estimates a whole swap's gas cost in USD with the configured
// gas limit.
func (s *Source) SwapGasUSD(ctx context.Context) float64 {
	return s.GasPriceUSDPerGas(ctx) * float64(s.cfg.Chain.GasLimitSwap)
}
