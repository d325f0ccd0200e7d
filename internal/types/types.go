package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type VenueID string

// PoolKind tags the pricing math a pool uses. Each protocol family is an
// explicit variant instead of an untyped payload inspected at runtime.
type PoolKind int

const (
	PoolConstantProduct PoolKind = iota
	PoolConcentratedLiquidity
	PoolStable
	PoolWeighted
)

func (k PoolKind) String() string {
	switch k {
	case PoolConstantProduct:
		return "constant_product"
	case PoolConcentratedLiquidity:
		return "concentrated_liquidity"
	case PoolStable:
		return "stable"
	case PoolWeighted:
		return "weighted"
	}
	return "unknown"
}

// Quote is one venue's answer for swapping AmountIn of TokenIn into TokenOut.
// AmountOut is never negative; Ts is set when the venue answered.
type Quote struct {
	Venue       VenueID
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    float64
	AmountOut   float64
	GasEstimate uint64
	PriceImpact float64 // fraction, 0.01 == 1%
	FeeBps      uint32
	Confidence  float64 // 0..100
	Latency     time.Duration
	Route       *Route
	Ts          time.Time
}

// Hop is one swap through a single pool.
type Hop struct {
	Pool     string
	Kind     PoolKind
	TokenIn  common.Address
	TokenOut common.Address
	FeeBps   uint32
}

// Route is an ordered list of hops. Invariants: consecutive hops chain
// tokenOut -> tokenIn, no pool id repeats, length bounded by the finder's
// maxHops.
type Route struct {
	TokenIn  common.Address
	TokenOut common.Address
	Hops     []Hop
}

func (r *Route) Len() int { return len(r.Hops) }

// Reversed returns the same path walked in the opposite direction.
func (r *Route) Reversed() *Route {
	if r == nil {
		return nil
	}
	hops := make([]Hop, len(r.Hops))
	for i, h := range r.Hops {
		hops[len(r.Hops)-1-i] = Hop{
			Pool:     h.Pool,
			Kind:     h.Kind,
			TokenIn:  h.TokenOut,
			TokenOut: h.TokenIn,
			FeeBps:   h.FeeBps,
		}
	}
	return &Route{TokenIn: r.TokenOut, TokenOut: r.TokenIn, Hops: hops}
}

// Valid reports whether the hop chain is well formed.
func (r *Route) Valid() bool {
	if r == nil || len(r.Hops) == 0 {
		return false
	}
	if r.Hops[0].TokenIn != r.TokenIn || r.Hops[len(r.Hops)-1].TokenOut != r.TokenOut {
		return false
	}
	seen := make(map[string]struct{}, len(r.Hops))
	for i, h := range r.Hops {
		if i > 0 && r.Hops[i-1].TokenOut != h.TokenIn {
			return false
		}
		if _, dup := seen[h.Pool]; dup {
			return false
		}
		seen[h.Pool] = struct{}{}
	}
	return true
}

// Pool is one liquidity pool as reported by the pool data source.
type Pool struct {
	ID             string
	Kind           PoolKind
	Tokens         []common.Address
	TotalLiquidity float64
	Volume24h      float64
	FeeBps         uint32
}

// Opportunity pairs a buy leg and a sell leg for the same pair. It is created
// by one scan cycle and either executed or discarded at ExpiresAt.
type Opportunity struct {
	ID         string
	Pair       string
	BuyVenue   VenueID
	SellVenue  VenueID
	BuyQuote   Quote
	SellQuote  Quote
	Spread     float64 // fraction
	GrossUSD   float64
	GasUSD     float64
	NetUSD     float64
	RiskScore  float64
	Confidence float64
	ValidFor   time.Duration
	ExpiresAt  time.Time
	Ts         time.Time
}

func (o *Opportunity) Expired(now time.Time) bool { return now.After(o.ExpiresAt) }

// VenuePerformance is the rolling per-venue record. Quote stats are written
// by the aggregator, swap stats by the execution coordinator; nobody else
// mutates it.
type VenuePerformance struct {
	Venue          VenueID
	QuoteCount     int64
	SwapCount      int64
	FailedSwaps    int64
	AvgLatency     time.Duration
	AvgGasUSD      float64
	AvgPriceImpact float64
	SuccessRate    float64 // 0..1
	TotalVolumeUSD float64
	UpdatedAt      time.Time
}

// RiskSnapshot is the rolling view of portfolio risk, recomputed on a fixed
// cadence by the risk engine.
type RiskSnapshot struct {
	CurrentDrawdown   float64 // percent
	MaxDrawdown       float64 // percent
	Volatility        float64
	ValueAtRisk       float64
	ExposureRatio     float64
	ConsecutiveLosses int
	Score             float64 // 0..100
	UpdatedAt         time.Time
}

// TradeRecord is the realized result of executing one opportunity.
type TradeRecord struct {
	OpportunityID string
	Pair          string
	BuyVenue      VenueID
	SellVenue     VenueID
	Success       bool
	PnLUSD        float64
	GasUSD        float64
	TxHash        string
	Err           string
	Ts            time.Time
}
