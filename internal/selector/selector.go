package selector

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/you/arb-engine/internal/config"
	"github.com/you/arb-engine/internal/metrics"
	"github.com/you/arb-engine/internal/stats"
	"github.com/you/arb-engine/internal/types"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

// Selector turns competing quotes for one logical pair into a scored
// opportunity, or nothing when the spread or net profit is too thin.
type Selector struct {
	cfg  *config.Config
	perf *stats.Tracker
	log  *zap.Logger
}

func New(cfg *config.Config, perf *stats.Tracker, log *zap.Logger) *Selector {
	return &Selector{cfg: cfg, perf: perf, log: log}
}

// Build evaluates quotes for one pair. The sell leg is the quote maximizing
// amountOut − gasEstimate×gasPrice (ties broken by lower price impact), the
// buy leg the cheapest venue. Returns nil when the spread misses the margin
// or the net profit after gas is not positive.
func (s *Selector) Build(pair string, quotes []types.Quote, gasPriceUSD float64) *types.Opportunity {
	if len(quotes) < 2 {
		return nil
	}

	sell := quotes[0]
	buy := quotes[0]
	for _, q := range quotes[1:] {
		if effective(q, gasPriceUSD) > effective(sell, gasPriceUSD) ||
			(effective(q, gasPriceUSD) == effective(sell, gasPriceUSD) && q.PriceImpact < sell.PriceImpact) {
			sell = q
		}
		if q.AmountOut < buy.AmountOut {
			buy = q
		}
	}
	if sell.Venue == buy.Venue || buy.AmountOut <= 0 {
		return nil
	}

	spread := (sell.AmountOut - buy.AmountOut) / buy.AmountOut
	if spread < s.cfg.MinProfitMargin() {
		return nil
	}

	gross := sell.AmountOut - buy.AmountOut
	gasUSD := float64(buy.GasEstimate+sell.GasEstimate) * gasPriceUSD
	net := gross - gasUSD
	if net <= 0 {
		return nil
	}

	now := time.Now()
	window := s.cfg.ValidityWindow()
	opp := &types.Opportunity{
		ID:         opportunityID(pair, buy.Venue, sell.Venue, now),
		Pair:       pair,
		BuyVenue:   buy.Venue,
		SellVenue:  sell.Venue,
		BuyQuote:   buy,
		SellQuote:  sell,
		Spread:     spread,
		GrossUSD:   gross,
		GasUSD:     gasUSD,
		NetUSD:     net,
		Confidence: s.confidence(buy, sell),
		ValidFor:   window,
		ExpiresAt:  now.Add(window),
		Ts:         now,
	}
	metrics.OpportunitiesFound.Inc()
	s.log.Debug("opportunity built",
		zap.String("id", opp.ID),
		zap.String("pair", pair),
		zap.String("buy", string(buy.Venue)),
		zap.String("sell", string(sell.Venue)),
		zap.Float64("spread", spread),
		zap.Float64("net_usd", net))
	return opp
}

func effective(q types.Quote, gasPriceUSD float64) float64 {
	return q.AmountOut - float64(q.GasEstimate)*gasPriceUSD
}

// confidence is monotone: more combined price impact always lowers it, more
// venue reliability always raises it. The weighting is configuration, not a
// fixed formula.
func (s *Selector) confidence(buy, sell types.Quote) float64 {
	impact := buy.PriceImpact + sell.PriceImpact
	impactScore := 1.0 / (1.0 + 10.0*impact)
	rel := 0.5 * (s.perf.Reliability(buy.Venue) + s.perf.Reliability(sell.Venue))
	c := 100.0 * (s.cfg.Selector.ImpactWeight*impactScore + s.cfg.Selector.ReliabilityWeight*rel)
	if c > 100 {
		c = 100
	}
	if c < 0 {
		c = 0
	}
	return c
}

// opportunityID is a keccak over the identifying fields; unique per
// (pair, venues, creation instant).
func opportunityID(pair string, buy, sell types.VenueID, ts time.Time) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(pair))
	h.Write([]byte(buy))
	h.Write([]byte(sell))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ts.UnixNano()))
	h.Write(b[:])
	return hex.EncodeToString(h.Sum(nil)[:16])
}
