package stats

import (
	"sync"
	"time"

	"github.com/you/arb-engine/internal/types"
)

// ewmaAlpha smooths rolling per-venue averages.
const ewmaAlpha = 0.2

// Tracker holds the per-venue performance records. Quote stats are written by
// the aggregator and swap stats by the execution coordinator; readers get
// copies and may observe data one update stale.
type Tracker struct {
	mu    sync.RWMutex
	perfs map[types.VenueID]*types.VenuePerformance
}

func NewTracker() *Tracker {
	return &Tracker{perfs: make(map[types.VenueID]*types.VenuePerformance, 8)}
}

func (t *Tracker) get(id types.VenueID) *types.VenuePerformance {
	p := t.perfs[id]
	if p == nil {
		p = &types.VenuePerformance{Venue: id, SuccessRate: 1}
		t.perfs[id] = p
	}
	return p
}

// RecordQuote updates latency and impact rolling stats for a venue that
// answered a quote round, winner or not.
func (t *Tracker) RecordQuote(id types.VenueID, latency time.Duration, priceImpact float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.get(id)
	p.QuoteCount++
	if p.AvgLatency == 0 {
		p.AvgLatency = latency
	} else {
		p.AvgLatency = time.Duration((1-ewmaAlpha)*float64(p.AvgLatency) + ewmaAlpha*float64(latency))
	}
	if p.AvgPriceImpact == 0 {
		p.AvgPriceImpact = priceImpact
	} else {
		p.AvgPriceImpact = (1-ewmaAlpha)*p.AvgPriceImpact + ewmaAlpha*priceImpact
	}
	p.UpdatedAt = time.Now()
}

// RecordSwap updates swap outcome stats for a venue after an execution.
func (t *Tracker) RecordSwap(id types.VenueID, success bool, gasUSD, volumeUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.get(id)
	p.SwapCount++
	if !success {
		p.FailedSwaps++
	}
	p.SuccessRate = float64(p.SwapCount-p.FailedSwaps) / float64(p.SwapCount)
	if p.AvgGasUSD == 0 {
		p.AvgGasUSD = gasUSD
	} else {
		p.AvgGasUSD = (1-ewmaAlpha)*p.AvgGasUSD + ewmaAlpha*gasUSD
	}
	p.TotalVolumeUSD += volumeUSD
	p.UpdatedAt = time.Now()
}

// Reliability returns the venue's success rate in 0..1; unknown venues are
// treated as fully reliable until proven otherwise.
func (t *Tracker) Reliability(id types.VenueID) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.perfs[id]
	if p == nil || p.SwapCount == 0 {
		return 1
	}
	return p.SuccessRate
}

// Snapshot returns a copy of every venue record.
func (t *Tracker) Snapshot() map[types.VenueID]types.VenuePerformance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[types.VenueID]types.VenuePerformance, len(t.perfs))
	for id, p := range t.perfs {
		out[id] = *p
	}
	return out
}
