package engine

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"
)

type HealthLevel string

const (
	Healthy  HealthLevel = "HEALTHY"
	Warning  HealthLevel = "WARNING"
	Critical HealthLevel = "CRITICAL"
)

// HealthReport aggregates the engine's liveness signals into one level.
type HealthReport struct {
	Level          HealthLevel
	VenuesQuoting  int
	VenuesTotal    int
	GasSane        bool
	TradeErrorRate float64
	HeapMB         uint64
	BreakerOpen    bool
	BreakerReason  string
	Emergency      bool
}

const (
	heapWarnMB     = 1024
	heapCriticalMB = 4096
	staleQuoteAge  = time.Minute
)

// Health inspects venue connectivity, gas sanity, trade error rate, breaker
// state and memory headroom. A CRITICAL result triggers an emergency stop
// when auto_stop_on_critical is set.
func (c *Coordinator) Health(ctx context.Context) HealthReport {
	rep := HealthReport{Level: Healthy, GasSane: true}

	perfs := c.perf.Snapshot()
	now := time.Now()
	for _, p := range perfs {
		rep.VenuesTotal++
		if now.Sub(p.UpdatedAt) < staleQuoteAge {
			rep.VenuesQuoting++
		}
	}
	if rep.VenuesTotal == 0 {
		rep.VenuesTotal = len(c.cfg.Venues)
	}

	if c.cfg.Chain.MaxGasUSD > 0 {
		swapGas := c.gas.GasPriceUSDPerGas(ctx) * float64(c.cfg.Chain.GasLimitSwap)
		rep.GasSane = swapGas <= c.cfg.Chain.MaxGasUSD
	}

	c.mu.Lock()
	total := c.tradesOK + c.tradesBad
	if total > 0 {
		rep.TradeErrorRate = float64(c.tradesBad) / float64(total)
	}
	rep.Emergency = c.emergency
	c.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rep.HeapMB = ms.HeapAlloc / (1 << 20)

	st, reason, _ := c.riskE.Breaker().State()
	rep.BreakerOpen = st.String() == "open"
	rep.BreakerReason = reason

	switch {
	case rep.Emergency,
		rep.HeapMB > heapCriticalMB,
		rep.VenuesQuoting == 0 && rep.VenuesTotal > 0 && total > 0:
		rep.Level = Critical
	case rep.BreakerOpen,
		!rep.GasSane,
		rep.TradeErrorRate > 0.5,
		rep.HeapMB > heapWarnMB,
		rep.VenuesQuoting < rep.VenuesTotal:
		rep.Level = Warning
	}

	if rep.Level == Critical && c.cfg.Engine.AutoStopOnCritical && !rep.Emergency {
		c.log.Error("health CRITICAL, stopping engine",
			zap.Int("venues_quoting", rep.VenuesQuoting),
			zap.Uint64("heap_mb", rep.HeapMB))
		c.TriggerEmergencyStop("health check critical")
	}
	return rep
}
