package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/you/arb-engine/internal/aggregator"
	"github.com/you/arb-engine/internal/config"
	"github.com/you/arb-engine/internal/metrics"
	"github.com/you/arb-engine/internal/risk"
	"github.com/you/arb-engine/internal/routing"
	"github.com/you/arb-engine/internal/selector"
	"github.com/you/arb-engine/internal/stats"
	"github.com/you/arb-engine/internal/tradelog"
	"github.com/you/arb-engine/internal/types"
	"github.com/you/arb-engine/internal/venue"
	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("engine: already running")

// Pair is one tradable pair resolved from config.
type Pair struct {
	Name     string
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn float64
}

// ResolvePairs maps the configured "BASE/QUOTE" names onto token addresses.
func ResolvePairs(cfg *config.Config) ([]Pair, error) {
	out := make([]Pair, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		base, quote, ok := strings.Cut(p, "/")
		if !ok {
			return nil, fmt.Errorf("malformed pair %q", p)
		}
		out = append(out, Pair{
			Name:     p,
			TokenIn:  common.HexToAddress(cfg.Tokens[base]),
			TokenOut: common.HexToAddress(cfg.Tokens[quote]),
			AmountIn: cfg.Trade.AmountIn,
		})
	}
	return out, nil
}

type pnlEntry struct {
	ts  time.Time
	pnl float64
}

// Metrics is the engine-level counters snapshot returned by the control
// surface.
type Metrics struct {
	ScanCycles       int64
	TradesExecuted   int64
	TradesFailed     int64
	ActiveTrades     int
	TotalPnLUSD      float64
	Risk             types.RiskSnapshot
	BreakerState     string
	BreakerReason    string
	EmergencyStopped bool
}

// Coordinator drives the scan→score→gate→execute loop. Executions run
// concurrently up to maxConcurrentTrades; the scan driver never waits for
// them.
type Coordinator struct {
	cfg    *config.Config
	log    *zap.Logger
	agg    *aggregator.Aggregator
	finder *routing.Finder
	sel    *selector.Selector
	riskE  *risk.Engine
	reg    *venue.Registry
	perf   *stats.Tracker
	gas    aggregator.GasSource
	tlog   *tradelog.Store // nil when history is disabled
	pairs  []Pair

	mu         sync.Mutex
	running    bool
	paused     bool
	emergency  bool
	stopReason string
	cancel     context.CancelFunc
	done       chan struct{}
	active     map[string]struct{}
	sem        chan struct{}
	ledger     []pnlEntry
	scanCycles int64
	tradesOK   int64
	tradesBad  int64
	totalPnL   float64
}

func New(
	cfg *config.Config,
	agg *aggregator.Aggregator,
	finder *routing.Finder,
	sel *selector.Selector,
	riskE *risk.Engine,
	reg *venue.Registry,
	perf *stats.Tracker,
	gasSrc aggregator.GasSource,
	tlog *tradelog.Store,
	pairs []Pair,
	log *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		log:    log,
		agg:    agg,
		finder: finder,
		sel:    sel,
		riskE:  riskE,
		reg:    reg,
		perf:   perf,
		gas:    gasSrc,
		tlog:   tlog,
		pairs:  pairs,
		active: make(map[string]struct{}),
		sem:    make(chan struct{}, cfg.Engine.MaxConcurrentTrades),
	}
}

// Start launches the scan driver and the risk cadence. Calling Start after an
// emergency stop is the explicit restart path.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.paused = false
	c.emergency = false
	c.stopReason = ""
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.riskE.Run(runCtx)
	go c.loop(runCtx)
	c.log.Info("engine started",
		zap.Int("pairs", len(c.pairs)),
		zap.Int("max_concurrent_trades", c.cfg.Engine.MaxConcurrentTrades))
	return nil
}

// Stop halts the scan driver. In-flight executions finish on their own
// deadlines.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.running = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.log.Info("engine stopped")
}

// Pause suspends new executions without stopping the scan driver.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.log.Warn("engine paused")
}

func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.log.Info("engine resumed")
}

// TriggerEmergencyStop is the unconditional cancellation path: it halts the
// scan driver immediately and refuses all new executions until Start is
// called again.
func (c *Coordinator) TriggerEmergencyStop(reason string) {
	c.mu.Lock()
	if c.emergency {
		c.mu.Unlock()
		return
	}
	c.emergency = true
	c.running = false
	c.stopReason = reason
	cancel := c.cancel
	c.mu.Unlock()
	c.log.Error("EMERGENCY STOP", zap.String("reason", reason))
	if cancel != nil {
		cancel()
	}
}

// ClearCaches drops the quote, pool and route caches.
func (c *Coordinator) ClearCaches() {
	c.agg.ClearCache()
	c.finder.ClearCache()
	c.log.Info("caches cleared")
}

// GetMetrics returns the engine counters snapshot.
func (c *Coordinator) GetMetrics() Metrics {
	c.mu.Lock()
	m := Metrics{
		ScanCycles:       c.scanCycles,
		TradesExecuted:   c.tradesOK,
		TradesFailed:     c.tradesBad,
		ActiveTrades:     len(c.active),
		TotalPnLUSD:      c.totalPnL,
		EmergencyStopped: c.emergency,
	}
	c.mu.Unlock()
	m.Risk = c.riskE.Snapshot()
	st, reason, _ := c.riskE.Breaker().State()
	m.BreakerState = st.String()
	m.BreakerReason = reason
	return m
}

// GetPerformanceMetrics returns the per-venue records.
func (c *Coordinator) GetPerformanceMetrics() map[types.VenueID]types.VenuePerformance {
	return c.perf.Snapshot()
}

// loop is the periodic scan driver.
func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)
	t := time.NewTicker(c.cfg.ScanInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.scan(ctx)
		}
	}
}

// scan runs one cycle: quote every pair, build opportunities, gate through
// the breaker, execute the best candidates in descending net-profit order.
func (c *Coordinator) scan(ctx context.Context) {
	c.mu.Lock()
	c.scanCycles++
	paused := c.paused
	c.mu.Unlock()
	if paused {
		return
	}

	gasPrice := c.gas.GasPriceUSDPerGas(ctx)

	var opps []*types.Opportunity
	for _, p := range c.pairs {
		bq, err := c.agg.GetBestQuote(ctx, p.TokenIn, p.TokenOut, p.AmountIn)
		if err != nil {
			if !errors.Is(err, aggregator.ErrNoQuotes) {
				c.log.Warn("quote round failed", zap.String("pair", p.Name), zap.Error(err))
			}
			continue
		}
		if opp := c.sel.Build(p.Name, bq.All, gasPrice); opp != nil {
			opps = append(opps, opp)
		}
	}
	if len(opps) == 0 {
		return
	}

	sort.Slice(opps, func(i, j int) bool { return opps[i].NetUSD > opps[j].NetUSD })
	if len(opps) > c.cfg.Engine.TopPerScan {
		opps = opps[:c.cfg.Engine.TopPerScan]
	}

	for _, opp := range opps {
		if err := c.riskE.Breaker().Allow(); err != nil {
			c.log.Warn("execution refused", zap.String("id", opp.ID), zap.Error(err))
			return
		}
		c.tryExecute(ctx, opp)
	}
}

// tryExecute claims a concurrency slot and the opportunity id, then runs the
// execution in its own goroutine. A full semaphore or an id already in
// flight drops the opportunity for this cycle.
func (c *Coordinator) tryExecute(ctx context.Context, opp *types.Opportunity) {
	c.mu.Lock()
	if c.emergency || c.paused {
		c.mu.Unlock()
		return
	}
	if _, dup := c.active[opp.ID]; dup {
		c.mu.Unlock()
		return
	}
	select {
	case c.sem <- struct{}{}:
	default:
		c.mu.Unlock()
		c.log.Debug("concurrency cap reached, dropping", zap.String("id", opp.ID))
		return
	}
	c.active[opp.ID] = struct{}{}
	c.mu.Unlock()

	metrics.InFlightTrades.Inc()
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.active, opp.ID)
			c.mu.Unlock()
			<-c.sem
			metrics.InFlightTrades.Dec()
		}()
		c.execute(ctx, opp)
	}()
}

// execute runs both legs of one opportunity. Every failure path is contained
// here: it becomes a failed-trade record and never disturbs the scan loop or
// other in-flight trades.
func (c *Coordinator) execute(ctx context.Context, opp *types.Opportunity) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic during execution, recorded as failed trade",
				zap.String("id", opp.ID), zap.Any("panic", r))
			c.recordResult(opp, types.TradeRecord{
				OpportunityID: opp.ID,
				Pair:          opp.Pair,
				BuyVenue:      opp.BuyVenue,
				SellVenue:     opp.SellVenue,
				PnLUSD:        -opp.GasUSD,
				GasUSD:        opp.GasUSD,
				Err:           fmt.Sprintf("panic: %v", r),
				Ts:            time.Now(),
			})
		}
	}()

	// Gate again at the execution boundary: the scan may be seconds old.
	if opp.Expired(time.Now()) {
		c.log.Debug("opportunity expired before execution", zap.String("id", opp.ID))
		return
	}
	if err := c.riskE.Breaker().Allow(); err != nil {
		c.log.Warn("execution refused at boundary", zap.String("id", opp.ID), zap.Error(err))
		return
	}

	if c.cfg.DryRun {
		c.log.Info("DRY-RUN opportunity",
			zap.String("id", opp.ID),
			zap.String("pair", opp.Pair),
			zap.Float64("net_usd", opp.NetUSD),
			zap.Float64("spread", opp.Spread))
		return
	}

	deadline := time.Now().Add(c.cfg.ExecDeadline())
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	rec := types.TradeRecord{
		OpportunityID: opp.ID,
		Pair:          opp.Pair,
		BuyVenue:      opp.BuyVenue,
		SellVenue:     opp.SellVenue,
		Ts:            time.Now(),
	}

	slip := 1 - float64(c.cfg.Risk.MaxSlippageBps)/10000.0

	// Buy leg: spend quote currency on the cheap venue to acquire the base
	// amount, i.e. the buy quote walked backwards.
	buyRes, err := c.executeLeg(execCtx, opp.BuyVenue, legRequest{
		tokenIn:  opp.BuyQuote.TokenOut,
		tokenOut: opp.BuyQuote.TokenIn,
		route:    opp.BuyQuote.Route.Reversed(),
		amountIn: opp.BuyQuote.AmountOut,
		minOut:   opp.BuyQuote.AmountIn * slip,
		deadline: deadline,
	})
	if err != nil {
		rec.Err = fmt.Sprintf("buy leg: %v", err)
		rec.PnLUSD = -opp.GasUSD
		rec.GasUSD = opp.GasUSD
		c.recordResult(opp, rec)
		return
	}

	// Sell leg: dump the acquired base on the rich venue.
	sellRes, err := c.executeLeg(execCtx, opp.SellVenue, legRequest{
		tokenIn:  opp.SellQuote.TokenIn,
		tokenOut: opp.SellQuote.TokenOut,
		route:    opp.SellQuote.Route,
		amountIn: buyRes.AmountOut,
		minOut:   opp.SellQuote.AmountOut * slip,
		deadline: deadline,
	})
	if err != nil {
		rec.Err = fmt.Sprintf("sell leg: %v", err)
		rec.PnLUSD = -opp.GasUSD
		rec.GasUSD = opp.GasUSD
		c.recordResult(opp, rec)
		return
	}

	gasPrice := c.gas.GasPriceUSDPerGas(execCtx)
	rec.Success = true
	rec.TxHash = sellRes.TxHash
	rec.GasUSD = float64(buyRes.GasUsed+sellRes.GasUsed) * gasPrice
	rec.PnLUSD = sellRes.AmountOut - opp.BuyQuote.AmountOut - rec.GasUSD
	c.recordResult(opp, rec)
	c.log.Info("trade executed",
		zap.String("id", opp.ID),
		zap.String("pair", opp.Pair),
		zap.String("tx", rec.TxHash),
		zap.Float64("pnl_usd", rec.PnLUSD))
}

type legRequest struct {
	tokenIn  common.Address
	tokenOut common.Address
	route    *types.Route
	amountIn float64
	minOut   float64
	deadline time.Time
}

// executeLeg resolves a route when the quote carried none and submits the
// swap to the venue adapter.
func (c *Coordinator) executeLeg(ctx context.Context, id types.VenueID, leg legRequest) (venue.ExecResult, error) {
	ad := c.reg.Get(id)
	if ad == nil {
		return venue.ExecResult{}, fmt.Errorf("venue %s not registered", id)
	}
	route := leg.route
	if route == nil {
		r, err := c.finder.FindRoute(ctx, leg.tokenIn, leg.tokenOut, c.cfg.Routing.MaxHops, nil)
		if err != nil {
			return venue.ExecResult{}, err
		}
		if r == nil {
			return venue.ExecResult{}, fmt.Errorf("no route for %s", id)
		}
		route = r
	}
	return ad.Execute(ctx, venue.ExecRequest{
		Route:        route,
		AmountIn:     leg.amountIn,
		MinAmountOut: leg.minOut,
		Deadline:     leg.deadline,
	})
}

// recordResult folds one realized outcome into venue records, risk counters,
// the in-memory PnL ledger and the sqlite history, then checks the emergency
// loss limits. The loss limits act independently of the circuit breaker.
func (c *Coordinator) recordResult(opp *types.Opportunity, rec types.TradeRecord) {
	perLeg := rec.GasUSD / 2
	c.perf.RecordSwap(rec.BuyVenue, rec.Success, perLeg, opp.BuyQuote.AmountIn)
	c.perf.RecordSwap(rec.SellVenue, rec.Success, perLeg, opp.SellQuote.AmountOut)
	c.riskE.RecordTradeResult(rec.PnLUSD)

	outcome := "success"
	if !rec.Success {
		outcome = "failed"
	}
	metrics.TradesExecuted.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	if rec.Success {
		c.tradesOK++
	} else {
		c.tradesBad++
	}
	c.totalPnL += rec.PnLUSD
	metrics.RealizedPnL.Set(c.totalPnL)
	c.ledger = append(c.ledger, pnlEntry{ts: rec.Ts, pnl: rec.PnLUSD})
	c.trimLedgerLocked()
	hourly := c.lossSinceLocked(time.Now().Add(-time.Hour))
	daily := c.lossSinceLocked(time.Now().Add(-24 * time.Hour))
	c.mu.Unlock()

	if c.tlog != nil {
		if err := c.tlog.Record(context.Background(), rec); err != nil {
			c.log.Warn("trade log write failed", zap.Error(err))
		}
	}

	r := c.cfg.Risk
	switch {
	case r.MaxHourlyLossUSD > 0 && hourly > r.MaxHourlyLossUSD:
		c.TriggerEmergencyStop(fmt.Sprintf("hourly loss %.2f USD exceeds limit %.2f", hourly, r.MaxHourlyLossUSD))
	case r.MaxDailyLossUSD > 0 && daily > r.MaxDailyLossUSD:
		c.TriggerEmergencyStop(fmt.Sprintf("daily loss %.2f USD exceeds limit %.2f", daily, r.MaxDailyLossUSD))
	case r.MaxConsecutiveLosses > 0 && c.riskE.Snapshot().ConsecutiveLosses >= r.MaxConsecutiveLosses:
		c.TriggerEmergencyStop(fmt.Sprintf("%d consecutive losses", c.riskE.Snapshot().ConsecutiveLosses))
	}
}

func (c *Coordinator) trimLedgerLocked() {
	cutoff := time.Now().Add(-24 * time.Hour)
	i := 0
	for i < len(c.ledger) && c.ledger[i].ts.Before(cutoff) {
		i++
	}
	c.ledger = c.ledger[i:]
}

// lossSinceLocked sums realized losses (as a positive number) since the given
// instant. Wins do not offset losses here: the limit is on damage taken.
func (c *Coordinator) lossSinceLocked(since time.Time) float64 {
	loss := 0.0
	for _, e := range c.ledger {
		if e.ts.After(since) && e.pnl < 0 {
			loss += -e.pnl
		}
	}
	return loss
}
