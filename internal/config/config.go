package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/you/arb-engine/internal/types"
	"gopkg.in/yaml.v3"
)

type EngineCfg struct {
	ScanIntervalMs      int  `yaml:"scan_interval_ms"`
	MaxConcurrentTrades int  `yaml:"max_concurrent_trades"`
	TopPerScan          int  `yaml:"top_per_scan"`
	ExecDeadlineMs      int  `yaml:"exec_deadline_ms"`
	AutoStopOnCritical  bool `yaml:"auto_stop_on_critical"`
}

type AggregatorCfg struct {
	QuoteTimeoutMs int `yaml:"quote_timeout_ms"`
	CacheTTLMs     int `yaml:"cache_ttl_ms"`
}

type RoutingCfg struct {
	MaxHops          int      `yaml:"max_hops"`
	PoolRefreshSec   int      `yaml:"pool_refresh_sec"`
	RouteCacheTTLSec int      `yaml:"route_cache_ttl_sec"`
	ExcludedPools    []string `yaml:"excluded_pools"`
}

type SelectorCfg struct {
	MinProfitMarginBps float64 `yaml:"min_profit_margin_bps"`
	ValidityWindowSec  int     `yaml:"validity_window_sec"`
	ImpactWeight       float64 `yaml:"impact_weight"`
	ReliabilityWeight  float64 `yaml:"reliability_weight"`
}

// RiskWeights are the sub-score weights of the aggregate risk score. They
// must sum to 1.
type RiskWeights struct {
	Drawdown   float64 `yaml:"drawdown"`
	Volatility float64 `yaml:"volatility"`
	Exposure   float64 `yaml:"exposure"`
	LossStreak float64 `yaml:"loss_streak"`
}

type RiskCfg struct {
	MaxSlippageBps       int         `yaml:"max_slippage_bps"`
	CadenceMs            int         `yaml:"cadence_ms"`
	ReturnsWindow        int         `yaml:"returns_window"`
	VaRConfidence        float64     `yaml:"var_confidence"`
	Weights              RiskWeights `yaml:"weights"`
	MaxDrawdownPct       float64     `yaml:"max_drawdown_pct"`
	MaxConsecutiveLosses int         `yaml:"max_consecutive_losses"`
	VolatilityCeiling    float64     `yaml:"volatility_ceiling"`
	ScoreCeiling         float64     `yaml:"score_ceiling"`
	RecoveryTimeSec      int         `yaml:"recovery_time_sec"`
	AutoRestart          bool        `yaml:"auto_restart"`
	MaxHourlyLossUSD     float64     `yaml:"max_hourly_loss_usd"`
	MaxDailyLossUSD      float64     `yaml:"max_daily_loss_usd"`
}

type RedisCfg struct {
	Addr        string `yaml:"addr"`
	DB          int    `yaml:"db"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	PriceNS     string `yaml:"price_ns"`
	PortfolioNS string `yaml:"portfolio_ns"`
	Stream      string `yaml:"stream"`
}

type FeedCfg struct {
	Redis RedisCfg `yaml:"redis"`
	WsURL string   `yaml:"ws_url"`
}

type ChainCfg struct {
	RPCHTTP      string  `yaml:"rpc_http"`
	GasLimitSwap uint64  `yaml:"gas_limit_swap"`
	NativeUSD    float64 `yaml:"native_usd"` // fallback when no feed price
	MaxGasUSD    float64 `yaml:"max_gas_usd"`
}

type MetricsCfg struct {
	ListenAddr string `yaml:"listen_addr"`
}

type TradeLogCfg struct {
	Path string `yaml:"path"` // empty disables sqlite history
}

type TradeCfg struct {
	AmountIn float64 `yaml:"amount_in"` // trade size in tokenIn units
}

type Config struct {
	Pairs      []string          `yaml:"pairs"`  // "WETH/USDC"
	Tokens     map[string]string `yaml:"tokens"` // symbol -> address
	Venues     []types.VenueID   `yaml:"venues"`
	DryRun     bool              `yaml:"dry_run"`
	Trade      TradeCfg          `yaml:"trade"`
	Engine     EngineCfg         `yaml:"engine"`
	Aggregator AggregatorCfg     `yaml:"aggregator"`
	Routing    RoutingCfg        `yaml:"routing"`
	Selector   SelectorCfg       `yaml:"selector"`
	Risk       RiskCfg           `yaml:"risk"`
	Feed       FeedCfg           `yaml:"feed"`
	Chain      ChainCfg          `yaml:"chain"`
	Metrics    MetricsCfg        `yaml:"metrics"`
	TradeLog   TradeLogCfg       `yaml:"trade_log"`
}

// Load reads the yaml config, overlays secrets from the environment
// (.env is picked up when present) and applies defaults. The result is not
// validated; callers must run Validate before starting anything.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if v := os.Getenv("ARB_REDIS_ADDR"); v != "" {
		c.Feed.Redis.Addr = v
	}
	if v := os.Getenv("ARB_REDIS_PASSWORD"); v != "" {
		c.Feed.Redis.Password = v
	}
	if v := os.Getenv("ARB_RPC_HTTP"); v != "" {
		c.Chain.RPCHTTP = v
	}

	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.ScanIntervalMs == 0 {
		c.Engine.ScanIntervalMs = 500
	}
	if c.Engine.MaxConcurrentTrades == 0 {
		c.Engine.MaxConcurrentTrades = 3
	}
	if c.Engine.TopPerScan == 0 {
		c.Engine.TopPerScan = 3
	}
	if c.Engine.ExecDeadlineMs == 0 {
		c.Engine.ExecDeadlineMs = 15000
	}
	if c.Aggregator.QuoteTimeoutMs == 0 {
		c.Aggregator.QuoteTimeoutMs = 800
	}
	if c.Aggregator.CacheTTLMs == 0 {
		c.Aggregator.CacheTTLMs = 2000
	}
	if c.Routing.MaxHops == 0 {
		c.Routing.MaxHops = 3
	}
	if c.Routing.PoolRefreshSec == 0 {
		c.Routing.PoolRefreshSec = 60
	}
	if c.Routing.RouteCacheTTLSec == 0 {
		c.Routing.RouteCacheTTLSec = 30
	}
	if c.Selector.MinProfitMarginBps == 0 {
		c.Selector.MinProfitMarginBps = 30
	}
	if c.Selector.ValidityWindowSec == 0 {
		c.Selector.ValidityWindowSec = 15
	}
	if c.Selector.ImpactWeight == 0 {
		c.Selector.ImpactWeight = 0.6
	}
	if c.Selector.ReliabilityWeight == 0 {
		c.Selector.ReliabilityWeight = 0.4
	}
	if c.Risk.MaxSlippageBps == 0 {
		c.Risk.MaxSlippageBps = 50
	}
	if c.Risk.CadenceMs == 0 {
		c.Risk.CadenceMs = 1000
	}
	if c.Risk.ReturnsWindow == 0 {
		c.Risk.ReturnsWindow = 60
	}
	if c.Risk.VaRConfidence == 0 {
		c.Risk.VaRConfidence = 0.95
	}
	if c.Risk.Weights == (RiskWeights{}) {
		c.Risk.Weights = RiskWeights{Drawdown: 0.35, Volatility: 0.25, Exposure: 0.2, LossStreak: 0.2}
	}
	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = 10
	}
	if c.Risk.MaxConsecutiveLosses == 0 {
		c.Risk.MaxConsecutiveLosses = 3
	}
	if c.Risk.VolatilityCeiling == 0 {
		c.Risk.VolatilityCeiling = 0.08
	}
	if c.Risk.ScoreCeiling == 0 {
		c.Risk.ScoreCeiling = 75
	}
	if c.Risk.RecoveryTimeSec == 0 {
		c.Risk.RecoveryTimeSec = 300
	}
	if c.Chain.GasLimitSwap == 0 {
		c.Chain.GasLimitSwap = 350000
	}
	if c.Chain.NativeUSD == 0 {
		c.Chain.NativeUSD = 2000
	}
	if c.Feed.Redis.PriceNS == "" {
		c.Feed.Redis.PriceNS = "price:"
	}
	if c.Feed.Redis.PortfolioNS == "" {
		c.Feed.Redis.PortfolioNS = "portfolio:"
	}
	if c.Feed.Redis.Stream == "" {
		c.Feed.Redis.Stream = "feed:stream"
	}
}

// Validate rejects configurations the engine must never run with. A non-nil
// error aborts startup; there is no degraded mode.
func (c *Config) Validate() error {
	if len(c.Pairs) == 0 {
		return fmt.Errorf("config: no trading pairs configured")
	}
	for _, p := range c.Pairs {
		base, quote, ok := strings.Cut(p, "/")
		if !ok {
			return fmt.Errorf("config: malformed pair %q, want BASE/QUOTE", p)
		}
		if c.Tokens[base] == "" || c.Tokens[quote] == "" {
			return fmt.Errorf("config: pair %q references a token with no address", p)
		}
	}
	if c.Trade.AmountIn <= 0 {
		return fmt.Errorf("config: trade amount_in must be positive")
	}
	if len(c.Venues) < 2 {
		return fmt.Errorf("config: need at least 2 venues, got %d", len(c.Venues))
	}
	if c.Engine.MaxConcurrentTrades < 1 {
		return fmt.Errorf("config: max_concurrent_trades must be >= 1")
	}
	if c.Routing.MaxHops < 1 {
		return fmt.Errorf("config: max_hops must be >= 1")
	}
	if c.Selector.MinProfitMarginBps < 0 {
		return fmt.Errorf("config: min_profit_margin_bps must not be negative")
	}
	w := c.Risk.Weights
	sum := w.Drawdown + w.Volatility + w.Exposure + w.LossStreak
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("config: risk weights must sum to 1, got %.4f", sum)
	}
	switch c.Risk.VaRConfidence {
	case 0.90, 0.95, 0.99:
	default:
		return fmt.Errorf("config: var_confidence must be one of 0.90, 0.95, 0.99")
	}
	if c.Risk.RecoveryTimeSec <= 0 {
		return fmt.Errorf("config: recovery_time_sec must be positive")
	}
	return nil
}

func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Engine.ScanIntervalMs) * time.Millisecond
}
func (c *Config) ExecDeadline() time.Duration {
	return time.Duration(c.Engine.ExecDeadlineMs) * time.Millisecond
}
func (c *Config) QuoteTimeout() time.Duration {
	return time.Duration(c.Aggregator.QuoteTimeoutMs) * time.Millisecond
}
func (c *Config) QuoteCacheTTL() time.Duration {
	return time.Duration(c.Aggregator.CacheTTLMs) * time.Millisecond
}
func (c *Config) PoolRefresh() time.Duration {
	return time.Duration(c.Routing.PoolRefreshSec) * time.Second
}
func (c *Config) RouteCacheTTL() time.Duration {
	return time.Duration(c.Routing.RouteCacheTTLSec) * time.Second
}
func (c *Config) ValidityWindow() time.Duration {
	return time.Duration(c.Selector.ValidityWindowSec) * time.Second
}
func (c *Config) MinProfitMargin() float64 {
	return c.Selector.MinProfitMarginBps / 10000.0
}
func (c *Config) RiskCadence() time.Duration {
	return time.Duration(c.Risk.CadenceMs) * time.Millisecond
}
func (c *Config) RecoveryTime() time.Duration {
	return time.Duration(c.Risk.RecoveryTimeSec) * time.Second
}
