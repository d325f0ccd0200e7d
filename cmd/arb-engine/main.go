package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/you/arb-engine/internal/aggregator"
	"github.com/you/arb-engine/internal/config"
	"github.com/you/arb-engine/internal/engine"
	"github.com/you/arb-engine/internal/feed"
	"github.com/you/arb-engine/internal/gas"
	"github.com/you/arb-engine/internal/metrics"
	"github.com/you/arb-engine/internal/risk"
	"github.com/you/arb-engine/internal/routing"
	"github.com/you/arb-engine/internal/selector"
	"github.com/you/arb-engine/internal/stats"
	"github.com/you/arb-engine/internal/tradelog"
	"github.com/you/arb-engine/internal/venue"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	return cfg.Build()
}

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		// invalid config never runs degraded
		logger.Fatal("config invalid", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Warn("received signal, shutting down...")
		cancel()
	}()

	metrics.Serve(ctx, cfg.Metrics.ListenAddr, nil, logger)

	book := feed.NewPriceBook()
	consumer := feed.NewConsumer(cfg)

	if cfg.Feed.Redis.Addr != "" {
		go func() {
			if err := consumer.StreamPrices(ctx, book); err != nil && ctx.Err() == nil {
				logger.Error("redis price stream stopped", zap.Error(err))
			}
		}()
	}
	if cfg.Feed.WsURL != "" {
		symbols := make([]string, 0, len(cfg.Tokens))
		for sym := range cfg.Tokens {
			symbols = append(symbols, sym+"USD")
		}
		stream := feed.NewPriceStream(cfg.Feed.WsURL)
		ticks, err := stream.Subscribe(ctx, symbols)
		if err != nil {
			logger.Fatal("ws price feed subscribe failed", zap.Error(err))
		}
		go feed.Pump(ctx, ticks, book)
	}

	gasSrc, err := gas.NewSource(cfg, book, logger)
	if err != nil {
		logger.Fatal("gas source init failed", zap.Error(err))
	}

	perf := stats.NewTracker()
	reg := venue.NewRegistry()
	if cfg.DryRun {
		logger.Warn("DRY-RUN: registering paper venues, no real orders will be sent")
		symbols := make(map[common.Address]string, len(cfg.Tokens))
		for sym, addr := range cfg.Tokens {
			symbols[common.HexToAddress(addr)] = sym + "USD"
		}
		for i, id := range cfg.Venues {
			// stagger per-venue bias so paper venues actually disagree
			bias := float64(i-len(cfg.Venues)/2) * 5
			reg.Register(venue.NewPaperAdapter(id, book, symbols, bias, 30, 150000))
		}
	}
	if len(reg.All()) == 0 {
		logger.Fatal("no venue adapters registered; nothing to trade against")
	}

	finder := routing.NewFinder(cfg, consumer, logger)
	agg := aggregator.New(cfg, reg, perf, gasSrc, logger)
	sel := selector.New(cfg, perf, logger)
	riskE := risk.NewEngine(cfg, consumer, logger)

	var tlog *tradelog.Store
	if cfg.TradeLog.Path != "" {
		tlog, err = tradelog.Open(cfg.TradeLog.Path)
		if err != nil {
			logger.Fatal("trade log open failed", zap.Error(err))
		}
		defer tlog.Close()
	}

	pairs, err := engine.ResolvePairs(cfg)
	if err != nil {
		logger.Fatal("pair resolution failed", zap.Error(err))
	}

	coord := engine.New(cfg, agg, finder, sel, riskE, reg, perf, gasSrc, tlog, pairs, logger)
	if err := coord.Start(ctx); err != nil {
		logger.Fatal("engine start failed", zap.Error(err))
	}

	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rep := coord.Health(ctx)
				logger.Info("health",
					zap.String("level", string(rep.Level)),
					zap.Int("venues_quoting", rep.VenuesQuoting),
					zap.Float64("trade_error_rate", rep.TradeErrorRate),
					zap.Bool("breaker_open", rep.BreakerOpen))
			}
		}
	}()

	logger.Info("arb-engine running",
		zap.Strings("pairs", cfg.Pairs),
		zap.Bool("dry_run", cfg.DryRun))

	<-ctx.Done()
	coord.Stop()
	logger.Info("arb-engine finished")
}
