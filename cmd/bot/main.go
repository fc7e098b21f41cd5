package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vitos/ltp_strategy_bot/internal/config"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/exchange"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/logger"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/marketdata"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/storage"
	"github.com/vitos/ltp_strategy_bot/internal/usecase"
	"github.com/vitos/ltp_strategy_bot/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Bot stopped with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("Bot stopped")
}

type backends struct {
	states  domain.StateRepository
	sink    domain.RecordSink
	records domain.RecordReader
	trades  domain.TradeRepository
	closers []func() error
}

func (b *backends) close(log *zap.Logger) {
	for _, c := range b.closers {
		if err := c(); err != nil {
			log.Error("Failed to close storage", zap.Error(err))
		}
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		store, err := storage.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to init sqlite: %w", err)
		}
		b.states, b.sink, b.records, b.trades = store, store, store, store
		b.closers = append(b.closers, store.Close)
	case config.StorageFile, config.StorageRedis:
		files, err := storage.NewFileStore(cfg.Storage.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to init file store: %w", err)
		}
		b.states, b.sink, b.records = files, files, files
		if cfg.Storage.Backend == config.StorageRedis {
			states, err := storage.NewRedisStateStore(ctx, storage.RedisConfig{
				Addr:     cfg.Storage.Redis.Addr,
				Password: cfg.Secrets.RedisPassword,
				DB:       cfg.Storage.Redis.DB,
				Prefix:   cfg.Storage.Redis.Prefix,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to init redis: %w", err)
			}
			b.states = states
			b.closers = append(b.closers, states.Close)
		}
	}
	return b, nil
}

// market holds what live runs share: one order gateway and one price feed.
type market struct {
	gateway domain.OrderGateway
	prices  domain.PriceSource
	stream  *exchange.TickerStream
}

func openMarket(cfg *config.Config, log *zap.Logger) *market {
	bybit := exchange.NewBybitGateway(cfg.Secrets.BybitAPIKey, cfg.Secrets.BybitAPISecret,
		cfg.Gateway.BaseURL, cfg.Gateway.Category, log)

	m := &market{gateway: bybit, prices: bybit}
	if cfg.Gateway.Type == config.GatewayPaper {
		paper := exchange.NewPaperGateway(cfg.Gateway.Paper.Cash, cfg.Gateway.Paper.FeeRate, log)
		paper.FillAfterPolls = cfg.Gateway.Paper.FillAfterPolls
		m.gateway = paper
	}
	if cfg.Gateway.Stream {
		m.stream = exchange.NewTickerStream(cfg.Gateway.WSURL, bybit, cfg.Gateway.StreamMaxAge, log)
		m.prices = m.stream
	}
	return m
}

// buildRun wires one configured run. Replay and synthetic runs always trade
// against their own paper account and a virtual clock.
func buildRun(rc config.RunConfig, cfg *config.Config, store *backends, mkt *market, log *zap.Logger) (*usecase.Scheduler, error) {
	runLog := log
	if cfg.Logging.Dir != "" {
		fileLog, err := logger.NewFileLogger(filepath.Join(cfg.Logging.Dir, rc.Name+".log"), cfg.Logging.Level)
		if err != nil {
			log.Error("Failed to init run logger, using default", zap.String("run", rc.Name), zap.Error(err))
		} else {
			runLog = fileLog
		}
	}

	strategy, err := rc.BuildStrategy()
	if err != nil {
		return nil, err
	}
	sc, err := rc.SchedulerConfig()
	if err != nil {
		return nil, err
	}

	var (
		prices  domain.PriceSource
		gateway domain.OrderGateway
		waiter  usecase.Waiter
		clock   usecase.Clock
	)
	switch rc.Source.Type {
	case config.SourceLive:
		prices, gateway = mkt.prices, mkt.gateway
		waiter, clock = usecase.RealtimeWaiter{}, usecase.SystemClock{}
	default:
		if rc.Source.Type == config.SourceReplay {
			prices, err = marketdata.LoadReplayFile(rc.Source.File)
		} else {
			prices, err = marketdata.NewSyntheticPriceSource(rc.Source.Session, rc.Source.Minutes, rc.Source.Seed)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load prices: %w", err)
		}
		paper := exchange.NewPaperGateway(cfg.Gateway.Paper.Cash, cfg.Gateway.Paper.FeeRate, runLog)
		paper.FillAfterPolls = cfg.Gateway.Paper.FillAfterPolls
		gateway = paper

		start := rc.Source.Start
		if start.IsZero() {
			start = time.Now().UTC()
		}
		replayClock := usecase.NewReplayClock(start)
		waiter, clock = replayClock, replayClock
	}

	executor := usecase.NewTradeExecutor(gateway, rc.Input, cfg.Gateway.DefaultFee, runLog)
	engine := usecase.NewEngine(strategy, executor, usecase.StaticParams(rc.Params), runLog)

	results, err := usecase.NewBatchedResultLog(store.sink, cfg.ResultLog.BatchSize, cfg.ResultLog.FlushInterval, runLog)
	if err != nil {
		return nil, err
	}
	scheduler, err := usecase.NewScheduler(sc, engine, prices, store.states, results, waiter, clock, runLog)
	if err != nil {
		_ = results.Stop(context.Background())
		return nil, err
	}
	if store.trades != nil {
		scheduler.SetTradeRepository(store.trades)
	}
	return scheduler, nil
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// 3. Init Storage
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close(log)

	// 4. Init Market
	mkt := openMarket(cfg, log)

	// 5. Build runs
	g, gctx := errgroup.WithContext(ctx)
	runner := usecase.NewRunnerService(log)

	schedulers := make([]*usecase.Scheduler, 0, len(cfg.Runs))
	var liveSymbols []string
	seen := make(map[string]bool)
	for _, rc := range cfg.Runs {
		scheduler, err := buildRun(rc, cfg, store, mkt, log)
		if err != nil {
			return fmt.Errorf("run %s: %w", rc.Name, err)
		}
		schedulers = append(schedulers, scheduler)
		if rc.Source.Type == config.SourceLive && !seen[rc.Input.Symbol] {
			seen[rc.Input.Symbol] = true
			liveSymbols = append(liveSymbols, rc.Input.Symbol)
		}
	}
	for i, rc := range cfg.Runs {
		if err := runner.StartRun(gctx, rc.Name, schedulers[i]); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = runner.StopAll(stopCtx)
			return err
		}
	}

	g.Go(func() error {
		return runner.Wait(context.Background())
	})

	// 6. Price stream for live runs
	if mkt.stream != nil && len(liveSymbols) > 0 {
		g.Go(func() error {
			return mkt.stream.Run(gctx, liveSymbols)
		})
	}

	// 7. Init Web Server
	if cfg.Server.Port > 0 {
		server := web.NewServer(cfg.Server.Port, runner, store.records, store.trades, usecase.NewResultAnalyzerService(log), log)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	// 8. Wait for Shutdown
	return g.Wait()
}
