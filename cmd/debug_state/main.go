package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/ltp_strategy_bot/internal/config"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/storage"
)

// debug_state prints the persisted state of every configured run and whether
// the scheduler would resume it or start fresh.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	repo, closeRepo, err := openStates(ctx, cfg)
	if err != nil {
		fmt.Printf("Failed to open %s storage: %v\n", cfg.Storage.Backend, err)
		os.Exit(1)
	}
	defer closeRepo()

	fmt.Printf("Found %d runs:\n", len(cfg.Runs))
	for _, rc := range cfg.Runs {
		id := rc.Identity()
		fmt.Printf("- Run: %s, Slot: %s, Identity: %s\n", rc.Name, id.StateKey(), id)

		saved, err := repo.LoadState(ctx, id.StateKey())
		switch {
		case err != nil:
			fmt.Printf("  ❌ Failed to load state: %v\n", err)
			continue
		case saved == nil:
			fmt.Printf("  ⚠️ No state saved yet\n")
			continue
		}

		s := saved.State
		fmt.Printf("  Saved %s by %s\n", saved.SavedAt.Format("2006-01-02 15:04:05"), saved.Identity)
		fmt.Printf("  Status=%s Qty=%d Entry=%f Target=%f Stop=%f LTP=%f\n",
			s.TradeStatus, s.HoldingQuantity, s.EntryPrice, s.TargetPriceAtEntry, s.StopLossPriceAtEntry, s.LastPrice)
		if s.CooldownActive {
			fmt.Printf("  Cooldown since %s\n", s.CooldownStartedAt.Format("2006-01-02 15:04:05"))
		}
		if o := s.OpenOrder; o != nil {
			fmt.Printf("  Open %s order %s: %d @ %f (polled on resume)\n", o.Side, o.OrderID, o.Quantity, o.Price)
		}

		if !saved.Identity.Compatible(id) {
			fmt.Printf("  ⚠️ Saved by a different run, would start fresh\n")
		} else if err := s.Validate(); err != nil {
			fmt.Printf("  ❌ Inconsistent state, would start fresh: %v\n", err)
		} else {
			fmt.Printf("  ✅ Would resume\n")
		}
	}
}

func openStates(ctx context.Context, cfg *config.Config) (domain.StateRepository, func(), error) {
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		store, err := storage.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case config.StorageRedis:
		store, err := storage.NewRedisStateStore(ctx, storage.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Secrets.RedisPassword,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	store, err := storage.NewFileStore(cfg.Storage.Dir)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}
