package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/ltp_strategy_bot/internal/config"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

// check_gateway probes the configured Bybit account without placing orders.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to price")
	qty := flag.Int64("qty", 1, "quantity used for the fee estimate")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing Bybit Interaction...\n")
	fmt.Printf("Endpoint: %s\n", orDefault(cfg.Gateway.BaseURL, exchange.BybitBaseURL))
	if len(cfg.Secrets.BybitAPIKey) >= 4 {
		fmt.Printf("API Key: %s...\n", cfg.Secrets.BybitAPIKey[:4])
	} else {
		fmt.Printf("API Key: not set, private checks will fail\n")
	}

	gw := exchange.NewBybitGateway(cfg.Secrets.BybitAPIKey, cfg.Secrets.BybitAPISecret,
		cfg.Gateway.BaseURL, cfg.Gateway.Category, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false

	price, err := gw.GetPrice(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
		failed = true
	} else {
		fmt.Printf("✅ Current Price (%s): %f\n", *symbol, price)
	}

	margin, err := gw.GetMargin(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get margin: %v\n", err)
		failed = true
	} else {
		fmt.Printf("✅ Available margin: %f\n", margin)
	}

	if price > 0 {
		fee, err := gw.GetBrokerage(ctx, domain.SideBuy, price, *qty)
		if err != nil {
			fmt.Printf("❌ Failed to get fee rate: %v (default fee %v would be used)\n", err, cfg.Gateway.DefaultFee)
			failed = true
		} else {
			fmt.Printf("✅ Estimated fee for %d @ %f: %f\n", *qty, price, fee)
		}
	}

	if failed {
		os.Exit(1)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
