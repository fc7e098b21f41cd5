package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/storage"
	"github.com/vitos/ltp_strategy_bot/internal/usecase"
	"go.uber.org/zap"
)

func main() {
	file := flag.String("file", "", "JSONL result log to analyze")
	dbPath := flag.String("db", "", "SQLite database to read records from instead of a file")
	strategy := flag.String("strategy", "", "strategy name (with -db)")
	symbol := flag.String("symbol", "", "trading symbol (with -db)")
	mode := flag.String("mode", string(domain.RunModeLive), "run mode (with -db)")
	limit := flag.Int("limit", 100000, "maximum records to read (with -db)")
	trips := flag.Bool("trips", false, "print every round trip")
	flag.Parse()

	records, err := loadRecords(*file, *dbPath, domain.RunIdentity{
		StrategyName: *strategy,
		Symbol:       *symbol,
		RunMode:      domain.RunMode(*mode),
	}, *limit)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No records found.")
		return
	}

	results := usecase.NewResultAnalyzerService(zap.NewNop()).Analyze(records)

	fmt.Printf("\nResult log summary (%d records, %d runs):\n", len(records), len(results))
	fmt.Printf("%-16s | %-10s | %-10s | %-7s | %-6s | %-8s | %-12s | %s\n",
		"Strategy", "Symbol", "Mode", "Records", "Trips", "Win %", "PnL", "Open")
	fmt.Println("--------------------------------------------------------------------------------------------")
	for _, res := range results {
		open := ""
		if res.OpenQuantity > 0 {
			open = fmt.Sprintf("%d @ %.4f", res.OpenQuantity, res.OpenEntryPrice)
		}
		fmt.Printf("%-16s | %-10s | %-10s | %-7d | %-6d | %-8.2f | %-12.4f | %s\n",
			res.StrategyName, res.Symbol, res.RunMode, res.Records, len(res.RoundTrips),
			res.WinRate*100, res.RealizedPnL, open)
	}

	if !*trips {
		return
	}
	for _, res := range results {
		fmt.Printf("\n%s %s %s\n", res.StrategyName, res.Symbol, res.RunMode)
		for _, t := range res.RoundTrips {
			fmt.Printf("  %s -> %s  qty %-6d  %.4f -> %.4f  %-6s  pnl %.4f\n",
				t.EntryTime.Format("2006-01-02 15:04"), t.ExitTime.Format("2006-01-02 15:04"),
				t.Quantity, t.EntryPrice, t.ExitPrice, t.Reason, t.PnL)
		}
	}
}

func loadRecords(file, dbPath string, id domain.RunIdentity, limit int) ([]domain.LogRecord, error) {
	switch {
	case file != "":
		return storage.ReadRecordsFile(file)
	case dbPath != "":
		if id.StrategyName == "" || id.Symbol == "" {
			return nil, fmt.Errorf("-strategy and -symbol are required with -db")
		}
		store, err := storage.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.ListRecords(context.Background(), id, limit)
	}
	return nil, fmt.Errorf("one of -file or -db is required")
}
