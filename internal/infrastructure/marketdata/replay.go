package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/storage"
)

// ReplayPriceSource hands out recorded prices one call at a time and reports
// domain.ErrPriceExhausted at the end.
type ReplayPriceSource struct {
	mu     sync.Mutex
	prices []float64
	pos    int
}

func NewReplayPriceSource(prices []float64) *ReplayPriceSource {
	cp := make([]float64, len(prices))
	copy(cp, prices)
	return &ReplayPriceSource{prices: cp}
}

// LoadReplayFile reads prices from a .csv file (a column named ltp, price or
// close) or from a .jsonl result log (the ltp field of each record).
func LoadReplayFile(path string) (*ReplayPriceSource, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		records, err := storage.ReadRecordsFile(path)
		if err != nil {
			return nil, err
		}
		prices := make([]float64, 0, len(records))
		for _, r := range records {
			prices = append(prices, r.LastPrice)
		}
		return NewReplayPriceSource(prices), nil
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		prices, err := ReadPriceCSV(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return NewReplayPriceSource(prices), nil
	}
	return nil, fmt.Errorf("unsupported replay file %s", path)
}

// ReadPriceCSV parses a CSV with a header row. The price column is the first
// one named ltp, price or close, case-insensitively.
func ReadPriceCSV(r io.Reader) ([]float64, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := -1
	for _, want := range []string{"ltp", "price", "close"} {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), want) {
				col = i
				break
			}
		}
		if col >= 0 {
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("no ltp, price or close column in header %v", header)
	}

	var prices []float64
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if col >= len(row) {
			return nil, fmt.Errorf("line %d: missing price column", line)
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid price %q", line, row[col])
		}
		prices = append(prices, p)
	}
	return prices, nil
}

func (r *ReplayPriceSource) GetPrice(ctx context.Context, symbol string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos >= len(r.prices) {
		return 0, domain.ErrPriceExhausted
	}
	p := r.prices[r.pos]
	r.pos++
	return p, nil
}

func (r *ReplayPriceSource) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prices) - r.pos
}
