package usecase

import (
	"fmt"
	"math"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
)

// Strategy is the capability set a concrete strategy exposes to the engine.
type Strategy interface {
	Name() string
	// EntryPrice is the limit price used for a BUY given the current LTP.
	EntryPrice(ltp float64) float64
	// EntryQuantity must return at least 1 for the engine to enter.
	EntryQuantity(entryPrice float64) int64
	TargetPrice(entryPrice float64, params domain.StrategyParams) float64
	StopLossPrice(entryPrice float64, params domain.StrategyParams) float64
}

// PercentExits derives both exit boundaries as fixed percentages of the entry.
type PercentExits struct{}

func (PercentExits) TargetPrice(entryPrice float64, params domain.StrategyParams) float64 {
	return entryPrice * (1 + params.TargetPct)
}

func (PercentExits) StopLossPrice(entryPrice float64, params domain.StrategyParams) float64 {
	return entryPrice * (1 - params.StopLossPct)
}

// CapitalQuantity sizes a position as whole units of allocated capital.
func CapitalQuantity(capital, entryPrice float64) int64 {
	if capital <= 0 || entryPrice <= 0 || math.IsNaN(capital) || math.IsInf(capital, 0) {
		return 0
	}
	return int64(math.Floor(capital / entryPrice))
}

// AllTimeHighDip buys when the price falls to a fraction of the all-time high.
type AllTimeHighDip struct {
	PercentExits
	AllTimeHigh      float64
	DipFraction      float64 // 0.8 buys at 80% of the all-time high
	AllocatedCapital float64
}

func NewAllTimeHighDip(allTimeHigh, dipFraction, capital float64) (*AllTimeHighDip, error) {
	if allTimeHigh <= 0 {
		return nil, fmt.Errorf("all-time high must be positive, got %v", allTimeHigh)
	}
	if dipFraction <= 0 || dipFraction > 1 {
		return nil, fmt.Errorf("dip fraction must be in (0, 1], got %v", dipFraction)
	}
	return &AllTimeHighDip{AllTimeHigh: allTimeHigh, DipFraction: dipFraction, AllocatedCapital: capital}, nil
}

func (s *AllTimeHighDip) Name() string { return "AllTimeHighDip" }

func (s *AllTimeHighDip) EntryPrice(float64) float64 {
	return s.AllTimeHigh * s.DipFraction
}

func (s *AllTimeHighDip) EntryQuantity(entryPrice float64) int64 {
	return CapitalQuantity(s.AllocatedCapital, entryPrice)
}

// FixedEntry buys at a configured price.
type FixedEntry struct {
	PercentExits
	Price            float64
	AllocatedCapital float64
}

func NewFixedEntry(price, capital float64) (*FixedEntry, error) {
	if price <= 0 {
		return nil, fmt.Errorf("entry price must be positive, got %v", price)
	}
	return &FixedEntry{Price: price, AllocatedCapital: capital}, nil
}

func (s *FixedEntry) Name() string { return "FixedEntry" }

func (s *FixedEntry) EntryPrice(float64) float64 { return s.Price }

func (s *FixedEntry) EntryQuantity(entryPrice float64) int64 {
	return CapitalQuantity(s.AllocatedCapital, entryPrice)
}
