package usecase

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"go.uber.org/zap"
)

// RoundTrip pairs a successful BUY with the SELL that closed it.
type RoundTrip struct {
	EntryTime  time.Time         `json:"entry_time"`
	ExitTime   time.Time         `json:"exit_time"`
	Quantity   int64             `json:"quantity"`
	EntryPrice float64           `json:"entry_price"`
	ExitPrice  float64           `json:"exit_price"`
	Charges    float64           `json:"charges"`
	PnL        float64           `json:"pnl"`
	Reason     domain.ExitReason `json:"reason"`
}

type RunAnalysis struct {
	StrategyName string         `json:"strategy_name"`
	Symbol       string         `json:"symbol"`
	RunMode      domain.RunMode `json:"run_mode"`
	From         time.Time      `json:"from"`
	To           time.Time      `json:"to"`

	Records  int `json:"records"`
	Buys     int `json:"buys"`
	Sells    int `json:"sells"`
	Failures int `json:"failures"`

	RoundTrips   []RoundTrip `json:"round_trips"`
	Wins         int         `json:"wins"`
	Losses       int         `json:"losses"`
	WinRate      float64     `json:"win_rate"`
	RealizedPnL  float64     `json:"realized_pnl"`
	TotalCharges float64     `json:"total_charges"`

	// Open position left at the end of the log, if any.
	OpenQuantity   int64   `json:"open_quantity"`
	OpenEntryPrice float64 `json:"open_entry_price"`

	FirstPrice     float64 `json:"first_price"`
	LastPrice      float64 `json:"last_price"`
	MinPrice       float64 `json:"min_price"`
	MaxPrice       float64 `json:"max_price"`
	PriceChangePct float64 `json:"price_change_pct"`
}

type ResultAnalyzerService struct {
	logger *zap.Logger
}

func NewResultAnalyzerService(logger *zap.Logger) *ResultAnalyzerService {
	return &ResultAnalyzerService{logger: logger}
}

type runKey struct {
	strategy string
	symbol   string
	mode     domain.RunMode
}

// Analyze groups records by run and replays them in timestamp order.
func (s *ResultAnalyzerService) Analyze(records []domain.LogRecord) []RunAnalysis {
	groups := make(map[runKey][]domain.LogRecord)
	for _, r := range records {
		k := runKey{strategy: r.StrategyName, symbol: r.Symbol, mode: r.RunMode}
		groups[k] = append(groups[k], r)
	}

	results := make([]RunAnalysis, 0, len(groups))
	for k, recs := range groups {
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
		results = append(results, s.analyzeRun(k, recs))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].StrategyName != results[j].StrategyName {
			return results[i].StrategyName < results[j].StrategyName
		}
		if results[i].Symbol != results[j].Symbol {
			return results[i].Symbol < results[j].Symbol
		}
		return results[i].RunMode < results[j].RunMode
	})
	return results
}

func (s *ResultAnalyzerService) analyzeRun(k runKey, recs []domain.LogRecord) RunAnalysis {
	a := RunAnalysis{
		StrategyName: k.strategy,
		Symbol:       k.symbol,
		RunMode:      k.mode,
		Records:      len(recs),
		RoundTrips:   []RoundTrip{},
	}
	if len(recs) == 0 {
		return a
	}
	a.From = recs[0].Timestamp
	a.To = recs[len(recs)-1].Timestamp

	pnl := decimal.Zero
	charges := decimal.Zero
	var open *domain.LogRecord

	for i := range recs {
		r := recs[i]
		if r.LastPrice > 0 {
			if a.FirstPrice == 0 {
				a.FirstPrice = r.LastPrice
				a.MinPrice = r.LastPrice
				a.MaxPrice = r.LastPrice
			}
			a.LastPrice = r.LastPrice
			if r.LastPrice < a.MinPrice {
				a.MinPrice = r.LastPrice
			}
			if r.LastPrice > a.MaxPrice {
				a.MaxPrice = r.LastPrice
			}
		}

		if r.ExecutionStatus != domain.ExecutionSuccess {
			a.Failures++
			continue
		}
		switch r.Action {
		case domain.ActionBuy:
			a.Buys++
			open = &recs[i]
			charges = charges.Add(decimal.NewFromFloat(r.Charges))
		case domain.ActionSell:
			a.Sells++
			charges = charges.Add(decimal.NewFromFloat(r.Charges))
			if open == nil {
				s.logger.Warn("SELL without a matching BUY in log",
					zap.String("symbol", r.Symbol),
					zap.Time("timestamp", r.Timestamp))
				continue
			}
			trip := roundTrip(*open, r)
			a.RoundTrips = append(a.RoundTrips, trip)
			pnl = pnl.Add(decimal.NewFromFloat(trip.PnL))
			if trip.PnL > 0 {
				a.Wins++
			} else {
				a.Losses++
			}
			open = nil
		}
	}

	if open != nil {
		a.OpenQuantity = open.Quantity
		a.OpenEntryPrice = open.Price
	}
	if n := len(a.RoundTrips); n > 0 {
		a.WinRate = float64(a.Wins) / float64(n)
	}
	a.RealizedPnL = pnl.Round(8).InexactFloat64()
	a.TotalCharges = charges.Round(8).InexactFloat64()
	if a.FirstPrice > 0 {
		a.PriceChangePct = decimal.NewFromFloat(a.LastPrice).
			Sub(decimal.NewFromFloat(a.FirstPrice)).
			Div(decimal.NewFromFloat(a.FirstPrice)).
			Mul(decimal.NewFromInt(100)).
			Round(4).InexactFloat64()
	}
	return a
}

func roundTrip(buy, sell domain.LogRecord) RoundTrip {
	qty := decimal.NewFromInt(sell.Quantity)
	fees := decimal.NewFromFloat(buy.Charges).Add(decimal.NewFromFloat(sell.Charges))
	pnl := decimal.NewFromFloat(sell.Price).
		Sub(decimal.NewFromFloat(buy.Price)).
		Mul(qty).
		Sub(fees)
	return RoundTrip{
		EntryTime:  buy.Timestamp,
		ExitTime:   sell.Timestamp,
		Quantity:   sell.Quantity,
		EntryPrice: buy.Price,
		ExitPrice:  sell.Price,
		Charges:    fees.InexactFloat64(),
		PnL:        pnl.Round(8).InexactFloat64(),
		Reason:     sell.ExitReason,
	}
}
