package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type TradeStatus string

const (
	TradeStatusNotTriggered TradeStatus = "NOT_TRIGGERED"
	TradeStatusHolding      TradeStatus = "HOLDING"
)

type TradeAction string

const (
	ActionBuy      TradeAction = "BUY"
	ActionSell     TradeAction = "SELL"
	ActionHold     TradeAction = "HOLD"
	ActionNoAction TradeAction = "NO_ACTION"
)

type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailure ExecutionStatus = "FAILURE"
	ExecutionPending ExecutionStatus = "PENDING"
)

// ExitReason tells which boundary closed a position.
type ExitReason string

const (
	ExitProfit ExitReason = "PROFIT"
	ExitLoss   ExitReason = "LOSS"
)

type RunMode string

const (
	RunModeLive       RunMode = "LIVE"
	RunModeReplay     RunMode = "REPLAY"
	RunModeSimulation RunMode = "SIMULATION"
)

func (m RunMode) Valid() bool {
	switch m {
	case RunModeLive, RunModeReplay, RunModeSimulation:
		return true
	}
	return false
}

type FrequencyMode string

const (
	FrequencyConstant FrequencyMode = "CONSTANT"
	FrequencyDynamic  FrequencyMode = "DYNAMIC"
)

// LogPolicy selects which ticks produce a result record.
type LogPolicy string

const (
	LogEveryTick LogPolicy = "EVERY_TICK"
	LogOnChange  LogPolicy = "ON_CHANGE"
)

// StrategyInput identifies what is traded. Fixed for the lifetime of a run.
type StrategyInput struct {
	Symbol      string `json:"symbol" yaml:"symbol"`
	Exchange    string `json:"exchange" yaml:"exchange"`
	ProductType string `json:"product_type" yaml:"product_type"`
	OrderType   string `json:"order_type" yaml:"order_type"`
}

// StrategyParams are fractions of the reference price (0.04 is 4%).
type StrategyParams struct {
	TargetPct    float64 `json:"target_pct" yaml:"target_pct"`
	StopLossPct  float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TolerancePct float64 `json:"tolerance_pct" yaml:"tolerance_pct"`
}

func (p StrategyParams) Validate() error {
	for name, v := range map[string]float64{
		"target_pct":    p.TargetPct,
		"stop_loss_pct": p.StopLossPct,
		"tolerance_pct": p.TolerancePct,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("invalid %s: %v", name, v)
		}
	}
	if p.StopLossPct >= 1 {
		return fmt.Errorf("invalid stop_loss_pct: %v must be below 1", p.StopLossPct)
	}
	return nil
}

// ManagerState is the system-of-record for one run. Only the scheduler writes it.
type ManagerState struct {
	LastPrice            float64     `json:"last_price"`
	TradeStatus          TradeStatus `json:"trade_status"`
	HoldingQuantity      int64       `json:"holding_quantity"`
	EntryPrice           float64     `json:"entry_price"`
	TargetPriceAtEntry   float64     `json:"target_price_at_entry"`
	StopLossPriceAtEntry float64     `json:"stop_loss_price_at_entry"`
	EntryOrderID         string      `json:"entry_order_id,omitempty"`
	EntryCharges         float64     `json:"entry_charges"`
	EntryTime            time.Time   `json:"entry_time"`
	Timestamp            time.Time   `json:"timestamp"`
	CooldownActive       bool        `json:"cooldown_active"`
	CooldownStartedAt    time.Time   `json:"cooldown_started_at"`
	OpenOrder            *OpenOrder  `json:"open_order,omitempty"`
}

func FreshState() ManagerState {
	return ManagerState{TradeStatus: TradeStatusNotTriggered}
}

func (s ManagerState) Validate() error {
	switch s.TradeStatus {
	case TradeStatusNotTriggered:
		if s.HoldingQuantity != 0 {
			return fmt.Errorf("holding quantity %d while %s", s.HoldingQuantity, s.TradeStatus)
		}
		if s.TargetPriceAtEntry != 0 || s.StopLossPriceAtEntry != 0 {
			return fmt.Errorf("entry boundaries set while %s", s.TradeStatus)
		}
	case TradeStatusHolding:
		if s.HoldingQuantity <= 0 {
			return fmt.Errorf("holding quantity %d while %s", s.HoldingQuantity, s.TradeStatus)
		}
		if s.EntryPrice <= 0 || s.TargetPriceAtEntry <= 0 || s.StopLossPriceAtEntry <= 0 {
			return fmt.Errorf("entry boundaries missing while %s", s.TradeStatus)
		}
	default:
		return fmt.Errorf("unknown trade status %q", s.TradeStatus)
	}
	if s.HoldingQuantity < 0 {
		return fmt.Errorf("negative holding quantity %d", s.HoldingQuantity)
	}
	if o := s.OpenOrder; o != nil {
		want := SideBuy
		if s.TradeStatus == TradeStatusHolding {
			want = SideSell
		}
		switch {
		case o.OrderID == "":
			return fmt.Errorf("open order without an id")
		case o.Side != want:
			return fmt.Errorf("open %s order %s while %s", o.Side, o.OrderID, s.TradeStatus)
		case o.Quantity <= 0:
			return fmt.Errorf("open order %s with quantity %d", o.OrderID, o.Quantity)
		}
	}
	return nil
}

// Decision is the outcome of one evaluation. It is discarded after it is logged.
type Decision struct {
	Action          TradeAction     `json:"action"`
	Quantity        int64           `json:"quantity"`
	Price           float64         `json:"price"`
	OrderID         string          `json:"order_id,omitempty"`
	Charges         float64         `json:"charges"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	ExitReason      ExitReason      `json:"exit_reason,omitempty"`
	Info            string          `json:"info"`
	// Retryable marks failures that put the scheduler into error cooldown.
	// Non-retryable failures are recorded and the loop keeps its normal cadence.
	Retryable bool `json:"retryable"`
}

// RunIdentity decides whether persisted state may be reused.
type RunIdentity struct {
	StrategyName string  `json:"strategy_name"`
	Symbol       string  `json:"symbol"`
	RunMode      RunMode `json:"run_mode"`
	Venue        string  `json:"venue"`
}

// StateKey is the storage slot of a run: one per (strategy, symbol, mode, venue).
func (id RunIdentity) StateKey() string {
	return strings.Join([]string{id.StrategyName, id.Symbol, strings.ToLower(string(id.RunMode)), id.Venue}, "_")
}

func (id RunIdentity) Compatible(other RunIdentity) bool {
	return id.StrategyName == other.StrategyName &&
		id.Symbol == other.Symbol &&
		id.RunMode == other.RunMode &&
		id.Venue == other.Venue
}

func (id RunIdentity) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", id.StrategyName, id.Symbol, id.RunMode, id.Venue)
}

type PersistedState struct {
	Identity RunIdentity  `json:"identity"`
	State    ManagerState `json:"state"`
	SavedAt  time.Time    `json:"saved_at"`
}

// LogRecord is a flattened snapshot taken when a tick is committed.
type LogRecord struct {
	Timestamp       time.Time       `json:"timestamp"`
	StrategyName    string          `json:"strategy_name"`
	RunMode         RunMode         `json:"run_mode"`
	Symbol          string          `json:"trading_symbol"`
	Exchange        string          `json:"exchange"`
	ProductType     string          `json:"product_type,omitempty"`
	OrderType       string          `json:"order_type,omitempty"`
	Action          TradeAction     `json:"trade_action"`
	Quantity        int64           `json:"quantity"`
	Price           float64         `json:"price"`
	OrderID         string          `json:"order_id,omitempty"`
	Charges         float64         `json:"trade_charges"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	ExitReason      ExitReason      `json:"exit_reason,omitempty"`
	Info            string          `json:"information"`
	LastPrice       float64         `json:"ltp"`
	TradeStatus     TradeStatus     `json:"trade_status"`
	HoldingQuantity int64           `json:"holding_quantity"`
	EntryPrice      float64         `json:"entry_price"`
	TargetPrice     float64         `json:"target_price_at_entry"`
	StopLossPrice   float64         `json:"stop_loss_price_at_entry"`
}

func NewLogRecord(ts time.Time, id RunIdentity, in StrategyInput, d Decision, s ManagerState, ltp float64) LogRecord {
	return LogRecord{
		Timestamp:       ts,
		StrategyName:    id.StrategyName,
		RunMode:         id.RunMode,
		Symbol:          in.Symbol,
		Exchange:        in.Exchange,
		ProductType:     in.ProductType,
		OrderType:       in.OrderType,
		Action:          d.Action,
		Quantity:        d.Quantity,
		Price:           d.Price,
		OrderID:         d.OrderID,
		Charges:         d.Charges,
		ExecutionStatus: d.ExecutionStatus,
		ExitReason:      d.ExitReason,
		Info:            d.Info,
		LastPrice:       ltp,
		TradeStatus:     s.TradeStatus,
		HoldingQuantity: s.HoldingQuantity,
		EntryPrice:      s.EntryPrice,
		TargetPrice:     s.TargetPriceAtEntry,
		StopLossPrice:   s.StopLossPriceAtEntry,
	}
}
