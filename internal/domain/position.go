package domain

import "time"

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderComplete  OrderStatus = "COMPLETE"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// OrderRequest is a limit order sent to the gateway.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Exchange      string
	Side          OrderSide
	Price         float64
	Quantity      int64
	ProductType   string
	OrderType     string
}

// OrderAck is the gateway's view of an order.
type OrderAck struct {
	OrderID      string
	Status       OrderStatus
	AveragePrice float64 // 0 when the gateway does not report fills
	Message      string
}

// OpenOrder is an order the gateway accepted but has not filled yet. It is
// persisted with the state so a restarted run polls it instead of submitting
// a second one.
type OpenOrder struct {
	OrderID       string     `json:"order_id"`
	ClientOrderID string     `json:"client_order_id,omitempty"`
	Side          OrderSide  `json:"side"`
	Price         float64    `json:"price"`
	Quantity      int64      `json:"quantity"`
	Charges       float64    `json:"charges"`
	Reason        ExitReason `json:"reason,omitempty"`
}

// TradeRecord is a closed round trip.
type TradeRecord struct {
	ID           int64      `json:"id"`
	TradeID      string     `json:"trade_id"`
	StrategyName string     `json:"strategy_name"`
	RunMode      RunMode    `json:"run_mode"`
	Exchange     string     `json:"exchange"`
	Symbol       string     `json:"symbol"`
	Quantity     int64      `json:"quantity"`
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    float64    `json:"exit_price"`
	StopLoss     float64    `json:"stop_loss"`
	TakeProfit   float64    `json:"take_profit"`
	Charges      float64    `json:"charges"`
	RealizedPnL  float64    `json:"realized_pnl"`
	Reason       ExitReason `json:"reason"`
	EntryOrderID string     `json:"entry_order_id"`
	ExitOrderID  string     `json:"exit_order_id"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     time.Time  `json:"closed_at"`
}
