package domain

import "context"

// PriceSource returns the last traded price of a symbol.
// Replay sources return ErrPriceExhausted once their data runs out.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// OrderGateway submits and queries orders against a broker.
type OrderGateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderAck, error)
	GetMargin(ctx context.Context) (float64, error)
	GetBrokerage(ctx context.Context, side OrderSide, price float64, quantity int64) (float64, error)
}

// StateRepository persists one ManagerState per storage slot.
// LoadState returns (nil, nil) when nothing was saved yet.
type StateRepository interface {
	LoadState(ctx context.Context, key string) (*PersistedState, error)
	SaveState(ctx context.Context, state *PersistedState) error
}

// RecordSink is the durable target of the result log. A batch is appended
// entirely or not at all.
type RecordSink interface {
	AppendRecords(ctx context.Context, records []LogRecord) error
}

// TradeRepository defines storage operations for closed round trips.
type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *TradeRecord) error
	ListTrades(ctx context.Context, limit int) ([]*TradeRecord, error)
}

// RecordReader reads back the result log of one run, oldest first.
type RecordReader interface {
	ListRecords(ctx context.Context, id RunIdentity, limit int) ([]LogRecord, error)
}
