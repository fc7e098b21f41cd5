package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"go.uber.org/zap"
)

// Execution is an order the executor submitted together with its latest
// acknowledgement.
type Execution struct {
	Request domain.OrderRequest
	Ack     domain.OrderAck
	Charges float64
	Reason  domain.ExitReason
}

// TradeExecutor talks to the order gateway on behalf of the engine. It keeps at
// most one order in flight: while an order is open it is polled instead of a new
// one being submitted.
type TradeExecutor struct {
	gateway    domain.OrderGateway
	input      domain.StrategyInput
	defaultFee float64
	logger     *zap.Logger

	mu     sync.Mutex
	active *Execution
}

func NewTradeExecutor(gateway domain.OrderGateway, input domain.StrategyInput, defaultFee float64, logger *zap.Logger) *TradeExecutor {
	return &TradeExecutor{
		gateway:    gateway,
		input:      input,
		defaultFee: defaultFee,
		logger:     logger,
	}
}

// Brokerage returns the fee for a prospective order. A failed lookup degrades
// to the configured default fee.
func (e *TradeExecutor) Brokerage(ctx context.Context, side domain.OrderSide, price float64, quantity int64) float64 {
	fee, err := e.gateway.GetBrokerage(ctx, side, price, quantity)
	if err != nil {
		e.logger.Warn("Brokerage lookup failed, using default fee",
			zap.String("symbol", e.input.Symbol),
			zap.String("side", string(side)),
			zap.Float64("default_fee", e.defaultFee),
			zap.Error(err))
		return e.defaultFee
	}
	return fee
}

func (e *TradeExecutor) Margin(ctx context.Context) (float64, error) {
	margin, err := e.gateway.GetMargin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get margin: %w", err)
	}
	return margin, nil
}

// Active returns the order currently in flight, if any.
func (e *TradeExecutor) Active() *Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	cp := *e.active
	return &cp
}

// OpenOrder describes the order in flight for persistence, or nil.
func (e *TradeExecutor) OpenOrder() *domain.OpenOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	return &domain.OpenOrder{
		OrderID:       e.active.Ack.OrderID,
		ClientOrderID: e.active.Request.ClientOrderID,
		Side:          e.active.Request.Side,
		Price:         e.active.Request.Price,
		Quantity:      e.active.Request.Quantity,
		Charges:       e.active.Charges,
		Reason:        e.active.Reason,
	}
}

// Restore adopts an order submitted by an earlier process. It is polled on
// the next evaluation before anything new may be placed.
func (e *TradeExecutor) Restore(order domain.OpenOrder) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return fmt.Errorf("order %s already open", e.active.Ack.OrderID)
	}
	if order.OrderID == "" {
		return fmt.Errorf("cannot restore an order without an id")
	}
	e.active = &Execution{
		Request: domain.OrderRequest{
			ClientOrderID: order.ClientOrderID,
			Symbol:        e.input.Symbol,
			Exchange:      e.input.Exchange,
			Side:          order.Side,
			Price:         order.Price,
			Quantity:      order.Quantity,
			ProductType:   e.input.ProductType,
			OrderType:     e.input.OrderType,
		},
		Ack:     domain.OrderAck{OrderID: order.OrderID, Status: domain.OrderOpen},
		Charges: order.Charges,
		Reason:  order.Reason,
	}
	e.logger.Info("Restored open order",
		zap.String("symbol", e.input.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("order_id", order.OrderID))
	return nil
}

// Place submits a new limit order. It refuses while another order is open.
func (e *TradeExecutor) Place(ctx context.Context, side domain.OrderSide, price float64, quantity int64, charges float64, reason domain.ExitReason) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return nil, fmt.Errorf("order %s already open", e.active.Ack.OrderID)
	}
	if quantity < 1 {
		return nil, fmt.Errorf("invalid quantity: %d", quantity)
	}

	req := domain.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        e.input.Symbol,
		Exchange:      e.input.Exchange,
		Side:          side,
		Price:         price,
		Quantity:      quantity,
		ProductType:   e.input.ProductType,
		OrderType:     e.input.OrderType,
	}

	ack, err := e.gateway.SubmitOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit %s order: %w", side, err)
	}
	if ack == nil || ack.OrderID == "" {
		return nil, fmt.Errorf("gateway returned no order id for %s order", side)
	}

	exec := &Execution{Request: req, Ack: *ack, Charges: charges, Reason: reason}
	e.track(exec)

	e.logger.Info("Order submitted",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.Int64("quantity", quantity),
		zap.String("order_id", ack.OrderID),
		zap.String("status", string(ack.Status)))

	return exec, nil
}

// Poll refreshes the status of the order in flight.
func (e *TradeExecutor) Poll(ctx context.Context) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil {
		return nil, fmt.Errorf("no open order to poll")
	}

	ack, err := e.gateway.GetOrderStatus(ctx, e.active.Ack.OrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		e.logger.Warn("Open order unknown to gateway, dropping it",
			zap.String("symbol", e.input.Symbol),
			zap.String("order_id", e.active.Ack.OrderID))
		ack, err = &domain.OrderAck{
			OrderID: e.active.Ack.OrderID,
			Status:  domain.OrderCancelled,
			Message: "order not found at gateway",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status of order %s: %w", e.active.Ack.OrderID, err)
	}
	if ack == nil {
		return nil, fmt.Errorf("gateway returned no status for order %s", e.active.Ack.OrderID)
	}

	exec := *e.active
	exec.Ack = *ack
	if exec.Ack.OrderID == "" {
		exec.Ack.OrderID = e.active.Ack.OrderID
	}
	e.track(&exec)
	return &exec, nil
}

// track keeps OPEN orders and forgets terminal ones. Caller holds mu.
func (e *TradeExecutor) track(exec *Execution) {
	if exec.Ack.Status == domain.OrderOpen {
		cp := *exec
		e.active = &cp
		return
	}
	e.active = nil
}
