package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"go.uber.org/zap"
)

type paperOrder struct {
	req       domain.OrderRequest
	ack       domain.OrderAck
	fee       decimal.Decimal
	pollsLeft int
}

// PaperGateway simulates a cash account. Limit orders fill at their limit
// price, either immediately or after FillAfterPolls status queries.
type PaperGateway struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	feeRate   decimal.Decimal
	positions map[string]int64
	orders    map[string]*paperOrder
	logger    *zap.Logger

	// FillAfterPolls keeps new orders OPEN for that many GetOrderStatus calls.
	FillAfterPolls int
}

func NewPaperGateway(initialCash, feeRate float64, logger *zap.Logger) *PaperGateway {
	return &PaperGateway{
		cash:      decimal.NewFromFloat(initialCash),
		feeRate:   decimal.NewFromFloat(feeRate),
		positions: make(map[string]int64),
		orders:    make(map[string]*paperOrder),
		logger:    logger,
	}
}

func (p *PaperGateway) fee(price float64, quantity int64) decimal.Decimal {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromInt(quantity)).Mul(p.feeRate)
}

func (p *PaperGateway) GetBrokerage(ctx context.Context, side domain.OrderSide, price float64, quantity int64) (float64, error) {
	return p.fee(price, quantity).InexactFloat64(), nil
}

func (p *PaperGateway) GetMargin(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash.InexactFloat64(), nil
}

func (p *PaperGateway) Position(symbol string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[symbol]
}

func (p *PaperGateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	if req.Quantity < 1 || req.Price <= 0 {
		return nil, fmt.Errorf("invalid paper order: qty=%d price=%v", req.Quantity, req.Price)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o := &paperOrder{
		req:       req,
		ack:       domain.OrderAck{OrderID: "paper-" + uuid.NewString(), Status: domain.OrderOpen},
		fee:       p.fee(req.Price, req.Quantity),
		pollsLeft: p.FillAfterPolls,
	}
	p.orders[o.ack.OrderID] = o

	if reason := p.rejectReason(o); reason != "" {
		o.ack.Status = domain.OrderRejected
		o.ack.Message = reason
		p.logger.Warn("Paper order rejected",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("reason", reason))
		ack := o.ack
		return &ack, nil
	}

	if o.pollsLeft == 0 {
		p.fill(o)
	}
	ack := o.ack
	return &ack, nil
}

func (p *PaperGateway) GetOrderStatus(ctx context.Context, orderID string) (*domain.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: paper order %s", domain.ErrOrderNotFound, orderID)
	}
	if o.ack.Status == domain.OrderOpen {
		o.pollsLeft--
		if o.pollsLeft <= 0 {
			if reason := p.rejectReason(o); reason != "" {
				o.ack.Status = domain.OrderCancelled
				o.ack.Message = reason
			} else {
				p.fill(o)
			}
		}
	}
	ack := o.ack
	return &ack, nil
}

// rejectReason checks funds or holdings at fill time. Caller holds mu.
func (p *PaperGateway) rejectReason(o *paperOrder) string {
	value := decimal.NewFromFloat(o.req.Price).Mul(decimal.NewFromInt(o.req.Quantity))
	switch o.req.Side {
	case domain.SideBuy:
		if p.cash.LessThan(value.Add(o.fee)) {
			return fmt.Sprintf("insufficient cash %s for %s", p.cash.StringFixed(2), value.Add(o.fee).StringFixed(2))
		}
	case domain.SideSell:
		if p.positions[o.req.Symbol] < o.req.Quantity {
			return fmt.Sprintf("holding %d, cannot sell %d", p.positions[o.req.Symbol], o.req.Quantity)
		}
	default:
		return fmt.Sprintf("unknown side %q", o.req.Side)
	}
	return ""
}

// fill settles an order at its limit price. Caller holds mu.
func (p *PaperGateway) fill(o *paperOrder) {
	value := decimal.NewFromFloat(o.req.Price).Mul(decimal.NewFromInt(o.req.Quantity))
	if o.req.Side == domain.SideBuy {
		p.cash = p.cash.Sub(value).Sub(o.fee)
		p.positions[o.req.Symbol] += o.req.Quantity
	} else {
		p.cash = p.cash.Add(value).Sub(o.fee)
		p.positions[o.req.Symbol] -= o.req.Quantity
	}
	o.ack.Status = domain.OrderComplete
	o.ack.AveragePrice = o.req.Price

	p.logger.Info("Paper order filled",
		zap.String("order_id", o.ack.OrderID),
		zap.String("symbol", o.req.Symbol),
		zap.String("side", string(o.req.Side)),
		zap.Int64("quantity", o.req.Quantity),
		zap.Float64("price", o.req.Price),
		zap.String("cash", p.cash.StringFixed(2)))
}
