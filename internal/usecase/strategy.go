package usecase

import (
	"context"
	"fmt"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"go.uber.org/zap"
)

// ParamsFunc recomputes strategy parameters for a tick.
type ParamsFunc func(ltp float64, state domain.ManagerState) domain.StrategyParams

func StaticParams(p domain.StrategyParams) ParamsFunc {
	return func(float64, domain.ManagerState) domain.StrategyParams { return p }
}

// Engine runs the NOT_TRIGGERED <-> HOLDING state machine of a single position.
// It never mutates the state it is given; it proposes the next one.
type Engine struct {
	strategy Strategy
	executor *TradeExecutor
	params   ParamsFunc
	logger   *zap.Logger
}

func NewEngine(strategy Strategy, executor *TradeExecutor, params ParamsFunc, logger *zap.Logger) *Engine {
	return &Engine{
		strategy: strategy,
		executor: executor,
		params:   params,
		logger:   logger,
	}
}

func (e *Engine) StrategyName() string {
	return e.strategy.Name()
}

// OpenOrder is the order awaiting a fill, if any.
func (e *Engine) OpenOrder() *domain.OpenOrder {
	return e.executor.OpenOrder()
}

// RestoreOrder hands a persisted open order back to the executor.
func (e *Engine) RestoreOrder(order domain.OpenOrder) error {
	return e.executor.Restore(order)
}

// EntryThreshold is the price below which a BUY fires.
func (e *Engine) EntryThreshold(ltp float64, state domain.ManagerState) float64 {
	params := e.params(ltp, state)
	return e.strategy.EntryPrice(ltp) * (1 + params.TolerancePct)
}

// Evaluate decides what to do at price ltp and returns the decision together
// with the state that should be committed if the decision validates.
func (e *Engine) Evaluate(ctx context.Context, ltp float64, state domain.ManagerState) (domain.Decision, domain.ManagerState, error) {
	switch state.TradeStatus {
	case domain.TradeStatusNotTriggered:
		return e.Buy(ctx, ltp, state)
	case domain.TradeStatusHolding:
		return e.Sell(ctx, ltp, state)
	}
	return domain.Decision{}, state, fmt.Errorf("%w: unknown trade status %q", domain.ErrIllegalTransition, state.TradeStatus)
}

// Buy evaluates the entry side. Calling it while HOLDING is a contract violation.
func (e *Engine) Buy(ctx context.Context, ltp float64, state domain.ManagerState) (domain.Decision, domain.ManagerState, error) {
	if state.TradeStatus != domain.TradeStatusNotTriggered {
		return domain.Decision{}, state, fmt.Errorf("%w: BUY evaluated while %s", domain.ErrIllegalTransition, state.TradeStatus)
	}
	params := e.params(ltp, state)

	if active := e.executor.Active(); active != nil {
		if active.Request.Side != domain.SideBuy {
			return domain.Decision{}, state, fmt.Errorf("%w: open %s order %s while %s",
				domain.ErrIllegalTransition, active.Request.Side, active.Ack.OrderID, state.TradeStatus)
		}
		exec, err := e.executor.Poll(ctx)
		return e.buyOutcome(exec, err, active, state, params)
	}

	entry := e.strategy.EntryPrice(ltp)
	threshold := entry * (1 + params.TolerancePct)
	if !(ltp < threshold) {
		return domain.Decision{
			Action:          domain.ActionNoAction,
			ExecutionStatus: domain.ExecutionSuccess,
			Info:            fmt.Sprintf("ltp %.4f not below entry threshold %.4f", ltp, threshold),
		}, state, nil
	}

	quantity := e.strategy.EntryQuantity(entry)
	if quantity < 1 {
		return domain.Decision{
			Action:          domain.ActionNoAction,
			Price:           entry,
			ExecutionStatus: domain.ExecutionSuccess,
			Info:            fmt.Sprintf("buy signal at ltp %.4f but quantity %d for entry %.4f is below 1", ltp, quantity, entry),
		}, state, nil
	}

	fees := e.executor.Brokerage(ctx, domain.SideBuy, entry, quantity)
	value := entry * float64(quantity)

	margin, err := e.executor.Margin(ctx)
	if err != nil {
		return domain.Decision{
			Action:          domain.ActionBuy,
			Quantity:        quantity,
			Price:           entry,
			Charges:         fees,
			ExecutionStatus: domain.ExecutionFailure,
			Info:            err.Error(),
			Retryable:       true,
		}, state, nil
	}
	if margin < value+fees {
		return domain.Decision{
			Action:          domain.ActionNoAction,
			Quantity:        quantity,
			Price:           entry,
			Charges:         fees,
			ExecutionStatus: domain.ExecutionFailure,
			Info:            fmt.Sprintf("insufficient margin: available %.2f, required %.2f", margin, value+fees),
		}, state, nil
	}

	exec, err := e.executor.Place(ctx, domain.SideBuy, entry, quantity, fees, "")
	pending := &Execution{
		Request: domain.OrderRequest{Side: domain.SideBuy, Price: entry, Quantity: quantity},
		Charges: fees,
	}
	return e.buyOutcome(exec, err, pending, state, params)
}

func (e *Engine) buyOutcome(exec *Execution, err error, fallback *Execution, state domain.ManagerState, params domain.StrategyParams) (domain.Decision, domain.ManagerState, error) {
	if err != nil {
		return domain.Decision{
			Action:          domain.ActionBuy,
			Quantity:        fallback.Request.Quantity,
			Price:           fallback.Request.Price,
			OrderID:         fallback.Ack.OrderID,
			Charges:         fallback.Charges,
			ExecutionStatus: domain.ExecutionFailure,
			Info:            fmt.Sprintf("buy order failed: %v", err),
			Retryable:       true,
		}, state, nil
	}

	d := domain.Decision{
		Action:   domain.ActionBuy,
		Quantity: exec.Request.Quantity,
		Price:    exec.Request.Price,
		OrderID:  exec.Ack.OrderID,
		Charges:  exec.Charges,
	}

	switch exec.Ack.Status {
	case domain.OrderComplete:
		entry := exec.Request.Price
		if exec.Ack.AveragePrice > 0 {
			entry = exec.Ack.AveragePrice
		}
		next := state
		next.TradeStatus = domain.TradeStatusHolding
		next.HoldingQuantity = exec.Request.Quantity
		next.EntryPrice = entry
		next.TargetPriceAtEntry = e.strategy.TargetPrice(entry, params)
		next.StopLossPriceAtEntry = e.strategy.StopLossPrice(entry, params)
		next.EntryOrderID = exec.Ack.OrderID
		next.EntryCharges = exec.Charges

		d.Price = entry
		d.ExecutionStatus = domain.ExecutionSuccess
		d.Info = fmt.Sprintf("buy order %s executed at %.4f, target %.4f, stop loss %.4f",
			exec.Ack.OrderID, entry, next.TargetPriceAtEntry, next.StopLossPriceAtEntry)
		return d, next, nil

	case domain.OrderOpen:
		d.ExecutionStatus = domain.ExecutionPending
		d.Info = fmt.Sprintf("buy order %s is open and waiting for execution", exec.Ack.OrderID)
		d.Retryable = true
		return d, state, nil
	}

	d.ExecutionStatus = domain.ExecutionFailure
	d.Info = fmt.Sprintf("buy order %s ended with status %q %s", exec.Ack.OrderID, exec.Ack.Status, exec.Ack.Message)
	d.Retryable = true
	return d, state, nil
}

// Sell evaluates the exit side against the boundaries frozen at entry.
// Calling it while NOT_TRIGGERED is a contract violation.
func (e *Engine) Sell(ctx context.Context, ltp float64, state domain.ManagerState) (domain.Decision, domain.ManagerState, error) {
	if state.TradeStatus != domain.TradeStatusHolding {
		return domain.Decision{}, state, fmt.Errorf("%w: SELL evaluated while %s", domain.ErrIllegalTransition, state.TradeStatus)
	}
	params := e.params(ltp, state)

	if active := e.executor.Active(); active != nil {
		if active.Request.Side != domain.SideSell {
			return domain.Decision{}, state, fmt.Errorf("%w: open %s order %s while %s",
				domain.ErrIllegalTransition, active.Request.Side, active.Ack.OrderID, state.TradeStatus)
		}
		exec, err := e.executor.Poll(ctx)
		return e.sellOutcome(exec, err, active, state)
	}

	target, stop := state.TargetPriceAtEntry, state.StopLossPriceAtEntry
	var price float64
	var reason domain.ExitReason
	switch {
	case ltp >= target*(1-params.TolerancePct):
		price, reason = target, domain.ExitProfit
	case ltp <= stop*(1+params.TolerancePct):
		price, reason = stop, domain.ExitLoss
	default:
		return domain.Decision{
			Action:          domain.ActionHold,
			Quantity:        state.HoldingQuantity,
			ExecutionStatus: domain.ExecutionSuccess,
			Info:            fmt.Sprintf("holding %d, ltp %.4f between stop loss %.4f and target %.4f", state.HoldingQuantity, ltp, stop, target),
		}, state, nil
	}

	quantity := state.HoldingQuantity
	fees := e.executor.Brokerage(ctx, domain.SideSell, price, quantity)
	exec, err := e.executor.Place(ctx, domain.SideSell, price, quantity, fees, reason)
	pending := &Execution{
		Request: domain.OrderRequest{Side: domain.SideSell, Price: price, Quantity: quantity},
		Charges: fees,
		Reason:  reason,
	}
	return e.sellOutcome(exec, err, pending, state)
}

func (e *Engine) sellOutcome(exec *Execution, err error, fallback *Execution, state domain.ManagerState) (domain.Decision, domain.ManagerState, error) {
	if err != nil {
		return domain.Decision{
			Action:          domain.ActionSell,
			Quantity:        fallback.Request.Quantity,
			Price:           fallback.Request.Price,
			OrderID:         fallback.Ack.OrderID,
			Charges:         fallback.Charges,
			ExitReason:      fallback.Reason,
			ExecutionStatus: domain.ExecutionFailure,
			Info:            fmt.Sprintf("sell order failed: %v", err),
			Retryable:       true,
		}, state, nil
	}

	d := domain.Decision{
		Action:     domain.ActionSell,
		Quantity:   exec.Request.Quantity,
		Price:      exec.Request.Price,
		OrderID:    exec.Ack.OrderID,
		Charges:    exec.Charges,
		ExitReason: exec.Reason,
	}

	switch exec.Ack.Status {
	case domain.OrderComplete:
		if exec.Ack.AveragePrice > 0 {
			d.Price = exec.Ack.AveragePrice
		}
		next := state
		next.TradeStatus = domain.TradeStatusNotTriggered
		next.HoldingQuantity = 0
		next.EntryPrice = 0
		next.TargetPriceAtEntry = 0
		next.StopLossPriceAtEntry = 0
		next.EntryOrderID = ""
		next.EntryCharges = 0

		d.ExecutionStatus = domain.ExecutionSuccess
		d.Info = fmt.Sprintf("%s exit: sell order %s executed at %.4f", exec.Reason, exec.Ack.OrderID, d.Price)
		return d, next, nil

	case domain.OrderOpen:
		d.ExecutionStatus = domain.ExecutionPending
		d.Info = fmt.Sprintf("sell order %s is open and waiting for execution", exec.Ack.OrderID)
		d.Retryable = true
		return d, state, nil
	}

	d.ExecutionStatus = domain.ExecutionFailure
	d.Info = fmt.Sprintf("sell order %s ended with status %q %s", exec.Ack.OrderID, exec.Ack.Status, exec.Ack.Message)
	d.Retryable = true
	return d, state, nil
}
