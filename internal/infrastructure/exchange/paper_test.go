package exchange_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

func order(side domain.OrderSide, price float64, qty int64) domain.OrderRequest {
	return domain.OrderRequest{ClientOrderID: "c1", Symbol: "BTCUSDT", Exchange: "paper", Side: side, Price: price, Quantity: qty}
}

func TestPaperGateway_RoundTripSettlesCash(t *testing.T) {
	gw := exchange.NewPaperGateway(10000, 0.001, zap.NewNop())
	ctx := context.Background()

	fee, err := gw.GetBrokerage(ctx, domain.SideBuy, 800, 10)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, fee, 1e-9)

	ack, err := gw.SubmitOrder(ctx, order(domain.SideBuy, 800, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderComplete, ack.Status)
	assert.Equal(t, 800.0, ack.AveragePrice)
	assert.Equal(t, int64(10), gw.Position("BTCUSDT"))

	cash, err := gw.GetMargin(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000-8000-8, cash, 1e-9)

	ack, err = gw.SubmitOrder(ctx, order(domain.SideSell, 832, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderComplete, ack.Status)
	assert.Equal(t, int64(0), gw.Position("BTCUSDT"))

	cash, err = gw.GetMargin(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1992+8320-8.32, cash, 1e-9)
}

func TestPaperGateway_Rejections(t *testing.T) {
	gw := exchange.NewPaperGateway(100, 0, zap.NewNop())
	ctx := context.Background()

	ack, err := gw.SubmitOrder(ctx, order(domain.SideBuy, 800, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, ack.Status)
	assert.Contains(t, ack.Message, "insufficient cash")

	ack, err = gw.SubmitOrder(ctx, order(domain.SideSell, 800, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, ack.Status)

	_, err = gw.SubmitOrder(ctx, order(domain.SideBuy, 800, 0))
	assert.Error(t, err)

	_, err = gw.GetOrderStatus(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestPaperGateway_FillAfterPolls(t *testing.T) {
	gw := exchange.NewPaperGateway(10000, 0, zap.NewNop())
	gw.FillAfterPolls = 2
	ctx := context.Background()

	ack, err := gw.SubmitOrder(ctx, order(domain.SideBuy, 800, 5))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, ack.Status)
	assert.Equal(t, int64(0), gw.Position("BTCUSDT"))

	polled, err := gw.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, polled.Status)

	polled, err = gw.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderComplete, polled.Status)
	assert.Equal(t, int64(5), gw.Position("BTCUSDT"))

	polled, err = gw.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderComplete, polled.Status, "a filled order stays filled")
	assert.Equal(t, int64(5), gw.Position("BTCUSDT"))
}
