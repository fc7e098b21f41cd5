package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"github.com/vitos/ltp_strategy_bot/internal/usecase"
	"go.uber.org/zap"
)

var replayStart = time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)

func baseSchedulerConfig() usecase.SchedulerConfig {
	return usecase.SchedulerConfig{
		Identity: domain.RunIdentity{
			StrategyName: "FixedEntry",
			Symbol:       "BTCUSDT",
			RunMode:      domain.RunModeReplay,
			Venue:        "bybit",
		},
		Input:             testInput,
		FrequencyMode:     domain.FrequencyConstant,
		ConstantFrequency: 60,
		ErrorCooldown:     7 * time.Minute,
		LogPolicy:         domain.LogEveryTick,
	}
}

type schedulerFixture struct {
	scheduler *usecase.Scheduler
	clock     *usecase.ReplayClock
	gateway   *MockGateway
	prices    *MockPriceSource
	repo      *MemoryStateRepo
	sink      *MemorySink
	trades    *MemoryTrades
}

func newSchedulerFixture(t *testing.T, cfg usecase.SchedulerConfig, gw *MockGateway, prices *MockPriceSource, repo *MemoryStateRepo) *schedulerFixture {
	t.Helper()
	if repo == nil {
		repo = NewMemoryStateRepo()
	}
	params := domain.StrategyParams{TargetPct: 0.04, StopLossPct: 0.02, TolerancePct: 0.001}
	engine := newTestEngine(t, gw, 800, 8000, params)

	sink := &MemorySink{}
	results, err := usecase.NewBatchedResultLog(sink, 100, time.Hour, zap.NewNop())
	require.NoError(t, err)

	clock := usecase.NewReplayClock(replayStart)
	s, err := usecase.NewScheduler(cfg, engine, prices, repo, results, clock, clock, zap.NewNop())
	require.NoError(t, err)

	trades := &MemoryTrades{}
	s.SetTradeRepository(trades)

	return &schedulerFixture{
		scheduler: s,
		clock:     clock,
		gateway:   gw,
		prices:    prices,
		repo:      repo,
		sink:      sink,
		trades:    trades,
	}
}

func actions(records []domain.LogRecord) []domain.TradeAction {
	out := make([]domain.TradeAction, len(records))
	for i, r := range records {
		out[i] = r.Action
	}
	return out
}

func TestScheduler_BuyFiresOnThirdTick(t *testing.T) {
	f := newSchedulerFixture(t, baseSchedulerConfig(),
		&MockGateway{Margin: 1e6, Fee: 1},
		&MockPriceSource{Prices: []float64{805, 801, 799}}, nil)

	require.NoError(t, f.scheduler.Run(context.Background()))

	records := f.sink.Snapshot()
	require.Len(t, records, 3)
	assert.Equal(t, []domain.TradeAction{domain.ActionNoAction, domain.ActionNoAction, domain.ActionBuy}, actions(records))
	assert.Equal(t, 799.0, records[2].LastPrice)
	assert.Equal(t, domain.TradeStatusHolding, records[2].TradeStatus)
	assert.Equal(t, "BTCUSDT", records[2].Symbol)

	saved, err := f.repo.LoadState(context.Background(), baseSchedulerConfig().Identity.StateKey())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, domain.TradeStatusHolding, saved.State.TradeStatus)
	assert.Equal(t, int64(10), saved.State.HoldingQuantity)
	assert.Equal(t, 832.0, saved.State.TargetPriceAtEntry)
	assert.Equal(t, 799.0, saved.State.LastPrice)
}

func TestScheduler_RoundTripWritesTrade(t *testing.T) {
	f := newSchedulerFixture(t, baseSchedulerConfig(),
		&MockGateway{Margin: 1e6, Fee: 1},
		&MockPriceSource{Prices: []float64{799, 810, 831.5}}, nil)

	require.NoError(t, f.scheduler.Run(context.Background()))

	assert.Equal(t, []domain.TradeAction{domain.ActionBuy, domain.ActionHold, domain.ActionSell},
		actions(f.sink.Snapshot()))

	require.Len(t, f.trades.Trades, 1)
	trade := f.trades.Trades[0]
	assert.Equal(t, domain.ExitProfit, trade.Reason)
	assert.Equal(t, 800.0, trade.EntryPrice)
	assert.Equal(t, 832.0, trade.ExitPrice)
	assert.Equal(t, 2.0, trade.Charges)
	assert.InDelta(t, 318.0, trade.RealizedPnL, 1e-9)
	assert.Equal(t, replayStart, trade.OpenedAt)
	assert.NotEmpty(t, trade.TradeID)

	status := f.scheduler.Status()
	assert.Equal(t, domain.TradeStatusNotTriggered, status.State.TradeStatus)
	assert.False(t, status.Running)
	assert.Equal(t, 4, status.Iterations)
}

func TestScheduler_InsufficientMarginKeepsNormalCadence(t *testing.T) {
	f := newSchedulerFixture(t, baseSchedulerConfig(),
		&MockGateway{Margin: 100, Fee: 1},
		&MockPriceSource{Prices: []float64{799, 799}}, nil)

	require.NoError(t, f.scheduler.Run(context.Background()))

	records := f.sink.Snapshot()
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, domain.ActionNoAction, r.Action)
		assert.Equal(t, domain.ExecutionFailure, r.ExecutionStatus)
		assert.Contains(t, r.Info, "insufficient margin")
		assert.Equal(t, domain.TradeStatusNotTriggered, r.TradeStatus)
	}
	assert.Equal(t, replayStart.Add(2*time.Minute), f.clock.Now())
	assert.Equal(t, 0, f.gateway.SubmittedCount())
	assert.Equal(t, domain.TradeStatusNotTriggered, f.scheduler.Status().State.TradeStatus)
}

func TestScheduler_LiveStateSurvivesReplayRun(t *testing.T) {
	repo := NewMemoryStateRepo()
	live := baseSchedulerConfig().Identity
	live.RunMode = domain.RunModeLive
	require.NoError(t, repo.SaveState(context.Background(), &domain.PersistedState{
		Identity: live,
		State:    holdingState(800, 832, 784, 10),
	}))

	f := newSchedulerFixture(t, baseSchedulerConfig(),
		&MockGateway{Margin: 1e6},
		&MockPriceSource{Prices: []float64{900}}, repo)
	require.NoError(t, f.scheduler.Run(context.Background()))

	records := f.sink.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, domain.TradeStatusNotTriggered, records[0].TradeStatus)

	saved, err := repo.LoadState(context.Background(), live.StateKey())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, domain.RunModeLive, saved.Identity.RunMode)
	assert.Equal(t, domain.TradeStatusHolding, saved.State.TradeStatus)
	assert.Equal(t, int64(10), saved.State.HoldingQuantity)
}

func TestScheduler_ResetsStateOfAnotherRunInSlot(t *testing.T) {
	repo := NewMemoryStateRepo()
	id := baseSchedulerConfig().Identity
	stale := id
	stale.Venue = "paper"
	repo.States[id.StateKey()] = &domain.PersistedState{
		Identity: stale,
		State:    holdingState(800, 832, 784, 10),
	}

	f := newSchedulerFixture(t, baseSchedulerConfig(),
		&MockGateway{Margin: 1e6},
		&MockPriceSource{Prices: []float64{900}}, repo)

	require.NoError(t, f.scheduler.Run(context.Background()))

	records := f.sink.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, domain.ActionNoAction, records[0].Action)
	assert.Equal(t, domain.TradeStatusNotTriggered, records[0].TradeStatus)

	saved, err := repo.LoadState(context.Background(), id.StateKey())
	require.NoError(t, err)
	assert.Equal(t, id, saved.Identity)
	assert.Equal(t, domain.TradeStatusNotTriggered, saved.State.TradeStatus)
}

func TestScheduler_ResumesCompatibleState(t *testing.T) {
	repo := NewMemoryStateRepo()
	require.NoError(t, repo.SaveState(context.Background(), &domain.PersistedState{
		Identity: baseSchedulerConfig().Identity,
		State:    holdingState(800, 832, 784, 10),
	}))

	f := newSchedulerFixture(t, baseSchedulerConfig(),
		&MockGateway{},
		&MockPriceSource{Prices: []float64{810}}, repo)

	require.NoError(t, f.scheduler.Run(context.Background()))

	records := f.sink.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, domain.ActionHold, records[0].Action)
	assert.Equal(t, domain.TradeStatusHolding, records[0].TradeStatus)
	assert.Equal(t, 832.0, records[0].TargetPrice)
}

func TestScheduler_ResetsInconsistentState(t *testing.T) {
	repo := NewMemoryStateRepo()
	broken := holdingState(800, 832, 784, 0)
	require.NoError(t, repo.SaveState(context.Background(), &domain.PersistedState{
		Identity: baseSchedulerConfig().Identity,
		State:    broken,
	}))

	f := newSchedulerFixture(t, baseSchedulerConfig(),
		&MockGateway{Margin: 1e6},
		&MockPriceSource{Prices: []float64{900}}, repo)

	require.NoError(t, f.scheduler.Run(context.Background()))
	assert.Equal(t, domain.TradeStatusNotTriggered, f.sink.Snapshot()[0].TradeStatus)
}

func TestScheduler_TransientPriceFailureRetriesSameTick(t *testing.T) {
	fetchErr := errors.New("gateway timeout")
	f := newSchedulerFixture(t, baseSchedulerConfig(),
		&MockGateway{Margin: 1e6},
		&MockPriceSource{Prices: []float64{799}, Errs: map[int]error{0: fetchErr, 1: fetchErr}}, nil)

	require.NoError(t, f.scheduler.Run(context.Background()))

	records := f.sink.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, domain.ActionBuy, records[0].Action)
	// two error cooldowns, one normal delay after the BUY
	assert.Equal(t, replayStart.Add(14*time.Minute+time.Minute), f.clock.Now())
}

func TestScheduler_RetryCap(t *testing.T) {
	cfg := baseSchedulerConfig()
	cfg.MaxRetries = 2
	fetchErr := errors.New("gateway timeout")
	f := newSchedulerFixture(t, cfg,
		&MockGateway{Margin: 1e6},
		&MockPriceSource{
			Prices: []float64{799},
			Errs:   map[int]error{0: fetchErr, 1: fetchErr, 2: fetchErr, 3: fetchErr},
		}, nil)

	err := f.scheduler.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRetryLimit)
	assert.Equal(t, 3, f.scheduler.Status().ConsecutiveFailures)
	assert.NotEmpty(t, f.scheduler.Status().Error)
}

func TestScheduler_RetryableDecisionUsesErrorCooldown(t *testing.T) {
	f := newSchedulerFixture(t, baseSchedulerConfig(),
		&MockGateway{Margin: 1e6, Status: domain.OrderRejected},
		&MockPriceSource{Prices: []float64{799}}, nil)

	require.NoError(t, f.scheduler.Run(context.Background()))

	records := f.sink.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, domain.ExecutionFailure, records[0].ExecutionStatus)
	assert.Equal(t, domain.TradeStatusNotTriggered, records[0].TradeStatus)
	assert.Equal(t, replayStart.Add(7*time.Minute), f.clock.Now())
}

func TestScheduler_RestartPollsOpenOrder(t *testing.T) {
	repo := NewMemoryStateRepo()
	gw := &MockGateway{Margin: 1e6, Fee: 1, Status: domain.OrderOpen, PollStatuses: []domain.OrderStatus{domain.OrderOpen}}

	cfg := baseSchedulerConfig()
	cfg.MaxIterations = 1
	first := newSchedulerFixture(t, cfg, gw, &MockPriceSource{Prices: []float64{799}}, repo)
	require.NoError(t, first.scheduler.Run(context.Background()))
	require.Equal(t, 1, gw.SubmittedCount())

	saved, err := repo.LoadState(context.Background(), cfg.Identity.StateKey())
	require.NoError(t, err)
	require.NotNil(t, saved.State.OpenOrder)
	assert.Equal(t, "order-1", saved.State.OpenOrder.OrderID)
	assert.Equal(t, domain.SideBuy, saved.State.OpenOrder.Side)
	assert.Equal(t, int64(10), saved.State.OpenOrder.Quantity)
	assert.Equal(t, domain.TradeStatusNotTriggered, saved.State.TradeStatus)

	// the restarted run polls the resting order until it fills
	second := newSchedulerFixture(t, baseSchedulerConfig(), gw, &MockPriceSource{Prices: []float64{799, 799}}, repo)
	require.NoError(t, second.scheduler.Run(context.Background()))

	assert.Equal(t, 1, gw.SubmittedCount())
	assert.Equal(t, 2, gw.PollCalls)
	state := second.scheduler.Status().State
	assert.Equal(t, domain.TradeStatusHolding, state.TradeStatus)
	assert.Equal(t, "order-1", state.EntryOrderID)
	assert.Nil(t, state.OpenOrder)

	saved, err = repo.LoadState(context.Background(), cfg.Identity.StateKey())
	require.NoError(t, err)
	assert.Nil(t, saved.State.OpenOrder)
	assert.Equal(t, domain.TradeStatusHolding, saved.State.TradeStatus)
}

func TestScheduler_RestingOrderDoesNotHitRetryCap(t *testing.T) {
	cfg := baseSchedulerConfig()
	cfg.MaxRetries = 2
	gw := &MockGateway{
		Margin:       1e6,
		Status:       domain.OrderOpen,
		PollStatuses: []domain.OrderStatus{domain.OrderOpen, domain.OrderOpen, domain.OrderOpen, domain.OrderOpen},
	}
	f := newSchedulerFixture(t, cfg, gw, &MockPriceSource{Prices: []float64{799, 799, 799, 799, 799, 799}}, nil)

	require.NoError(t, f.scheduler.Run(context.Background()))

	status := f.scheduler.Status()
	assert.Empty(t, status.Error)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, domain.TradeStatusHolding, status.State.TradeStatus)
	assert.Equal(t, 1, gw.SubmittedCount())
	// five error cooldowns while the order rested, one normal delay after the fill
	assert.Equal(t, replayStart.Add(35*time.Minute+time.Minute), f.clock.Now())

	records := f.sink.Snapshot()
	require.Len(t, records, 6)
	for _, r := range records[:5] {
		assert.Equal(t, domain.ExecutionPending, r.ExecutionStatus)
	}
	assert.Equal(t, domain.ExecutionSuccess, records[5].ExecutionStatus)
}

func TestScheduler_AbortKeepsOpenOrderForRestart(t *testing.T) {
	cfg := baseSchedulerConfig()
	cfg.MaxRetries = 1
	fetchErr := errors.New("gateway timeout")
	gw := &MockGateway{Margin: 1e6, Status: domain.OrderOpen}
	f := newSchedulerFixture(t, cfg, gw,
		&MockPriceSource{Prices: []float64{799}, Errs: map[int]error{1: fetchErr, 2: fetchErr}}, nil)

	err := f.scheduler.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrRetryLimit)

	saved, err := f.repo.LoadState(context.Background(), cfg.Identity.StateKey())
	require.NoError(t, err)
	require.NotNil(t, saved.State.OpenOrder)
	assert.Equal(t, "order-1", saved.State.OpenOrder.OrderID)
}

func TestScheduler_PostExitCooldown(t *testing.T) {
	cfg := baseSchedulerConfig()
	cfg.PostExitCooldown = 48 * time.Hour
	f := newSchedulerFixture(t, cfg,
		&MockGateway{Margin: 1e6},
		&MockPriceSource{Prices: []float64{799, 831.5, 900}}, nil)

	require.NoError(t, f.scheduler.Run(context.Background()))

	records := f.sink.Snapshot()
	require.Len(t, records, 3)
	assert.Equal(t, domain.ActionSell, records[1].Action)
	assert.Equal(t, domain.ActionNoAction, records[2].Action)
	sellAt := records[1].Timestamp
	assert.False(t, records[2].Timestamp.Before(sellAt.Add(48*time.Hour)))

	saved, err := f.repo.LoadState(context.Background(), baseSchedulerConfig().Identity.StateKey())
	require.NoError(t, err)
	assert.False(t, saved.State.CooldownActive)
}

func TestScheduler_LogOnChange(t *testing.T) {
	cfg := baseSchedulerConfig()
	cfg.LogPolicy = domain.LogOnChange
	f := newSchedulerFixture(t, cfg,
		&MockGateway{Margin: 1e6},
		&MockPriceSource{Prices: []float64{805, 804, 803, 799, 810, 812}}, nil)

	require.NoError(t, f.scheduler.Run(context.Background()))
	assert.Equal(t, []domain.TradeAction{domain.ActionNoAction, domain.ActionBuy, domain.ActionHold},
		actions(f.sink.Snapshot()))
}

func TestScheduler_IterationBudget(t *testing.T) {
	cfg := baseSchedulerConfig()
	cfg.MaxIterations = 2
	f := newSchedulerFixture(t, cfg,
		&MockGateway{Margin: 1e6},
		&MockPriceSource{Prices: []float64{805, 805, 805, 805}}, nil)

	require.NoError(t, f.scheduler.Run(context.Background()))
	assert.Len(t, f.sink.Snapshot(), 2)
	assert.Len(t, f.prices.Prices, 2)
}

func TestScheduler_DynamicFrequencyShortensDelayNearTrigger(t *testing.T) {
	cfg := baseSchedulerConfig()
	cfg.FrequencyMode = domain.FrequencyDynamic
	cfg.MinFrequency = 1.0 / 24
	cfg.MaxFrequency = 30
	cfg.Curve = usecase.DefaultFrequencyCurve()
	cfg.MaxIterations = 1

	far := newSchedulerFixture(t, cfg, &MockGateway{}, &MockPriceSource{Prices: []float64{1600}}, nil)
	require.NoError(t, far.scheduler.Run(context.Background()))

	near := newSchedulerFixture(t, cfg, &MockGateway{}, &MockPriceSource{Prices: []float64{801}}, nil)
	require.NoError(t, near.scheduler.Run(context.Background()))

	assert.Greater(t, far.clock.Now().Sub(replayStart), near.clock.Now().Sub(replayStart))
	assert.GreaterOrEqual(t, near.clock.Now().Sub(replayStart), 120*time.Second)
}

func TestScheduler_SaveFailureKeepsCommittedState(t *testing.T) {
	repo := NewMemoryStateRepo()
	repo.SaveErr = errors.New("disk full")
	cfg := baseSchedulerConfig()
	cfg.MaxIterations = 3
	f := newSchedulerFixture(t, cfg,
		&MockGateway{Margin: 1e6},
		&MockPriceSource{Prices: []float64{799, 805, 805}}, repo)

	require.NoError(t, f.scheduler.Run(context.Background()))

	status := f.scheduler.Status()
	assert.Equal(t, domain.TradeStatusHolding, status.State.TradeStatus)
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, 1, f.gateway.SubmittedCount())
	// later ticks retried the save instead of fetching new prices
	assert.Len(t, f.prices.Prices, 2)
}

func TestScheduler_StartStopsOnCancel(t *testing.T) {
	sink := &MemorySink{}
	results, err := usecase.NewBatchedResultLog(sink, 100, time.Hour, zap.NewNop())
	require.NoError(t, err)

	cfg := baseSchedulerConfig()
	cfg.Identity.RunMode = domain.RunModeLive
	cfg.ConstantFrequency = 1

	engine := newTestEngine(t, &MockGateway{}, 800, 8000, domain.StrategyParams{TargetPct: 0.04, StopLossPct: 0.02})
	s, err := usecase.NewScheduler(cfg, engine, &MockPriceSource{Prices: []float64{900, 900}},
		NewMemoryStateRepo(), results, usecase.RealtimeWaiter{}, usecase.SystemClock{}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := s.Start(ctx)

	require.Eventually(t, func() bool { return s.Status().LastRecord != nil }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Status().Running)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	assert.Len(t, sink.Snapshot(), 1)
	assert.False(t, s.Status().Running)
	assert.Error(t, s.Run(context.Background()), "a scheduler runs once")
}

func TestSchedulerConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*usecase.SchedulerConfig)
	}{
		{"missing venue", func(c *usecase.SchedulerConfig) { c.Identity.Venue = "" }},
		{"bad run mode", func(c *usecase.SchedulerConfig) { c.Identity.RunMode = "PAPER" }},
		{"symbol mismatch", func(c *usecase.SchedulerConfig) { c.Input.Symbol = "ETHUSDT" }},
		{"zero constant frequency", func(c *usecase.SchedulerConfig) { c.ConstantFrequency = 0 }},
		{"dynamic min above max", func(c *usecase.SchedulerConfig) {
			c.FrequencyMode = domain.FrequencyDynamic
			c.MinFrequency, c.MaxFrequency = 10, 1
		}},
		{"zero error cooldown", func(c *usecase.SchedulerConfig) { c.ErrorCooldown = 0 }},
		{"negative retries", func(c *usecase.SchedulerConfig) { c.MaxRetries = -1 }},
		{"unknown log policy", func(c *usecase.SchedulerConfig) { c.LogPolicy = "SOMETIMES" }},
	}
	require.NoError(t, baseSchedulerConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseSchedulerConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
