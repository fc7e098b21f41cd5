package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"go.uber.org/zap"
)

// SchedulerConfig carries every knob of a run. Nothing here has a hidden default.
type SchedulerConfig struct {
	Identity domain.RunIdentity
	Input    domain.StrategyInput

	FrequencyMode     domain.FrequencyMode
	ConstantFrequency float64 // per hour
	MinFrequency      float64 // per hour
	MaxFrequency      float64 // per hour
	Curve             FrequencyCurve

	ErrorCooldown    time.Duration
	PostExitCooldown time.Duration

	// MaxRetries caps consecutive transient failures. 0 retries forever.
	MaxRetries int
	// MaxIterations caps the number of ticks. 0 means no cap.
	MaxIterations int

	LogPolicy domain.LogPolicy
}

func (c SchedulerConfig) Validate() error {
	if c.Identity.StrategyName == "" || c.Identity.Symbol == "" || c.Identity.Venue == "" {
		return fmt.Errorf("incomplete run identity: %s", c.Identity)
	}
	if !c.Identity.RunMode.Valid() {
		return fmt.Errorf("invalid run mode: %q", c.Identity.RunMode)
	}
	if c.Input.Symbol != c.Identity.Symbol {
		return fmt.Errorf("input symbol %q does not match run symbol %q", c.Input.Symbol, c.Identity.Symbol)
	}

	switch c.FrequencyMode {
	case domain.FrequencyConstant:
		if !validBound(c.ConstantFrequency) {
			return fmt.Errorf("%w: constant frequency %v", domain.ErrInvalidFrequency, c.ConstantFrequency)
		}
	case domain.FrequencyDynamic:
		if !validBound(c.MinFrequency) || !validBound(c.MaxFrequency) || c.MinFrequency > c.MaxFrequency {
			return fmt.Errorf("%w: dynamic bounds [%v, %v]", domain.ErrInvalidFrequency, c.MinFrequency, c.MaxFrequency)
		}
	default:
		return fmt.Errorf("invalid frequency mode: %q", c.FrequencyMode)
	}

	if c.ErrorCooldown <= 0 {
		return fmt.Errorf("error cooldown must be positive, got %s", c.ErrorCooldown)
	}
	if c.PostExitCooldown < 0 {
		return fmt.Errorf("post-exit cooldown must not be negative, got %s", c.PostExitCooldown)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max iterations must not be negative, got %d", c.MaxIterations)
	}
	switch c.LogPolicy {
	case domain.LogEveryTick, domain.LogOnChange:
	default:
		return fmt.Errorf("invalid log policy: %q", c.LogPolicy)
	}
	return nil
}

func (c SchedulerConfig) frequencyPolicy() FrequencyPolicy {
	if c.FrequencyMode == domain.FrequencyDynamic {
		return DynamicFrequency{Min: c.MinFrequency, Max: c.MaxFrequency, Curve: c.Curve}
	}
	return ConstantFrequency{PerHour: c.ConstantFrequency}
}

// RunStatus is a point-in-time view of a scheduler.
type RunStatus struct {
	Identity            domain.RunIdentity  `json:"identity"`
	Running             bool                `json:"running"`
	State               domain.ManagerState `json:"state"`
	Iterations          int                 `json:"iterations"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	LastRecord          *domain.LogRecord   `json:"last_record,omitempty"`
	Error               string              `json:"error,omitempty"`
}

// Scheduler drives one strategy run: fetch, evaluate, validate, commit, log,
// persist, suspend. It is the only writer of the run's ManagerState. A
// Scheduler runs once; its result log is stopped when Run returns.
type Scheduler struct {
	cfg       SchedulerConfig
	engine    *Engine
	prices    domain.PriceSource
	states    domain.StateRepository
	results   *BatchedResultLog
	trades    domain.TradeRepository
	validator ExecutionValidator
	frequency FrequencyPolicy
	waiter    Waiter
	clock     Clock
	logger    *zap.Logger

	mu         sync.RWMutex
	state      domain.ManagerState
	loaded     bool
	dirty      bool
	running    bool
	started    bool
	iterations int
	failures   int
	lastRecord *domain.LogRecord
	runErr     error
}

func NewScheduler(
	cfg SchedulerConfig,
	engine *Engine,
	prices domain.PriceSource,
	states domain.StateRepository,
	results *BatchedResultLog,
	waiter Waiter,
	clock Clock,
	logger *zap.Logger,
) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if engine == nil || prices == nil || states == nil || results == nil || waiter == nil || clock == nil {
		return nil, fmt.Errorf("scheduler %s is missing a collaborator", cfg.Identity)
	}
	if engine.StrategyName() != cfg.Identity.StrategyName {
		return nil, fmt.Errorf("engine strategy %q does not match run strategy %q", engine.StrategyName(), cfg.Identity.StrategyName)
	}
	return &Scheduler{
		cfg:       cfg,
		engine:    engine,
		prices:    prices,
		states:    states,
		results:   results,
		frequency: cfg.frequencyPolicy(),
		waiter:    waiter,
		clock:     clock,
		logger:    logger.With(zap.String("run", cfg.Identity.String())),
		state:     domain.FreshState(),
	}, nil
}

// SetTradeRepository enables the trade journal. Must be called before Run.
func (s *Scheduler) SetTradeRepository(repo domain.TradeRepository) {
	s.trades = repo
}

func (s *Scheduler) Identity() domain.RunIdentity {
	return s.cfg.Identity
}

func (s *Scheduler) Status() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := RunStatus{
		Identity:            s.cfg.Identity,
		Running:             s.running,
		State:               s.state,
		Iterations:          s.iterations,
		ConsecutiveFailures: s.failures,
	}
	if s.lastRecord != nil {
		rec := *s.lastRecord
		st.LastRecord = &rec
	}
	if s.runErr != nil {
		st.Error = s.runErr.Error()
	}
	return st
}

// Start runs the loop on its own goroutine. The channel yields Run's result
// and is then closed.
func (s *Scheduler) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		errCh <- s.Run(ctx)
	}()
	return errCh
}

// Run blocks until the context is cancelled, the iteration budget or replay
// data is exhausted, or a fatal error occurs. Cancellation is a clean exit.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler %s already started", s.cfg.Identity)
	}
	s.started = true
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Run started",
		zap.String("frequency_mode", string(s.cfg.FrequencyMode)),
		zap.String("log_policy", string(s.cfg.LogPolicy)))

	defer func() {
		err = s.shutdown(err)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.cfg.MaxIterations > 0 && s.Iterations() >= s.cfg.MaxIterations {
			s.logger.Info("Iteration budget exhausted", zap.Int("iterations", s.cfg.MaxIterations))
			return nil
		}

		s.mu.Lock()
		s.iterations++
		s.mu.Unlock()

		delay, tickErr := s.tick(ctx)
		if tickErr != nil {
			if errors.Is(tickErr, domain.ErrPriceExhausted) {
				s.logger.Info("Price data exhausted")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return tickErr
		}

		if waitErr := s.waiter.Wait(ctx, delay); waitErr != nil {
			return nil
		}
	}
}

func (s *Scheduler) Iterations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iterations
}

func (s *Scheduler) shutdown(runErr error) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.dirty {
		if err := s.persist(stopCtx); err != nil {
			s.logger.Error("Failed to persist state on shutdown", zap.Error(err))
		}
	}
	if err := s.results.Stop(stopCtx); err != nil {
		s.logger.Error("Failed to flush result log on shutdown", zap.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("failed to flush result log: %w", err)
		}
	}

	s.mu.Lock()
	s.running = false
	s.runErr = runErr
	s.mu.Unlock()

	if runErr != nil {
		s.logger.Error("Run aborted", zap.Error(runErr))
	} else {
		s.logger.Info("Run stopped", zap.Int("iterations", s.Iterations()))
	}
	return runErr
}

// tick performs one fetch-evaluate-commit pass and returns the pause before
// the next one. Transient failures return the error cooldown as the pause and
// leave the state untouched, so the next tick retries the same step.
func (s *Scheduler) tick(ctx context.Context) (time.Duration, error) {
	if !s.loaded {
		if err := s.load(ctx); err != nil {
			return s.retryLater("load state", err)
		}
	}

	if err := s.resumeCooldown(ctx); err != nil {
		return 0, err
	}

	if s.dirty {
		if err := s.persist(ctx); err != nil {
			return s.retryLater("persist state", err)
		}
	}

	ltp, err := s.prices.GetPrice(ctx, s.cfg.Input.Symbol)
	if err != nil {
		if errors.Is(err, domain.ErrPriceExhausted) {
			return 0, err
		}
		return s.retryLater("fetch price", err)
	}
	if !validBound(ltp) {
		return s.retryLater("fetch price", fmt.Errorf("unusable price %v", ltp))
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	current := s.currentState()
	decision, next, err := s.engine.Evaluate(ctx, ltp, current)
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate %s at %v: %w", current.TradeStatus, ltp, err)
	}

	now := s.clock.Now()

	if !s.validator.Validate(decision) {
		current = s.syncOpenOrder(current)
		s.record(now, decision, current, ltp)
		if s.dirty {
			if err := s.persist(ctx); err != nil {
				return s.retryLater("persist state", err)
			}
		}
		if decision.ExecutionStatus == domain.ExecutionPending {
			// A resting order is polled again but never counts toward the retry cap.
			s.resetFailures()
			s.logger.Info("Order open, polling again after cooldown",
				zap.String("order_id", decision.OrderID),
				zap.Duration("cooldown", s.cfg.ErrorCooldown))
			return s.cfg.ErrorCooldown, nil
		}
		if decision.Retryable {
			return s.retryLater("execute decision", errors.New(s.validator.Reason(decision)))
		}
		s.logger.Warn("Decision rejected, continuing at normal cadence",
			zap.String("reason", s.validator.Reason(decision)))
		s.resetFailures()
		return s.nextDelay(ltp, current)
	}

	next.LastPrice = ltp
	next.Timestamp = now
	next.OpenOrder = s.engine.OpenOrder()
	switch decision.Action {
	case domain.ActionBuy:
		next.EntryTime = now
	case domain.ActionSell:
		next.EntryTime = time.Time{}
		if s.cfg.PostExitCooldown > 0 {
			next.CooldownActive = true
			next.CooldownStartedAt = now
		}
	}
	if err := next.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %s produced invalid state: %v", domain.ErrIllegalTransition, decision.Action, err)
	}

	s.commit(next)
	s.resetFailures()
	s.record(now, decision, next, ltp)

	if decision.Action == domain.ActionBuy || decision.Action == domain.ActionSell {
		s.logger.Info("Trade executed",
			zap.String("action", string(decision.Action)),
			zap.Float64("price", decision.Price),
			zap.Int64("quantity", decision.Quantity),
			zap.String("order_id", decision.OrderID),
			zap.String("info", decision.Info))
	}
	if decision.Action == domain.ActionSell {
		s.journal(ctx, current, decision, now)
	}

	if err := s.persist(ctx); err != nil {
		return s.retryLater("persist state", err)
	}
	return s.nextDelay(ltp, next)
}

func (s *Scheduler) load(ctx context.Context) error {
	key := s.cfg.Identity.StateKey()
	persisted, err := s.states.LoadState(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load state %s: %w", key, err)
	}

	state := domain.FreshState()
	switch {
	case persisted == nil:
		s.logger.Info("No persisted state, starting fresh")
	case !s.cfg.Identity.Compatible(persisted.Identity):
		s.logger.Warn("Persisted state belongs to a different run, starting fresh",
			zap.String("persisted", persisted.Identity.String()))
	default:
		if err := persisted.State.Validate(); err != nil {
			s.logger.Warn("Persisted state is inconsistent, starting fresh", zap.Error(err))
		} else {
			state = persisted.State
			s.logger.Info("Resumed persisted state",
				zap.String("trade_status", string(state.TradeStatus)),
				zap.Int64("holding_quantity", state.HoldingQuantity))
		}
	}

	if state.OpenOrder != nil {
		if err := s.engine.RestoreOrder(*state.OpenOrder); err != nil {
			return fmt.Errorf("failed to restore open order: %w", err)
		}
	}

	s.mu.Lock()
	s.state = state
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// resumeCooldown suspends for what is left of a post-exit cooldown and then
// clears it. Under a ReplayClock only virtual time moves: replay sources hand
// out one price per tick whatever the clock says.
func (s *Scheduler) resumeCooldown(ctx context.Context) error {
	state := s.currentState()
	if !state.CooldownActive {
		return nil
	}
	remaining := state.CooldownStartedAt.Add(s.cfg.PostExitCooldown).Sub(s.clock.Now())
	if remaining > 0 {
		s.logger.Info("Post-exit cooldown", zap.Duration("remaining", remaining))
		if err := s.waiter.Wait(ctx, remaining); err != nil {
			return err
		}
	}
	state.CooldownActive = false
	state.CooldownStartedAt = time.Time{}
	s.commit(state)
	s.logger.Info("Post-exit cooldown finished")
	return nil
}

// syncOpenOrder mirrors the executor's order in flight into the state and
// commits it when it changed.
func (s *Scheduler) syncOpenOrder(state domain.ManagerState) domain.ManagerState {
	open := s.engine.OpenOrder()
	if sameOrder(state.OpenOrder, open) {
		return state
	}
	state.OpenOrder = open
	s.commit(state)
	return state
}

func sameOrder(a, b *domain.OpenOrder) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Scheduler) currentState() domain.ManagerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Scheduler) commit(state domain.ManagerState) {
	s.mu.Lock()
	s.state = state
	s.dirty = true
	s.mu.Unlock()
}

func (s *Scheduler) persist(ctx context.Context) error {
	state := s.currentState()
	err := s.states.SaveState(ctx, &domain.PersistedState{
		Identity: s.cfg.Identity,
		State:    state,
		SavedAt:  s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save state %s: %w", s.cfg.Identity.StateKey(), err)
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) retryLater(step string, cause error) (time.Duration, error) {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	if s.cfg.MaxRetries > 0 && failures > s.cfg.MaxRetries {
		return 0, fmt.Errorf("%w: %s failed %d times in a row: %v", domain.ErrRetryLimit, step, failures, cause)
	}
	s.logger.Warn("Transient failure, entering error cooldown",
		zap.String("step", step),
		zap.Int("consecutive_failures", failures),
		zap.Duration("cooldown", s.cfg.ErrorCooldown),
		zap.Error(cause))
	return s.cfg.ErrorCooldown, nil
}

func (s *Scheduler) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

func (s *Scheduler) nextDelay(ltp float64, state domain.ManagerState) (time.Duration, error) {
	if state.CooldownActive {
		return 0, nil
	}
	freq := s.frequency.Frequency(ltp, state, s.engine.EntryThreshold(ltp, state))
	delay, err := RerunWaitTime(freq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next delay: %w", err)
	}
	s.logger.Debug("Next tick scheduled",
		zap.Float64("ltp", ltp),
		zap.Float64("frequency_per_hour", freq),
		zap.Duration("delay", delay))
	return delay, nil
}

// record appends a result record. Under LogOnChange a record repeating the
// previous action, status and trade status is skipped.
func (s *Scheduler) record(ts time.Time, d domain.Decision, state domain.ManagerState, ltp float64) {
	rec := domain.NewLogRecord(ts, s.cfg.Identity, s.cfg.Input, d, state, ltp)

	s.mu.Lock()
	prev := s.lastRecord
	s.lastRecord = &rec
	s.mu.Unlock()

	if s.cfg.LogPolicy == domain.LogOnChange && prev != nil &&
		prev.Action == rec.Action &&
		prev.ExecutionStatus == rec.ExecutionStatus &&
		prev.TradeStatus == rec.TradeStatus {
		return
	}
	if err := s.results.Append(rec); err != nil {
		s.logger.Error("Failed to append result record", zap.Error(err))
	}
}

// journal stores the round trip closed by a successful SELL.
func (s *Scheduler) journal(ctx context.Context, entry domain.ManagerState, exit domain.Decision, closedAt time.Time) {
	if s.trades == nil {
		return
	}
	charges := entry.EntryCharges + exit.Charges
	pnl := (exit.Price-entry.EntryPrice)*float64(entry.HoldingQuantity) - charges
	trade := &domain.TradeRecord{
		TradeID:      uuid.NewString(),
		StrategyName: s.cfg.Identity.StrategyName,
		RunMode:      s.cfg.Identity.RunMode,
		Exchange:     s.cfg.Input.Exchange,
		Symbol:       s.cfg.Input.Symbol,
		Quantity:     entry.HoldingQuantity,
		EntryPrice:   entry.EntryPrice,
		ExitPrice:    exit.Price,
		StopLoss:     entry.StopLossPriceAtEntry,
		TakeProfit:   entry.TargetPriceAtEntry,
		Charges:      charges,
		RealizedPnL:  math.Round(pnl*1e8) / 1e8,
		Reason:       exit.ExitReason,
		EntryOrderID: entry.EntryOrderID,
		ExitOrderID:  exit.OrderID,
		OpenedAt:     entry.EntryTime,
		ClosedAt:     closedAt,
	}
	if err := s.trades.SaveTrade(ctx, trade); err != nil {
		s.logger.Error("Failed to save trade", zap.Error(err))
		return
	}
	s.logger.Info("Trade closed",
		zap.String("reason", string(trade.Reason)),
		zap.Float64("entry", trade.EntryPrice),
		zap.Float64("exit", trade.ExitPrice),
		zap.Float64("pnl", trade.RealizedPnL))
}
