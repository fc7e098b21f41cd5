package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
)

// MockGateway fills orders according to Status and records every call.
type MockGateway struct {
	mu sync.Mutex

	Margin       float64
	MarginErr    error
	Fee          float64
	FeeErr       error
	SubmitErr    error
	Status       domain.OrderStatus
	AveragePrice float64
	// PollStatuses are returned by successive GetOrderStatus calls.
	PollStatuses []domain.OrderStatus

	Submitted []domain.OrderRequest
	PollCalls int
	nextID    int
}

func (m *MockGateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	m.Submitted = append(m.Submitted, req)
	m.nextID++
	status := m.Status
	if status == "" {
		status = domain.OrderComplete
	}
	return &domain.OrderAck{
		OrderID:      fmt.Sprintf("order-%d", m.nextID),
		Status:       status,
		AveragePrice: m.AveragePrice,
	}, nil
}

func (m *MockGateway) GetOrderStatus(ctx context.Context, orderID string) (*domain.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PollCalls++
	status := domain.OrderComplete
	if len(m.PollStatuses) > 0 {
		status = m.PollStatuses[0]
		m.PollStatuses = m.PollStatuses[1:]
	}
	return &domain.OrderAck{OrderID: orderID, Status: status, AveragePrice: m.AveragePrice}, nil
}

func (m *MockGateway) GetMargin(ctx context.Context) (float64, error) {
	return m.Margin, m.MarginErr
}

func (m *MockGateway) GetBrokerage(ctx context.Context, side domain.OrderSide, price float64, quantity int64) (float64, error) {
	return m.Fee, m.FeeErr
}

func (m *MockGateway) SubmittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submitted)
}

// MockPriceSource replays Prices and then reports exhaustion. Errs, when set,
// is consulted first for each call index.
type MockPriceSource struct {
	Prices []float64
	Errs   map[int]error
	calls  int
}

func (m *MockPriceSource) GetPrice(ctx context.Context, symbol string) (float64, error) {
	i := m.calls
	m.calls++
	if err, ok := m.Errs[i]; ok {
		return 0, err
	}
	if len(m.Prices) == 0 {
		return 0, domain.ErrPriceExhausted
	}
	p := m.Prices[0]
	m.Prices = m.Prices[1:]
	return p, nil
}

type MemoryStateRepo struct {
	mu      sync.Mutex
	States  map[string]*domain.PersistedState
	SaveErr error
	Saves   int
}

func NewMemoryStateRepo() *MemoryStateRepo {
	return &MemoryStateRepo{States: make(map[string]*domain.PersistedState)}
}

func (r *MemoryStateRepo) LoadState(ctx context.Context, key string) (*domain.PersistedState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.States[key]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryStateRepo) SaveState(ctx context.Context, state *domain.PersistedState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveErr != nil {
		return r.SaveErr
	}
	r.Saves++
	cp := *state
	r.States[state.Identity.StateKey()] = &cp
	return nil
}

// MemorySink stores flushed records; FailNext makes the next N appends fail.
type MemorySink struct {
	mu       sync.Mutex
	Records  []domain.LogRecord
	Batches  int
	FailNext int
}

var errSinkDown = errors.New("sink unavailable")

func (s *MemorySink) AppendRecords(ctx context.Context, records []domain.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext > 0 {
		s.FailNext--
		return errSinkDown
	}
	s.Batches++
	s.Records = append(s.Records, records...)
	return nil
}

func (s *MemorySink) Snapshot() []domain.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LogRecord, len(s.Records))
	copy(out, s.Records)
	return out
}

type MemoryTrades struct {
	mu     sync.Mutex
	Trades []*domain.TradeRecord
}

func (m *MemoryTrades) SaveTrade(ctx context.Context, trade *domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Trades = append(m.Trades, trade)
	return nil
}

func (m *MemoryTrades) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Trades, nil
}
